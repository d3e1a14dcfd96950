// Package onboarding tracks per-user teaching state and picks the
// progressive tips appended to bot responses. The system is designed to
// dissolve: after roughly six interactions it goes silent forever.
package onboarding

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"
)

var tipSeparator = "\n" + strings.Repeat("─", 31) + "\n"

// Teaching messages appended to responses, at most one per response.
var (
	ThreadFooter = tipSeparator +
		"_New thread, fresh start — I don't have context from your other conversations._"

	CrossThreadNote = tipSeparator +
		"_Heads up: each thread is its own conversation, so I don't have context " +
		"from other threads. If you're referring to something specific, paste it " +
		"here and I'll pick right up._"

	TipRegenerate = tipSeparator +
		"_Tip: React with :arrows_counterclockwise: on any of my responses to get a fresh take._"

	TipFileUpload = tipSeparator +
		"_Tip: You can drop files into the thread — code, images, docs. I'll read them._"

	TipMidExecution = tipSeparator +
		"_Tip: When you see the :hourglass_flowing_sand:, you can send follow-up " +
		"messages to steer what I'm doing._"
)

// WelcomeText is the one-time DM sent the first time a user talks to the
// bot.
const WelcomeText = "👋 Hey, I'm your Hive assistant. A few things worth knowing:\n" +
	"• Each thread is its own conversation — I don't carry context between threads.\n" +
	"• While I'm working you'll see an :hourglass_flowing_sand: reaction. Keep typing — " +
	"follow-up messages get folded into what I'm doing.\n" +
	"• React with :arrows_counterclockwise: on any of my responses for a fresh take.\n" +
	"\nMention me in a channel or just message me here to get started."

// crossThreadPattern detects backward references to other conversations.
var crossThreadPattern = regexp.MustCompile(`(?i)\b(` +
	`as (?:I|we) (?:said|mentioned|asked|described|discussed|noted)` +
	`|like (?:I|we) (?:said|discussed|talked about|mentioned)` +
	`|remember (?:when|what|that thing|the)` +
	`|(?:from|going back to) (?:earlier|before|our (?:last|previous))` +
	`|you (?:said|told me|mentioned|suggested|recommended)` +
	`|(?:earlier|previously|last time) (?:you|I|we)` +
	`|(?:in|from) (?:the|that|my) other (?:thread|conversation|chat|channel)` +
	`|continu(?:e|ing) (?:from |our |where )` +
	`|pick(?:ing)? up where` +
	`)`)

// HasCrossThreadReference reports whether text refers back to another
// conversation.
func HasCrossThreadReference(text string) bool {
	return crossThreadPattern.MatchString(text)
}

const (
	tipRegenerate   = "regenerate"
	tipFileUpload   = "file_upload"
	tipMidExecution = "mid_execution"

	footerThreads        = 3
	crossThreadNoteLimit = 3
	recentThreadsCap     = 10

	stateFile = "onboarding.json"
)

// State is the serializable per-user onboarding record.
type State struct {
	UserID                string            `json:"user_id"`
	Version               int               `json:"version"`
	FirstSeen             string            `json:"first_seen"`
	Welcomed              bool              `json:"welcomed"`
	ThreadsStarted        int               `json:"threads_started"`
	RecentThreads         []string          `json:"recent_threads"`
	TipsShown             map[string]string `json:"tips_shown"`
	CrossThreadNotesShown int               `json:"cross_thread_notes_shown"`
}

// Manager loads and saves per-user onboarding state under a users
// directory, one subdirectory per user id.
type Manager struct {
	dir    string
	logger *slog.Logger
}

// NewManager creates a Manager persisting under usersDir.
func NewManager(usersDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{dir: usersDir, logger: logger}
}

// Load reads a user's state from disk, or starts fresh for new users and
// after corrupt reads. Load once per message, save after the response.
func (m *Manager) Load(userID string) *User {
	path := filepath.Join(m.dir, userID, stateFile)
	if data, err := os.ReadFile(path); err == nil {
		var st State
		if err := json.Unmarshal(data, &st); err == nil {
			if st.TipsShown == nil {
				st.TipsShown = make(map[string]string)
			}
			return &User{m: m, state: st}
		}
		m.logger.Debug("Could not parse onboarding state", "user", userID)
	}
	return &User{m: m, state: State{
		UserID:    userID,
		Version:   1,
		FirstSeen: time.Now().UTC().Format(time.RFC3339),
		TipsShown: make(map[string]string),
	}}
}

// User is one user's onboarding state plus the decision logic that
// advances it.
type User struct {
	m     *Manager
	state State
}

// FirstInteraction reports whether this user has never talked to the bot.
func (u *User) FirstInteraction() bool {
	return !u.state.Welcomed
}

// MarkWelcomed records that the welcome DM was sent.
func (u *User) MarkWelcomed() {
	u.state.Welcomed = true
}

// RecordThread notes a thread interaction and reports whether the thread
// is new for this user.
func (u *User) RecordThread(conversationID string) bool {
	if slices.Contains(u.state.RecentThreads, conversationID) {
		return false
	}
	u.state.RecentThreads = append(u.state.RecentThreads, conversationID)
	u.state.ThreadsStarted++
	if n := len(u.state.RecentThreads); n > recentThreadsCap {
		u.state.RecentThreads = u.state.RecentThreads[n-recentThreadsCap:]
	}
	return true
}

// ResponseSuffix picks the teaching message to append to a response, or
// empty. At most one suffix per response; choosing a tip records it so
// count-limited tips fire at most once ever. Priority:
//
//  1. cross-thread confusion note (reactive, capped at 3)
//  2. "new thread, fresh start" footer (first 3 threads)
//  3. mid-execution tip (first response over 20s, after footer phase)
//  4. regenerate tip (first new thread after footer phase)
//  5. file-upload tip (next new thread after the regenerate tip)
func (u *User) ResponseSuffix(isNewThread bool, duration time.Duration, hasCrossRef bool) string {
	s := &u.state

	if hasCrossRef && isNewThread && s.CrossThreadNotesShown < crossThreadNoteLimit {
		s.CrossThreadNotesShown++
		return CrossThreadNote
	}

	if isNewThread && s.ThreadsStarted <= footerThreads {
		return ThreadFooter
	}
	if s.ThreadsStarted <= footerThreads {
		return ""
	}

	if duration > 20*time.Second && s.TipsShown[tipMidExecution] == "" {
		s.TipsShown[tipMidExecution] = time.Now().UTC().Format(time.RFC3339)
		return TipMidExecution
	}

	if !isNewThread {
		return ""
	}
	for _, tip := range []struct{ name, text string }{
		{tipRegenerate, TipRegenerate},
		{tipFileUpload, TipFileUpload},
	} {
		if s.TipsShown[tip.name] == "" {
			s.TipsShown[tip.name] = time.Now().UTC().Format(time.RFC3339)
			return tip.text
		}
	}
	return ""
}

// Save persists the state to disk. Best effort: failures are logged,
// never raised.
func (u *User) Save() {
	path := filepath.Join(u.m.dir, u.state.UserID, stateFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		u.m.logger.Debug("Failed to save onboarding state", "user", u.state.UserID, "error", err)
		return
	}
	data, err := json.MarshalIndent(u.state, "", "  ")
	if err != nil {
		u.m.logger.Debug("Failed to save onboarding state", "user", u.state.UserID, "error", err)
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		u.m.logger.Debug("Failed to save onboarding state", "user", u.state.UserID, "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		u.m.logger.Debug("Failed to save onboarding state", "user", u.state.UserID, "error", err)
	}
}
