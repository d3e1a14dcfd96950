package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hivelabs/hive-slack/internal/orchestrator"
)

// maxTranscriptLine bounds a single transcript record; tool results can
// carry large payloads.
const maxTranscriptLine = 4 * 1024 * 1024

// TranscriptStore persists session histories as JSONL files, one message
// per line, plus a small .meta.json sidecar with counters.
type TranscriptStore struct {
	dir    string
	logger *slog.Logger
	mu     sync.Mutex
}

// TranscriptMeta is the sidecar bookkeeping for one transcript.
type TranscriptMeta struct {
	Instance       string    `json:"instance"`
	ConversationID string    `json:"conversation_id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Messages       int       `json:"messages"`
}

// NewTranscriptStore creates a store rooted at dir. The directory is
// created on first write.
func NewTranscriptStore(dir string, logger *slog.Logger) *TranscriptStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &TranscriptStore{dir: dir, logger: logger}
}

// Path returns the transcript file for a conversation.
func (s *TranscriptStore) Path(instance, conversationID string) string {
	name := fmt.Sprintf("%s-%s.jsonl", sanitizeID(instance), sanitizeID(conversationID))
	return filepath.Join(s.dir, name)
}

// Load reads a conversation's full history. A missing transcript is not an
// error; corrupt lines are skipped so one bad record cannot brick a
// session.
func (s *TranscriptStore) Load(instance, conversationID string) ([]orchestrator.Message, error) {
	f, err := os.Open(s.Path(instance, conversationID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer f.Close()

	var msgs []orchestrator.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxTranscriptLine)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var msg orchestrator.Message
		if err := json.Unmarshal([]byte(text), &msg); err != nil {
			s.logger.Warn("Skipping corrupt transcript line",
				"path", s.Path(instance, conversationID), "line", line, "error", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	if err := scanner.Err(); err != nil {
		return msgs, fmt.Errorf("failed to read transcript: %w", err)
	}
	return msgs, nil
}

// Append writes messages to the end of a conversation's transcript and
// refreshes the sidecar.
func (s *TranscriptStore) Append(instance, conversationID string, msgs []orchestrator.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create sessions dir: %w", err)
	}

	path := s.Path(instance, conversationID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open transcript: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, msg := range msgs {
		line, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to encode message: %w", err)
		}
		if _, err := w.Write(line); err != nil {
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	s.updateMeta(instance, conversationID, len(msgs))
	return nil
}

// updateMeta is best-effort; transcript data is the source of truth.
func (s *TranscriptStore) updateMeta(instance, conversationID string, appended int) {
	metaPath := strings.TrimSuffix(s.Path(instance, conversationID), ".jsonl") + ".meta.json"
	now := time.Now().UTC()

	meta := TranscriptMeta{
		Instance:       instance,
		ConversationID: conversationID,
		CreatedAt:      now,
	}
	if raw, err := os.ReadFile(metaPath); err == nil {
		var existing TranscriptMeta
		if json.Unmarshal(raw, &existing) == nil {
			meta = existing
		}
	}
	meta.UpdatedAt = now
	meta.Messages += appended

	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return
	}
	tmp := metaPath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		s.logger.Debug("Failed to write transcript meta", "path", metaPath, "error", err)
		return
	}
	if err := os.Rename(tmp, metaPath); err != nil {
		s.logger.Debug("Failed to replace transcript meta", "path", metaPath, "error", err)
	}
}

// sanitizeID makes a conversation or instance id safe as a file name
// component. Colons from conversation ids become underscores.
func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
