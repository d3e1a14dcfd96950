// Package session owns the conversation registry: one Session per
// (instance, conversation) pair, each with its own history, capability
// coordinator, and agent loop. The registry serializes executions per
// session and persists transcripts between them.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hivelabs/hive-slack/internal/config"
	"github.com/hivelabs/hive-slack/internal/hooks"
	"github.com/hivelabs/hive-slack/internal/orchestrator"
)

// ErrNotStarted is returned when Execute is called before Start.
var ErrNotStarted = errors.New("session registry not started")

// ToolMounter connects an instance's bundle and mounts its tools onto the
// session coordinator. Implemented by the bundle package; kept as an
// interface here so the registry can be tested without spawning servers.
type ToolMounter interface {
	Mount(ctx context.Context, bundleName, workingDir string, c *hooks.Coordinator) error
}

// ToolFactory builds per-session tools at creation time, e.g. the worker
// dispatch tool bound to the session's conversation.
type ToolFactory func(instance, conversationID string) []hooks.Tool

// ExecuteOptions carries the per-execution wiring a caller provides:
// conversation-bound back-channels, extra tools, and the progress sink.
type ExecuteOptions struct {
	Sink     orchestrator.EventSink
	Display  hooks.Display
	Approver hooks.Approver
	Tools    []hooks.Tool
}

// Session bundles one conversation's state. Executions are serialized by
// execMu; everything the loop touches lives behind it.
type Session struct {
	Instance       string
	ConversationID string

	execMu sync.Mutex

	history     *orchestrator.History
	coordinator *hooks.Coordinator
	loop        *orchestrator.Orchestrator
	system      string

	mu            sync.Mutex
	notifications []string
	persisted     int
	createdAt     time.Time
	lastActive    time.Time
	turns         int
}

// takeNotifications drains queued notifications.
func (s *Session) takeNotifications() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.notifications
	s.notifications = nil
	return out
}

func (s *Session) addNotification(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, text)
}

// SessionInfo is a point-in-time snapshot for admin surfaces.
type SessionInfo struct {
	Instance       string
	ConversationID string
	Turns          int
	Running        bool
	CreatedAt      time.Time
	LastActive     time.Time
}

// Registry owns all sessions for this process.
type Registry struct {
	cfg         *config.Config
	provider    orchestrator.Provider
	transcripts *TranscriptStore
	mounter     ToolMounter
	toolFactory ToolFactory
	observer    hooks.Handler
	logger      *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	started  bool
}

// NewRegistry creates a registry. mounter and factory may be nil.
func NewRegistry(cfg *config.Config, provider orchestrator.Provider, transcripts *TranscriptStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:         cfg,
		provider:    provider,
		transcripts: transcripts,
		logger:      logger,
		sessions:    make(map[string]*Session),
	}
}

// SetMounter wires the bundle mounter used at session creation.
func (r *Registry) SetMounter(m ToolMounter) { r.mounter = m }

// SetToolFactory wires the per-session tool factory. It must be set before
// the first session is created.
func (r *Registry) SetToolFactory(f ToolFactory) { r.toolFactory = f }

// SetSessionObserver mounts a passive handler on every lifecycle event of
// every session created afterwards. Used for metrics.
func (r *Registry) SetSessionObserver(h hooks.Handler) { r.observer = h }

// Start marks the registry ready to execute.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	r.started = true
	r.logger.Info("Session registry started", "instances", r.cfg.InstanceNames())
	return nil
}

// Stop cancels all running executions, drops the sessions, and stops
// accepting new ones. In-flight Execute calls still hold their session
// and persist its transcript on the way out.
func (r *Registry) Stop(ctx context.Context) {
	r.mu.Lock()
	r.started = false
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.loop.Cancel()
	}
	r.logger.Info("Session registry stopped", "sessions", len(sessions))
}

func sessionKey(instance, conversationID string) string {
	return instance + ":" + conversationID
}

// GetOrCreate returns the session for (instance, conversationID), creating
// and replaying its transcript on first touch.
func (r *Registry) GetOrCreate(ctx context.Context, instance, conversationID string) (*Session, error) {
	key := sessionKey(instance, conversationID)

	r.mu.RLock()
	if s, ok := r.sessions[key]; ok {
		r.mu.RUnlock()
		return s, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok {
		return s, nil
	}

	inst, ok := r.cfg.Instance(instance)
	if !ok {
		return nil, fmt.Errorf("unknown instance: %s", instance)
	}

	s, err := r.buildSession(ctx, inst, conversationID)
	if err != nil {
		return nil, err
	}
	r.sessions[key] = s
	r.logger.Info("Session created",
		"instance", instance,
		"conversation_id", conversationID,
		"replayed_messages", s.persisted)
	return s, nil
}

func (r *Registry) buildSession(ctx context.Context, inst config.InstanceConfig, conversationID string) (*Session, error) {
	history := orchestrator.NewHistory()
	persisted := 0
	if r.transcripts != nil {
		msgs, err := r.transcripts.Load(inst.Name, conversationID)
		if err != nil {
			r.logger.Warn("Failed to replay transcript, starting fresh",
				"instance", inst.Name, "conversation_id", conversationID, "error", err)
		} else if len(msgs) > 0 {
			history.Replace(msgs)
			persisted = len(msgs)
		}
	}

	coord := hooks.NewCoordinator()
	if r.observer != nil {
		for _, event := range []string{
			hooks.EventPromptSubmit,
			hooks.EventProviderRequest,
			hooks.EventToolPre,
			hooks.EventToolPost,
			hooks.EventInjectionApplied,
		} {
			coord.MountHandler(event, r.observer)
		}
	}
	if len(r.cfg.Approval.RequiredTools) > 0 {
		coord.MountHandler(hooks.EventToolPre,
			hooks.ApprovalGate(coord, r.cfg.Approval.RequiredTools, r.cfg.ApprovalTimeout()))
	}
	if r.toolFactory != nil {
		for _, t := range r.toolFactory(inst.Name, conversationID) {
			coord.MountTool(t)
		}
	}
	if inst.Bundle != "" && r.mounter != nil {
		// A bundle failure degrades the session to its built-in tools
		// rather than bricking the conversation.
		if err := r.mounter.Mount(ctx, inst.Bundle, inst.WorkingDir, coord); err != nil {
			r.logger.Error("Bundle mount failed, session continues without bundle tools",
				"instance", inst.Name, "bundle", inst.Bundle, "error", err)
		}
	}

	loop := orchestrator.New(orchestrator.Config{
		MaxIterations:     r.cfg.Orchestrator.MaxIterations,
		ForceRespondTools: r.cfg.Orchestrator.ForceRespondTools,
		Thinking:          r.cfg.Orchestrator.ExtendedThinking,
	}, r.logger.With("instance", inst.Name, "conversation_id", conversationID))
	coord.SetInject(loop.Inject)

	now := time.Now()
	return &Session{
		Instance:       inst.Name,
		ConversationID: conversationID,
		history:        history,
		coordinator:    coord,
		loop:           loop,
		system:         systemPrompt(inst),
		persisted:      persisted,
		createdAt:      now,
		lastActive:     now,
	}, nil
}

// Execute runs one prompt on the session's agent loop. Queued
// notifications are prepended to the prompt. The call blocks until the
// loop finishes; concurrent calls for the same session serialize.
func (r *Registry) Execute(ctx context.Context, instance, conversationID, prompt string, opts ExecuteOptions) (string, error) {
	r.mu.RLock()
	started := r.started
	r.mu.RUnlock()
	if !started {
		return "", ErrNotStarted
	}

	s, err := r.GetOrCreate(ctx, instance, conversationID)
	if err != nil {
		return "", err
	}

	s.execMu.Lock()
	defer s.execMu.Unlock()

	if opts.Display != nil {
		s.coordinator.SetDisplay(opts.Display)
	}
	if opts.Approver != nil {
		s.coordinator.SetApprover(opts.Approver)
	}
	for _, t := range opts.Tools {
		s.coordinator.MountTool(t)
	}

	if notes := s.takeNotifications(); len(notes) > 0 {
		prompt = strings.Join(notes, "\n\n") + "\n\n" + prompt
	}

	text, execErr := s.loop.Execute(ctx, prompt, orchestrator.Env{
		History:     s.history,
		Provider:    r.provider,
		Coordinator: s.coordinator,
		System:      s.system,
		Sink:        opts.Sink,
	})

	r.persist(s)

	s.mu.Lock()
	s.lastActive = time.Now()
	s.turns++
	s.mu.Unlock()

	return text, execErr
}

// persist appends messages added since the last persist. Best-effort: the
// in-memory history stays authoritative for the session's lifetime.
func (r *Registry) persist(s *Session) {
	if r.transcripts == nil {
		return
	}
	msgs := s.history.Messages()

	s.mu.Lock()
	from := s.persisted
	if from > len(msgs) {
		from = len(msgs)
	}
	pending := msgs[from:]
	s.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	if err := r.transcripts.Append(s.Instance, s.ConversationID, pending); err != nil {
		r.logger.Warn("Failed to persist transcript",
			"instance", s.Instance, "conversation_id", s.ConversationID, "error", err)
		return
	}
	s.mu.Lock()
	s.persisted = len(msgs)
	s.mu.Unlock()
}

// Notify queues a message that will be prepended to the session's next
// execution. Unlike Inject it never touches a running execution.
func (r *Registry) Notify(ctx context.Context, instance, conversationID, text string) error {
	s, err := r.GetOrCreate(ctx, instance, conversationID)
	if err != nil {
		return err
	}
	s.addNotification(text)
	r.logger.Debug("Notification queued",
		"instance", instance, "conversation_id", conversationID)
	return nil
}

// Inject pushes a message into the session's running execution. Reports
// false when the session does not exist or nothing is running; the caller
// then queues the message itself.
func (r *Registry) Inject(instance, conversationID, text string) bool {
	r.mu.RLock()
	s, ok := r.sessions[sessionKey(instance, conversationID)]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return s.loop.Inject(text)
}

// Pending returns the number of injected messages the session has not
// yet folded into its running execution.
func (r *Registry) Pending(instance, conversationID string) int {
	r.mu.RLock()
	s, ok := r.sessions[sessionKey(instance, conversationID)]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	return s.loop.Pending()
}

// Cancel requests cancellation of the session's running execution.
func (r *Registry) Cancel(instance, conversationID string) bool {
	r.mu.RLock()
	s, ok := r.sessions[sessionKey(instance, conversationID)]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	s.loop.Cancel()
	return true
}

// Sessions returns a snapshot of all sessions.
func (r *Registry) Sessions() []SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		s.mu.Lock()
		info := SessionInfo{
			Instance:       s.Instance,
			ConversationID: s.ConversationID,
			Turns:          s.turns,
			Running:        s.loop.Running(),
			CreatedAt:      s.createdAt,
			LastActive:     s.lastActive,
		}
		s.mu.Unlock()
		out = append(out, info)
	}
	return out
}

// systemPrompt builds the per-instance system prompt.
func systemPrompt(inst config.InstanceConfig) string {
	return fmt.Sprintf(
		"You are %s, an AI assistant working inside Slack threads. "+
			"Each thread is its own conversation with no memory of other threads. "+
			"Keep responses concise and formatted for Slack. "+
			"Your working directory is %s. "+
			"To share a file back to the user, write it into .outbox/ under your "+
			"working directory and it will be uploaded to the thread.",
		inst.Persona.Name, inst.WorkingDir)
}
