// Package progress turns agent loop events into the throttled status
// message a conversation displays while an execution runs.
package progress

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hivelabs/hive-slack/internal/orchestrator"
)

// UpdateFunc pushes rendered status text to whatever surface displays it.
type UpdateFunc func(text string) error

// Config configures a Tracker.
type Config struct {
	// Instance is the display name used in plan-mode headers.
	Instance string
	// Throttle is the minimum gap between pushed updates. Zero pushes
	// on every event.
	Throttle time.Duration
	// Queued reports how many injected messages are waiting to be folded
	// into the running execution. Nil means none.
	Queued func() int
	// Update pushes rendered text. Nil discards updates.
	Update UpdateFunc

	Logger *slog.Logger
}

// Tracker accumulates loop events and renders them into status text. It
// starts in simple mode (single line naming the current tool) and switches
// permanently to plan mode once the agent publishes a todo list. Updates
// are throttled and pushed asynchronously with at most one in flight.
type Tracker struct {
	instance string
	throttle time.Duration
	queued   func() int
	update   UpdateFunc
	logger   *slog.Logger

	mu       sync.Mutex
	started  time.Time
	last     time.Time
	todos    []orchestrator.TodoItem
	tool     string
	agent    string
	inflight bool
}

// NewTracker creates a tracker for one execution. The zero instant is the
// construction time; elapsed durations in rendered text count from it.
func NewTracker(cfg Config) *Tracker {
	if cfg.Queued == nil {
		cfg.Queued = func() int { return 0 }
	}
	if cfg.Update == nil {
		cfg.Update = func(string) error { return nil }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Tracker{
		instance: cfg.Instance,
		throttle: cfg.Throttle,
		queued:   cfg.Queued,
		update:   cfg.Update,
		logger:   cfg.Logger,
		started:  time.Now(),
	}
}

// Handle consumes one loop event. It satisfies orchestrator.EventSink and
// never blocks: pushes happen on a background goroutine.
func (t *Tracker) Handle(ev orchestrator.Event) {
	t.mu.Lock()
	switch ev.Kind {
	case orchestrator.EventToolStart:
		t.tool = ev.Tool
		t.agent = ev.Agent
		if ev.Todos != nil {
			t.todos = ev.Todos
		}
	case orchestrator.EventToolEnd:
		if ev.Todos != nil {
			t.todos = ev.Todos
		}
	case orchestrator.EventThinking:
		t.tool = ""
		t.agent = ""
	case orchestrator.EventComplete, orchestrator.EventError:
		// The owner deletes the status message; nothing to push.
		t.mu.Unlock()
		return
	}
	t.pushLocked()
	t.mu.Unlock()
}

// Render returns the current status text without pushing it. Used for the
// initial post before any event arrives.
func (t *Tracker) Render() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.renderLocked(time.Now())
}

func (t *Tracker) renderLocked(now time.Time) string {
	elapsed := now.Sub(t.started)
	queued := t.queued()
	if t.todos != nil {
		return renderPlan(t.instance, t.todos, t.tool, elapsed, queued)
	}
	return renderSimple(t.tool, t.agent, elapsed, queued)
}

// pushLocked schedules an update if the throttle window has passed and no
// push is already in flight. Skipped states are not replayed; the next
// event renders fresher state anyway.
func (t *Tracker) pushLocked() {
	now := time.Now()
	if t.inflight || now.Sub(t.last) < t.throttle {
		return
	}
	t.inflight = true
	t.last = now
	text := t.renderLocked(now)
	go func() {
		if err := t.update(text); err != nil {
			t.logger.Debug("Status update failed", "error", err)
		}
		t.mu.Lock()
		t.inflight = false
		t.mu.Unlock()
	}()
}
