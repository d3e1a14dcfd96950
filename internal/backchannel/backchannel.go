// Package backchannel routes approval prompts and display messages from a
// running execution back to the Slack conversation that started it.
package backchannel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hivelabs/hive-slack/internal/hooks"
)

// Button is one interactive choice on an approval prompt.
type Button struct {
	Text     string
	ActionID string
	Value    string
	// Style is "primary", "danger", or empty for the default look.
	Style string
}

// Poster is the Slack surface the back-channels post through.
type Poster interface {
	PostMessage(ctx context.Context, channel, threadTS, text string) (ts string, err error)
	PostButtons(ctx context.Context, channel, threadTS, text string, buttons []Button) (ts string, err error)
	UpdateMessage(ctx context.Context, channel, ts, text string) error
}

// Manager owns the pending-approval map shared by every conversation's
// approver. Button clicks arrive on the connector goroutine and are routed
// by correlation id, so concurrent approvals never cross.
type Manager struct {
	poster Poster
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]chan string

	displays sync.WaitGroup
}

// NewManager creates a Manager posting through the given surface.
func NewManager(poster Poster, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		poster:  poster,
		logger:  logger,
		pending: make(map[string]chan string),
	}
}

// Approver returns an approval back-channel bound to one conversation.
func (m *Manager) Approver(channel, threadTS string) hooks.Approver {
	return &approver{m: m, channel: channel, threadTS: threadTS}
}

// Display returns a display back-channel bound to one conversation.
func (m *Manager) Display(channel, threadTS string) hooks.Display {
	return &display{m: m, channel: channel, threadTS: threadTS}
}

// Resolve routes a button click to the approval waiting on it. The action
// id carries the correlation: "approval_<id>_<option>". It reports whether
// the click matched a pending approval.
func (m *Manager) Resolve(actionID, value string) bool {
	parts := strings.SplitN(actionID, "_", 3)
	if len(parts) < 2 || parts[0] != "approval" {
		return false
	}
	correlationID := parts[1]

	m.mu.Lock()
	ch, ok := m.pending[correlationID]
	if ok {
		delete(m.pending, correlationID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case ch <- value:
	default:
	}
	m.logger.Info("Approval resolved", "correlation_id", correlationID, "option", value)
	return true
}

// Close waits for in-flight display posts to drain.
func (m *Manager) Close() {
	m.displays.Wait()
}

func (m *Manager) register(correlationID string, ch chan string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[correlationID] = ch
}

func (m *Manager) unregister(correlationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, correlationID)
}

type approver struct {
	m        *Manager
	channel  string
	threadTS string
}

func (a *approver) RequestApproval(ctx context.Context, prompt string, options []string, defaultOption string, timeout time.Duration) (string, error) {
	correlationID := uuid.NewString()[:8]

	buttons := make([]Button, 0, len(options))
	for _, option := range options {
		b := Button{
			Text:     option,
			ActionID: fmt.Sprintf("approval_%s_%s", correlationID, option),
			Value:    option,
		}
		switch strings.ToLower(option) {
		case "allow", "yes", "approve":
			b.Style = "primary"
		case "deny", "no", "reject":
			b.Style = "danger"
		}
		buttons = append(buttons, b)
	}

	ch := make(chan string, 1)
	a.m.register(correlationID, ch)
	defer a.m.unregister(correlationID)

	ts, err := a.m.poster.PostButtons(ctx, a.channel, a.threadTS, prompt, buttons)
	if err != nil {
		return defaultOption, fmt.Errorf("post approval prompt: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	selected := defaultOption
	timedOut := false
	select {
	case v := <-ch:
		selected = v
	case <-timer.C:
		timedOut = true
		a.m.logger.Info("Approval timed out, using default",
			"timeout", timeout, "default", defaultOption)
	case <-ctx.Done():
		return defaultOption, ctx.Err()
	}

	resolution := fmt.Sprintf("%s\n\n*Selected: %s*", prompt, selected)
	if timedOut {
		resolution = fmt.Sprintf("%s\n\n*Selected: %s (default)*", prompt, selected)
	}
	if err := a.m.poster.UpdateMessage(ctx, a.channel, ts, resolution); err != nil {
		a.m.logger.Debug("Failed to update approval message", "error", err)
	}
	return selected, nil
}

type display struct {
	m        *Manager
	channel  string
	threadTS string
}

// ShowMessage posts to the conversation without blocking the caller. A
// failed post is logged, never raised.
func (d *display) ShowMessage(ctx context.Context, text string, level hooks.Level) {
	switch level {
	case hooks.LevelWarning:
		text = "⚠️ " + text
	case hooks.LevelError:
		text = "🚨 " + text
	}

	ctx = context.WithoutCancel(ctx)
	d.m.displays.Add(1)
	go func() {
		defer d.m.displays.Done()
		if _, err := d.m.poster.PostMessage(ctx, d.channel, d.threadTS, text); err != nil {
			d.m.logger.Debug("Failed to post display message", "error", err)
		}
	}()
}
