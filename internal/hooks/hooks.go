// Package hooks defines the capability surface shared by a session: tools
// the model may call, lifecycle hook handlers, and the display and approval
// back-channels. A Coordinator instance holds one session's mounted set.
package hooks

import (
	"context"
	"time"
)

// Lifecycle hook events fired by the agent loop.
const (
	EventPromptSubmit     = "prompt:submit"
	EventProviderRequest  = "provider:request"
	EventToolPre          = "tool:pre"
	EventToolPost         = "tool:post"
	EventInjectionApplied = "injection:applied"
)

// Action is a handler's verdict on the hooked operation.
type Action string

const (
	ActionContinue Action = "continue"
	ActionDeny     Action = "deny"
)

// Result is returned by a handler. A deny result stops the hooked
// operation; Reason is surfaced to the model.
type Result struct {
	Action Action
	Reason string
}

// Continue is the zero-effect handler result.
func Continue() Result { return Result{Action: ActionContinue} }

// Deny blocks the hooked operation with a reason.
func Deny(reason string) Result { return Result{Action: ActionDeny, Reason: reason} }

// Handler reacts to a lifecycle event. Handlers must be fast and must not
// block on network calls; slow work belongs in a goroutine.
type Handler func(ctx context.Context, event string, data map[string]any) Result

// Tool is a named capability the model may invoke.
type Tool interface {
	Name() string
	Description() string
	// InputSchema returns the JSON Schema for the tool's arguments.
	InputSchema() map[string]any
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Level classifies display messages.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Display posts out-of-band messages to the conversation while an
// execution is in flight. Posts are fire-and-forget: failures are logged,
// never surfaced to the caller.
type Display interface {
	ShowMessage(ctx context.Context, text string, level Level)
}

// Approver asks the user to choose one of options and blocks until they
// answer or the timeout elapses, at which point defaultOption wins.
type Approver interface {
	RequestApproval(ctx context.Context, prompt string, options []string, defaultOption string, timeout time.Duration) (string, error)
}

// InjectFunc pushes a message into a running execution. It reports false
// when no execution is active.
type InjectFunc func(text string) bool
