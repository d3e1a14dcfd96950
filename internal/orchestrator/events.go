package orchestrator

import "time"

// EventKind enumerates the progress events emitted during an execution.
type EventKind string

const (
	EventToolStart        EventKind = "tool:start"
	EventToolEnd          EventKind = "tool:end"
	EventContentDelta     EventKind = "content:delta"
	EventThinking         EventKind = "thinking"
	EventInjectionApplied EventKind = "injection:applied"
	EventComplete         EventKind = "complete"
	EventError            EventKind = "error"
)

// TodoItem is one entry of a plan payload carried by the todo tool.
type TodoItem struct {
	Content    string `json:"content"`
	ActiveForm string `json:"activeForm,omitempty"`
	Status     string `json:"status"`
}

// Todo item statuses.
const (
	TodoCompleted  = "completed"
	TodoInProgress = "in_progress"
	TodoPending    = "pending"
)

// Event is a progress notification from the agent loop. Fields are set
// per kind: Tool and ArgsDigest for tool events, Text for content deltas
// and errors, Count for applied injections, Todos whenever a plan payload
// was visible on the triggering tool call.
type Event struct {
	Kind       EventKind
	Iteration  int
	Tool       string
	ArgsDigest string
	Agent      string
	Todos      []TodoItem
	Text       string
	Count      int
	Duration   time.Duration
	Cancelled  bool
}

// EventSink consumes progress events. Implementations must not block; the
// loop calls the sink inline.
type EventSink func(Event)
