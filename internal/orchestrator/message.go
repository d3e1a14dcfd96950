package orchestrator

import "sync"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is a provider-requested tool invocation. Arguments carries the
// parsed form; RawArguments preserves the provider's JSON for providers
// that echo it back.
type ToolCall struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Arguments    map[string]any `json:"arguments,omitempty"`
	RawArguments string         `json:"raw_arguments,omitempty"`
}

// ThinkingBlock carries a provider's extended thinking output. The
// signature must be echoed back verbatim on the next request.
type ThinkingBlock struct {
	Thinking  string `json:"thinking"`
	Signature string `json:"signature,omitempty"`
}

// Message is one entry in a session's conversation history.
type Message struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	Thinking   *ThinkingBlock `json:"thinking,omitempty"`
}

// History is the ordered message context for one session. It persists for
// the life of the session; executions append to it and transcripts replay
// into it.
type History struct {
	mu       sync.Mutex
	messages []Message
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{}
}

// Append adds a message to the end of the history.
func (h *History) Append(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
}

// Messages returns a snapshot of the history.
func (h *History) Messages() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// Len returns the number of messages.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

// Replace swaps the entire history, used when replaying a transcript.
func (h *History) Replace(messages []Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = make([]Message, len(messages))
	copy(h.messages, messages)
}
