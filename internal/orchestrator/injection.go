package orchestrator

import (
	"strings"
	"sync"
)

// injectionPreamble frames mid-flight user messages so the model treats
// them as course corrections, not a new task.
const injectionPreamble = "[The user sent additional messages while you were working. Incorporate this into your current task:]"

// injectionQueue is a FIFO of user messages that arrived while an
// execution was in flight. The loop drains it at its injection points.
type injectionQueue struct {
	mu      sync.Mutex
	pending []string
}

func (q *injectionQueue) push(text string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, text)
}

// drain removes and returns all queued messages in arrival order.
func (q *injectionQueue) drain() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out
}

func (q *injectionQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *injectionQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = nil
}

// combineInjected folds queued messages into a single user message under
// the injection preamble, one bullet per message.
func combineInjected(messages []string) string {
	var b strings.Builder
	b.WriteString(injectionPreamble)
	for _, msg := range messages {
		b.WriteString("\n- ")
		b.WriteString(msg)
	}
	return b.String()
}
