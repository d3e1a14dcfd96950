package dispatch

import "sync"

// RoundtableOwner marks a thread as owned by a roundtable rather than a
// single instance. Follow-ups in such threads go back through
// classification instead of routing to one owner.
const RoundtableOwner = "_ROUNDTABLE"

// ThreadOwners maps conversation ids to the instance that answered first.
// The map is bounded: past capacity, the oldest entry is evicted. State is
// in-memory only and lost on restart.
type ThreadOwners struct {
	mu       sync.Mutex
	capacity int
	owners   map[string]string
	order    []string
}

// NewThreadOwners creates an owner map holding at most capacity entries.
func NewThreadOwners(capacity int) *ThreadOwners {
	if capacity <= 0 {
		capacity = 1
	}
	return &ThreadOwners{
		capacity: capacity,
		owners:   make(map[string]string, capacity),
	}
}

// Set records the owning instance for a conversation, evicting the oldest
// entry when the map is full. Re-setting an existing conversation updates
// the owner without touching insertion order.
func (t *ThreadOwners) Set(conversationID, instance string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.owners[conversationID]; exists {
		t.owners[conversationID] = instance
		return
	}
	if len(t.owners) >= t.capacity {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.owners, oldest)
	}
	t.owners[conversationID] = instance
	t.order = append(t.order, conversationID)
}

// Get returns the owning instance, or "" when the thread has none.
func (t *ThreadOwners) Get(conversationID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.owners[conversationID]
}

// Len reports how many threads currently have owners.
func (t *ThreadOwners) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.owners)
}
