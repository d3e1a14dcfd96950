package hooks

import (
	"context"
	"fmt"
	"sync"
)

// Coordinator holds the capabilities mounted on one session. Tools keep
// mount order because the provider sees them in that order. Capabilities
// are looked up late: a handler that needs the approver at fire time asks
// the coordinator then, not at mount time.
type Coordinator struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	order    []string
	handlers map[string][]Handler
	display  Display
	approver Approver
	inject   InjectFunc
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		tools:    make(map[string]Tool),
		handlers: make(map[string][]Handler),
	}
}

// MountTool adds a tool. Mounting a name twice replaces the previous tool
// in place, keeping its position in the provider-visible order.
func (c *Coordinator) MountTool(t Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := t.Name()
	if _, exists := c.tools[name]; !exists {
		c.order = append(c.order, name)
	}
	c.tools[name] = t
}

// MountHandler appends a handler for the given lifecycle event.
func (c *Coordinator) MountHandler(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

// SetDisplay mounts the display back-channel.
func (c *Coordinator) SetDisplay(d Display) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.display = d
}

// SetApprover mounts the approval back-channel.
func (c *Coordinator) SetApprover(a Approver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.approver = a
}

// SetInject mounts the orchestrator's injection entry point.
func (c *Coordinator) SetInject(fn InjectFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inject = fn
}

// Tool returns the named tool.
func (c *Coordinator) Tool(name string) (Tool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.tools[name]
	if !ok {
		return nil, fmt.Errorf("no tool mounted with name: %s", name)
	}
	return t, nil
}

// Tools returns all mounted tools in mount order.
func (c *Coordinator) Tools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Tool, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.tools[name])
	}
	return out
}

// Display returns the mounted display, or nil.
func (c *Coordinator) Display() Display {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.display
}

// Approver returns the mounted approver, or nil.
func (c *Coordinator) Approver() Approver {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.approver
}

// Inject returns the mounted injection function, or nil.
func (c *Coordinator) Inject() InjectFunc {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inject
}

// Capability resolves a capability by name: "display", "approval",
// "orchestrator.inject", or a mounted tool name. Returns nil when nothing
// is mounted under the name.
func (c *Coordinator) Capability(name string) any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch name {
	case "display":
		if c.display == nil {
			return nil
		}
		return c.display
	case "approval":
		if c.approver == nil {
			return nil
		}
		return c.approver
	case "orchestrator.inject":
		if c.inject == nil {
			return nil
		}
		return c.inject
	default:
		if t, ok := c.tools[name]; ok {
			return t
		}
		return nil
	}
}

// Fire runs all handlers for event in mount order. The first deny wins and
// stops the chain; otherwise the result is continue.
func (c *Coordinator) Fire(ctx context.Context, event string, data map[string]any) Result {
	c.mu.RLock()
	chain := make([]Handler, len(c.handlers[event]))
	copy(chain, c.handlers[event])
	c.mu.RUnlock()

	for _, h := range chain {
		if res := h(ctx, event, data); res.Action == ActionDeny {
			return res
		}
	}
	return Continue()
}
