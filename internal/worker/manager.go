// Package worker runs background tasks dispatched from a conversation:
// long-running prompts executed in their own headless sessions, tracked by
// a manager that supports cancellation, shutdown, and a timeout watchdog,
// with durable state in a TASKS.md file the dispatching agent can read.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const sweepInterval = 30 * time.Second

// Info is a point-in-time snapshot of a tracked worker.
type Info struct {
	TaskID      string
	Description string
	StartedAt   time.Time
}

type trackedWorker struct {
	taskID      string
	description string
	startedAt   time.Time
	cancel      context.CancelFunc
	done        chan struct{}
}

// Manager tracks background workers so nothing runs fire-and-forget: every
// worker can be listed, cancelled individually, cancelled in bulk on
// shutdown, and is reaped by the timeout watchdog when it runs too long.
type Manager struct {
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	workers map[string]*trackedWorker
}

// NewManager creates a Manager. timeout bounds each worker's runtime; zero
// or negative disables the watchdog cutoff.
func NewManager(timeout time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		timeout: timeout,
		logger:  logger.With("component", "worker-manager"),
		workers: make(map[string]*trackedWorker),
	}
}

// Run starts fn in a background goroutine tracked under taskID. The context
// passed to fn is detached from ctx's cancellation so the worker survives
// the execution that dispatched it; it is cancelled by Cancel, CancelAll,
// or the timeout watchdog. A duplicate taskID replaces the old entry with a
// warning; the old worker keeps running untracked until it finishes.
func (m *Manager) Run(ctx context.Context, taskID, description string, fn func(context.Context)) {
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w := &trackedWorker{
		taskID:      taskID,
		description: description,
		startedAt:   time.Now(),
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	m.mu.Lock()
	if _, exists := m.workers[taskID]; exists {
		m.logger.Warn("Worker already registered, replacing", "task_id", taskID)
	}
	m.workers[taskID] = w
	m.mu.Unlock()

	go func() {
		defer close(w.done)
		defer cancel()
		fn(wctx)

		m.mu.Lock()
		if m.workers[taskID] == w {
			delete(m.workers, taskID)
		}
		m.mu.Unlock()

		if wctx.Err() != nil {
			m.logger.Info("Worker was cancelled", "task_id", taskID)
			return
		}
		m.logger.Info("Worker completed",
			"task_id", taskID,
			"duration", time.Since(w.startedAt).Round(100*time.Millisecond))
	}()
}

// Active returns snapshots of all currently tracked workers.
func (m *Manager) Active() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, Info{TaskID: w.taskID, Description: w.description, StartedAt: w.startedAt})
	}
	return out
}

// Cancel stops a worker by task id. It reports whether a worker was found.
func (m *Manager) Cancel(taskID string) bool {
	m.mu.Lock()
	w, ok := m.workers[taskID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	w.cancel()
	m.logger.Info("Cancelled worker", "task_id", taskID)
	return true
}

// CancelAll cancels every tracked worker and waits for them to finish, or
// for ctx to expire. Used during graceful shutdown so no work is orphaned
// mid-write.
func (m *Manager) CancelAll(ctx context.Context) {
	m.mu.Lock()
	active := make([]*trackedWorker, 0, len(m.workers))
	for _, w := range m.workers {
		active = append(active, w)
	}
	m.mu.Unlock()

	if len(active) == 0 {
		return
	}
	m.logger.Info("Cancelling active workers", "count", len(active))
	for _, w := range active {
		w.cancel()
	}
	for _, w := range active {
		select {
		case <-w.done:
		case <-ctx.Done():
			m.logger.Warn("Gave up waiting for workers to stop", "err", ctx.Err())
			return
		}
	}
	m.logger.Info("All workers stopped")
}

// RunWatchdog periodically cancels workers that exceed the manager's
// timeout. Blocks until ctx is cancelled; run it in its own goroutine.
func (m *Manager) RunWatchdog(ctx context.Context) {
	m.runWatchdog(ctx, sweepInterval)
}

func (m *Manager) runWatchdog(ctx context.Context, interval time.Duration) {
	if m.timeout <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	m.mu.Lock()
	var expired []*trackedWorker
	for _, w := range m.workers {
		if time.Since(w.startedAt) > m.timeout {
			expired = append(expired, w)
		}
	}
	m.mu.Unlock()

	for _, w := range expired {
		m.logger.Warn("Worker timed out, cancelling",
			"task_id", w.taskID,
			"elapsed", time.Since(w.startedAt).Round(time.Second),
			"limit", m.timeout)
		w.cancel()
	}
}
