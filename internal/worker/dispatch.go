package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/hivelabs/hive-slack/internal/metrics"
	"github.com/hivelabs/hive-slack/internal/session"
)

// maxSummaryRunes bounds the result excerpt written to TASKS.md and the
// completion notification; the full transcript stays in the worker session.
const maxSummaryRunes = 500

const truncationMarker = "... [truncated -- ask Director for full result]"

// Runner executes headless worker conversations and carries notifications
// back to the conversation that dispatched them. *session.Registry
// satisfies it.
type Runner interface {
	Execute(ctx context.Context, instance, conversationID, prompt string, opts session.ExecuteOptions) (string, error)
	Notify(ctx context.Context, instance, conversationID, text string) error
}

// DispatchTool hands Tier 2+ work to a background worker session. The
// calling model gets an immediate confirmation and is told to respond to
// the user; the worker runs detached, writes its result to TASKS.md, and
// a [WORKER REPORT] notification reaches the dispatching conversation on
// its next turn. Nothing is posted to the channel directly.
type DispatchTool struct {
	runner   Runner
	manager  *Manager
	store    *Store
	metrics  *metrics.Metrics
	logger   *slog.Logger
	instance string

	// directorConversation is the conversation that owns this tool
	// instance; worker reports are delivered there.
	directorConversation string

	mu      sync.Mutex
	counter int
}

// NewDispatchTool creates the dispatch_worker tool bound to one instance
// and one dispatching conversation. The store must be the instance-shared
// TASKS.md store so concurrent workers serialize their writes. m may be
// nil.
func NewDispatchTool(runner Runner, manager *Manager, store *Store, m *metrics.Metrics, instance, directorConversation string, logger *slog.Logger) *DispatchTool {
	if logger == nil {
		logger = slog.Default()
	}
	return &DispatchTool{
		runner:               runner,
		manager:              manager,
		store:                store,
		metrics:              m,
		logger:               logger.With("component", "dispatch", "instance", instance),
		instance:             instance,
		directorConversation: directorConversation,
	}
}

func (t *DispatchTool) Name() string { return "dispatch_worker" }

func (t *DispatchTool) Description() string {
	return "Dispatch a task to a background worker. Use for Tier 2+ work that takes " +
		"more than a few seconds. The worker runs independently and writes results " +
		"to TASKS.md when done. IMPORTANT: After calling this tool, respond to the " +
		"user IMMEDIATELY. Do NOT read files, call other tools, or do any more work. " +
		"Just confirm the dispatch and ask what else they need."
}

func (t *DispatchTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task": map[string]any{
				"type": "string",
				"description": "Complete task description for the worker. Must be self-contained " +
					"-- include all context the worker needs. The worker cannot see " +
					"this conversation.",
			},
			"task_id": map[string]any{
				"type": "string",
				"description": "Short identifier for this task (e.g., 'deck-stain-research'). " +
					"Used in TASKS.md tracking.",
			},
		},
		"required": []string{"task", "task_id"},
	}
}

// Execute records the task as Active, launches the worker, and returns
// immediately.
func (t *DispatchTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	task, _ := args["task"].(string)
	taskID, _ := args["task_id"].(string)
	if task == "" {
		return "", errors.New("No task provided")
	}
	if taskID == "" {
		return "", errors.New("No task_id provided")
	}

	t.mu.Lock()
	t.counter++
	n := t.counter
	t.mu.Unlock()

	if err := t.store.AddActive(taskID, task); err != nil {
		return "", fmt.Errorf("update TASKS.md: %w", err)
	}
	if t.metrics != nil {
		t.metrics.WorkersDispatched.Inc()
	}

	conversationID := fmt.Sprintf("worker:%s:%d", taskID, n)
	t.manager.Run(ctx, taskID, task, func(wctx context.Context) {
		t.runWorker(wctx, conversationID, taskID, task)
	})

	return fmt.Sprintf("Worker dispatched: %s. TASKS.md updated. "+
		"STOP. Do NOT call any more tools. Respond to the user NOW -- "+
		"confirm what you dispatched and ask what else they need.", taskID), nil
}

// runWorker executes the task in its own session and writes the outcome to
// TASKS.md. Runs on the manager's goroutine.
func (t *DispatchTool) runWorker(ctx context.Context, conversationID, taskID, task string) {
	t.logger.Info("Background worker starting", "task_id", taskID)

	response, err := t.runner.Execute(ctx, t.instance, conversationID, task, session.ExecuteOptions{})
	if err != nil {
		t.logger.Error("Background worker failed", "task_id", taskID, "err", err)
		if serr := t.store.FailTask(taskID, err.Error()); serr != nil {
			t.logger.Error("Failed to record worker failure", "task_id", taskID, "err", serr)
		}
		t.notify(ctx, fmt.Sprintf("[WORKER REPORT] Task %q FAILED.\nError: %v", taskID, err))
		return
	}

	summary := strings.TrimSpace(response)
	if runes := []rune(summary); len(runes) > maxSummaryRunes {
		summary = string(runes[:maxSummaryRunes]) + truncationMarker
	}

	if serr := t.store.CompleteTask(taskID, summary); serr != nil {
		t.logger.Error("Failed to record worker result", "task_id", taskID, "err", serr)
	}
	t.logger.Info("Background worker completed", "task_id", taskID)

	t.notify(ctx, fmt.Sprintf("[WORKER REPORT] Task %q completed.\nResult: %s\nFull details in TASKS.md.", taskID, summary))
}

func (t *DispatchTool) notify(ctx context.Context, text string) {
	if t.directorConversation == "" {
		return
	}
	if err := t.runner.Notify(ctx, t.instance, t.directorConversation, text); err != nil {
		t.logger.Warn("Failed to deliver worker report", "err", err)
	}
}
