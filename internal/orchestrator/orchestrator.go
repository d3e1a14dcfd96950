// Package orchestrator implements the agent loop: provider calls, tool
// execution, mid-flight message injection, and the one-shot force-respond
// mechanism. One Orchestrator instance belongs to one session and runs at
// most one execution at a time; callers serialize via the session lock.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hivelabs/hive-slack/internal/hooks"
)

// ErrNoProvider is returned when an execution starts without a provider.
var ErrNoProvider = errors.New("no provider configured")

// ToolDef describes a tool to the provider.
type ToolDef struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Request is one provider call built by the loop. A nil Tools slice means
// the model must answer in text (force-respond).
type Request struct {
	System   string
	Messages []Message
	Tools    []ToolDef
	Thinking bool
}

// Response is a provider's parsed reply. Text joins all text blocks.
type Response struct {
	Text      string
	Thinking  *ThinkingBlock
	ToolCalls []ToolCall
}

// Provider produces chat completions.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Env is the per-execution wiring handed to Execute. The orchestrator owns
// none of it; the session does.
type Env struct {
	History     *History
	Provider    Provider
	Coordinator *hooks.Coordinator
	System      string
	Sink        EventSink
}

// Config tunes the loop.
type Config struct {
	// MaxIterations caps iterations per execution; zero or negative means
	// unbounded. Hitting the cap returns the text accumulated so far.
	MaxIterations int
	// ForceRespondTools replaces the default force-respond set when
	// non-empty.
	ForceRespondTools []string
	// Thinking requests extended thinking from providers that support it.
	Thinking bool
}

// defaultForceRespondTools are tools whose completion requires the model
// to answer the user instead of chaining further tool calls.
var defaultForceRespondTools = []string{"dispatch_worker"}

// todoToolName is the tool whose payloads drive plan-mode progress.
const todoToolName = "todo"

// Orchestrator drives one session's agent loop.
type Orchestrator struct {
	maxIterations int
	forceTools    map[string]struct{}
	thinking      bool
	logger        *slog.Logger

	queue injectionQueue

	mu           sync.Mutex
	running      bool
	cancelled    bool
	forceRespond bool
}

// New creates an orchestrator with the given tuning.
func New(cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}

	names := cfg.ForceRespondTools
	if len(names) == 0 {
		names = defaultForceRespondTools
	}
	forceTools := make(map[string]struct{}, len(names))
	for _, name := range names {
		forceTools[name] = struct{}{}
	}

	return &Orchestrator{
		maxIterations: cfg.MaxIterations,
		forceTools:    forceTools,
		thinking:      cfg.Thinking,
		logger:        logger,
	}
}

// Inject queues a message for the running execution. It reports false when
// no execution is in flight; the caller then falls back to its own queue.
func (o *Orchestrator) Inject(text string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return false
	}
	o.queue.push(text)
	return true
}

// Cancel requests cooperative cancellation of the running execution. The
// loop observes it at the top of each iteration and before provider calls;
// in-flight tool calls run to completion and their results are kept.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancelled = true
}

// Running reports whether an execution is in flight.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Pending returns the number of injected messages not yet applied.
func (o *Orchestrator) Pending() int {
	return o.queue.len()
}

// Execute runs the agent loop for one user prompt and returns the final
// response text: the concatenation of every provider reply that carried no
// tool calls. Cancellation and the iteration cap return the text
// accumulated so far without error.
func (o *Orchestrator) Execute(ctx context.Context, prompt string, env Env) (string, error) {
	if env.Provider == nil {
		return "", ErrNoProvider
	}
	if env.History == nil {
		env.History = NewHistory()
	}
	if env.Coordinator == nil {
		env.Coordinator = hooks.NewCoordinator()
	}
	sink := env.Sink
	if sink == nil {
		sink = func(Event) {}
	}

	o.begin()
	defer o.end()

	if res := env.Coordinator.Fire(ctx, hooks.EventPromptSubmit, map[string]any{"prompt": prompt}); res.Action == hooks.ActionDeny {
		return "", fmt.Errorf("prompt rejected: %s", res.Reason)
	}

	env.History.Append(Message{Role: RoleUser, Content: prompt})

	var parts []string
	for iteration := 1; ; iteration++ {
		if o.maxIterations > 0 && iteration > o.maxIterations {
			o.logger.Warn("Iteration cap reached, returning partial response",
				"cap", o.maxIterations)
			sink(Event{
				Kind:      EventError,
				Iteration: iteration,
				Text:      fmt.Sprintf("iteration cap (%d) reached", o.maxIterations),
			})
			return strings.Join(parts, ""), nil
		}

		if o.cancelRequested(ctx) {
			sink(Event{Kind: EventComplete, Iteration: iteration, Cancelled: true})
			return strings.Join(parts, ""), nil
		}

		// Injection point 1: messages that arrived during tool execution
		// or between iterations.
		o.applyInjections(ctx, env, sink)

		sink(Event{Kind: EventThinking, Iteration: iteration})

		req := Request{
			System:   env.System,
			Messages: env.History.Messages(),
			Thinking: o.thinking,
		}
		if o.takeForceRespond() {
			o.logger.Debug("Force-respond active, stripping tools from request")
		} else {
			req.Tools = toolDefs(env.Coordinator.Tools())
		}

		env.Coordinator.Fire(ctx, hooks.EventProviderRequest, map[string]any{
			"iteration": iteration,
			"tools":     len(req.Tools),
		})

		if o.cancelRequested(ctx) {
			sink(Event{Kind: EventComplete, Iteration: iteration, Cancelled: true})
			return strings.Join(parts, ""), nil
		}

		resp, err := env.Provider.Complete(ctx, req)
		if err != nil {
			sink(Event{Kind: EventError, Iteration: iteration, Text: err.Error()})
			return strings.Join(parts, ""), fmt.Errorf("provider call failed: %w", err)
		}

		env.History.Append(Message{
			Role:      RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
			Thinking:  resp.Thinking,
		})
		if resp.Text != "" {
			sink(Event{Kind: EventContentDelta, Iteration: iteration, Text: resp.Text})
		}

		if len(resp.ToolCalls) == 0 {
			parts = append(parts, resp.Text)
			// Injection point 2: a message queued during the provider call
			// converts this break into a continue.
			if o.applyInjections(ctx, env, sink) {
				continue
			}
			sink(Event{Kind: EventComplete, Iteration: iteration})
			return strings.Join(parts, ""), nil
		}

		for _, result := range o.runTools(ctx, env, sink, iteration, resp.ToolCalls) {
			env.History.Append(result)
		}

		// Injection point 3: right after tool results.
		o.applyInjections(ctx, env, sink)
	}
}

// runTools executes a batch of tool calls in parallel and returns their
// result messages in the original call order.
func (o *Orchestrator) runTools(ctx context.Context, env Env, sink EventSink, iteration int, calls []ToolCall) []Message {
	results := make([]Message, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call ToolCall) {
			defer wg.Done()
			results[i] = o.runTool(ctx, env, sink, iteration, call)
		}(i, call)
	}
	wg.Wait()
	return results
}

func (o *Orchestrator) runTool(ctx context.Context, env Env, sink EventSink, iteration int, call ToolCall) Message {
	start := time.Now()
	todos := ExtractTodos(call.Arguments)
	agent := ExtractAgent(call.Arguments)

	sink(Event{
		Kind:       EventToolStart,
		Iteration:  iteration,
		Tool:       call.Name,
		ArgsDigest: digestArgs(call),
		Agent:      agent,
		Todos:      todos,
	})

	var output string
	pre := env.Coordinator.Fire(ctx, hooks.EventToolPre, map[string]any{
		"tool": call.Name,
		"args": call.Arguments,
	})
	if pre.Action == hooks.ActionDeny {
		output = fmt.Sprintf("tool %q execution denied: %s", call.Name, pre.Reason)
		o.logger.Info("Tool execution denied by hook", "tool", call.Name, "reason", pre.Reason)
	} else {
		tool, err := env.Coordinator.Tool(call.Name)
		if err != nil {
			output = fmt.Sprintf("tool '%s' not found", call.Name)
			o.logger.Warn("Model requested unknown tool", "tool", call.Name)
		} else {
			out, execErr := tool.Execute(ctx, call.Arguments)
			if execErr != nil {
				output = fmt.Sprintf("tool %q failed: %v", call.Name, execErr)
				o.logger.Warn("Tool execution failed", "tool", call.Name, "error", execErr)
			} else {
				output = out
			}
		}
	}

	env.Coordinator.Fire(ctx, hooks.EventToolPost, map[string]any{
		"tool":   call.Name,
		"result": output,
	})

	resultTodos := todos
	if call.Name == todoToolName && resultTodos == nil {
		resultTodos = ExtractTodosFromResult(output)
	}

	sink(Event{
		Kind:      EventToolEnd,
		Iteration: iteration,
		Tool:      call.Name,
		Agent:     agent,
		Todos:     resultTodos,
		Duration:  time.Since(start),
	})

	if _, ok := o.forceTools[call.Name]; ok {
		o.setForceRespond()
	}

	return Message{
		Role:       RoleTool,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Content:    output,
	}
}

// applyInjections drains the injection queue into the history as a single
// combined user message. Returns true when anything was applied.
func (o *Orchestrator) applyInjections(ctx context.Context, env Env, sink EventSink) bool {
	messages := o.queue.drain()
	if len(messages) == 0 {
		return false
	}

	env.History.Append(Message{Role: RoleUser, Content: combineInjected(messages)})
	env.Coordinator.Fire(ctx, hooks.EventInjectionApplied, map[string]any{"count": len(messages)})
	sink(Event{Kind: EventInjectionApplied, Count: len(messages)})
	o.logger.Info("Applied queued messages to running execution", "count", len(messages))
	return true
}

func (o *Orchestrator) begin() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running = true
	o.cancelled = false
	o.forceRespond = false
	o.queue.clear()
}

func (o *Orchestrator) end() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running = false
}

func (o *Orchestrator) cancelRequested(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled
}

func (o *Orchestrator) setForceRespond() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.forceRespond = true
}

// takeForceRespond consumes the one-shot force-respond flag.
func (o *Orchestrator) takeForceRespond() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	v := o.forceRespond
	o.forceRespond = false
	return v
}

func toolDefs(tools []hooks.Tool) []ToolDef {
	if len(tools) == 0 {
		return nil
	}
	defs := make([]ToolDef, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	return defs
}

// digestArgs renders a short human-readable form of tool arguments for
// progress display.
func digestArgs(call ToolCall) string {
	raw := call.RawArguments
	if raw == "" && len(call.Arguments) > 0 {
		if b, err := json.Marshal(call.Arguments); err == nil {
			raw = string(b)
		}
	}
	runes := []rune(raw)
	if len(runes) > 100 {
		return string(runes[:100]) + "…"
	}
	return raw
}
