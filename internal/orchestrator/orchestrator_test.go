package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hivelabs/hive-slack/internal/hooks"
)

type providerStep struct {
	resp *Response
	err  error
}

// scriptedProvider returns canned responses in order and records every
// request it sees. onCall runs at the start of each call, letting tests
// inject messages while a provider call is "in flight".
type scriptedProvider struct {
	mu       sync.Mutex
	steps    []providerStep
	requests []Request
	onCall   func(callIndex int)
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	p.mu.Lock()
	idx := len(p.requests)
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if p.onCall != nil {
		p.onCall(idx)
	}

	if idx >= len(p.steps) {
		return &Response{Text: "out of script"}, nil
	}
	step := p.steps[idx]
	if step.err != nil {
		return nil, step.err
	}
	return step.resp, nil
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptedProvider) request(i int) Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

type funcTool struct {
	name string
	fn   func(ctx context.Context, args map[string]any) (string, error)

	mu    sync.Mutex
	calls []map[string]any
}

func (t *funcTool) Name() string                { return t.name }
func (t *funcTool) Description() string         { return "test tool " + t.name }
func (t *funcTool) InputSchema() map[string]any { return map[string]any{"type": "object"} }

func (t *funcTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	t.mu.Lock()
	t.calls = append(t.calls, args)
	t.mu.Unlock()
	if t.fn != nil {
		return t.fn(ctx, args)
	}
	return "ok", nil
}

func (t *funcTool) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// eventRecorder collects events thread-safely; tool events arrive from
// multiple goroutines.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) sink(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *eventRecorder) find(kind EventKind) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return Event{}, false
}

func roles(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}

func textResponse(text string) *Response {
	return &Response{Text: text}
}

func toolResponse(text string, calls ...ToolCall) *Response {
	return &Response{Text: text, ToolCalls: calls}
}

func TestExecute_TextOnlyResponse(t *testing.T) {
	provider := &scriptedProvider{steps: []providerStep{
		{resp: textResponse("Hello there")},
	}}
	env := Env{History: NewHistory(), Provider: provider, Coordinator: hooks.NewCoordinator()}

	o := New(Config{}, nil)
	result, err := o.Execute(context.Background(), "hi", env)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result != "Hello there" {
		t.Errorf("Expected 'Hello there', got %q", result)
	}

	got := roles(env.History.Messages())
	want := []string{RoleUser, RoleAssistant}
	if len(got) != len(want) {
		t.Fatalf("Expected roles %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected role %q at %d, got %q", want[i], i, got[i])
		}
	}
}

func TestExecute_NoProvider(t *testing.T) {
	o := New(Config{}, nil)
	_, err := o.Execute(context.Background(), "hi", Env{History: NewHistory()})
	if !errors.Is(err, ErrNoProvider) {
		t.Errorf("Expected ErrNoProvider, got %v", err)
	}
}

func TestExecute_SingleToolCallThenText(t *testing.T) {
	tool := &funcTool{name: "search", fn: func(ctx context.Context, args map[string]any) (string, error) {
		return "found 3 results", nil
	}}
	coord := hooks.NewCoordinator()
	coord.MountTool(tool)

	provider := &scriptedProvider{steps: []providerStep{
		{resp: toolResponse("Using tool", ToolCall{ID: "t1", Name: "search", Arguments: map[string]any{"q": "go"}})},
		{resp: textResponse("Done")},
	}}
	env := Env{History: NewHistory(), Provider: provider, Coordinator: coord}

	o := New(Config{}, nil)
	result, err := o.Execute(context.Background(), "search for go", env)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	// Interim text on tool-call iterations does not reach the final
	// response; only terminal text does.
	if result != "Done" {
		t.Errorf("Expected 'Done', got %q", result)
	}
	if tool.callCount() != 1 {
		t.Errorf("Expected 1 tool call, got %d", tool.callCount())
	}

	msgs := env.History.Messages()
	want := []string{RoleUser, RoleAssistant, RoleTool, RoleAssistant}
	got := roles(msgs)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("Expected roles %v, got %v", want, got)
	}
	if msgs[2].Content != "found 3 results" {
		t.Errorf("Expected tool result in history, got %q", msgs[2].Content)
	}
	if msgs[2].ToolCallID != "t1" {
		t.Errorf("Expected tool result to carry call ID, got %q", msgs[2].ToolCallID)
	}
}

func TestExecute_MultipleToolCallsOrderedResults(t *testing.T) {
	slow := &funcTool{name: "slow", fn: func(ctx context.Context, args map[string]any) (string, error) {
		time.Sleep(30 * time.Millisecond)
		return "slow result", nil
	}}
	fast := &funcTool{name: "fast", fn: func(ctx context.Context, args map[string]any) (string, error) {
		return "fast result", nil
	}}
	coord := hooks.NewCoordinator()
	coord.MountTool(slow)
	coord.MountTool(fast)

	provider := &scriptedProvider{steps: []providerStep{
		{resp: toolResponse("",
			ToolCall{ID: "c1", Name: "slow"},
			ToolCall{ID: "c2", Name: "fast"},
		)},
		{resp: textResponse("both done")},
	}}
	env := Env{History: NewHistory(), Provider: provider, Coordinator: coord}

	o := New(Config{}, nil)
	if _, err := o.Execute(context.Background(), "run both", env); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if slow.callCount() != 1 || fast.callCount() != 1 {
		t.Errorf("Expected both tools to run, got slow=%d fast=%d", slow.callCount(), fast.callCount())
	}

	// Results must follow the provider's call order even though the fast
	// tool finished first.
	msgs := env.History.Messages()
	if msgs[2].ToolCallID != "c1" || msgs[2].Content != "slow result" {
		t.Errorf("Expected first result for c1/slow, got %q/%q", msgs[2].ToolCallID, msgs[2].Content)
	}
	if msgs[3].ToolCallID != "c2" || msgs[3].Content != "fast result" {
		t.Errorf("Expected second result for c2/fast, got %q/%q", msgs[3].ToolCallID, msgs[3].Content)
	}
}

func TestExecute_UnknownTool(t *testing.T) {
	provider := &scriptedProvider{steps: []providerStep{
		{resp: toolResponse("", ToolCall{ID: "c1", Name: "missing_tool"})},
		{resp: textResponse("recovered")},
	}}
	env := Env{History: NewHistory(), Provider: provider, Coordinator: hooks.NewCoordinator()}

	o := New(Config{}, nil)
	result, err := o.Execute(context.Background(), "go", env)
	if err != nil {
		t.Fatalf("Expected loop to continue past unknown tool, got: %v", err)
	}
	if result != "recovered" {
		t.Errorf("Expected 'recovered', got %q", result)
	}

	msgs := env.History.Messages()
	if !strings.Contains(msgs[2].Content, "missing_tool") {
		t.Errorf("Expected error result to name the unknown tool, got %q", msgs[2].Content)
	}
}

func TestExecute_ToolError(t *testing.T) {
	boom := &funcTool{name: "boom", fn: func(ctx context.Context, args map[string]any) (string, error) {
		return "", errors.New("kaput")
	}}
	coord := hooks.NewCoordinator()
	coord.MountTool(boom)

	provider := &scriptedProvider{steps: []providerStep{
		{resp: toolResponse("", ToolCall{ID: "c1", Name: "boom"})},
		{resp: textResponse("handled")},
	}}
	env := Env{History: NewHistory(), Provider: provider, Coordinator: coord}

	o := New(Config{}, nil)
	result, err := o.Execute(context.Background(), "go", env)
	if err != nil {
		t.Fatalf("Expected loop to continue past tool error, got: %v", err)
	}
	if result != "handled" {
		t.Errorf("Expected 'handled', got %q", result)
	}

	msgs := env.History.Messages()
	if !strings.Contains(msgs[2].Content, "kaput") {
		t.Errorf("Expected tool error text in result, got %q", msgs[2].Content)
	}
}

func TestExecute_ToolDeniedByHook(t *testing.T) {
	tool := &funcTool{name: "guarded"}
	coord := hooks.NewCoordinator()
	coord.MountTool(tool)
	coord.MountHandler(hooks.EventToolPre, func(ctx context.Context, event string, data map[string]any) hooks.Result {
		return hooks.Deny("not allowed")
	})

	provider := &scriptedProvider{steps: []providerStep{
		{resp: toolResponse("", ToolCall{ID: "c1", Name: "guarded"})},
		{resp: textResponse("fine")},
	}}
	env := Env{History: NewHistory(), Provider: provider, Coordinator: coord}

	o := New(Config{}, nil)
	if _, err := o.Execute(context.Background(), "go", env); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if tool.callCount() != 0 {
		t.Errorf("Expected denied tool not to run, got %d calls", tool.callCount())
	}
	msgs := env.History.Messages()
	if !strings.Contains(msgs[2].Content, "denied") || !strings.Contains(msgs[2].Content, "not allowed") {
		t.Errorf("Expected deny reason in tool result, got %q", msgs[2].Content)
	}
}

func TestExecute_PromptDenied(t *testing.T) {
	coord := hooks.NewCoordinator()
	coord.MountHandler(hooks.EventPromptSubmit, func(ctx context.Context, event string, data map[string]any) hooks.Result {
		return hooks.Deny("blocked prompt")
	})

	provider := &scriptedProvider{steps: []providerStep{{resp: textResponse("never")}}}
	env := Env{History: NewHistory(), Provider: provider, Coordinator: coord}

	o := New(Config{}, nil)
	_, err := o.Execute(context.Background(), "bad", env)
	if err == nil {
		t.Fatal("Expected error for denied prompt")
	}
	if !strings.Contains(err.Error(), "blocked prompt") {
		t.Errorf("Expected deny reason in error, got: %v", err)
	}
	if provider.calls() != 0 {
		t.Errorf("Expected no provider call after denied prompt, got %d", provider.calls())
	}
}

func TestInject_NotRunning(t *testing.T) {
	o := New(Config{}, nil)
	if o.Inject("hello") {
		t.Error("Expected Inject to report false with no execution in flight")
	}
}

func TestInject_AppliedAfterToolResults(t *testing.T) {
	o := New(Config{}, nil)

	tool := &funcTool{name: "work"}
	tool.fn = func(ctx context.Context, args map[string]any) (string, error) {
		// Arrives mid-execution, while the tool batch is running.
		if !o.Inject("change of plans") {
			t.Error("Expected Inject to succeed during execution")
		}
		return "done", nil
	}
	coord := hooks.NewCoordinator()
	coord.MountTool(tool)

	provider := &scriptedProvider{steps: []providerStep{
		{resp: toolResponse("", ToolCall{ID: "c1", Name: "work"})},
		{resp: textResponse("adjusted")},
	}}
	env := Env{History: NewHistory(), Provider: provider, Coordinator: coord}

	if _, err := o.Execute(context.Background(), "start", env); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	// The injected message must appear after the tool result and before
	// the second provider call.
	second := provider.request(1)
	last := second.Messages[len(second.Messages)-1]
	if last.Role != RoleUser {
		t.Fatalf("Expected injected user message last, got role %q", last.Role)
	}
	if !strings.Contains(last.Content, "change of plans") {
		t.Errorf("Expected injected text in message, got %q", last.Content)
	}
	if !strings.Contains(last.Content, "[The user sent additional messages") {
		t.Errorf("Expected injection preamble, got %q", last.Content)
	}
}

func TestInject_ConvertsBreakToContinue(t *testing.T) {
	o := New(Config{}, nil)

	provider := &scriptedProvider{steps: []providerStep{
		{resp: textResponse("First ")},
		{resp: textResponse("Second")},
	}}
	provider.onCall = func(callIndex int) {
		if callIndex == 0 {
			// Queued while the first provider call is in flight; the
			// first response has no tool calls, so without this the loop
			// would end here.
			o.Inject("one more thing")
		}
	}
	env := Env{History: NewHistory(), Provider: provider, Coordinator: hooks.NewCoordinator()}

	result, err := o.Execute(context.Background(), "go", env)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result != "First Second" {
		t.Errorf("Expected both responses in result, got %q", result)
	}
	if provider.calls() != 2 {
		t.Fatalf("Expected 2 provider calls, got %d", provider.calls())
	}

	second := provider.request(1)
	last := second.Messages[len(second.Messages)-1]
	if !strings.Contains(last.Content, "one more thing") {
		t.Errorf("Expected injected message before second call, got %q", last.Content)
	}
}

func TestInject_CombinedFormat(t *testing.T) {
	o := New(Config{}, nil)

	tool := &funcTool{name: "work"}
	tool.fn = func(ctx context.Context, args map[string]any) (string, error) {
		o.Inject("first extra")
		o.Inject("second extra")
		return "ok", nil
	}
	coord := hooks.NewCoordinator()
	coord.MountTool(tool)

	provider := &scriptedProvider{steps: []providerStep{
		{resp: toolResponse("", ToolCall{ID: "c1", Name: "work"})},
		{resp: textResponse("done")},
	}}
	env := Env{History: NewHistory(), Provider: provider, Coordinator: coord}

	if _, err := o.Execute(context.Background(), "go", env); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	second := provider.request(1)
	last := second.Messages[len(second.Messages)-1]
	expected := "[The user sent additional messages while you were working. Incorporate this into your current task:]\n- first extra\n- second extra"
	if last.Content != expected {
		t.Errorf("Expected combined injection format:\n%q\ngot:\n%q", expected, last.Content)
	}
}

func TestForceRespond_StripsToolsOnce(t *testing.T) {
	dispatch := &funcTool{name: "dispatch_worker", fn: func(ctx context.Context, args map[string]any) (string, error) {
		return "worker dispatched", nil
	}}
	other := &funcTool{name: "lookup"}
	coord := hooks.NewCoordinator()
	coord.MountTool(dispatch)
	coord.MountTool(other)

	provider := &scriptedProvider{steps: []providerStep{
		{resp: toolResponse("", ToolCall{ID: "c1", Name: "dispatch_worker"})},
		{resp: toolResponse("", ToolCall{ID: "c2", Name: "lookup"})},
		{resp: textResponse("finished")},
	}}
	env := Env{History: NewHistory(), Provider: provider, Coordinator: coord}

	o := New(Config{}, nil)
	if _, err := o.Execute(context.Background(), "go", env); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if len(provider.request(0).Tools) == 0 {
		t.Error("Expected tools on the first request")
	}
	if len(provider.request(1).Tools) != 0 {
		t.Error("Expected tools stripped after dispatch_worker (force-respond)")
	}
	// One-shot: the flag must not persist past the next call.
	if len(provider.request(2).Tools) == 0 {
		t.Error("Expected tools restored on the call after force-respond")
	}
}

func TestForceRespond_ConfigReplacesDefault(t *testing.T) {
	dispatch := &funcTool{name: "dispatch_worker"}
	custom := &funcTool{name: "handoff"}
	coord := hooks.NewCoordinator()
	coord.MountTool(dispatch)
	coord.MountTool(custom)

	provider := &scriptedProvider{steps: []providerStep{
		{resp: toolResponse("", ToolCall{ID: "c1", Name: "dispatch_worker"})},
		{resp: toolResponse("", ToolCall{ID: "c2", Name: "handoff"})},
		{resp: textResponse("done")},
	}}
	env := Env{History: NewHistory(), Provider: provider, Coordinator: coord}

	o := New(Config{ForceRespondTools: []string{"handoff"}}, nil)
	if _, err := o.Execute(context.Background(), "go", env); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	// dispatch_worker is not in the configured set, so call 2 keeps tools.
	if len(provider.request(1).Tools) == 0 {
		t.Error("Expected tools kept after dispatch_worker when config replaces the set")
	}
	// handoff is, so call 3 strips them.
	if len(provider.request(2).Tools) != 0 {
		t.Error("Expected tools stripped after configured force-respond tool")
	}
}

func TestCancel_KeepsCompletedBatchResults(t *testing.T) {
	o := New(Config{}, nil)

	tool := &funcTool{name: "work"}
	tool.fn = func(ctx context.Context, args map[string]any) (string, error) {
		o.Cancel()
		return "finished anyway", nil
	}
	coord := hooks.NewCoordinator()
	coord.MountTool(tool)

	provider := &scriptedProvider{steps: []providerStep{
		{resp: toolResponse("", ToolCall{ID: "c1", Name: "work"})},
		{resp: textResponse("never reached")},
	}}
	env := Env{History: NewHistory(), Provider: provider, Coordinator: coord}
	rec := &eventRecorder{}
	env.Sink = rec.sink

	result, err := o.Execute(context.Background(), "go", env)
	if err != nil {
		t.Fatalf("Cancelled execution should not error, got: %v", err)
	}
	if result != "" {
		t.Errorf("Expected empty result for cancelled run, got %q", result)
	}
	if provider.calls() != 1 {
		t.Errorf("Expected no provider call after cancellation, got %d", provider.calls())
	}

	// The in-flight batch ran to completion and its result is kept.
	msgs := env.History.Messages()
	if len(msgs) != 3 || msgs[2].Content != "finished anyway" {
		t.Errorf("Expected tool result kept in history, got %v", roles(msgs))
	}

	ev, ok := rec.find(EventComplete)
	if !ok {
		t.Fatal("Expected a complete event")
	}
	if !ev.Cancelled {
		t.Error("Expected complete event to be marked cancelled")
	}
}

func TestExecute_IterationCap(t *testing.T) {
	tool := &funcTool{name: "loop"}
	coord := hooks.NewCoordinator()
	coord.MountTool(tool)

	provider := &scriptedProvider{steps: []providerStep{
		{resp: toolResponse("", ToolCall{ID: "c1", Name: "loop"})},
		{resp: toolResponse("", ToolCall{ID: "c2", Name: "loop"})},
		{resp: toolResponse("", ToolCall{ID: "c3", Name: "loop"})},
		{resp: toolResponse("", ToolCall{ID: "c4", Name: "loop"})},
	}}
	env := Env{History: NewHistory(), Provider: provider, Coordinator: coord}
	rec := &eventRecorder{}
	env.Sink = rec.sink

	o := New(Config{MaxIterations: 3}, nil)
	result, err := o.Execute(context.Background(), "go", env)
	if err != nil {
		t.Fatalf("Iteration cap should not return an error, got: %v", err)
	}
	if result != "" {
		t.Errorf("Expected empty partial result, got %q", result)
	}
	if provider.calls() != 3 {
		t.Errorf("Expected exactly 3 provider calls, got %d", provider.calls())
	}

	ev, ok := rec.find(EventError)
	if !ok {
		t.Fatal("Expected an error event at the cap")
	}
	if !strings.Contains(ev.Text, "iteration cap") {
		t.Errorf("Expected cap message, got %q", ev.Text)
	}
}

func TestExecute_ProviderError(t *testing.T) {
	provider := &scriptedProvider{steps: []providerStep{
		{err: errors.New("connection lost")},
	}}
	env := Env{History: NewHistory(), Provider: provider, Coordinator: hooks.NewCoordinator()}
	rec := &eventRecorder{}
	env.Sink = rec.sink

	o := New(Config{}, nil)
	_, err := o.Execute(context.Background(), "go", env)
	if err == nil {
		t.Fatal("Expected provider error to propagate")
	}
	if !strings.Contains(err.Error(), "connection lost") {
		t.Errorf("Expected underlying error preserved, got: %v", err)
	}
	if _, ok := rec.find(EventError); !ok {
		t.Error("Expected an error event")
	}
}

func TestExecute_EmitsLifecycleEvents(t *testing.T) {
	tool := &funcTool{name: "work"}
	coord := hooks.NewCoordinator()
	coord.MountTool(tool)

	provider := &scriptedProvider{steps: []providerStep{
		{resp: toolResponse("", ToolCall{ID: "c1", Name: "work", Arguments: map[string]any{"x": 1}})},
		{resp: textResponse("done")},
	}}
	env := Env{History: NewHistory(), Provider: provider, Coordinator: coord}
	rec := &eventRecorder{}
	env.Sink = rec.sink

	o := New(Config{}, nil)
	if _, err := o.Execute(context.Background(), "go", env); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	for _, kind := range []EventKind{EventThinking, EventToolStart, EventToolEnd, EventContentDelta, EventComplete} {
		if _, ok := rec.find(kind); !ok {
			t.Errorf("Expected %s event, saw %v", kind, rec.kinds())
		}
	}

	start, _ := rec.find(EventToolStart)
	if start.Tool != "work" {
		t.Errorf("Expected tool:start for 'work', got %q", start.Tool)
	}
	if start.ArgsDigest == "" {
		t.Error("Expected args digest on tool:start")
	}
}

func TestExecute_TodoPayloadOnEvents(t *testing.T) {
	todo := &funcTool{name: "todo", fn: func(ctx context.Context, args map[string]any) (string, error) {
		return `{"todos": [{"content": "step one", "status": "completed"}]}`, nil
	}}
	coord := hooks.NewCoordinator()
	coord.MountTool(todo)

	todosArg := []any{
		map[string]any{"content": "step one", "activeForm": "Doing step one", "status": "in_progress"},
	}
	provider := &scriptedProvider{steps: []providerStep{
		{resp: toolResponse("", ToolCall{ID: "c1", Name: "todo", Arguments: map[string]any{"action": "update", "todos": todosArg}})},
		{resp: textResponse("planned")},
	}}
	env := Env{History: NewHistory(), Provider: provider, Coordinator: coord}
	rec := &eventRecorder{}
	env.Sink = rec.sink

	o := New(Config{}, nil)
	if _, err := o.Execute(context.Background(), "plan it", env); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	start, ok := rec.find(EventToolStart)
	if !ok {
		t.Fatal("Expected tool:start event")
	}
	if len(start.Todos) != 1 || start.Todos[0].Content != "step one" {
		t.Errorf("Expected todos on tool:start, got %v", start.Todos)
	}
}

func TestExecute_ClearsStaleQueueOnEntry(t *testing.T) {
	o := New(Config{}, nil)
	// Simulate leftovers from a previous crashed run.
	o.queue.push("stale message")

	provider := &scriptedProvider{steps: []providerStep{
		{resp: textResponse("clean")},
	}}
	env := Env{History: NewHistory(), Provider: provider, Coordinator: hooks.NewCoordinator()}

	result, err := o.Execute(context.Background(), "go", env)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result != "clean" {
		t.Errorf("Expected 'clean', got %q", result)
	}

	for _, msg := range provider.request(0).Messages {
		if strings.Contains(msg.Content, "stale message") {
			t.Error("Expected stale queue to be cleared on entry")
		}
	}
}

func TestExecute_ContextCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	provider := &scriptedProvider{steps: []providerStep{{resp: textResponse("no")}}}
	env := Env{History: NewHistory(), Provider: provider, Coordinator: hooks.NewCoordinator()}

	o := New(Config{}, nil)
	result, err := o.Execute(ctx, "go", env)
	if err != nil {
		t.Fatalf("Cancelled context should return cleanly, got: %v", err)
	}
	if result != "" {
		t.Errorf("Expected empty result, got %q", result)
	}
	if provider.calls() != 0 {
		t.Errorf("Expected no provider calls, got %d", provider.calls())
	}
}

func TestDigestArgs_Truncates(t *testing.T) {
	long := strings.Repeat("x", 300)
	call := ToolCall{Name: "t", RawArguments: fmt.Sprintf(`{"data":%q}`, long)}
	digest := digestArgs(call)
	if len([]rune(digest)) > 101 {
		t.Errorf("Expected digest capped at ~100 runes, got %d", len([]rune(digest)))
	}
	if !strings.HasSuffix(digest, "…") {
		t.Errorf("Expected truncation marker, got %q", digest)
	}
}
