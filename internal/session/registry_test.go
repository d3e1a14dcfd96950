package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hivelabs/hive-slack/internal/config"
	"github.com/hivelabs/hive-slack/internal/hooks"
	"github.com/hivelabs/hive-slack/internal/orchestrator"
)

type fakeProvider struct {
	mu        sync.Mutex
	responses []*orchestrator.Response
	requests  []orchestrator.Request
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Complete(ctx context.Context, req orchestrator.Request) (*orchestrator.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.responses) == 0 {
		return &orchestrator.Response{Text: "default reply"}, nil
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func (p *fakeProvider) request(i int) orchestrator.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

func (p *fakeProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

type staticTool struct{ name string }

func (t *staticTool) Name() string                { return t.name }
func (t *staticTool) Description() string         { return "static" }
func (t *staticTool) InputSchema() map[string]any { return map[string]any{"type": "object"} }
func (t *staticTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	return "ok", nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		StateDir:        t.TempDir(),
		DefaultInstance: "director",
		Slack:           config.SlackConfig{AppToken: "xapp", BotToken: "xoxb"},
		Instances: map[string]config.InstanceConfig{
			"director": {
				Name:       "director",
				WorkingDir: "/tmp/director",
				Persona:    config.PersonaConfig{Name: "Director", Emoji: ":clipboard:"},
			},
			"alpha": {
				Name:       "alpha",
				WorkingDir: "/tmp/alpha",
				Persona:    config.PersonaConfig{Name: "Alpha", Emoji: ":robot_face:"},
			},
		},
	}
}

func startedRegistry(t *testing.T, cfg *config.Config, provider orchestrator.Provider) *Registry {
	t.Helper()
	r := NewRegistry(cfg, provider, NewTranscriptStore(cfg.SessionsDir(), nil), nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return r
}

func TestExecute_BeforeStart(t *testing.T) {
	r := NewRegistry(testConfig(t), &fakeProvider{}, nil, nil)

	_, err := r.Execute(context.Background(), "director", "C1:111", "hi", ExecuteOptions{})
	if !errors.Is(err, ErrNotStarted) {
		t.Errorf("Expected ErrNotStarted, got %v", err)
	}
}

func TestExecute_UnknownInstance(t *testing.T) {
	r := startedRegistry(t, testConfig(t), &fakeProvider{})

	_, err := r.Execute(context.Background(), "ghost", "C1:111", "hi", ExecuteOptions{})
	if err == nil {
		t.Fatal("Expected error for unknown instance")
	}
	if !strings.Contains(err.Error(), "ghost") {
		t.Errorf("Expected instance name in error, got: %v", err)
	}
}

func TestGetOrCreate_SameKeyReturnsSameSession(t *testing.T) {
	r := startedRegistry(t, testConfig(t), &fakeProvider{})
	ctx := context.Background()

	a, err := r.GetOrCreate(ctx, "director", "C1:111")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	b, err := r.GetOrCreate(ctx, "director", "C1:111")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if a != b {
		t.Error("Expected the same session for the same key")
	}

	c, err := r.GetOrCreate(ctx, "alpha", "C1:111")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if a == c {
		t.Error("Expected different sessions for different instances on the same thread")
	}
}

func TestExecute_AccumulatesHistory(t *testing.T) {
	provider := &fakeProvider{responses: []*orchestrator.Response{
		{Text: "first answer"},
		{Text: "second answer"},
	}}
	r := startedRegistry(t, testConfig(t), provider)
	ctx := context.Background()

	if _, err := r.Execute(ctx, "director", "C1:111", "first question", ExecuteOptions{}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	out, err := r.Execute(ctx, "director", "C1:111", "second question", ExecuteOptions{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out != "second answer" {
		t.Errorf("Expected 'second answer', got %q", out)
	}

	// Second request sees the full prior exchange.
	second := provider.request(1)
	if len(second.Messages) != 3 {
		t.Fatalf("Expected 3 messages on second request, got %d", len(second.Messages))
	}
	if second.Messages[0].Content != "first question" {
		t.Errorf("Expected first question in history, got %q", second.Messages[0].Content)
	}
	if second.Messages[1].Content != "first answer" {
		t.Errorf("Expected first answer in history, got %q", second.Messages[1].Content)
	}
}

// slowProvider tracks how many Complete calls overlap.
type slowProvider struct {
	mu     sync.Mutex
	active int
	max    int
}

func (p *slowProvider) Name() string { return "slow" }

func (p *slowProvider) Complete(ctx context.Context, req orchestrator.Request) (*orchestrator.Response, error) {
	p.mu.Lock()
	p.active++
	if p.active > p.max {
		p.max = p.active
	}
	p.mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	p.mu.Lock()
	p.active--
	p.mu.Unlock()
	return &orchestrator.Response{Text: "done"}, nil
}

func TestExecute_SameConversationSerializes(t *testing.T) {
	provider := &slowProvider{}
	r := startedRegistry(t, testConfig(t), provider)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Execute(ctx, "director", "C1:111", "go", ExecuteOptions{}); err != nil {
				t.Errorf("Execute failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if provider.max != 1 {
		t.Errorf("Expected executions on one conversation to serialize, saw %d concurrent provider calls", provider.max)
	}

	// The second execution ran against the history the first one built.
	s, err := r.GetOrCreate(ctx, "director", "C1:111")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if got := len(s.history.Messages()); got != 4 {
		t.Errorf("Expected 4 messages after two turns, got %d", got)
	}
}

func TestNotify_PrependsToNextExecution(t *testing.T) {
	provider := &fakeProvider{}
	r := startedRegistry(t, testConfig(t), provider)
	ctx := context.Background()

	if err := r.Notify(ctx, "director", "C1:111", "[WORKER REPORT] task done"); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if _, err := r.Execute(ctx, "director", "C1:111", "what happened?", ExecuteOptions{}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	first := provider.request(0)
	prompt := first.Messages[len(first.Messages)-1].Content
	if !strings.HasPrefix(prompt, "[WORKER REPORT] task done") {
		t.Errorf("Expected notification prepended, got %q", prompt)
	}
	if !strings.Contains(prompt, "what happened?") {
		t.Errorf("Expected original prompt preserved, got %q", prompt)
	}

	// Notifications are consumed, not repeated.
	if _, err := r.Execute(ctx, "director", "C1:111", "again", ExecuteOptions{}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	second := provider.request(1)
	prompt = second.Messages[len(second.Messages)-1].Content
	if strings.Contains(prompt, "WORKER REPORT") {
		t.Errorf("Expected notification consumed, got %q", prompt)
	}
}

func TestInject_NoSession(t *testing.T) {
	r := startedRegistry(t, testConfig(t), &fakeProvider{})
	if r.Inject("director", "C1:111", "hello") {
		t.Error("Expected Inject to report false for unknown session")
	}
}

func TestInject_IdleSession(t *testing.T) {
	r := startedRegistry(t, testConfig(t), &fakeProvider{})
	ctx := context.Background()

	if _, err := r.GetOrCreate(ctx, "director", "C1:111"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if r.Inject("director", "C1:111", "hello") {
		t.Error("Expected Inject to report false for idle session")
	}
}

func TestExecute_OptionsToolsVisibleToProvider(t *testing.T) {
	provider := &fakeProvider{}
	r := startedRegistry(t, testConfig(t), provider)

	_, err := r.Execute(context.Background(), "director", "C1:111", "hi", ExecuteOptions{
		Tools: []hooks.Tool{&staticTool{name: "slack_send_message"}},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	req := provider.request(0)
	found := false
	for _, def := range req.Tools {
		if def.Name == "slack_send_message" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected per-execution tool in provider request, got %v", req.Tools)
	}
}

func TestToolFactory_MountedAtCreation(t *testing.T) {
	provider := &fakeProvider{}
	cfg := testConfig(t)
	r := NewRegistry(cfg, provider, nil, nil)
	r.SetToolFactory(func(instance, conversationID string) []hooks.Tool {
		return []hooks.Tool{&staticTool{name: "dispatch_worker"}}
	})
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if _, err := r.Execute(context.Background(), "director", "C1:111", "hi", ExecuteOptions{}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	req := provider.request(0)
	if len(req.Tools) != 1 || req.Tools[0].Name != "dispatch_worker" {
		t.Errorf("Expected factory tool mounted, got %v", req.Tools)
	}
}

func TestTranscript_PersistAndReplay(t *testing.T) {
	cfg := testConfig(t)
	store := NewTranscriptStore(cfg.SessionsDir(), nil)

	provider := &fakeProvider{responses: []*orchestrator.Response{{Text: "remembered answer"}}}
	r := NewRegistry(cfg, provider, store, nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := r.Execute(context.Background(), "director", "C1:111", "remember this", ExecuteOptions{}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	// A fresh registry (fresh process) replays the transcript.
	provider2 := &fakeProvider{}
	r2 := NewRegistry(cfg, provider2, store, nil)
	if err := r2.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := r2.Execute(context.Background(), "director", "C1:111", "follow up", ExecuteOptions{}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	req := provider2.request(0)
	if len(req.Messages) != 3 {
		t.Fatalf("Expected replayed history plus new prompt (3 messages), got %d", len(req.Messages))
	}
	if req.Messages[0].Content != "remember this" {
		t.Errorf("Expected replayed user message, got %q", req.Messages[0].Content)
	}
	if req.Messages[1].Content != "remembered answer" {
		t.Errorf("Expected replayed assistant message, got %q", req.Messages[1].Content)
	}
}

func TestCancel_UnknownSession(t *testing.T) {
	r := startedRegistry(t, testConfig(t), &fakeProvider{})
	if r.Cancel("director", "C9:999") {
		t.Error("Expected Cancel to report false for unknown session")
	}
}

func TestSessions_Snapshot(t *testing.T) {
	r := startedRegistry(t, testConfig(t), &fakeProvider{})
	ctx := context.Background()

	if _, err := r.Execute(ctx, "director", "C1:111", "hi", ExecuteOptions{}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if _, err := r.GetOrCreate(ctx, "alpha", "dm:U42"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	infos := r.Sessions()
	if len(infos) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(infos))
	}
	for _, info := range infos {
		if info.Instance == "director" && info.Turns != 1 {
			t.Errorf("Expected 1 turn on director session, got %d", info.Turns)
		}
		if info.Running {
			t.Errorf("Expected no running sessions, got %+v", info)
		}
	}
}
