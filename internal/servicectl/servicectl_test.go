package servicectl

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   [][]string
	outputs map[string]string
	stderrs map[string]string
	errs    map[string]error
	streams [][]string
}

func (f *fakeRunner) run(_ context.Context, name string, args ...string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{name}, args...))
	verb := ""
	if len(args) >= 2 && args[0] == "--user" {
		verb = args[1]
	}
	return f.outputs[verb], f.stderrs[verb], f.errs[verb]
}

func (f *fakeRunner) streamRun(_ context.Context, name string, args ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams = append(f.streams, append([]string{name}, args...))
	return nil
}

// verbs returns the systemctl subcommands invoked, in order.
func (f *fakeRunner) verbs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var verbs []string
	for _, call := range f.calls {
		if len(call) >= 3 && call[0] == "systemctl" && call[1] == "--user" {
			verbs = append(verbs, call[2])
		}
	}
	return verbs
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testManager(t *testing.T) (*Manager, *fakeRunner) {
	t.Helper()
	fr := &fakeRunner{
		outputs: make(map[string]string),
		stderrs: make(map[string]string),
		errs:    make(map[string]error),
	}
	m := &Manager{
		systemdDir: filepath.Join(t.TempDir(), "systemd", "user"),
		workingDir: t.TempDir(),
		run:        fr.run,
		stream:     fr.streamRun,
		logger:     discardLogger(),
	}
	return m, fr
}

func TestUnitContent(t *testing.T) {
	content := unitContent("/usr/local/bin/hive-slack", "/etc/hive/config.yaml", "/home/bot", "/home/bot/.env")

	want := []string{
		"[Unit]",
		"Description=Hive Slack Connector",
		"After=network-online.target",
		"Wants=network-online.target",
		"[Service]",
		"Type=simple",
		"ExecStart=/usr/local/bin/hive-slack run /etc/hive/config.yaml",
		"Restart=on-failure",
		"RestartSec=10",
		"WorkingDirectory=/home/bot",
		"EnvironmentFile=/home/bot/.env",
		"[Install]",
		"WantedBy=default.target",
	}
	for _, line := range want {
		if !strings.Contains(content, line+"\n") {
			t.Errorf("Expected unit to contain %q, got:\n%s", line, content)
		}
	}
	if !strings.HasSuffix(content, "\n") {
		t.Error("Expected unit file to end with a newline")
	}
}

func TestUnitContent_NoEnvFile(t *testing.T) {
	content := unitContent("/bin/hive-slack", "/cfg.yaml", "/home/bot", "")
	if strings.Contains(content, "EnvironmentFile") {
		t.Errorf("Expected no EnvironmentFile line, got:\n%s", content)
	}
}

func TestInstall(t *testing.T) {
	m, fr := testManager(t)

	info, err := m.Install(context.Background(), "config.yaml", "")
	if err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	if info.Status != StatusStopped {
		t.Errorf("Expected status %q, got %q", StatusStopped, info.Status)
	}
	if !strings.HasPrefix(info.Message, "Installed at ") {
		t.Errorf("Expected install message, got %q", info.Message)
	}

	data, err := os.ReadFile(m.unitPath())
	if err != nil {
		t.Fatalf("Expected unit file at %s: %v", m.unitPath(), err)
	}
	content := string(data)
	if !strings.Contains(content, "ExecStart=") {
		t.Errorf("Expected ExecStart in unit file, got:\n%s", content)
	}
	absConfig, _ := filepath.Abs("config.yaml")
	if !strings.Contains(content, " run "+absConfig) {
		t.Errorf("Expected absolute config path %q in unit file, got:\n%s", absConfig, content)
	}

	verbs := fr.verbs()
	want := []string{"daemon-reload", "enable"}
	if len(verbs) != len(want) {
		t.Fatalf("Expected verbs %v, got %v", want, verbs)
	}
	for i, v := range want {
		if verbs[i] != v {
			t.Errorf("Expected verb %d to be %q, got %q", i, v, verbs[i])
		}
	}
}

func TestInstall_PicksUpDefaultEnvFile(t *testing.T) {
	m, _ := testManager(t)
	envPath := filepath.Join(m.workingDir, ".env")
	if err := os.WriteFile(envPath, []byte("SLACK_BOT_TOKEN=xoxb-1\n"), 0o600); err != nil {
		t.Fatalf("Failed to seed .env: %v", err)
	}

	if _, err := m.Install(context.Background(), "config.yaml", ""); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	data, _ := os.ReadFile(m.unitPath())
	if !strings.Contains(string(data), "EnvironmentFile="+envPath) {
		t.Errorf("Expected EnvironmentFile=%s, got:\n%s", envPath, data)
	}
}

func TestInstall_ExplicitEnvFile(t *testing.T) {
	m, _ := testManager(t)

	if _, err := m.Install(context.Background(), "config.yaml", "custom.env"); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	absEnv, _ := filepath.Abs("custom.env")
	data, _ := os.ReadFile(m.unitPath())
	if !strings.Contains(string(data), "EnvironmentFile="+absEnv) {
		t.Errorf("Expected EnvironmentFile=%s, got:\n%s", absEnv, data)
	}
}

func TestInstall_SystemctlFailure(t *testing.T) {
	m, fr := testManager(t)
	fr.errs["daemon-reload"] = errors.New("exit status 1")
	fr.stderrs["daemon-reload"] = "Failed to connect to bus"

	_, err := m.Install(context.Background(), "config.yaml", "")
	if err == nil {
		t.Fatal("Expected error when daemon-reload fails")
	}
	if !strings.Contains(err.Error(), "Failed to connect to bus") {
		t.Errorf("Expected stderr in error, got %q", err)
	}
}

func TestUninstall(t *testing.T) {
	m, fr := testManager(t)
	if err := os.MkdirAll(m.systemdDir, 0o755); err != nil {
		t.Fatalf("Failed to create systemd dir: %v", err)
	}
	if err := os.WriteFile(m.unitPath(), []byte("[Unit]\n"), 0o644); err != nil {
		t.Fatalf("Failed to seed unit file: %v", err)
	}

	info, err := m.Uninstall(context.Background())
	if err != nil {
		t.Fatalf("Uninstall failed: %v", err)
	}
	if info.Status != StatusNotInstalled {
		t.Errorf("Expected status %q, got %q", StatusNotInstalled, info.Status)
	}
	if _, err := os.Stat(m.unitPath()); !os.IsNotExist(err) {
		t.Error("Expected unit file to be removed")
	}

	verbs := fr.verbs()
	want := []string{"stop", "disable", "daemon-reload"}
	if len(verbs) != len(want) {
		t.Fatalf("Expected verbs %v, got %v", want, verbs)
	}
	for i, v := range want {
		if verbs[i] != v {
			t.Errorf("Expected verb %d to be %q, got %q", i, v, verbs[i])
		}
	}
}

func TestUninstall_ToleratesMissingUnit(t *testing.T) {
	m, fr := testManager(t)
	fr.errs["stop"] = errors.New("exit status 5")
	fr.errs["disable"] = errors.New("exit status 1")

	info, err := m.Uninstall(context.Background())
	if err != nil {
		t.Fatalf("Uninstall failed: %v", err)
	}
	if info.Status != StatusNotInstalled {
		t.Errorf("Expected status %q, got %q", StatusNotInstalled, info.Status)
	}
}

func TestStatus(t *testing.T) {
	tests := []struct {
		name        string
		installed   bool
		showOutput  string
		wantStatus  Status
		wantPID     int
		wantMessage string
	}{
		{
			name:        "not installed",
			installed:   false,
			wantStatus:  StatusNotInstalled,
			wantMessage: "Service not installed",
		},
		{
			name:        "running",
			installed:   true,
			showOutput:  "ActiveState=active\nMainPID=4242\nSubState=running\n",
			wantStatus:  StatusRunning,
			wantPID:     4242,
			wantMessage: "Running (PID 4242)",
		},
		{
			name:        "running without pid",
			installed:   true,
			showOutput:  "ActiveState=active\nMainPID=0\nSubState=running\n",
			wantStatus:  StatusRunning,
			wantMessage: "Running",
		},
		{
			name:        "failed",
			installed:   true,
			showOutput:  "ActiveState=failed\nMainPID=0\nSubState=failed\n",
			wantStatus:  StatusFailed,
			wantMessage: "Service failed -- check logs with: hive-slack service logs",
		},
		{
			name:        "stopped",
			installed:   true,
			showOutput:  "ActiveState=inactive\nMainPID=0\nSubState=dead\n",
			wantStatus:  StatusStopped,
			wantMessage: "Stopped",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, fr := testManager(t)
			if tt.installed {
				if err := os.MkdirAll(m.systemdDir, 0o755); err != nil {
					t.Fatalf("Failed to create systemd dir: %v", err)
				}
				if err := os.WriteFile(m.unitPath(), []byte("[Unit]\n"), 0o644); err != nil {
					t.Fatalf("Failed to seed unit file: %v", err)
				}
				fr.outputs["show"] = tt.showOutput
			}

			info, err := m.Status(context.Background())
			if err != nil {
				t.Fatalf("Status failed: %v", err)
			}
			if info.Status != tt.wantStatus {
				t.Errorf("Expected status %q, got %q", tt.wantStatus, info.Status)
			}
			if info.PID != tt.wantPID {
				t.Errorf("Expected PID %d, got %d", tt.wantPID, info.PID)
			}
			if info.Message != tt.wantMessage {
				t.Errorf("Expected message %q, got %q", tt.wantMessage, info.Message)
			}
		})
	}
}

func TestStartForwardsVerbAndReportsStatus(t *testing.T) {
	m, fr := testManager(t)
	if err := os.MkdirAll(m.systemdDir, 0o755); err != nil {
		t.Fatalf("Failed to create systemd dir: %v", err)
	}
	if err := os.WriteFile(m.unitPath(), []byte("[Unit]\n"), 0o644); err != nil {
		t.Fatalf("Failed to seed unit file: %v", err)
	}
	fr.outputs["show"] = "ActiveState=active\nMainPID=77\nSubState=running\n"

	info, err := m.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if info.Status != StatusRunning {
		t.Errorf("Expected status %q, got %q", StatusRunning, info.Status)
	}

	verbs := fr.verbs()
	if len(verbs) == 0 || verbs[0] != "start" {
		t.Errorf("Expected first verb to be start, got %v", verbs)
	}
}

func TestLogs(t *testing.T) {
	tests := []struct {
		name   string
		lines  int
		follow bool
		want   []string
	}{
		{
			name:  "default",
			lines: 50,
			want:  []string{"journalctl", "--user", "-u", "hive-slack.service", "-n50", "--no-pager"},
		},
		{
			name:   "follow",
			lines:  100,
			follow: true,
			want:   []string{"journalctl", "--user", "-u", "hive-slack.service", "-n100", "--no-pager", "-f"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, fr := testManager(t)
			if err := m.Logs(context.Background(), tt.lines, tt.follow); err != nil {
				t.Fatalf("Logs failed: %v", err)
			}
			if len(fr.streams) != 1 {
				t.Fatalf("Expected 1 stream call, got %d", len(fr.streams))
			}
			got := fr.streams[0]
			if len(got) != len(tt.want) {
				t.Fatalf("Expected args %v, got %v", tt.want, got)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("Expected arg %d to be %q, got %q", i, tt.want[i], got[i])
				}
			}
		})
	}
}

func TestParseShow(t *testing.T) {
	tests := []struct {
		name      string
		out       string
		wantState string
		wantPID   int
	}{
		{
			name:      "active with pid",
			out:       "ActiveState=active\nMainPID=123\nSubState=running",
			wantState: "active",
			wantPID:   123,
		},
		{
			name:      "garbage pid ignored",
			out:       "ActiveState=inactive\nMainPID=abc",
			wantState: "inactive",
			wantPID:   0,
		},
		{
			name:      "empty output",
			out:       "",
			wantState: "",
			wantPID:   0,
		},
		{
			name:      "lines without equals skipped",
			out:       "noise\nActiveState=failed",
			wantState: "failed",
			wantPID:   0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, pid := parseShow(tt.out)
			if state != tt.wantState {
				t.Errorf("Expected state %q, got %q", tt.wantState, state)
			}
			if pid != tt.wantPID {
				t.Errorf("Expected pid %d, got %d", tt.wantPID, pid)
			}
		})
	}
}
