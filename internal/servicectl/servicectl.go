// Package servicectl manages the bot as a systemd --user service so it
// survives logouts and restarts on failure.
package servicectl

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	serviceName = "hive-slack"
	unitFile    = serviceName + ".service"
)

// Status is the lifecycle state of the managed unit.
type Status string

const (
	StatusRunning      Status = "running"
	StatusStopped      Status = "stopped"
	StatusFailed       Status = "failed"
	StatusNotInstalled Status = "not_installed"
)

// Info reports the state of the service unit after an operation.
type Info struct {
	Status   Status
	PID      int
	Message  string
	UnitPath string
}

// runFunc executes a command and captures its output. Swapped in tests.
type runFunc func(ctx context.Context, name string, args ...string) (stdout, stderr string, err error)

// streamFunc executes a command with inherited stdio, for log tailing.
type streamFunc func(ctx context.Context, name string, args ...string) error

// Manager installs and controls the systemd user unit for the bot.
type Manager struct {
	systemdDir string
	workingDir string
	run        runFunc
	stream     streamFunc
	logger     *slog.Logger
}

// NewManager creates a Manager targeting ~/.config/systemd/user.
func NewManager(logger *slog.Logger) (*Manager, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}
	return &Manager{
		systemdDir: filepath.Join(home, ".config", "systemd", "user"),
		workingDir: wd,
		run:        runCommand,
		stream:     streamCommand,
		logger:     logger.With("component", "servicectl"),
	}, nil
}

func (m *Manager) unitPath() string {
	return filepath.Join(m.systemdDir, unitFile)
}

// Install writes the unit file, reloads systemd, and enables the service.
// envFile overrides the default .env lookup in the working directory.
func (m *Manager) Install(ctx context.Context, configPath, envFile string) (Info, error) {
	if err := os.MkdirAll(m.systemdDir, 0o755); err != nil {
		return Info{}, fmt.Errorf("create systemd directory: %w", err)
	}

	absConfig, err := filepath.Abs(configPath)
	if err != nil {
		return Info{}, fmt.Errorf("resolve config path: %w", err)
	}

	if envFile != "" {
		if envFile, err = filepath.Abs(envFile); err != nil {
			return Info{}, fmt.Errorf("resolve env file: %w", err)
		}
	} else {
		// Default: pick up .env from the working directory when present.
		candidate := filepath.Join(m.workingDir, ".env")
		if _, statErr := os.Stat(candidate); statErr == nil {
			envFile = candidate
		}
	}

	content := unitContent(executablePath(), absConfig, m.workingDir, envFile)
	path := m.unitPath()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return Info{}, fmt.Errorf("write unit file: %w", err)
	}

	if _, err := m.systemctl(ctx, "daemon-reload"); err != nil {
		return Info{}, err
	}
	if _, err := m.systemctl(ctx, "enable", unitFile); err != nil {
		return Info{}, err
	}

	m.logger.Info("Service installed", "unit", path)
	return Info{
		Status:   StatusStopped,
		Message:  fmt.Sprintf("Installed at %s", path),
		UnitPath: path,
	}, nil
}

// Uninstall stops, disables, and removes the unit. Missing pieces are
// tolerated so a partial install can still be cleaned up.
func (m *Manager) Uninstall(ctx context.Context) (Info, error) {
	m.systemctl(ctx, "stop", unitFile)
	m.systemctl(ctx, "disable", unitFile)

	path := m.unitPath()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return Info{}, fmt.Errorf("remove unit file: %w", err)
	}

	m.systemctl(ctx, "daemon-reload")

	m.logger.Info("Service uninstalled", "unit", path)
	return Info{Status: StatusNotInstalled, Message: "Service uninstalled"}, nil
}

// Start starts the service and reports its resulting state.
func (m *Manager) Start(ctx context.Context) (Info, error) {
	if _, err := m.systemctl(ctx, "start", unitFile); err != nil {
		return Info{}, err
	}
	return m.Status(ctx)
}

// Stop stops the service and reports its resulting state.
func (m *Manager) Stop(ctx context.Context) (Info, error) {
	if _, err := m.systemctl(ctx, "stop", unitFile); err != nil {
		return Info{}, err
	}
	return m.Status(ctx)
}

// Restart restarts the service and reports its resulting state.
func (m *Manager) Restart(ctx context.Context) (Info, error) {
	if _, err := m.systemctl(ctx, "restart", unitFile); err != nil {
		return Info{}, err
	}
	return m.Status(ctx)
}

// Status queries systemd for the unit's current state.
func (m *Manager) Status(ctx context.Context) (Info, error) {
	path := m.unitPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Info{Status: StatusNotInstalled, Message: "Service not installed"}, nil
	}

	out, _, err := m.run(ctx, "systemctl", "--user", "show", unitFile,
		"--property=ActiveState,MainPID,SubState")
	if err != nil {
		return Info{}, fmt.Errorf("systemctl show: %w", err)
	}

	state, pid := parseShow(out)
	info := Info{UnitPath: path}
	switch state {
	case "active":
		info.Status = StatusRunning
		info.PID = pid
		if pid > 0 {
			info.Message = fmt.Sprintf("Running (PID %d)", pid)
		} else {
			info.Message = "Running"
		}
	case "failed":
		info.Status = StatusFailed
		info.Message = "Service failed -- check logs with: hive-slack service logs"
	default:
		info.Status = StatusStopped
		info.Message = "Stopped"
	}
	return info, nil
}

// Logs tails the unit's journal. With follow it streams until ctx is done.
func (m *Manager) Logs(ctx context.Context, lines int, follow bool) error {
	args := []string{"--user", "-u", unitFile, fmt.Sprintf("-n%d", lines), "--no-pager"}
	if follow {
		args = append(args, "-f")
	}
	return m.stream(ctx, "journalctl", args...)
}

func (m *Manager) systemctl(ctx context.Context, args ...string) (string, error) {
	stdout, stderr, err := m.run(ctx, "systemctl", append([]string{"--user"}, args...)...)
	if err != nil {
		if msg := strings.TrimSpace(stderr); msg != "" {
			return "", fmt.Errorf("systemctl %s: %w: %s", args[0], err, msg)
		}
		return "", fmt.Errorf("systemctl %s: %w", args[0], err)
	}
	return stdout, nil
}

// unitContent renders the systemd unit. The service runs the installed
// binary's run subcommand against an absolute config path.
func unitContent(execPath, configPath, workingDir, envFile string) string {
	lines := []string{
		"[Unit]",
		"Description=Hive Slack Connector",
		"After=network-online.target",
		"Wants=network-online.target",
		"",
		"[Service]",
		"Type=simple",
		fmt.Sprintf("ExecStart=%s run %s", execPath, configPath),
		"Restart=on-failure",
		"RestartSec=10",
		fmt.Sprintf("WorkingDirectory=%s", workingDir),
	}
	if envFile != "" {
		lines = append(lines, fmt.Sprintf("EnvironmentFile=%s", envFile))
	}
	lines = append(lines,
		"",
		"[Install]",
		"WantedBy=default.target",
	)
	return strings.Join(lines, "\n") + "\n"
}

// parseShow extracts ActiveState and MainPID from systemctl show output.
func parseShow(out string) (string, int) {
	props := make(map[string]string)
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		props[key] = val
	}
	pid, _ := strconv.Atoi(props["MainPID"])
	if pid < 0 {
		pid = 0
	}
	return props["ActiveState"], pid
}

// executablePath locates the binary to reference from ExecStart.
func executablePath() string {
	if exe, err := os.Executable(); err == nil {
		return exe
	}
	if path, err := exec.LookPath(serviceName); err == nil {
		return path
	}
	return serviceName
}

func runCommand(ctx context.Context, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

func streamCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
