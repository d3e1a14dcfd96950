// Package setup implements the interactive first-run wizard. It walks the
// user through creating the Slack app from a pre-built manifest, collecting
// tokens, choosing a provider, and writing the .env and config files.
package setup

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hivelabs/hive-slack/internal/manifest"
	"github.com/hivelabs/hive-slack/internal/provider"
	"github.com/hivelabs/hive-slack/internal/servicectl"
)

const (
	defaultAssistantName = "Hive"
	configRelPath        = "config/my-assistant.yaml"
)

// ServiceManager installs and starts the systemd unit when the user opts in
// at the end of setup. Nil disables the offer.
type ServiceManager interface {
	Install(ctx context.Context, configPath, envFile string) (servicectl.Info, error)
	Start(ctx context.Context) (servicectl.Info, error)
}

// Wizard drives the interactive setup dialog over the given streams.
type Wizard struct {
	in      *bufio.Reader
	out     io.Writer
	service ServiceManager

	// Overridable in tests.
	dir         string
	procVersion string
	winUsersDir string
}

// NewWizard creates a Wizard reading answers from in and printing to out.
func NewWizard(in io.Reader, out io.Writer, service ServiceManager) *Wizard {
	return &Wizard{
		in:          bufio.NewReader(in),
		out:         out,
		service:     service,
		dir:         ".",
		procVersion: "/proc/version",
		winUsersDir: "/mnt/c/Users",
	}
}

// Run executes the wizard from app creation through config files and the
// optional service install.
func (w *Wizard) Run(ctx context.Context) error {
	banner := strings.Repeat("=", 50)
	fmt.Fprintf(w.out, "\n%s\n  Hive Slack Setup\n%s\n\n", banner, banner)

	// Step 1: create the Slack app from the manifest.
	fmt.Fprintln(w.out, "Step 1: Create your Slack app")
	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "  Open this link to create your app with everything pre-configured:")
	fmt.Fprintln(w.out)
	fmt.Fprintf(w.out, "  %s\n", ManifestURL())
	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "  In Slack's app creation page:")
	fmt.Fprintln(w.out, "    1. Select your workspace")
	fmt.Fprintln(w.out, "    2. Click 'Create'")
	fmt.Fprintln(w.out, "    3. Click 'Install to Workspace' -> 'Allow'")
	fmt.Fprintln(w.out)
	fmt.Fprint(w.out, "  Press Enter when you've created and installed the app...")
	if _, err := w.readLine(); err != nil {
		return err
	}

	// Step 2: tokens.
	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Step 2: Copy your tokens")
	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "  Go to your app's settings at https://api.slack.com/apps")
	fmt.Fprintln(w.out)

	fmt.Fprintln(w.out, "  OAuth & Permissions -> Bot User OAuth Token:")
	botToken, err := w.promptRequired("  Bot Token (xoxb-...)")
	if err != nil {
		return err
	}
	if !strings.HasPrefix(botToken, "xoxb-") {
		fmt.Fprintln(w.out, "  Warning: Bot tokens usually start with 'xoxb-'")
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "  Basic Information -> App-Level Tokens -> Generate Token")
	fmt.Fprintln(w.out, "    Name it anything (e.g. 'socket'), add scope: connections:write")
	appToken, err := w.promptRequired("  App Token (xapp-...)")
	if err != nil {
		return err
	}
	if !strings.HasPrefix(appToken, "xapp-") {
		fmt.Fprintln(w.out, "  Warning: App tokens usually start with 'xapp-'")
	}

	// Step 3: provider.
	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Step 3: Choose your AI provider")

	providerName, err := w.promptChoice("Which AI provider?", []choice{
		{"Anthropic (Claude)", "anthropic"},
		{"OpenAI (GPT)", "openai"},
		{"Google (Gemini)", "gemini"},
	}, 1)
	if err != nil {
		return err
	}

	envVar, label := providerKey(providerName)
	apiKey := ""
	if existing := os.Getenv(envVar); existing != "" {
		fmt.Fprintf(w.out, "\n  Found existing %s in your environment.\n", envVar)
		useExisting, err := w.confirm("  Use it?", true)
		if err != nil {
			return err
		}
		if useExisting {
			apiKey = existing
		}
	}
	if apiKey == "" {
		if apiKey, err = w.promptRequired("  " + label); err != nil {
			return err
		}
	}

	// Step 4: working directory.
	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Step 4: Working directory")
	fmt.Fprintln(w.out, "  This is where your assistant reads and writes files.")

	wsl := isWSL(w.procVersion)
	defaultDir := w.suggestWorkingDir(wsl)
	if wsl {
		fmt.Fprintln(w.out, "  (WSL detected -- defaulting to your Windows Documents folder)")
	}
	workingDir, err := w.prompt("  Working directory", defaultDir)
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(workingDir); os.IsNotExist(statErr) {
		if err := os.MkdirAll(workingDir, 0o755); err != nil {
			fmt.Fprintf(w.out, "  Warning: Could not create directory: %v\n", err)
		} else {
			fmt.Fprintf(w.out, "  Created: %s\n", workingDir)
		}
	}

	// Step 5: assistant name.
	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Step 5: Name your assistant")
	assistantName, err := w.prompt("  Assistant name", defaultAssistantName)
	if err != nil {
		return err
	}

	// Step 6: optional MCP bundle.
	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Step 6: Tool bundle (optional)")
	fmt.Fprintln(w.out, "  An MCP server command whose tools your assistant can use.")
	fmt.Fprintln(w.out, "  Leave empty to start with the built-in Slack tools only.")
	bundleCommand, err := w.promptOptional("  Bundle command")
	if err != nil {
		return err
	}

	// Write config files.
	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Writing configuration...")

	envPath := filepath.Join(w.dir, ".env")
	envContent := envFileContent(appToken, botToken, envVar, apiKey)
	if err := os.WriteFile(envPath, []byte(envContent), 0o600); err != nil {
		return fmt.Errorf("write .env: %w", err)
	}
	fmt.Fprintf(w.out, "  Created: %s\n", envPath)

	configPath := filepath.Join(w.dir, filepath.FromSlash(configRelPath))
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(configContent(assistantName, workingDir, providerName, bundleCommand)), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Fprintf(w.out, "  Created: %s\n", configPath)

	// Step 7: wrap up and offer the service install.
	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, banner)
	fmt.Fprintf(w.out, "  Setup complete! Your assistant '%s' is ready.\n", assistantName)
	fmt.Fprintln(w.out, banner)
	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "To start your assistant:")
	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "  set -a; source .env; set +a")
	fmt.Fprintf(w.out, "  hive-slack run %s\n", configRelPath)
	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Or install as a background service:")
	fmt.Fprintln(w.out)
	fmt.Fprintf(w.out, "  hive-slack service install %s\n", configRelPath)
	fmt.Fprintln(w.out, "  hive-slack service start")
	fmt.Fprintln(w.out)

	if w.service == nil {
		return nil
	}

	install, err := w.confirm("Install as a service now?", false)
	if err != nil {
		return err
	}
	if !install {
		fmt.Fprintf(w.out, "You can install it later with: hive-slack service install %s\n", configRelPath)
		return nil
	}

	info, err := w.service.Install(ctx, configPath, envPath)
	if err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	fmt.Fprintf(w.out, "  Installed: %s\n", info.Message)

	startNow, err := w.confirm("  Start now?", true)
	if err != nil {
		return err
	}
	if startNow {
		info, err := w.service.Start(ctx)
		if err != nil {
			return fmt.Errorf("start service: %w", err)
		}
		fmt.Fprintf(w.out, "  %s\n", info.Message)
		fmt.Fprintln(w.out)
		fmt.Fprintln(w.out, "Your assistant is live! Open Slack and send it a DM.")
	}
	return nil
}

// AppManifest is the complete Slack app manifest: scopes, events, socket
// mode, and interactivity, so a freshly created app needs no manual
// configuration.
func AppManifest() manifest.App {
	return manifest.App{
		"display_information": map[string]any{
			"name": defaultAssistantName,
		},
		"features": map[string]any{
			"bot_user": map[string]any{
				"display_name":  defaultAssistantName,
				"always_online": true,
			},
		},
		"oauth_config": map[string]any{
			"scopes": map[string]any{
				"bot": []any{
					"app_mentions:read",
					"channels:history",
					"channels:read",
					"chat:write",
					"chat:write.customize",
					"files:read",
					"files:write",
					"groups:history",
					"groups:read",
					"im:history",
					"im:read",
					"reactions:read",
					"reactions:write",
				},
			},
		},
		"settings": map[string]any{
			"event_subscriptions": map[string]any{
				"bot_events": []any{
					"app_mention",
					"message.channels",
					"message.groups",
					"message.im",
					"reaction_added",
				},
			},
			"interactivity":          map[string]any{"is_enabled": true},
			"org_deploy_enabled":     false,
			"socket_mode_enabled":    true,
			"token_rotation_enabled": false,
		},
	}
}

// ManifestURL returns the one-click Slack app creation link with the
// manifest embedded.
func ManifestURL() string {
	encoded, _ := json.Marshal(AppManifest())
	return "https://api.slack.com/apps?new_app=1&manifest_json=" + url.QueryEscape(string(encoded))
}

func envFileContent(appToken, botToken, keyVar, apiKey string) string {
	lines := []string{
		"SLACK_APP_TOKEN=" + appToken,
		"SLACK_BOT_TOKEN=" + botToken,
		keyVar + "=" + apiKey,
	}
	return strings.Join(lines, "\n") + "\n"
}

// configContent renders the starter config. Slack tokens stay as ${VAR}
// placeholders so the file can be committed without secrets.
func configContent(assistantName, workingDir, providerName, bundleCommand string) string {
	var b strings.Builder
	b.WriteString("state_dir: ~/.hive-slack\n")
	b.WriteString("default_instance: assistant\n\n")
	b.WriteString("slack:\n")
	b.WriteString("  app_token: ${SLACK_APP_TOKEN}\n")
	b.WriteString("  bot_token: ${SLACK_BOT_TOKEN}\n\n")
	b.WriteString("provider:\n")
	fmt.Fprintf(&b, "  name: %s\n\n", providerName)
	b.WriteString("instances:\n")
	b.WriteString("  assistant:\n")
	if bundleCommand != "" {
		b.WriteString("    bundle: default\n")
	}
	fmt.Fprintf(&b, "    working_dir: %q\n", workingDir)
	b.WriteString("    persona:\n")
	fmt.Fprintf(&b, "      name: %q\n", assistantName)
	b.WriteString("      emoji: \":sparkles:\"\n")
	if bundleCommand != "" {
		fields := strings.Fields(bundleCommand)
		b.WriteString("\nbundles:\n")
		b.WriteString("  default:\n")
		fmt.Fprintf(&b, "    command: %s\n", fields[0])
		if len(fields) > 1 {
			quoted := make([]string, len(fields)-1)
			for i, f := range fields[1:] {
				quoted[i] = strconv.Quote(f)
			}
			fmt.Fprintf(&b, "    args: [%s]\n", strings.Join(quoted, ", "))
		}
	}
	return b.String()
}

func providerKey(name string) (envVar, label string) {
	switch name {
	case "openai":
		return provider.EnvOpenAIKey, "OpenAI API key"
	case "gemini":
		return provider.EnvGeminiKey, "Google API key"
	default:
		return provider.EnvAnthropicKey, "Anthropic API key"
	}
}

// isWSL reports whether the kernel identifies as Microsoft's.
func isWSL(procVersionPath string) bool {
	data, err := os.ReadFile(procVersionPath)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(data)), "microsoft")
}

// windowsUser guesses the Windows username from inside WSL.
func windowsUser(usersDir string) string {
	entries, err := os.ReadDir(usersDir)
	if err == nil {
		skip := map[string]bool{
			"Public": true, "Default": true, "Default User": true,
			"All Users": true, "desktop.ini": true,
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() && !skip[name] && !strings.HasPrefix(name, ".") {
				return name
			}
		}
	}
	for _, key := range []string{"USERPROFILE", "USERNAME", "USER"} {
		val := os.Getenv(key)
		if val == "" {
			continue
		}
		if !strings.ContainsAny(val, `/\`) {
			return val
		}
		if i := strings.LastIndex(val, `\`); i >= 0 {
			return val[i+1:]
		}
	}
	return ""
}

// suggestWorkingDir picks a platform-appropriate default. Under WSL it
// prefers the user's Windows Documents folder so files show up where they
// expect them.
func (w *Wizard) suggestWorkingDir(wsl bool) string {
	if wsl {
		if user := windowsUser(w.winUsersDir); user != "" {
			if _, err := os.Stat(filepath.Join(w.winUsersDir, user)); err == nil {
				return filepath.Join(w.winUsersDir, user, "Documents", defaultAssistantName)
			}
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, "Documents", defaultAssistantName)
}

type choice struct {
	label string
	value string
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.in.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// prompt asks for a value with a default used on empty input.
func (w *Wizard) prompt(label, def string) (string, error) {
	fmt.Fprintf(w.out, "%s [%s]: ", label, def)
	line, err := w.readLine()
	if err != nil {
		return "", err
	}
	if line == "" {
		return def, nil
	}
	return line, nil
}

// promptRequired re-asks until the user enters something.
func (w *Wizard) promptRequired(label string) (string, error) {
	for {
		fmt.Fprintf(w.out, "%s: ", label)
		line, err := w.readLine()
		if err != nil {
			return "", err
		}
		if line != "" {
			return line, nil
		}
		fmt.Fprintln(w.out, "  (required)")
	}
}

// promptOptional accepts an empty answer.
func (w *Wizard) promptOptional(label string) (string, error) {
	fmt.Fprintf(w.out, "%s (Enter to skip): ", label)
	return w.readLine()
}

// promptChoice presents a numbered menu and returns the chosen value.
func (w *Wizard) promptChoice(label string, choices []choice, def int) (string, error) {
	fmt.Fprintf(w.out, "\n%s\n", label)
	for i, c := range choices {
		marker := ""
		if i+1 == def {
			marker = " (default)"
		}
		fmt.Fprintf(w.out, "  [%d] %s%s\n", i+1, c.label, marker)
	}
	for {
		fmt.Fprintf(w.out, "Choice [%d]: ", def)
		line, err := w.readLine()
		if err != nil {
			return "", err
		}
		if line == "" {
			return choices[def-1].value, nil
		}
		if idx, err := strconv.Atoi(line); err == nil && idx >= 1 && idx <= len(choices) {
			return choices[idx-1].value, nil
		}
		fmt.Fprintf(w.out, "  Please enter 1-%d\n", len(choices))
	}
}

// confirm asks a yes/no question. Empty input takes the default.
func (w *Wizard) confirm(label string, def bool) (bool, error) {
	hint := "[y/N]"
	if def {
		hint = "[Y/n]"
	}
	fmt.Fprintf(w.out, "%s %s: ", label, hint)
	line, err := w.readLine()
	if err != nil {
		return false, err
	}
	if line == "" {
		return def, nil
	}
	switch strings.ToLower(line) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
