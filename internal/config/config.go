// Package config loads and validates the hive-slack configuration file.
//
// Configuration is YAML with ${ENV_VAR} substitution in string values and
// ~ expansion in paths. Every tuning knob has a default so a minimal config
// only names the Slack tokens and at least one instance.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PersonaConfig controls how an instance appears in Slack.
type PersonaConfig struct {
	Name  string `yaml:"name"`
	Emoji string `yaml:"emoji"`
}

// InstanceConfig describes a single assistant instance.
type InstanceConfig struct {
	Name       string        `yaml:"-"`
	Bundle     string        `yaml:"bundle"`
	WorkingDir string        `yaml:"working_dir"`
	Persona    PersonaConfig `yaml:"persona"`
}

// BundleConfig describes how to launch a tool bundle server.
// Bundles speak MCP over stdio.
type BundleConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

// SlackConfig holds the Socket Mode connection tokens.
type SlackConfig struct {
	AppToken string `yaml:"app_token"`
	BotToken string `yaml:"bot_token"`
}

// ProviderConfig optionally pins the LLM provider and model. When Name is
// empty the provider is auto-detected from the environment.
type ProviderConfig struct {
	Name  string `yaml:"name"`
	Model string `yaml:"model"`
}

// OrchestratorConfig tunes the agent loop.
type OrchestratorConfig struct {
	// MaxIterations caps loop iterations per execution. Zero or negative
	// means unbounded.
	MaxIterations int `yaml:"max_iterations"`
	// ForceRespondTools replaces the default force-respond set when
	// non-empty. An empty list keeps the default ({dispatch_worker}).
	ForceRespondTools []string `yaml:"force_respond_tools"`
	ExtendedThinking  bool     `yaml:"extended_thinking"`
}

// ApprovalConfig tunes the interactive approval back-channel.
type ApprovalConfig struct {
	DefaultTimeoutSeconds int      `yaml:"default_timeout_seconds"`
	RequiredTools         []string `yaml:"required_tools"`
}

// DispatchConfig tunes message routing.
type DispatchConfig struct {
	ThreadOwnerCapacity   int `yaml:"thread_owner_capacity"`
	RoundtablePostDelayMs int `yaml:"roundtable_post_delay_ms"`
	StatusThrottleSeconds int `yaml:"status_throttle_seconds"`
}

// FilesConfig tunes file upload handling.
type FilesConfig struct {
	MaxDownloadBytes int64 `yaml:"max_download_bytes"`
}

// WorkerConfig tunes background worker dispatch.
type WorkerConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// OpsConfig controls the optional operational HTTP endpoint
// (health and Prometheus metrics). Empty ListenAddr disables it.
type OpsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Config is the top-level hive-slack configuration.
type Config struct {
	StateDir        string                    `yaml:"state_dir"`
	DefaultInstance string                    `yaml:"default_instance"`
	Slack           SlackConfig               `yaml:"slack"`
	Provider        ProviderConfig            `yaml:"provider"`
	Instances       map[string]InstanceConfig `yaml:"instances"`
	Bundles         map[string]BundleConfig   `yaml:"bundles"`
	Orchestrator    OrchestratorConfig        `yaml:"orchestrator"`
	Approval        ApprovalConfig            `yaml:"approval"`
	Dispatch        DispatchConfig            `yaml:"dispatch"`
	Files           FilesConfig               `yaml:"files"`
	Worker          WorkerConfig              `yaml:"worker"`
	Ops             OpsConfig                 `yaml:"ops"`
}

// Defaults applied by Load when the config file omits a value.
const (
	DefaultStateDir              = "~/.hive-slack"
	DefaultPersonaEmoji          = ":robot_face:"
	DefaultApprovalTimeoutSecs   = 120
	DefaultThreadOwnerCapacity   = 10000
	DefaultRoundtablePostDelayMs = 1500
	DefaultStatusThrottleSecs    = 2
	DefaultMaxDownloadBytes      = 50 * 1024 * 1024
	DefaultWorkerTimeoutSecs     = 600
)

// DefaultOrchestratorConfig returns the default agent loop tuning.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		MaxIterations:     0,
		ForceRespondTools: nil,
		ExtendedThinking:  false,
	}
}

// DefaultApprovalConfig returns the default approval tuning.
func DefaultApprovalConfig() ApprovalConfig {
	return ApprovalConfig{
		DefaultTimeoutSeconds: DefaultApprovalTimeoutSecs,
	}
}

// DefaultDispatchConfig returns the default routing tuning.
func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		ThreadOwnerCapacity:   DefaultThreadOwnerCapacity,
		RoundtablePostDelayMs: DefaultRoundtablePostDelayMs,
		StatusThrottleSeconds: DefaultStatusThrottleSecs,
	}
}

// Load reads, substitutes, and validates a configuration file.
//
// String values may reference environment variables as ${VAR}; a reference
// to an unset variable is an error. Paths beginning with ~ are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	substituted, err := substituteEnvVars(string(data))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(substituted), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR} references with environment values.
// Substitution happens on the raw YAML text before parsing, so references
// work in any string position.
func substituteEnvVars(text string) (string, error) {
	var missing string
	result := envVarPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := match[2 : len(match)-1]
		value, ok := os.LookupEnv(name)
		if !ok {
			if missing == "" {
				missing = name
			}
			return match
		}
		return value
	})
	if missing != "" {
		return "", fmt.Errorf("environment variable %q is not set (referenced as ${%s} in config)", missing, missing)
	}
	return result, nil
}

// ExpandHome expands a leading ~ to the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
	}
	return path
}

func (c *Config) applyDefaults() {
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	c.StateDir = ExpandHome(c.StateDir)

	for name, inst := range c.Instances {
		inst.Name = name
		if inst.Persona.Name == "" {
			inst.Persona.Name = titleCase(name)
		}
		if inst.Persona.Emoji == "" {
			inst.Persona.Emoji = DefaultPersonaEmoji
		}
		inst.WorkingDir = ExpandHome(inst.WorkingDir)
		c.Instances[name] = inst
	}

	if c.DefaultInstance == "" && len(c.Instances) == 1 {
		for name := range c.Instances {
			c.DefaultInstance = name
		}
	}

	if c.Approval.DefaultTimeoutSeconds <= 0 {
		c.Approval.DefaultTimeoutSeconds = DefaultApprovalTimeoutSecs
	}
	if c.Dispatch.ThreadOwnerCapacity <= 0 {
		c.Dispatch.ThreadOwnerCapacity = DefaultThreadOwnerCapacity
	}
	if c.Dispatch.RoundtablePostDelayMs <= 0 {
		c.Dispatch.RoundtablePostDelayMs = DefaultRoundtablePostDelayMs
	}
	if c.Dispatch.StatusThrottleSeconds <= 0 {
		c.Dispatch.StatusThrottleSeconds = DefaultStatusThrottleSecs
	}
	if c.Files.MaxDownloadBytes <= 0 {
		c.Files.MaxDownloadBytes = DefaultMaxDownloadBytes
	}
	if c.Worker.TimeoutSeconds <= 0 {
		c.Worker.TimeoutSeconds = DefaultWorkerTimeoutSecs
	}
}

// Validate checks the configuration for structural errors.
func (c *Config) Validate() error {
	if len(c.Instances) == 0 {
		return fmt.Errorf("config must define at least one instance")
	}
	if c.DefaultInstance == "" {
		return fmt.Errorf("config must set default_instance when multiple instances are defined")
	}
	if _, ok := c.Instances[c.DefaultInstance]; !ok {
		return fmt.Errorf("default_instance %q is not a configured instance", c.DefaultInstance)
	}
	if c.Slack.AppToken == "" {
		return fmt.Errorf("slack.app_token is required")
	}
	if c.Slack.BotToken == "" {
		return fmt.Errorf("slack.bot_token is required")
	}
	for name, inst := range c.Instances {
		if inst.WorkingDir == "" {
			return fmt.Errorf("instance %q has no working_dir", name)
		}
		if inst.Bundle != "" {
			if _, ok := c.Bundles[inst.Bundle]; !ok {
				return fmt.Errorf("instance %q references unknown bundle %q", name, inst.Bundle)
			}
		}
	}
	return nil
}

// Instance returns the named instance configuration.
func (c *Config) Instance(name string) (InstanceConfig, bool) {
	inst, ok := c.Instances[name]
	return inst, ok
}

// InstanceNames returns all configured instance names, sorted.
func (c *Config) InstanceNames() []string {
	names := make([]string, 0, len(c.Instances))
	for name := range c.Instances {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SessionsDir is where conversation transcripts are stored.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.StateDir, "sessions")
}

// UsersDir is where per-user onboarding state is stored.
func (c *Config) UsersDir() string {
	return filepath.Join(c.StateDir, "users")
}

// ApprovalTimeout returns the default approval timeout as a duration.
func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.Approval.DefaultTimeoutSeconds) * time.Second
}

// StatusThrottle returns the minimum interval between status edits.
func (c *Config) StatusThrottle() time.Duration {
	return time.Duration(c.Dispatch.StatusThrottleSeconds) * time.Second
}

// RoundtablePostDelay returns the pacing delay between roundtable posts.
func (c *Config) RoundtablePostDelay() time.Duration {
	return time.Duration(c.Dispatch.RoundtablePostDelayMs) * time.Millisecond
}

// WorkerTimeout returns the background worker deadline.
func (c *Config) WorkerTimeout() time.Duration {
	return time.Duration(c.Worker.TimeoutSeconds) * time.Second
}

// titleCase uppercases the first rune of each space-separated word.
func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
