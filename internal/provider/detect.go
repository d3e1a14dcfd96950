package provider

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/hivelabs/hive-slack/internal/config"
	"github.com/hivelabs/hive-slack/internal/orchestrator"
)

// Environment variables holding provider API keys, in detection priority
// order.
const (
	EnvAnthropicKey = "ANTHROPIC_API_KEY"
	EnvOpenAIKey    = "OPENAI_API_KEY"
	EnvGeminiKey    = "GEMINI_API_KEY"
)

// Detect selects the provider for this process. An explicit config choice
// wins; otherwise the first API key found in priority order (Anthropic,
// OpenAI, Gemini) decides.
func Detect(cfg config.ProviderConfig, logger *slog.Logger) (orchestrator.Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Name != "" {
		p, err := build(cfg.Name, cfg.Model, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("Provider selected by config", "provider", p.Name())
		return p, nil
	}

	candidates := []struct {
		env  string
		name string
	}{
		{EnvAnthropicKey, "anthropic"},
		{EnvOpenAIKey, "openai"},
		{EnvGeminiKey, "gemini"},
	}
	for _, c := range candidates {
		if os.Getenv(c.env) == "" {
			continue
		}
		p, err := build(c.name, cfg.Model, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("Provider auto-detected", "provider", p.Name())
		return p, nil
	}

	return nil, fmt.Errorf("no provider available: set %s, %s, or %s",
		EnvAnthropicKey, EnvOpenAIKey, EnvGeminiKey)
}

func build(name, model string, logger *slog.Logger) (orchestrator.Provider, error) {
	switch name {
	case "anthropic":
		key := os.Getenv(EnvAnthropicKey)
		if key == "" {
			return nil, fmt.Errorf("provider %q selected but %s is not set", name, EnvAnthropicKey)
		}
		return NewAnthropic(key, model, logger), nil
	case "openai":
		key := os.Getenv(EnvOpenAIKey)
		if key == "" {
			return nil, fmt.Errorf("provider %q selected but %s is not set", name, EnvOpenAIKey)
		}
		return NewOpenAI(key, model, logger), nil
	case "gemini":
		key := os.Getenv(EnvGeminiKey)
		if key == "" {
			return nil, fmt.Errorf("provider %q selected but %s is not set", name, EnvGeminiKey)
		}
		return NewGemini(key, model, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider %q (expected anthropic, openai, or gemini)", name)
	}
}
