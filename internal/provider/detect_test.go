package provider

import (
	"strings"
	"testing"

	"github.com/hivelabs/hive-slack/internal/config"
)

func clearKeys(t *testing.T) {
	t.Helper()
	t.Setenv(EnvAnthropicKey, "")
	t.Setenv(EnvOpenAIKey, "")
	t.Setenv(EnvGeminiKey, "")
}

func TestDetect_PriorityOrder(t *testing.T) {
	clearKeys(t)
	t.Setenv(EnvAnthropicKey, "a-key")
	t.Setenv(EnvOpenAIKey, "o-key")
	t.Setenv(EnvGeminiKey, "g-key")

	p, err := Detect(config.ProviderConfig{}, nil)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if p.Name() != "anthropic" {
		t.Errorf("Expected anthropic to win priority, got %q", p.Name())
	}
}

func TestDetect_FallsThroughToOpenAI(t *testing.T) {
	clearKeys(t)
	t.Setenv(EnvOpenAIKey, "o-key")
	t.Setenv(EnvGeminiKey, "g-key")

	p, err := Detect(config.ProviderConfig{}, nil)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if p.Name() != "openai" {
		t.Errorf("Expected openai, got %q", p.Name())
	}
}

func TestDetect_GeminiLast(t *testing.T) {
	clearKeys(t)
	t.Setenv(EnvGeminiKey, "g-key")

	p, err := Detect(config.ProviderConfig{}, nil)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if p.Name() != "gemini" {
		t.Errorf("Expected gemini, got %q", p.Name())
	}
}

func TestDetect_ExplicitConfigWins(t *testing.T) {
	clearKeys(t)
	t.Setenv(EnvAnthropicKey, "a-key")
	t.Setenv(EnvGeminiKey, "g-key")

	p, err := Detect(config.ProviderConfig{Name: "gemini"}, nil)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if p.Name() != "gemini" {
		t.Errorf("Expected explicit gemini to win, got %q", p.Name())
	}
}

func TestDetect_ExplicitWithoutKey(t *testing.T) {
	clearKeys(t)
	t.Setenv(EnvAnthropicKey, "a-key")

	_, err := Detect(config.ProviderConfig{Name: "openai"}, nil)
	if err == nil {
		t.Fatal("Expected error for explicit provider without key")
	}
	if !strings.Contains(err.Error(), EnvOpenAIKey) {
		t.Errorf("Expected error to name the missing key, got: %v", err)
	}
}

func TestDetect_NoKeys(t *testing.T) {
	clearKeys(t)

	_, err := Detect(config.ProviderConfig{}, nil)
	if err == nil {
		t.Fatal("Expected error with no keys set")
	}
	if !strings.Contains(err.Error(), "no provider available") {
		t.Errorf("Expected 'no provider available', got: %v", err)
	}
}

func TestDetect_UnknownName(t *testing.T) {
	clearKeys(t)

	_, err := Detect(config.ProviderConfig{Name: "llamafarm"}, nil)
	if err == nil {
		t.Fatal("Expected error for unknown provider name")
	}
	if !strings.Contains(err.Error(), "llamafarm") {
		t.Errorf("Expected unknown name in error, got: %v", err)
	}
}
