package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/hivelabs/hive-slack/internal/orchestrator"
	"github.com/hivelabs/hive-slack/internal/retry"
)

const (
	// DefaultOpenAIModel is used when the config pins no model.
	DefaultOpenAIModel = "gpt-4o"
	// DefaultGeminiModel is used when the config pins no model.
	DefaultGeminiModel = "gemini-2.0-flash"

	// geminiBaseURL is Google's OpenAI-compatible endpoint; Gemini rides
	// the same adapter as OpenAI.
	geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"
)

// OpenAI adapts the chat completions API. The same adapter serves Gemini
// through its OpenAI-compatible endpoint.
type OpenAI struct {
	name   string
	model  string
	client *openai.Client
	policy retry.Policy
	logger *slog.Logger
}

// NewOpenAI creates an OpenAI provider.
func NewOpenAI(apiKey, model string, logger *slog.Logger) *OpenAI {
	if model == "" {
		model = DefaultOpenAIModel
	}
	return newOpenAICompatible("openai", apiKey, model, "", logger)
}

// NewGemini creates a Gemini provider via the OpenAI-compatible endpoint.
func NewGemini(apiKey, model string, logger *slog.Logger) *OpenAI {
	if model == "" {
		model = DefaultGeminiModel
	}
	return newOpenAICompatible("gemini", apiKey, model, geminiBaseURL, logger)
}

func newOpenAICompatible(name, apiKey, model, baseURL string, logger *slog.Logger) *OpenAI {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAI{
		name:   name,
		model:  model,
		client: openai.NewClientWithConfig(cfg),
		policy: retry.ProviderPolicy(),
		logger: logger,
	}
}

// Name implements orchestrator.Provider.
func (p *OpenAI) Name() string { return p.name }

// Complete implements orchestrator.Provider.
func (p *OpenAI) Complete(ctx context.Context, req orchestrator.Request) (*orchestrator.Response, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: convertToOpenAI(req.System, req.Messages),
		Tools:    openAITools(req.Tools),
	}

	var out *orchestrator.Response
	err := retry.Do(ctx, p.policy, func() error {
		resp, err := p.client.CreateChatCompletion(ctx, chatReq)
		if err != nil {
			err = normalizeOpenAIError(p.name, err)
			p.logger.Warn("Chat completion failed", "provider", p.name, "error", err)
			return err
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("%s: empty response", p.name)
		}
		out = parseOpenAIChoice(resp.Choices[0])
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AnalyzeImage runs a single vision call and returns the model's text.
// mediaType is the image MIME type, data its base64 encoding.
func (p *OpenAI) AnalyzeImage(ctx context.Context, data, mediaType, prompt string) (string, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:     p.model,
		MaxTokens: visionMaxTokens,
		Messages: []openai.ChatCompletionMessage{{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL: fmt.Sprintf("data:%s;base64,%s", mediaType, data),
					},
				},
				{Type: openai.ChatMessagePartTypeText, Text: prompt},
			},
		}},
	}

	var text string
	err := retry.Do(ctx, p.policy, func() error {
		resp, err := p.client.CreateChatCompletion(ctx, chatReq)
		if err != nil {
			return normalizeOpenAIError(p.name, err)
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("%s: empty response", p.name)
		}
		text = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return "", err
	}
	return text, nil
}

// normalizeOpenAIError folds the API error's HTTP status into the message
// so the retry classifier can see it.
func normalizeOpenAIError(name string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: status %d: %s", name, apiErr.HTTPStatusCode, apiErr.Message)
	}
	return fmt.Errorf("%s: %w", name, err)
}

func parseOpenAIChoice(choice openai.ChatCompletionChoice) *orchestrator.Response {
	out := &orchestrator.Response{Text: choice.Message.Content}
	for _, tc := range choice.Message.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			// Best effort: a provider occasionally emits invalid JSON
			// arguments; the raw string is preserved either way.
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		}
		out.ToolCalls = append(out.ToolCalls, orchestrator.ToolCall{
			ID:           tc.ID,
			Name:         tc.Function.Name,
			Arguments:    args,
			RawArguments: tc.Function.Arguments,
		})
	}
	return out
}

func convertToOpenAI(system string, msgs []orchestrator.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, msg := range msgs {
		switch msg.Role {
		case orchestrator.RoleUser:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		case orchestrator.RoleAssistant:
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				raw := tc.RawArguments
				if raw == "" {
					b, _ := json.Marshal(tc.Arguments)
					raw = string(b)
				}
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: raw,
					},
				})
			}
			out = append(out, m)
		case orchestrator.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		}
	}
	return out
}

func openAITools(defs []orchestrator.ToolDef) []openai.Tool {
	if len(defs) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		schema := def.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  schema,
			},
		})
	}
	return out
}
