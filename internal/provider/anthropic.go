// Package provider implements the LLM provider adapters and the detection
// logic that picks one at startup. All adapters speak the orchestrator's
// Request/Response types; conversion to each provider's wire format stays
// in here.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hivelabs/hive-slack/internal/orchestrator"
	"github.com/hivelabs/hive-slack/internal/retry"
)

const (
	anthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion = "2023-06-01"

	// DefaultAnthropicModel is used when the config pins no model.
	DefaultAnthropicModel = "claude-sonnet-4-20250514"
	// VisionModel handles image analysis; a small fast model is enough.
	VisionModel = "claude-3-haiku-20240307"

	defaultMaxTokens     = 8192
	visionMaxTokens      = 2048
	thinkingBudgetTokens = 4096
	httpTimeout          = 5 * time.Minute
)

// Anthropic calls the Anthropic Messages API directly.
type Anthropic struct {
	// BaseURL may be overridden for testing.
	BaseURL string

	apiKey string
	model  string
	client *http.Client
	policy retry.Policy
	logger *slog.Logger
}

// NewAnthropic creates an Anthropic provider. An empty model selects
// DefaultAnthropicModel.
func NewAnthropic(apiKey, model string, logger *slog.Logger) *Anthropic {
	if logger == nil {
		logger = slog.Default()
	}
	if model == "" {
		model = DefaultAnthropicModel
	}
	return &Anthropic{
		BaseURL: anthropicBaseURL,
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: httpTimeout},
		policy:  retry.ProviderPolicy(),
		logger:  logger,
	}
}

// Name implements orchestrator.Provider.
func (a *Anthropic) Name() string { return "anthropic" }

// Complete implements orchestrator.Provider.
func (a *Anthropic) Complete(ctx context.Context, req orchestrator.Request) (*orchestrator.Response, error) {
	body := anthropicRequest{
		Model:     a.model,
		MaxTokens: defaultMaxTokens,
		System:    req.System,
		Messages:  convertToAnthropic(req.Messages),
		Tools:     anthropicTools(req.Tools),
	}
	if req.Thinking {
		body.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: thinkingBudgetTokens}
	}

	var out *orchestrator.Response
	err := retry.Do(ctx, a.policy, func() error {
		resp, err := a.send(ctx, body)
		if err != nil {
			a.logger.Warn("Anthropic call failed", "error", err)
			return err
		}
		out = resp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AnalyzeImage runs a single vision call and returns the model's text.
// mediaType is the image MIME type, data its base64 encoding.
func (a *Anthropic) AnalyzeImage(ctx context.Context, data, mediaType, prompt string) (string, error) {
	body := anthropicRequest{
		Model:     VisionModel,
		MaxTokens: visionMaxTokens,
		Messages: []anthropicMessage{{
			Role: "user",
			Content: []anthropicBlock{
				{Type: "image", Source: &anthropicImageSource{Type: "base64", MediaType: mediaType, Data: data}},
				{Type: "text", Text: prompt},
			},
		}},
	}

	var out *orchestrator.Response
	err := retry.Do(ctx, a.policy, func() error {
		resp, err := a.send(ctx, body)
		if err != nil {
			return err
		}
		out = resp
		return nil
	})
	if err != nil {
		return "", err
	}
	return out.Text, nil
}

func (a *Anthropic) send(ctx context.Context, body anthropicRequest) (*orchestrator.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Api-Key", a.apiKey)
	httpReq.Header.Set("Anthropic-Version", anthropicVersion)

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}

	if httpResp.StatusCode != http.StatusOK {
		var envelope struct {
			Error struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Type != "" {
			return nil, fmt.Errorf("anthropic: status %d: %s: %s",
				httpResp.StatusCode, envelope.Error.Type, envelope.Error.Message)
		}
		return nil, fmt.Errorf("anthropic: status %d: %s", httpResp.StatusCode, truncate(string(raw), 200))
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return parsed.toResponse(), nil
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
	Thinking  *anthropicThinking `json:"thinking,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// image
	Source *anthropicImageSource `json:"source,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type anthropicResponse struct {
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
}

func (r *anthropicResponse) toResponse() *orchestrator.Response {
	out := &orchestrator.Response{}
	var texts []string
	for _, block := range r.Content {
		switch block.Type {
		case "text":
			texts = append(texts, block.Text)
		case "tool_use":
			raw, _ := json.Marshal(block.Input)
			out.ToolCalls = append(out.ToolCalls, orchestrator.ToolCall{
				ID:           block.ID,
				Name:         block.Name,
				Arguments:    block.Input,
				RawArguments: string(raw),
			})
		case "thinking":
			out.Thinking = &orchestrator.ThinkingBlock{
				Thinking:  block.Thinking,
				Signature: block.Signature,
			}
		}
	}
	out.Text = strings.Join(texts, "\n\n")
	return out
}

// convertToAnthropic maps the session history to Anthropic's turn shape.
// Tool results must arrive as tool_result blocks in the user turn that
// follows the assistant's tool_use, so consecutive tool messages fold into
// a single user message.
func convertToAnthropic(msgs []orchestrator.Message) []anthropicMessage {
	var out []anthropicMessage
	for i := 0; i < len(msgs); {
		msg := msgs[i]
		switch msg.Role {
		case orchestrator.RoleUser:
			out = append(out, anthropicMessage{
				Role:    "user",
				Content: []anthropicBlock{{Type: "text", Text: msg.Content}},
			})
			i++
		case orchestrator.RoleAssistant:
			var blocks []anthropicBlock
			if msg.Thinking != nil {
				blocks = append(blocks, anthropicBlock{
					Type:      "thinking",
					Thinking:  msg.Thinking.Thinking,
					Signature: msg.Thinking.Signature,
				})
			}
			if msg.Content != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropicBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: tc.Arguments,
				})
			}
			if len(blocks) > 0 {
				out = append(out, anthropicMessage{Role: "assistant", Content: blocks})
			}
			i++
		case orchestrator.RoleTool:
			var blocks []anthropicBlock
			for i < len(msgs) && msgs[i].Role == orchestrator.RoleTool {
				blocks = append(blocks, anthropicBlock{
					Type:      "tool_result",
					ToolUseID: msgs[i].ToolCallID,
					Content:   msgs[i].Content,
				})
				i++
			}
			out = append(out, anthropicMessage{Role: "user", Content: blocks})
		default:
			// System content travels in the request's system field.
			i++
		}
	}
	return out
}

func anthropicTools(defs []orchestrator.ToolDef) []anthropicTool {
	if len(defs) == 0 {
		return nil
	}
	out := make([]anthropicTool, 0, len(defs))
	for _, def := range defs {
		schema := def.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		out = append(out, anthropicTool{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: schema,
		})
	}
	return out
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
