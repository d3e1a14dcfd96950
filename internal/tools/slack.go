// Package tools holds the connector-provided tools mounted on every
// execution: acting in Slack (messages, reactions) and analyzing media
// from the working directory. Each tool is bound to the conversation that
// is running, so channel and thread default to where the user is.
package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/hivelabs/hive-slack/internal/hooks"
)

// Messenger is the slice of the Slack surface these tools need. The
// connector client implements it.
type Messenger interface {
	PostMessage(ctx context.Context, channel, threadTS, text string) (string, error)
	AddReaction(ctx context.Context, channel, ts, name string) error
}

// SendMessageTool posts a message to Slack, defaulting to the bound
// conversation.
type SendMessageTool struct {
	messenger       Messenger
	defaultChannel  string
	defaultThreadTS string
}

// NewSendMessageTool creates slack_send_message bound to a conversation.
func NewSendMessageTool(m Messenger, channel, threadTS string) *SendMessageTool {
	return &SendMessageTool{messenger: m, defaultChannel: channel, defaultThreadTS: threadTS}
}

func (t *SendMessageTool) Name() string { return "slack_send_message" }

func (t *SendMessageTool) Description() string {
	return "Send a message in Slack. Posts to the current conversation thread by default. " +
		"Can also post to a different channel. Use for notifications, summaries, or updates."
}

func (t *SendMessageTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{
				"type":        "string",
				"description": "The message text (markdown supported)",
			},
			"channel": map[string]any{
				"type":        "string",
				"description": "Channel name or ID to post to (optional — defaults to current channel)",
			},
			"thread_ts": map[string]any{
				"type":        "string",
				"description": "Thread timestamp to reply in (optional — defaults to current thread)",
			},
		},
		"required": []string{"text"},
	}
}

func (t *SendMessageTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	text, _ := args["text"].(string)
	if text == "" {
		return "", errors.New("No text provided")
	}
	channel := t.defaultChannel
	if c, _ := args["channel"].(string); c != "" {
		channel = c
	}
	threadTS := t.defaultThreadTS
	if ts, ok := args["thread_ts"].(string); ok {
		threadTS = ts
	}

	if _, err := t.messenger.PostMessage(ctx, channel, threadTS, text); err != nil {
		return "", fmt.Errorf("Failed to send message: %w", err)
	}
	out := "Message sent to " + channel
	if threadTS != "" {
		out += " in thread " + threadTS
	}
	return out, nil
}

// AddReactionTool adds an emoji reaction, defaulting to the user's message
// that started the current execution.
type AddReactionTool struct {
	messenger      Messenger
	defaultChannel string
	lastUserTS     string
}

// NewAddReactionTool creates slack_add_reaction bound to a conversation.
// userTS is the triggering user message's timestamp; it may be empty.
func NewAddReactionTool(m Messenger, channel, userTS string) *AddReactionTool {
	return &AddReactionTool{messenger: m, defaultChannel: channel, lastUserTS: userTS}
}

func (t *AddReactionTool) Name() string { return "slack_add_reaction" }

func (t *AddReactionTool) Description() string {
	return "Add an emoji reaction to a message in Slack. " +
		"Use to acknowledge messages, signal status, or mark completion. " +
		"Common emoji: thumbsup, white_check_mark, eyes, warning, fire, rocket"
}

func (t *AddReactionTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"emoji": map[string]any{
				"type":        "string",
				"description": "Emoji name without colons (e.g., 'thumbsup', 'white_check_mark', 'eyes')",
			},
			"message_ts": map[string]any{
				"type":        "string",
				"description": "Timestamp of the message to react to (optional — defaults to the user's last message)",
			},
		},
		"required": []string{"emoji"},
	}
}

func (t *AddReactionTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	emoji, _ := args["emoji"].(string)
	if emoji == "" {
		return "", errors.New("No emoji provided")
	}
	messageTS := t.lastUserTS
	if ts, _ := args["message_ts"].(string); ts != "" {
		messageTS = ts
	}
	if messageTS == "" {
		return "", errors.New("No message timestamp available to react to")
	}

	if err := t.messenger.AddReaction(ctx, t.defaultChannel, messageTS, emoji); err != nil {
		return "", fmt.Errorf("Failed to add reaction: %w", err)
	}
	return fmt.Sprintf("Reacted with :%s:", emoji), nil
}

// Factory returns a dispatch.ToolFactory building the connector tools for
// one execution. analyzer may be nil when the active provider has no
// vision support; the image tool is then omitted.
func Factory(m Messenger, analyzer ImageAnalyzer) func(channel, threadTS, userTS string) []hooks.Tool {
	return func(channel, threadTS, userTS string) []hooks.Tool {
		out := []hooks.Tool{
			NewSendMessageTool(m, channel, threadTS),
			NewAddReactionTool(m, channel, userTS),
		}
		if analyzer != nil {
			out = append(out, NewImageTool(analyzer))
		}
		return out
	}
}
