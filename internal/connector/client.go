// Package connector is the Slack surface of the process: a Socket Mode
// client that normalizes inbound events for the dispatcher and implements
// the outbound transport everything else posts through.
package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"

	"github.com/hivelabs/hive-slack/internal/backchannel"
	"github.com/hivelabs/hive-slack/internal/config"
	"github.com/hivelabs/hive-slack/internal/dispatch"
	"github.com/hivelabs/hive-slack/internal/metrics"
)

// Handlers receives normalized inbound events. The dispatcher implements
// it; kept as an interface so the event loop can be tested without one.
type Handlers interface {
	HandleMessage(ctx context.Context, ev dispatch.MessageEvent)
	HandleReaction(ctx context.Context, ev dispatch.ReactionEvent)
	HandleAction(actionID, value string) bool
}

// Client wraps the Slack Web API plus the Socket Mode connection and
// implements dispatch.Transport and backchannel.Poster.
type Client struct {
	api          *slack.Client
	logger       *slog.Logger
	metrics      *metrics.Metrics
	maxFileBytes int64

	botUserID string
	botID     string

	handlers Handlers

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Client from the configured tokens. Metrics may be nil.
func New(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		api: slack.New(cfg.Slack.BotToken,
			slack.OptionAppLevelToken(cfg.Slack.AppToken)),
		logger:       logger.With("component", "connector"),
		metrics:      m,
		maxFileBytes: cfg.Files.MaxDownloadBytes,
	}
}

// SetHandlers wires the inbound event sink. Must be called before Start.
func (c *Client) SetHandlers(h Handlers) { c.handlers = h }

// Connect verifies the bot token and learns the bot's own identity, which
// the dispatcher needs to filter self-triggered events.
func (c *Client) Connect(ctx context.Context) error {
	auth, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth failed: %w", err)
	}
	c.botUserID = auth.UserID
	c.botID = auth.BotID
	c.logger.Info("Slack authenticated",
		"bot_user_id", c.botUserID, "team", auth.Team)
	return nil
}

// Start opens the Socket Mode connection and begins delivering events to
// the handlers. It returns immediately; Stop closes the connection.
func (c *Client) Start(ctx context.Context) {
	c.logger.Info("Starting Socket Mode connection")
	c.startSocket(ctx)
}

// Stop closes the current Socket Mode connection and waits for its event
// loop to drain.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Reconnect tears down the websocket and dials a fresh one. The watchdog
// calls this after a suspected OS suspend or a failed health check.
func (c *Client) Reconnect(ctx context.Context) error {
	c.logger.Info("Forcing Socket Mode reconnection")
	if c.metrics != nil {
		c.metrics.Reconnects.Inc()
	}
	c.Stop()
	if err := ctx.Err(); err != nil {
		return err
	}
	c.startSocket(ctx)
	return nil
}

// Ping verifies the Web API is reachable with the configured token.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.api.AuthTestContext(ctx)
	return err
}

// startSocket launches a fresh Socket Mode client with its own run and
// consume goroutines, replacing any previous registration.
func (c *Client) startSocket(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	sm := socketmode.New(c.api)
	done := make(chan struct{})

	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go func() {
		if err := sm.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			c.logger.Error("Socket Mode run ended", "error", err)
		}
	}()
	go func() {
		defer close(done)
		for {
			select {
			case <-runCtx.Done():
				return
			case evt := <-sm.Events:
				c.route(runCtx, sm, evt)
			}
		}
	}()
}

// BotUserID implements dispatch.Transport.
func (c *Client) BotUserID() string { return c.botUserID }

// PostMessage posts plain text under the bot's own identity.
func (c *Client) PostMessage(ctx context.Context, channel, threadTS, text string) (string, error) {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	_, ts, err := c.api.PostMessageContext(ctx, channel, opts...)
	if err != nil {
		return "", fmt.Errorf("post message: %w", err)
	}
	return ts, nil
}

// PostPersona posts with an instance's display name and emoji. Responses
// are markdown from the model, so they get converted to mrkdwn here.
func (c *Client) PostPersona(ctx context.Context, channel, threadTS, text, username, iconEmoji string) (string, error) {
	opts := []slack.MsgOption{
		slack.MsgOptionText(ToMrkdwn(text), false),
		slack.MsgOptionUsername(username),
		slack.MsgOptionIconEmoji(iconEmoji),
	}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	_, ts, err := c.api.PostMessageContext(ctx, channel, opts...)
	if err != nil {
		return "", fmt.Errorf("post persona message: %w", err)
	}
	return ts, nil
}

// PostButtons posts an interactive prompt with one button per choice.
func (c *Client) PostButtons(ctx context.Context, channel, threadTS, text string, buttons []backchannel.Button) (string, error) {
	elements := make([]slack.BlockElement, 0, len(buttons))
	for _, b := range buttons {
		btn := slack.NewButtonBlockElement(b.ActionID, b.Value,
			slack.NewTextBlockObject(slack.PlainTextType, b.Text, true, false))
		switch b.Style {
		case "primary":
			btn = btn.WithStyle(slack.StylePrimary)
		case "danger":
			btn = btn.WithStyle(slack.StyleDanger)
		}
		elements = append(elements, btn)
	}

	opts := []slack.MsgOption{
		slack.MsgOptionText(text, false),
		slack.MsgOptionBlocks(
			slack.NewSectionBlock(
				slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil),
			slack.NewActionBlock("", elements...),
		),
	}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	_, ts, err := c.api.PostMessageContext(ctx, channel, opts...)
	if err != nil {
		return "", fmt.Errorf("post buttons: %w", err)
	}
	return ts, nil
}

// UpdateMessage edits a message the bot posted earlier. Any blocks on the
// original are replaced by the plain text.
func (c *Client) UpdateMessage(ctx context.Context, channel, ts, text string) error {
	_, _, _, err := c.api.UpdateMessageContext(ctx, channel, ts,
		slack.MsgOptionText(text, false),
		slack.MsgOptionBlocks())
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return nil
}

// DeleteMessage removes a message the bot posted earlier.
func (c *Client) DeleteMessage(ctx context.Context, channel, ts string) error {
	_, _, err := c.api.DeleteMessageContext(ctx, channel, ts)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// AddReaction implements dispatch.Transport.
func (c *Client) AddReaction(ctx context.Context, channel, ts, name string) error {
	return c.api.AddReactionContext(ctx, name, slack.NewRefToMessage(channel, ts))
}

// RemoveReaction implements dispatch.Transport.
func (c *Client) RemoveReaction(ctx context.Context, channel, ts, name string) error {
	return c.api.RemoveReactionContext(ctx, name, slack.NewRefToMessage(channel, ts))
}

// ChannelInfo returns a channel's display name and topic text.
func (c *Client) ChannelInfo(ctx context.Context, channel string) (string, string, error) {
	info, err := c.api.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{
		ChannelID: channel,
	})
	if err != nil {
		return "", "", fmt.Errorf("channel info for %s: %w", channel, err)
	}
	return info.Name, info.Topic.Value, nil
}

// MessageText fetches the text of one message. conversations.replies
// resolves both top-level and in-thread timestamps; plain history is the
// fallback for timestamps the replies call refuses.
func (c *Client) MessageText(ctx context.Context, channel, ts string) (string, error) {
	msgs, _, _, err := c.api.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
		ChannelID: channel,
		Timestamp: ts,
		Inclusive: true,
		Limit:     3,
	})
	if err == nil {
		for _, m := range msgs {
			if m.Timestamp == ts {
				return m.Text, nil
			}
		}
	}

	resp, herr := c.api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: channel,
		Latest:    ts,
		Inclusive: true,
		Limit:     1,
	})
	if herr != nil {
		return "", fmt.Errorf("fetch message %s: %w", ts, herr)
	}
	if len(resp.Messages) == 0 || resp.Messages[0].Timestamp != ts {
		return "", fmt.Errorf("message %s not found in %s", ts, channel)
	}
	return resp.Messages[0].Text, nil
}

// errFileTooLarge aborts a download whose body exceeds the configured cap.
var errFileTooLarge = errors.New("file exceeds download size cap")

// cappedWriter fails the copy once more than remaining bytes arrive.
// Slack's declared size is checked before download; this guards against
// bodies that disagree with it.
type cappedWriter struct {
	w         io.Writer
	remaining int64
}

func (cw *cappedWriter) Write(p []byte) (int, error) {
	cw.remaining -= int64(len(p))
	if cw.remaining < 0 {
		return 0, errFileTooLarge
	}
	return cw.w.Write(p)
}

// DownloadFile streams a shared file to destPath, authenticating with the
// bot token. A failed or oversized download leaves no partial file.
func (c *Client) DownloadFile(ctx context.Context, file dispatch.FileInfo, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", destPath, err)
	}

	err = c.api.GetFileContext(ctx, file.URLPrivate, &cappedWriter{w: out, remaining: c.maxFileBytes})
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(destPath)
		return fmt.Errorf("download %s: %w", file.Name, err)
	}
	return nil
}

// UploadFile shares a local file into the conversation.
func (c *Client) UploadFile(ctx context.Context, channel, threadTS, path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat upload: %w", err)
	}
	_, err = c.api.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
		File:            path,
		FileSize:        int(st.Size()),
		Filename:        filepath.Base(path),
		Channel:         channel,
		ThreadTimestamp: threadTS,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", filepath.Base(path), err)
	}
	return nil
}

// OpenDM opens (or resumes) the direct-message channel with a user.
func (c *Client) OpenDM(ctx context.Context, user string) (string, error) {
	channel, _, _, err := c.api.OpenConversationContext(ctx, &slack.OpenConversationParameters{
		Users: []string{user},
	})
	if err != nil {
		return "", fmt.Errorf("open dm with %s: %w", user, err)
	}
	return channel.ID, nil
}
