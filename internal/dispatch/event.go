package dispatch

import (
	"context"

	"github.com/hivelabs/hive-slack/internal/hooks"
	"github.com/hivelabs/hive-slack/internal/session"
)

// Channel types as Slack reports them.
const (
	ChannelTypeIM      = "im"
	ChannelTypeChannel = "channel"
	ChannelTypeGroup   = "group"
)

// FileInfo describes one file attached to a message.
type FileInfo struct {
	ID         string
	Name       string
	Size       int64
	URLPrivate string
	Mimetype   string
}

// MessageEvent is a normalized inbound message. The connector translates
// Socket Mode payloads into this shape; tests construct
// it directly.
type MessageEvent struct {
	Channel     string
	ChannelType string
	User        string
	// BotID is set when a bot authored the message. Bot messages are
	// ignored to prevent loops.
	BotID    string
	Text     string
	TS       string
	ThreadTS string
	SubType  string
	Files    []FileInfo
	// Mention marks events delivered via app_mention; the bot mention
	// itself is already stripped from Text.
	Mention bool
}

// ConversationID derives the session key: "dm:<user>" for direct
// messages, "<channel>:<thread>" otherwise.
func (e MessageEvent) ConversationID() string {
	if e.ChannelType == ChannelTypeIM {
		return "dm:" + e.User
	}
	return e.Channel + ":" + e.replyThread()
}

// replyThread is the thread timestamp replies should target: the thread
// the message lives in, or the message itself when it starts one.
func (e MessageEvent) replyThread() string {
	if e.ThreadTS != "" {
		return e.ThreadTS
	}
	return e.TS
}

// ReactionEvent is a normalized reaction_added event.
type ReactionEvent struct {
	Reaction string
	User     string
	Channel  string
	// ItemTS is the timestamp of the message reacted to.
	ItemTS string
}

// Transport is the Slack surface the dispatcher drives. The connector's
// client implements it; dispatcher tests use a hand-rolled fake.
type Transport interface {
	// BotUserID returns the bot's own user id, used to ignore self-
	// triggered events.
	BotUserID() string
	// PostMessage posts under the bot's own identity and returns the
	// message timestamp. Only these messages can later be updated or
	// deleted.
	PostMessage(ctx context.Context, channel, threadTS, text string) (string, error)
	// PostPersona posts with an instance's display name and emoji.
	// Persona messages are not editable afterward.
	PostPersona(ctx context.Context, channel, threadTS, text, username, iconEmoji string) (string, error)
	UpdateMessage(ctx context.Context, channel, ts, text string) error
	DeleteMessage(ctx context.Context, channel, ts string) error
	AddReaction(ctx context.Context, channel, ts, name string) error
	RemoveReaction(ctx context.Context, channel, ts, name string) error
	// ChannelInfo returns a channel's display name and topic text.
	ChannelInfo(ctx context.Context, channel string) (name, topic string, err error)
	// MessageText fetches the text of a single channel message.
	MessageText(ctx context.Context, channel, ts string) (string, error)
	// DownloadFile fetches a shared file's content to destPath.
	DownloadFile(ctx context.Context, file FileInfo, destPath string) error
	UploadFile(ctx context.Context, channel, threadTS, path string) error
	// OpenDM opens (or resumes) a direct-message channel with a user.
	OpenDM(ctx context.Context, user string) (string, error)
}

// Executor runs prompts on per-conversation sessions. The session
// registry implements it.
type Executor interface {
	Execute(ctx context.Context, instance, conversationID, prompt string, opts session.ExecuteOptions) (string, error)
	Inject(instance, conversationID, text string) bool
	Pending(instance, conversationID string) int
	Cancel(instance, conversationID string) bool
}

// Backchannels supplies conversation-bound display and approval handles
// and resolves interactive button clicks.
type Backchannels interface {
	Display(channel, threadTS string) hooks.Display
	Approver(channel, threadTS string) hooks.Approver
	Resolve(actionID, value string) bool
}

// ToolFactory builds the conversation-bound tools mounted for one
// execution, e.g. slack_send_message closed over the live channel.
type ToolFactory func(channel, threadTS, userTS string) []hooks.Tool
