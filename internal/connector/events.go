package connector

import (
	"context"
	"regexp"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/hivelabs/hive-slack/internal/dispatch"
)

// mentionPattern matches a bot mention at the start of message text.
var mentionPattern = regexp.MustCompile(`^<@[A-Z0-9]+>\s*`)

// StripMention removes a leading bot mention from message text.
func StripMention(text string) string {
	return strings.TrimSpace(mentionPattern.ReplaceAllString(text, ""))
}

// route dispatches one Socket Mode event. Events API and interactive
// payloads are acked on the socket they arrived on before handling.
func (c *Client) route(ctx context.Context, sm *socketmode.Client, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		c.logger.Debug("Connecting to Slack")
	case socketmode.EventTypeConnected:
		c.logger.Info("Socket Mode connected")
	case socketmode.EventTypeConnectionError:
		c.logger.Warn("Socket Mode connection error", "detail", evt.Data)
	case socketmode.EventTypeIncomingError:
		c.logger.Warn("Socket Mode receive error", "detail", evt.Data)
	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			sm.Ack(*evt.Request)
		}
		c.routeCallback(ctx, apiEvent)
	case socketmode.EventTypeInteractive:
		callback, ok := evt.Data.(slack.InteractionCallback)
		if !ok {
			return
		}
		if evt.Request != nil {
			sm.Ack(*evt.Request)
		}
		c.routeInteraction(callback)
	}
}

func (c *Client) routeCallback(ctx context.Context, apiEvent slackevents.EventsAPIEvent) {
	if c.handlers == nil || apiEvent.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		c.handlers.HandleMessage(ctx, normalizeMessage(ev))
	case *slackevents.AppMentionEvent:
		c.handlers.HandleMessage(ctx, normalizeMention(ev))
	case *slackevents.ReactionAddedEvent:
		c.handlers.HandleReaction(ctx, dispatch.ReactionEvent{
			Reaction: ev.Reaction,
			User:     ev.User,
			Channel:  ev.Item.Channel,
			ItemTS:   ev.Item.Timestamp,
		})
	}
}

func (c *Client) routeInteraction(callback slack.InteractionCallback) {
	if c.handlers == nil || callback.Type != slack.InteractionTypeBlockActions {
		return
	}
	for _, action := range callback.ActionCallback.BlockActions {
		if action == nil {
			continue
		}
		if !c.handlers.HandleAction(action.ActionID, action.Value) {
			c.logger.Debug("Button click matched no pending approval",
				"action_id", action.ActionID)
		}
	}
}

func normalizeMessage(ev *slackevents.MessageEvent) dispatch.MessageEvent {
	return dispatch.MessageEvent{
		Channel:     ev.Channel,
		ChannelType: ev.ChannelType,
		User:        ev.User,
		BotID:       ev.BotID,
		Text:        ev.Text,
		TS:          ev.TimeStamp,
		ThreadTS:    ev.ThreadTimeStamp,
		SubType:     ev.SubType,
		Files:       normalizeFiles(ev.Files),
	}
}

// normalizeMention shapes an app_mention event. Mention events carry no
// channel_type, so it is derived from the channel id prefix.
func normalizeMention(ev *slackevents.AppMentionEvent) dispatch.MessageEvent {
	return dispatch.MessageEvent{
		Channel:     ev.Channel,
		ChannelType: channelTypeFromID(ev.Channel),
		User:        ev.User,
		BotID:       ev.BotID,
		Text:        StripMention(ev.Text),
		TS:          ev.TimeStamp,
		ThreadTS:    ev.ThreadTimeStamp,
		Mention:     true,
	}
}

func channelTypeFromID(id string) string {
	switch {
	case strings.HasPrefix(id, "D"):
		return dispatch.ChannelTypeIM
	case strings.HasPrefix(id, "G"):
		return dispatch.ChannelTypeGroup
	default:
		return dispatch.ChannelTypeChannel
	}
}

func normalizeFiles(files []slackevents.File) []dispatch.FileInfo {
	if len(files) == 0 {
		return nil
	}
	out := make([]dispatch.FileInfo, 0, len(files))
	for _, f := range files {
		out = append(out, dispatch.FileInfo{
			ID:         f.ID,
			Name:       f.Name,
			Size:       int64(f.Size),
			URLPrivate: f.URLPrivate,
			Mimetype:   f.Mimetype,
		})
	}
	return out
}
