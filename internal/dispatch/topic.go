package dispatch

import (
	"context"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"
)

// ChannelSettings is the routing configuration parsed from a channel's
// topic. Topics may contain [key:value] directives mixed into prose:
//
//	[instance:alpha]   every message routes to alpha
//	[mode:roundtable]  all instances respond
//	[default:alpha]    alpha unless the message addresses another instance
//	[threads:off]      replies go to the channel, not a thread
type ChannelSettings struct {
	Instance string
	Mode     string
	Default  string
	Threads  string
	// Name is the channel's display name, used for prompt context.
	Name string
}

// Configured reports whether the topic carries any routing directive.
// Unconfigured channels ignore non-mention messages.
func (c ChannelSettings) Configured() bool {
	return c.Instance != "" || c.Mode != "" || c.Default != ""
}

// Channel modes a topic can select.
const (
	ModeRoundtable = "roundtable"
	ModeOpen       = "open"
)

// ThreadsOff disables threaded replies for a channel.
const ThreadsOff = "off"

var topicDirectivePattern = regexp.MustCompile(`\[(\w+):(\w+)\]`)

// ParseChannelTopic extracts routing directives from topic text. Keys and
// values are lowercased; directives naming unknown instances are ignored.
func ParseChannelTopic(topic string, knownInstances []string) ChannelSettings {
	var settings ChannelSettings
	for _, match := range topicDirectivePattern.FindAllStringSubmatch(topic, -1) {
		key := strings.ToLower(match[1])
		value := strings.ToLower(match[2])
		switch key {
		case "instance":
			if slices.Contains(knownInstances, value) {
				settings.Instance = value
			}
		case "mode":
			if value == ModeRoundtable || value == ModeOpen {
				settings.Mode = value
			}
		case "default":
			if slices.Contains(knownInstances, value) {
				settings.Default = value
			}
		case "threads":
			if value == ThreadsOff {
				settings.Threads = value
			}
		}
	}
	return settings
}

// ChannelInfoSource fetches a channel's display name and topic text.
type ChannelInfoSource interface {
	ChannelInfo(ctx context.Context, channel string) (name, topic string, err error)
}

// TopicCache caches parsed channel settings with a TTL so routing does
// not hit conversations.info on every message.
type TopicCache struct {
	source    ChannelInfoSource
	instances []string
	ttl       time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]topicEntry
}

type topicEntry struct {
	settings  ChannelSettings
	fetchedAt time.Time
}

// NewTopicCache creates a cache over the given info source. TTL defaults
// to one minute when zero.
func NewTopicCache(source ChannelInfoSource, instances []string, ttl time.Duration, logger *slog.Logger) *TopicCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TopicCache{
		source:    source,
		instances: instances,
		ttl:       ttl,
		logger:    logger,
		now:       time.Now,
		entries:   make(map[string]topicEntry),
	}
}

// Get returns the channel's settings, fetching and parsing the topic when
// the cached entry is missing or stale. Fetch failures parse as an empty
// topic so a flaky API degrades to ignoring the channel, not erroring.
func (c *TopicCache) Get(ctx context.Context, channel string) ChannelSettings {
	now := c.now()

	c.mu.Lock()
	if entry, ok := c.entries[channel]; ok && now.Sub(entry.fetchedAt) < c.ttl {
		c.mu.Unlock()
		return entry.settings
	}
	c.mu.Unlock()

	name, topic, err := c.source.ChannelInfo(ctx, channel)
	if err != nil {
		c.logger.Warn("Could not fetch channel info", "channel", channel, "error", err)
	}
	settings := ParseChannelTopic(topic, c.instances)
	settings.Name = name

	c.mu.Lock()
	c.entries[channel] = topicEntry{settings: settings, fetchedAt: now}
	c.mu.Unlock()

	c.logger.Debug("Channel settings refreshed", "channel", channel, "name", name)
	return settings
}

// Put seeds the cache, mainly for tests.
func (c *TopicCache) Put(channel string, settings ChannelSettings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[channel] = topicEntry{settings: settings, fetchedAt: c.now()}
}
