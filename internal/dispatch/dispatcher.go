// Package dispatch classifies inbound Slack events and drives executions:
// routing messages to instances, steering busy conversations through
// injection, and running the status-message lifecycle around each
// execution.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hivelabs/hive-slack/internal/config"
	"github.com/hivelabs/hive-slack/internal/metrics"
	"github.com/hivelabs/hive-slack/internal/onboarding"
	"github.com/hivelabs/hive-slack/internal/progress"
	"github.com/hivelabs/hive-slack/internal/session"
)

// Reactions the dispatcher places and recognizes.
const (
	reactionWorking   = "hourglass_flowing_sand"
	reactionReceived  = "incoming_envelope"
	reactionCancel    = "x"
	reactionCancelAck = "white_check_mark"
)

// regenerateReactions re-run the prompt behind a bot response.
var regenerateReactions = map[string]bool{
	"repeat":                  true,
	"arrows_counterclockwise": true,
}

// statusInitial is the first status text, posted before any loop event
// arrives.
const statusInitial = "⚙️ Working…"

// errorResponse is the persona post when an execution fails. Friendly
// wording; the real error goes to the logs.
const errorResponse = "Sorry, something's not working on my end right now. Please try again in a moment."

// seenCapacity bounds the duplicate-delivery set.
const seenCapacity = 10000

// Options wires a Dispatcher.
type Options struct {
	Config       *config.Config
	Transport    Transport
	Executor     Executor
	Backchannels Backchannels
	// Onboarding may be nil; teaching suffixes and welcome DMs are then
	// skipped.
	Onboarding *onboarding.Manager
	// Tools may be nil; executions then run with session tools only.
	Tools ToolFactory
	// Metrics may be nil.
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// activeExecution tracks one in-flight execution so later events can be
// injected, queued, or cancelled against it.
type activeExecution struct {
	instance string
	channel  string
	threadTS string
	statusTS string
	userTS   string
}

// promptRecord remembers what produced a bot response, keyed by the
// response's timestamp, so a regenerate reaction can re-run it.
type promptRecord struct {
	instance string
	conv     string
	prompt   string
	channel  string
	threadTS string
}

// Dispatcher classifies normalized Slack events and runs executions.
type Dispatcher struct {
	cfg       *config.Config
	transport Transport
	exec      Executor
	channels  Backchannels
	onboard   *onboarding.Manager
	tools     ToolFactory
	metrics   *metrics.Metrics
	topics    *TopicCache
	owners    *ThreadOwners
	logger    *slog.Logger

	mu      sync.Mutex
	active  map[string]*activeExecution
	queues  map[string][]string
	prompts map[string]promptRecord
	seen    map[string]struct{}
	order   []string

	wg sync.WaitGroup
}

// New creates a Dispatcher.
func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:       opts.Config,
		transport: opts.Transport,
		exec:      opts.Executor,
		channels:  opts.Backchannels,
		onboard:   opts.Onboarding,
		tools:     opts.Tools,
		metrics:   opts.Metrics,
		topics:    NewTopicCache(opts.Transport, opts.Config.InstanceNames(), 0, logger),
		owners:    NewThreadOwners(opts.Config.Dispatch.ThreadOwnerCapacity),
		logger:    logger,
		active:    make(map[string]*activeExecution),
		queues:    make(map[string][]string),
		prompts:   make(map[string]promptRecord),
		seen:      make(map[string]struct{}),
	}
}

// Stop waits for in-flight executions, up to the context deadline.
// Cancellation of the executions themselves is the session registry's
// job; this only drains the dispatcher's goroutines.
func (d *Dispatcher) Stop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("Dispatcher stopped with executions still in flight")
	}
}

// Owner exposes a thread's owning instance, mainly for tests and the
// admin surface.
func (d *Dispatcher) Owner(conversationID string) string {
	return d.owners.Get(conversationID)
}

// HandleMessage classifies and routes one inbound message.
func (d *Dispatcher) HandleMessage(ctx context.Context, ev MessageEvent) {
	if ev.BotID != "" || ev.User == d.transport.BotUserID() {
		return
	}
	if ev.SubType != "" && ev.SubType != "file_share" {
		return
	}
	// Messages containing the bot mention arrive twice: once as message,
	// once as app_mention. The mention event carries the routing intent,
	// so the raw message is dropped.
	if !ev.Mention && strings.Contains(ev.Text, "<@"+d.transport.BotUserID()+">") {
		return
	}
	if !d.markSeen("msg:" + ev.Channel + ":" + ev.TS) {
		return
	}

	text := strings.TrimSpace(ev.Text)
	if text == "" && len(ev.Files) == 0 {
		return
	}

	conv := ev.ConversationID()
	if d.activeFor(conv) != nil {
		d.deliverToActive(ctx, ev, conv, text)
		return
	}

	if ev.ChannelType == ChannelTypeIM {
		d.routeDM(ctx, ev, conv, text)
		return
	}
	d.routeChannel(ctx, ev, conv, text)
}

// deliverToActive steers a message into a running execution: inject when
// the loop is live, queue locally otherwise. Either way the user gets an
// envelope reaction as the receipt.
func (d *Dispatcher) deliverToActive(ctx context.Context, ev MessageEvent, conv, text string) {
	act := d.activeFor(conv)
	if act == nil || text == "" {
		return
	}
	if !d.exec.Inject(act.instance, conv, text) {
		d.mu.Lock()
		d.queues[conv] = append(d.queues[conv], text)
		d.mu.Unlock()
		if d.metrics != nil {
			d.metrics.QueuedMessages.Inc()
		}
		d.logger.Debug("Message queued for next execution", "conversation_id", conv)
	}
	if err := d.transport.AddReaction(ctx, ev.Channel, ev.TS, reactionReceived); err != nil {
		d.logger.Debug("Failed to add receipt reaction", "error", err)
	}
}

// routeDM routes a direct message: explicit prefix, then the sticky
// owner, then the global default. DMs never ignore.
func (d *Dispatcher) routeDM(ctx context.Context, ev MessageEvent, conv, text string) {
	known := d.cfg.InstanceNames()
	name, rest, explicit := ParseInstancePrefix(text, known, d.cfg.DefaultInstance)
	if !explicit {
		if owner := d.owners.Get(conv); owner != "" && owner != RoundtableOwner {
			name = owner
		}
	} else {
		d.owners.Set(conv, name)
	}
	d.spawn(ctx, execRequest{
		instance: name,
		conv:     conv,
		channel:  ev.Channel,
		threadTS: ev.replyThread(),
		userTS:   ev.TS,
		user:     ev.User,
		text:     rest,
		files:    ev.Files,
	})
}

// routeChannel applies the channel classification rules, first match
// wins: roundtable, forced instance, explicit prefix, thread owner,
// channel default, bot mention, ignore.
func (d *Dispatcher) routeChannel(ctx context.Context, ev MessageEvent, conv, text string) {
	settings := d.topics.Get(ctx, ev.Channel)
	known := d.cfg.InstanceNames()
	name, rest, explicit := ParseInstancePrefix(text, known, "")

	if settings.Mode == ModeRoundtable && !explicit {
		d.spawnRoundtable(ctx, ev, conv, text)
		return
	}

	req := execRequest{
		conv:     conv,
		channel:  ev.Channel,
		threadTS: ev.replyThread(),
		userTS:   ev.TS,
		user:     ev.User,
		files:    ev.Files,
	}
	// [threads:off] channels get top-level replies instead of threads.
	if settings.Threads == ThreadsOff && ev.ThreadTS == "" {
		req.threadTS = ""
	}

	switch {
	case settings.Instance != "":
		req.instance = settings.Instance
		req.text = text
		if explicit && name == settings.Instance {
			req.text = rest
		}
	case explicit:
		req.instance = name
		req.text = rest
		// Explicit addressing transfers ownership unless the thread
		// belongs to a roundtable; roundtable ownership is sticky.
		if d.owners.Get(conv) != RoundtableOwner {
			d.owners.Set(conv, name)
		}
	default:
		owner := d.owners.Get(conv)
		switch {
		case owner != "" && owner != RoundtableOwner:
			req.instance = owner
			req.text = text
		case settings.Default != "":
			req.instance = settings.Default
			req.text = text
		case ev.Mention:
			req.instance = d.cfg.DefaultInstance
			req.text = text
		default:
			return
		}
	}

	d.spawn(ctx, req)
}

// HandleReaction processes reaction_added: summon, regenerate, or
// cancel. Everything else is ignored.
func (d *Dispatcher) HandleReaction(ctx context.Context, ev ReactionEvent) {
	if ev.User == d.transport.BotUserID() {
		return
	}
	switch {
	case regenerateReactions[ev.Reaction]:
		d.regenerate(ctx, ev)
	case ev.Reaction == reactionCancel:
		d.cancelFromReaction(ctx, ev)
	default:
		if _, ok := d.cfg.Instance(ev.Reaction); ok {
			d.summon(ctx, ev)
		}
	}
}

// HandleAction resolves an interactive button click against a pending
// approval. Reports whether a waiter consumed it.
func (d *Dispatcher) HandleAction(actionID, value string) bool {
	ok := d.channels.Resolve(actionID, value)
	if ok && d.metrics != nil {
		d.metrics.ApprovalsResolved.WithLabelValues("clicked").Inc()
	}
	return ok
}

// regenerate re-runs the prompt behind a bot response.
func (d *Dispatcher) regenerate(ctx context.Context, ev ReactionEvent) {
	d.mu.Lock()
	rec, ok := d.prompts[ev.ItemTS]
	d.mu.Unlock()
	if !ok {
		return
	}
	if d.activeFor(rec.conv) != nil {
		d.logger.Debug("Regenerate ignored, conversation busy", "conversation_id", rec.conv)
		return
	}
	d.logger.Info("Regenerating response",
		"instance", rec.instance, "conversation_id", rec.conv)
	d.spawn(ctx, execRequest{
		instance: rec.instance,
		conv:     rec.conv,
		channel:  rec.channel,
		threadTS: rec.threadTS,
		prompt:   rec.prompt,
	})
}

// cancelFromReaction cancels the execution behind the reacted message.
// The reaction may land on the status message, the user's own message,
// or a previous bot response in the conversation.
func (d *Dispatcher) cancelFromReaction(ctx context.Context, ev ReactionEvent) {
	var instance, conv string

	d.mu.Lock()
	if rec, ok := d.prompts[ev.ItemTS]; ok {
		instance, conv = rec.instance, rec.conv
	} else {
		for c, act := range d.active {
			if act.statusTS == ev.ItemTS || act.userTS == ev.ItemTS {
				instance, conv = act.instance, c
				break
			}
		}
	}
	d.mu.Unlock()

	if conv == "" || instance == "" || instance == RoundtableOwner {
		return
	}
	d.exec.Cancel(instance, conv)
	if err := d.transport.AddReaction(ctx, ev.Channel, ev.ItemTS, reactionCancelAck); err != nil {
		d.logger.Debug("Failed to acknowledge cancel", "error", err)
	}
	d.logger.Info("Cancellation requested",
		"instance", instance, "conversation_id", conv)
}

// summon runs the instance named by the reaction against the reacted
// message, as a one-shot conversation keyed by the summon itself.
func (d *Dispatcher) summon(ctx context.Context, ev ReactionEvent) {
	key := "summon:" + ev.Reaction + ":" + ev.ItemTS
	if !d.markSeen(key) {
		return
	}
	text, err := d.transport.MessageText(ctx, ev.Channel, ev.ItemTS)
	if err != nil {
		d.logger.Warn("Failed to fetch summoned message", "error", err)
		return
	}

	where := "DM"
	if settings := d.topics.Get(ctx, ev.Channel); settings.Name != "" {
		where = "#" + settings.Name
	}
	prompt := fmt.Sprintf("[<@%s> summoned you by reacting with :%s: to this message in %s]\n%s",
		ev.User, ev.Reaction, where, text)

	d.logger.Info("Summon", "instance", ev.Reaction, "channel", ev.Channel)
	d.spawn(ctx, execRequest{
		instance: ev.Reaction,
		conv:     key,
		channel:  ev.Channel,
		threadTS: ev.ItemTS,
		userTS:   ev.ItemTS,
		prompt:   prompt,
	})
}

// execRequest is everything one execution needs. When prompt is empty it
// is built from text plus downloaded-file descriptions.
type execRequest struct {
	instance string
	conv     string
	channel  string
	threadTS string
	// userTS is the triggering message, target of the hourglass
	// reaction. Empty for regenerates, which have no fresh message.
	userTS string
	// user drives onboarding; empty skips it.
	user   string
	text   string
	files  []FileInfo
	prompt string
}

// spawn runs an execution on its own goroutine. The goroutine survives
// the (short-lived) event context; shutdown drains it via Stop and the
// session registry's cooperative cancel.
func (d *Dispatcher) spawn(ctx context.Context, req execRequest) {
	base := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runExecution(base, req)
	}()
}

// runExecution owns one conversation turn end to end: hourglass,
// onboarding, the execution itself, and the drain of messages queued
// while it ran.
func (d *Dispatcher) runExecution(ctx context.Context, req execRequest) {
	var user *onboarding.User
	isNewThread, hasCrossRef := false, false
	if d.onboard != nil && req.user != "" {
		user = d.onboard.Load(req.user)
		defer user.Save()
		if user.FirstInteraction() {
			d.sendWelcome(ctx, req.user)
			user.MarkWelcomed()
		}
		isNewThread = user.RecordThread(req.conv)
		hasCrossRef = onboarding.HasCrossThreadReference(req.text)
	}

	if req.userTS != "" {
		if err := d.transport.AddReaction(ctx, req.channel, req.userTS, reactionWorking); err != nil {
			d.logger.Debug("Failed to add working reaction", "error", err)
		}
		defer func() {
			if err := d.transport.RemoveReaction(ctx, req.channel, req.userTS, reactionWorking); err != nil {
				d.logger.Debug("Failed to remove working reaction", "error", err)
			}
		}()
	}

	prompt := req.prompt
	if prompt == "" {
		inst, ok := d.cfg.Instance(req.instance)
		if !ok {
			d.logger.Warn("Dropping message for unknown instance", "instance", req.instance)
			return
		}
		descs := d.downloadFiles(ctx, req.files, inst.WorkingDir)
		prompt = withFileBlock(req.text, descs)
	}

	for {
		if !d.executeOnce(ctx, req, prompt, user, isNewThread, hasCrossRef) {
			return
		}
		queued := d.takeQueue(req.conv)
		if len(queued) == 0 {
			return
		}
		// Messages that arrived while the loop ran but missed the
		// injection window become one follow-up execution.
		prompt = strings.Join(queued, "\n\n")
		isNewThread = false
		hasCrossRef = onboarding.HasCrossThreadReference(prompt)
	}
}

// executeOnce runs a single execution batch with the full status-message
// lifecycle. It reports false when the execution failed and the caller
// should stop draining.
func (d *Dispatcher) executeOnce(ctx context.Context, req execRequest, prompt string, user *onboarding.User, isNewThread, hasCrossRef bool) bool {
	inst, found := d.cfg.Instance(req.instance)
	if !found {
		return false
	}

	statusTS, err := d.transport.PostMessage(ctx, req.channel, req.threadTS, statusInitial)
	if err != nil {
		d.logger.Warn("Failed to post status message", "error", err)
		statusTS = ""
	}

	d.registerActive(req, statusTS)
	if d.metrics != nil {
		d.metrics.ExecutionsStarted.WithLabelValues(req.instance).Inc()
		d.metrics.ExecutionsActive.Inc()
	}

	tracker := progress.NewTracker(progress.Config{
		Instance: inst.Persona.Name,
		Throttle: d.cfg.StatusThrottle(),
		Queued: func() int {
			return d.exec.Pending(req.instance, req.conv) + d.queueLen(req.conv)
		},
		Update: func(text string) error {
			if statusTS == "" {
				return nil
			}
			return d.transport.UpdateMessage(ctx, req.channel, statusTS, text)
		},
		Logger: d.logger,
	})

	opts := session.ExecuteOptions{
		Sink:     tracker.Handle,
		Display:  d.channels.Display(req.channel, req.threadTS),
		Approver: d.channels.Approver(req.channel, req.threadTS),
	}
	if d.tools != nil {
		opts.Tools = d.tools(req.channel, req.threadTS, req.userTS)
	}

	started := time.Now()
	response, execErr := d.exec.Execute(ctx, req.instance, req.conv, prompt, opts)
	duration := time.Since(started)

	d.clearActive(req.conv)
	if d.metrics != nil {
		d.metrics.ExecutionsActive.Dec()
		d.metrics.ExecutionDuration.Observe(duration.Seconds())
		outcome := "ok"
		if execErr != nil {
			outcome = "error"
		}
		d.metrics.ExecutionsCompleted.WithLabelValues(req.instance, outcome).Inc()
	}

	if statusTS != "" {
		if err := d.transport.DeleteMessage(ctx, req.channel, statusTS); err != nil {
			d.logger.Debug("Failed to delete status message", "error", err)
		}
	}

	if execErr != nil {
		d.logger.Error("Execution failed",
			"instance", req.instance, "conversation_id", req.conv, "error", execErr)
		if _, err := d.transport.PostPersona(ctx, req.channel, req.threadTS,
			errorResponse, inst.Persona.Name, inst.Persona.Emoji); err != nil {
			d.logger.Error("Failed to post error response", "error", err)
		}
		return false
	}

	text := strings.TrimSpace(response)
	if text != "" {
		if user != nil {
			if suffix := user.ResponseSuffix(isNewThread, duration, hasCrossRef); suffix != "" {
				text += "\n" + suffix
			}
		}
		respTS, err := d.transport.PostPersona(ctx, req.channel, req.threadTS,
			text, inst.Persona.Name, inst.Persona.Emoji)
		if err != nil {
			d.logger.Error("Failed to post response",
				"instance", req.instance, "conversation_id", req.conv, "error", err)
		} else if respTS != "" {
			d.recordPrompt(respTS, promptRecord{
				instance: req.instance,
				conv:     req.conv,
				prompt:   prompt,
				channel:  req.channel,
				threadTS: req.threadTS,
			})
		}
	}

	if d.owners.Get(req.conv) == "" {
		d.owners.Set(req.conv, req.instance)
	}

	d.processOutbox(ctx, inst, req.channel, req.threadTS)

	d.logger.Info("Execution complete",
		"instance", req.instance,
		"conversation_id", req.conv,
		"duration", duration.Round(time.Millisecond),
		"response_chars", len(response))

	return true
}

// sendWelcome opens a DM and posts the one-time welcome.
func (d *Dispatcher) sendWelcome(ctx context.Context, userID string) {
	dm, err := d.transport.OpenDM(ctx, userID)
	if err != nil {
		d.logger.Warn("Failed to open welcome DM", "user", userID, "error", err)
		return
	}
	if _, err := d.transport.PostMessage(ctx, dm, "", onboarding.WelcomeText); err != nil {
		d.logger.Warn("Failed to send welcome", "user", userID, "error", err)
	}
}

// downloadFiles fetches shared files into the instance working directory
// and returns one description line per file that made it.
func (d *Dispatcher) downloadFiles(ctx context.Context, files []FileInfo, workingDir string) []string {
	var descs []string
	for _, f := range files {
		if f.URLPrivate == "" {
			continue
		}
		if f.Size > d.cfg.Files.MaxDownloadBytes {
			d.logger.Warn("Skipping oversized file upload",
				"file", f.Name, "size", f.Size, "cap", d.cfg.Files.MaxDownloadBytes)
			continue
		}
		name := filepath.Base(f.Name)
		dest := filepath.Join(workingDir, name)
		if err := d.transport.DownloadFile(ctx, f, dest); err != nil {
			d.logger.Warn("File download failed", "file", f.Name, "error", err)
			continue
		}
		descs = append(descs, fmt.Sprintf("  %s (%d bytes) → ./%s", f.Name, f.Size, name))
	}
	return descs
}

// withFileBlock prepends the uploaded-files preamble when there is one.
func withFileBlock(text string, descs []string) string {
	if len(descs) == 0 {
		return text
	}
	block := "[User uploaded files:\n" + strings.Join(descs, "\n") + "\n]"
	if text == "" {
		return block
	}
	return block + "\n" + text
}

// processOutbox uploads files the session left in .outbox/ and removes
// them locally. Dotfiles are skipped; a missing directory is the normal
// case.
func (d *Dispatcher) processOutbox(ctx context.Context, inst config.InstanceConfig, channel, threadTS string) {
	dir := filepath.Join(inst.WorkingDir, ".outbox")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := d.transport.UploadFile(ctx, channel, threadTS, path); err != nil {
			d.logger.Error("Outbox upload failed", "file", e.Name(), "error", err)
			continue
		}
		if err := os.Remove(path); err != nil {
			d.logger.Warn("Failed to remove uploaded outbox file", "file", e.Name(), "error", err)
		}
		d.logger.Info("Outbox file uploaded", "file", e.Name(), "instance", inst.Name)
	}
}

func (d *Dispatcher) activeFor(conv string) *activeExecution {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active[conv]
}

func (d *Dispatcher) registerActive(req execRequest, statusTS string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active[req.conv] = &activeExecution{
		instance: req.instance,
		channel:  req.channel,
		threadTS: req.threadTS,
		statusTS: statusTS,
		userTS:   req.userTS,
	}
}

func (d *Dispatcher) clearActive(conv string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active, conv)
}

func (d *Dispatcher) queueLen(conv string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues[conv])
}

// takeQueue drains and deletes the conversation's local queue.
func (d *Dispatcher) takeQueue(conv string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.queues[conv]
	delete(d.queues, conv)
	return out
}

func (d *Dispatcher) recordPrompt(respTS string, rec promptRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prompts[respTS] = rec
}

// markSeen records an event key, reporting false for duplicates. The set
// is bounded; oldest keys fall off first.
func (d *Dispatcher) markSeen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; ok {
		return false
	}
	d.seen[key] = struct{}{}
	d.order = append(d.order, key)
	if len(d.order) > seenCapacity {
		delete(d.seen, d.order[0])
		d.order = d.order[1:]
	}
	return true
}
