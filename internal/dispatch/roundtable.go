package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hivelabs/hive-slack/internal/session"
)

// roundtableStatus is the bot-identity status shown while instances
// deliberate.
const roundtableStatus = "⚙️ Roundtable — waiting for perspectives…"

// passToken is the literal an instance replies with to stay silent for a
// round.
const passToken = "[PASS]"

// spawnRoundtable fans the message out to every instance on its own
// goroutine.
func (d *Dispatcher) spawnRoundtable(ctx context.Context, ev MessageEvent, conv, text string) {
	base := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runRoundtable(base, ev, conv, text)
	}()
}

// runRoundtable owns one roundtable turn: the fan-out round itself plus
// the replay of messages that arrived while it ran.
func (d *Dispatcher) runRoundtable(ctx context.Context, ev MessageEvent, conv, text string) {
	// Sticky: explicit addressing inside the thread routes a single
	// message but never transfers ownership away from the roundtable.
	d.owners.Set(conv, RoundtableOwner)

	threadTS := ev.replyThread()

	if err := d.transport.AddReaction(ctx, ev.Channel, ev.TS, reactionWorking); err != nil {
		d.logger.Debug("Failed to add working reaction", "error", err)
	}
	defer func() {
		if err := d.transport.RemoveReaction(ctx, ev.Channel, ev.TS, reactionWorking); err != nil {
			d.logger.Debug("Failed to remove working reaction", "error", err)
		}
	}()

	d.roundtableOnce(ctx, conv, ev.Channel, threadTS, ev.User, text, ev.Files)

	// Replay queued arrivals through classification: an explicit prefix
	// routes to that one instance, anything else joins another round.
	for {
		queued := d.takeQueue(conv)
		if len(queued) == 0 {
			return
		}
		combined := strings.Join(queued, "\n\n")
		name, rest, explicit := ParseInstancePrefix(combined, d.cfg.InstanceNames(), "")
		if explicit {
			req := execRequest{
				instance: name,
				conv:     conv,
				channel:  ev.Channel,
				threadTS: threadTS,
			}
			d.executeOnce(ctx, req, rest, nil, false, false)
			continue
		}
		d.roundtableOnce(ctx, conv, ev.Channel, threadTS, ev.User, combined, nil)
	}
}

// roundtableOnce runs a single fan-out round: parallel executions, PASS
// filtering, paced persona posts.
func (d *Dispatcher) roundtableOnce(ctx context.Context, conv, channel, threadTS, user, text string, files []FileInfo) {
	names := d.cfg.InstanceNames()

	statusTS, err := d.transport.PostMessage(ctx, channel, threadTS, roundtableStatus)
	if err != nil {
		d.logger.Warn("Failed to post roundtable status", "error", err)
		statusTS = ""
	}

	d.registerActive(execRequest{
		instance: RoundtableOwner,
		conv:     conv,
		channel:  channel,
		threadTS: threadTS,
	}, statusTS)
	if d.metrics != nil {
		d.metrics.ExecutionsActive.Inc()
	}

	results := make([]string, len(names))
	prompts := make([]string, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			inst, ok := d.cfg.Instance(name)
			if !ok {
				return nil
			}
			body := text
			if len(files) > 0 {
				body = withFileBlock(text, d.downloadFiles(gctx, files, inst.WorkingDir))
			}
			prompt := roundtablePrompt(name, otherNames(names, name), user, body)
			prompts[i] = prompt

			opts := session.ExecuteOptions{
				Display:  d.channels.Display(channel, threadTS),
				Approver: d.channels.Approver(channel, threadTS),
			}
			if d.tools != nil {
				opts.Tools = d.tools(channel, threadTS, "")
			}

			if d.metrics != nil {
				d.metrics.ExecutionsStarted.WithLabelValues(name).Inc()
			}
			resp, err := d.exec.Execute(gctx, name, conv, prompt, opts)
			if err != nil {
				// A failed instance just stays silent this round;
				// partial perspectives are still worth posting.
				d.logger.Error("Roundtable execution failed", "instance", name, "error", err)
				if d.metrics != nil {
					d.metrics.ExecutionsCompleted.WithLabelValues(name, "error").Inc()
				}
				return nil
			}
			if d.metrics != nil {
				d.metrics.ExecutionsCompleted.WithLabelValues(name, "ok").Inc()
			}
			results[i] = resp
			return nil
		})
	}
	g.Wait()

	d.clearActive(conv)
	if d.metrics != nil {
		d.metrics.ExecutionsActive.Dec()
	}
	if statusTS != "" {
		if err := d.transport.DeleteMessage(ctx, channel, statusTS); err != nil {
			d.logger.Debug("Failed to delete roundtable status", "error", err)
		}
	}

	posted := 0
	for i, name := range names {
		response := strings.TrimSpace(results[i])
		if response == "" || isPass(response) {
			continue
		}
		// Slack allows roughly one post per second per channel; the
		// pacing also keeps the thread readable.
		if posted > 0 {
			time.Sleep(d.cfg.RoundtablePostDelay())
		}
		inst, ok := d.cfg.Instance(name)
		if !ok {
			continue
		}
		respTS, err := d.transport.PostPersona(ctx, channel, threadTS, response,
			inst.Persona.Name, inst.Persona.Emoji)
		if err != nil {
			d.logger.Error("Failed to post roundtable response", "instance", name, "error", err)
			continue
		}
		posted++
		if d.metrics != nil {
			d.metrics.RoundtablePosts.Inc()
		}
		if respTS != "" {
			d.recordPrompt(respTS, promptRecord{
				instance: name,
				conv:     conv,
				prompt:   prompts[i],
				channel:  channel,
				threadTS: threadTS,
			})
		}
	}

	d.logger.Info("Roundtable complete",
		"conversation_id", conv, "instances", len(names), "responses", posted)
}

// isPass reports whether a trimmed roundtable response opted out.
func isPass(text string) bool {
	return strings.HasPrefix(strings.ToUpper(text), passToken)
}

// otherNames lists every instance except self.
func otherNames(names []string, self string) []string {
	out := make([]string, 0, len(names)-1)
	for _, n := range names {
		if n != self {
			out = append(out, n)
		}
	}
	return out
}

// roundtablePrompt wraps the user's message with the fan-out preamble.
func roundtablePrompt(instance string, others []string, user, text string) string {
	var b strings.Builder
	b.WriteString("[ROUNDTABLE] This channel fans each message out to every assistant, and each offers its own perspective.\n")
	if len(others) > 0 {
		fmt.Fprintf(&b, "You are %s. Also at the table: %s.\n", instance, strings.Join(others, ", "))
	} else {
		fmt.Fprintf(&b, "You are %s, the only participant this round.\n", instance)
	}
	fmt.Fprintf(&b, "Only respond if you have something distinct to add. If not, reply with exactly %s.\n\n", passToken)
	if user != "" {
		fmt.Fprintf(&b, "<@%s> asks:\n", user)
	}
	b.WriteString(text)
	return b.String()
}
