package progress

import (
	"fmt"
	"strings"
	"time"

	"github.com/hivelabs/hive-slack/internal/orchestrator"
)

// toolDelegate is the delegation tool; it gets agent-aware display text.
const toolDelegate = "delegate"

// friendlyToolNames maps tool identifiers to the display strings shown in
// status messages. Unknown tools fall back to "Working (<name>)".
var friendlyToolNames = map[string]string{
	"read_file":    "Reading files",
	"write_file":   "Writing files",
	"edit_file":    "Editing files",
	"bash":         "Running command",
	"glob":         "Searching files",
	"grep":         "Searching content",
	"web_search":   "Searching the web",
	"web_fetch":    "Fetching web page",
	"delegate":     "Delegating to agent",
	"todo":         "Managing tasks",
	"LSP":          "Analyzing code",
	"python_check": "Checking code quality",
	"load_skill":   "Loading knowledge",
	"recipes":      "Running recipe",
}

// FriendlyToolName returns the display name for a tool.
func FriendlyToolName(name string) string {
	if friendly, ok := friendlyToolNames[name]; ok {
		return friendly
	}
	return fmt.Sprintf("Working (%s)", name)
}

// FormatDuration renders elapsed time for status messages. Durations
// under ten seconds render as the empty string so short executions never
// show a counter.
func FormatDuration(d time.Duration) string {
	secs := int(d.Seconds())
	switch {
	case secs < 10:
		return ""
	case secs < 60:
		return fmt.Sprintf("%ds", secs)
	}
	mins := secs / 60
	if rem := secs % 60; rem != 0 {
		return fmt.Sprintf("%dm %ds", mins, rem)
	}
	return fmt.Sprintf("%dm", mins)
}

var planSeparator = strings.Repeat("─", 39)

func queuedSuffix(n int) string {
	if n <= 0 {
		return ""
	}
	if n == 1 {
		return " · 1 message queued"
	}
	return fmt.Sprintf(" · %d messages queued", n)
}

// renderSimple is the status line shown before the agent publishes a plan:
// a gear, what the loop is doing right now, and optional elapsed/queued
// suffixes.
func renderSimple(tool, agent string, elapsed time.Duration, queued int) string {
	var doing string
	switch {
	case tool == toolDelegate && agent != "":
		doing = "Delegating to " + agent
	case tool != "":
		doing = FriendlyToolName(tool)
	default:
		doing = "Thinking"
	}
	line := "⚙️ " + doing + "…"
	if dur := FormatDuration(elapsed); dur != "" {
		line += " · " + dur
	}
	return line + queuedSuffix(queued)
}

// renderPlan is the multi-line status card shown once the agent has
// published a todo list. Completed items collapse to a count past two,
// pending items truncate past two, and the footer names the current tool
// alongside overall progress.
func renderPlan(instance string, todos []orchestrator.TodoItem, tool string, elapsed time.Duration, queued int) string {
	var completed, active, pending []orchestrator.TodoItem
	for _, t := range todos {
		switch t.Status {
		case orchestrator.TodoCompleted:
			completed = append(completed, t)
		case orchestrator.TodoInProgress:
			active = append(active, t)
		default:
			pending = append(pending, t)
		}
	}

	var b strings.Builder
	b.WriteString("⚙️ " + instance)
	if dur := FormatDuration(elapsed); dur != "" {
		b.WriteString(" · " + dur)
	}
	b.WriteString("\n" + planSeparator + "\n")

	if len(completed) > 2 {
		fmt.Fprintf(&b, "✅  %d completed\n", len(completed))
	} else {
		for _, t := range completed {
			fmt.Fprintf(&b, "✅  %s\n", t.Content)
		}
	}
	for _, t := range active {
		label := t.ActiveForm
		if label == "" {
			label = t.Content
		}
		fmt.Fprintf(&b, "▸  *%s*\n", label)
	}
	shown := pending
	if len(shown) > 2 {
		shown = shown[:2]
	}
	for _, t := range shown {
		fmt.Fprintf(&b, "○  %s\n", t.Content)
	}
	if extra := len(pending) - 2; extra > 0 {
		fmt.Fprintf(&b, "    +%d more\n", extra)
	}

	toolText := "Thinking"
	switch {
	case tool == toolDelegate:
		toolText = "Delegating to agent"
	case tool != "":
		toolText = FriendlyToolName(tool)
	}
	fmt.Fprintf(&b, "🔧 %s · %d of %d complete", toolText, len(completed), len(todos))
	b.WriteString(queuedSuffix(queued))
	return b.String()
}
