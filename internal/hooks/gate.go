package hooks

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ApprovalGate returns a tool:pre handler that blocks the listed tools
// until the user approves them. The approver is resolved from the
// coordinator at fire time, so the gate can be mounted before the
// conversation's approval back-channel exists.
//
// With no approver mounted the gate denies: a tool marked as requiring
// approval must never run unreviewed.
func ApprovalGate(c *Coordinator, requiredTools []string, timeout time.Duration) Handler {
	required := make(map[string]struct{}, len(requiredTools))
	for _, name := range requiredTools {
		required[name] = struct{}{}
	}

	return func(ctx context.Context, event string, data map[string]any) Result {
		tool, _ := data["tool"].(string)
		if _, ok := required[tool]; !ok {
			return Continue()
		}

		approver := c.Approver()
		if approver == nil {
			return Deny(fmt.Sprintf("tool %q requires approval but no approver is available", tool))
		}

		prompt := fmt.Sprintf("The assistant wants to run *%s*. Allow it?", tool)
		choice, err := approver.RequestApproval(ctx, prompt, []string{"Allow", "Deny"}, "Deny", timeout)
		if err != nil {
			return Deny(fmt.Sprintf("approval for %q failed: %v", tool, err))
		}
		if !strings.EqualFold(choice, "Allow") {
			return Deny(fmt.Sprintf("user denied execution of %q", tool))
		}
		return Continue()
	}
}
