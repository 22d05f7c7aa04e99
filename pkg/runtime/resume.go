package runtime

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/reflexsec/reflex/pkg/schema"
)

// Resume picks a persisted, non-terminal execution back up after a process
// restart and drives it to a terminal state. Already-terminal action records
// are honored as-is; an action interrupted mid-flight is re-dispatched, its
// idempotency key unchanged, so an effect that did apply is not applied
// twice by a well-behaved handler.
func (e *Engine) Resume(ctx context.Context, pb *schema.Playbook, executionID string) (*Execution, error) {
	exec, err := e.cfg.Store.Load(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrExecutionTerminal, executionID)
	}
	if exec.PlaybookID != pb.ID || exec.PlaybookVersion != pb.Version {
		return nil, fmt.Errorf("%w: execution %s pins %s v%d, got %s v%d",
			ErrInvalidPlaybook, executionID,
			exec.PlaybookID, exec.PlaybookVersion, pb.ID, pb.Version)
	}
	if err := e.cfg.Store.AcquireLease(ctx, executionID, e.cfg.Owner, e.cfg.LeaseTTL); err != nil {
		return nil, err
	}
	defer e.cfg.Store.ReleaseLease(ctx, executionID, e.cfg.Owner)

	// An attempt interrupted mid-EXECUTING left a non-terminal record; reset
	// it to PENDING so the dispatcher runs it fresh under the same key.
	// In-doubt approval waits restart from the gate's beginning.
	completed := 0
	reset := make(map[string]bool)
	for _, a := range exec.Actions {
		if a.Status.Terminal() {
			completed++
			continue
		}
		reset[a.ActionID] = true
		a.Status = ActionPending
		a.Attempts = nil
		a.Error = ""
		a.Reason = ""
	}
	// A request left open by a reset action has no waiter anymore; the fresh
	// dispatch publishes its own. Deny the orphan so it is not votable
	// forever. Requests parked open by an escalate fallback belong to
	// terminal actions and stand.
	now := e.cfg.Clock.Now()
	var superseded []string
	for _, req := range exec.Approvals {
		if req.Status.Resolved() || !reset[req.ActionID] {
			continue
		}
		req.Deny(ReasonSuperseded, now)
		superseded = append(superseded, req.ID)
	}
	exec.RecountCounters()

	r, err := e.newRun(pb, exec)
	if err != nil {
		return nil, err
	}
	defer r.close()

	r.audit(AuditExecutionResumed, map[string]any{
		"owner": e.cfg.Owner, "completed_actions": completed,
	})
	for _, id := range superseded {
		r.audit(AuditApprovalResolved, map[string]any{
			"request_id": id, "status": string(ApprovalDenied), "reason": ReasonSuperseded,
		})
	}
	e.cfg.Logger.Info("resuming execution",
		zap.String("execution_id", executionID),
		zap.Int("completed_actions", completed))

	if err := r.drive(ctx); err != nil {
		return exec, err
	}
	return exec, nil
}
