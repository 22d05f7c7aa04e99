package runtime

import (
	"context"

	"github.com/reflexsec/reflex/pkg/schema"
)

// ApprovalOutcome is the resolution of the gate check for one action.
type ApprovalOutcome struct {
	Approved bool
	// Reason is the machine-readable resolution class: APPROVAL_DENIED,
	// NO_APPROVERS_AVAILABLE, APPROVAL_TIMEOUT, or a pass reason.
	Reason   string
	GateName string
	// RequestID is set when an ApprovalRequest was created for this action.
	RequestID string
	// Unresolved marks the escalate fallback: the request stays PENDING for
	// a human, but the action cannot wait forever and resolves failed.
	Unresolved bool
}

// ApprovalInput hands the resolver everything it needs without giving it
// the engine's internals. Publish attaches a new request to the execution
// under the engine's mutation guard and persists it before any vote can
// arrive; Sync runs a closure under the same guard for later mutation of
// the published request; Audit appends to the execution's audit trail.
type ApprovalInput struct {
	Execution *Execution
	Spec      schema.ActionSpec
	// Gates are the playbook's own gate definitions, consulted after any
	// matching policy-defined gate.
	Gates []schema.PolicyGateSpec
	Env   map[string]any

	Publish func(req *ApprovalRequest) error
	Sync    func(fn func())
	Audit   func(kind string, detail map[string]any)
}

// ApprovalResolver evaluates approval gates for one action and blocks until
// the gate resolves (vote quorum, denial, auto-approval, exemption, timeout
// fallback). The engine never enters EXECUTING for a gated action before the
// resolver returns an approved outcome.
type ApprovalResolver interface {
	Resolve(ctx context.Context, in ApprovalInput) (ApprovalOutcome, error)
}

// denyUngated is the resolver used when none is configured: actions that
// do not require approval pass, actions that do are denied because nobody
// can possibly vote.
type denyUngated struct{}

func (denyUngated) Resolve(_ context.Context, in ApprovalInput) (ApprovalOutcome, error) {
	if in.Spec.RequiresApproval {
		return ApprovalOutcome{Approved: false, Reason: ReasonNoApprovers}, nil
	}
	return ApprovalOutcome{Approved: true, Reason: "NO_GATE"}, nil
}
