package runtime

import "fmt"

// ExecutionStatus is the overall status of one execution. Transitions are
// one-directional; a terminal execution is never resurrected outside the
// explicit compensation path to ROLLED_BACK.
type ExecutionStatus string

const (
	ExecInitiated          ExecutionStatus = "INITIATED"
	ExecRunning            ExecutionStatus = "RUNNING"
	ExecCompleted          ExecutionStatus = "COMPLETED"
	ExecPartiallyCompleted ExecutionStatus = "PARTIALLY_COMPLETED"
	ExecFailed             ExecutionStatus = "FAILED"
	ExecRolledBack         ExecutionStatus = "ROLLED_BACK"
)

// Terminal reports whether no further forward transition exists. ROLLED_BACK
// is reachable from the other terminal states via the compensation pass only.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecCompleted, ExecPartiallyCompleted, ExecFailed, ExecRolledBack:
		return true
	}
	return false
}

var execTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecInitiated: {ExecRunning, ExecFailed},
	ExecRunning:   {ExecCompleted, ExecPartiallyCompleted, ExecFailed},
	// Terminal states may advance only through the compensation pass.
	ExecCompleted:          {ExecRolledBack},
	ExecPartiallyCompleted: {ExecRolledBack},
	ExecFailed:             {ExecRolledBack},
	ExecRolledBack:         nil,
}

// CanTransition reports whether from → to is a legal execution transition.
func (s ExecutionStatus) CanTransition(to ExecutionStatus) bool {
	for _, next := range execTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ActionStatus is the per-action lifecycle:
// PENDING → [APPROVAL_PENDING] → EXECUTING → {SUCCESS | FAILED}
// → [COMPENSATING → COMPENSATED | FAILED] | SKIPPED.
type ActionStatus string

const (
	ActionPending         ActionStatus = "PENDING"
	ActionApprovalPending ActionStatus = "APPROVAL_PENDING"
	ActionExecuting       ActionStatus = "EXECUTING"
	ActionSuccess         ActionStatus = "SUCCESS"
	ActionFailed          ActionStatus = "FAILED"
	ActionSkipped         ActionStatus = "SKIPPED"
	ActionCompensating    ActionStatus = "COMPENSATING"
	ActionCompensated     ActionStatus = "COMPENSATED"
)

// Terminal reports whether the action has fully resolved for stage-barrier
// purposes. COMPENSATING is transient: the dispatcher always resolves it to
// COMPENSATED or FAILED before returning.
func (s ActionStatus) Terminal() bool {
	switch s {
	case ActionSuccess, ActionFailed, ActionSkipped, ActionCompensated:
		return true
	}
	return false
}

// Succeeded reports whether the action's primary effect was applied.
// A COMPENSATED action failed and was undone; it never counts as success.
func (s ActionStatus) Succeeded() bool { return s == ActionSuccess }

// Failed reports whether the primary effect failed, compensated or not.
func (s ActionStatus) Failed() bool {
	return s == ActionFailed || s == ActionCompensated
}

var actionTransitions = map[ActionStatus][]ActionStatus{
	ActionPending:         {ActionApprovalPending, ActionExecuting, ActionFailed, ActionSkipped},
	ActionApprovalPending: {ActionExecuting, ActionFailed},
	ActionExecuting:       {ActionSuccess, ActionFailed},
	ActionSuccess:         {ActionCompensating},
	ActionFailed:          {ActionCompensating},
	ActionCompensating:    {ActionCompensated, ActionFailed},
}

// CanTransition reports whether from → to is a legal action transition.
func (s ActionStatus) CanTransition(to ActionStatus) bool {
	for _, next := range actionTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ApprovalStatus is the approval request lifecycle: PENDING (with escalation
// sub-levels) → {APPROVED | DENIED}.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalDenied   ApprovalStatus = "DENIED"
)

// Resolved reports whether the request reached a terminal decision.
func (s ApprovalStatus) Resolved() bool { return s == ApprovalApproved || s == ApprovalDenied }

// transitionError builds a uniform illegal-transition error.
func transitionError(entity string, from, to fmt.Stringer) error {
	return fmt.Errorf("illegal %s transition %s → %s", entity, from, to)
}

func (s ExecutionStatus) String() string { return string(s) }
func (s ActionStatus) String() string    { return string(s) }
func (s ApprovalStatus) String() string  { return string(s) }
