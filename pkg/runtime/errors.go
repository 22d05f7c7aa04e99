package runtime

import "errors"

// Structural and precondition errors surfaced to callers. Action-level
// failures are absorbed into the Execution's result and audit trail instead.
var (
	// ErrInvalidPlaybook means the playbook is disabled or incomplete; the
	// execution never starts.
	ErrInvalidPlaybook = errors.New("invalid playbook")

	// ErrExecutionNotFound is returned by Store implementations for an
	// unknown execution ID.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrConcurrentModification means a Save lost an optimistic-concurrency
	// race; the caller reloads and retries the mutation.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrLeaseHeld means another owner currently drives the execution.
	ErrLeaseHeld = errors.New("execution lease held by another owner")

	// ErrExecutionTerminal guards terminal executions against mutation.
	ErrExecutionTerminal = errors.New("execution is in a terminal state")

	// ErrAlreadyVoted rejects a duplicate approval decision from the same
	// approver at the boundary; the gate state is unaffected.
	ErrAlreadyVoted = errors.New("approver has already voted")

	// ErrApprovalResolved rejects votes on a request that already reached
	// APPROVED or DENIED.
	ErrApprovalResolved = errors.New("approval request already resolved")

	// ErrApprovalNotFound is returned for an unknown approval request ID.
	ErrApprovalNotFound = errors.New("approval request not found")
)

// Failure reasons recorded on actions and approval requests.
const (
	ReasonApprovalDenied     = "APPROVAL_DENIED"
	ReasonApprovalTimeout    = "APPROVAL_TIMEOUT"
	ReasonNoApprovers        = "NO_APPROVERS_AVAILABLE"
	ReasonTimeout            = "TIMEOUT"
	ReasonExecutionCancelled = "EXECUTION_CANCELLED"
	ReasonExecutionTimeout   = "EXECUTION_TIMEOUT"
	ReasonNoHandler          = "NO_HANDLER"
	ReasonGovernanceDenied   = "GOVERNANCE_DENIED"
	ReasonSuperseded         = "SUPERSEDED_ON_RESUME"
)
