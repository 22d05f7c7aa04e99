// Package runtime holds the execution data model and the orchestration
// engine that drives a playbook run from start to terminal state.
package runtime

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/reflexsec/reflex/pkg/schema"
)

// ActorSystem is the audit actor for every engine-initiated transition.
const ActorSystem = "SYSTEM"

// GenerateExecutionID creates an execution ID in format YYYYMMDDTHHmmss-xxxx.
func GenerateExecutionID() string {
	ts := time.Now().UTC().Format("20060102T150405")
	suffix := make([]byte, 4)
	rand.Read(suffix)
	return fmt.Sprintf("%s-%x", ts, suffix)
}

// IdempotencyKey is deterministic from (execution id, action id), so a
// re-dispatch after a crash is recognized as a duplicate and never
// re-applied.
func IdempotencyKey(executionID, actionID string) string {
	sum := sha256.Sum256([]byte(executionID + "/" + actionID))
	return hex.EncodeToString(sum[:8])
}

// AuditEvent is one entry in the append-only, insertion-ordered audit log.
// Events are never mutated or deleted.
type AuditEvent struct {
	At     time.Time      `json:"at"`
	Kind   string         `json:"kind"`
	Actor  string         `json:"actor"`
	Detail map[string]any `json:"detail,omitempty"`
}

// Attempt records one try of an action, including the backoff that preceded
// it. Attempt 1 has zero backoff.
type Attempt struct {
	Number    int       `json:"number"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	// BackoffMs is the delay waited before this attempt.
	BackoffMs int64  `json:"backoff_ms,omitempty"`
	Error     string `json:"error,omitempty"`
	// Reason distinguishes TIMEOUT from a handler failure.
	Reason string `json:"reason,omitempty"`
}

// ActionExecution is the mutable record of one action within an execution.
type ActionExecution struct {
	ActionID       string       `json:"action_id"`
	Kind           string       `json:"kind"`
	Stage          int          `json:"stage"`
	Status         ActionStatus `json:"status"`
	IdempotencyKey string       `json:"idempotency_key"`

	Attempts []Attempt      `json:"attempts,omitempty"`
	Result   map[string]any `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
	// Reason carries the machine-readable failure class
	// (APPROVAL_DENIED, TIMEOUT, ...).
	Reason string `json:"reason,omitempty"`

	// IsIdempotentRetry marks a dispatch that found an already-recorded
	// SUCCESS under the same idempotency key and did not re-invoke the
	// handler.
	IsIdempotentRetry bool `json:"is_idempotent_retry,omitempty"`

	// Compensation is the nested record of the compensating action, run
	// once after retries are exhausted. Compensation has no further
	// compensation.
	Compensation *ActionExecution `json:"compensation,omitempty"`

	ApprovalRequestID string `json:"approval_request_id,omitempty"`

	StartedAt time.Time  `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Transition advances the action status, enforcing the state machine.
func (a *ActionExecution) Transition(to ActionStatus) error {
	if !a.Status.CanTransition(to) {
		return transitionError("action", a.Status, to)
	}
	a.Status = to
	return nil
}

// Decision is one approver's vote on an approval request.
type Decision struct {
	Approver string    `json:"approver"`
	Decision string    `json:"decision"` // APPROVE or DENY
	At       time.Time `json:"at"`
	Comment  string    `json:"comment,omitempty"`
}

// Decision values.
const (
	DecisionApprove = "APPROVE"
	DecisionDeny    = "DENY"
)

// ApprovalRequest blocks an action until quorum vote, auto-approval, or an
// exemption resolves it.
type ApprovalRequest struct {
	ID          string `json:"id"`
	ExecutionID string `json:"execution_id"`
	ActionID    string `json:"action_id"`
	GateName    string `json:"gate_name"`

	Required  int            `json:"required"`
	Approvers []string       `json:"approvers,omitempty"`
	Decisions []Decision     `json:"decisions,omitempty"`
	Status    ApprovalStatus `json:"status"`
	Reason    string         `json:"reason,omitempty"`

	RequestedAt     time.Time `json:"requested_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	EscalationLevel int       `json:"escalation_level"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
}

// NewApprovalRequest creates a PENDING request for one gated action.
func NewApprovalRequest(executionID, actionID, gateName string, required int, approvers []string, requestedAt, expiresAt time.Time) *ApprovalRequest {
	return &ApprovalRequest{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		ActionID:    actionID,
		GateName:    gateName,
		Required:    required,
		Approvers:   approvers,
		Status:      ApprovalPending,
		RequestedAt: requestedAt,
		ExpiresAt:   expiresAt,
	}
}

// AddDecision appends one vote. Each approver may vote once; a repeat yields
// ErrAlreadyVoted with the gate state unaffected. A DENY resolves the request
// immediately and permanently, regardless of prior APPROVE votes; APPROVED is
// reached once distinct APPROVE votes meet the required count.
func (r *ApprovalRequest) AddDecision(approver, decision, comment string, at time.Time) error {
	if r.Status.Resolved() {
		return ErrApprovalResolved
	}
	if decision != DecisionApprove && decision != DecisionDeny {
		return fmt.Errorf("unknown decision %q", decision)
	}
	for _, d := range r.Decisions {
		if d.Approver == approver {
			return ErrAlreadyVoted
		}
	}
	r.Decisions = append(r.Decisions, Decision{
		Approver: approver,
		Decision: decision,
		At:       at,
		Comment:  comment,
	})

	if decision == DecisionDeny {
		r.resolve(ApprovalDenied, "denied by "+approver, at)
		return nil
	}
	if r.approveCount() >= r.Required {
		r.resolve(ApprovalApproved, "", at)
	}
	return nil
}

// Deny force-resolves a pending request (timeout fallback, cancellation).
func (r *ApprovalRequest) Deny(reason string, at time.Time) {
	if r.Status.Resolved() {
		return
	}
	r.resolve(ApprovalDenied, reason, at)
}

func (r *ApprovalRequest) resolve(status ApprovalStatus, reason string, at time.Time) {
	r.Status = status
	r.Reason = reason
	t := at
	r.ResolvedAt = &t
}

func (r *ApprovalRequest) approveCount() int {
	n := 0
	for _, d := range r.Decisions {
		if d.Decision == DecisionApprove {
			n++
		}
	}
	return n
}

// StageResult summarizes one stage after its barrier resolved.
type StageResult struct {
	Stage     int       `json:"stage"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// Counters aggregates per-action outcomes for the execution.
type Counters struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Execution is the mutable run-time aggregate for one playbook run against
// one incident/target. It is mutated only by the engine for the run's life
// (approval votes being the one externally entered path) and becomes
// immutable, aside from appended resolution notes, once terminal.
type Execution struct {
	ID              string          `json:"id"`
	PlaybookID      string          `json:"playbook_id"`
	PlaybookVersion int             `json:"playbook_version"`
	TargetID        string          `json:"target_id"`
	IncidentContext map[string]any  `json:"incident_context,omitempty"`
	RiskLevel       schema.RiskLevel `json:"risk_level"`

	Status       ExecutionStatus    `json:"status"`
	StageResults []StageResult      `json:"stage_results,omitempty"`
	Actions      []*ActionExecution `json:"actions,omitempty"`
	Approvals    []*ApprovalRequest `json:"approvals,omitempty"`
	Audit        []AuditEvent       `json:"audit,omitempty"`
	Counters     Counters           `json:"counters"`
	// Notes are operator annotations appended after the run resolves.
	Notes []string `json:"notes,omitempty"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// StoreVersion implements optimistic concurrency in the Store; it is
	// incremented on every successful Save.
	StoreVersion int64 `json:"store_version"`
}

// NewExecution creates an INITIATED execution pinning the playbook version.
func NewExecution(pb *schema.Playbook, incident map[string]any, targetID string, risk schema.RiskLevel, now time.Time) *Execution {
	return &Execution{
		ID:              GenerateExecutionID(),
		PlaybookID:      pb.ID,
		PlaybookVersion: pb.Version,
		TargetID:        targetID,
		IncidentContext: incident,
		RiskLevel:       risk,
		Status:          ExecInitiated,
		StartedAt:       now,
	}
}

// Transition advances the overall status, enforcing the state machine.
func (x *Execution) Transition(to ExecutionStatus) error {
	if !x.Status.CanTransition(to) {
		return transitionError("execution", x.Status, to)
	}
	x.Status = to
	return nil
}

// AppendAudit appends one event to the insertion-ordered audit log.
func (x *Execution) AppendAudit(at time.Time, kind, actor string, detail map[string]any) {
	x.Audit = append(x.Audit, AuditEvent{At: at, Kind: kind, Actor: actor, Detail: detail})
}

// FindAction returns the record for an action ID, or nil.
func (x *Execution) FindAction(actionID string) *ActionExecution {
	for _, a := range x.Actions {
		if a.ActionID == actionID {
			return a
		}
	}
	return nil
}

// FindApproval returns the approval request with the given ID, or nil.
func (x *Execution) FindApproval(requestID string) *ApprovalRequest {
	for _, r := range x.Approvals {
		if r.ID == requestID {
			return r
		}
	}
	return nil
}

// RecountCounters rebuilds the aggregate counters from the action records.
// Called after resume so a restored execution reports correct totals.
func (x *Execution) RecountCounters() {
	c := Counters{}
	for _, a := range x.Actions {
		switch {
		case a.Status.Succeeded():
			c.Succeeded++
		case a.Status.Failed():
			c.Failed++
		case a.Status == ActionSkipped:
			c.Skipped++
		}
	}
	x.Counters = c
}

// AggregateStatus computes the terminal status from per-action outcomes:
// COMPLETED when every ran action succeeded, FAILED when none succeeded
// (including the zero-actions-ran case), PARTIALLY_COMPLETED otherwise.
// Skipped actions do not count as ran.
func (x *Execution) AggregateStatus() ExecutionStatus {
	ran, succeeded := 0, 0
	for _, a := range x.Actions {
		if a.Status == ActionSkipped {
			continue
		}
		ran++
		if a.Status.Succeeded() {
			succeeded++
		}
	}
	switch {
	case ran > 0 && succeeded == ran:
		return ExecCompleted
	case succeeded == 0:
		return ExecFailed
	default:
		return ExecPartiallyCompleted
	}
}

// Env builds the read-only snapshot environment condition predicates are
// evaluated against. Prior action results are exposed by action ID.
func (x *Execution) Env() map[string]any {
	actions := make(map[string]any, len(x.Actions))
	for _, a := range x.Actions {
		actions[a.ActionID] = map[string]any{
			"status": string(a.Status),
			"result": a.Result,
			"error":  a.Error,
		}
	}
	return map[string]any{
		"incident": x.IncidentContext,
		"target":   x.TargetID,
		"risk":     string(x.RiskLevel),
		"playbook": x.PlaybookID,
		"actions":  actions,
		"counters": map[string]any{
			"succeeded": x.Counters.Succeeded,
			"failed":    x.Counters.Failed,
			"skipped":   x.Counters.Skipped,
		},
	}
}

// Manifest is the terminal execution summarized for audit hand-off,
// written as run.yaml next to the JSONL audit log.
type Manifest struct {
	ExecutionID     string          `yaml:"execution_id"     json:"execution_id"`
	PlaybookID      string          `yaml:"playbook_id"      json:"playbook_id"`
	PlaybookVersion int             `yaml:"playbook_version" json:"playbook_version"`
	TargetID        string          `yaml:"target_id"        json:"target_id"`
	RiskLevel       string          `yaml:"risk_level"       json:"risk_level"`
	Status          ExecutionStatus `yaml:"status"           json:"status"`
	StartedAt       string          `yaml:"started_at"       json:"started_at"`
	EndedAt         string          `yaml:"ended_at,omitempty" json:"ended_at,omitempty"`
	Counters        Counters        `yaml:"counters"         json:"counters"`
	AuditEvents     int             `yaml:"audit_events"     json:"audit_events"`
}

// BuildManifest produces a Manifest from the execution's current state.
func (x *Execution) BuildManifest() *Manifest {
	m := &Manifest{
		ExecutionID:     x.ID,
		PlaybookID:      x.PlaybookID,
		PlaybookVersion: x.PlaybookVersion,
		TargetID:        x.TargetID,
		RiskLevel:       string(x.RiskLevel),
		Status:          x.Status,
		StartedAt:       x.StartedAt.UTC().Format(time.RFC3339),
		Counters:        x.Counters,
		AuditEvents:     len(x.Audit),
	}
	if x.EndedAt != nil {
		m.EndedAt = x.EndedAt.UTC().Format(time.RFC3339)
	}
	return m
}
