package approval

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/reflexsec/reflex/pkg/runtime"
	"github.com/reflexsec/reflex/pkg/schema"
)

// Evaluator resolves approval gates for the engine. Gate selection walks
// scoped policies by priority, then the playbook's own gates; the first
// matching gate governs the action. A gated action blocks here until quorum,
// denial, exemption, auto-approval, or the timeout fallback.
type Evaluator struct {
	policies []*schema.ApprovalPolicy
	dir      RoleDirectory
	notifier Notifier
	clock    runtime.Clock
	store    runtime.Store
	manager  *Manager
	logger   *zap.Logger
}

// Config assembles an Evaluator. Store, Directory and Manager are required;
// the rest defaults.
type Config struct {
	Policies  []*schema.ApprovalPolicy
	Directory RoleDirectory
	Notifier  Notifier
	Clock     runtime.Clock
	Store     runtime.Store
	Manager   *Manager
	Logger    *zap.Logger
}

// NewEvaluator validates the config, applies defaults, and orders policies
// by descending priority.
func NewEvaluator(cfg Config) (*Evaluator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("approval evaluator: store is required")
	}
	if cfg.Directory == nil {
		return nil, fmt.Errorf("approval evaluator: role directory is required")
	}
	if cfg.Manager == nil {
		return nil, fmt.Errorf("approval evaluator: manager is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = runtime.RealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = LogNotifier{Logger: cfg.Logger}
	}
	policies := make([]*schema.ApprovalPolicy, len(cfg.Policies))
	copy(policies, cfg.Policies)
	sort.SliceStable(policies, func(i, j int) bool {
		return policies[i].Priority > policies[j].Priority
	})
	return &Evaluator{
		policies: policies,
		dir:      cfg.Directory,
		notifier: cfg.Notifier,
		clock:    cfg.Clock,
		store:    cfg.Store,
		manager:  cfg.Manager,
		logger:   cfg.Logger,
	}, nil
}

// Resolve implements runtime.ApprovalResolver.
func (e *Evaluator) Resolve(ctx context.Context, in runtime.ApprovalInput) (runtime.ApprovalOutcome, error) {
	gate, found := e.gateFor(in)
	if !found {
		if !in.Spec.RequiresApproval {
			return runtime.ApprovalOutcome{Approved: true, Reason: "NO_GATE"}, nil
		}
		gate = implicitGate(in.Spec)
	}

	// Standing, unexpired exemptions bypass the gate entirely.
	if ex, ok := e.activeExemption(gate); ok {
		in.Audit(runtime.AuditApprovalExempted, map[string]any{
			"action_id": in.Spec.ID, "gate": gate.Name,
			"granted_by": ex.Approver, "role": ex.Role, "reason": ex.Reason,
		})
		return runtime.ApprovalOutcome{Approved: true, Reason: "EXEMPTED", GateName: gate.Name}, nil
	}

	if gate.AutoApprove != "" {
		ok, err := runtime.EvalPredicate(gate.AutoApprove, in.Env)
		if err != nil {
			return e.fallback(gate, nil, in, fmt.Sprintf("auto_approve predicate: %v", err))
		}
		if ok {
			in.Audit(runtime.AuditApprovalAutoPassed, map[string]any{
				"action_id": in.Spec.ID, "gate": gate.Name, "predicate": gate.AutoApprove,
			})
			return runtime.ApprovalOutcome{Approved: true, Reason: "AUTO_APPROVED", GateName: gate.Name}, nil
		}
	}

	approvers := resolveRoles(e.dir, gate.Roles)
	if len(approvers) == 0 {
		approvers = resolveRoles(e.dir, gate.AlternateRoles)
	}
	if len(approvers) == 0 {
		// Nobody can possibly vote; waiting would only delay the denial.
		return runtime.ApprovalOutcome{
			Approved: false,
			Reason:   runtime.ReasonNoApprovers,
			GateName: gate.Name,
		}, nil
	}

	required := gate.RequiredApprovers
	if required <= 0 {
		required = 1
	}
	// The request stays open through the whole chain: the approval window
	// plus every escalation level's delay.
	expiry := gate.ApprovalTimeoutDuration()
	for _, level := range gate.Escalation {
		expiry += level.AfterDuration()
	}
	now := e.clock.Now()
	req := runtime.NewApprovalRequest(
		in.Execution.ID, in.Spec.ID, gate.Name, required, approvers,
		now, now.Add(expiry))

	// The waiter must exist before the request is visible to voters.
	wake := e.manager.Register(req.ID)
	defer e.manager.Unregister(req.ID)
	if err := in.Publish(req); err != nil {
		return runtime.ApprovalOutcome{}, fmt.Errorf("publish approval request: %w", err)
	}
	e.notifier.ApprovalRequested(req, gate.Roles)

	return e.await(ctx, gate, req, in, wake)
}

// await blocks until the request resolves. The approval window runs first;
// when it elapses unresolved the escalation chain takes over sequentially:
// each level notifies its roles, then waits its own delay before the next.
// The fallback applies only once the final level elapses unresolved. Every
// wake re-reads the store, so votes submitted by another process are
// observed too.
func (e *Evaluator) await(ctx context.Context, gate schema.PolicyGateSpec, req *runtime.ApprovalRequest, in runtime.ApprovalInput, wake <-chan struct{}) (runtime.ApprovalOutcome, error) {
	timer := e.clock.After(gate.ApprovalTimeoutDuration())
	levelIdx := 0

	for {
		select {
		case <-wake:
			if out, done := e.refresh(ctx, req, in, gate.Name); done {
				return out, nil
			}

		case <-timer:
			if out, done := e.refresh(ctx, req, in, gate.Name); done {
				return out, nil
			}
			if levelIdx >= len(gate.Escalation) {
				cause := "approval window elapsed"
				if levelIdx > 0 {
					cause = "escalation chain elapsed"
				}
				return e.fallback(gate, req, in, cause)
			}
			level := gate.Escalation[levelIdx]
			extra := resolveRoles(e.dir, level.NotifyRoles)
			in.Sync(func() {
				req.EscalationLevel = levelIdx + 1
				for _, a := range extra {
					if !contains(req.Approvers, a) {
						req.Approvers = append(req.Approvers, a)
					}
				}
			})
			in.Audit(runtime.AuditApprovalEscalated, map[string]any{
				"request_id": req.ID, "gate": gate.Name,
				"level": levelIdx + 1, "notify_roles": level.NotifyRoles,
			})
			e.notifier.ApprovalEscalated(req, levelIdx+1, level.NotifyRoles)
			timer = e.clock.After(level.AfterDuration())
			levelIdx++
			// A vote may have landed while the level was being raised.
			if out, done := e.refresh(ctx, req, in, gate.Name); done {
				return out, nil
			}

		case <-ctx.Done():
			now := e.clock.Now()
			in.Sync(func() { req.Deny(runtime.ReasonExecutionCancelled, now) })
			return runtime.ApprovalOutcome{
				Approved: false,
				Reason:   runtime.ReasonExecutionCancelled,
				GateName: gate.Name, RequestID: req.ID,
			}, nil
		}
	}
}

// refresh pulls the latest stored copy of the request into the engine's
// in-memory one and reports whether it resolved.
func (e *Evaluator) refresh(ctx context.Context, req *runtime.ApprovalRequest, in runtime.ApprovalInput, gateName string) (runtime.ApprovalOutcome, bool) {
	latest, err := e.store.Load(ctx, in.Execution.ID)
	if err != nil {
		e.logger.Warn("approval refresh failed",
			zap.String("execution_id", in.Execution.ID),
			zap.String("request_id", req.ID),
			zap.Error(err))
		return runtime.ApprovalOutcome{}, false
	}
	stored := latest.FindApproval(req.ID)
	if stored == nil {
		return runtime.ApprovalOutcome{}, false
	}

	var resolved bool
	in.Sync(func() {
		req.Decisions = stored.Decisions
		if stored.Status.Resolved() && !req.Status.Resolved() {
			req.Status = stored.Status
			req.Reason = stored.Reason
			req.ResolvedAt = stored.ResolvedAt
		}
		resolved = req.Status.Resolved()
	})
	if !resolved {
		return runtime.ApprovalOutcome{}, false
	}

	out := runtime.ApprovalOutcome{GateName: gateName, RequestID: req.ID}
	if req.Status == runtime.ApprovalApproved {
		out.Approved = true
		out.Reason = "APPROVED"
	} else {
		out.Reason = runtime.ReasonApprovalDenied
	}
	in.Audit(runtime.AuditApprovalResolved, map[string]any{
		"request_id": req.ID, "gate": gateName,
		"status": string(req.Status), "votes": len(req.Decisions),
	})
	return out, true
}

// fallback applies the gate's on_error behavior. req is nil when the gate
// errored before a request existed.
func (e *Evaluator) fallback(gate schema.PolicyGateSpec, req *runtime.ApprovalRequest, in runtime.ApprovalInput, cause string) (runtime.ApprovalOutcome, error) {
	now := e.clock.Now()
	out := runtime.ApprovalOutcome{GateName: gate.Name}
	if req != nil {
		out.RequestID = req.ID
	}

	switch gate.OnError {
	case schema.FallbackAllow:
		if req != nil {
			in.Sync(func() {
				req.Status = runtime.ApprovalApproved
				req.Reason = "FALLBACK_ALLOW: " + cause
				t := now
				req.ResolvedAt = &t
			})
		}
		out.Approved = true
		out.Reason = "FALLBACK_ALLOW"

	case schema.FallbackEscalate:
		// The request stays open for a human; the action cannot wait and
		// resolves failed.
		out.Reason = runtime.ReasonApprovalTimeout
		out.Unresolved = true

	default: // deny
		if req != nil {
			in.Sync(func() { req.Deny(runtime.ReasonApprovalTimeout, now) })
		}
		out.Reason = runtime.ReasonApprovalDenied
	}

	in.Audit(runtime.AuditApprovalResolved, map[string]any{
		"gate": gate.Name, "fallback": gate.OnError, "cause": cause,
		"approved": out.Approved, "unresolved": out.Unresolved,
	})
	return out, nil
}

// gateFor picks the governing gate: scoped policies by descending priority
// first, then the playbook's own gates, first match wins.
func (e *Evaluator) gateFor(in runtime.ApprovalInput) (schema.PolicyGateSpec, bool) {
	for _, pol := range e.policies {
		if !scopeMatches(pol.Scope, in) {
			continue
		}
		for _, gate := range pol.Gates {
			if e.triggerMatches(gate.Trigger, in) {
				return gate, true
			}
		}
	}
	for _, gate := range in.Gates {
		if e.triggerMatches(gate.Trigger, in) {
			return gate, true
		}
	}
	return schema.PolicyGateSpec{}, false
}

func scopeMatches(s schema.PolicyScope, in runtime.ApprovalInput) bool {
	if s.PlaybookID != "" && s.PlaybookID != in.Execution.PlaybookID {
		return false
	}
	if s.RiskLevel != "" && s.RiskLevel != in.Execution.RiskLevel {
		return false
	}
	if s.ActionKind != "" && s.ActionKind != in.Spec.Kind {
		return false
	}
	return true
}

func (e *Evaluator) triggerMatches(t schema.GateTrigger, in runtime.ApprovalInput) bool {
	if len(t.RiskLevels) > 0 && !containsRisk(t.RiskLevels, in.Execution.RiskLevel) {
		return false
	}
	if len(t.ActionKinds) > 0 && !contains(t.ActionKinds, in.Spec.Kind) {
		return false
	}
	if t.Condition != "" {
		ok, err := runtime.EvalPredicate(t.Condition, in.Env)
		if err != nil {
			e.logger.Warn("gate trigger condition failed",
				zap.String("condition", t.Condition), zap.Error(err))
			return false
		}
		return ok
	}
	return true
}

// activeExemption returns the first unexpired exemption on the gate.
func (e *Evaluator) activeExemption(gate schema.PolicyGateSpec) (schema.Exemption, bool) {
	now := e.clock.Now()
	for _, ex := range gate.Exemptions {
		if ex.ExpiresAt != nil && !ex.ExpiresAt.After(now) {
			continue
		}
		return ex, true
	}
	return schema.Exemption{}, false
}

// implicitGate synthesizes a single-approver gate for an action that sets
// requires_approval without any policy gate matching it.
func implicitGate(spec schema.ActionSpec) schema.PolicyGateSpec {
	return schema.PolicyGateSpec{
		Name:              "requires_approval:" + spec.ID,
		RequiredApprovers: 1,
		Roles:             spec.ApproverRoles,
		OnError:           schema.FallbackDeny,
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsRisk(list []schema.RiskLevel, v schema.RiskLevel) bool {
	for _, r := range list {
		if r == v {
			return true
		}
	}
	return false
}
