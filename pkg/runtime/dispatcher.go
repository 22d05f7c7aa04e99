package runtime

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/reflexsec/reflex/pkg/actions"
	"github.com/reflexsec/reflex/pkg/schema"
)

// dispatchAction runs one action through the full dispatcher pipeline:
// idempotency short-circuit, governance, approval gate, bounded retry with
// backoff, and compensation after exhausted retries. The record must already
// be attached to the execution; all mutation happens under the run's guard.
func (r *run) dispatchAction(ctx context.Context, spec schema.ActionSpec, rec *ActionExecution) {
	// Idempotency: a recorded SUCCESS under the same key is returned
	// unchanged; the handler is never re-invoked.
	r.mu.Lock()
	if rec.Status == ActionSuccess {
		rec.IsIdempotentRetry = true
		r.mu.Unlock()
		r.audit(AuditActionFinished, map[string]any{
			"action_id": rec.ActionID, "status": string(rec.Status), "idempotent_retry": true,
		})
		return
	}
	rec.StartedAt = r.engine.cfg.Clock.Now()
	r.mu.Unlock()

	r.audit(AuditActionStarted, map[string]any{
		"action_id": spec.ID, "kind": spec.Kind, "stage": spec.Stage,
	})

	if r.gov != nil {
		if err := r.gov.CheckKind(spec.Kind); err != nil {
			r.failAction(rec, ReasonGovernanceDenied, err.Error())
			return
		}
	}

	outcome, err := r.engine.cfg.Approvals.Resolve(ctx, ApprovalInput{
		Execution: r.exec,
		Spec:      spec,
		Gates:     r.pb.Gates,
		Env:       r.snapshotEnv(),
		Publish:   r.publishApproval(rec),
		Sync:      r.sync,
		Audit: func(kind string, detail map[string]any) {
			r.audit(kind, detail)
		},
	})
	if err != nil {
		r.failAction(rec, ReasonApprovalDenied, fmt.Sprintf("approval evaluation: %v", err))
		return
	}
	if !outcome.Approved {
		reason := outcome.Reason
		if reason == "" {
			reason = ReasonApprovalDenied
		}
		r.failAction(rec, reason, fmt.Sprintf("approval gate %q did not pass", outcome.GateName))
		return
	}

	r.sync(func() {
		// PENDING or APPROVAL_PENDING, depending on whether a request was
		// published.
		r.transition(rec, ActionExecuting)
	})

	result, attemptErr := r.executeWithRetry(ctx, spec, rec)

	now := r.engine.cfg.Clock.Now()
	if attemptErr == nil {
		r.sync(func() {
			rec.Result = result
			r.transition(rec, ActionSuccess)
			rec.EndedAt = &now
		})
		r.audit(AuditActionFinished, map[string]any{
			"action_id": spec.ID, "status": string(ActionSuccess), "attempts": len(rec.Attempts),
		})
		return
	}

	r.sync(func() {
		rec.Error = attemptErr.Error()
		r.transition(rec, ActionFailed)
		rec.EndedAt = &now
	})
	r.audit(AuditActionFinished, map[string]any{
		"action_id": spec.ID, "status": string(ActionFailed),
		"attempts": len(rec.Attempts), "error": attemptErr.Error(),
	})

	if spec.Compensation != nil {
		r.runCompensation(ctx, spec, rec)
	}
}

// executeWithRetry runs the bounded retry loop. Attempt 1 is immediate;
// attempt k waits backoff * multiplier^(k-2). Each attempt is individually
// recorded and bounded by the action's timeout; exceeding it is a failed
// attempt with reason TIMEOUT. Handler errors are opaque here.
func (r *run) executeWithRetry(ctx context.Context, spec schema.ActionSpec, rec *ActionExecution) (map[string]any, error) {
	handler, err := r.engine.cfg.Registry.Get(spec.Kind)
	if err != nil {
		r.sync(func() { rec.Reason = ReasonNoHandler })
		return nil, err
	}

	rp := spec.RetryOrDefault()
	maxAttempts := rp.MaxRetries + 1
	backoff := rp.BackoffDuration()
	timeout := spec.TimeoutDuration()
	clock := r.engine.cfg.Clock

	var lastErr error
	var lastTimedOut bool
	for attemptNo := 1; attemptNo <= maxAttempts; attemptNo++ {
		var delay time.Duration
		if attemptNo > 1 {
			delay = backoff
			for i := 2; i < attemptNo; i++ {
				delay = time.Duration(float64(delay) * rp.Multiplier)
			}
			select {
			case <-clock.After(delay):
			case <-ctx.Done():
				r.recordAttempt(rec, attemptNo, delay, ctx.Err().Error(), ReasonExecutionCancelled)
				return nil, ctx.Err()
			}
		}

		started := clock.Now()
		result, attemptErr, timedOut := r.runAttempt(ctx, handler, spec, timeout)

		attempt := Attempt{
			Number:    attemptNo,
			StartedAt: started,
			EndedAt:   clock.Now(),
			BackoffMs: delay.Milliseconds(),
		}
		if timedOut {
			attempt.Error = fmt.Sprintf("attempt exceeded timeout %s", timeout)
			attempt.Reason = ReasonTimeout
		} else if attemptErr != nil {
			attempt.Error = attemptErr.Error()
		}
		r.sync(func() { rec.Attempts = append(rec.Attempts, attempt) })
		r.audit(AuditActionAttempt, map[string]any{
			"action_id": spec.ID, "attempt": attemptNo,
			"backoff_ms": delay.Milliseconds(), "error": attempt.Error,
		})

		if attempt.Error == "" {
			return result, nil
		}
		lastTimedOut = timedOut
		if timedOut {
			lastErr = fmt.Errorf("%s: %s", ReasonTimeout, attempt.Error)
		} else {
			lastErr = attemptErr
		}
		if ctx.Err() != nil {
			return nil, lastErr
		}
	}
	r.sync(func() {
		if rec.Reason == "" {
			if lastTimedOut {
				rec.Reason = ReasonTimeout
			} else {
				rec.Reason = "RETRIES_EXHAUSTED"
			}
		}
	})
	return nil, lastErr
}

// recordAttempt appends an attempt entry that never reached the handler
// (cancellation while waiting out a backoff).
func (r *run) recordAttempt(rec *ActionExecution, number int, delay time.Duration, errMsg, reason string) {
	now := r.engine.cfg.Clock.Now()
	r.sync(func() {
		rec.Attempts = append(rec.Attempts, Attempt{
			Number:    number,
			StartedAt: now,
			EndedAt:   now,
			BackoffMs: delay.Milliseconds(),
			Error:     errMsg,
			Reason:    reason,
		})
	})
}

// runAttempt invokes the handler for one attempt, bounding it by the
// action's timeout. A dispatched handler may still complete after the
// deadline; its result is discarded and the attempt recorded as TIMEOUT.
func (r *run) runAttempt(ctx context.Context, handler actions.Handler, spec schema.ActionSpec, timeout time.Duration) (map[string]any, error, bool) {
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type handlerReturn struct {
		result map[string]any
		err    error
	}
	done := make(chan handlerReturn, 1)
	go func() {
		res, err := handler.Execute(attemptCtx, spec.Params, r.handlerContext())
		done <- handlerReturn{res, err}
	}()

	select {
	case ret := <-done:
		return ret.result, ret.err, false
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			// Cancellation of the whole run, not an attempt timeout.
			return nil, ctx.Err(), false
		}
		return nil, attemptCtx.Err(), true
	}
}

// runCompensation dispatches the compensating action once through the same
// wrapper. Compensation has no further compensation; its outcome is recorded
// separately from the original action's status. A failed mandatory
// compensation raises the halt signal.
func (r *run) runCompensation(ctx context.Context, spec schema.ActionSpec, rec *ActionExecution) {
	comp := *spec.Compensation
	compRec := &ActionExecution{
		ActionID:       comp.ID,
		Kind:           comp.Kind,
		Stage:          spec.Stage,
		Status:         ActionPending,
		IdempotencyKey: IdempotencyKey(r.exec.ID, comp.ID),
		StartedAt:      r.engine.cfg.Clock.Now(),
	}
	r.sync(func() {
		rec.Compensation = compRec
		r.transition(rec, ActionCompensating)
	})
	r.audit(AuditCompensationStarted, map[string]any{
		"action_id": spec.ID, "compensation_id": comp.ID, "kind": comp.Kind,
	})

	r.sync(func() { r.transition(compRec, ActionExecuting) })
	result, err := r.executeCompensation(ctx, comp, compRec)

	now := r.engine.cfg.Clock.Now()
	if err == nil {
		r.sync(func() {
			compRec.Result = result
			r.transition(compRec, ActionSuccess)
			compRec.EndedAt = &now
			r.transition(rec, ActionCompensated)
		})
		r.audit(AuditCompensationResult, map[string]any{
			"action_id": spec.ID, "compensation_id": comp.ID, "status": string(ActionSuccess),
		})
		return
	}

	r.sync(func() {
		compRec.Error = err.Error()
		r.transition(compRec, ActionFailed)
		compRec.EndedAt = &now
		// COMPENSATING → FAILED: the primary failure stands, un-undone.
		r.transition(rec, ActionFailed)
	})
	// A failed compensation is an execution-level warning requiring human
	// follow-up; it is audited, never silently dropped, and not retried
	// further.
	r.audit(AuditCompensationFailed, map[string]any{
		"action_id": spec.ID, "compensation_id": comp.ID, "error": err.Error(),
	})
	r.engine.cfg.Logger.Warn("compensation failed",
		zap.String("execution_id", r.exec.ID),
		zap.String("action_id", spec.ID),
		zap.String("compensation_id", comp.ID),
		zap.Error(err))

	if spec.MandatoryCompensation {
		r.sync(func() { r.halted = true })
	}
}

// executeCompensation runs the compensation's retry loop against its own
// nested record.
func (r *run) executeCompensation(ctx context.Context, comp schema.ActionSpec, compRec *ActionExecution) (map[string]any, error) {
	return r.executeWithRetry(ctx, comp, compRec)
}

// failAction resolves an action FAILED without any attempt (approval denial,
// governance denial, missing handler).
func (r *run) failAction(rec *ActionExecution, reason, msg string) {
	now := r.engine.cfg.Clock.Now()
	r.sync(func() {
		rec.Reason = reason
		rec.Error = msg
		r.transition(rec, ActionFailed)
		rec.EndedAt = &now
	})
	r.audit(AuditActionFinished, map[string]any{
		"action_id": rec.ActionID, "status": string(ActionFailed), "reason": reason, "error": msg,
	})
}

// handlerContext builds the read-only view handlers receive.
func (r *run) handlerContext() actions.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	results := make(map[string]actions.Result)
	for _, a := range r.exec.Actions {
		if a.Status.Terminal() {
			results[a.ActionID] = actions.Result{
				Status: string(a.Status),
				Output: a.Result,
				Error:  a.Error,
			}
		}
	}
	return actions.Context{
		ExecutionID: r.exec.ID,
		PlaybookID:  r.exec.PlaybookID,
		TargetID:    r.exec.TargetID,
		RiskLevel:   string(r.exec.RiskLevel),
		Incident:    r.exec.IncidentContext,
		Results:     results,
	}
}
