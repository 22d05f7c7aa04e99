package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reflexsec/reflex/pkg/actions"
	"github.com/reflexsec/reflex/pkg/detection"
	"github.com/reflexsec/reflex/pkg/governance"
	"github.com/reflexsec/reflex/pkg/schema"
)

// DefaultMaxConcurrent caps per-stage fan-out to protect the systems each
// action touches.
const DefaultMaxConcurrent = 10

// DefaultLeaseTTL is how long a drive lease lives between renewals.
const DefaultLeaseTTL = time.Minute

// Config wires the engine's collaborators. Registry and Store are required;
// everything else has a safe default.
type Config struct {
	Store    Store
	Registry *actions.Registry
	// Approvals resolves approval gates; nil denies every action that
	// requires approval.
	Approvals ApprovalResolver
	Clock     Clock
	Logger    *zap.Logger
	// MaxConcurrent caps concurrent actions within one stage.
	MaxConcurrent int
	// AuditDir, when set, receives a per-execution JSONL audit log and the
	// terminal run manifest under <AuditDir>/<executionID>/.
	AuditDir string
	// Owner identifies this engine for lease purposes.
	Owner    string
	LeaseTTL time.Duration
}

// Engine drives executions from start to terminal state. One logical owner
// drives an execution at a time, serialized by the store lease.
type Engine struct {
	cfg Config

	mu   sync.Mutex
	runs map[string]*run
}

// run is the per-execution drive state. All mutation of the execution and
// its nested collections goes through r.sync, the single-writer guard the
// lease promises.
type run struct {
	engine *Engine
	pb     *schema.Playbook
	exec   *Execution
	gov    *governance.Engine
	writer *AuditWriter

	mu        sync.Mutex
	halted    bool
	cancelled bool
	expired   bool
	cancel    context.CancelFunc
}

// NewEngine validates the config and applies defaults.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("engine config: store is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("engine config: action registry is required")
	}
	if cfg.Approvals == nil {
		cfg.Approvals = denyUngated{}
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Owner == "" {
		host, _ := os.Hostname()
		cfg.Owner = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	return &Engine{cfg: cfg, runs: make(map[string]*run)}, nil
}

// Start validates the playbook, creates the execution, and drives it to a
// terminal state. Action-level failures are absorbed into the execution's
// status and audit trail; only structural errors (invalid playbook, store or
// lease failures) are returned.
func (e *Engine) Start(ctx context.Context, pb *schema.Playbook, incident map[string]any, targetID string) (*Execution, error) {
	if err := pb.IsStartable(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlaybook, err)
	}

	risk := detection.DeriveRisk(incident, pb.Severity)
	exec := NewExecution(pb, incident, targetID, risk, e.cfg.Clock.Now())
	exec.AppendAudit(e.cfg.Clock.Now(), AuditExecutionInitiated, ActorSystem, map[string]any{
		"playbook_id": pb.ID, "playbook_version": pb.Version,
		"target_id": targetID, "risk_level": string(risk),
	})
	if err := e.cfg.Store.Save(ctx, exec); err != nil {
		return nil, fmt.Errorf("save new execution: %w", err)
	}
	if err := e.cfg.Store.AcquireLease(ctx, exec.ID, e.cfg.Owner, e.cfg.LeaseTTL); err != nil {
		return nil, err
	}
	defer e.cfg.Store.ReleaseLease(ctx, exec.ID, e.cfg.Owner)

	r, err := e.newRun(pb, exec)
	if err != nil {
		return nil, err
	}
	defer r.close()

	if err := r.drive(ctx); err != nil {
		return exec, err
	}
	return exec, nil
}

// newRun registers per-execution drive state and opens the JSONL audit log
// when an audit directory is configured.
func (e *Engine) newRun(pb *schema.Playbook, exec *Execution) (*run, error) {
	r := &run{engine: e, pb: pb, exec: exec}
	if e.cfg.AuditDir != "" {
		w, err := NewAuditWriter(filepath.Join(e.cfg.AuditDir, exec.ID, "audit.jsonl"))
		if err != nil {
			return nil, err
		}
		r.writer = w
		// Events appended before the writer existed still belong in the log.
		for _, ev := range exec.Audit {
			if err := w.Write(exec.ID, ev); err != nil {
				return nil, err
			}
		}
	}

	if pb.Governance != nil {
		g, err := governance.New(pb.Governance)
		if err != nil {
			return nil, fmt.Errorf("playbook governance: %w", err)
		}
		r.gov = g
	}
	e.mu.Lock()
	e.runs[exec.ID] = r
	e.mu.Unlock()
	return r, nil
}

func (r *run) close() {
	e := r.engine
	e.mu.Lock()
	delete(e.runs, r.exec.ID)
	e.mu.Unlock()
	if r.writer != nil {
		r.writer.Close()
	}
}

// drive walks stages ascending from the execution's current state. On a
// resumed execution, action records that already reached a terminal status
// are replayed rather than re-run.
func (r *run) drive(ctx context.Context) error {
	e := r.engine
	clock := e.cfg.Clock

	r.sync(func() {
		if r.exec.Status == ExecInitiated {
			r.transitionExec(ExecRunning)
		}
	})
	r.audit(AuditExecutionStarted, map[string]any{"owner": e.cfg.Owner})
	if err := r.persist(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	// The playbook's hard ceiling: exceeding it forces FAILED plus a
	// compensation pass.
	if maxDur := r.pb.MaxExecutionDuration(); maxDur > 0 {
		expire := clock.After(maxDur)
		watchDone := make(chan struct{})
		defer close(watchDone)
		go func() {
			select {
			case <-expire:
				r.mu.Lock()
				r.expired = true
				r.mu.Unlock()
				cancel()
			case <-watchDone:
			}
		}()
	}

	for _, stage := range r.pb.Stages() {
		if r.stopped() {
			break
		}
		if err := r.runStage(runCtx, stage); err != nil {
			return err
		}
		if err := e.cfg.Store.RenewLease(ctx, r.exec.ID, e.cfg.Owner, e.cfg.LeaseTTL); err != nil {
			return fmt.Errorf("renew lease: %w", err)
		}
	}

	return r.finalize(ctx)
}

// runStage collects the stage's eligible actions, dispatches them
// concurrently, and blocks on the barrier until every one reaches a
// terminal per-action status. Stage N+1 never begins before stage N fully
// resolves.
func (r *run) runStage(ctx context.Context, stage int) error {
	clock := r.engine.cfg.Clock
	stageStart := clock.Now()
	r.audit(AuditStageStarted, map[string]any{"stage": stage})

	type work struct {
		spec schema.ActionSpec
		rec  *ActionExecution
	}
	var pending []work

	// Eligibility is decided against a snapshot of prior results; records
	// are attached in document order so the execution reads deterministically.
	env := r.snapshotEnv()
	for _, spec := range r.pb.StageActions(stage) {
		if !spec.IsEnabled() {
			continue
		}
		rec := r.exec.FindAction(spec.ID)
		if rec == nil {
			rec = &ActionExecution{
				ActionID:       spec.ID,
				Kind:           spec.Kind,
				Stage:          stage,
				Status:         ActionPending,
				IdempotencyKey: IdempotencyKey(r.exec.ID, spec.ID),
			}
			r.sync(func() { r.exec.Actions = append(r.exec.Actions, rec) })
		}

		// A record left terminal by an earlier drive stands. A recorded
		// SUCCESS still goes through the dispatcher, which returns it
		// unchanged and marks the replay idempotent.
		if rec.Status.Terminal() {
			if rec.Status == ActionSuccess {
				pending = append(pending, work{spec, rec})
			}
			continue
		}

		ok, err := EvalPredicate(spec.Condition, env)
		if err != nil {
			r.failAction(rec, "CONDITION_ERROR", err.Error())
			continue
		}
		if !ok {
			now := clock.Now()
			r.sync(func() {
				r.transition(rec, ActionSkipped)
				rec.EndedAt = &now
			})
			r.audit(AuditActionSkipped, map[string]any{
				"action_id": spec.ID, "condition": spec.Condition,
			})
			continue
		}
		pending = append(pending, work{spec, rec})
	}

	// Fan out, capped, then barrier.
	sem := make(chan struct{}, r.engine.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	for _, w := range pending {
		wg.Add(1)
		go func(w work) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			r.dispatchAction(ctx, w.spec, w.rec)
		}(w)
	}
	wg.Wait()

	r.sync(func() { r.exec.RecountCounters() })

	result := StageResult{Stage: stage, StartedAt: stageStart, EndedAt: clock.Now()}
	r.mu.Lock()
	for _, a := range r.exec.Actions {
		if a.Stage != stage {
			continue
		}
		switch {
		case a.Status.Succeeded():
			result.Succeeded++
		case a.Status.Failed():
			result.Failed++
		case a.Status == ActionSkipped:
			result.Skipped++
		}
	}
	// Resume revisits stages: replace a prior summary rather than duplicate it.
	replaced := false
	for i := range r.exec.StageResults {
		if r.exec.StageResults[i].Stage == stage {
			r.exec.StageResults[i] = result
			replaced = true
			break
		}
	}
	if !replaced {
		r.exec.StageResults = append(r.exec.StageResults, result)
	}
	r.mu.Unlock()

	r.audit(AuditStageFinished, map[string]any{
		"stage": stage, "succeeded": result.Succeeded,
		"failed": result.Failed, "skipped": result.Skipped,
	})
	return r.persist(ctx)
}

// finalize resolves still-open actions after cancellation or expiry,
// aggregates the terminal status, runs the forced compensation pass on
// expiry, and writes the manifest.
func (r *run) finalize(ctx context.Context) error {
	clock := r.engine.cfg.Clock
	now := clock.Now()

	r.mu.Lock()
	cancelled, expired := r.cancelled, r.expired
	r.mu.Unlock()

	if cancelled || expired {
		reason := ReasonExecutionCancelled
		if expired {
			reason = ReasonExecutionTimeout
		}
		r.sync(func() {
			for _, a := range r.exec.Actions {
				if !a.Status.Terminal() {
					a.Reason = reason
					a.Status = ActionFailed
					t := now
					a.EndedAt = &t
				}
			}
			for _, req := range r.exec.Approvals {
				req.Deny(reason, now)
			}
			r.exec.RecountCounters()
		})
	}

	var final ExecutionStatus
	if cancelled || expired {
		final = ExecFailed
	} else {
		final = r.exec.AggregateStatus()
	}

	r.sync(func() {
		r.transitionExec(final)
		t := now
		r.exec.EndedAt = &t
		r.exec.RecountCounters()
	})

	kind := AuditExecutionFinished
	if cancelled {
		kind = AuditExecutionCancelled
	}
	r.audit(kind, map[string]any{
		"status":    string(final),
		"succeeded": r.exec.Counters.Succeeded,
		"failed":    r.exec.Counters.Failed,
		"skipped":   r.exec.Counters.Skipped,
		"halted":    r.halted,
	})

	// The ceiling forces compensation of everything that already applied.
	if expired {
		r.compensatePass(ctx)
	}

	if err := r.persist(ctx); err != nil {
		return err
	}
	if r.engine.cfg.AuditDir != "" {
		dir := filepath.Join(r.engine.cfg.AuditDir, r.exec.ID)
		if err := WriteManifest(r.exec, dir); err != nil {
			r.engine.cfg.Logger.Warn("write manifest", zap.String("execution_id", r.exec.ID), zap.Error(err))
		}
	}
	r.engine.cfg.Logger.Info("execution finished",
		zap.String("execution_id", r.exec.ID),
		zap.String("playbook_id", r.exec.PlaybookID),
		zap.String("status", string(final)))
	return nil
}

// compensatePass dispatches the compensation of every succeeded action that
// declares one, in reverse stage order. When every compensable success was
// undone, the execution advances to ROLLED_BACK.
func (r *run) compensatePass(ctx context.Context) {
	stages := r.pb.Stages()
	allUndone := true
	anyRun := false
	for i := len(stages) - 1; i >= 0; i-- {
		for _, spec := range r.pb.StageActions(stages[i]) {
			if spec.Compensation == nil {
				continue
			}
			rec := r.exec.FindAction(spec.ID)
			if rec == nil || rec.Status != ActionSuccess {
				continue
			}
			anyRun = true
			r.runCompensation(ctx, spec, rec)
			if rec.Status != ActionCompensated {
				allUndone = false
			}
		}
	}
	if anyRun && allUndone {
		r.sync(func() {
			r.transitionExec(ExecRolledBack)
			r.exec.RecountCounters()
		})
		r.audit(AuditExecutionRolledBack, map[string]any{"trigger": "automatic"})
	}
}

// Rollback runs the explicit full-compensation pass against a terminal
// execution, the only path that resurrects one — and only into ROLLED_BACK.
func (e *Engine) Rollback(ctx context.Context, pb *schema.Playbook, executionID string) (*Execution, error) {
	exec, err := e.cfg.Store.Load(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if !exec.Status.Terminal() {
		return nil, fmt.Errorf("execution %s is not terminal (status %s)", executionID, exec.Status)
	}
	if exec.Status == ExecRolledBack {
		return exec, nil
	}
	if err := e.cfg.Store.AcquireLease(ctx, executionID, e.cfg.Owner, e.cfg.LeaseTTL); err != nil {
		return nil, err
	}
	defer e.cfg.Store.ReleaseLease(ctx, executionID, e.cfg.Owner)

	r, err := e.newRun(pb, exec)
	if err != nil {
		return nil, err
	}
	defer r.close()

	r.compensatePass(ctx)
	if err := r.persist(ctx); err != nil {
		return nil, err
	}
	return exec, nil
}

// Cancel transitions a non-terminal execution to FAILED, best-effort-cancels
// in-flight attempts, and denies its pending approval requests. An already
// dispatched external call may still complete; its result is discarded.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	e.mu.Lock()
	r := e.runs[executionID]
	e.mu.Unlock()

	if r != nil {
		r.mu.Lock()
		r.cancelled = true
		cancel := r.cancel
		r.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	}

	// Not actively driven here: cancel the persisted record directly.
	exec, err := e.cfg.Store.Load(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return ErrExecutionTerminal
	}
	now := e.cfg.Clock.Now()
	for _, req := range exec.Approvals {
		req.Deny(ReasonExecutionCancelled, now)
	}
	for _, a := range exec.Actions {
		if !a.Status.Terminal() {
			a.Status = ActionFailed
			a.Reason = ReasonExecutionCancelled
			t := now
			a.EndedAt = &t
		}
	}
	exec.Status = ExecFailed
	t := now
	exec.EndedAt = &t
	exec.RecountCounters()
	exec.AppendAudit(now, AuditExecutionCancelled, ActorSystem, map[string]any{
		"status": string(ExecFailed),
	})
	return saveWithRetry(ctx, e.cfg.Store, exec)
}

// stopped reports whether stage advancement must end early: the halt signal
// from a failed mandatory compensation, cancellation, or the hard ceiling.
func (r *run) stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.halted || r.cancelled || r.expired
}

// sync serializes mutation of the execution aggregate.
func (r *run) sync(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
}

// transition applies an action status move. The surrounding flow only asks
// for legal moves, so a guard rejection is a state-machine bug; it is logged
// rather than dropped.
func (r *run) transition(rec *ActionExecution, to ActionStatus) {
	if err := rec.Transition(to); err != nil {
		r.engine.cfg.Logger.Error("illegal action transition",
			zap.String("execution_id", r.exec.ID),
			zap.String("action_id", rec.ActionID),
			zap.Error(err))
	}
}

// transitionExec is transition for the execution status.
func (r *run) transitionExec(to ExecutionStatus) {
	if err := r.exec.Transition(to); err != nil {
		r.engine.cfg.Logger.Error("illegal execution transition",
			zap.String("execution_id", r.exec.ID),
			zap.Error(err))
	}
}

// snapshotEnv captures the predicate environment under the guard.
func (r *run) snapshotEnv() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exec.Env()
}

// audit appends an event with actor SYSTEM, redacting detail through the
// playbook's governance rules, and mirrors it to the JSONL log.
func (r *run) audit(kind string, detail map[string]any) {
	if r.gov != nil {
		detail = r.gov.RedactMap(detail)
	}
	ev := AuditEvent{At: r.engine.cfg.Clock.Now(), Kind: kind, Actor: ActorSystem, Detail: detail}
	r.sync(func() {
		r.exec.Audit = append(r.exec.Audit, ev)
	})
	if r.writer != nil {
		if err := r.writer.Write(r.exec.ID, ev); err != nil {
			r.engine.cfg.Logger.Warn("audit write failed", zap.String("execution_id", r.exec.ID), zap.Error(err))
		}
	}
}

// publishApproval returns the hook the approval resolver uses to attach a
// new request before any vote can arrive.
func (r *run) publishApproval(rec *ActionExecution) func(*ApprovalRequest) error {
	return func(req *ApprovalRequest) error {
		r.sync(func() {
			r.exec.Approvals = append(r.exec.Approvals, req)
			rec.ApprovalRequestID = req.ID
			r.transition(rec, ActionApprovalPending)
		})
		r.audit(AuditApprovalRequested, map[string]any{
			"request_id": req.ID, "action_id": req.ActionID,
			"gate": req.GateName, "required": req.Required,
			"approvers": req.Approvers,
		})
		return r.persist(context.Background())
	}
}

// persist saves the execution, merging concurrently recorded votes.
func (r *run) persist(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return saveWithRetry(ctx, r.engine.cfg.Store, r.exec)
}
