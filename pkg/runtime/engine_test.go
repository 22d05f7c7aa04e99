package runtime_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/reflexsec/reflex/pkg/actions"
	"github.com/reflexsec/reflex/pkg/runtime"
	"github.com/reflexsec/reflex/pkg/schema"
	"github.com/reflexsec/reflex/pkg/store"
)

// fakeClock fires every timer immediately and records the requested waits,
// so backoff sequences are asserted without sleeping.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	c.now = c.now.Add(d)
	at := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- at
	return ch
}

func (c *fakeClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.waits))
	copy(out, c.waits)
	return out
}

// recorder logs handler invocations in call order.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) log(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, id)
}

func (r *recorder) logged() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

func okHandler(rec *recorder, id string) actions.HandlerFunc {
	return func(ctx context.Context, params map[string]any, ec actions.Context) (map[string]any, error) {
		rec.log(id)
		return map[string]any{"did": id}, nil
	}
}

func failHandler(rec *recorder, id string) actions.HandlerFunc {
	return func(ctx context.Context, params map[string]any, ec actions.Context) (map[string]any, error) {
		rec.log(id)
		return nil, fmt.Errorf("%s: simulated failure", id)
	}
}

// failNTimes fails the first n invocations and then succeeds.
func failNTimes(rec *recorder, id string, n int) actions.HandlerFunc {
	var mu sync.Mutex
	count := 0
	return func(ctx context.Context, params map[string]any, ec actions.Context) (map[string]any, error) {
		rec.log(id)
		mu.Lock()
		count++
		attempt := count
		mu.Unlock()
		if attempt <= n {
			return nil, fmt.Errorf("%s: transient failure %d", id, attempt)
		}
		return map[string]any{"did": id, "attempt": attempt}, nil
	}
}

func testPlaybook(actionSpecs ...schema.ActionSpec) *schema.Playbook {
	return &schema.Playbook{
		APIVersion: "playbook/v1",
		ID:         "compromised-account",
		Type:       "account_compromise",
		Severity:   schema.RiskMedium,
		Enabled:    true,
		Version:    3,
		Rules:      []schema.DetectionRule{{ID: "always", Match: "true"}},
		Actions:    actionSpecs,
	}
}

func noRetry() *schema.RetryPolicy {
	return &schema.RetryPolicy{MaxRetries: 0}
}

type harness struct {
	clock *fakeClock
	store *store.Memory
	reg   *actions.Registry
	eng   *runtime.Engine
	rec   *recorder
}

func newHarness(t *testing.T, cfg runtime.Config) *harness {
	t.Helper()
	h := &harness{clock: newFakeClock(), reg: actions.NewRegistry(), rec: &recorder{}}
	h.store = store.NewMemory(h.clock)
	cfg.Store = h.store
	cfg.Registry = h.reg
	cfg.Clock = h.clock
	eng, err := runtime.NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	h.eng = eng
	return h
}

func (h *harness) start(t *testing.T, pb *schema.Playbook) *runtime.Execution {
	t.Helper()
	x, err := h.eng.Start(context.Background(), pb, map[string]any{"source_ip": "203.0.113.9"}, "user-42")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return x
}

func findAudit(x *runtime.Execution, kind string) []runtime.AuditEvent {
	var out []runtime.AuditEvent
	for _, ev := range x.Audit {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func TestExecutionCompletes(t *testing.T) {
	h := newHarness(t, runtime.Config{})
	h.reg.Register("isolate", okHandler(h.rec, "isolate"))
	h.reg.Register("notify", okHandler(h.rec, "notify"))

	pb := testPlaybook(
		schema.ActionSpec{ID: "a1", Kind: "isolate", Stage: 1},
		schema.ActionSpec{ID: "a2", Kind: "notify", Stage: 2},
	)
	x := h.start(t, pb)

	if x.Status != runtime.ExecCompleted {
		t.Fatalf("status = %s, want COMPLETED", x.Status)
	}
	if x.Counters.Succeeded != 2 || x.Counters.Failed != 0 {
		t.Errorf("counters = %+v", x.Counters)
	}
	if x.PlaybookVersion != 3 {
		t.Errorf("execution did not pin playbook version: %d", x.PlaybookVersion)
	}
	if x.EndedAt == nil {
		t.Error("terminal execution has no EndedAt")
	}
	for _, kind := range []string{
		runtime.AuditExecutionInitiated, runtime.AuditExecutionStarted,
		runtime.AuditStageStarted, runtime.AuditActionStarted,
		runtime.AuditActionFinished, runtime.AuditExecutionFinished,
	} {
		if len(findAudit(x, kind)) == 0 {
			t.Errorf("audit trail missing %q", kind)
		}
	}

	// The terminal state is what the store holds.
	stored, err := h.store.Load(context.Background(), x.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stored.Status != runtime.ExecCompleted {
		t.Errorf("stored status = %s", stored.Status)
	}
}

// TestStageBarrier verifies stage N+1 starts only after stage N fully
// resolves, and that later stages can see earlier results.
func TestStageBarrier(t *testing.T) {
	h := newHarness(t, runtime.Config{})
	h.reg.Register("slow", actions.HandlerFunc(func(ctx context.Context, params map[string]any, ec actions.Context) (map[string]any, error) {
		time.Sleep(30 * time.Millisecond)
		h.rec.log("slow")
		return map[string]any{"ok": true}, nil
	}))
	h.reg.Register("fast", okHandler(h.rec, "fast"))
	h.reg.Register("after", actions.HandlerFunc(func(ctx context.Context, params map[string]any, ec actions.Context) (map[string]any, error) {
		if _, ok := ec.Results["a-slow"]; !ok {
			return nil, fmt.Errorf("stage 1 result not visible in stage 2")
		}
		h.rec.log("after")
		return nil, nil
	}))

	pb := testPlaybook(
		schema.ActionSpec{ID: "a-slow", Kind: "slow", Stage: 1},
		schema.ActionSpec{ID: "a-fast", Kind: "fast", Stage: 1},
		schema.ActionSpec{ID: "a-after", Kind: "after", Stage: 2},
	)
	x := h.start(t, pb)

	if x.Status != runtime.ExecCompleted {
		t.Fatalf("status = %s: %+v", x.Status, x.Actions)
	}
	calls := h.rec.logged()
	if len(calls) != 3 || calls[2] != "after" {
		t.Errorf("stage 2 did not run last: %v", calls)
	}
	if len(x.StageResults) != 2 {
		t.Fatalf("stage results = %d, want 2", len(x.StageResults))
	}
	if x.StageResults[0].Stage != 1 || x.StageResults[0].Succeeded != 2 {
		t.Errorf("stage 1 summary = %+v", x.StageResults[0])
	}
}

// TestActionRecordOrder verifies records appear in document order regardless
// of concurrent completion order.
func TestActionRecordOrder(t *testing.T) {
	h := newHarness(t, runtime.Config{})
	for _, k := range []string{"k1", "k2", "k3"} {
		h.reg.Register(k, okHandler(h.rec, k))
	}
	pb := testPlaybook(
		schema.ActionSpec{ID: "first", Kind: "k1", Stage: 1},
		schema.ActionSpec{ID: "second", Kind: "k2", Stage: 1},
		schema.ActionSpec{ID: "third", Kind: "k3", Stage: 1},
	)
	x := h.start(t, pb)

	want := []string{"first", "second", "third"}
	for i, a := range x.Actions {
		if a.ActionID != want[i] {
			t.Fatalf("action order = %v", x.Actions)
		}
	}
}

func TestPartialCompletion(t *testing.T) {
	h := newHarness(t, runtime.Config{})
	h.reg.Register("good", okHandler(h.rec, "good"))
	h.reg.Register("bad", failHandler(h.rec, "bad"))

	pb := testPlaybook(
		schema.ActionSpec{ID: "a1", Kind: "good", Stage: 1},
		schema.ActionSpec{ID: "a2", Kind: "bad", Stage: 1, Retry: noRetry()},
		schema.ActionSpec{ID: "a3", Kind: "good", Stage: 2},
	)
	x := h.start(t, pb)

	if x.Status != runtime.ExecPartiallyCompleted {
		t.Fatalf("status = %s, want PARTIALLY_COMPLETED", x.Status)
	}
	// Stage failures do not block later stages.
	if got := x.FindAction("a3"); got == nil || got.Status != runtime.ActionSuccess {
		t.Errorf("stage 2 action after stage 1 failure: %+v", got)
	}
	if x.Counters.Succeeded != 2 || x.Counters.Failed != 1 {
		t.Errorf("counters = %+v", x.Counters)
	}
}

func TestAllFailedExecutionFails(t *testing.T) {
	h := newHarness(t, runtime.Config{})
	h.reg.Register("bad", failHandler(h.rec, "bad"))

	pb := testPlaybook(
		schema.ActionSpec{ID: "a1", Kind: "bad", Stage: 1, Retry: noRetry()},
		schema.ActionSpec{ID: "a2", Kind: "bad", Stage: 1, Retry: noRetry()},
	)
	x := h.start(t, pb)
	if x.Status != runtime.ExecFailed {
		t.Fatalf("status = %s, want FAILED", x.Status)
	}
}

// TestConditionSkip verifies a false condition records SKIPPED without
// invoking the handler, and skipped actions do not drag down aggregation.
func TestConditionSkip(t *testing.T) {
	h := newHarness(t, runtime.Config{})
	h.reg.Register("good", okHandler(h.rec, "good"))
	h.reg.Register("never", failHandler(h.rec, "never"))

	pb := testPlaybook(
		schema.ActionSpec{ID: "a1", Kind: "good", Stage: 1},
		schema.ActionSpec{ID: "a2", Kind: "never", Stage: 2, Condition: `risk == "critical"`},
	)
	x := h.start(t, pb)

	if x.Status != runtime.ExecCompleted {
		t.Fatalf("status = %s, want COMPLETED", x.Status)
	}
	skipped := x.FindAction("a2")
	if skipped.Status != runtime.ActionSkipped {
		t.Fatalf("a2 status = %s, want SKIPPED", skipped.Status)
	}
	for _, c := range h.rec.logged() {
		if c == "never" {
			t.Error("skipped action handler was invoked")
		}
	}
	if len(findAudit(x, runtime.AuditActionSkipped)) != 1 {
		t.Error("no action_skipped audit event")
	}
}

func TestAllSkippedFails(t *testing.T) {
	h := newHarness(t, runtime.Config{})
	h.reg.Register("never", okHandler(h.rec, "never"))
	pb := testPlaybook(
		schema.ActionSpec{ID: "a1", Kind: "never", Stage: 1, Condition: "false"},
	)
	x := h.start(t, pb)
	if x.Status != runtime.ExecFailed {
		t.Fatalf("status = %s, want FAILED when nothing ran", x.Status)
	}
}

// TestRetryBackoffSequence verifies the exponential backoff: attempt 1
// immediate, then 1s, 2s with the default policy.
func TestRetryBackoffSequence(t *testing.T) {
	h := newHarness(t, runtime.Config{})
	h.reg.Register("flaky", failNTimes(h.rec, "flaky", 2))

	pb := testPlaybook(schema.ActionSpec{ID: "a1", Kind: "flaky", Stage: 1})
	x := h.start(t, pb)

	a := x.FindAction("a1")
	if a.Status != runtime.ActionSuccess {
		t.Fatalf("status = %s, want SUCCESS after retries", a.Status)
	}
	if len(a.Attempts) != 3 {
		t.Fatalf("attempts = %d, want 3", len(a.Attempts))
	}
	wantBackoff := []int64{0, 1000, 2000}
	for i, at := range a.Attempts {
		if at.Number != i+1 {
			t.Errorf("attempt %d numbered %d", i, at.Number)
		}
		if at.BackoffMs != wantBackoff[i] {
			t.Errorf("attempt %d backoff = %dms, want %dms", i+1, at.BackoffMs, wantBackoff[i])
		}
	}
	waits := h.clock.recorded()
	if len(waits) != 2 || waits[0] != time.Second || waits[1] != 2*time.Second {
		t.Errorf("clock waits = %v, want [1s 2s]", waits)
	}
}

func TestRetriesExhausted(t *testing.T) {
	h := newHarness(t, runtime.Config{})
	h.reg.Register("bad", failHandler(h.rec, "bad"))

	pb := testPlaybook(schema.ActionSpec{
		ID: "a1", Kind: "bad", Stage: 1,
		Retry: &schema.RetryPolicy{MaxRetries: 3, Backoff: "1s", Multiplier: 2},
	})
	x := h.start(t, pb)

	a := x.FindAction("a1")
	if a.Status != runtime.ActionFailed {
		t.Fatalf("status = %s, want FAILED", a.Status)
	}
	if len(a.Attempts) != 4 {
		t.Fatalf("attempts = %d, want 4 (1 + 3 retries)", len(a.Attempts))
	}
	wantBackoff := []int64{0, 1000, 2000, 4000}
	for i, at := range a.Attempts {
		if at.BackoffMs != wantBackoff[i] {
			t.Errorf("attempt %d backoff = %dms, want %dms", i+1, at.BackoffMs, wantBackoff[i])
		}
	}
	if a.Reason != "RETRIES_EXHAUSTED" {
		t.Errorf("reason = %q", a.Reason)
	}
	if got := len(h.rec.logged()); got != 4 {
		t.Errorf("handler invoked %d times, want 4", got)
	}
}

// TestActionTimeout verifies an attempt exceeding its timeout is recorded as
// TIMEOUT and the in-flight result is discarded.
func TestActionTimeout(t *testing.T) {
	h := newHarness(t, runtime.Config{})
	h.reg.Register("hang", actions.HandlerFunc(func(ctx context.Context, params map[string]any, ec actions.Context) (map[string]any, error) {
		select {
		case <-time.After(5 * time.Second):
			return map[string]any{"late": true}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))

	pb := testPlaybook(schema.ActionSpec{
		ID: "a1", Kind: "hang", Stage: 1, Timeout: "30ms", Retry: noRetry(),
	})
	x := h.start(t, pb)

	a := x.FindAction("a1")
	if a.Status != runtime.ActionFailed {
		t.Fatalf("status = %s, want FAILED", a.Status)
	}
	if a.Reason != runtime.ReasonTimeout {
		t.Errorf("reason = %q, want TIMEOUT", a.Reason)
	}
	if len(a.Attempts) != 1 || a.Attempts[0].Reason != runtime.ReasonTimeout {
		t.Errorf("attempts = %+v", a.Attempts)
	}
	if a.Result != nil {
		t.Error("timed-out action kept a result")
	}
}

// TestCompensationAfterFailure: retries exhaust, the compensating action
// runs and succeeds, and the original action resolves COMPENSATED.
func TestCompensationAfterFailure(t *testing.T) {
	h := newHarness(t, runtime.Config{})
	h.reg.Register("bad", failHandler(h.rec, "bad"))
	h.reg.Register("undo", okHandler(h.rec, "undo"))

	pb := testPlaybook(schema.ActionSpec{
		ID: "a1", Kind: "bad", Stage: 1, Retry: noRetry(),
		Compensation: &schema.ActionSpec{ID: "a1-undo", Kind: "undo"},
	})
	x := h.start(t, pb)

	a := x.FindAction("a1")
	if a.Status != runtime.ActionCompensated {
		t.Fatalf("status = %s, want COMPENSATED", a.Status)
	}
	if a.Compensation == nil || a.Compensation.Status != runtime.ActionSuccess {
		t.Fatalf("compensation record: %+v", a.Compensation)
	}
	if x.Status != runtime.ExecFailed {
		t.Errorf("execution status = %s, want FAILED (compensated counts as failed)", x.Status)
	}
	if len(findAudit(x, runtime.AuditCompensationStarted)) != 1 ||
		len(findAudit(x, runtime.AuditCompensationResult)) != 1 {
		t.Error("compensation audit events missing")
	}
}

// TestMandatoryCompensationFailureHalts: a failed mandatory compensation
// stops stage advancement.
func TestMandatoryCompensationFailureHalts(t *testing.T) {
	h := newHarness(t, runtime.Config{})
	h.reg.Register("bad", failHandler(h.rec, "bad"))
	h.reg.Register("badundo", failHandler(h.rec, "badundo"))
	h.reg.Register("later", okHandler(h.rec, "later"))

	pb := testPlaybook(
		schema.ActionSpec{
			ID: "a1", Kind: "bad", Stage: 1, Retry: noRetry(),
			Compensation:          &schema.ActionSpec{ID: "a1-undo", Kind: "badundo", Retry: noRetry()},
			MandatoryCompensation: true,
		},
		schema.ActionSpec{ID: "a2", Kind: "later", Stage: 2},
	)
	x := h.start(t, pb)

	for _, c := range h.rec.logged() {
		if c == "later" {
			t.Error("stage 2 ran after a mandatory compensation failed")
		}
	}
	if x.FindAction("a2") != nil {
		t.Error("stage 2 action record created after halt")
	}
	if x.Status != runtime.ExecFailed {
		t.Errorf("status = %s, want FAILED", x.Status)
	}
	if len(findAudit(x, runtime.AuditCompensationFailed)) != 1 {
		t.Error("no compensation_failed audit event")
	}
}

// TestResumeSkipsCompleted: resuming re-runs only actions that had not
// reached a terminal status.
func TestResumeSkipsCompleted(t *testing.T) {
	h := newHarness(t, runtime.Config{})
	h.reg.Register("k", okHandler(h.rec, "done-before"))
	h.reg.Register("k2", okHandler(h.rec, "fresh"))

	pb := testPlaybook(
		schema.ActionSpec{ID: "a1", Kind: "k", Stage: 1},
		schema.ActionSpec{ID: "a2", Kind: "k2", Stage: 2},
	)

	// Simulate a crash after stage 1: a1 is terminal, a2 never started.
	now := h.clock.Now()
	x := runtime.NewExecution(pb, map[string]any{"source_ip": "203.0.113.9"}, "user-42", schema.RiskMedium, now)
	x.Transition(runtime.ExecRunning)
	end := now
	x.Actions = append(x.Actions, &runtime.ActionExecution{
		ActionID: "a1", Kind: "k", Stage: 1,
		Status:         runtime.ActionSuccess,
		IdempotencyKey: runtime.IdempotencyKey(x.ID, "a1"),
		Result:         map[string]any{"did": "a1"},
		StartedAt:      now, EndedAt: &end,
	})
	if err := h.store.Save(context.Background(), x); err != nil {
		t.Fatalf("seed save: %v", err)
	}

	resumed, err := h.eng.Resume(context.Background(), pb, x.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Status != runtime.ExecCompleted {
		t.Fatalf("status = %s, want COMPLETED", resumed.Status)
	}
	calls := h.rec.logged()
	if len(calls) != 1 || calls[0] != "fresh" {
		t.Errorf("handlers invoked on resume: %v, want only the interrupted action", calls)
	}
	a1 := resumed.FindAction("a1")
	if a1.Status != runtime.ActionSuccess || a1.Result["did"] != "a1" {
		t.Errorf("completed action disturbed by resume: %+v", a1)
	}
	if !a1.IsIdempotentRetry {
		t.Error("replayed completed action not marked as an idempotent retry")
	}
	if len(findAudit(resumed, runtime.AuditExecutionResumed)) != 1 {
		t.Error("no execution_resumed audit event")
	}
}

func TestResumeTerminalRejected(t *testing.T) {
	h := newHarness(t, runtime.Config{})
	h.reg.Register("k", okHandler(h.rec, "k"))
	pb := testPlaybook(schema.ActionSpec{ID: "a1", Kind: "k", Stage: 1})
	x := h.start(t, pb)

	if _, err := h.eng.Resume(context.Background(), pb, x.ID); !errors.Is(err, runtime.ErrExecutionTerminal) {
		t.Fatalf("resume of terminal execution: err = %v, want ErrExecutionTerminal", err)
	}
}

// TestResumeSupersedesStaleApproval: a crash mid-approval leaves a PENDING
// request nobody is waiting on. Resume denies it before re-dispatching the
// action, so the old request is never votable again and the fresh dispatch
// decides the gate on its own.
func TestResumeSupersedesStaleApproval(t *testing.T) {
	h := newHarness(t, runtime.Config{})
	h.reg.Register("danger", okHandler(h.rec, "danger"))

	pb := testPlaybook(schema.ActionSpec{
		ID: "a1", Kind: "danger", Stage: 1, RequiresApproval: true,
	})

	// Crash while a1 waited on its gate.
	now := h.clock.Now()
	x := runtime.NewExecution(pb, map[string]any{"source_ip": "203.0.113.9"}, "user-42", schema.RiskMedium, now)
	x.Transition(runtime.ExecRunning)
	stale := runtime.NewApprovalRequest(
		x.ID, "a1", "requires_approval:a1", 1, []string{"alice"}, now, now.Add(15*time.Minute))
	x.Actions = append(x.Actions, &runtime.ActionExecution{
		ActionID: "a1", Kind: "danger", Stage: 1,
		Status:            runtime.ActionApprovalPending,
		IdempotencyKey:    runtime.IdempotencyKey(x.ID, "a1"),
		ApprovalRequestID: stale.ID,
	})
	x.Approvals = append(x.Approvals, stale)
	if err := h.store.Save(context.Background(), x); err != nil {
		t.Fatalf("seed save: %v", err)
	}

	resumed, err := h.eng.Resume(context.Background(), pb, x.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}

	old := resumed.FindApproval(stale.ID)
	if old.Status != runtime.ApprovalDenied || old.Reason != runtime.ReasonSuperseded {
		t.Fatalf("stale request after resume: status=%s reason=%q", old.Status, old.Reason)
	}
	// The re-dispatched gate decided fresh: no resolver means nobody votes.
	a1 := resumed.FindAction("a1")
	if a1.Status != runtime.ActionFailed || a1.Reason != runtime.ReasonNoApprovers {
		t.Errorf("resumed gated action: status=%s reason=%q", a1.Status, a1.Reason)
	}
	denials := 0
	for _, ev := range findAudit(resumed, runtime.AuditApprovalResolved) {
		if ev.Detail["reason"] == runtime.ReasonSuperseded {
			denials++
		}
	}
	if denials != 1 {
		t.Errorf("superseded approval_resolved audit events = %d, want 1", denials)
	}
}

// TestCancelPersisted cancels an execution no process is driving: it fails
// and its pending approvals are denied.
func TestCancelPersisted(t *testing.T) {
	h := newHarness(t, runtime.Config{})
	pb := testPlaybook(schema.ActionSpec{ID: "a1", Kind: "k", Stage: 1})

	now := h.clock.Now()
	x := runtime.NewExecution(pb, nil, "user-42", schema.RiskHigh, now)
	x.Transition(runtime.ExecRunning)
	x.Actions = append(x.Actions, &runtime.ActionExecution{
		ActionID: "a1", Kind: "k", Stage: 1, Status: runtime.ActionApprovalPending,
	})
	x.Approvals = append(x.Approvals, runtime.NewApprovalRequest(
		x.ID, "a1", "high-risk", 2, []string{"alice"}, now, now.Add(15*time.Minute)))
	if err := h.store.Save(context.Background(), x); err != nil {
		t.Fatalf("seed save: %v", err)
	}

	if err := h.eng.Cancel(context.Background(), x.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	stored, _ := h.store.Load(context.Background(), x.ID)
	if stored.Status != runtime.ExecFailed {
		t.Fatalf("status = %s, want FAILED", stored.Status)
	}
	if stored.Approvals[0].Status != runtime.ApprovalDenied ||
		stored.Approvals[0].Reason != runtime.ReasonExecutionCancelled {
		t.Errorf("approval after cancel: %+v", stored.Approvals[0])
	}
	if stored.Actions[0].Status != runtime.ActionFailed ||
		stored.Actions[0].Reason != runtime.ReasonExecutionCancelled {
		t.Errorf("action after cancel: %+v", stored.Actions[0])
	}

	if err := h.eng.Cancel(context.Background(), x.ID); !errors.Is(err, runtime.ErrExecutionTerminal) {
		t.Errorf("second cancel: err = %v, want ErrExecutionTerminal", err)
	}
}

// TestApprovalRequiredDefaultDeny: with no resolver configured, a gated
// action is denied because nobody can vote, and the handler never runs.
func TestApprovalRequiredDefaultDeny(t *testing.T) {
	h := newHarness(t, runtime.Config{})
	h.reg.Register("danger", okHandler(h.rec, "danger"))

	pb := testPlaybook(schema.ActionSpec{
		ID: "a1", Kind: "danger", Stage: 1, RequiresApproval: true,
	})
	x := h.start(t, pb)

	a := x.FindAction("a1")
	if a.Status != runtime.ActionFailed || a.Reason != runtime.ReasonNoApprovers {
		t.Fatalf("gated action: status=%s reason=%q", a.Status, a.Reason)
	}
	if len(h.rec.logged()) != 0 {
		t.Error("handler ran without approval")
	}
}

func TestGovernanceDeniedKind(t *testing.T) {
	h := newHarness(t, runtime.Config{})
	h.reg.Register("wipe", okHandler(h.rec, "wipe"))

	pb := testPlaybook(schema.ActionSpec{ID: "a1", Kind: "wipe", Stage: 1})
	pb.Governance = &schema.GovernancePolicy{DeniedKinds: []string{"wipe"}}
	x := h.start(t, pb)

	a := x.FindAction("a1")
	if a.Status != runtime.ActionFailed || a.Reason != runtime.ReasonGovernanceDenied {
		t.Fatalf("denied kind: status=%s reason=%q", a.Status, a.Reason)
	}
	if len(h.rec.logged()) != 0 {
		t.Error("handler ran for a governance-denied kind")
	}
}

func TestMissingHandler(t *testing.T) {
	h := newHarness(t, runtime.Config{})
	pb := testPlaybook(schema.ActionSpec{ID: "a1", Kind: "unregistered", Stage: 1, Retry: noRetry()})
	x := h.start(t, pb)

	a := x.FindAction("a1")
	if a.Status != runtime.ActionFailed || a.Reason != runtime.ReasonNoHandler {
		t.Fatalf("missing handler: status=%s reason=%q", a.Status, a.Reason)
	}
}

// TestRollbackReverseOrder compensates applied actions newest stage first
// and lands the execution in ROLLED_BACK.
func TestRollbackReverseOrder(t *testing.T) {
	h := newHarness(t, runtime.Config{})
	h.reg.Register("k1", okHandler(h.rec, "k1"))
	h.reg.Register("k2", okHandler(h.rec, "k2"))
	h.reg.Register("u1", okHandler(h.rec, "undo-1"))
	h.reg.Register("u2", okHandler(h.rec, "undo-2"))

	pb := testPlaybook(
		schema.ActionSpec{ID: "a1", Kind: "k1", Stage: 1,
			Compensation: &schema.ActionSpec{ID: "a1-undo", Kind: "u1"}},
		schema.ActionSpec{ID: "a2", Kind: "k2", Stage: 2,
			Compensation: &schema.ActionSpec{ID: "a2-undo", Kind: "u2"}},
	)
	x := h.start(t, pb)
	if x.Status != runtime.ExecCompleted {
		t.Fatalf("run status = %s", x.Status)
	}

	rolled, err := h.eng.Rollback(context.Background(), pb, x.ID)
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if rolled.Status != runtime.ExecRolledBack {
		t.Fatalf("status = %s, want ROLLED_BACK", rolled.Status)
	}
	for _, id := range []string{"a1", "a2"} {
		a := rolled.FindAction(id)
		if a.Status != runtime.ActionCompensated {
			t.Errorf("%s status = %s, want COMPENSATED", id, a.Status)
		}
	}

	calls := h.rec.logged()
	if len(calls) != 4 || calls[2] != "undo-2" || calls[3] != "undo-1" {
		t.Errorf("compensation order = %v, want stage 2 undone before stage 1", calls)
	}

	// Idempotent: rolling back again is a no-op.
	again, err := h.eng.Rollback(context.Background(), pb, x.ID)
	if err != nil || again.Status != runtime.ExecRolledBack {
		t.Errorf("second rollback: status=%s err=%v", again.Status, err)
	}
}

func TestInvalidPlaybookRejected(t *testing.T) {
	h := newHarness(t, runtime.Config{})
	pb := testPlaybook(schema.ActionSpec{ID: "a1", Kind: "k", Stage: 1})
	pb.Enabled = false
	if _, err := h.eng.Start(context.Background(), pb, nil, "t"); !errors.Is(err, runtime.ErrInvalidPlaybook) {
		t.Fatalf("disabled playbook: err = %v, want ErrInvalidPlaybook", err)
	}
}

// TestAuditArtifacts verifies the JSONL audit log and run manifest land on
// disk when an audit directory is configured.
func TestAuditArtifacts(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, runtime.Config{AuditDir: dir})
	h.reg.Register("k", okHandler(h.rec, "k"))

	pb := testPlaybook(schema.ActionSpec{ID: "a1", Kind: "k", Stage: 1})
	x := h.start(t, pb)

	logPath := filepath.Join(dir, x.ID, "audit.jsonl")
	blob, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	var first struct {
		ExecutionID string `json:"execution_id"`
		Event       struct {
			Kind string `json:"kind"`
		} `json:"event"`
	}
	line := blob[:indexByte(blob, '\n')]
	if err := json.Unmarshal(line, &first); err != nil {
		t.Fatalf("parse first audit line: %v", err)
	}
	if first.ExecutionID != x.ID || first.Event.Kind != runtime.AuditExecutionInitiated {
		t.Errorf("first audit record = %+v", first)
	}

	if _, err := os.Stat(filepath.Join(dir, x.ID, "run.yaml")); err != nil {
		t.Errorf("run manifest not written: %v", err)
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return len(b)
}
