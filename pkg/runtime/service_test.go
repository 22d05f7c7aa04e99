package runtime_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/reflexsec/reflex/pkg/runtime"
	"github.com/reflexsec/reflex/pkg/schema"
)

func newService(t *testing.T, h *harness) *runtime.Service {
	t.Helper()
	return runtime.NewService(h.eng, nil)
}

func TestServiceTriggerByID(t *testing.T) {
	h := newHarness(t, runtime.Config{})
	h.reg.Register("k", okHandler(h.rec, "k"))
	svc := newService(t, h)

	pb := testPlaybook(schema.ActionSpec{ID: "a1", Kind: "k", Stage: 1})
	if err := svc.RegisterPlaybook(pb); err != nil {
		t.Fatalf("RegisterPlaybook: %v", err)
	}

	x, err := svc.TriggerExecution(context.Background(), pb.ID, map[string]any{"k": "v"}, "host-1")
	if err != nil {
		t.Fatalf("TriggerExecution: %v", err)
	}
	if x.Status != runtime.ExecCompleted {
		t.Fatalf("status = %s", x.Status)
	}

	if _, err := svc.TriggerExecution(context.Background(), "no-such", nil, "t"); err == nil {
		t.Error("unregistered playbook accepted")
	}
}

func TestServiceTriggerMatching(t *testing.T) {
	h := newHarness(t, runtime.Config{})
	h.reg.Register("k", okHandler(h.rec, "k"))
	svc := newService(t, h)

	phish := testPlaybook(schema.ActionSpec{ID: "a1", Kind: "k", Stage: 1})
	phish.ID = "phishing"
	phish.Rules = []schema.DetectionRule{{ID: "r", Match: `incident.kind == "phishing"`, Weight: 2}}
	malware := testPlaybook(schema.ActionSpec{ID: "a1", Kind: "k", Stage: 1})
	malware.ID = "malware"
	malware.Rules = []schema.DetectionRule{{ID: "r", Match: `incident.kind == "malware"`}}
	for _, pb := range []*schema.Playbook{phish, malware} {
		if err := svc.RegisterPlaybook(pb); err != nil {
			t.Fatalf("register %s: %v", pb.ID, err)
		}
	}

	x, err := svc.TriggerMatching(context.Background(), map[string]any{"kind": "malware"}, "host-1")
	if err != nil {
		t.Fatalf("TriggerMatching: %v", err)
	}
	if x == nil || x.PlaybookID != "malware" {
		t.Fatalf("matched wrong playbook: %+v", x)
	}

	// An incident matching nothing triggers nothing.
	x, err = svc.TriggerMatching(context.Background(), map[string]any{"kind": "bgp_hijack"}, "host-1")
	if err != nil {
		t.Fatalf("TriggerMatching no match: %v", err)
	}
	if x != nil {
		t.Errorf("unmatched incident triggered %s", x.PlaybookID)
	}
}

func TestServiceSubmitApprovalDecision(t *testing.T) {
	h := newHarness(t, runtime.Config{})
	svc := newService(t, h)

	pb := testPlaybook(schema.ActionSpec{ID: "a1", Kind: "k", Stage: 1})
	now := h.clock.Now()
	x := runtime.NewExecution(pb, nil, "t", schema.RiskHigh, now)
	x.Transition(runtime.ExecRunning)
	req := runtime.NewApprovalRequest(x.ID, "a1", "high-risk", 2, []string{"alice", "bob"}, now, now.Add(15*time.Minute))
	x.Approvals = append(x.Approvals, req)
	if err := h.store.Save(context.Background(), x); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ctx := context.Background()
	if err := svc.SubmitApprovalDecision(ctx, x.ID, req.ID, "alice", "APPROVE", "looks right"); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	stored, _ := h.store.Load(ctx, x.ID)
	got := stored.FindApproval(req.ID)
	if got.Status != runtime.ApprovalPending || len(got.Decisions) != 1 {
		t.Fatalf("after one of two votes: %+v", got)
	}

	// Same approver voting twice is rejected without touching the record.
	if err := svc.SubmitApprovalDecision(ctx, x.ID, req.ID, "alice", "APPROVE", ""); !errors.Is(err, runtime.ErrAlreadyVoted) {
		t.Fatalf("double vote: err = %v", err)
	}

	if err := svc.SubmitApprovalDecision(ctx, x.ID, req.ID, "bob", "APPROVE", ""); err != nil {
		t.Fatalf("second vote: %v", err)
	}
	stored, _ = h.store.Load(ctx, x.ID)
	got = stored.FindApproval(req.ID)
	if got.Status != runtime.ApprovalApproved {
		t.Fatalf("quorum reached but status = %s", got.Status)
	}
	if got.ResolvedAt == nil {
		t.Error("resolved request has no ResolvedAt")
	}

	// Votes after resolution bounce.
	if err := svc.SubmitApprovalDecision(ctx, x.ID, req.ID, "carol", "DENY", ""); !errors.Is(err, runtime.ErrApprovalResolved) {
		t.Errorf("vote after resolution: err = %v", err)
	}
	if err := svc.SubmitApprovalDecision(ctx, x.ID, "req-nope", "alice", "APPROVE", ""); !errors.Is(err, runtime.ErrApprovalNotFound) {
		t.Errorf("unknown request: err = %v", err)
	}

	if len(findAudit(stored, runtime.AuditApprovalDecision)) != 2 {
		t.Error("each recorded vote should leave an audit event")
	}
}

func TestServiceRetryExecution(t *testing.T) {
	h := newHarness(t, runtime.Config{})
	h.reg.Register("k", okHandler(h.rec, "k"))
	svc := newService(t, h)

	pb := testPlaybook(schema.ActionSpec{ID: "a1", Kind: "k", Stage: 1})
	if err := svc.RegisterPlaybook(pb); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	first, err := svc.TriggerExecution(ctx, pb.ID, map[string]any{"host": "db-3"}, "db-3")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	second, err := svc.RetryExecution(ctx, first.ID)
	if err != nil {
		t.Fatalf("RetryExecution: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("retry reused the execution ID")
	}
	if second.TargetID != first.TargetID || second.IncidentContext["host"] != "db-3" {
		t.Errorf("retry lost incident context: %+v", second)
	}
	if second.FindAction("a1").IdempotencyKey == first.FindAction("a1").IdempotencyKey {
		t.Error("retry reused idempotency keys, actions would be skipped")
	}

	// A non-terminal execution cannot be retried.
	pending := runtime.NewExecution(pb, nil, "t", schema.RiskLow, h.clock.Now())
	if err := h.store.Save(ctx, pending); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RetryExecution(ctx, pending.ID); err == nil || !strings.Contains(err.Error(), "is still") {
		t.Errorf("retry of active execution: err = %v", err)
	}
}

func TestServiceAppendNote(t *testing.T) {
	h := newHarness(t, runtime.Config{})
	h.reg.Register("k", okHandler(h.rec, "k"))
	svc := newService(t, h)

	pb := testPlaybook(schema.ActionSpec{ID: "a1", Kind: "k", Stage: 1})
	if err := svc.RegisterPlaybook(pb); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	x, err := svc.TriggerExecution(ctx, pb.ID, nil, "t")
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.AppendNote(ctx, x.ID, "operator", "false positive, account was fine"); err != nil {
		t.Fatalf("AppendNote: %v", err)
	}
	stored, _ := h.store.Load(ctx, x.ID)
	if len(stored.Notes) != 1 || stored.Notes[0] != "false positive, account was fine" {
		t.Errorf("notes = %v", stored.Notes)
	}
	if evs := findAudit(stored, runtime.AuditNoteAppended); len(evs) != 1 || evs[0].Actor != "operator" {
		t.Errorf("note audit = %v", evs)
	}

	// Notes only attach once the execution is resolved.
	pending := runtime.NewExecution(pb, nil, "t", schema.RiskLow, h.clock.Now())
	if err := h.store.Save(ctx, pending); err != nil {
		t.Fatal(err)
	}
	if err := svc.AppendNote(ctx, pending.ID, "operator", "too early"); err == nil {
		t.Error("note attached to a non-terminal execution")
	}
}

func TestServiceListExecutions(t *testing.T) {
	h := newHarness(t, runtime.Config{})
	h.reg.Register("k", okHandler(h.rec, "k"))
	svc := newService(t, h)

	pb := testPlaybook(schema.ActionSpec{ID: "a1", Kind: "k", Stage: 1})
	if err := svc.RegisterPlaybook(pb); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for _, target := range []string{"t1", "t2", "t1"} {
		if _, err := svc.TriggerExecution(ctx, pb.ID, nil, target); err != nil {
			t.Fatal(err)
		}
	}

	all, err := svc.ListExecutions(ctx, runtime.ExecutionFilter{})
	if err != nil || len(all) != 3 {
		t.Fatalf("list all: %d, err %v", len(all), err)
	}
	byTarget, err := svc.ListExecutions(ctx, runtime.ExecutionFilter{TargetID: "t1"})
	if err != nil || len(byTarget) != 2 {
		t.Fatalf("list by target: %d, err %v", len(byTarget), err)
	}
	byStatus, err := svc.ListExecutions(ctx, runtime.ExecutionFilter{Status: runtime.ExecCompleted})
	if err != nil || len(byStatus) != 3 {
		t.Fatalf("list by status: %d, err %v", len(byStatus), err)
	}
}
