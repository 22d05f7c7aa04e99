package runtime

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/reflexsec/reflex/pkg/detection"
	"github.com/reflexsec/reflex/pkg/schema"
)

// DecisionSink is notified after a vote is durably recorded, so a resolver
// blocked on the request can re-read it. Implemented by the approval manager.
type DecisionSink interface {
	Deliver(requestID string)
}

// Service is the operator-facing surface over the engine and store: trigger,
// inspect, vote, cancel, retry, annotate. Vote submission goes through here,
// never through the engine's drive path.
type Service struct {
	engine *Engine
	store  Store
	clock  Clock
	logger *zap.Logger
	sink   DecisionSink

	playbooks map[string]*schema.Playbook
}

// NewService wraps an engine. sink may be nil when no resolver waits on
// votes in this process.
func NewService(engine *Engine, sink DecisionSink) *Service {
	return &Service{
		engine:    engine,
		store:     engine.cfg.Store,
		clock:     engine.cfg.Clock,
		logger:    engine.cfg.Logger,
		sink:      sink,
		playbooks: make(map[string]*schema.Playbook),
	}
}

// RegisterPlaybook makes a playbook available for triggering and for
// resuming or retrying executions pinned to it.
func (s *Service) RegisterPlaybook(pb *schema.Playbook) error {
	if err := pb.IsStartable(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPlaybook, err)
	}
	s.playbooks[pb.ID] = pb
	return nil
}

// Playbook returns a registered playbook by ID.
func (s *Service) Playbook(id string) (*schema.Playbook, error) {
	pb, ok := s.playbooks[id]
	if !ok {
		return nil, fmt.Errorf("playbook %q not registered", id)
	}
	return pb, nil
}

// TriggerExecution starts the named playbook against an incident and blocks
// until the execution is terminal.
func (s *Service) TriggerExecution(ctx context.Context, playbookID string, incident map[string]any, targetID string) (*Execution, error) {
	pb, err := s.Playbook(playbookID)
	if err != nil {
		return nil, err
	}
	return s.engine.Start(ctx, pb, incident, targetID)
}

// TriggerMatching evaluates every registered playbook's detection rules
// against the incident and triggers the best match. No playbook matching is
// not an error; the returned execution is nil.
func (s *Service) TriggerMatching(ctx context.Context, incident map[string]any, targetID string) (*Execution, error) {
	pb := s.bestMatch(incident)
	if pb == nil {
		s.logger.Info("no playbook matched incident", zap.String("target_id", targetID))
		return nil, nil
	}
	return s.engine.Start(ctx, pb, incident, targetID)
}

// bestMatch scores every registered playbook's rules against the incident.
func (s *Service) bestMatch(incident map[string]any) *schema.Playbook {
	pbs := make([]*schema.Playbook, 0, len(s.playbooks))
	for _, pb := range s.playbooks {
		pbs = append(pbs, pb)
	}
	m, err := detection.BestMatch(pbs, incident)
	if err != nil {
		s.logger.Warn("detection scoring failed", zap.Error(err))
		return nil
	}
	if m == nil {
		return nil
	}
	s.logger.Info("incident matched playbook",
		zap.String("playbook_id", m.Playbook.ID),
		zap.Float64("score", m.Score),
		zap.Strings("rules", m.MatchedRules))
	return m.Playbook
}

// GetExecution loads one execution.
func (s *Service) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	return s.store.Load(ctx, executionID)
}

// ListExecutions returns executions matching the filter, newest first.
func (s *Service) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*Execution, error) {
	return s.store.List(ctx, f)
}

// SubmitApprovalDecision records one approver's vote on a pending request.
// The write is an atomic conditional append: load, validate, append, save
// with the loaded version; a concurrent writer forces a clean retry so no
// vote is lost or double-counted. The engine observes the vote through the
// store (and the sink, when one is wired).
func (s *Service) SubmitApprovalDecision(ctx context.Context, executionID, requestID, approver, decision, comment string) error {
	for {
		exec, err := s.store.Load(ctx, executionID)
		if err != nil {
			return err
		}
		req := exec.FindApproval(requestID)
		if req == nil {
			return ErrApprovalNotFound
		}

		now := s.clock.Now()
		if err := req.AddDecision(approver, decision, comment, now); err != nil {
			return err
		}
		exec.AppendAudit(now, AuditApprovalDecision, approver, map[string]any{
			"request_id": requestID, "action_id": req.ActionID,
			"decision": decision, "comment": comment,
			"status": string(req.Status),
		})

		err = s.store.Save(ctx, exec)
		if err == nil {
			s.logger.Info("approval decision recorded",
				zap.String("execution_id", executionID),
				zap.String("request_id", requestID),
				zap.String("approver", approver),
				zap.String("decision", decision))
			if s.sink != nil {
				s.sink.Deliver(requestID)
			}
			return nil
		}
		if err != ErrConcurrentModification {
			return err
		}
	}
}

// CancelExecution cancels a running execution, or marks a persisted
// non-terminal one FAILED when no run is active in this process.
func (s *Service) CancelExecution(ctx context.Context, executionID string) error {
	return s.engine.Cancel(ctx, executionID)
}

// ResumeExecution drives a persisted non-terminal execution to completion.
func (s *Service) ResumeExecution(ctx context.Context, executionID string) (*Execution, error) {
	exec, err := s.store.Load(ctx, executionID)
	if err != nil {
		return nil, err
	}
	pb, err := s.Playbook(exec.PlaybookID)
	if err != nil {
		return nil, err
	}
	return s.engine.Resume(ctx, pb, executionID)
}

// RetryExecution starts a fresh execution of the same playbook against the
// same incident and target. The original record is untouched; the new
// execution gets its own ID, so its idempotency keys differ and every action
// genuinely re-runs.
func (s *Service) RetryExecution(ctx context.Context, executionID string) (*Execution, error) {
	prior, err := s.store.Load(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if !prior.Status.Terminal() {
		return nil, fmt.Errorf("execution %s is still %s; cancel or wait before retrying", executionID, prior.Status)
	}
	pb, err := s.Playbook(prior.PlaybookID)
	if err != nil {
		return nil, err
	}
	return s.engine.Start(ctx, pb, prior.IncidentContext, prior.TargetID)
}

// RollbackExecution runs the full compensation pass against a terminal
// execution.
func (s *Service) RollbackExecution(ctx context.Context, executionID string) (*Execution, error) {
	exec, err := s.store.Load(ctx, executionID)
	if err != nil {
		return nil, err
	}
	pb, err := s.Playbook(exec.PlaybookID)
	if err != nil {
		return nil, err
	}
	return s.engine.Rollback(ctx, pb, executionID)
}

// AppendNote attaches an operator annotation to a terminal execution, the
// only mutation permitted after resolution.
func (s *Service) AppendNote(ctx context.Context, executionID, actor, note string) error {
	for {
		exec, err := s.store.Load(ctx, executionID)
		if err != nil {
			return err
		}
		if !exec.Status.Terminal() {
			return fmt.Errorf("execution %s is not terminal; notes attach after resolution", executionID)
		}
		now := s.clock.Now()
		exec.Notes = append(exec.Notes, note)
		exec.AppendAudit(now, AuditNoteAppended, actor, map[string]any{"note": note})

		err = s.store.Save(ctx, exec)
		if err == nil {
			return nil
		}
		if err != ErrConcurrentModification {
			return err
		}
	}
}
