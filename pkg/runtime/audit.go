package runtime

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Audit event kinds appended by the engine.
const (
	AuditExecutionInitiated  = "execution_initiated"
	AuditExecutionStarted    = "execution_started"
	AuditExecutionFinished   = "execution_finished"
	AuditExecutionCancelled  = "execution_cancelled"
	AuditExecutionResumed    = "execution_resumed"
	AuditExecutionRolledBack = "execution_rolled_back"
	AuditStageStarted        = "stage_started"
	AuditStageFinished       = "stage_finished"
	AuditActionStarted       = "action_started"
	AuditActionAttempt       = "action_attempt"
	AuditActionFinished      = "action_finished"
	AuditActionSkipped       = "action_skipped"
	AuditCompensationStarted = "compensation_started"
	AuditCompensationResult  = "compensation_result"
	AuditCompensationFailed  = "compensation_failed"
	AuditApprovalRequested   = "approval_requested"
	AuditApprovalDecision    = "approval_decision"
	AuditApprovalResolved    = "approval_resolved"
	AuditApprovalEscalated   = "approval_escalated"
	AuditApprovalExempted    = "approval_exempted"
	AuditApprovalAutoPassed  = "approval_auto_passed"
	AuditNoteAppended        = "note_appended"
)

// auditRecord wraps an AuditEvent for JSONL output with the owning
// execution ID.
type auditRecord struct {
	ExecutionID string     `json:"execution_id"`
	Event       AuditEvent `json:"event"`
}

// AuditWriter appends audit events to a JSONL file, flushing and syncing at
// event boundaries so a crash never loses an acknowledged event.
type AuditWriter struct {
	file   *os.File
	writer *bufio.Writer
	enc    *json.Encoder
}

// NewAuditWriter opens (or creates) the audit log for appending.
func NewAuditWriter(path string) (*AuditWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	w := bufio.NewWriter(f)
	return &AuditWriter{file: f, writer: w, enc: json.NewEncoder(w)}, nil
}

// Write appends one event and flushes to disk.
func (aw *AuditWriter) Write(executionID string, ev AuditEvent) error {
	rec := auditRecord{ExecutionID: executionID, Event: ev}
	if err := aw.enc.Encode(rec); err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	if err := aw.writer.Flush(); err != nil {
		return fmt.Errorf("flush audit log: %w", err)
	}
	if err := aw.file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	return nil
}

// Close flushes and closes the audit log.
func (aw *AuditWriter) Close() error {
	if err := aw.writer.Flush(); err != nil {
		return err
	}
	return aw.file.Close()
}

// WriteManifest writes the terminal execution summary as run.yaml in dir.
func WriteManifest(x *Execution, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}
	data, err := yaml.Marshal(x.BuildManifest())
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	path := filepath.Join(dir, "run.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}
