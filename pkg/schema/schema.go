// Package schema defines the Go struct types for the playbook and approval
// policy YAML documents and provides strict YAML parsing.
package schema

import (
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// RiskLevel classifies the severity of an incident for gate triggering.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Valid reports whether r is one of the known risk levels.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// Playbook is the top-level document defining an automated response to a
// class of security incidents. A playbook is immutable per version; an
// execution pins the version it was started with.
type Playbook struct {
	APIVersion string          `yaml:"apiVersion" json:"apiVersion" jsonschema:"required,enum=playbook/v1"`
	ID         string          `yaml:"id"         json:"id"         jsonschema:"required"`
	Type       string          `yaml:"type"       json:"type"       jsonschema:"required"`
	Severity   RiskLevel       `yaml:"severity"   json:"severity"   jsonschema:"enum=low,enum=medium,enum=high,enum=critical"`
	Enabled    bool            `yaml:"enabled"    json:"enabled"`
	Version    int             `yaml:"version"    json:"version"    jsonschema:"required"`
	Name       string          `yaml:"name,omitempty"        json:"name,omitempty"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Rules      []DetectionRule `yaml:"rules,omitempty"       json:"rules,omitempty"`
	Actions    []ActionSpec    `yaml:"actions,omitempty"     json:"actions,omitempty"`
	Gates      []PolicyGateSpec `yaml:"gates,omitempty"      json:"gates,omitempty"`
	// MaxExecutionTime is the hard ceiling for one execution ("30m", "1h").
	// Exceeding it forces the execution to FAILED and triggers compensation.
	MaxExecutionTime string            `yaml:"max_execution_time,omitempty" json:"max_execution_time,omitempty" jsonschema:"pattern=^[0-9]+(ms|s|m|h)$"`
	Governance       *GovernancePolicy `yaml:"governance,omitempty"         json:"governance,omitempty"`
}

// DetectionRule matches an incident context to this playbook. The Match
// expression is evaluated against the opaque incident context; rule weights
// are summed to score competing playbooks.
type DetectionRule struct {
	ID          string  `yaml:"id"                    json:"id"    jsonschema:"required"`
	Description string  `yaml:"description,omitempty" json:"description,omitempty"`
	Match       string  `yaml:"match"                 json:"match" jsonschema:"required"`
	Weight      float64 `yaml:"weight,omitempty"      json:"weight,omitempty"`
}

// RetryPolicy bounds the dispatcher's retry loop for one action.
// Attempt 1 is immediate; attempt k waits backoff * multiplier^(k-2).
type RetryPolicy struct {
	MaxRetries int     `yaml:"max_retries"          json:"max_retries"`
	Backoff    string  `yaml:"backoff,omitempty"    json:"backoff,omitempty" jsonschema:"pattern=^[0-9]+(ms|s|m)$"`
	Multiplier float64 `yaml:"multiplier,omitempty" json:"multiplier,omitempty"`
}

// ActionSpec declares one remediation action inside a playbook stage.
type ActionSpec struct {
	ID    string `yaml:"id"    json:"id"    jsonschema:"required"`
	Kind  string `yaml:"kind"  json:"kind"  jsonschema:"required"`
	Stage int    `yaml:"stage" json:"stage" jsonschema:"required,minimum=1"`
	// Params is an opaque parameter blob handed to the action handler.
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`

	RequiresApproval bool     `yaml:"requires_approval,omitempty" json:"requires_approval,omitempty"`
	ApproverRoles    []string `yaml:"approver_roles,omitempty"    json:"approver_roles,omitempty"`

	Retry        *RetryPolicy `yaml:"retry,omitempty"        json:"retry,omitempty"`
	Compensation *ActionSpec  `yaml:"compensation,omitempty" json:"compensation,omitempty"`
	// MandatoryCompensation halts the whole execution if the compensation
	// for this action itself fails.
	MandatoryCompensation bool `yaml:"mandatory_compensation,omitempty" json:"mandatory_compensation,omitempty"`

	// Condition is an expr predicate over the execution snapshot; empty
	// means the action always runs. A false condition records SKIPPED.
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`
	Timeout   string `yaml:"timeout,omitempty"   json:"timeout,omitempty" jsonschema:"pattern=^[0-9]+(ms|s|m)$"`
	Enabled   *bool  `yaml:"enabled,omitempty"   json:"enabled,omitempty"`
}

// IsEnabled treats a missing enabled field as enabled.
func (a ActionSpec) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// RetryOrDefault returns the action's retry policy with defaults applied:
// 3 retries, 1s initial backoff, x2 multiplier.
func (a ActionSpec) RetryOrDefault() RetryPolicy {
	rp := RetryPolicy{MaxRetries: 3, Backoff: "1s", Multiplier: 2}
	if a.Retry != nil {
		rp = *a.Retry
		if rp.Backoff == "" {
			rp.Backoff = "1s"
		}
		if rp.Multiplier <= 0 {
			rp.Multiplier = 2
		}
		if rp.MaxRetries < 0 {
			rp.MaxRetries = 0
		}
	}
	return rp
}

// BackoffDuration parses the policy's initial backoff, defaulting to 1s.
func (rp RetryPolicy) BackoffDuration() time.Duration {
	d, err := time.ParseDuration(rp.Backoff)
	if err != nil || d <= 0 {
		return time.Second
	}
	return d
}

// TimeoutDuration parses the action timeout; zero means unbounded.
func (a ActionSpec) TimeoutDuration() time.Duration {
	if a.Timeout == "" {
		return 0
	}
	d, err := time.ParseDuration(a.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// GateTrigger decides whether a gate applies to a given action. All set
// fields must match; an unset field matches everything.
type GateTrigger struct {
	RiskLevels  []RiskLevel `yaml:"risk_levels,omitempty"  json:"risk_levels,omitempty"`
	ActionKinds []string    `yaml:"action_kinds,omitempty" json:"action_kinds,omitempty"`
	Condition   string      `yaml:"condition,omitempty"    json:"condition,omitempty"`
}

// EscalationLevel is one entry in a gate's escalation chain: after the delay
// elapses without resolution, the listed roles are notified.
type EscalationLevel struct {
	After       string   `yaml:"after"        json:"after" jsonschema:"required,pattern=^[0-9]+(ms|s|m|h)$"`
	NotifyRoles []string `yaml:"notify_roles" json:"notify_roles" jsonschema:"required"`
}

// AfterDuration parses the escalation delay, defaulting to 5m.
func (l EscalationLevel) AfterDuration() time.Duration {
	d, err := time.ParseDuration(l.After)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// Exemption lets a specific approver or role bypass a gate, optionally
// until an expiry time.
type Exemption struct {
	Approver  string     `yaml:"approver,omitempty" json:"approver,omitempty"`
	Role      string     `yaml:"role,omitempty"     json:"role,omitempty"`
	ExpiresAt *time.Time `yaml:"expires_at,omitempty" json:"expires_at,omitempty"`
	Reason    string     `yaml:"reason,omitempty"   json:"reason,omitempty"`
}

// Fallback behaviors applied when a gate errors or its escalation chain
// elapses unresolved.
const (
	FallbackDeny     = "deny"
	FallbackAllow    = "allow"
	FallbackEscalate = "escalate"
)

// PolicyGateSpec is a policy-defined approval checkpoint. An action blocked
// by a gate cannot execute until quorum vote, auto-approval, or an exemption
// resolves it.
type PolicyGateSpec struct {
	Name              string            `yaml:"name"               json:"name" jsonschema:"required"`
	Trigger           GateTrigger       `yaml:"trigger,omitempty"  json:"trigger,omitempty"`
	RequiredApprovers int               `yaml:"required_approvers" json:"required_approvers" jsonschema:"minimum=1"`
	Roles             []string          `yaml:"roles,omitempty"    json:"roles,omitempty"`
	AlternateRoles    []string          `yaml:"alternate_roles,omitempty" json:"alternate_roles,omitempty"`
	ApprovalTimeout   string            `yaml:"approval_timeout,omitempty" json:"approval_timeout,omitempty" jsonschema:"pattern=^[0-9]+(ms|s|m|h)$"`
	Escalation        []EscalationLevel `yaml:"escalation,omitempty"  json:"escalation,omitempty"`
	// AutoApprove is an expr predicate over the execution snapshot; true
	// passes the gate without creating an approval request.
	AutoApprove string      `yaml:"auto_approve,omitempty" json:"auto_approve,omitempty"`
	Exemptions  []Exemption `yaml:"exemptions,omitempty"   json:"exemptions,omitempty"`
	// OnError is the fallback applied on evaluator errors and on an elapsed
	// escalation chain: deny, allow, or escalate (leave pending for a human).
	OnError string `yaml:"on_error,omitempty" json:"on_error,omitempty" jsonschema:"enum=deny,enum=allow,enum=escalate"`
}

// ApprovalTimeoutDuration parses the gate's approval timeout, defaulting
// to 15m.
func (g PolicyGateSpec) ApprovalTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(g.ApprovalTimeout)
	if err != nil || d <= 0 {
		return 15 * time.Minute
	}
	return d
}

// Approval policy scopes. An unset scope field matches everything; a policy
// with a narrower scope and a higher priority wins.
type PolicyScope struct {
	PlaybookID string    `yaml:"playbook_id,omitempty" json:"playbook_id,omitempty"`
	RiskLevel  RiskLevel `yaml:"risk_level,omitempty"  json:"risk_level,omitempty"`
	ActionKind string    `yaml:"action_kind,omitempty" json:"action_kind,omitempty"`
}

// ApprovalPolicy groups gates under a scope. Policies are versioned
// configuration records edited by administrators.
type ApprovalPolicy struct {
	APIVersion string           `yaml:"apiVersion" json:"apiVersion" jsonschema:"required,enum=approval-policy/v1"`
	Name       string           `yaml:"name"       json:"name"       jsonschema:"required"`
	Version    int              `yaml:"version"    json:"version"    jsonschema:"required"`
	Priority   int              `yaml:"priority,omitempty" json:"priority,omitempty"`
	Scope      PolicyScope      `yaml:"scope,omitempty"    json:"scope,omitempty"`
	Gates      []PolicyGateSpec `yaml:"gates"      json:"gates"      jsonschema:"required"`
}

// GovernancePolicy defines safety rules evaluated before action dispatch
// and when appending audit detail.
type GovernancePolicy struct {
	AllowedKinds []string        `yaml:"allowed_kinds,omitempty" json:"allowed_kinds,omitempty"`
	DeniedKinds  []string        `yaml:"denied_kinds,omitempty"  json:"denied_kinds,omitempty"`
	Redact       []RedactionRule `yaml:"redact,omitempty"        json:"redact,omitempty"`
}

// RedactionRule is a regex pattern-replacement pair for sanitizing audit
// detail and stored action parameters.
type RedactionRule struct {
	Pattern string `yaml:"pattern" json:"pattern" jsonschema:"required"`
	Replace string `yaml:"replace" json:"replace" jsonschema:"required"`
}

// Load parses a playbook from a reader with strict field checking.
// Unknown fields are an error, catching typos like "stge:" early.
func Load(r io.Reader) (*Playbook, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var pb Playbook
	if err := dec.Decode(&pb); err != nil {
		return nil, fmt.Errorf("parse playbook: %w", err)
	}
	return &pb, nil
}

// LoadFile parses a playbook YAML file with strict field checking.
func LoadFile(path string) (*Playbook, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open playbook: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// LoadPolicy parses an approval policy from a reader with strict field
// checking.
func LoadPolicy(r io.Reader) (*ApprovalPolicy, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var pol ApprovalPolicy
	if err := dec.Decode(&pol); err != nil {
		return nil, fmt.Errorf("parse approval policy: %w", err)
	}
	return &pol, nil
}

// LoadPolicyFile parses an approval policy YAML file.
func LoadPolicyFile(path string) (*ApprovalPolicy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open approval policy: %w", err)
	}
	defer f.Close()
	return LoadPolicy(f)
}

// MaxExecutionDuration parses the playbook's hard ceiling; zero means no
// ceiling.
func (p *Playbook) MaxExecutionDuration() time.Duration {
	if p.MaxExecutionTime == "" {
		return 0
	}
	d, err := time.ParseDuration(p.MaxExecutionTime)
	if err != nil {
		return 0
	}
	return d
}

// Stages returns the distinct stage numbers present in the playbook,
// ascending.
func (p *Playbook) Stages() []int {
	seen := make(map[int]bool)
	var stages []int
	for _, a := range p.Actions {
		if !seen[a.Stage] {
			seen[a.Stage] = true
			stages = append(stages, a.Stage)
		}
	}
	slices.Sort(stages)
	return stages
}

// StageActions returns the specs declared for one stage, in document order.
func (p *Playbook) StageActions(stage int) []ActionSpec {
	var specs []ActionSpec
	for _, a := range p.Actions {
		if a.Stage == stage {
			specs = append(specs, a)
		}
	}
	return specs
}
