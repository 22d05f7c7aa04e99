package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationError represents a single validation error with location context.
type ValidationError struct {
	Phase    string `json:"phase"` // structural, semantic, domain
	Path     string `json:"path"`  // JSON-path-like location (e.g., "actions[0].retry")
	Message  string `json:"message"`
	Severity string `json:"severity"` // error, warning
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Phase, e.Path, e.Message)
}

// ValidateFile performs the full 3-phase validation pipeline on a playbook file.
// Phase 1: Structural (strict YAML decode)
// Phase 2: Semantic (JSON Schema validation)
// Phase 3: Domain (custom Go rules)
func ValidateFile(path string) (*Playbook, []*ValidationError) {
	var allErrors []*ValidationError

	// Phase 1: Structural — strict YAML decode
	pb, err := LoadFile(path)
	if err != nil {
		allErrors = append(allErrors, &ValidationError{
			Phase:    "structural",
			Path:     "",
			Message:  err.Error(),
			Severity: "error",
		})
		return nil, allErrors
	}

	// Phase 2: Semantic — JSON Schema validation
	allErrors = append(allErrors, validateSemantic(pb)...)

	// Phase 3: Domain — custom Go rules
	allErrors = append(allErrors, ValidateDomain(pb)...)

	if len(allErrors) > 0 {
		return pb, allErrors
	}
	return pb, nil
}

// validateSemantic validates the playbook against the generated JSON Schema.
func validateSemantic(pb *Playbook) []*ValidationError {
	data, err := json.Marshal(pb)
	if err != nil {
		return []*ValidationError{semErr(fmt.Sprintf("marshal for schema validation: %v", err))}
	}

	schemaJSON, err := GenerateJSONSchema()
	if err != nil {
		return []*ValidationError{semErr(fmt.Sprintf("generate schema: %v", err))}
	}

	var schemaDoc interface{}
	if err := json.Unmarshal(schemaJSON, &schemaDoc); err != nil {
		return []*ValidationError{semErr(fmt.Sprintf("unmarshal schema: %v", err))}
	}

	c := sjsonschema.NewCompiler()
	if err := c.AddResource("playbook-v1.json", schemaDoc); err != nil {
		return []*ValidationError{semErr(fmt.Sprintf("add schema resource: %v", err))}
	}

	sch, err := c.Compile("playbook-v1.json")
	if err != nil {
		return []*ValidationError{semErr(fmt.Sprintf("compile schema: %v", err))}
	}

	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return []*ValidationError{semErr(fmt.Sprintf("unmarshal document: %v", err))}
	}

	if err := sch.Validate(doc); err != nil {
		var errs []*ValidationError
		if ve, ok := err.(*sjsonschema.ValidationError); ok {
			for _, cause := range flattenValidationErrors(ve) {
				instancePath := strings.Join(cause.InstanceLocation, "/")
				errs = append(errs, &ValidationError{
					Phase:    "semantic",
					Path:     instancePath,
					Message:  fmt.Sprintf("%v", cause.ErrorKind),
					Severity: "error",
				})
			}
		} else {
			errs = append(errs, semErr(err.Error()))
		}
		return errs
	}
	return nil
}

func semErr(msg string) *ValidationError {
	return &ValidationError{Phase: "semantic", Path: "", Message: msg, Severity: "error"}
}

// flattenValidationErrors recursively collects all leaf validation errors.
func flattenValidationErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flattenValidationErrors(cause)...)
	}
	return flat
}

// ValidateDomain performs Phase 3 domain-level validation.
// Returns a slice of errors; empty means valid.
func ValidateDomain(pb *Playbook) []*ValidationError {
	var errs []*ValidationError

	if pb.APIVersion != "playbook/v1" {
		errs = append(errs, &ValidationError{
			Phase:    "domain",
			Path:     "apiVersion",
			Message:  fmt.Sprintf("unrecognized apiVersion %q, expected %q", pb.APIVersion, "playbook/v1"),
			Severity: "error",
		})
	}

	if pb.Severity != "" && !pb.Severity.Valid() {
		errs = append(errs, &ValidationError{
			Phase:    "domain",
			Path:     "severity",
			Message:  fmt.Sprintf("unknown severity %q", pb.Severity),
			Severity: "error",
		})
	}

	// Detection rules: unique IDs, compilable match expressions.
	ruleIDs := make(map[string]bool)
	for i, r := range pb.Rules {
		path := fmt.Sprintf("rules[%d]", i)
		if ruleIDs[r.ID] {
			errs = append(errs, domainErr(path+".id", fmt.Sprintf("duplicate rule id %q", r.ID)))
		}
		ruleIDs[r.ID] = true
		if r.Match == "" {
			errs = append(errs, domainErr(path+".match", "rule has no match expression"))
		} else if err := checkExpr(r.Match); err != nil {
			errs = append(errs, domainErr(path+".match", err.Error()))
		}
	}

	// Actions: unique IDs, positive stages, valid durations and conditions.
	actionIDs := make(map[string]bool)
	for i, a := range pb.Actions {
		path := fmt.Sprintf("actions[%d]", i)
		if actionIDs[a.ID] {
			errs = append(errs, domainErr(path+".id", fmt.Sprintf("duplicate action id %q", a.ID)))
		}
		actionIDs[a.ID] = true
		errs = append(errs, validateActionSpec(path, a, true)...)
	}

	// Contiguous stages are not required, but stage numbers start at 1.
	for i, a := range pb.Actions {
		if a.Stage < 1 {
			errs = append(errs, domainErr(fmt.Sprintf("actions[%d].stage", i), fmt.Sprintf("stage %d is below 1", a.Stage)))
		}
	}

	// Gates: unique names, sane quorum, valid fallback.
	gateNames := make(map[string]bool)
	for i, g := range pb.Gates {
		path := fmt.Sprintf("gates[%d]", i)
		if gateNames[g.Name] {
			errs = append(errs, domainErr(path+".name", fmt.Sprintf("duplicate gate name %q", g.Name)))
		}
		gateNames[g.Name] = true
		errs = append(errs, validateGate(path, g)...)
	}

	if pb.MaxExecutionTime != "" {
		if _, err := time.ParseDuration(pb.MaxExecutionTime); err != nil {
			errs = append(errs, domainErr("max_execution_time", fmt.Sprintf("invalid duration %q", pb.MaxExecutionTime)))
		}
	}

	return errs
}

// IsStartable reports whether an execution may be created from this playbook:
// it must be enabled and carry at least one rule and one action.
func (p *Playbook) IsStartable() error {
	if !p.Enabled {
		return fmt.Errorf("playbook %q is disabled", p.ID)
	}
	if len(p.Rules) == 0 {
		return fmt.Errorf("playbook %q has no detection rules", p.ID)
	}
	if len(p.Actions) == 0 {
		return fmt.Errorf("playbook %q has no actions", p.ID)
	}
	return nil
}

// ValidatePolicy performs domain validation on an approval policy.
func ValidatePolicy(pol *ApprovalPolicy) []*ValidationError {
	var errs []*ValidationError

	if pol.APIVersion != "approval-policy/v1" {
		errs = append(errs, domainErr("apiVersion", fmt.Sprintf("unrecognized apiVersion %q, expected %q", pol.APIVersion, "approval-policy/v1")))
	}
	if pol.Name == "" {
		errs = append(errs, domainErr("name", "policy has no name"))
	}
	if len(pol.Gates) == 0 {
		errs = append(errs, domainErr("gates", "policy has no gates"))
	}
	if pol.Scope.RiskLevel != "" && !pol.Scope.RiskLevel.Valid() {
		errs = append(errs, domainErr("scope.risk_level", fmt.Sprintf("unknown risk level %q", pol.Scope.RiskLevel)))
	}
	gateNames := make(map[string]bool)
	for i, g := range pol.Gates {
		path := fmt.Sprintf("gates[%d]", i)
		if gateNames[g.Name] {
			errs = append(errs, domainErr(path+".name", fmt.Sprintf("duplicate gate name %q", g.Name)))
		}
		gateNames[g.Name] = true
		errs = append(errs, validateGate(path, g)...)
	}
	return errs
}

func validateActionSpec(path string, a ActionSpec, allowCompensation bool) []*ValidationError {
	var errs []*ValidationError

	if a.Kind == "" {
		errs = append(errs, domainErr(path+".kind", "action has no kind"))
	}
	if a.Condition != "" {
		if err := checkExpr(a.Condition); err != nil {
			errs = append(errs, domainErr(path+".condition", err.Error()))
		}
	}
	if a.Timeout != "" {
		if _, err := time.ParseDuration(a.Timeout); err != nil {
			errs = append(errs, domainErr(path+".timeout", fmt.Sprintf("invalid duration %q", a.Timeout)))
		}
	}
	if a.Retry != nil {
		if a.Retry.MaxRetries < 0 {
			errs = append(errs, domainErr(path+".retry.max_retries", "max_retries must be >= 0"))
		}
		if a.Retry.Backoff != "" {
			if _, err := time.ParseDuration(a.Retry.Backoff); err != nil {
				errs = append(errs, domainErr(path+".retry.backoff", fmt.Sprintf("invalid duration %q", a.Retry.Backoff)))
			}
		}
	}
	if a.RequiresApproval && len(a.ApproverRoles) == 0 {
		errs = append(errs, &ValidationError{
			Phase:    "domain",
			Path:     path + ".approver_roles",
			Message:  "action requires approval but names no approver roles; gate policies must supply them",
			Severity: "warning",
		})
	}
	if a.Compensation != nil {
		if !allowCompensation {
			errs = append(errs, domainErr(path+".compensation", "compensation actions cannot have further compensation"))
		} else {
			errs = append(errs, validateActionSpec(path+".compensation", *a.Compensation, false)...)
		}
	}
	if a.MandatoryCompensation && a.Compensation == nil {
		errs = append(errs, domainErr(path+".mandatory_compensation", "mandatory_compensation set without a compensation action"))
	}
	return errs
}

func validateGate(path string, g PolicyGateSpec) []*ValidationError {
	var errs []*ValidationError

	if g.RequiredApprovers < 1 {
		errs = append(errs, domainErr(path+".required_approvers", "required_approvers must be >= 1"))
	}
	if g.OnError != "" && g.OnError != FallbackDeny && g.OnError != FallbackAllow && g.OnError != FallbackEscalate {
		errs = append(errs, domainErr(path+".on_error", fmt.Sprintf("unknown fallback %q", g.OnError)))
	}
	if g.AutoApprove != "" {
		if err := checkExpr(g.AutoApprove); err != nil {
			errs = append(errs, domainErr(path+".auto_approve", err.Error()))
		}
	}
	if g.Trigger.Condition != "" {
		if err := checkExpr(g.Trigger.Condition); err != nil {
			errs = append(errs, domainErr(path+".trigger.condition", err.Error()))
		}
	}
	for _, rl := range g.Trigger.RiskLevels {
		if !rl.Valid() {
			errs = append(errs, domainErr(path+".trigger.risk_levels", fmt.Sprintf("unknown risk level %q", rl)))
		}
	}
	if g.ApprovalTimeout != "" {
		if _, err := time.ParseDuration(g.ApprovalTimeout); err != nil {
			errs = append(errs, domainErr(path+".approval_timeout", fmt.Sprintf("invalid duration %q", g.ApprovalTimeout)))
		}
	}
	for i, lvl := range g.Escalation {
		if _, err := time.ParseDuration(lvl.After); err != nil {
			errs = append(errs, domainErr(fmt.Sprintf("%s.escalation[%d].after", path, i), fmt.Sprintf("invalid duration %q", lvl.After)))
		}
		if len(lvl.NotifyRoles) == 0 {
			errs = append(errs, domainErr(fmt.Sprintf("%s.escalation[%d].notify_roles", path, i), "escalation level notifies no roles"))
		}
	}
	return errs
}

// checkExpr compiles a predicate without an environment to catch syntax
// errors at validation time. Unknown identifiers resolve at run time against
// the execution snapshot, so only parse failures are reported here.
func checkExpr(src string) error {
	if _, err := expr.Compile(src, expr.AllowUndefinedVariables()); err != nil {
		return fmt.Errorf("invalid expression %q: %v", src, err)
	}
	return nil
}

func domainErr(path, msg string) *ValidationError {
	return &ValidationError{Phase: "domain", Path: path, Message: msg, Severity: "error"}
}
