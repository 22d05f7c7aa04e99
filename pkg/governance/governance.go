// Package governance implements action-kind allowlist/denylist checks and
// redaction of sensitive values before they reach the audit trail.
package governance

import (
	"fmt"
	"regexp"

	"github.com/reflexsec/reflex/pkg/schema"
)

// CompiledRedaction is a pre-compiled redaction rule.
type CompiledRedaction struct {
	Pattern *regexp.Regexp
	Replace string
}

// CompileRedactionRules compiles the redaction rules from a governance
// policy. An invalid pattern fails the whole set; redaction is a safety
// feature and a silently skipped rule would leak the values it was meant
// to mask.
func CompileRedactionRules(rules []schema.RedactionRule) ([]*CompiledRedaction, error) {
	var compiled []*CompiledRedaction
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", r.Pattern, err)
		}
		compiled = append(compiled, &CompiledRedaction{Pattern: re, Replace: r.Replace})
	}
	return compiled, nil
}

// RedactOutput applies all compiled redaction rules to the given string.
func RedactOutput(s string, rules []*CompiledRedaction) string {
	result := s
	for _, r := range rules {
		result = r.Pattern.ReplaceAllString(result, r.Replace)
	}
	return result
}

// Engine evaluates governance policies before action dispatch and when
// recording audit detail.
type Engine struct {
	AllowedKinds []string
	DeniedKinds  []string
	redact       []*CompiledRedaction
}

// New creates an Engine from a GovernancePolicy. If policy is nil, returns a
// permissive engine.
func New(policy *schema.GovernancePolicy) (*Engine, error) {
	if policy == nil {
		return &Engine{}, nil
	}
	redact, err := CompileRedactionRules(policy.Redact)
	if err != nil {
		return nil, fmt.Errorf("compile redaction rules: %w", err)
	}
	return &Engine{
		AllowedKinds: policy.AllowedKinds,
		DeniedKinds:  policy.DeniedKinds,
		redact:       redact,
	}, nil
}

// CheckKind validates an action kind against the allowlist/denylist.
// Deny takes precedence over allow.
func (g *Engine) CheckKind(kind string) error {
	for _, denied := range g.DeniedKinds {
		if kind == denied {
			return fmt.Errorf("action kind %q is denied by governance policy", kind)
		}
	}

	if len(g.AllowedKinds) > 0 {
		for _, allowed := range g.AllowedKinds {
			if kind == allowed {
				return nil
			}
		}
		return fmt.Errorf("action kind %q is not in the governance allowlist", kind)
	}

	return nil
}

// RedactString applies all compiled redaction rules to s.
func (g *Engine) RedactString(s string) string {
	return RedactOutput(s, g.redact)
}

// RedactMap returns a copy of m with every string value redacted. Nested
// maps are redacted recursively; other value types pass through unchanged.
func (g *Engine) RedactMap(m map[string]any) map[string]any {
	if len(g.redact) == 0 || m == nil {
		return m
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case string:
			out[k] = g.RedactString(val)
		case map[string]any:
			out[k] = g.RedactMap(val)
		default:
			out[k] = v
		}
	}
	return out
}
