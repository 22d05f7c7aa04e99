// Package detection matches incident contexts to playbooks and derives the
// risk level an execution starts with. The heuristics that produce the
// incident context (distance math, threshold counters) live upstream; this
// package only evaluates the declared detection rules against it.
package detection

import (
	"fmt"
	"sort"

	"github.com/expr-lang/expr"
	"github.com/reflexsec/reflex/pkg/schema"
)

// Match is one playbook's score against an incident context.
type Match struct {
	Playbook     *schema.Playbook
	Score        float64
	MatchedRules []string
}

// EvalRule evaluates a single detection rule against an incident context.
func EvalRule(rule schema.DetectionRule, incident map[string]any) (bool, error) {
	env := map[string]any{"incident": incident}
	program, err := expr.Compile(rule.Match, expr.Env(env), expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return false, fmt.Errorf("compile rule %q: %w", rule.ID, err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("eval rule %q: %w", rule.ID, err)
	}
	matched, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("rule %q did not return bool (got %T)", rule.ID, out)
	}
	return matched, nil
}

// Score evaluates every rule of a playbook and sums the weights of the ones
// that match. A rule without a weight counts as 1.
func Score(pb *schema.Playbook, incident map[string]any) (Match, error) {
	m := Match{Playbook: pb}
	for _, rule := range pb.Rules {
		matched, err := EvalRule(rule, incident)
		if err != nil {
			return m, err
		}
		if !matched {
			continue
		}
		w := rule.Weight
		if w == 0 {
			w = 1
		}
		m.Score += w
		m.MatchedRules = append(m.MatchedRules, rule.ID)
	}
	return m, nil
}

// BestMatch scores the incident context against every enabled playbook and
// returns the highest-scoring match, or nil when no rule matched anywhere.
// Ties break toward the higher-severity playbook, then by ID for stability.
func BestMatch(playbooks []*schema.Playbook, incident map[string]any) (*Match, error) {
	var matches []Match
	for _, pb := range playbooks {
		if !pb.Enabled {
			continue
		}
		m, err := Score(pb, incident)
		if err != nil {
			return nil, err
		}
		if m.Score > 0 {
			matches = append(matches, m)
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		si, sj := riskRank(matches[i].Playbook.Severity), riskRank(matches[j].Playbook.Severity)
		if si != sj {
			return si > sj
		}
		return matches[i].Playbook.ID < matches[j].Playbook.ID
	})
	return &matches[0], nil
}

// DeriveRisk computes the risk level an execution starts with. An explicit
// risk_level in the incident context wins; otherwise risk_score (0-100) is
// bucketed; otherwise the playbook's declared severity applies.
func DeriveRisk(incident map[string]any, fallback schema.RiskLevel) schema.RiskLevel {
	if lvl, ok := incident["risk_level"].(string); ok {
		if rl := schema.RiskLevel(lvl); rl.Valid() {
			return rl
		}
	}
	if score, ok := numeric(incident["risk_score"]); ok {
		switch {
		case score >= 90:
			return schema.RiskCritical
		case score >= 70:
			return schema.RiskHigh
		case score >= 40:
			return schema.RiskMedium
		default:
			return schema.RiskLow
		}
	}
	if fallback.Valid() {
		return fallback
	}
	return schema.RiskMedium
}

func riskRank(r schema.RiskLevel) int {
	switch r {
	case schema.RiskCritical:
		return 4
	case schema.RiskHigh:
		return 3
	case schema.RiskMedium:
		return 2
	case schema.RiskLow:
		return 1
	}
	return 0
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
