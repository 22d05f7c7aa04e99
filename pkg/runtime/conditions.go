package runtime

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
)

// EvalPredicate evaluates a condition expression against a snapshot
// environment. An empty condition is always true. The predicate has no
// ambient side effects: it can only read the snapshot it is handed.
func EvalPredicate(src string, env map[string]any) (bool, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return true, nil
	}
	program, err := expr.Compile(src, expr.Env(env), expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return false, fmt.Errorf("compile condition %q: %w", src, err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("eval condition %q: %w", src, err)
	}
	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not return bool (got %T: %v)", src, out, out)
	}
	return result, nil
}
