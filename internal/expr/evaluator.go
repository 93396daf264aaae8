package expr

import (
	"fmt"
	"math"

	"github.com/expr-lang/expr"
)

// Context holds the variables available to policy expressions.
type Context struct {
	Requested int    `expr:"requested"`
	Persona   string `expr:"persona"`
}

// Eval evaluates a compiled expression against the given context.
func Eval(compiled *CompiledExpr, ctx Context) (float64, error) {
	if compiled == nil || compiled.program == nil {
		return 0, fmt.Errorf("nil compiled expression")
	}

	result, err := expr.Run(compiled.program, ctx)
	if err != nil {
		return 0, fmt.Errorf("expression eval error for %q: %w", compiled.Source, err)
	}
	f, ok := result.(float64)
	if !ok {
		return 0, fmt.Errorf("expression %q returned %T, expected number", compiled.Source, result)
	}
	return f, nil
}

// EvalLimit evaluates a compiled expression to a positive token limit.
// Fractions are truncated; results below 1 are an error.
func EvalLimit(compiled *CompiledExpr, ctx Context) (int, error) {
	f, err := Eval(compiled, ctx)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || f < 1 {
		return 0, fmt.Errorf("expression %q produced invalid limit %v", compiled.Source, f)
	}
	if f > math.MaxInt32 {
		return math.MaxInt32, nil
	}
	return int(f), nil
}
