// Package expr compiles and evaluates the per-persona policy expressions, such
// as the rule deciding a turn's effective max length.
package expr

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// CompiledExpr represents a compiled expression ready for evaluation.
type CompiledExpr struct {
	Source  string
	program *vm.Program
}

// Compile validates and compiles a max-length policy. The expression sees the
// variables of Context and must produce a number.
func Compile(source string) (*CompiledExpr, error) {
	if source == "" {
		return nil, fmt.Errorf("empty expression")
	}

	program, err := expr.Compile(source, expr.Env(Context{}), expr.AsFloat64())
	if err != nil {
		return nil, fmt.Errorf("expression compile error: %w", err)
	}

	return &CompiledExpr{
		Source:  source,
		program: program,
	}, nil
}

// MustCompile is Compile for built-in policies; it panics on error.
func MustCompile(source string) *CompiledExpr {
	c, err := Compile(source)
	if err != nil {
		panic(err)
	}
	return c
}
