package script

import (
	"context"
	"fmt"
)

// Condition is a compiled boolean expression.
type Condition struct {
	expr   string
	script Script
}

// NewCondition compiles expr. Variables names the globals supplied when the
// condition is checked.
func NewCondition(ctx context.Context, engine Compiler, expr string, variables ...string) (*Condition, error) {
	if expr == "" {
		return nil, fmt.Errorf("condition expression required")
	}
	compiled, err := engine.Compile(ctx, expr, variables...)
	if err != nil {
		return nil, fmt.Errorf("failed to compile condition %q: %w", expr, err)
	}
	return &Condition{expr: expr, script: compiled}, nil
}

// String returns the condition source
func (c *Condition) String() string {
	return c.expr
}

// Check evaluates the condition and reports whether the result is truthy.
func (c *Condition) Check(ctx context.Context, globals map[string]any) (bool, error) {
	value, err := c.script.Evaluate(ctx, globals)
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", c.expr, err)
	}
	return value.IsTruthy(), nil
}
