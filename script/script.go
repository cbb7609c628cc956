// Package script evaluates small Risor expressions and string templates used
// by pipeline stages, such as quality gates and fallback text.
package script

import (
	"context"
)

// Value represents the result of a script evaluation.
type Value interface {

	// Value returns the Go value for this value as an any
	Value() any

	// String returns the string representation of this value
	String() string

	// IsTruthy returns true if this value is truthy
	IsTruthy() bool
}

// Script represents a compiled script that can be evaluated.
type Script interface {
	Evaluate(ctx context.Context, globals map[string]any) (Value, error)
}

// Compiler compiles source code into a Script. Variables names the globals
// that will be supplied at evaluation time in addition to the compiler's
// own globals.
type Compiler interface {
	Compile(ctx context.Context, code string, variables ...string) (Script, error)
}
