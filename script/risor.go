package script

import (
	"context"
	"fmt"
	"sort"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/modules/all"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"
)

// Confirm the interfaces are implemented correctly.
var (
	_ Compiler = (*RisorEngine)(nil)
	_ Script   = (*RisorScript)(nil)
	_ Value    = (*RisorValue)(nil)
)

type RisorScript struct {
	engine    *RisorEngine
	code      *compiler.Code
	variables []string
}

func (s *RisorScript) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	combinedGlobals := make(map[string]any, len(s.engine.globals)+len(s.variables))
	for name, value := range s.engine.globals {
		combinedGlobals[name] = value
	}
	// Declared variables that the caller leaves out evaluate to nil.
	for _, name := range s.variables {
		combinedGlobals[name] = nil
	}
	for name, value := range globals {
		combinedGlobals[name] = value
	}
	value, err := risor.EvalCode(ctx, s.code, risor.WithGlobals(combinedGlobals))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate risor script: %w", err)
	}
	return &RisorValue{obj: value}, nil
}

// RisorEngine compiles Risor code against a fixed set of globals.
type RisorEngine struct {
	globals map[string]any
}

// NewRisorEngine returns an engine with the given globals. Use SafeGlobals
// for deterministic builtins without I/O.
func NewRisorEngine(globals map[string]any) *RisorEngine {
	return &RisorEngine{globals: globals}
}

func (e *RisorEngine) Compile(ctx context.Context, code string, variables ...string) (Script, error) {
	ast, err := parser.Parse(ctx, code)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(e.globals)+len(variables))
	var globalNames []string
	for name := range e.globals {
		seen[name] = true
		globalNames = append(globalNames, name)
	}
	var extra []string
	for _, name := range variables {
		if !seen[name] {
			seen[name] = true
			globalNames = append(globalNames, name)
			extra = append(extra, name)
		}
	}
	sort.Strings(globalNames)

	compiledCode, err := compiler.Compile(ast, compiler.WithGlobalNames(globalNames))
	if err != nil {
		return nil, err
	}
	return &RisorScript{engine: e, code: compiledCode, variables: extra}, nil
}

type RisorValue struct {
	obj object.Object
}

func (value *RisorValue) Value() any {
	return goValue(value.obj)
}

func (value *RisorValue) IsTruthy() bool {
	return truthy(value.obj)
}

func (value *RisorValue) String() string {
	return text(value.obj)
}

// SafeGlobals returns the Risor builtins that are deterministic and free of
// side effects.
func SafeGlobals() map[string]any {
	safe := safeGlobalNames()
	globals := map[string]any{}
	for name, value := range all.Builtins() {
		if safe[name] {
			globals[name] = value
		}
	}
	return globals
}

func safeGlobalNames() map[string]bool {
	return map[string]bool{
		"all":      true,
		"any":      true,
		"bool":     true,
		"coalesce": true,
		"float":    true,
		"fmt":      true,
		"int":      true,
		"json":     true,
		"keys":     true,
		"len":      true,
		"list":     true,
		"map":      true,
		"math":     true,
		"regexp":   true,
		"reversed": true,
		"sorted":   true,
		"sprintf":  true,
		"string":   true,
		"strings":  true,
		"type":     true,
	}
}
