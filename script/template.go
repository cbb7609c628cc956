package script

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var templateExpr = regexp.MustCompile(`\$\{([^}]+)\}`)

type segment struct {
	text   string
	script Script
}

// Template is a string with embedded ${...} expressions.
type Template struct {
	raw      string
	segments []segment
}

// NewTemplate compiles every ${...} expression in raw. Variables names the
// globals supplied when the template is evaluated.
func NewTemplate(engine Compiler, raw string, variables ...string) (*Template, error) {
	// First validate that all ${...} expressions are properly closed
	if strings.Count(raw, "${") > strings.Count(raw, "}") {
		return nil, fmt.Errorf("unclosed template expression in string: %q", raw)
	}

	t := &Template{raw: raw}
	var lastEnd int
	for _, match := range templateExpr.FindAllStringSubmatchIndex(raw, -1) {
		if match[0] > lastEnd {
			t.segments = append(t.segments, segment{text: raw[lastEnd:match[0]]})
		}
		expr := raw[match[2]:match[3]]
		compiled, err := engine.Compile(context.Background(), expr, variables...)
		if err != nil {
			return nil, fmt.Errorf("failed to compile template expression %q: %w", expr, err)
		}
		t.segments = append(t.segments, segment{script: compiled})
		lastEnd = match[1]
	}
	if lastEnd < len(raw) {
		t.segments = append(t.segments, segment{text: raw[lastEnd:]})
	}
	return t, nil
}

// Raw returns the template source
func (t *Template) Raw() string {
	return t.raw
}

// Eval renders the template with the given globals.
func (t *Template) Eval(ctx context.Context, globals map[string]any) (string, error) {
	var b strings.Builder
	for _, seg := range t.segments {
		if seg.script == nil {
			b.WriteString(seg.text)
			continue
		}
		result, err := seg.script.Evaluate(ctx, globals)
		if err != nil {
			return "", fmt.Errorf("failed to evaluate template expression: %w", err)
		}
		b.WriteString(result.String())
	}
	return b.String(), nil
}
