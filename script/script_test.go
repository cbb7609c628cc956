package script

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTemplate(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		variables   []string
		globals     map[string]any
		wantErr     bool
		want        string
		errContains string
	}{
		{
			name:  "plain string without template variables",
			input: "Hello World",
			want:  "Hello World",
		},
		{
			name:      "string with single template variable",
			input:     "Hello ${profile.name}",
			variables: []string{"profile"},
			globals: map[string]any{
				"profile": map[string]any{"name": "Alice"},
			},
			want: "Hello Alice",
		},
		{
			name:      "string with multiple template variables",
			input:     "${greeting} ${name}! The answer is ${40 + 2}",
			variables: []string{"greeting", "name"},
			globals: map[string]any{
				"greeting": "Hello",
				"name":     "Bob",
			},
			want: "Hello Bob! The answer is 42",
		},
		{
			name:      "empty expression result does not shift later values",
			input:     "[${a}][${b}]",
			variables: []string{"a", "b"},
			globals:   map[string]any{"a": "", "b": "x"},
			want:      "[][x]",
		},
		{
			name:  "string with nested expressions",
			input: "Result: ${1 + (2 * 3)}",
			want:  "Result: 7",
		},
		{
			name:        "invalid template syntax - unclosed brace",
			input:       "Hello ${name",
			variables:   []string{"name"},
			wantErr:     true,
			errContains: "unclosed template expression",
		},
		{
			name:        "invalid expression inside template",
			input:       "Hello ${1 +}",
			wantErr:     true,
			errContains: "invalid expression",
		},
		{
			name:        "undefined variable",
			input:       "Hello ${undefined_var}",
			wantErr:     true,
			errContains: "undefined variable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl, err := NewTemplate(NewRisorEngine(SafeGlobals()), tt.input, tt.variables...)
			if tt.wantErr {
				require.Error(t, err)
				if tt.errContains != "" {
					require.Contains(t, err.Error(), tt.errContains)
				}
				return
			}
			require.NoError(t, err)
			got, err := tmpl.Eval(context.Background(), tt.globals)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestCondition(t *testing.T) {
	ctx := context.Background()
	engine := NewRisorEngine(SafeGlobals())

	cond, err := NewCondition(ctx, engine, "score >= 0.8", "score", "feedback")
	require.NoError(t, err)
	require.Equal(t, "score >= 0.8", cond.String())

	ok, err := cond.Check(ctx, map[string]any{"score": 0.85})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = cond.Check(ctx, map[string]any{"score": 0.5, "feedback": "thin"})
	require.NoError(t, err)
	require.False(t, ok)

	t.Run("uses builtins", func(t *testing.T) {
		cond, err := NewCondition(ctx, engine, `score > 0.5 && len(feedback) > 0`, "score", "feedback")
		require.NoError(t, err)
		ok, err := cond.Check(ctx, map[string]any{"score": 0.9, "feedback": "good"})
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("empty expression", func(t *testing.T) {
		_, err := NewCondition(ctx, engine, "")
		require.Error(t, err)
	})

	t.Run("undeclared variable", func(t *testing.T) {
		_, err := NewCondition(ctx, engine, "quality > 1")
		require.Error(t, err)
	})
}

func TestRisorValue(t *testing.T) {
	ctx := context.Background()
	engine := NewRisorEngine(SafeGlobals())

	compiled, err := engine.Compile(ctx, `[1, "two", true]`)
	require.NoError(t, err)
	value, err := compiled.Evaluate(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, []any{int64(1), "two", true}, value.Value())
	require.Equal(t, "1, two, true", value.String())
	require.True(t, value.IsTruthy())

	compiled, err = engine.Compile(ctx, `nil`)
	require.NoError(t, err)
	value, err = compiled.Evaluate(ctx, nil)
	require.NoError(t, err)
	require.Nil(t, value.Value())
	require.False(t, value.IsTruthy())
}
