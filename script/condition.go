package script

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Condition is a compiled boolean expression over workflow state, such as
// `state.pattern == 'DATA_ONLY'`.
type Condition struct {
	source string
	script Script
}

// CompileCondition compiles expr with compiler.
func CompileCondition(ctx context.Context, compiler Compiler, expr string) (*Condition, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("empty condition")
	}
	compiled, err := compiler.Compile(ctx, expr)
	if err != nil {
		return nil, fmt.Errorf("compile condition %q: %w", expr, err)
	}
	return &Condition{source: expr, script: compiled}, nil
}

// Source returns the expression text.
func (c *Condition) Source() string {
	return c.source
}

// Test evaluates the condition with state bound to the "state" global.
func (c *Condition) Test(ctx context.Context, state map[string]any) (bool, error) {
	normalized, err := Normalize(state)
	if err != nil {
		return false, err
	}
	value, err := c.script.Evaluate(ctx, map[string]any{"state": normalized})
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", c.source, err)
	}
	return value.IsTruthy(), nil
}

var templateExpr = regexp.MustCompile(`\$\{([^}]+)\}`)

// Template renders text containing ${...} expressions, for example
// "Collecting data for ${state.symbol}".
type Template struct {
	raw   string
	parts []string
	exprs []Script
}

// NewTemplate compiles every ${...} expression in raw.
func NewTemplate(ctx context.Context, compiler Compiler, raw string) (*Template, error) {
	if strings.Count(raw, "${") > strings.Count(raw, "}") {
		return nil, fmt.Errorf("unclosed template expression in %q", raw)
	}
	t := &Template{raw: raw}
	matches := templateExpr.FindAllStringSubmatchIndex(raw, -1)
	last := 0
	for _, m := range matches {
		t.parts = append(t.parts, raw[last:m[0]])
		expr := raw[m[2]:m[3]]
		compiled, err := compiler.Compile(ctx, expr)
		if err != nil {
			return nil, fmt.Errorf("compile template expression %q: %w", expr, err)
		}
		t.exprs = append(t.exprs, compiled)
		last = m[1]
	}
	t.parts = append(t.parts, raw[last:])
	return t, nil
}

// Render evaluates the template against state.
func (t *Template) Render(ctx context.Context, state map[string]any) (string, error) {
	if len(t.exprs) == 0 {
		return t.raw, nil
	}
	normalized, err := Normalize(state)
	if err != nil {
		return "", err
	}
	globals := map[string]any{"state": normalized}
	var b strings.Builder
	for i, expr := range t.exprs {
		b.WriteString(t.parts[i])
		value, err := expr.Evaluate(ctx, globals)
		if err != nil {
			return "", fmt.Errorf("render template: %w", err)
		}
		b.WriteString(value.String())
	}
	b.WriteString(t.parts[len(t.parts)-1])
	return b.String(), nil
}
