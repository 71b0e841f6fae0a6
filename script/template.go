package script

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var exprPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Template renders a prompt whose ${...} expressions are evaluated by a
// scripting engine. Expressions are compiled once when the template is built;
// Eval substitutes their results into the surrounding text.
type Template struct {
	source   string
	segments []segment
}

// segment is one run of a template: literal text, or a compiled expression.
type segment struct {
	text string
	expr Script
}

// NewTemplate compiles every ${...} expression in source against the engine.
func NewTemplate(engine Compiler, source string) (*Template, error) {
	if strings.Count(source, "${") > strings.Count(source, "}") {
		return nil, fmt.Errorf("unclosed expression in template: %q", source)
	}
	t := &Template{source: source}
	var last int
	for _, loc := range exprPattern.FindAllStringSubmatchIndex(source, -1) {
		if loc[0] > last {
			t.segments = append(t.segments, segment{text: source[last:loc[0]]})
		}
		code := source[loc[2]:loc[3]]
		expr, err := engine.Compile(context.Background(), code)
		if err != nil {
			return nil, fmt.Errorf("failed to compile template expression %q: %w", code, err)
		}
		t.segments = append(t.segments, segment{expr: expr})
		last = loc[1]
	}
	if last < len(source) {
		t.segments = append(t.segments, segment{text: source[last:]})
	}
	return t, nil
}

// Eval renders the template, evaluating each expression with the globals.
func (t *Template) Eval(ctx context.Context, globals map[string]any) (string, error) {
	if len(t.segments) == 0 {
		return t.source, nil
	}
	var out strings.Builder
	for _, seg := range t.segments {
		if seg.expr == nil {
			out.WriteString(seg.text)
			continue
		}
		value, err := seg.expr.Evaluate(ctx, globals)
		if err != nil {
			return "", fmt.Errorf("failed to evaluate template expression: %w", err)
		}
		out.WriteString(value.String())
	}
	return out.String(), nil
}
