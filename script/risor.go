package script

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/modules/all"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"
)

type RisorScript struct {
	engine *RisorScriptingEngine
	code   *compiler.Code
}

func (s *RisorScript) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	combinedGlobals := make(map[string]any)
	for name, value := range s.engine.globals {
		combinedGlobals[name] = value
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

type RisorScriptingEngine struct {
	globals map[string]any
}

func NewRisorScriptingEngine(globals map[string]any) *RisorScriptingEngine {
	return &RisorScriptingEngine{globals: globals}
}

func (e *RisorScriptingEngine) Compile(ctx context.Context, code string) (Script, error) {
	ast, err := parser.Parse(ctx, code)
	if err != nil {
		return nil, err
	}

	var globalNames []string
	for name := range e.globals {
		globalNames = append(globalNames, name)
	}
	sort.Strings(globalNames)

	compiledCode, err := compiler.Compile(ast, compiler.WithGlobalNames(globalNames))
	if err != nil {
		return nil, err
	}
	return &RisorScript{engine: e, code: compiledCode}, nil
}

type RisorValue struct {
	obj object.Object
}

func (value *RisorValue) Value() any {
	return ConvertRisorValueToGo(value.obj)
}

func (value *RisorValue) IsTruthy() bool {
	return ConvertRisorValueToBool(value.obj)
}

func (value *RisorValue) String() string {
	switch v := value.obj.(type) {
	case *object.String:
		return v.Value()
	case *object.Int:
		return fmt.Sprintf("%d", v.Value())
	case *object.Float:
		return fmt.Sprintf("%g", v.Value())
	case *object.Bool:
		return fmt.Sprintf("%t", v.Value())
	case *object.Time:
		return v.Value().Format(time.RFC3339)
	case *object.NilType:
		return ""
	case *object.List:
		var items []string
		for _, item := range v.Value() {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return strings.Join(items, "\n\n")
	case *object.Map:
		var items []string
		for k, v := range v.Value() {
			items = append(items, fmt.Sprintf("%s: %v", k, v))
		}
		return strings.Join(items, "\n\n")
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", value.obj)
	}
}

// DefaultRisorGlobals returns the built-in functions exposed to agent
// scripts.
func DefaultRisorGlobals() map[string]any {
	globals := map[string]any{}
	for name, value := range all.Builtins() {
		globals[name] = value
	}
	return globals
}
