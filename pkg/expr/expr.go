// Package expr evaluates block property expressions against a set of named constants.
//
// Expressions and constant definitions use Starlark expression syntax. Constants may
// reference other constants; references are resolved lazily and cycles are reported
// as errors instead of looping.
package expr

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	starlarkmath "go.starlark.net/lib/math"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// maxSteps bounds the work a single expression may perform.
const maxSteps = 1_000_000

// ErrEmptyExpression is returned when a property has no expression to evaluate.
var ErrEmptyExpression = errors.New("empty expression")

// CycleError reports a constant that references itself through other constants.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "cyclic constant definition: " + strings.Join(e.Path, " -> ")
}

// Result is the outcome of evaluating one expression.
type Result struct {
	// Value is a JSON-compatible Go value.
	Value any `json:"value"`

	// Type is the Starlark type name of the value (int, float, string, ...).
	Type string `json:"type"`
}

// Evaluator resolves expressions against the constants it was last given.
// It is not safe for concurrent use.
type Evaluator struct {
	constants map[string]string
	resolved  map[string]starlark.Value
	base      starlark.StringDict
}

// New creates an evaluator with no constants.
func New() *Evaluator {
	return &Evaluator{
		constants: map[string]string{},
		resolved:  map[string]starlark.Value{},
		base: starlark.StringDict{
			"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
			"math":   starlarkmath.Module,
		},
	}
}

// SetConstants replaces the constant table and drops every cached resolution.
func (e *Evaluator) SetConstants(constants map[string]string) {
	e.constants = make(map[string]string, len(constants))
	for k, v := range constants {
		e.constants[k] = v
	}
	e.resolved = map[string]starlark.Value{}
}

// Constants returns the constant names currently known, sorted.
func (e *Evaluator) Constants() []string {
	names := make([]string, 0, len(e.constants))
	for k := range e.constants {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Eval evaluates a single expression.
func (e *Evaluator) Eval(expression string) (Result, error) {
	if strings.TrimSpace(expression) == "" {
		return Result{}, ErrEmptyExpression
	}

	v, err := e.eval(expression, nil)
	if err != nil {
		return Result{}, err
	}

	goVal, err := fromStarlarkValue(v)
	if err != nil {
		return Result{}, err
	}
	return Result{Value: goVal, Type: v.Type()}, nil
}

// eval evaluates an expression with every referenced constant predeclared.
// stack holds the constants currently being resolved.
func (e *Evaluator) eval(expression string, stack []string) (starlark.Value, error) {
	predeclared := make(starlark.StringDict, len(e.base))
	for k, v := range e.base {
		predeclared[k] = v
	}

	for _, name := range Identifiers(expression) {
		if _, ok := e.constants[name]; !ok {
			continue
		}
		v, err := e.resolve(name, stack)
		if err != nil {
			return nil, err
		}
		predeclared[name] = v
	}

	thread := &starlark.Thread{
		Name:  "expr",
		Print: func(_ *starlark.Thread, _ string) {},
	}
	thread.SetMaxExecutionSteps(maxSteps)

	v, err := starlark.Eval(thread, "<expr>", expression, predeclared)
	if err != nil {
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			return nil, fmt.Errorf("%s", evalErr.Msg)
		}
		return nil, err
	}
	return v, nil
}

func (e *Evaluator) resolve(name string, stack []string) (starlark.Value, error) {
	if v, ok := e.resolved[name]; ok {
		return v, nil
	}
	for i, s := range stack {
		if s == name {
			path := append(append([]string{}, stack[i:]...), name)
			return nil, &CycleError{Path: path}
		}
	}

	next := append(append([]string{}, stack...), name)
	v, err := e.eval(e.constants[name], next)
	if err != nil {
		var cycle *CycleError
		if errors.As(err, &cycle) {
			return nil, err
		}
		return nil, fmt.Errorf("constant %s: %w", name, err)
	}
	v.Freeze()
	e.resolved[name] = v
	return v, nil
}

// fromStarlarkValue converts a Starlark value to a JSON-compatible Go value.
func fromStarlarkValue(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case starlark.Tuple:
		return fromIterable(val, val.Len())
	case *starlark.List:
		return fromIterable(val, val.Len())
	case *starlark.Dict:
		dict := make(map[string]any, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]any)
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported value type: %s", v.Type())
	}
}

func fromIterable(it starlark.Iterable, n int) ([]any, error) {
	list := make([]any, 0, n)
	iter := it.Iterate()
	defer iter.Done()

	var x starlark.Value
	for iter.Next(&x) {
		item, err := fromStarlarkValue(x)
		if err != nil {
			return nil, err
		}
		list = append(list, item)
	}
	return list, nil
}
