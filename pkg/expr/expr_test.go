package expr

import (
	"errors"
	"reflect"
	"testing"
)

func TestEval(t *testing.T) {
	e := New()
	e.SetConstants(map[string]string{
		"base":  "10",
		"twice": "base * 2",
		"name":  `"osc"`,
	})

	tests := []struct {
		name     string
		expr     string
		want     any
		wantType string
	}{
		{name: "int literal", expr: "42", want: int64(42), wantType: "int"},
		{name: "float", expr: "1.5 * 2", want: float64(3), wantType: "float"},
		{name: "constant", expr: "base + 1", want: int64(11), wantType: "int"},
		{name: "transitive constant", expr: "twice", want: int64(20), wantType: "int"},
		{name: "string", expr: "name + '_1'", want: "osc_1", wantType: "string"},
		{name: "list", expr: "[base, 2]", want: []any{int64(10), int64(2)}, wantType: "list"},
		{name: "tuple", expr: "(1, 'a')", want: []any{int64(1), "a"}, wantType: "tuple"},
		{name: "dict", expr: "{'k': True}", want: map[string]any{"k": true}, wantType: "dict"},
		{name: "none", expr: "None", want: nil, wantType: "NoneType"},
		{name: "math module", expr: "math.floor(2.7)", want: int64(2), wantType: "int"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Eval(tt.expr)
			if err != nil {
				t.Fatalf("Eval(%q) error = %v", tt.expr, err)
			}
			if !reflect.DeepEqual(got.Value, tt.want) {
				t.Errorf("Eval(%q) = %#v, want %#v", tt.expr, got.Value, tt.want)
			}
			if got.Type != tt.wantType {
				t.Errorf("Eval(%q) type = %s, want %s", tt.expr, got.Type, tt.wantType)
			}
		})
	}
}

func TestEvalErrors(t *testing.T) {
	e := New()
	e.SetConstants(map[string]string{"bad": "1 +"})

	if _, err := e.Eval("   "); !errors.Is(err, ErrEmptyExpression) {
		t.Errorf("empty expression error = %v, want ErrEmptyExpression", err)
	}
	if _, err := e.Eval("undefined_name"); err == nil {
		t.Error("expected error for undefined name")
	}
	if _, err := e.Eval("bad"); err == nil {
		t.Error("expected error for broken constant")
	}
	if _, err := e.Eval("1/0"); err == nil {
		t.Error("expected error for division by zero")
	}
}

func TestEvalCycle(t *testing.T) {
	e := New()
	e.SetConstants(map[string]string{
		"a": "b + 1",
		"b": "a + 1",
	})

	_, err := e.Eval("a")
	var cycle *CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("Eval() error = %v, want CycleError", err)
	}
	if got := cycle.Error(); got != "cyclic constant definition: a -> b -> a" {
		t.Errorf("cycle message = %q", got)
	}
}

func TestSetConstantsDropsCache(t *testing.T) {
	e := New()
	e.SetConstants(map[string]string{"k": "1"})
	if r, _ := e.Eval("k"); r.Value != int64(1) {
		t.Fatalf("first eval = %v", r.Value)
	}

	e.SetConstants(map[string]string{"k": "2"})
	if r, _ := e.Eval("k"); r.Value != int64(2) {
		t.Errorf("eval after SetConstants = %v, want 2", r.Value)
	}
	if got := e.Constants(); !reflect.DeepEqual(got, []string{"k"}) {
		t.Errorf("Constants() = %v", got)
	}
}

func TestIdentifiers(t *testing.T) {
	tests := []struct {
		expr string
		want []string
	}{
		{expr: "", want: []string{}},
		{expr: "a + b * a", want: []string{"a", "b"}},
		{expr: "gain_1*2.0", want: []string{"gain_1"}},
		{expr: "math.floor(x)", want: []string{"math", "floor", "x"}},
		{expr: "'lit' + _p", want: []string{"lit", "_p"}},
	}
	for _, tt := range tests {
		if got := Identifiers(tt.expr); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Identifiers(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}
