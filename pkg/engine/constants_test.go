package engine

import (
	"errors"
	"reflect"
	"testing"

	"github.com/openfroyo/livegraph/pkg/expr"
)

func TestConstantGraph_References(t *testing.T) {
	g := NewConstantGraph(
		map[string]string{"a": "b + 1", "b": "2"},
		map[string]string{"a": "b + c", "b": "2", "c": "3", "d": "4"},
	)

	tests := []struct {
		name       string
		expression string
		want       []string
	}{
		{"literal", "42", []string{}},
		{"direct", "d * 2", []string{"d"}},
		{"transitive", "a", []string{"a", "b", "c"}},
		{"unknown names ignored", "math.sqrt(x)", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := g.References(tt.expression)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("References(%q) = %v, want %v", tt.expression, got, tt.want)
			}
		})
	}
}

func TestConstantGraph_Changed(t *testing.T) {
	prev := map[string]string{"kind": "base", "base": `"float32"`, "level": "2", "gone": "1"}
	next := map[string]string{"kind": "base", "base": `"int8"`, "level": "2", "fresh": "1"}
	g := NewConstantGraph(prev, next)

	tests := []struct {
		expression string
		want       bool
	}{
		{"level", false},
		{"kind", true},
		{"base", true},
		{"gone", true},
		{"fresh", true},
		{"1 + 2", false},
	}
	for _, tt := range tests {
		got, err := g.Changed(tt.expression)
		if err != nil {
			t.Fatalf("Changed(%q) error = %v", tt.expression, err)
		}
		if got != tt.want {
			t.Errorf("Changed(%q) = %v, want %v", tt.expression, got, tt.want)
		}
	}
}

func TestConstantGraph_Cycle(t *testing.T) {
	g := NewConstantGraph(nil, map[string]string{"a": "b", "b": "a", "c": "1"})

	changed, err := g.Changed("a + c")
	if !changed {
		t.Error("cycle should count as changed")
	}
	var cycle *expr.CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected *expr.CycleError, got %v", err)
	}
	if want := "cyclic constant definition: a -> b -> a"; err.Error() != want {
		t.Errorf("error = %q, want %q", err.Error(), want)
	}

	if _, err := g.Changed("c"); err != nil {
		t.Errorf("unreachable cycle reported: %v", err)
	}
}

func TestConstantGraph_FixedCycleNotReported(t *testing.T) {
	g := NewConstantGraph(
		map[string]string{"a": "b", "b": "a"},
		map[string]string{"a": "1", "b": "a"},
	)
	changed, err := g.Changed("b")
	if err != nil {
		t.Fatalf("Changed() error = %v", err)
	}
	if !changed {
		t.Error("expected change through a")
	}
}
