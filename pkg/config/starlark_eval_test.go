package config

import (
	"context"
	"testing"
	"time"
)

func TestStarlarkEvaluator_Evaluate(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	tests := []struct {
		name      string
		script    string
		input     map[string]interface{}
		checkFunc func(*testing.T, *StarlarkResult)
		wantErr   bool
	}{
		{
			name:   "simple arithmetic",
			script: `result = 2 + 2`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["result"] != int64(4) {
					t.Errorf("expected result=4, got %v", sr.Output["result"])
				}
			},
		},
		{
			name:   "use input variables",
			script: `doubled = count * 2`,
			input:  map[string]interface{}{"count": 5},
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["doubled"] != int64(10) {
					t.Errorf("expected doubled=10, got %v", sr.Output["doubled"])
				}
			},
		},
		{
			name: "zone helper",
			script: `
zones = {"worker%d" % i: zone(process = "w%d" % i, threads = 2, yield_mode = "spin") for i in range(3)}
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				zones, ok := sr.Output["zones"].(map[string]interface{})
				if !ok {
					t.Fatalf("expected zones to be a dict, got %T", sr.Output["zones"])
				}
				if len(zones) != 3 {
					t.Fatalf("expected 3 zones, got %d", len(zones))
				}
				w1, ok := zones["worker1"].(map[string]interface{})
				if !ok {
					t.Fatalf("expected worker1 to be a dict, got %T", zones["worker1"])
				}
				if w1["processName"] != "w1" || w1["threadCount"] != int64(2) || w1["yieldMode"] != "spin" {
					t.Errorf("unexpected worker1: %v", w1)
				}
				if _, ok := w1["hostUri"]; ok {
					t.Error("empty host should be omitted")
				}
			},
		},
		{
			name: "functions and private globals are not exported",
			script: `
def _double(n):
    return n * 2

def helper():
    return 1

_hidden = 3
visible = _double(_hidden)
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if len(sr.Output) != 1 || sr.Output["visible"] != int64(6) {
					t.Errorf("unexpected output: %v", sr.Output)
				}
			},
		},
		{
			name: "struct converts to dict",
			script: `
result = struct(processName = "gpu", threadCount = 1)
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				result, ok := sr.Output["result"].(map[string]interface{})
				if !ok || result["processName"] != "gpu" {
					t.Errorf("unexpected result: %v", sr.Output["result"])
				}
			},
		},
		{
			name:    "syntax error",
			script:  `invalid syntax here`,
			wantErr: true,
		},
		{
			name:    "runtime error",
			script:  `result = undefined_variable`,
			wantErr: true,
		},
		{
			name:    "non-string dict keys",
			script:  `result = {1: "a"}`,
			wantErr: true,
		},
		{
			name:    "zone helper rejects unknown arguments",
			script:  `z = zone(cores = 4)`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(ctx, "test.star", tt.script, tt.input)

			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got none")
				}
				if result == nil || result.Error == "" {
					t.Error("expected error text in result")
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.Error != "" {
				t.Errorf("unexpected result error: %s", result.Error)
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, result)
			}
		})
	}
}

func TestStarlarkEvaluator_Timeout(t *testing.T) {
	evaluator := NewStarlarkEvaluator(100 * time.Millisecond)

	script := `
def slow_function():
    result = 0
    for i in range(100000000):
        result = result + i
    return result

output = slow_function()
`

	start := time.Now()
	result, err := evaluator.Evaluate(context.Background(), "slow.star", script, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if result == nil || result.Error == "" {
		t.Error("expected timeout error in result")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestStarlarkEvaluator_PrintSuppressed(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)

	result, err := evaluator.Evaluate(context.Background(), "print.star", `
print("this should not appear")
result = "done"
`, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Output["result"] != "done" {
		t.Errorf("expected result='done', got %v", result.Output["result"])
	}
}
