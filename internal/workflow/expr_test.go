package workflow

import "testing"

func TestEvalExprArithmetic(t *testing.T) {
	cases := []struct {
		expr string
		want interface{}
	}{
		{"1 + 2 * 3", 7.0},
		{"(1 + 2) * 3", 9.0},
		{"10 % 3", 1.0},
		{"-4 + 2", -2.0},
		{"'a' + 'b'", "ab"},
	}
	for _, c := range cases {
		got, err := EvalExpr(c.expr, nil)
		if err != nil {
			t.Fatalf("EvalExpr(%q): %v", c.expr, err)
		}
		if got != c.want {
			t.Errorf("EvalExpr(%q) = %v, want %v", c.expr, got, c.want)
		}
	}
}

func TestEvalExprComparisonAndLogic(t *testing.T) {
	scope := map[string]interface{}{
		"score": 0.9,
		"name":  "alpha",
	}
	cases := []struct {
		expr string
		want bool
	}{
		{"score > 0.8", true},
		{"score >= 0.9 && name == 'alpha'", true},
		{"score < 0.5 || name != 'alpha'", false},
		{"!(score > 0.8)", false},
	}
	for _, c := range cases {
		got, err := EvalCondition(c.expr, scope)
		if err != nil {
			t.Fatalf("EvalCondition(%q): %v", c.expr, err)
		}
		if got != c.want {
			t.Errorf("EvalCondition(%q) = %v, want %v", c.expr, got, c.want)
		}
	}
}

func TestEvalExprAccess(t *testing.T) {
	scope := map[string]interface{}{
		"result": map[string]interface{}{
			"items": []interface{}{"x", "y"},
			"meta":  map[string]interface{}{"count": 2.0},
		},
	}

	got, err := EvalExpr("result.meta.count", scope)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 2.0 {
		t.Fatalf("dot access = %v, want 2", got)
	}

	got, err = EvalExpr("result['items'][1]", scope)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "y" {
		t.Fatalf("index access = %v, want y", got)
	}
}

func TestEvalExprMissingIdentIsNil(t *testing.T) {
	got, err := EvalExpr("missing", map[string]interface{}{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("missing identifier = %v, want nil", got)
	}

	ok, err := EvalCondition("missing == 1", map[string]interface{}{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("nil == 1 evaluated true")
	}
}

func TestEvalExprShortCircuit(t *testing.T) {
	// The right side would divide by zero; && must not evaluate it.
	got, err := EvalCondition("false && 1 / 0 > 0", nil)
	if err != nil {
		t.Fatalf("short circuit failed: %v", err)
	}
	if got {
		t.Fatal("false && x = true")
	}
}

func TestEvalExprDivisionByZero(t *testing.T) {
	if _, err := EvalExpr("1 / 0", nil); err == nil {
		t.Fatal("expected division by zero error")
	}
}

func TestEvalExprSyntaxError(t *testing.T) {
	for _, expr := range []string{"1 +", "(1", "a ..b", "1 @ 2"} {
		if _, err := EvalExpr(expr, nil); err == nil {
			t.Errorf("EvalExpr(%q) accepted invalid input", expr)
		}
	}
}
