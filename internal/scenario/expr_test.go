package scenario

import "testing"

func TestEvalExpr_Comparisons(t *testing.T) {
	vars := map[string]any{"age": 21.0, "name": "ada", "tags": []any{"vip", "new"}}

	cases := []struct {
		expr string
		want bool
	}{
		{"age >= 18", true},
		{"age < 18", false},
		{"name == 'ada'", true},
		{"name != 'ada'", false},
		{"tags contains 'vip'", true},
		{"'vip' in tags", true},
		{"tags contains 'missing'", false},
		{"exists name", true},
		{"exists missing_var", false},
		{"not age < 18", true},
		{"age >= 18 and name == 'ada'", true},
		{"age < 18 or name == 'ada'", true},
	}

	for _, c := range cases {
		e, err := CompileExpr(c.expr)
		if err != nil {
			t.Fatalf("CompileExpr(%q): %v", c.expr, err)
		}
		if got := EvalExpr(e, vars); got != c.want {
			t.Errorf("EvalExpr(%q) = %v, want %v", c.expr, got, c.want)
		}
	}
}

func TestEvalExpr_MissingVariableIsFalseNotError(t *testing.T) {
	e, err := CompileExpr("missing == 'x'")
	if err != nil {
		t.Fatalf("CompileExpr: %v", err)
	}
	if EvalExpr(e, map[string]any{}) {
		t.Fatalf("expected false for comparison against a missing variable")
	}
}

func TestCompileExpr_RejectsMalformedGrammar(t *testing.T) {
	bad := []string{
		"age >=",
		"age >> 18",
		"(age == 18",
		"age == 'unterminated",
	}
	for _, src := range bad {
		if _, err := CompileExpr(src); err == nil {
			t.Errorf("CompileExpr(%q): expected error, got nil", src)
		}
	}
}

func TestEvalExpr_NumericStringCoercion(t *testing.T) {
	e, err := CompileExpr("count > 5")
	if err != nil {
		t.Fatalf("CompileExpr: %v", err)
	}
	if !EvalExpr(e, map[string]any{"count": "10"}) {
		t.Fatalf("expected numeric coercion of string \"10\" to succeed")
	}
}
