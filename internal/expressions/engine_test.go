package expressions

import (
	"context"
	"testing"
)

func testScope() map[string]any {
	return map[string]any{
		"user": map[string]any{
			"id":     "u1",
			"plan":   "pro",
			"visits": 12,
		},
		"event": map[string]any{
			"name": "signup_completed",
			"properties": map[string]any{
				"source": "referral",
			},
		},
	}
}

func TestRegistry_ForLanguage(t *testing.T) {
	reg, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	for _, lang := range []string{"", "expr", "cel", "jq"} {
		if _, err := reg.ForLanguage(lang); err != nil {
			t.Errorf("ForLanguage(%q): %v", lang, err)
		}
	}

	if _, err := reg.ForLanguage("lua"); err == nil {
		t.Error("expected error for unknown language")
	}
}

func TestExprEngine_Evaluate(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), `user.plan == "pro" && user.visits > 10`, testScope())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if out != true {
		t.Errorf("expected true, got %v", out)
	}

	// Undefined variables resolve to nil instead of erroring.
	out, err = e.Evaluate(context.Background(), `user.missing == nil`, testScope())
	if err != nil {
		t.Fatalf("Evaluate with undefined: %v", err)
	}
	if out != true {
		t.Errorf("expected true, got %v", out)
	}

	if _, err := e.Evaluate(context.Background(), "", testScope()); err == nil {
		t.Error("expected error for empty expression")
	}
}

func TestCELEngine_Evaluate(t *testing.T) {
	e, err := NewCELEngine()
	if err != nil {
		t.Fatalf("NewCELEngine: %v", err)
	}

	out, err := e.Evaluate(context.Background(), `event.name == "signup_completed"`, testScope())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if out != true {
		t.Errorf("expected true, got %v", out)
	}

	// Missing scope keys default to empty maps, not runtime errors.
	if _, err := e.Evaluate(context.Background(), `has(enrollment.node)`, testScope()); err != nil {
		t.Errorf("missing scope key should not error: %v", err)
	}

	if _, err := e.Evaluate(context.Background(), `user.plan ==`, testScope()); err == nil {
		t.Error("expected compile error")
	}
}

func TestJQEngine_Evaluate(t *testing.T) {
	e := NewJQEngine()

	out, err := e.Evaluate(context.Background(), `.event.properties.source == "referral"`, testScope())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if out != true {
		t.Errorf("expected true, got %v", out)
	}

	// Probing an absent path yields nil, which is falsy.
	out, err = e.Evaluate(context.Background(), `.event.properties.utm`, testScope())
	if err != nil {
		t.Fatalf("Evaluate absent path: %v", err)
	}
	if Truthy(out) {
		t.Errorf("expected falsy result, got %v", out)
	}
}

func TestTruthy(t *testing.T) {
	cases := []struct {
		in   any
		want bool
	}{
		{nil, false},
		{true, true},
		{false, false},
		{"", false},
		{"pro", true},
		{0, false},
		{3, true},
		{float64(0), false},
		{float64(0.5), true},
		{map[string]any{}, true},
	}
	for _, c := range cases {
		if got := Truthy(c.in); got != c.want {
			t.Errorf("Truthy(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestEngineCaching(t *testing.T) {
	e := NewExprEngine()
	expr := `user.visits > 5`

	if _, err := e.Evaluate(context.Background(), expr, testScope()); err != nil {
		t.Fatalf("first Evaluate: %v", err)
	}

	e.mu.RLock()
	_, cached := e.cache[expr]
	e.mu.RUnlock()
	if !cached {
		t.Error("compiled program was not cached")
	}
}
