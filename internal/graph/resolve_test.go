package graph

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/piehands/campaignd/internal/expressions"
	"github.com/piehands/campaignd/pkg/schema"
)

func testEngines(t *testing.T) *expressions.Registry {
	t.Helper()
	reg, err := expressions.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func branchCanvas(t *testing.T, language string) *Graph {
	t.Helper()
	var cfg json.RawMessage
	if language != "" {
		cfg, _ = json.Marshal(schema.ConditionConfig{Language: language})
	}
	def := &schema.CanvasDefinition{
		Nodes: []schema.Node{
			triggerNode("t"),
			{ID: "check", Type: schema.NodeTypeCondition, Config: cfg},
			sendNode("pro-mail"),
			sendNode("free-mail"),
		},
		Edges: []schema.Edge{
			edge("t", "check"),
			{From: "check", To: "pro-mail", Condition: `user.plan == "pro"`},
			{From: "check", To: "free-mail", Default: true},
		},
	}
	g, err := Build(def)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return g
}

func TestResolveNext_ActionFollowsSingleEdge(t *testing.T) {
	g := branchCanvas(t, "")
	next, err := ResolveNext(context.Background(), g, "t", testEngines(t), nil)
	if err != nil {
		t.Fatalf("ResolveNext: %v", err)
	}
	if len(next) != 1 || next[0] != "check" {
		t.Errorf("next = %v, want [check]", next)
	}
}

func TestResolveNext_TerminalNode(t *testing.T) {
	g := branchCanvas(t, "")
	next, err := ResolveNext(context.Background(), g, "pro-mail", testEngines(t), nil)
	if err != nil {
		t.Fatalf("ResolveNext: %v", err)
	}
	if len(next) != 0 {
		t.Errorf("terminal node resolved to %v", next)
	}
}

func TestResolveNext_ConditionMatch(t *testing.T) {
	g := branchCanvas(t, "")
	scope := map[string]any{"user": map[string]any{"plan": "pro"}}

	next, err := ResolveNext(context.Background(), g, "check", testEngines(t), scope)
	if err != nil {
		t.Fatalf("ResolveNext: %v", err)
	}
	if len(next) != 1 || next[0] != "pro-mail" {
		t.Errorf("next = %v, want [pro-mail]", next)
	}
}

func TestResolveNext_ConditionDefault(t *testing.T) {
	g := branchCanvas(t, "")
	scope := map[string]any{"user": map[string]any{"plan": "free"}}

	next, err := ResolveNext(context.Background(), g, "check", testEngines(t), scope)
	if err != nil {
		t.Fatalf("ResolveNext: %v", err)
	}
	if len(next) != 1 || next[0] != "free-mail" {
		t.Errorf("next = %v, want [free-mail]", next)
	}
}

func TestResolveNext_ConditionNoMatchNoDefault(t *testing.T) {
	def := &schema.CanvasDefinition{
		Nodes: []schema.Node{triggerNode("t"), conditionNode("check"), sendNode("mail")},
		Edges: []schema.Edge{
			edge("t", "check"),
			{From: "check", To: "mail", Condition: `user.plan == "pro"`},
		},
	}
	g, err := Build(def)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	// Unmatched condition with no default edge ends the path silently.
	next, err := ResolveNext(context.Background(), g, "check", testEngines(t),
		map[string]any{"user": map[string]any{"plan": "free"}})
	if err != nil {
		t.Fatalf("ResolveNext: %v", err)
	}
	if len(next) != 0 {
		t.Errorf("next = %v, want empty", next)
	}
}

func TestResolveNext_CELCondition(t *testing.T) {
	g := branchCanvas(t, "cel")
	scope := map[string]any{"user": map[string]any{"plan": "pro"}}

	next, err := ResolveNext(context.Background(), g, "check", testEngines(t), scope)
	if err != nil {
		t.Fatalf("ResolveNext: %v", err)
	}
	if len(next) != 1 || next[0] != "pro-mail" {
		t.Errorf("next = %v, want [pro-mail]", next)
	}
}

func TestResolveNext_UnknownNode(t *testing.T) {
	g := branchCanvas(t, "")
	if _, err := ResolveNext(context.Background(), g, "ghost", testEngines(t), nil); err == nil {
		t.Error("expected error for unknown node")
	}
}
