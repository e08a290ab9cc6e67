package graph

import (
	"context"
	"encoding/json"

	"github.com/piehands/campaignd/internal/expressions"
	"github.com/piehands/campaignd/pkg/schema"
)

// ResolveNext computes the node(s) an enrollment moves to after finishing
// currentNodeID.
//
// For condition nodes the outgoing edges are tried in author order: the
// first edge whose expression is truthy against the scope wins. If none
// match, the default edge (explicit Default flag or empty condition) is
// taken. No match and no default yields an empty result — the path ends
// silently, which completes the enrollment.
//
// For every other node type all outgoing edges are followed (validation
// caps them at one), and an empty result again means the path terminates.
func ResolveNext(ctx context.Context, g *Graph, currentNodeID string, engines *expressions.Registry, scope map[string]any) ([]string, error) {
	node := g.Node(currentNodeID)
	if node == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "node %q not in canvas", currentNodeID)
	}

	out := g.Out[currentNodeID]
	if len(out) == 0 {
		return nil, nil
	}

	if node.Type != schema.NodeTypeCondition {
		next := make([]string, 0, len(out))
		for _, edge := range out {
			next = append(next, edge.To)
		}
		return next, nil
	}

	var cfg schema.ConditionConfig
	if err := json.Unmarshal(configOrEmpty(node.Config), &cfg); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "condition config: %s", err.Error()).WithNode(node.ID)
	}
	engine, err := engines.ForLanguage(cfg.Language)
	if err != nil {
		return nil, err
	}

	var defaultEdge *schema.Edge
	for i := range out {
		edge := &out[i]
		if edge.Default || edge.Condition == "" {
			if defaultEdge == nil {
				defaultEdge = edge
			}
			continue
		}
		result, err := engine.Evaluate(ctx, edge.Condition, scope)
		if err != nil {
			return nil, err
		}
		if expressions.Truthy(result) {
			return []string{edge.To}, nil
		}
	}

	if defaultEdge != nil {
		return []string{defaultEdge.To}, nil
	}
	return nil, nil
}
