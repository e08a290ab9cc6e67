package graph

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/piehands/campaignd/pkg/schema"
)

// Kind classifies structural defects found while validating a canvas.
type Kind string

const (
	KindMissingTrigger   Kind = "MISSING_TRIGGER"
	KindMultipleTriggers Kind = "MULTIPLE_TRIGGERS"
	KindUnreachableNode  Kind = "UNREACHABLE_NODE"
	KindDuplicateNodeID  Kind = "DUPLICATE_NODE_ID"
	KindDanglingEdge     Kind = "DANGLING_EDGE"
)

// Error is a structural canvas defect. Activation rejects the campaign on
// the first Error found; these are never retried.
type Error struct {
	Kind    Kind
	NodeID  string
	Message string
}

func (e *Error) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("invalid canvas (%s) at node %s: %s", e.Kind, e.NodeID, e.Message)
	}
	return fmt.Sprintf("invalid canvas (%s): %s", e.Kind, e.Message)
}

func newError(kind Kind, nodeID, format string, args ...any) *Error {
	return &Error{Kind: kind, NodeID: nodeID, Message: fmt.Sprintf(format, args...)}
}

// Graph is the flat-table representation of a validated campaign canvas.
// Nodes and edges are kept in maps keyed by node ID so traversal and
// reachability analysis are plain map/slice operations; campaign canvases
// may contain cycles (re-engagement loops), so there is no topological order.
type Graph struct {
	Nodes map[string]*schema.Node
	// Out holds each node's outgoing edges in author order. Author order is
	// significant for condition nodes: the first matching edge wins.
	Out map[string][]schema.Edge

	TriggerID string
	trigger   schema.TriggerConfig
}

// Build validates a canvas definition and returns its executable graph.
// Structural defects are reported as *Error with a Kind; malformed node
// configs are reported as validation EngineErrors.
func Build(def *schema.CanvasDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "canvas definition is nil")
	}
	if len(def.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "canvas has no nodes")
	}

	g := &Graph{
		Nodes: make(map[string]*schema.Node, len(def.Nodes)),
		Out:   make(map[string][]schema.Edge, len(def.Nodes)),
	}

	// First pass: register nodes, reject duplicates, locate the trigger.
	var triggers []string
	for i := range def.Nodes {
		node := &def.Nodes[i]
		if node.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node at index %d has empty ID", i)
		}
		if _, exists := g.Nodes[node.ID]; exists {
			return nil, newError(KindDuplicateNodeID, node.ID, "node ID appears more than once")
		}
		g.Nodes[node.ID] = node
		if node.Type == schema.NodeTypeTrigger {
			triggers = append(triggers, node.ID)
		}
	}

	if len(triggers) > 1 {
		return nil, newError(KindMultipleTriggers, triggers[1], "canvas has %d trigger nodes, want exactly one", len(triggers))
	}
	if len(triggers) == 0 {
		return nil, newError(KindMissingTrigger, "", "canvas has no trigger node")
	}
	g.TriggerID = triggers[0]

	// Second pass: edges. Both endpoints must exist, and nothing may point
	// at the trigger — a trigger with incoming edges is not a valid entry
	// point, so the canvas effectively has no trigger.
	incoming := make(map[string]int, len(def.Nodes))
	for _, edge := range def.Edges {
		if edge.From == "" || edge.To == "" {
			return nil, newError(KindDanglingEdge, "", "edge %q -> %q has an empty endpoint", edge.From, edge.To)
		}
		if _, ok := g.Nodes[edge.From]; !ok {
			return nil, newError(KindDanglingEdge, edge.From, "edge source %q does not exist", edge.From)
		}
		if _, ok := g.Nodes[edge.To]; !ok {
			return nil, newError(KindDanglingEdge, edge.To, "edge target %q does not exist", edge.To)
		}
		if edge.To == g.TriggerID {
			return nil, newError(KindMissingTrigger, g.TriggerID, "trigger has an incoming edge from %q", edge.From)
		}
		g.Out[edge.From] = append(g.Out[edge.From], edge)
		incoming[edge.To]++
	}

	// Third pass: every node must be reachable from the trigger.
	if unreached := g.firstUnreachable(); unreached != "" {
		return nil, newError(KindUnreachableNode, unreached, "node is not reachable from the trigger")
	}

	// Fourth pass: node-type constraints and config shape.
	for _, node := range g.Nodes {
		if err := g.validateNode(node); err != nil {
			return nil, err
		}
	}

	if err := json.Unmarshal(configOrEmpty(g.Nodes[g.TriggerID].Config), &g.trigger); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "trigger config: %s", err.Error()).WithNode(g.TriggerID)
	}

	return g, nil
}

// Node returns the node with the given ID, or nil.
func (g *Graph) Node(id string) *schema.Node {
	return g.Nodes[id]
}

// Trigger returns the trigger node's parsed config.
func (g *Graph) Trigger() schema.TriggerConfig {
	return g.trigger
}

// firstUnreachable runs a BFS from the trigger and returns the ID of an
// unreached node, or "" when all nodes are reachable. With multiple
// unreached nodes the lexicographically smallest is reported so validation
// output is deterministic.
func (g *Graph) firstUnreachable() string {
	visited := make(map[string]bool, len(g.Nodes))
	queue := []string{g.TriggerID}
	visited[g.TriggerID] = true

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, edge := range g.Out[id] {
			if !visited[edge.To] {
				visited[edge.To] = true
				queue = append(queue, edge.To)
			}
		}
	}

	var first string
	for id := range g.Nodes {
		if !visited[id] && (first == "" || id < first) {
			first = id
		}
	}
	return first
}

// validateNode checks type-specific constraints on a canvas node.
func (g *Graph) validateNode(node *schema.Node) error {
	out := g.Out[node.ID]

	switch node.Type {
	case schema.NodeTypeTrigger:
		var cfg schema.TriggerConfig
		if err := json.Unmarshal(configOrEmpty(node.Config), &cfg); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "trigger config: %s", err.Error()).WithNode(node.ID)
		}
		switch cfg.Mode {
		case schema.TriggerModeImmediate, schema.TriggerModeEvent:
		default:
			return schema.NewErrorf(schema.ErrCodeValidation, "trigger has unknown mode %q", cfg.Mode).WithNode(node.ID)
		}
		if cfg.Mode == schema.TriggerModeEvent && cfg.EventName == "" {
			return schema.NewError(schema.ErrCodeValidation, "event trigger has no event name").WithNode(node.ID)
		}
		if len(out) > 1 {
			return schema.NewErrorf(schema.ErrCodeValidation, "trigger has %d outgoing edges, want at most one", len(out)).WithNode(node.ID)
		}

	case schema.NodeTypeSendEmail:
		var cfg schema.SendEmailConfig
		if err := json.Unmarshal(configOrEmpty(node.Config), &cfg); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "send_email config: %s", err.Error()).WithNode(node.ID)
		}
		if cfg.TemplateID == "" {
			return schema.NewError(schema.ErrCodeValidation, "send_email node has no template").WithNode(node.ID)
		}
		if len(out) > 1 {
			return schema.NewErrorf(schema.ErrCodeValidation, "send_email node has %d outgoing edges, want at most one", len(out)).WithNode(node.ID)
		}

	case schema.NodeTypeCondition:
		var cfg schema.ConditionConfig
		if err := json.Unmarshal(configOrEmpty(node.Config), &cfg); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "condition config: %s", err.Error()).WithNode(node.ID)
		}
		if len(out) == 0 {
			return schema.NewError(schema.ErrCodeValidation, "condition node has no outgoing edges").WithNode(node.ID)
		}
		defaults := 0
		for _, edge := range out {
			if edge.Default || edge.Condition == "" {
				defaults++
			}
		}
		if defaults > 1 {
			return schema.NewError(schema.ErrCodeValidation, "condition node has more than one default edge").WithNode(node.ID)
		}

	case schema.NodeTypeDelay:
		var cfg schema.DelayConfig
		if err := json.Unmarshal(configOrEmpty(node.Config), &cfg); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "delay config: %s", err.Error()).WithNode(node.ID)
		}
		if _, err := time.ParseDuration(cfg.Duration); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "delay node has invalid duration %q", cfg.Duration).WithNode(node.ID)
		}
		if len(out) > 1 {
			return schema.NewErrorf(schema.ErrCodeValidation, "delay node has %d outgoing edges, want at most one", len(out)).WithNode(node.ID)
		}

	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown node type %q", node.Type).WithNode(node.ID)
	}

	return nil
}

func configOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}
