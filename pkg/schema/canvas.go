package schema

import "encoding/json"

// CanvasDefinition is the JSON-serializable campaign graph authored in the
// canvas editor. It is owned by the campaign and replaced wholesale on edit;
// once a campaign is activated the definition is treated as immutable.
type CanvasDefinition struct {
	Nodes    []Node         `json:"nodes"`
	Edges    []Edge         `json:"edges"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Node is a single node in the campaign canvas.
type Node struct {
	ID     string          `json:"id"`
	Type   NodeType        `json:"type"`
	Name   string          `json:"name,omitempty"`
	Config json.RawMessage `json:"config,omitempty"` // type-specific config
}

// NodeType enumerates the kinds of nodes in a campaign canvas.
type NodeType string

const (
	NodeTypeTrigger   NodeType = "trigger"
	NodeTypeSendEmail NodeType = "send_email"
	NodeTypeCondition NodeType = "condition"
	NodeTypeDelay     NodeType = "delay"
)

// Edge is a directed connection between two canvas nodes. Condition edges
// carry an expression evaluated against the enrollment scope; the first
// matching edge wins. An edge marked Default is taken when no conditional
// sibling matches.
type Edge struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
	Default   bool   `json:"default,omitempty"`
}

// TriggerMode selects how a trigger node enrolls users.
type TriggerMode string

const (
	// TriggerModeImmediate enrolls the qualifying audience at activation time.
	TriggerModeImmediate TriggerMode = "immediate"
	// TriggerModeEvent defers enrollment until a matching tracked event
	// arrives for a user after activation.
	TriggerModeEvent TriggerMode = "event"
)

// TargetGroup selects the audience of an immediate trigger.
type TargetGroup string

const (
	TargetGroupAllUsers TargetGroup = "all_users"
)

// TriggerConfig is the config block for trigger nodes.
type TriggerConfig struct {
	Mode        TriggerMode `json:"mode"`
	TargetGroup TargetGroup `json:"target_group,omitempty"` // immediate mode
	EventName   string      `json:"event_name,omitempty"`   // event mode
}

// SendEmailConfig is the config block for send_email nodes.
type SendEmailConfig struct {
	TemplateID string `json:"template_id"`
}

// ConditionConfig is the config block for condition nodes. The branch
// expressions themselves live on the node's outgoing edges.
type ConditionConfig struct {
	Language string `json:"language,omitempty"` // expr | cel | jq (default: expr)
}

// DelayConfig is the config block for delay nodes.
type DelayConfig struct {
	Duration string `json:"duration"` // e.g. "30m", "48h"
}
