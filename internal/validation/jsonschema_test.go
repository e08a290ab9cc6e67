package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piehands/campaignd/internal/graph"
	"github.com/piehands/campaignd/pkg/schema"
)

func newValidator(t *testing.T) *CanvasValidator {
	t.Helper()
	v, err := NewCanvasValidator()
	require.NoError(t, err)
	return v
}

func validCanvas() *schema.CanvasDefinition {
	return &schema.CanvasDefinition{
		Nodes: []schema.Node{
			{ID: "trigger", Type: schema.NodeTypeTrigger, Config: json.RawMessage(`{"mode":"immediate","target_group":"all_users"}`)},
			{ID: "branch", Type: schema.NodeTypeCondition, Config: json.RawMessage(`{"language":"expr"}`)},
			{ID: "wait", Type: schema.NodeTypeDelay, Config: json.RawMessage(`{"duration":"48h"}`)},
			{ID: "send", Type: schema.NodeTypeSendEmail, Config: json.RawMessage(`{"template_id":"tpl-1"}`)},
		},
		Edges: []schema.Edge{
			{From: "trigger", To: "branch"},
			{From: "branch", To: "send", Condition: `user.plan == "pro"`},
			{From: "branch", To: "wait", Default: true},
			{From: "wait", To: "send"},
		},
	}
}

func TestValidCanvasPasses(t *testing.T) {
	v := newValidator(t)
	assert.NoError(t, v.ValidateCanvas(validCanvas()))
}

func TestNilCanvasRejected(t *testing.T) {
	v := newValidator(t)
	err := v.ValidateCanvas(nil)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeValidation, engErr.Code)
}

func TestShapeViolationsReported(t *testing.T) {
	v := newValidator(t)

	cases := []struct {
		name   string
		mutate func(def *schema.CanvasDefinition)
	}{
		{"unknown node type", func(def *schema.CanvasDefinition) {
			def.Nodes[3].Type = "sms"
		}},
		{"empty node id", func(def *schema.CanvasDefinition) {
			def.Nodes[3].ID = ""
		}},
		{"send_email without template", func(def *schema.CanvasDefinition) {
			def.Nodes[3].Config = json.RawMessage(`{}`)
		}},
		{"delay with bad duration", func(def *schema.CanvasDefinition) {
			def.Nodes[2].Config = json.RawMessage(`{"duration":"two days"}`)
		}},
		{"trigger with unknown mode", func(def *schema.CanvasDefinition) {
			def.Nodes[0].Config = json.RawMessage(`{"mode":"manual"}`)
		}},
		{"condition with unknown language", func(def *schema.CanvasDefinition) {
			def.Nodes[1].Config = json.RawMessage(`{"language":"lua"}`)
		}},
		{"edge missing endpoint", func(def *schema.CanvasDefinition) {
			def.Edges[3].To = ""
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			def := validCanvas()
			tc.mutate(def)
			err := v.ValidateCanvas(def)
			var engErr *schema.EngineError
			require.ErrorAs(t, err, &engErr)
			assert.Equal(t, schema.ErrCodeValidation, engErr.Code)
		})
	}
}

func TestStructuralViolationsSurfaceGraphErrors(t *testing.T) {
	v := newValidator(t)

	t.Run("no trigger", func(t *testing.T) {
		def := &schema.CanvasDefinition{
			Nodes: []schema.Node{
				{ID: "send", Type: schema.NodeTypeSendEmail, Config: json.RawMessage(`{"template_id":"tpl-1"}`)},
			},
			Edges: []schema.Edge{},
		}
		var gerr *graph.Error
		require.ErrorAs(t, v.ValidateCanvas(def), &gerr)
		assert.Equal(t, graph.KindMissingTrigger, gerr.Kind)
	})

	t.Run("unreachable node", func(t *testing.T) {
		def := validCanvas()
		def.Nodes = append(def.Nodes, schema.Node{
			ID: "island", Type: schema.NodeTypeSendEmail, Config: json.RawMessage(`{"template_id":"tpl-2"}`),
		})
		var gerr *graph.Error
		require.ErrorAs(t, v.ValidateCanvas(def), &gerr)
		assert.Equal(t, graph.KindUnreachableNode, gerr.Kind)
		assert.Equal(t, "island", gerr.NodeID)
	})

	t.Run("duplicate node id", func(t *testing.T) {
		def := validCanvas()
		def.Nodes = append(def.Nodes, def.Nodes[3])
		var gerr *graph.Error
		require.ErrorAs(t, v.ValidateCanvas(def), &gerr)
		assert.Equal(t, graph.KindDuplicateNodeID, gerr.Kind)
	})
}

func TestValidateRaw(t *testing.T) {
	v := newValidator(t)

	raw, err := json.Marshal(validCanvas())
	require.NoError(t, err)
	def, err := v.ValidateRaw(raw)
	require.NoError(t, err)
	assert.Len(t, def.Nodes, 4)

	_, err = v.ValidateRaw([]byte(`{"nodes": [`))
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeValidation, engErr.Code)
}

func TestMultipleViolationsCollected(t *testing.T) {
	v := newValidator(t)
	def := validCanvas()
	def.Nodes[0].ID = ""
	def.Nodes[3].Type = "sms"

	err := v.ValidateCanvas(def)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	require.NotNil(t, engErr.Details)
	violations, ok := engErr.Details["violations"].([]string)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(violations), 2)
}
