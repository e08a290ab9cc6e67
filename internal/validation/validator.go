// Package validation checks canvas definitions at the authoring surface:
// JSON Schema for shape, then the graph builder for structure. Campaigns
// never leave DRAFT with a canvas that fails either layer.
package validation

import "github.com/piehands/campaignd/pkg/schema"

// Validator checks campaign canvases before activation.
type Validator interface {
	// ValidateCanvas checks a decoded canvas definition.
	ValidateCanvas(def *schema.CanvasDefinition) error
	// ValidateRaw checks a raw canvas JSON document as submitted by the
	// authoring API, before it is bound to a campaign.
	ValidateRaw(raw []byte) (*schema.CanvasDefinition, error)
}
