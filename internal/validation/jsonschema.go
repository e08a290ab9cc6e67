package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/piehands/campaignd/internal/graph"
	"github.com/piehands/campaignd/pkg/schema"
)

// canvasSchemaJSON is the JSON Schema for canvas definitions. Embedded as
// a constant to avoid filesystem dependencies.
const canvasSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://piehands.dev/schemas/canvas.json",
  "type": "object",
  "required": ["nodes", "edges"],
  "properties": {
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": "array",
      "items": { "$ref": "#/$defs/edge" }
    },
    "metadata": {
      "type": "object"
    }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": {
          "type": "string",
          "minLength": 1
        },
        "type": {
          "type": "string",
          "enum": ["trigger", "send_email", "condition", "delay"]
        },
        "name": { "type": "string" },
        "config": { "type": "object" }
      },
      "additionalProperties": false,
      "allOf": [
        {
          "if": { "properties": { "type": { "const": "trigger" } } },
          "then": {
            "properties": {
              "config": {
                "type": "object",
                "required": ["mode"],
                "properties": {
                  "mode": {
                    "type": "string",
                    "enum": ["immediate", "event"]
                  },
                  "target_group": {
                    "type": "string",
                    "enum": ["all_users"]
                  },
                  "event_name": {
                    "type": "string",
                    "minLength": 1
                  }
                }
              }
            },
            "required": ["config"]
          }
        },
        {
          "if": { "properties": { "type": { "const": "send_email" } } },
          "then": {
            "properties": {
              "config": {
                "type": "object",
                "required": ["template_id"],
                "properties": {
                  "template_id": {
                    "type": "string",
                    "minLength": 1
                  }
                }
              }
            },
            "required": ["config"]
          }
        },
        {
          "if": { "properties": { "type": { "const": "condition" } } },
          "then": {
            "properties": {
              "config": {
                "type": "object",
                "properties": {
                  "language": {
                    "type": "string",
                    "enum": ["expr", "cel", "jq"]
                  }
                }
              }
            }
          }
        },
        {
          "if": { "properties": { "type": { "const": "delay" } } },
          "then": {
            "properties": {
              "config": {
                "type": "object",
                "required": ["duration"],
                "properties": {
                  "duration": {
                    "type": "string",
                    "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
                  }
                }
              }
            },
            "required": ["config"]
          }
        }
      ]
    },
    "edge": {
      "type": "object",
      "required": ["from", "to"],
      "properties": {
        "from": {
          "type": "string",
          "minLength": 1
        },
        "to": {
          "type": "string",
          "minLength": 1
        },
        "condition": { "type": "string" },
        "default": { "type": "boolean" }
      },
      "additionalProperties": false
    }
  }
}`

// CanvasValidator implements Validator using JSON Schema Draft 2020-12
// for shape and the graph builder for structure. Safe for concurrent use.
type CanvasValidator struct {
	canvasSchema *jsonschema.Schema
}

// NewCanvasValidator compiles the embedded canvas schema.
func NewCanvasValidator() (*CanvasValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(canvasSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal canvas schema: %w", err)
	}
	if err := c.AddResource("https://piehands.dev/schemas/canvas.json", doc); err != nil {
		return nil, fmt.Errorf("add canvas schema resource: %w", err)
	}
	compiled, err := c.Compile("https://piehands.dev/schemas/canvas.json")
	if err != nil {
		return nil, fmt.Errorf("compile canvas schema: %w", err)
	}
	return &CanvasValidator{canvasSchema: compiled}, nil
}

// ValidateCanvas checks a decoded canvas: schema shape first for precise
// field-level messages, then the structural rules the graph builder
// enforces (single trigger, reachability, edge integrity, node configs).
func (v *CanvasValidator) ValidateCanvas(def *schema.CanvasDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "canvas definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize canvas definition").WithCause(err)
	}
	if err := v.canvasSchema.Validate(doc); err != nil {
		return toValidationError(err)
	}

	if _, err := graph.Build(def); err != nil {
		return err
	}
	return nil
}

// ValidateRaw decodes and checks a raw canvas JSON document.
func (v *CanvasValidator) ValidateRaw(raw []byte) (*schema.CanvasDefinition, error) {
	var def schema.CanvasDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "canvas is not valid JSON").WithCause(err)
	}
	if err := v.ValidateCanvas(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so
// numeric values become json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toValidationError converts a jsonschema.ValidationError into an
// EngineError carrying every leaf violation.
func toValidationError(err error) *schema.EngineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "canvas validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
