package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// intentSchema constrains the shape of every intent. Per-type required fields
// are enforced with if/then so a malformed intent never reaches a handler.
const intentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {
      "enum": [
        "newTask", "apiConfiguration", "autoApprovalSettings", "askResponse",
        "clearTask", "showTaskWithId", "deleteTaskWithId", "resetState",
        "cancelTask", "webviewDidLaunch", "didShowAnnouncement",
        "customInstructions", "refreshOpenRouterModels",
        "requestOllamaModels", "requestLmStudioModels"
      ]
    },
    "text": {"type": "string"},
    "images": {
      "type": "array",
      "maxItems": 20,
      "items": {"type": "string", "pattern": "^data:image/"}
    },
    "askResponse": {"enum": ["yesButtonClicked", "noButtonClicked", "messageResponse"]},
    "apiConfiguration": {"type": "object"},
    "autoApprovalSettings": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "maxRequests": {"type": "integer", "minimum": 0},
        "enableNotifications": {"type": "boolean"},
        "actions": {
          "type": "object",
          "additionalProperties": {"type": "boolean"}
        }
      }
    },
    "bool": {"type": "boolean"}
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"const": "newTask"}}},
      "then": {
        "anyOf": [
          {"required": ["text"], "properties": {"text": {"pattern": "\\S"}}},
          {"required": ["images"], "properties": {"images": {"minItems": 1}}}
        ]
      }
    },
    {
      "if": {"properties": {"type": {"const": "askResponse"}}},
      "then": {"required": ["askResponse"]}
    },
    {
      "if": {"properties": {"type": {"const": "apiConfiguration"}}},
      "then": {"required": ["apiConfiguration"]}
    },
    {
      "if": {"properties": {"type": {"const": "autoApprovalSettings"}}},
      "then": {"required": ["autoApprovalSettings"]}
    },
    {
      "if": {"properties": {"type": {"enum": ["showTaskWithId", "deleteTaskWithId"]}}},
      "then": {"required": ["text"], "properties": {"text": {"minLength": 1}}}
    }
  ]
}`

// IntentValidator checks raw intent frames against intentSchema.
type IntentValidator struct {
	schema *jsonschema.Schema
}

// NewIntentValidator compiles the intent schema.
func NewIntentValidator() (*IntentValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(intentSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal intent schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("intent.json", doc); err != nil {
		return nil, fmt.Errorf("add intent schema: %w", err)
	}
	schema, err := c.Compile("intent.json")
	if err != nil {
		return nil, fmt.Errorf("compile intent schema: %w", err)
	}
	return &IntentValidator{schema: schema}, nil
}

// Decode validates raw and decodes it into an Intent.
func (v *IntentValidator) Decode(raw []byte) (Intent, error) {
	// jsonschema wants json.Number for numeric keywords.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Intent{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return Intent{}, fmt.Errorf("invalid intent: %w", err)
	}
	var in Intent
	if err := json.Unmarshal(raw, &in); err != nil {
		return Intent{}, fmt.Errorf("decode intent: %w", err)
	}
	return in, nil
}
