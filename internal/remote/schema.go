package remote

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/histsync/internal/shared"
)

// entrySchema describes one history entry on the wire.
const entrySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "scope", "command", "status", "machineId", "sessionId", "createdAt", "updatedAt"],
  "properties": {
    "id": {"type": "string", "minLength": 1, "maxLength": 128},
    "requestId": {"type": "string", "maxLength": 128},
    "scope": {"enum": ["machine", "user", "global"]},
    "command": {"type": "string", "minLength": 1, "maxLength": 65536},
    "response": {"type": ["string", "null"], "maxLength": 65536},
    "errorMessage": {"type": "string", "maxLength": 4096},
    "status": {"enum": ["pending", "processing", "completed", "cancelled", "error"]},
    "machineId": {"type": "string", "minLength": 1, "maxLength": 128},
    "userId": {"type": "string", "maxLength": 128},
    "sessionId": {"type": "string", "maxLength": 128},
    "createdAt": {"type": "string", "format": "date-time"},
    "updatedAt": {"type": "string", "format": "date-time"},
    "completedAt": {"type": "string", "format": "date-time"}
  },
  "allOf": [
    {
      "if": {"properties": {"status": {"const": "completed"}}, "required": ["status"]},
      "then": {"required": ["response"], "properties": {"response": {"type": "string"}}}
    },
    {
      "if": {"properties": {"status": {"const": "cancelled"}}, "required": ["status"]},
      "then": {"properties": {"response": {"type": "null"}}}
    },
    {
      "if": {"properties": {"scope": {"const": "user"}}, "required": ["scope"]},
      "then": {"required": ["userId"], "properties": {"userId": {"minLength": 1}}}
    }
  ]
}`

// EntryValidator checks uploaded payloads before they are stored.
type EntryValidator struct {
	schema *jsonschema.Schema
}

func NewEntryValidator() (*EntryValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(entrySchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal entry schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource("entry.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("entry.json")
	if err != nil {
		return nil, fmt.Errorf("compile entry schema: %w", err)
	}
	return &EntryValidator{schema: schema}, nil
}

// Validate returns a *shared.ValidationError when raw does not match.
func (v *EntryValidator) Validate(raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &shared.ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()}
	}
	if err := v.schema.Validate(inst); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return &shared.ValidationError{Field: "body", Message: flatten(verr.Error())}
		}
		return &shared.ValidationError{Field: "body", Message: err.Error()}
	}
	return nil
}

func flatten(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	return strings.Join(lines, "; ")
}
