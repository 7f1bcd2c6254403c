package feasibility

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/AaronLay10/Universalis/internal/intent"
)

const commonProps = `
    "kind": {"type": "string"},
    "not_before": {"type": "integer", "minimum": 0},
    "not_after": {"type": "integer", "minimum": 0}`

var actionSchemas = map[intent.ActionKind]string{
	intent.ActionMove: `{
  "type": "object",
  "required": ["kind", "destination"],
  "additionalProperties": false,
  "properties": {` + commonProps + `,
    "target": {"type": "string", "minLength": 1},
    "destination": {
      "type": "object",
      "required": ["x", "y"],
      "additionalProperties": false,
      "properties": {"x": {"type": "number"}, "y": {"type": "number"}}
    }
  }
}`,
	intent.ActionClaim: `{
  "type": "object",
  "required": ["kind", "target"],
  "additionalProperties": false,
  "properties": {` + commonProps + `,
    "target": {"type": "string", "minLength": 1}
  }
}`,
	intent.ActionRelease: `{
  "type": "object",
  "required": ["kind", "target"],
  "additionalProperties": false,
  "properties": {` + commonProps + `,
    "target": {"type": "string", "minLength": 1}
  }
}`,
	intent.ActionRelate: `{
  "type": "object",
  "required": ["kind", "target", "relation_type", "strength"],
  "additionalProperties": false,
  "properties": {` + commonProps + `,
    "target": {"type": "string", "minLength": 1},
    "relation_type": {"type": "string", "minLength": 1},
    "strength": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`,
	intent.ActionSetProperty: `{
  "type": "object",
  "required": ["kind", "property", "value"],
  "additionalProperties": false,
  "properties": {` + commonProps + `,
    "target": {"type": "string", "minLength": 1},
    "property": {"type": "string", "minLength": 1, "not": {"enum": ["owner"]}},
    "value": {}
  }
}`,
}

var (
	schemaOnce sync.Once
	compiled   map[intent.ActionKind]*jsonschema.Schema
	schemaErr  error
)

func schemas() (map[intent.ActionKind]*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiled = make(map[intent.ActionKind]*jsonschema.Schema, len(actionSchemas))
		for kind, src := range actionSchemas {
			s, err := jsonschema.CompileString("universalis://actions/"+string(kind)+".json", src)
			if err != nil {
				schemaErr = fmt.Errorf("compile %s schema: %w", kind, err)
				return
			}
			compiled[kind] = s
		}
	})
	return compiled, schemaErr
}

// ValidatePayload checks a structured payload against the schema for its kind.
func ValidatePayload(payload map[string]interface{}) error {
	all, err := schemas()
	if err != nil {
		return err
	}
	// Normalise YAML/Go values into the JSON data model the validator expects.
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("payload is not JSON-encodable: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("payload is not JSON-decodable: %w", err)
	}
	obj, _ := doc.(map[string]interface{})
	kind, _ := obj["kind"].(string)
	if kind == "" {
		return fmt.Errorf("payload has no kind")
	}
	s, ok := all[intent.ActionKind(kind)]
	if !ok {
		return fmt.Errorf("unknown action kind %q", kind)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("%s payload invalid: %s", kind, firstLine(err))
	}
	return nil
}

func firstLine(err error) string {
	if ve, ok := err.(*jsonschema.ValidationError); ok {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		loc := leaf.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return loc + ": " + leaf.Message
	}
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		return msg[:i]
	}
	return msg
}
