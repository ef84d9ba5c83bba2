package model

import (
	"encoding/json"
	"fmt"

	"github.com/harun/toolmesh/pkg/toolprovider"
)

// schemaObject decodes a tool input schema into a map. An empty schema is an
// object without properties.
func schemaObject(d toolprovider.Descriptor) (map[string]any, error) {
	if len(d.InputSchema) == 0 {
		return map[string]any{"type": "object", "properties": map[string]any{}}, nil
	}

	var schema map[string]any
	if err := json.Unmarshal(d.InputSchema, &schema); err != nil {
		return nil, fmt.Errorf("tool %s: decode input schema: %w", d.Name, err)
	}
	if schema == nil {
		schema = map[string]any{}
	}
	if _, ok := schema["type"]; !ok {
		schema["type"] = "object"
	}
	if _, ok := schema["properties"]; !ok {
		schema["properties"] = map[string]any{}
	}
	return schema, nil
}

func requiredFields(schema map[string]any) []string {
	raw, ok := schema["required"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// extraSchemaFields returns the schema keywords other than type, properties
// and required, such as $defs or additionalProperties. Nil when there are none.
func extraSchemaFields(schema map[string]any) map[string]any {
	var extra map[string]any
	for key, value := range schema {
		switch key {
		case "type", "properties", "required":
			continue
		}
		if extra == nil {
			extra = make(map[string]any)
		}
		extra[key] = value
	}
	return extra
}

// parseArguments decodes a tool-call argument payload. Empty input means no arguments.
func parseArguments(raw string) (map[string]any, error) {
	if raw == "" || raw == "null" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("%w: tool arguments are not a JSON object: %v", ErrMalformedOutput, err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
