package config

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// settingsSchema constrains the Settings YAML shape before it is trusted.
const settingsSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "workDir": {"type": "string"},
    "simpleMbrBlob": {"type": "string"},
    "backupDir": {"type": "string"}
  }
}`

// ValidateSettingsYAML schema-validates raw YAML settings content,
// returning a descriptive error on the first violation.
func ValidateSettingsYAML(data []byte) error {
	return ValidateYAMLAgainstSchema(data, settingsSchema)
}

// ValidateYAMLAgainstSchema decodes YAML into a generic document and
// validates it against the given inline JSON schema text.
func ValidateYAMLAgainstSchema(data []byte, schemaText string) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode yaml: %w", err)
	}
	doc = normalizeForSchema(doc)

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("inline.json", bytes.NewReader([]byte(schemaText))); err != nil {
		return fmt.Errorf("load schema: %w", err)
	}
	schema, err := compiler.Compile("inline.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// normalizeForSchema converts yaml.v3's map[string]any decoding into the
// map[string]interface{} shape jsonschema/v5 expects, recursively.
func normalizeForSchema(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeForSchema(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeForSchema(val)
		}
		return out
	default:
		return v
	}
}
