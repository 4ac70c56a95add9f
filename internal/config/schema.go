package config

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// JSONSchema describes Duration as a Go duration string.
func (Duration) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "string",
		Description: "Go duration, e.g. 30s, 8h, 168h",
		Pattern:     `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`,
	}
}

// Schema returns the JSON Schema of the configuration file, for editors
// that validate YAML.
func Schema() ([]byte, error) {
	r := jsonschema.Reflector{
		FieldNameTag:               "yaml",
		RequiredFromJSONSchemaTags: true,
		DoNotReference:             true,
	}
	s := r.Reflect(&Config{})
	s.Title = "herald configuration"
	return json.MarshalIndent(s, "", "  ")
}
