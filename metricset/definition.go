package metricset

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/counterstream/errors"
)

// Definition is the JSON document form of a metric set, as submitted over
// the gateway or loaded from a definitions directory.
type Definition struct {
	UUID    string     `json:"uuid"`
	Name    string     `json:"name,omitempty"`
	Mux     []Register `json:"mux"`
	Boolean []Register `json:"boolean,omitempty"`
	Flex    []Register `json:"flex,omitempty"`
}

// definitionSchema validates the document shape before any register-level
// checking. Register addresses and values are 32-bit.
const definitionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["uuid", "mux"],
  "additionalProperties": false,
  "properties": {
    "uuid": {"type": "string", "minLength": 36, "maxLength": 36},
    "name": {"type": "string", "maxLength": 128},
    "mux": {"$ref": "#/definitions/registers"},
    "boolean": {"$ref": "#/definitions/registers"},
    "flex": {"$ref": "#/definitions/registers"}
  },
  "definitions": {
    "registers": {
      "type": "array",
      "maxItems": 1024,
      "items": {
        "type": "object",
        "required": ["addr", "value"],
        "additionalProperties": false,
        "properties": {
          "addr": {"type": "integer", "minimum": 0, "maximum": 4294967295},
          "value": {"type": "integer", "minimum": 0, "maximum": 4294967295}
        }
      }
    }
  }
}`

var definitionSchemaLoader = gojsonschema.NewStringLoader(definitionSchema)

// ParseDefinition validates and decodes a metric set document.
func ParseDefinition(doc []byte) (*Definition, error) {
	result, err := gojsonschema.Validate(definitionSchemaLoader, gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return nil, errors.WrapInvalid(err, "metricset", "ParseDefinition", "schema validation")
	}
	if !result.Valid() {
		first := result.Errors()[0]
		return nil, errors.WrapInvalid(
			fmt.Errorf("definition invalid: %s", first.String()),
			"metricset", "ParseDefinition", "schema validation")
	}

	var def Definition
	if err := json.Unmarshal(doc, &def); err != nil {
		return nil, errors.WrapInvalid(err, "metricset", "ParseDefinition", "json decode")
	}
	return &def, nil
}

// AddDefinition parses doc and publishes it in the registry.
func (r *Registry) AddDefinition(doc []byte) (int, error) {
	def, err := ParseDefinition(doc)
	if err != nil {
		return 0, err
	}
	return r.Add(def.UUID, def.Mux, def.Boolean, def.Flex)
}
