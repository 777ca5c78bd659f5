package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// ErrInvalidMapping is returned when a mapping file fails validation.
var ErrInvalidMapping = errors.New("invalid mapping")

// Mapping describes how source rows become board items and sub-items.
// Everything beyond the fields named here passes through opaquely.
type Mapping struct {
	BoardID           string                   `json:"board_id"`
	SubitemBoardID    string                   `json:"subitem_board_id"`
	BusinessKeyFields []string                 `json:"business_key"`
	CustomerField     string                   `json:"customer_field"`
	GroupLabel        string                   `json:"group_label"`
	ItemName          string                   `json:"item_name"`
	HashFields        []string                 `json:"hash_fields"`
	Columns           map[string]ColumnMapping `json:"columns"`
	Lines             LinesMapping             `json:"lines"`
	Dedupe            DedupeMapping            `json:"dedupe"`
}

// ColumnMapping maps one source field to a board column id.
// In YAML it may be given as a bare column id string.
type ColumnMapping struct {
	Column    string `json:"column"`
	Transform string `json:"transform,omitempty"`
}

// UnmarshalJSON accepts either "column_id" or {"column": ..., "transform": ...}.
func (c *ColumnMapping) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Column = s
		return nil
	}
	type alias ColumnMapping
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*c = ColumnMapping(a)
	return nil
}

// LinesMapping describes how size columns of a row are melted into lines.
type LinesMapping struct {
	MeltColumns   []string                 `json:"melt_columns"`
	QuantityField string                   `json:"quantity_field"`
	SubitemName   string                   `json:"subitem_name"`
	Columns       map[string]ColumnMapping `json:"columns"`
}

// DedupeMapping orders rows that share a business key.
type DedupeMapping struct {
	OrderBy    string `json:"order_by"`
	Descending bool   `json:"descending"`
}

// Transforms understood by column mappings.
var Transforms = []string{"upper", "lower", "trim", "number", "date", "status"}

const mappingSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["business_key", "customer_field", "group_label", "item_name", "hash_fields"],
  "additionalProperties": false,
  "properties": {
    "board_id": {"type": "string"},
    "subitem_board_id": {"type": "string"},
    "business_key": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
    "customer_field": {"type": "string", "minLength": 1},
    "group_label": {"type": "string", "minLength": 1},
    "item_name": {"type": "string", "minLength": 1},
    "hash_fields": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
    "columns": {"$ref": "#/$defs/columns"},
    "lines": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "melt_columns": {"type": "array", "items": {"type": "string", "minLength": 1}},
        "quantity_field": {"type": "string"},
        "subitem_name": {"type": "string"},
        "columns": {"$ref": "#/$defs/columns"}
      }
    },
    "dedupe": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "order_by": {"type": "string"},
        "descending": {"type": "boolean"}
      }
    }
  },
  "$defs": {
    "columns": {
      "type": "object",
      "additionalProperties": {
        "oneOf": [
          {"type": "string", "minLength": 1},
          {
            "type": "object",
            "required": ["column"],
            "additionalProperties": false,
            "properties": {
              "column": {"type": "string", "minLength": 1},
              "transform": {"enum": ["upper", "lower", "trim", "number", "date", "status"]}
            }
          }
        ]
      }
    }
  }
}`

var compiledMappingSchema = mustCompileSchema("mapping.json", mappingSchema)

// LoadMapping reads a mapping file, validates it against the mapping schema
// and decodes it. Validation failures wrap ErrInvalidMapping.
func LoadMapping(path string) (*Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading mapping file: %w", err)
	}
	return ParseMapping(data)
}

// ParseMapping validates and decodes mapping YAML.
func ParseMapping(data []byte) (*Mapping, error) {
	jsonData, err := ValidateYAML(compiledMappingSchema, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMapping, err)
	}

	var m Mapping
	if err := json.Unmarshal(jsonData, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMapping, err)
	}
	if m.Lines.QuantityField == "" {
		m.Lines.QuantityField = "QTY"
	}
	if m.Lines.SubitemName == "" {
		m.Lines.SubitemName = "{LINE_KEY}"
	}
	return &m, nil
}

// ValidateYAML converts YAML to JSON and validates it against schema.
// It returns the JSON form for decoding into typed structs.
func ValidateYAML(schema *jsonschema.Schema, data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	jsonData, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("convert to json: %w", err)
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return nil, err
	}
	return jsonData, nil
}

// CompileSchema compiles a JSON Schema document held in memory.
func CompileSchema(name, schema string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schema))
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	return c.Compile(name)
}

func mustCompileSchema(name, schema string) *jsonschema.Schema {
	s, err := CompileSchema(name, schema)
	if err != nil {
		panic(err)
	}
	return s
}
