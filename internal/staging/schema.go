package staging

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/hyperengineering/deltasync/internal/config"
	"github.com/hyperengineering/deltasync/internal/store"
)

var (
	// ErrInvalidSchema is returned when a schema definition file is malformed.
	ErrInvalidSchema = errors.New("invalid schema definition")

	// ErrSchemaMismatch is returned when source or catalog columns drift from
	// the schema definition. It is fatal: nothing has been written.
	ErrSchemaMismatch = errors.New("schema mismatch")
)

// ColumnType is a logical column type of a schema definition.
type ColumnType string

const (
	TypeInteger   ColumnType = "integer"
	TypeDecimal   ColumnType = "decimal"
	TypeText      ColumnType = "text"
	TypeDate      ColumnType = "date"
	TypeTimestamp ColumnType = "timestamp"
	TypeBoolean   ColumnType = "boolean"
)

// ColumnDef is one column of a schema definition.
type ColumnDef struct {
	Name     string     `json:"name"`
	Type     ColumnType `json:"type"`
	Nullable bool       `json:"nullable"`
}

// SchemaDefinition is the explicit column layout of a production table.
// Types come from the definition, never from the data being loaded.
type SchemaDefinition struct {
	Table   string      `json:"table"`
	Columns []ColumnDef `json:"columns"`
}

// ColumnNames returns the column names in definition order.
func (d SchemaDefinition) ColumnNames() []string {
	names := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		names[i] = c.Name
	}
	return names
}

const schemaDefinitionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["table", "columns"],
  "additionalProperties": false,
  "properties": {
    "table": {"type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_]*$"},
    "columns": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "type"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_]*$"},
          "type": {"enum": ["integer", "decimal", "text", "date", "timestamp", "boolean"]},
          "nullable": {"type": "boolean"}
        }
      }
    }
  }
}`

var compiledDefinitionSchema, compileErr = config.CompileSchema("staging-schema.json", schemaDefinitionSchema)

// LoadSchema reads and validates a schema definition file.
func LoadSchema(path string) (*SchemaDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	return ParseSchema(data)
}

// ParseSchema validates and decodes schema definition YAML.
func ParseSchema(data []byte) (*SchemaDefinition, error) {
	if compileErr != nil {
		return nil, compileErr
	}
	jsonData, err := config.ValidateYAML(compiledDefinitionSchema, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}

	var def SchemaDefinition
	if err := json.Unmarshal(jsonData, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}

	seen := make(map[string]bool, len(def.Columns))
	for _, c := range def.Columns {
		key := strings.ToLower(c.Name)
		if seen[key] {
			return nil, fmt.Errorf("%w: duplicate column %q", ErrInvalidSchema, c.Name)
		}
		seen[key] = true
	}
	return &def, nil
}

// CheckColumns compares source columns against the definition by count and
// name, ignoring order and case.
func CheckColumns(def *SchemaDefinition, sourceColumns []string) error {
	if len(sourceColumns) != len(def.Columns) {
		return fmt.Errorf("%w: definition has %d columns, source has %d",
			ErrSchemaMismatch, len(def.Columns), len(sourceColumns))
	}
	want := make(map[string]bool, len(def.Columns))
	for _, c := range def.Columns {
		want[strings.ToLower(c.Name)] = true
	}
	var missing []string
	for _, c := range sourceColumns {
		if !want[strings.ToLower(c)] {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: source columns not in definition: %s",
			ErrSchemaMismatch, strings.Join(missing, ", "))
	}
	return nil
}

// sqlType returns the declared column type for a dialect.
func sqlType(t ColumnType, dialect store.Dialect) string {
	pg := dialect.Name == store.Postgres.Name
	switch t {
	case TypeInteger:
		return "BIGINT"
	case TypeDecimal:
		return "NUMERIC"
	case TypeDate:
		return "DATE"
	case TypeTimestamp:
		if pg {
			return "TIMESTAMPTZ"
		}
		return "TIMESTAMP"
	case TypeBoolean:
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

// catalogType returns the type name the catalog reports for a column created
// with sqlType.
func catalogType(t ColumnType, dialect store.Dialect) string {
	if dialect.Name != store.Postgres.Name {
		return sqlType(t, dialect)
	}
	switch t {
	case TypeInteger:
		return "bigint"
	case TypeDecimal:
		return "numeric"
	case TypeDate:
		return "date"
	case TypeTimestamp:
		return "timestamp with time zone"
	case TypeBoolean:
		return "boolean"
	default:
		return "text"
	}
}
