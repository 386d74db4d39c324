package schema

import (
	"fmt"
	"strings"

	"file-loader/internal/util"
)

// Semantic field types supported by the row-model facility.
const (
	TypeInteger  = "integer"
	TypeFloat    = "float"
	TypeBoolean  = "boolean"
	TypeDate     = "date"
	TypeDatetime = "datetime"
	TypeString   = "string"
)

// Column names the engine reserves on every target and stage table.
const (
	SourceFilenameColumn = "source_filename"
	FileRowNumberColumn  = "file_row_number"
)

// Constraints holds the optional field-level rules enforced by the validator.
type Constraints struct {
	// MinLength / MaxLength bound the length of the string form of the value.
	MinLength *int `yaml:"min_length,omitempty"`
	MaxLength *int `yaml:"max_length,omitempty"`
	// Min / Max bound numeric values (integer and float fields).
	Min *float64 `yaml:"min,omitempty"`
	Max *float64 `yaml:"max,omitempty"`
	// Enum restricts the string form of the value to a fixed set.
	Enum []string `yaml:"enum,omitempty"`
	// Predicate is a govaluate expression over the coerced value, exposed as
	// the parameter "value". It must evaluate to a boolean.
	Predicate string `yaml:"predicate,omitempty"`
}

// Field describes one field of a row model.
type Field struct {
	// Name is the canonical field name, used as the target column name.
	Name string `yaml:"name"`
	// Type is one of the semantic types (integer, float, boolean, date,
	// datetime, string).
	Type string `yaml:"type"`
	// Required marks fields that must be present and non-empty in every row.
	Required bool `yaml:"required,omitempty"`
	// Alias is the column name used in source files. Empty means the source
	// column is named the same as Name.
	Alias string `yaml:"alias,omitempty"`
	// Constraints are the optional field-level rules.
	Constraints *Constraints `yaml:"constraints,omitempty"`
}

// SourceAlias returns the column name this field carries in source files.
func (f Field) SourceAlias() string {
	if f.Alias != "" {
		return f.Alias
	}
	return f.Name
}

// RowModel is the declarative description of one source's rows: named typed
// fields plus the grain (the ordered natural key of the target table).
type RowModel struct {
	Fields []Field  `yaml:"fields"`
	Grain  []string `yaml:"grain"`
}

// FieldNames returns the canonical field names in declaration order.
func (m *RowModel) FieldNames() []string {
	names := make([]string, len(m.Fields))
	for i, f := range m.Fields {
		names[i] = f.Name
	}
	return names
}

// FieldByName looks up a field by canonical name.
func (m *RowModel) FieldByName(name string) (Field, bool) {
	for _, f := range m.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// RequiredAliases returns the source-column aliases of all required fields.
func (m *RowModel) RequiredAliases() []string {
	var aliases []string
	for _, f := range m.Fields {
		if f.Required {
			aliases = append(aliases, f.SourceAlias())
		}
	}
	return aliases
}

// IsGrainField reports whether the canonical field name is part of the grain.
func (m *RowModel) IsGrainField(name string) bool {
	for _, g := range m.Grain {
		if g == name {
			return true
		}
	}
	return false
}

// NonGrainFields returns the canonical names of fields outside the grain.
func (m *RowModel) NonGrainFields() []string {
	var names []string
	for _, f := range m.Fields {
		if !m.IsGrainField(f.Name) {
			names = append(names, f.Name)
		}
	}
	return names
}

func validType(t string) bool {
	switch t {
	case TypeInteger, TypeFloat, TypeBoolean, TypeDate, TypeDatetime, TypeString:
		return true
	}
	return false
}

// Validate checks the model's internal consistency: unique legal field names,
// known types, non-empty grain whose fields exist and are required, and no
// collision with the reserved provenance columns.
func (m *RowModel) Validate() error {
	if len(m.Fields) == 0 {
		return fmt.Errorf("row model has no fields")
	}
	seen := make(map[string]bool, len(m.Fields))
	for _, f := range m.Fields {
		if f.Name == "" {
			return fmt.Errorf("row model field with empty name")
		}
		if !util.IsLegalIdentifier(f.Name) {
			return fmt.Errorf("field name '%s' is not a legal SQL identifier", f.Name)
		}
		if f.Name == SourceFilenameColumn || f.Name == FileRowNumberColumn {
			return fmt.Errorf("field name '%s' is reserved", f.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("duplicate field name '%s'", f.Name)
		}
		seen[f.Name] = true
		if !validType(f.Type) {
			return fmt.Errorf("field '%s' has unknown type '%s'", f.Name, f.Type)
		}
		if c := f.Constraints; c != nil {
			if c.MinLength != nil && *c.MinLength < 0 {
				return fmt.Errorf("field '%s': min_length must be >= 0", f.Name)
			}
			if c.MinLength != nil && c.MaxLength != nil && *c.MinLength > *c.MaxLength {
				return fmt.Errorf("field '%s': min_length exceeds max_length", f.Name)
			}
			if c.Min != nil && c.Max != nil && *c.Min > *c.Max {
				return fmt.Errorf("field '%s': min exceeds max", f.Name)
			}
		}
	}
	if len(m.Grain) == 0 {
		return fmt.Errorf("row model has no grain")
	}
	grainSeen := make(map[string]bool, len(m.Grain))
	for _, g := range m.Grain {
		if grainSeen[g] {
			return fmt.Errorf("duplicate grain field '%s'", g)
		}
		grainSeen[g] = true
		f, ok := m.FieldByName(g)
		if !ok {
			return fmt.Errorf("grain field '%s' is not a model field", g)
		}
		if !f.Required {
			return fmt.Errorf("grain field '%s' must be required", g)
		}
	}
	return nil
}

// Compatible reports whether two models describe the same table shape: same
// field names and types and the same grain. Required/alias/constraint
// differences do not affect the DDL and are tolerated.
func (m *RowModel) Compatible(other *RowModel) bool {
	if len(m.Fields) != len(other.Fields) || len(m.Grain) != len(other.Grain) {
		return false
	}
	types := make(map[string]string, len(m.Fields))
	for _, f := range m.Fields {
		types[f.Name] = f.Type
	}
	for _, f := range other.Fields {
		if t, ok := types[f.Name]; !ok || t != f.Type {
			return false
		}
	}
	return strings.Join(m.Grain, ",") == strings.Join(other.Grain, ",")
}
