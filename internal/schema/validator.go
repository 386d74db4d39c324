package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Knetic/govaluate"
)

// FieldError is one per-field validation failure. ColumnName is the source
// alias the operator sees in their files, ColumnValue the string form of the
// offending value, ErrorType a stable machine-readable kind, and ErrorMsg a
// lowercased human-readable message.
type FieldError struct {
	ColumnName  string `json:"column_name"`
	ColumnValue string `json:"column_value"`
	ErrorType   string `json:"error_type"`
	ErrorMsg    string `json:"error_msg"`
}

// Error types produced by the validator.
const (
	ErrTypeIntParsing      = "int_parsing"
	ErrTypeFloatParsing    = "float_parsing"
	ErrTypeBoolParsing     = "bool_parsing"
	ErrTypeDateParsing     = "date_parsing"
	ErrTypeDatetimeParsing = "datetime_parsing"
	ErrTypeMissing         = "missing_required"
	ErrTypeLengthBelowMin  = "length_below_min"
	ErrTypeLengthAboveMax  = "length_above_max"
	ErrTypeValueBelowMin   = "value_below_min"
	ErrTypeValueAboveMax   = "value_above_max"
	ErrTypeNotInEnum       = "not_in_enum"
	ErrTypePredicate       = "predicate_failed"
	ErrTypeColumnOverflow  = "column_overflow"
)

// Validator coerces raw field maps into typed records keyed by canonical
// field names and enforces the model's constraints. It is pure and stateless
// after construction and safe for concurrent use.
type Validator struct {
	model      *RowModel
	predicates map[string]*govaluate.EvaluableExpression
}

// NewValidator compiles the model's predicate expressions and returns a
// validator bound to the model.
func NewValidator(model *RowModel) (*Validator, error) {
	preds := make(map[string]*govaluate.EvaluableExpression)
	for _, f := range model.Fields {
		if f.Constraints == nil || f.Constraints.Predicate == "" {
			continue
		}
		expr, err := govaluate.NewEvaluableExpression(f.Constraints.Predicate)
		if err != nil {
			return nil, fmt.Errorf("field '%s': invalid predicate '%s': %w", f.Name, f.Constraints.Predicate, err)
		}
		preds[f.Name] = expr
	}
	return &Validator{model: model, predicates: preds}, nil
}

// ValidateRow renames source aliases to canonical names, drops unknown
// fields, coerces each present value to its declared type, and enforces the
// declared constraints. It returns either a typed record with every model
// field present (nil for absent optional fields) and no errors, or the
// ordered list of per-field errors.
func (v *Validator) ValidateRow(raw map[string]interface{}) (map[string]interface{}, []FieldError) {
	record := make(map[string]interface{}, len(v.model.Fields))
	var errs []FieldError

	for _, f := range v.model.Fields {
		alias := f.SourceAlias()
		rawVal, present := raw[alias]
		if !present || isEmptyValue(rawVal) {
			if f.Required {
				errs = append(errs, FieldError{
					ColumnName:  alias,
					ColumnValue: stringForm(rawVal),
					ErrorType:   ErrTypeMissing,
					ErrorMsg:    "required field is missing or empty",
				})
				continue
			}
			record[f.Name] = nil
			continue
		}

		typed, ferr := coerce(f.Type, rawVal)
		if ferr != "" {
			errs = append(errs, FieldError{
				ColumnName:  alias,
				ColumnValue: stringForm(rawVal),
				ErrorType:   ferr,
				ErrorMsg:    strings.ToLower(fmt.Sprintf("cannot coerce %q to %s", stringForm(rawVal), f.Type)),
			})
			continue
		}

		if cerr := v.checkConstraints(f, alias, typed); cerr != nil {
			errs = append(errs, *cerr)
			continue
		}
		record[f.Name] = typed
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return record, nil
}

// isEmptyValue reports whether a raw value counts as absent: nil, or a
// string that trims to empty. Empty strings arrive from padded CSV cells.
func isEmptyValue(v interface{}) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

func stringForm(v interface{}) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

// Date layouts accepted for date and datetime fields, tried in order.
var dateLayouts = []string{"2006-01-02", "2006/01/02", "01/02/2006"}
var datetimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// coerce converts a raw value (string or a native JSON/spreadsheet type) to
// the semantic type. Returns the typed value, or a non-empty error type.
func coerce(fieldType string, raw interface{}) (interface{}, string) {
	switch fieldType {
	case TypeInteger:
		switch val := raw.(type) {
		case int:
			return int64(val), ""
		case int64:
			return val, ""
		case float64:
			if val == float64(int64(val)) {
				return int64(val), ""
			}
			return nil, ErrTypeIntParsing
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
			if err != nil {
				return nil, ErrTypeIntParsing
			}
			return n, ""
		default:
			if num, ok := raw.(interface{ Int64() (int64, error) }); ok {
				if n, err := num.Int64(); err == nil {
					return n, ""
				}
			}
			return nil, ErrTypeIntParsing
		}
	case TypeFloat:
		switch val := raw.(type) {
		case float64:
			return val, ""
		case int:
			return float64(val), ""
		case int64:
			return float64(val), ""
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
			if err != nil {
				return nil, ErrTypeFloatParsing
			}
			return f, ""
		default:
			if num, ok := raw.(interface{ Float64() (float64, error) }); ok {
				if f, err := num.Float64(); err == nil {
					return f, ""
				}
			}
			return nil, ErrTypeFloatParsing
		}
	case TypeBoolean:
		switch val := raw.(type) {
		case bool:
			return val, ""
		case string:
			switch strings.ToLower(strings.TrimSpace(val)) {
			case "true", "t", "yes", "y", "1":
				return true, ""
			case "false", "f", "no", "n", "0":
				return false, ""
			}
			return nil, ErrTypeBoolParsing
		case float64:
			if val == 0 {
				return false, ""
			}
			if val == 1 {
				return true, ""
			}
			return nil, ErrTypeBoolParsing
		default:
			return nil, ErrTypeBoolParsing
		}
	case TypeDate:
		switch val := raw.(type) {
		case time.Time:
			return val.Truncate(24 * time.Hour), ""
		case string:
			s := strings.TrimSpace(val)
			for _, layout := range dateLayouts {
				if t, err := time.Parse(layout, s); err == nil {
					return t, ""
				}
			}
			return nil, ErrTypeDateParsing
		default:
			return nil, ErrTypeDateParsing
		}
	case TypeDatetime:
		switch val := raw.(type) {
		case time.Time:
			return val, ""
		case string:
			s := strings.TrimSpace(val)
			for _, layout := range datetimeLayouts {
				if t, err := time.Parse(layout, s); err == nil {
					return t, ""
				}
			}
			return nil, ErrTypeDatetimeParsing
		default:
			return nil, ErrTypeDatetimeParsing
		}
	case TypeString:
		if s, ok := raw.(string); ok {
			return s, ""
		}
		return fmt.Sprintf("%v", raw), ""
	}
	// Unknown types are rejected at model validation; treat defensively as a
	// string here so a stale model cannot panic the stream.
	return fmt.Sprintf("%v", raw), ""
}

// checkConstraints enforces the field's declared constraints against the
// coerced value. Returns nil when every constraint passes.
func (v *Validator) checkConstraints(f Field, alias string, typed interface{}) *FieldError {
	c := f.Constraints
	if c == nil {
		return nil
	}
	strVal := stringForm(typed)

	if c.MinLength != nil && len(strVal) < *c.MinLength {
		return &FieldError{ColumnName: alias, ColumnValue: strVal, ErrorType: ErrTypeLengthBelowMin,
			ErrorMsg: strings.ToLower(fmt.Sprintf("length %d is below minimum %d", len(strVal), *c.MinLength))}
	}
	if c.MaxLength != nil && len(strVal) > *c.MaxLength {
		return &FieldError{ColumnName: alias, ColumnValue: strVal, ErrorType: ErrTypeLengthAboveMax,
			ErrorMsg: strings.ToLower(fmt.Sprintf("length %d is above maximum %d", len(strVal), *c.MaxLength))}
	}

	if c.Min != nil || c.Max != nil {
		var num float64
		var numeric bool
		switch n := typed.(type) {
		case int64:
			num, numeric = float64(n), true
		case float64:
			num, numeric = n, true
		}
		if numeric {
			if c.Min != nil && num < *c.Min {
				return &FieldError{ColumnName: alias, ColumnValue: strVal, ErrorType: ErrTypeValueBelowMin,
					ErrorMsg: strings.ToLower(fmt.Sprintf("value %v is below minimum %v", typed, *c.Min))}
			}
			if c.Max != nil && num > *c.Max {
				return &FieldError{ColumnName: alias, ColumnValue: strVal, ErrorType: ErrTypeValueAboveMax,
					ErrorMsg: strings.ToLower(fmt.Sprintf("value %v is above maximum %v", typed, *c.Max))}
			}
		}
	}

	if len(c.Enum) > 0 {
		found := false
		for _, allowed := range c.Enum {
			if strVal == allowed {
				found = true
				break
			}
		}
		if !found {
			return &FieldError{ColumnName: alias, ColumnValue: strVal, ErrorType: ErrTypeNotInEnum,
				ErrorMsg: strings.ToLower(fmt.Sprintf("value %q is not one of %v", strVal, c.Enum))}
		}
	}

	if expr, ok := v.predicates[f.Name]; ok {
		result, err := expr.Evaluate(map[string]interface{}{"value": predicateParam(typed)})
		if err != nil {
			return &FieldError{ColumnName: alias, ColumnValue: strVal, ErrorType: ErrTypePredicate,
				ErrorMsg: strings.ToLower(fmt.Sprintf("predicate evaluation failed: %v", err))}
		}
		pass, isBool := result.(bool)
		if !isBool || !pass {
			return &FieldError{ColumnName: alias, ColumnValue: strVal, ErrorType: ErrTypePredicate,
				ErrorMsg: strings.ToLower(fmt.Sprintf("predicate '%s' not satisfied", c.Predicate))}
		}
	}
	return nil
}

// predicateParam converts a typed value into a shape govaluate arithmetic
// understands (it compares numbers as float64).
func predicateParam(typed interface{}) interface{} {
	switch n := typed.(type) {
	case int64:
		return float64(n)
	case time.Time:
		return n.Format(time.RFC3339)
	default:
		return typed
	}
}
