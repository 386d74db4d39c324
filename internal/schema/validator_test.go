package schema

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

func widgetModel() *RowModel {
	return &RowModel{
		Fields: []Field{
			{Name: "id", Type: TypeInteger, Required: true},
			{Name: "name", Type: TypeString},
		},
		Grain: []string{"id"},
	}
}

func TestValidateRow(t *testing.T) {
	testCases := []struct {
		name       string
		model      *RowModel
		input      map[string]interface{}
		wantRecord map[string]interface{}
		wantErrs   []FieldError
	}{
		{
			name:       "Valid row",
			model:      widgetModel(),
			input:      map[string]interface{}{"id": "1", "name": "a"},
			wantRecord: map[string]interface{}{"id": int64(1), "name": "a"},
		},
		{
			name:  "Int parse failure",
			model: widgetModel(),
			input: map[string]interface{}{"id": "x", "name": "b"},
			wantErrs: []FieldError{{
				ColumnName: "id", ColumnValue: "x", ErrorType: ErrTypeIntParsing,
				ErrorMsg: `cannot coerce "x" to integer`,
			}},
		},
		{
			name:  "Missing required",
			model: widgetModel(),
			input: map[string]interface{}{"name": "c"},
			wantErrs: []FieldError{{
				ColumnName: "id", ColumnValue: "", ErrorType: ErrTypeMissing,
				ErrorMsg: "required field is missing or empty",
			}},
		},
		{
			name:  "Empty string counts as missing",
			model: widgetModel(),
			input: map[string]interface{}{"id": "", "name": "c"},
			wantErrs: []FieldError{{
				ColumnName: "id", ColumnValue: "", ErrorType: ErrTypeMissing,
				ErrorMsg: "required field is missing or empty",
			}},
		},
		{
			name:       "Optional field absent becomes nil",
			model:      widgetModel(),
			input:      map[string]interface{}{"id": "7"},
			wantRecord: map[string]interface{}{"id": int64(7), "name": nil},
		},
		{
			name:       "Unknown fields pruned",
			model:      widgetModel(),
			input:      map[string]interface{}{"id": "1", "name": "a", "extra": "zzz"},
			wantRecord: map[string]interface{}{"id": int64(1), "name": "a"},
		},
		{
			name: "Alias renamed to canonical",
			model: &RowModel{
				Fields: []Field{{Name: "id", Type: TypeInteger, Required: true, Alias: "ID Number"}},
				Grain:  []string{"id"},
			},
			input:      map[string]interface{}{"ID Number": "42"},
			wantRecord: map[string]interface{}{"id": int64(42)},
		},
		{
			name: "Range constraint violated",
			model: &RowModel{
				Fields: []Field{{Name: "id", Type: TypeInteger, Required: true,
					Constraints: &Constraints{Min: floatPtr(0), Max: floatPtr(100)}}},
				Grain: []string{"id"},
			},
			input: map[string]interface{}{"id": "101"},
			wantErrs: []FieldError{{
				ColumnName: "id", ColumnValue: "101", ErrorType: ErrTypeValueAboveMax,
				ErrorMsg: "value 101 is above maximum 100",
			}},
		},
		{
			name: "Enum constraint violated",
			model: &RowModel{
				Fields: []Field{
					{Name: "id", Type: TypeInteger, Required: true},
					{Name: "status", Type: TypeString, Required: true,
						Constraints: &Constraints{Enum: []string{"new", "done"}}},
				},
				Grain: []string{"id"},
			},
			input: map[string]interface{}{"id": "1", "status": "odd"},
			wantErrs: []FieldError{{
				ColumnName: "status", ColumnValue: "odd", ErrorType: ErrTypeNotInEnum,
				ErrorMsg: `value "odd" is not one of [new done]`,
			}},
		},
		{
			name: "Max length violated",
			model: &RowModel{
				Fields: []Field{
					{Name: "id", Type: TypeInteger, Required: true},
					{Name: "name", Type: TypeString, Constraints: &Constraints{MaxLength: intPtr(3)}},
				},
				Grain: []string{"id"},
			},
			input: map[string]interface{}{"id": "1", "name": "toolong"},
			wantErrs: []FieldError{{
				ColumnName: "name", ColumnValue: "toolong", ErrorType: ErrTypeLengthAboveMax,
				ErrorMsg: "length 7 is above maximum 3",
			}},
		},
		{
			name: "Predicate satisfied",
			model: &RowModel{
				Fields: []Field{{Name: "id", Type: TypeInteger, Required: true,
					Constraints: &Constraints{Predicate: "value > 0"}}},
				Grain: []string{"id"},
			},
			input:      map[string]interface{}{"id": "5"},
			wantRecord: map[string]interface{}{"id": int64(5)},
		},
		{
			name: "Predicate violated",
			model: &RowModel{
				Fields: []Field{{Name: "id", Type: TypeInteger, Required: true,
					Constraints: &Constraints{Predicate: "value > 0"}}},
				Grain: []string{"id"},
			},
			input: map[string]interface{}{"id": "-5"},
			wantErrs: []FieldError{{
				ColumnName: "id", ColumnValue: "-5", ErrorType: ErrTypePredicate,
				ErrorMsg: "predicate 'value > 0' not satisfied",
			}},
		},
		{
			name: "Multiple errors ordered by field declaration",
			model: &RowModel{
				Fields: []Field{
					{Name: "id", Type: TypeInteger, Required: true},
					{Name: "qty", Type: TypeInteger, Required: true},
				},
				Grain: []string{"id"},
			},
			input: map[string]interface{}{"id": "x"},
			wantErrs: []FieldError{
				{
					ColumnName: "id", ColumnValue: "x", ErrorType: ErrTypeIntParsing,
					ErrorMsg: `cannot coerce "x" to integer`,
				},
				{
					ColumnName: "qty", ColumnValue: "", ErrorType: ErrTypeMissing,
					ErrorMsg: "required field is missing or empty",
				},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			v, err := NewValidator(tc.model)
			if err != nil {
				t.Fatalf("NewValidator unexpected error: %v", err)
			}
			record, errs := v.ValidateRow(tc.input)
			if tc.wantErrs != nil {
				if record != nil {
					t.Errorf("ValidateRow record = %v, want nil on error", record)
				}
				if !reflect.DeepEqual(errs, tc.wantErrs) {
					t.Errorf("ValidateRow errors = %+v, want %+v", errs, tc.wantErrs)
				}
				return
			}
			if len(errs) > 0 {
				t.Fatalf("ValidateRow unexpected errors: %+v", errs)
			}
			if !reflect.DeepEqual(record, tc.wantRecord) {
				t.Errorf("ValidateRow record = %v, want %v", record, tc.wantRecord)
			}
		})
	}
}

func TestCoerceTypes(t *testing.T) {
	testCases := []struct {
		name      string
		fieldType string
		input     interface{}
		want      interface{}
		wantKind  string
	}{
		{name: "Int from string", fieldType: TypeInteger, input: "12", want: int64(12)},
		{name: "Int from whole float", fieldType: TypeInteger, input: float64(12), want: int64(12)},
		{name: "Int from fractional float", fieldType: TypeInteger, input: 12.5, wantKind: ErrTypeIntParsing},
		{name: "Float from string", fieldType: TypeFloat, input: "1.25", want: 1.25},
		{name: "Float from int", fieldType: TypeFloat, input: int64(3), want: 3.0},
		{name: "Float garbage", fieldType: TypeFloat, input: "abc", wantKind: ErrTypeFloatParsing},
		{name: "Bool true word", fieldType: TypeBoolean, input: "Yes", want: true},
		{name: "Bool zero", fieldType: TypeBoolean, input: "0", want: false},
		{name: "Bool garbage", fieldType: TypeBoolean, input: "maybe", wantKind: ErrTypeBoolParsing},
		{name: "Date ISO", fieldType: TypeDate, input: "2024-03-01", want: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{name: "Date garbage", fieldType: TypeDate, input: "03-2024", wantKind: ErrTypeDateParsing},
		{name: "Datetime RFC3339", fieldType: TypeDatetime, input: "2024-03-01T10:30:00Z", want: time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)},
		{name: "Datetime space form", fieldType: TypeDatetime, input: "2024-03-01 10:30:00", want: time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)},
		{name: "Datetime garbage", fieldType: TypeDatetime, input: "soon", wantKind: ErrTypeDatetimeParsing},
		{name: "String passthrough", fieldType: TypeString, input: "hello", want: "hello"},
		{name: "String from number", fieldType: TypeString, input: 42, want: "42"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, kind := coerce(tc.fieldType, tc.input)
			if tc.wantKind != "" {
				if kind != tc.wantKind {
					t.Errorf("coerce(%s, %v) error kind = %q, want %q", tc.fieldType, tc.input, kind, tc.wantKind)
				}
				return
			}
			if kind != "" {
				t.Fatalf("coerce(%s, %v) unexpected error kind %q", tc.fieldType, tc.input, kind)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("coerce(%s, %v) = %v (%T), want %v (%T)", tc.fieldType, tc.input, got, got, tc.want, tc.want)
			}
		})
	}
}

func TestRowModelValidate(t *testing.T) {
	testCases := []struct {
		name       string
		model      RowModel
		wantErrMsg string
	}{
		{
			name: "Valid",
			model: RowModel{
				Fields: []Field{{Name: "id", Type: TypeInteger, Required: true}},
				Grain:  []string{"id"},
			},
		},
		{
			name:       "No fields",
			model:      RowModel{Grain: []string{"id"}},
			wantErrMsg: "no fields",
		},
		{
			name: "Duplicate field",
			model: RowModel{
				Fields: []Field{
					{Name: "id", Type: TypeInteger, Required: true},
					{Name: "id", Type: TypeString},
				},
				Grain: []string{"id"},
			},
			wantErrMsg: "duplicate field name",
		},
		{
			name: "Unknown type",
			model: RowModel{
				Fields: []Field{{Name: "id", Type: "uuid", Required: true}},
				Grain:  []string{"id"},
			},
			wantErrMsg: "unknown type",
		},
		{
			name: "Reserved name",
			model: RowModel{
				Fields: []Field{{Name: "source_filename", Type: TypeString, Required: true}},
				Grain:  []string{"source_filename"},
			},
			wantErrMsg: "reserved",
		},
		{
			name: "Grain not a field",
			model: RowModel{
				Fields: []Field{{Name: "id", Type: TypeInteger, Required: true}},
				Grain:  []string{"key"},
			},
			wantErrMsg: "not a model field",
		},
		{
			name: "Grain field optional",
			model: RowModel{
				Fields: []Field{{Name: "id", Type: TypeInteger}},
				Grain:  []string{"id"},
			},
			wantErrMsg: "must be required",
		},
		{
			name: "No grain",
			model: RowModel{
				Fields: []Field{{Name: "id", Type: TypeInteger, Required: true}},
			},
			wantErrMsg: "no grain",
		},
		{
			name: "Illegal field name",
			model: RowModel{
				Fields: []Field{{Name: "bad-name", Type: TypeInteger, Required: true}},
				Grain:  []string{"bad-name"},
			},
			wantErrMsg: "legal SQL identifier",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.model.Validate()
			if tc.wantErrMsg == "" {
				if err != nil {
					t.Fatalf("Validate unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate error = nil, want error containing %q", tc.wantErrMsg)
			}
			if !strings.Contains(err.Error(), tc.wantErrMsg) {
				t.Errorf("Validate error = %q, want error containing %q", err.Error(), tc.wantErrMsg)
			}
		})
	}
}

func TestRowModelCompatible(t *testing.T) {
	base := RowModel{
		Fields: []Field{
			{Name: "id", Type: TypeInteger, Required: true},
			{Name: "name", Type: TypeString},
		},
		Grain: []string{"id"},
	}

	same := base
	if !base.Compatible(&same) {
		t.Error("identical models reported incompatible")
	}

	differentType := RowModel{
		Fields: []Field{
			{Name: "id", Type: TypeString, Required: true},
			{Name: "name", Type: TypeString},
		},
		Grain: []string{"id"},
	}
	if base.Compatible(&differentType) {
		t.Error("models with different field types reported compatible")
	}

	differentGrain := RowModel{
		Fields: base.Fields,
		Grain:  []string{"name"},
	}
	if base.Compatible(&differentGrain) {
		t.Error("models with different grains reported compatible")
	}
}
