package source

import (
	"errors"
	"strings"
	"testing"

	"file-loader/internal/config"
	"file-loader/internal/schema"
)

func widgetModel() schema.RowModel {
	return schema.RowModel{
		Fields: []schema.Field{
			{Name: "id", Type: schema.TypeInteger, Required: true},
			{Name: "name", Type: schema.TypeString},
		},
		Grain: []string{"id"},
	}
}

func makeSource(name, pattern, table string) config.SourceConfig {
	return config.SourceConfig{
		Name:        name,
		Pattern:     pattern,
		Type:        config.SourceTypeCSV,
		TargetTable: table,
		Model:       widgetModel(),
	}
}

func TestBuild(t *testing.T) {
	testCases := []struct {
		name       string
		sources    []config.SourceConfig
		wantErrMsg string
	}{
		{
			name:    "Single source",
			sources: []config.SourceConfig{makeSource("widgets", "widgets_*.csv", "widgets")},
		},
		{
			name: "Distinct prefixes",
			sources: []config.SourceConfig{
				makeSource("widgets", "widgets_*.csv", "widgets"),
				makeSource("gadgets", "gadgets_*.csv", "gadgets"),
			},
		},
		{
			name: "Tied literal prefixes",
			sources: []config.SourceConfig{
				makeSource("a", "data_*.csv", "widgets"),
				makeSource("b", "data_*.json", "gadgets"),
			},
			wantErrMsg: "tied patterns",
		},
		{
			name: "Duplicate name",
			sources: []config.SourceConfig{
				makeSource("widgets", "widgets_*.csv", "widgets"),
				makeSource("widgets", "other_*.csv", "other"),
			},
			wantErrMsg: "duplicate source name",
		},
		{
			name:       "Empty registry",
			sources:    nil,
			wantErrMsg: "at least one source",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Build(tc.sources)
			if tc.wantErrMsg == "" {
				if err != nil {
					t.Fatalf("Build unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Build error = nil, want error containing %q", tc.wantErrMsg)
			}
			if !strings.Contains(err.Error(), tc.wantErrMsg) {
				t.Errorf("Build error = %q, want error containing %q", err.Error(), tc.wantErrMsg)
			}
		})
	}
}

func TestBuildIncompatibleTargets(t *testing.T) {
	a := makeSource("a", "a_*.csv", "widgets")
	b := makeSource("b", "b_*.csv", "widgets")
	b.Model.Fields = []schema.Field{
		{Name: "id", Type: schema.TypeString, Required: true},
		{Name: "name", Type: schema.TypeString},
	}

	_, err := Build([]config.SourceConfig{a, b})
	if err == nil {
		t.Fatal("Build error = nil, want incompatible row models")
	}
	if !strings.Contains(err.Error(), "incompatible row models") {
		t.Errorf("Build error = %q, want incompatible row models", err.Error())
	}

	// Identical models sharing a target are allowed.
	c := makeSource("c", "c_*.csv", "widgets")
	if _, err := Build([]config.SourceConfig{a, c}); err != nil {
		t.Errorf("Build with compatible shared target unexpected error: %v", err)
	}
}

func TestMatch(t *testing.T) {
	reg, err := Build([]config.SourceConfig{
		makeSource("generic", "widgets*.csv", "widgets"),
		makeSource("specific", "widgets_eu_*.csv", "widgets"),
		makeSource("gadgets", "gadgets_*.json", "gadgets"),
	})
	if err != nil {
		t.Fatalf("Build unexpected error: %v", err)
	}

	testCases := []struct {
		name       string
		filename   string
		wantSource string
		wantErr    error
	}{
		{name: "Simple match", filename: "gadgets_2024.json", wantSource: "gadgets"},
		{name: "Longest literal prefix wins", filename: "widgets_eu_2024.csv", wantSource: "specific"},
		{name: "Generic fallback", filename: "widgets_us_2024.csv", wantSource: "generic"},
		{name: "No match", filename: "unknown.csv", wantErr: ErrNoSource},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			src, err := reg.Match(tc.filename)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Errorf("Match error = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Match unexpected error: %v", err)
			}
			if src.Name != tc.wantSource {
				t.Errorf("Match source = %q, want %q", src.Name, tc.wantSource)
			}
		})
	}
}
