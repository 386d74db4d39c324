package config

import (
	"fmt"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"

	"file-loader/internal/util"
)

// ValidateSource checks one source declaration for internal consistency.
// Cross-source checks (pattern ties, target-table conflicts) belong to the
// registry build.
func ValidateSource(src *SourceConfig) error {
	if src.Name == "" {
		return fmt.Errorf("source has no name")
	}
	if src.Pattern == "" {
		return fmt.Errorf("source has no file pattern")
	}
	if !doublestar.ValidatePattern(src.Pattern) {
		return fmt.Errorf("invalid file pattern '%s'", src.Pattern)
	}

	switch src.Type {
	case SourceTypeCSV, SourceTypeXLSX, SourceTypeJSON:
	case "":
		return fmt.Errorf("source has no type")
	default:
		return fmt.Errorf("unsupported source type '%s'", src.Type)
	}

	if src.TargetTable == "" {
		return fmt.Errorf("source has no target_table")
	}
	if !util.IsLegalIdentifier(src.TargetTable) {
		return fmt.Errorf("target_table '%s' is not a legal SQL identifier", src.TargetTable)
	}

	if err := src.Model.Validate(); err != nil {
		return fmt.Errorf("invalid row model: %w", err)
	}

	if src.ErrorThreshold < 0 || src.ErrorThreshold > 1 {
		return fmt.Errorf("error_threshold %v is outside [0,1]", src.ErrorThreshold)
	}

	if src.Options.Delimiter != "" && utf8.RuneCountInString(src.Options.Delimiter) != 1 {
		return fmt.Errorf("invalid delimiter '%s': must be a single character", src.Options.Delimiter)
	}
	if src.Options.SkipRows < 0 {
		return fmt.Errorf("skip_rows must be >= 0")
	}
	if src.Type != SourceTypeCSV && src.Options.Delimiter != "" && src.Options.Delimiter != DefaultCSVDelimiter {
		return fmt.Errorf("delimiter is only valid for csv sources")
	}
	if src.Type != SourceTypeXLSX && src.Options.Sheet != "" {
		return fmt.Errorf("sheet is only valid for xlsx sources")
	}
	if src.Type != SourceTypeJSON && src.Options.JSONPath != "" {
		return fmt.Errorf("json_path is only valid for json sources")
	}
	return nil
}
