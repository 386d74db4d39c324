package reader

import (
	"fmt"
	"path/filepath"
	"strings"

	"file-loader/internal/config"
	"file-loader/internal/logging"
)

// extension -> (source variant, gzip wrapped)
var supportedExtensions = map[string]struct {
	variant string
	gzipped bool
}{
	".csv":     {config.SourceTypeCSV, false},
	".csv.gz":  {config.SourceTypeCSV, true},
	".json":    {config.SourceTypeJSON, false},
	".json.gz": {config.SourceTypeJSON, true},
	".xlsx":    {config.SourceTypeXLSX, false},
	".xls":     {config.SourceTypeXLSX, false},
}

// DetectExtension returns the supported extension of a filename ("" when
// unsupported). Compound extensions (".csv.gz") take precedence.
func DetectExtension(filename string) string {
	lower := strings.ToLower(filepath.Base(filename))
	for _, ext := range []string{".csv.gz", ".json.gz", ".csv", ".json", ".xlsx", ".xls"} {
		if strings.HasSuffix(lower, ext) {
			return ext
		}
	}
	return ""
}

// IsSupported reports whether the scheduler should discover this filename.
func IsSupported(filename string) bool {
	return DetectExtension(filename) != ""
}

// Open selects a reader for the (source, extension) pair and binds it to the
// file. It fails with ErrUnsupportedFormat for unknown extensions and
// ErrReaderMismatch when the extension's reader does not serve the source's
// declared variant.
func Open(path string, src *config.SourceConfig) (Reader, error) {
	ext := DetectExtension(path)
	if ext == "" {
		return nil, fmt.Errorf("%w: '%s'", ErrUnsupportedFormat, filepath.Base(path))
	}
	info := supportedExtensions[ext]
	if info.variant != src.Type {
		return nil, fmt.Errorf("%w: extension '%s' requires a %s source, source '%s' is %s",
			ErrReaderMismatch, ext, info.variant, src.Name, src.Type)
	}

	logging.Logf(logging.Debug, "Reader: opening '%s' as %s (gzip=%t)", path, info.variant, info.gzipped)
	switch info.variant {
	case config.SourceTypeCSV:
		return newCSVReader(path, src.Options, info.gzipped)
	case config.SourceTypeJSON:
		return newJSONReader(path, src.Options, info.gzipped)
	case config.SourceTypeXLSX:
		return newXLSXReader(path, src.Options)
	}
	return nil, fmt.Errorf("%w: '%s'", ErrUnsupportedFormat, ext)
}
