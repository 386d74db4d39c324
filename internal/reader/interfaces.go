package reader

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors surfaced by the factory and the header check.
var (
	// ErrUnsupportedFormat means no reader handles the file's extension.
	ErrUnsupportedFormat = errors.New("unsupported file format")
	// ErrReaderMismatch means the extension's reader does not serve the
	// configured source variant.
	ErrReaderMismatch = errors.New("reader does not match source type")
	// ErrMissingHeader means the file yielded no header row at all.
	ErrMissingHeader = errors.New("missing header row")
	// ErrRowOverflow marks a row carrying more fields than the header.
	ErrRowOverflow = errors.New("row has more fields than header")
)

// MissingColumnsError reports required source columns absent from a present
// header.
type MissingColumnsError struct {
	Missing []string
}

func (e *MissingColumnsError) Error() string {
	return fmt.Sprintf("missing required columns: %s", strings.Join(e.Missing, ", "))
}

// Row is one logical record from a source file. Number is the 1-based data
// row index (after skip rows and the header). Err is set for rows that are
// structurally broken (for example more cells than headers); such rows carry
// no fields and are routed to the dead-letter queue by the pipeline.
type Row struct {
	Number int
	Fields map[string]interface{}
	Err    error
}

// Reader streams records from one file as a lazy sequence. Readers are
// single-pass and not restartable; Close must be called on every exit path.
type Reader interface {
	// DeclaredFields returns the set of source-column names the file
	// declares, for header validation. For JSON it is derived lazily from
	// the first item of the stream.
	DeclaredFields() ([]string, error)

	// Next returns the next row. ok is false when the stream is exhausted
	// or has failed; check Err afterwards.
	Next() (row Row, ok bool)

	// Err returns the terminal stream error, if any. io.EOF is not an error.
	Err() error

	// Close releases the underlying file handles. Idempotent.
	Close() error
}

// ValidateHeader checks that every required source alias appears in the
// declared header set. An empty header fails with ErrMissingHeader; a
// present header with absent columns fails with MissingColumnsError. Extra
// columns are tolerated (the validator prunes them).
func ValidateHeader(declared []string, requiredAliases []string) error {
	if len(declared) == 0 {
		return ErrMissingHeader
	}
	present := make(map[string]bool, len(declared))
	for _, h := range declared {
		present[h] = true
	}
	var missing []string
	for _, alias := range requiredAliases {
		if !present[alias] {
			missing = append(missing, alias)
		}
	}
	if len(missing) > 0 {
		return &MissingColumnsError{Missing: missing}
	}
	return nil
}
