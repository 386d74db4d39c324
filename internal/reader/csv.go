package reader

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"

	"file-loader/internal/config"
	"file-loader/internal/logging"
)

// csvReader streams records from a delimited text file. The header is read
// at open time; data rows are produced one at a time.
type csvReader struct {
	path      string
	file      *os.File
	gz        *gzip.Reader
	csv       *csv.Reader
	headers   []string
	headerIdx map[int]string // column index -> non-empty trimmed header
	rowNum    int
	err       error
	closed    bool
}

// newCSVReader opens the file, unwraps gzip when asked, applies the
// configured text encoding, skips the leading rows, and locates the header.
func newCSVReader(path string, opts config.ReaderOptions, gzipped bool) (*csvReader, error) {
	delim := opts.Delimiter
	if delim == "" {
		delim = config.DefaultCSVDelimiter
	}
	if utf8.RuneCountInString(delim) != 1 {
		return nil, fmt.Errorf("CSVReader invalid delimiter '%s': must be a single character", delim)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("CSVReader failed to open file '%s': %w", path, err)
	}

	r := &csvReader{path: path, file: f}
	var stream io.Reader = f

	if gzipped {
		gz, err := gzip.NewReader(stream)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("CSVReader failed to open gzip stream '%s': %w", path, err)
		}
		r.gz = gz
		stream = gz
	}

	if opts.Encoding != "" && !strings.EqualFold(opts.Encoding, "utf-8") {
		enc, err := ianaindex.IANA.Encoding(opts.Encoding)
		if err != nil || enc == nil {
			r.Close()
			return nil, fmt.Errorf("CSVReader unknown encoding '%s' for '%s'", opts.Encoding, path)
		}
		stream = transform.NewReader(stream, enc.NewDecoder())
	}

	cr := csv.NewReader(stream)
	cr.Comma = []rune(delim)[0]
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	r.csv = cr

	if err := r.readHeader(opts.SkipRows); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// readHeader discards skipRows records and then takes the next non-empty
// record as the header. Empty header cells are tolerated; their columns are
// dropped from every row (matching the pruning of unknown columns).
func (r *csvReader) readHeader(skipRows int) error {
	for i := 0; i < skipRows; i++ {
		if _, err := r.csv.Read(); err != nil {
			if err == io.EOF {
				return fmt.Errorf("CSVReader '%s': %w", r.path, ErrMissingHeader)
			}
			return fmt.Errorf("CSVReader failed to skip row %d in '%s': %w", i+1, r.path, err)
		}
	}

	for {
		record, err := r.csv.Read()
		if err == io.EOF {
			return fmt.Errorf("CSVReader '%s': %w", r.path, ErrMissingHeader)
		}
		if err != nil {
			return fmt.Errorf("CSVReader failed to read header in '%s': %w", r.path, err)
		}
		if rowIsEmpty(record) {
			continue
		}
		r.headers = record
		r.headerIdx = make(map[int]string, len(record))
		for i, h := range record {
			header := strings.TrimSpace(h)
			if header == "" {
				logging.Logf(logging.Warning, "CSVReader: empty header in column %d of '%s'; column skipped", i+1, r.path)
				continue
			}
			r.headerIdx[i] = header
		}
		return nil
	}
}

func rowIsEmpty(record []string) bool {
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// DeclaredFields returns the trimmed non-empty header names.
func (r *csvReader) DeclaredFields() ([]string, error) {
	fields := make([]string, 0, len(r.headerIdx))
	for i := range r.headers {
		if h, ok := r.headerIdx[i]; ok {
			fields = append(fields, h)
		}
	}
	return fields, nil
}

// Next yields the next data row. Short rows pad missing trailing fields with
// empty strings; rows with surplus fields yield a Row carrying ErrRowOverflow.
func (r *csvReader) Next() (Row, bool) {
	if r.err != nil || r.closed {
		return Row{}, false
	}
	record, err := r.csv.Read()
	if err == io.EOF {
		return Row{}, false
	}
	if err != nil {
		r.err = fmt.Errorf("CSVReader failed reading '%s': %w", r.path, err)
		return Row{}, false
	}

	r.rowNum++
	if len(record) > len(r.headers) {
		return Row{
			Number: r.rowNum,
			Err: fmt.Errorf("%w: %d fields, header has %d",
				ErrRowOverflow, len(record), len(r.headers)),
		}, true
	}

	fields := make(map[string]interface{}, len(r.headerIdx))
	for i, header := range r.headerIdx {
		if i < len(record) {
			fields[header] = record[i]
		} else {
			// Trailing fields absent from a short row are empty strings,
			// not missing.
			fields[header] = ""
		}
	}
	return Row{Number: r.rowNum, Fields: fields}, true
}

// Err returns the terminal stream error.
func (r *csvReader) Err() error {
	return r.err
}

// Close releases the gzip stream and the file handle.
func (r *csvReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	var firstErr error
	if r.gz != nil {
		if err := r.gz.Close(); err != nil {
			firstErr = fmt.Errorf("CSVReader failed to close gzip stream '%s': %w", r.path, err)
		}
	}
	if r.file != nil {
		if err := r.file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("CSVReader failed to close file '%s': %w", r.path, err)
		}
	}
	return firstErr
}
