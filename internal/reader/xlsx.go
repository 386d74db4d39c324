package reader

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"file-loader/internal/config"
	"file-loader/internal/logging"
)

// xlsxReader streams records from a spreadsheet sheet using excelize's row
// iterator, so large workbooks never load fully into memory.
type xlsxReader struct {
	path      string
	file      *excelize.File
	rows      *excelize.Rows
	sheet     string
	headers   []string
	headerIdx map[int]string
	rowNum    int
	err       error
	closed    bool
}

func newXLSXReader(path string, opts config.ReaderOptions) (*xlsxReader, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: XLSXReader failed to open '%s': %v", ErrUnsupportedFormat, path, err)
	}

	r := &xlsxReader{path: path, file: f}

	sheet := opts.Sheet
	if sheet == "" {
		list := f.GetSheetList()
		if len(list) == 0 {
			r.Close()
			return nil, fmt.Errorf("XLSXReader: file '%s' contains no sheets", path)
		}
		sheet = list[0]
		logging.Logf(logging.Debug, "XLSXReader: using first sheet '%s' of '%s'", sheet, path)
	} else {
		found := false
		for _, name := range f.GetSheetList() {
			if name == sheet {
				found = true
				break
			}
		}
		if !found {
			r.Close()
			return nil, fmt.Errorf("XLSXReader: sheet '%s' not found in '%s'", sheet, path)
		}
	}
	r.sheet = sheet

	rows, err := f.Rows(sheet)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("XLSXReader failed to iterate sheet '%s' in '%s': %w", sheet, path, err)
	}
	r.rows = rows

	if err := r.readHeader(opts.SkipRows); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// readHeader discards skipRows sheet rows and takes the next non-empty row
// as the header, with the same empty-header-cell pruning as the CSV reader.
func (r *xlsxReader) readHeader(skipRows int) error {
	for i := 0; i < skipRows; i++ {
		if !r.rows.Next() {
			return fmt.Errorf("XLSXReader '%s': %w", r.path, ErrMissingHeader)
		}
		if _, err := r.rows.Columns(); err != nil {
			return fmt.Errorf("XLSXReader failed to skip row %d in '%s': %w", i+1, r.path, err)
		}
	}

	for r.rows.Next() {
		record, err := r.rows.Columns()
		if err != nil {
			return fmt.Errorf("XLSXReader failed to read header in '%s': %w", r.path, err)
		}
		if rowIsEmpty(record) {
			continue
		}
		r.headers = record
		r.headerIdx = make(map[int]string, len(record))
		for i, h := range record {
			header := strings.TrimSpace(h)
			if header == "" {
				logging.Logf(logging.Warning, "XLSXReader: empty header in column %d of sheet '%s'; column skipped", i+1, r.sheet)
				continue
			}
			r.headerIdx[i] = header
		}
		return nil
	}
	if err := r.rows.Error(); err != nil {
		return fmt.Errorf("XLSXReader failed reading '%s': %w", r.path, err)
	}
	return fmt.Errorf("XLSXReader '%s': %w", r.path, ErrMissingHeader)
}

// DeclaredFields returns the trimmed non-empty header names.
func (r *xlsxReader) DeclaredFields() ([]string, error) {
	fields := make([]string, 0, len(r.headerIdx))
	for i := range r.headers {
		if h, ok := r.headerIdx[i]; ok {
			fields = append(fields, h)
		}
	}
	return fields, nil
}

// Next yields the next data row with the same pad/overflow semantics as the
// delimited reader. Cell values arrive as the cell's formatted text (strings);
// numeric, boolean and date cells are not converted to native types.
func (r *xlsxReader) Next() (Row, bool) {
	if r.err != nil || r.closed {
		return Row{}, false
	}
	if !r.rows.Next() {
		if err := r.rows.Error(); err != nil {
			r.err = fmt.Errorf("XLSXReader failed reading '%s': %w", r.path, err)
		}
		return Row{}, false
	}
	record, err := r.rows.Columns()
	if err != nil {
		r.err = fmt.Errorf("XLSXReader failed reading row in '%s': %w", r.path, err)
		return Row{}, false
	}

	r.rowNum++
	if len(record) > len(r.headers) {
		return Row{
			Number: r.rowNum,
			Err: fmt.Errorf("%w: %d cells, header has %d",
				ErrRowOverflow, len(record), len(r.headers)),
		}, true
	}

	fields := make(map[string]interface{}, len(r.headerIdx))
	for i, header := range r.headerIdx {
		if i < len(record) {
			fields[header] = record[i]
		} else {
			fields[header] = ""
		}
	}
	return Row{Number: r.rowNum, Fields: fields}, true
}

// Err returns the terminal stream error.
func (r *xlsxReader) Err() error {
	return r.err
}

// Close releases the row iterator and the workbook.
func (r *xlsxReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	var firstErr error
	if r.rows != nil {
		if err := r.rows.Close(); err != nil {
			firstErr = fmt.Errorf("XLSXReader failed to close row iterator for '%s': %w", r.path, err)
		}
	}
	if r.file != nil {
		if err := r.file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("XLSXReader failed to close file '%s': %w", r.path, err)
		}
	}
	return firstErr
}
