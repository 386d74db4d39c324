package reader

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"

	"file-loader/internal/config"
)

// jsonReader streams the items of a JSON array, optionally located under a
// dot-separated object path. Items must be objects; a non-object item yields
// a Row error rather than aborting the stream.
type jsonReader struct {
	path   string
	file   *os.File
	gz     *gzip.Reader
	dec    *json.Decoder
	sel    []string
	primed bool

	declared   []string
	pending    map[string]interface{}
	pendingErr error
	pendingSet bool

	rowNum int
	err    error
	closed bool
}

func newJSONReader(path string, opts config.ReaderOptions, gzipped bool) (*jsonReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("JSONReader failed to open file '%s': %w", path, err)
	}

	r := &jsonReader{path: path, file: f}
	var stream io.Reader = f
	if gzipped {
		gz, err := gzip.NewReader(stream)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("JSONReader failed to open gzip stream '%s': %w", path, err)
		}
		r.gz = gz
		stream = gz
	}

	dec := json.NewDecoder(stream)
	dec.UseNumber()
	r.dec = dec
	if opts.JSONPath != "" {
		r.sel = strings.Split(opts.JSONPath, ".")
	}
	return r, nil
}

// prime walks the token stream to the opening '[' of the record array and
// decodes the first item so DeclaredFields can report its keys. Evaluated
// lazily on the first DeclaredFields or Next call.
func (r *jsonReader) prime() error {
	if r.primed {
		return r.err
	}
	r.primed = true

	if err := r.seekArray(); err != nil {
		r.err = err
		return err
	}

	// The first item (when present) seeds DeclaredFields; it is held and
	// replayed by the first Next call.
	if r.dec.More() {
		row, fatal := r.decodeItem()
		if fatal != nil {
			r.err = fatal
			return fatal
		}
		if row.Err == nil {
			keys := make([]string, 0, len(row.Fields))
			for k := range row.Fields {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			r.declared = keys
		}
		r.pending = row.Fields
		r.pendingSet = true
		// Hold the row error too so the first Next replays it faithfully.
		r.pendingErr = row.Err
	}
	return nil
}

// seekArray positions the decoder on the record array: the top-level value
// itself by default, or the value under the configured object path.
func (r *jsonReader) seekArray() error {
	for depth := 0; ; depth++ {
		tok, err := r.dec.Token()
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("JSONReader '%s': %w", r.path, ErrMissingHeader)
			}
			return fmt.Errorf("JSONReader failed to parse '%s': %w", r.path, err)
		}

		delim, isDelim := tok.(json.Delim)
		if depth >= len(r.sel) {
			// Arrived at the selected value; it must be an array.
			if isDelim && delim == '[' {
				return nil
			}
			return fmt.Errorf("JSONReader '%s': value at selector '%s' is not an array", r.path, strings.Join(r.sel, "."))
		}

		// Descend one object level looking for the next selector segment.
		if !isDelim || delim != '{' {
			return fmt.Errorf("JSONReader '%s': selector segment '%s' expects an object", r.path, r.sel[depth])
		}
		found := false
		for r.dec.More() {
			keyTok, err := r.dec.Token()
			if err != nil {
				return fmt.Errorf("JSONReader failed to parse '%s': %w", r.path, err)
			}
			key, _ := keyTok.(string)
			if key == r.sel[depth] {
				found = true
				break
			}
			if err := r.skipValue(); err != nil {
				return err
			}
		}
		if !found {
			return fmt.Errorf("JSONReader '%s': selector segment '%s' not found", r.path, r.sel[depth])
		}
	}
}

// skipValue consumes one complete JSON value at the current decoder position.
func (r *jsonReader) skipValue() error {
	depth := 0
	for {
		tok, err := r.dec.Token()
		if err != nil {
			return fmt.Errorf("JSONReader failed to parse '%s': %w", r.path, err)
		}
		if delim, ok := tok.(json.Delim); ok {
			switch delim {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
			}
		}
		if depth == 0 {
			return nil
		}
	}
}

// decodeItem decodes the next array item. A non-object item returns a Row
// with an error (the decoder still consumes the value); anything else fatal
// returns a non-nil second value.
func (r *jsonReader) decodeItem() (Row, error) {
	r.rowNum++
	var item map[string]interface{}
	if err := r.dec.Decode(&item); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return Row{Number: r.rowNum, Err: fmt.Errorf("item is not a JSON object: %w", err)}, nil
		}
		return Row{}, fmt.Errorf("JSONReader failed decoding item %d in '%s': %w", r.rowNum, r.path, err)
	}
	return Row{Number: r.rowNum, Fields: item}, nil
}

// DeclaredFields is the union of keys observed in the first item of the
// stream, evaluated lazily before iteration continues.
func (r *jsonReader) DeclaredFields() ([]string, error) {
	if err := r.prime(); err != nil {
		return nil, err
	}
	return r.declared, nil
}

// Next yields the next array item as a field map.
func (r *jsonReader) Next() (Row, bool) {
	if r.closed || r.err != nil {
		return Row{}, false
	}
	if err := r.prime(); err != nil {
		return Row{}, false
	}
	if r.pendingSet {
		row := Row{Number: 1, Fields: r.pending, Err: r.pendingErr}
		r.pending = nil
		r.pendingErr = nil
		r.pendingSet = false
		return row, true
	}
	if !r.dec.More() {
		return Row{}, false
	}
	row, fatal := r.decodeItem()
	if fatal != nil {
		r.err = fatal
		return Row{}, false
	}
	return row, true
}

// Err returns the terminal stream error.
func (r *jsonReader) Err() error {
	return r.err
}

// Close releases the gzip stream and file handle.
func (r *jsonReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	var firstErr error
	if r.gz != nil {
		if err := r.gz.Close(); err != nil {
			firstErr = fmt.Errorf("JSONReader failed to close gzip stream '%s': %w", r.path, err)
		}
	}
	if r.file != nil {
		if err := r.file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("JSONReader failed to close file '%s': %w", r.path, err)
		}
	}
	return firstErr
}
