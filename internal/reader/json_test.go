package reader

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"file-loader/internal/config"
)

func createTempJSON(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write temp JSON: %v", err)
	}
	return path
}

func TestJSONReaderRead(t *testing.T) {
	testCases := []struct {
		name       string
		content    string
		opts       config.ReaderOptions
		wantCount  int
		wantFirst  map[string]interface{}
		wantErrMsg string
	}{
		{
			name:      "Top-level array",
			content:   `[{"id": 1, "name": "a"}, {"id": 2, "name": "b"}]`,
			wantCount: 2,
			wantFirst: map[string]interface{}{"id": json.Number("1"), "name": "a"},
		},
		{
			name:      "Empty array",
			content:   `[]`,
			wantCount: 0,
		},
		{
			name:      "Array under selector",
			content:   `{"meta": {"rows": 2}, "data": [{"id": 1}, {"id": 2}]}`,
			opts:      config.ReaderOptions{JSONPath: "data"},
			wantCount: 2,
			wantFirst: map[string]interface{}{"id": json.Number("1")},
		},
		{
			name:      "Nested selector",
			content:   `{"payload": {"items": [{"id": 9}]}}`,
			opts:      config.ReaderOptions{JSONPath: "payload.items"},
			wantCount: 1,
			wantFirst: map[string]interface{}{"id": json.Number("9")},
		},
		{
			name:       "Selector not found",
			content:    `{"other": []}`,
			opts:       config.ReaderOptions{JSONPath: "data"},
			wantErrMsg: "not found",
		},
		{
			name:       "Selected value not an array",
			content:    `{"data": {"id": 1}}`,
			opts:       config.ReaderOptions{JSONPath: "data"},
			wantErrMsg: "not an array",
		},
		{
			name:       "Top level object without selector",
			content:    `{"id": 1}`,
			wantErrMsg: "not an array",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			path := createTempJSON(t, tc.content)
			r, err := newJSONReader(path, tc.opts, false)
			if err != nil {
				t.Fatalf("newJSONReader unexpected error: %v", err)
			}
			defer r.Close()

			rows := drain(t, r)
			if tc.wantErrMsg != "" {
				if r.Err() == nil {
					t.Fatalf("reader error = nil, want error containing %q", tc.wantErrMsg)
				}
				if !strings.Contains(r.Err().Error(), tc.wantErrMsg) {
					t.Errorf("reader error = %v, want error containing %q", r.Err(), tc.wantErrMsg)
				}
				return
			}
			if err := r.Err(); err != nil {
				t.Fatalf("reader error after drain: %v", err)
			}
			if len(rows) != tc.wantCount {
				t.Fatalf("got %d rows, want %d", len(rows), tc.wantCount)
			}
			if tc.wantCount > 0 {
				if rows[0].Number != 1 {
					t.Errorf("first row number = %d, want 1", rows[0].Number)
				}
				if !reflect.DeepEqual(rows[0].Fields, tc.wantFirst) {
					t.Errorf("first row fields = %v, want %v", rows[0].Fields, tc.wantFirst)
				}
			}
		})
	}
}

func TestJSONReaderDeclaredFieldsLazy(t *testing.T) {
	path := createTempJSON(t, `[{"b": 1, "a": 2}, {"a": 3, "c": 4}]`)
	r, err := newJSONReader(path, config.ReaderOptions{}, false)
	if err != nil {
		t.Fatalf("newJSONReader unexpected error: %v", err)
	}
	defer r.Close()

	// Declared fields come from the first item only, sorted.
	declared, err := r.DeclaredFields()
	if err != nil {
		t.Fatalf("DeclaredFields unexpected error: %v", err)
	}
	if want := []string{"a", "b"}; !reflect.DeepEqual(declared, want) {
		t.Errorf("DeclaredFields = %v, want %v", declared, want)
	}

	// Iteration still yields both items, the first included.
	rows := drain(t, r)
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].Number != 1 || rows[1].Number != 2 {
		t.Errorf("row numbers = %d, %d; want 1, 2", rows[0].Number, rows[1].Number)
	}
}

func TestJSONReaderNonObjectItem(t *testing.T) {
	path := createTempJSON(t, `[{"id": 1}, 42, {"id": 3}]`)
	r, err := newJSONReader(path, config.ReaderOptions{}, false)
	if err != nil {
		t.Fatalf("newJSONReader unexpected error: %v", err)
	}
	defer r.Close()

	rows := drain(t, r)
	if err := r.Err(); err != nil {
		t.Fatalf("reader error after drain: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	if rows[1].Err == nil {
		t.Error("non-object item should carry a row error")
	}
	if rows[0].Err != nil || rows[2].Err != nil {
		t.Error("object items should not carry row errors")
	}
	if rows[2].Number != 3 {
		t.Errorf("third row number = %d, want 3", rows[2].Number)
	}
}

func TestJSONReaderMissingHeaderOnEmptyFile(t *testing.T) {
	path := createTempJSON(t, ``)
	r, err := newJSONReader(path, config.ReaderOptions{}, false)
	if err != nil {
		t.Fatalf("newJSONReader unexpected error: %v", err)
	}
	defer r.Close()

	_, err = r.DeclaredFields()
	if !errors.Is(err, ErrMissingHeader) {
		t.Errorf("DeclaredFields error = %v, want ErrMissingHeader", err)
	}
}
