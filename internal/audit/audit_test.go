package audit

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"file-loader/internal/database"
	"file-loader/internal/logging"
)

func newMockAuditor(t *testing.T) (*Auditor, sqlmock.Sqlmock) {
	t.Helper()
	pool, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("sqlmock.New failed: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	dialect, err := database.DialectByName("postgres")
	if err != nil {
		t.Fatalf("DialectByName failed: %v", err)
	}
	return New(database.NewWithPool(pool, dialect, 0), logging.WithTag("test")), mock
}

const grainQuery = `SELECT (SELECT COUNT(*) FROM "stage_w") - (SELECT COUNT(*) FROM (SELECT DISTINCT "id" FROM "stage_w") AS g)`

func TestCheckGrain(t *testing.T) {
	t.Run("Unique grain passes", func(t *testing.T) {
		a, mock := newMockAuditor(t)
		mock.ExpectQuery(grainQuery).WillReturnRows(sqlmock.NewRows([]string{"dupes"}).AddRow(int64(0)))
		if err := a.CheckGrain(context.Background(), "stage_w", []string{"id"}); err != nil {
			t.Fatalf("CheckGrain unexpected error: %v", err)
		}
	})

	t.Run("Duplicates fail with count", func(t *testing.T) {
		a, mock := newMockAuditor(t)
		mock.ExpectQuery(grainQuery).WillReturnRows(sqlmock.NewRows([]string{"dupes"}).AddRow(int64(2)))
		err := a.CheckGrain(context.Background(), "stage_w", []string{"id"})
		var grainErr *GrainError
		if !errors.As(err, &grainErr) {
			t.Fatalf("CheckGrain error = %v, want GrainError", err)
		}
		if grainErr.Count != 2 {
			t.Errorf("GrainError.Count = %d, want 2", grainErr.Count)
		}
	})

	t.Run("Composite grain renders both columns", func(t *testing.T) {
		a, mock := newMockAuditor(t)
		query := `SELECT (SELECT COUNT(*) FROM "stage_w") - (SELECT COUNT(*) FROM (SELECT DISTINCT "id", "region" FROM "stage_w") AS g)`
		mock.ExpectQuery(query).WillReturnRows(sqlmock.NewRows([]string{"dupes"}).AddRow(int64(0)))
		if err := a.CheckGrain(context.Background(), "stage_w", []string{"id", "region"}); err != nil {
			t.Fatalf("CheckGrain unexpected error: %v", err)
		}
	})
}

func TestRunUserAudit(t *testing.T) {
	template := "SELECT COUNT(*) > 0 AS has_rows, SUM(qty) >= 0 AS qty_ok FROM {table}"
	substituted := `SELECT COUNT(*) > 0 AS has_rows, SUM(qty) >= 0 AS qty_ok FROM "stage_w"`

	testCases := []struct {
		name        string
		rows        *sqlmock.Rows
		wantFailing []string
		wantErrMsg  string
	}{
		{
			name: "All columns pass",
			rows: sqlmock.NewRows([]string{"has_rows", "qty_ok"}).AddRow(int64(1), int64(1)),
		},
		{
			name:        "One column fails",
			rows:        sqlmock.NewRows([]string{"has_rows", "qty_ok"}).AddRow(int64(1), int64(0)),
			wantFailing: []string{"qty_ok"},
		},
		{
			name:        "Both columns fail",
			rows:        sqlmock.NewRows([]string{"has_rows", "qty_ok"}).AddRow(int64(0), int64(0)),
			wantFailing: []string{"has_rows", "qty_ok"},
		},
		{
			name:       "No rows",
			rows:       sqlmock.NewRows([]string{"has_rows", "qty_ok"}),
			wantErrMsg: "no rows",
		},
		{
			name:       "Non-flag value",
			rows:       sqlmock.NewRows([]string{"has_rows", "qty_ok"}).AddRow(int64(5), int64(1)),
			wantErrMsg: "not 0 or 1",
		},
		{
			name: "Boolean columns accepted",
			rows: sqlmock.NewRows([]string{"has_rows", "qty_ok"}).AddRow(true, true),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			a, mock := newMockAuditor(t)
			mock.ExpectQuery(substituted).WillReturnRows(tc.rows)
			err := a.RunUserAudit(context.Background(), "stage_w", template)

			if tc.wantErrMsg != "" {
				if err == nil {
					t.Fatalf("RunUserAudit error = nil, want error containing %q", tc.wantErrMsg)
				}
				if !strings.Contains(err.Error(), tc.wantErrMsg) {
					t.Errorf("RunUserAudit error = %q, want error containing %q", err.Error(), tc.wantErrMsg)
				}
				return
			}
			if tc.wantFailing != nil {
				var auditErr *AuditError
				if !errors.As(err, &auditErr) {
					t.Fatalf("RunUserAudit error = %v, want AuditError", err)
				}
				if !reflect.DeepEqual(auditErr.Columns, tc.wantFailing) {
					t.Errorf("failing columns = %v, want %v", auditErr.Columns, tc.wantFailing)
				}
				return
			}
			if err != nil {
				t.Fatalf("RunUserAudit unexpected error: %v", err)
			}
		})
	}
}

func TestRunUserAuditMultiRow(t *testing.T) {
	a, mock := newMockAuditor(t)
	mock.ExpectQuery(`SELECT ok FROM "stage_w"`).
		WillReturnRows(sqlmock.NewRows([]string{"ok"}).AddRow(int64(1)).AddRow(int64(1)))
	err := a.RunUserAudit(context.Background(), "stage_w", "SELECT ok FROM {table}")
	if err == nil {
		t.Fatal("RunUserAudit error = nil, want more-than-one-row failure")
	}
}

func TestAuditFlag(t *testing.T) {
	testCases := []struct {
		name    string
		value   interface{}
		want    bool
		wantErr bool
	}{
		{name: "Int one", value: int64(1), want: true},
		{name: "Int zero", value: int64(0), want: false},
		{name: "Float one", value: float64(1), want: true},
		{name: "Bool", value: true, want: true},
		{name: "String one", value: "1", want: true},
		{name: "Bytes zero", value: []byte("0"), want: false},
		{name: "Int two", value: int64(2), wantErr: true},
		{name: "Null", value: nil, wantErr: true},
		{name: "Garbage string", value: "yes", wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := auditFlag(tc.value)
			if tc.wantErr {
				if err == nil {
					t.Errorf("auditFlag(%v) error = nil, want error", tc.value)
				}
				return
			}
			if err != nil {
				t.Fatalf("auditFlag(%v) unexpected error: %v", tc.value, err)
			}
			if got != tc.want {
				t.Errorf("auditFlag(%v) = %v, want %v", tc.value, got, tc.want)
			}
		})
	}
}
