package dlq

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"file-loader/internal/database"
	"file-loader/internal/logging"
	"file-loader/internal/schema"
)

func newMockWriter(t *testing.T, batchSize int) (*Writer, sqlmock.Sqlmock) {
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
	return NewWriter(database.NewWithPool(pool, dialect, 0), batchSize, logging.WithTag("test")), mock
}

func sampleEntry(rowNum int) Entry {
	return Entry{
		SourceFilename: "widgets_partial.csv",
		FileRowNumber:  rowNum,
		RecordData:     map[string]interface{}{"id": "x"},
		Errors: []schema.FieldError{{
			ColumnName: "id", ColumnValue: "x",
			ErrorType: schema.ErrTypeIntParsing, ErrorMsg: `cannot coerce "x" to integer`,
		}},
		FileLoadLogID:   "run-1",
		TargetTableName: "widgets",
	}
}

const insertOne = `INSERT INTO "dead_letter_queue" ("id", "source_filename", "file_row_number", "record_data", "validation_errors", "file_load_log_id", "target_table_name", "failed_at") VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

func TestCommitFlushesBufferedEntries(t *testing.T) {
	w, mock := newMockWriter(t, 100)
	ctx := context.Background()

	recordData, _ := json.Marshal(map[string]interface{}{"id": "x"})
	validationErrors, _ := json.Marshal(sampleEntry(2).Errors)

	mock.ExpectBegin()
	mock.ExpectExec(insertOne).
		WithArgs(sqlmock.AnyArg(), "widgets_partial.csv", 2, string(recordData),
			string(validationErrors), "run-1", "widgets", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := w.Add(ctx, sampleEntry(2)); err != nil {
		t.Fatalf("Add unexpected error: %v", err)
	}
	if w.Count() != 1 {
		t.Errorf("Count = %d, want 1", w.Count())
	}
	if err := w.Commit(ctx); err != nil {
		t.Fatalf("Commit unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAddFlushesAtBatchSize(t *testing.T) {
	w, mock := newMockWriter(t, 2)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "dead_letter_queue" ("id", "source_filename", "file_row_number", "record_data", "validation_errors", "file_load_log_id", "target_table_name", "failed_at") VALUES ($1, $2, $3, $4, $5, $6, $7, $8), ($9, $10, $11, $12, $13, $14, $15, $16)`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	if err := w.Add(ctx, sampleEntry(2)); err != nil {
		t.Fatalf("Add unexpected error: %v", err)
	}
	if err := w.Add(ctx, sampleEntry(3)); err != nil {
		t.Fatalf("Add unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCommitEmptyIsNoop(t *testing.T) {
	w, mock := newMockWriter(t, 10)
	if err := w.Commit(context.Background()); err != nil {
		t.Fatalf("Commit unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDeletePrior(t *testing.T) {
	w, mock := newMockWriter(t, 2)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT "id" FROM "dead_letter_queue" WHERE "source_filename" = $1 AND "file_load_log_id" <> $2`).
		WithArgs("widgets_ok.csv", "run-2").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("a").AddRow("b").AddRow("c"))
	// Three prior ids delete in two batches of the writer's batch size.
	mock.ExpectExec(`DELETE FROM "dead_letter_queue" WHERE "id" IN ($1, $2)`).
		WithArgs("a", "b").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DELETE FROM "dead_letter_queue" WHERE "id" IN ($1)`).
		WithArgs("c").WillReturnResult(sqlmock.NewResult(0, 1))

	if err := w.DeletePrior(ctx, "widgets_ok.csv", "run-2"); err != nil {
		t.Fatalf("DeletePrior unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDeletePriorNothingToDelete(t *testing.T) {
	w, mock := newMockWriter(t, 10)
	mock.ExpectQuery(`SELECT "id" FROM "dead_letter_queue" WHERE "source_filename" = $1 AND "file_load_log_id" <> $2`).
		WithArgs("widgets_ok.csv", "run-2").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if err := w.DeletePrior(context.Background(), "widgets_ok.csv", "run-2"); err != nil {
		t.Fatalf("DeletePrior unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
