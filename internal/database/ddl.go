package database

import (
	"context"
	"fmt"

	"file-loader/internal/config"
	"file-loader/internal/logging"
	"file-loader/internal/schema"
)

// Persistent engine tables.
const (
	RunLogTable = "file_load_log"
	DLQTable    = "dead_letter_queue"
)

// TargetColumns renders the target-table columns of a row model: the model
// fields in declaration order plus the provenance column.
func TargetColumns(model *schema.RowModel, d Dialect) []Column {
	cols := make([]Column, 0, len(model.Fields)+1)
	for _, f := range model.Fields {
		cols = append(cols, Column{Name: f.Name, Type: d.ColumnType(f.Type)})
	}
	cols = append(cols, Column{Name: schema.SourceFilenameColumn, Type: d.ColumnType(schema.TypeString)})
	return cols
}

// StageColumns renders the stage-table columns: identical to the target plus
// the per-row provenance index.
func StageColumns(model *schema.RowModel, d Dialect) []Column {
	cols := TargetColumns(model, d)
	return append(cols, Column{Name: schema.FileRowNumberColumn, Type: d.ColumnType(schema.TypeInteger)})
}

// ensureIndex runs index DDL, tolerating dialects whose only idempotence
// signal is a duplicate-object error.
func (db *DB) ensureIndex(ctx context.Context, table, index string, cols []string) error {
	stmt := db.dialect.EnsureIndexSQL(table, index, cols)
	if _, err := db.Exec(ctx, stmt); err != nil {
		if db.dialect.IsDuplicateObject(err) {
			return nil
		}
		return fmt.Errorf("failed to ensure index '%s' on '%s': %w", index, table, err)
	}
	return nil
}

// EnsureTargetTable creates the source's target table and its indexes when
// absent: the grain uniqueness constraint (which backs the merge) and the
// source_filename index (which backs the duplicate guard and DLQ purge).
func (db *DB) EnsureTargetTable(ctx context.Context, src *config.SourceConfig) error {
	d := db.dialect
	stmt := d.CreateTableSQL(src.TargetTable, TargetColumns(&src.Model, d), "", src.Model.Grain)
	if _, err := db.Exec(ctx, stmt); err != nil && !d.IsDuplicateObject(err) {
		return fmt.Errorf("failed to ensure target table '%s': %w", src.TargetTable, err)
	}
	idx := fmt.Sprintf("ix_%s_%s", src.TargetTable, schema.SourceFilenameColumn)
	if len(idx) > d.IdentMaxLen() {
		idx = idx[:d.IdentMaxLen()]
	}
	if err := db.ensureIndex(ctx, src.TargetTable, idx, []string{schema.SourceFilenameColumn}); err != nil {
		return err
	}
	logging.Logf(logging.Debug, "Database: ensured target table '%s'", src.TargetTable)
	return nil
}

// EnsureRunLogTable creates the per-file run-log table when absent.
func (db *DB) EnsureRunLogTable(ctx context.Context) error {
	d := db.dialect
	str := d.ColumnType(schema.TypeString)
	ts := d.TimestampType()
	num := d.ColumnType(schema.TypeInteger)
	cols := []Column{
		{Name: "id", Type: "VARCHAR(36)"},
		{Name: "filename", Type: str},
		{Name: "source_name", Type: str},
		{Name: "target_table", Type: str},
		{Name: "status", Type: "VARCHAR(32)"},
		{Name: "started_at", Type: ts},
		{Name: "ended_at", Type: ts},
		{Name: "archive_started_at", Type: ts},
		{Name: "archive_ended_at", Type: ts},
		{Name: "processing_started_at", Type: ts},
		{Name: "processing_ended_at", Type: ts},
		{Name: "staging_started_at", Type: ts},
		{Name: "staging_ended_at", Type: ts},
		{Name: "audit_started_at", Type: ts},
		{Name: "audit_ended_at", Type: ts},
		{Name: "merge_started_at", Type: ts},
		{Name: "merge_ended_at", Type: ts},
		{Name: "records_processed", Type: num},
		{Name: "validation_errors", Type: num},
		{Name: "staged", Type: num},
		{Name: "inserted", Type: num},
		{Name: "updated", Type: num},
		{Name: "audit_ok", Type: d.ColumnType(schema.TypeBoolean)},
		{Name: "exception_kind", Type: "VARCHAR(64)"},
		{Name: "exception_msg", Type: d.LongTextType()},
	}
	stmt := d.CreateTableSQL(RunLogTable, cols, "id", nil)
	if _, err := db.Exec(ctx, stmt); err != nil && !d.IsDuplicateObject(err) {
		return fmt.Errorf("failed to ensure run-log table: %w", err)
	}
	return db.ensureIndex(ctx, RunLogTable, "ix_file_load_log_filename", []string{"filename"})
}

// EnsureDLQTable creates the dead-letter table when absent, indexed on the
// run-log id and the source filename.
func (db *DB) EnsureDLQTable(ctx context.Context) error {
	d := db.dialect
	cols := []Column{
		{Name: "id", Type: "VARCHAR(36)"},
		{Name: schema.SourceFilenameColumn, Type: d.ColumnType(schema.TypeString)},
		{Name: schema.FileRowNumberColumn, Type: d.ColumnType(schema.TypeInteger)},
		{Name: "record_data", Type: d.LongTextType()},
		{Name: "validation_errors", Type: d.LongTextType()},
		{Name: "file_load_log_id", Type: "VARCHAR(36)"},
		{Name: "target_table_name", Type: d.ColumnType(schema.TypeString)},
		{Name: "failed_at", Type: d.TimestampType()},
	}
	stmt := d.CreateTableSQL(DLQTable, cols, "id", nil)
	if _, err := db.Exec(ctx, stmt); err != nil && !d.IsDuplicateObject(err) {
		return fmt.Errorf("failed to ensure dead-letter table: %w", err)
	}
	if err := db.ensureIndex(ctx, DLQTable, "ix_dlq_file_load_log_id", []string{"file_load_log_id"}); err != nil {
		return err
	}
	return db.ensureIndex(ctx, DLQTable, "ix_dlq_source_filename", []string{schema.SourceFilenameColumn})
}

// CreateStageTable creates a fresh per-file stage table (no indexes).
func (db *DB) CreateStageTable(ctx context.Context, stage string, model *schema.RowModel) error {
	stmt := db.dialect.CreateTableSQL(stage, StageColumns(model, db.dialect), "", nil)
	if _, err := db.Exec(ctx, stmt); err != nil && !db.dialect.IsDuplicateObject(err) {
		return fmt.Errorf("failed to create stage table '%s': %w", stage, err)
	}
	return nil
}

// DropStageTable truncates and drops a stage table. Safe when the table is
// already gone.
func (db *DB) DropStageTable(ctx context.Context, stage string) error {
	// Truncate first so the drop is cheap even on engines that log row
	// deletes on DROP of large tables; a failure here is not fatal because
	// the drop below removes the table either way.
	if _, err := db.Exec(ctx, db.dialect.TruncateSQL(stage)); err != nil {
		logging.Logf(logging.Debug, "Database: truncate of stage '%s' failed (table may not exist): %v", stage, err)
	}
	if _, err := db.Exec(ctx, db.dialect.DropTableSQL(stage)); err != nil {
		return fmt.Errorf("failed to drop stage table '%s': %w", stage, err)
	}
	return nil
}
