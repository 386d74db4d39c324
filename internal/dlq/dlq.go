package dlq

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"file-loader/internal/database"
	"file-loader/internal/logging"
	"file-loader/internal/schema"
)

// Entry is one dead-lettered source record: the grain fields plus the fields
// that errored, with the ordered per-field errors, keyed to the run that
// produced it.
type Entry struct {
	SourceFilename  string
	FileRowNumber   int
	RecordData      map[string]interface{}
	Errors          []schema.FieldError
	FileLoadLogID   string
	TargetTableName string
}

// Writer buffers dead-letter entries and flushes them in batches under the
// same retry discipline as the staging inserts.
type Writer struct {
	db        *database.DB
	batchSize int
	buf       []Entry
	written   int64
	log       *logging.Tagged
}

// NewWriter builds a writer for one pipeline run.
func NewWriter(db *database.DB, batchSize int, log *logging.Tagged) *Writer {
	return &Writer{db: db, batchSize: batchSize, log: log}
}

// Count returns the number of entries accepted so far (buffered or flushed).
func (w *Writer) Count() int64 {
	return w.written + int64(len(w.buf))
}

// Add buffers one entry, flushing when the buffer reaches the batch size.
func (w *Writer) Add(ctx context.Context, e Entry) error {
	w.buf = append(w.buf, e)
	if len(w.buf) >= w.batchSize {
		return w.flush(ctx)
	}
	return nil
}

// Commit flushes any partial batch. Called at end of stream on success and
// on dataset-level failures alike: dead letters document the run either way.
func (w *Writer) Commit(ctx context.Context) error {
	return w.flush(ctx)
}

func (w *Writer) flush(ctx context.Context) error {
	if len(w.buf) == 0 {
		return nil
	}
	entries := w.buf
	w.buf = nil

	d := w.db.Dialect()
	columns := []string{"id", schema.SourceFilenameColumn, schema.FileRowNumberColumn,
		"record_data", "validation_errors", "file_load_log_id", "target_table_name", "failed_at"}

	maxRows := d.MaxParams() / len(columns)
	if maxRows < 1 {
		maxRows = 1
	}

	err := w.db.WithRetry(ctx, "dlq insert", func(ctx context.Context) error {
		return w.db.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
			for start := 0; start < len(entries); start += maxRows {
				end := start + maxRows
				if end > len(entries) {
					end = len(entries)
				}
				if err := w.insertChunk(ctx, tx, columns, entries[start:end]); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("DLQ failed to insert batch: %w", err)
	}

	w.written += int64(len(entries))
	w.log.Logf(logging.Debug, "DLQ: flushed %d entries (%d total)", len(entries), w.written)
	return nil
}

func (w *Writer) insertChunk(ctx context.Context, tx *sql.Tx, columns []string, entries []Entry) error {
	d := w.db.Dialect()

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = d.QuoteIdent(c)
	}

	var sb strings.Builder
	args := make([]interface{}, 0, len(entries)*len(columns))
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", d.QuoteIdent(database.DLQTable), strings.Join(quoted, ", "))

	now := time.Now().UTC()
	n := 1
	for r, e := range entries {
		recordData, err := json.Marshal(e.RecordData)
		if err != nil {
			return fmt.Errorf("failed to marshal record data for row %d: %w", e.FileRowNumber, err)
		}
		validationErrors, err := json.Marshal(e.Errors)
		if err != nil {
			return fmt.Errorf("failed to marshal validation errors for row %d: %w", e.FileRowNumber, err)
		}

		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for i := 0; i < len(columns); i++ {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(d.Placeholder(n))
			n++
		}
		sb.WriteByte(')')
		args = append(args, uuid.NewString(), e.SourceFilename, e.FileRowNumber,
			string(recordData), string(validationErrors), e.FileLoadLogID, e.TargetTableName, now)
	}

	_, err := tx.ExecContext(ctx, sb.String(), args...)
	return err
}

// DeletePrior removes dead letters left by earlier runs of the same file,
// in batches, sparing the current run's rows. Called only after a
// successful merge (the reprocessing case).
func (w *Writer) DeletePrior(ctx context.Context, filename, currentLogID string) error {
	d := w.db.Dialect()

	selectSQL := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s AND %s <> %s",
		d.QuoteIdent("id"), d.QuoteIdent(database.DLQTable),
		d.QuoteIdent(schema.SourceFilenameColumn), d.Placeholder(1),
		d.QuoteIdent("file_load_log_id"), d.Placeholder(2))

	var ids []string
	err := w.db.WithRetry(ctx, "dlq prior select", func(ctx context.Context) error {
		rows, err := w.db.Query(ctx, selectSQL, filename, currentLogID)
		if err != nil {
			return err
		}
		defer rows.Close()
		ids = ids[:0]
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return fmt.Errorf("DLQ failed to find prior entries for '%s': %w", filename, err)
	}
	if len(ids) == 0 {
		return nil
	}

	for start := 0; start < len(ids); start += w.batchSize {
		end := start + w.batchSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		placeholders := make([]string, len(chunk))
		args := make([]interface{}, len(chunk))
		for i, id := range chunk {
			placeholders[i] = d.Placeholder(i + 1)
			args[i] = id
		}
		deleteSQL := fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)",
			d.QuoteIdent(database.DLQTable), d.QuoteIdent("id"), strings.Join(placeholders, ", "))

		err := w.db.WithRetry(ctx, "dlq prior delete", func(ctx context.Context) error {
			_, err := w.db.Exec(ctx, deleteSQL, args...)
			return err
		})
		if err != nil {
			return fmt.Errorf("DLQ failed to delete prior entries for '%s': %w", filename, err)
		}
	}

	w.log.Logf(logging.Info, "DLQ: deleted %d prior entries for '%s'", len(ids), filename)
	return nil
}
