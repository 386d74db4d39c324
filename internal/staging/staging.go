package staging

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"file-loader/internal/config"
	"file-loader/internal/database"
	"file-loader/internal/logging"
	"file-loader/internal/schema"
	"file-loader/internal/util"
)

// Manager owns one pipeline's stage table: creation, buffered batch
// insertion, the final partial flush, and teardown. It is used by a single
// goroutine; the reader driving Add provides the back-pressure (Add blocks
// while a batch flushes).
type Manager struct {
	db         *database.DB
	model      *schema.RowModel
	stageTable string
	filename   string
	columns    []string
	batchSize  int
	buf        [][]interface{}
	staged     int64
	created    bool
	dropped    bool
	log        *logging.Tagged
}

// NewManager binds a manager to a source file. The stage-table name derives
// from the filename, truncated to the dialect's identifier limit.
func NewManager(db *database.DB, src *config.SourceConfig, filename string, batchSize int, log *logging.Tagged) *Manager {
	columns := append([]string{}, src.Model.FieldNames()...)
	columns = append(columns, schema.SourceFilenameColumn, schema.FileRowNumberColumn)
	return &Manager{
		db:         db,
		model:      &src.Model,
		stageTable: util.SanitizeStageName(filename, db.Dialect().IdentMaxLen()),
		filename:   filename,
		columns:    columns,
		batchSize:  batchSize,
		log:        log,
	}
}

// StageTable returns the stage-table name.
func (m *Manager) StageTable() string {
	return m.stageTable
}

// Staged returns the number of rows inserted so far.
func (m *Manager) Staged() int64 {
	return m.staged
}

// Create materializes the stage table. Called once, after header validation
// and before streaming begins.
func (m *Manager) Create(ctx context.Context) error {
	if err := m.db.CreateStageTable(ctx, m.stageTable, m.model); err != nil {
		return err
	}
	m.created = true
	m.log.Logf(logging.Debug, "Staging: created stage table '%s'", m.stageTable)
	return nil
}

// Add buffers one validated record, stamped with the provenance columns, and
// flushes when the buffer reaches the batch size.
func (m *Manager) Add(ctx context.Context, record map[string]interface{}, rowNumber int) error {
	row := make([]interface{}, len(m.columns))
	for i, col := range m.columns {
		switch col {
		case schema.SourceFilenameColumn:
			row[i] = m.filename
		case schema.FileRowNumberColumn:
			row[i] = rowNumber
		default:
			row[i] = record[col]
		}
	}
	m.buf = append(m.buf, row)
	if len(m.buf) >= m.batchSize {
		return m.flush(ctx)
	}
	return nil
}

// Commit flushes any partial batch.
func (m *Manager) Commit(ctx context.Context) error {
	return m.flush(ctx)
}

// flush inserts the buffered rows in a short transaction, chunked to stay
// under the dialect's bind-parameter cap, retrying transient failures.
func (m *Manager) flush(ctx context.Context) error {
	if len(m.buf) == 0 {
		return nil
	}
	rows := m.buf
	m.buf = nil

	maxRows := m.db.Dialect().MaxParams() / len(m.columns)
	if maxRows < 1 {
		maxRows = 1
	}

	err := m.db.WithRetry(ctx, "stage insert", func(ctx context.Context) error {
		return m.db.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
			for start := 0; start < len(rows); start += maxRows {
				end := start + maxRows
				if end > len(rows) {
					end = len(rows)
				}
				if err := m.insertChunk(ctx, tx, rows[start:end]); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("Staging failed to insert batch into '%s': %w", m.stageTable, err)
	}

	m.staged += int64(len(rows))
	m.log.Logf(logging.Debug, "Staging: flushed %d rows into '%s' (%d total)", len(rows), m.stageTable, m.staged)
	return nil
}

// insertChunk executes one multi-row INSERT.
func (m *Manager) insertChunk(ctx context.Context, tx *sql.Tx, rows [][]interface{}) error {
	d := m.db.Dialect()

	quoted := make([]string, len(m.columns))
	for i, c := range m.columns {
		quoted[i] = d.QuoteIdent(c)
	}

	var sb strings.Builder
	args := make([]interface{}, 0, len(rows)*len(m.columns))
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", d.QuoteIdent(m.stageTable), strings.Join(quoted, ", "))
	n := 1
	for r, row := range rows {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for i, v := range row {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(d.Placeholder(n))
			n++
			args = append(args, v)
		}
		sb.WriteByte(')')
	}

	_, err := tx.ExecContext(ctx, sb.String(), args...)
	return err
}

// Drop tears down the stage table. Deferred on every pipeline exit path and
// safe to call when the table was never created.
func (m *Manager) Drop(ctx context.Context) error {
	if !m.created || m.dropped {
		return nil
	}
	m.dropped = true
	if err := m.db.DropStageTable(ctx, m.stageTable); err != nil {
		return err
	}
	m.log.Logf(logging.Debug, "Staging: dropped stage table '%s'", m.stageTable)
	return nil
}
