package runlog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"file-loader/internal/database"
	"file-loader/internal/logging"
)

// Terminal and initial statuses of a run-log row. Once terminal, the row is
// never written again.
const (
	StatusPending          = "pending"
	StatusSuccess          = "success"
	StatusFailed           = "failed"
	StatusDuplicateSkipped = "duplicate-skipped"
)

// Pipeline phases tracked with their own start/end instants.
const (
	PhaseArchive    = "archive"
	PhaseProcessing = "processing"
	PhaseStaging    = "staging"
	PhaseAudit      = "audit"
	PhaseMerge      = "merge"
)

// phaseColumns whitelists the per-phase timestamp columns; phase names are
// interpolated into SQL and must never come from input.
var phaseColumns = map[string][2]string{
	PhaseArchive:    {"archive_started_at", "archive_ended_at"},
	PhaseProcessing: {"processing_started_at", "processing_ended_at"},
	PhaseStaging:    {"staging_started_at", "staging_ended_at"},
	PhaseAudit:      {"audit_started_at", "audit_ended_at"},
	PhaseMerge:      {"merge_started_at", "merge_ended_at"},
}

// Recorder owns one run-log row. Only the owning pipeline writes it; phase
// updates are idempotent field updates.
type Recorder struct {
	db  *database.DB
	id  string
	log *logging.Tagged
}

// Start inserts the run-log row with status pending and returns its
// recorder. The id is generated client-side so the scheme needs no
// dialect-specific RETURNING.
func Start(ctx context.Context, db *database.DB, filename, sourceName, targetTable string, log *logging.Tagged) (*Recorder, error) {
	id := uuid.NewString()
	d := db.Dialect()

	query := fmt.Sprintf(
		"INSERT INTO %s (%s, %s, %s, %s, %s, %s) VALUES (%s, %s, %s, %s, %s, %s)",
		d.QuoteIdent(database.RunLogTable),
		d.QuoteIdent("id"), d.QuoteIdent("filename"), d.QuoteIdent("source_name"),
		d.QuoteIdent("target_table"), d.QuoteIdent("status"), d.QuoteIdent("started_at"),
		d.Placeholder(1), d.Placeholder(2), d.Placeholder(3),
		d.Placeholder(4), d.Placeholder(5), d.Placeholder(6))

	err := db.WithRetry(ctx, "run-log insert", func(ctx context.Context) error {
		_, err := db.Exec(ctx, query, id, filename, sourceName, targetTable, StatusPending, time.Now().UTC())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("LogRecorder failed to create run-log row for '%s': %w", filename, err)
	}
	return &Recorder{db: db, id: id, log: log}, nil
}

// ID returns the run-log row id, referenced by dead-letter entries.
func (r *Recorder) ID() string {
	return r.id
}

// setColumns updates named columns on the row. Column names come from
// compile-time call sites only.
func (r *Recorder) setColumns(ctx context.Context, cols []string, vals []interface{}) error {
	d := r.db.Dialect()
	sets := ""
	for i, c := range cols {
		if i > 0 {
			sets += ", "
		}
		sets += fmt.Sprintf("%s = %s", d.QuoteIdent(c), d.Placeholder(i+1))
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s",
		d.QuoteIdent(database.RunLogTable), sets, d.QuoteIdent("id"), d.Placeholder(len(cols)+1))

	args := append(append([]interface{}{}, vals...), r.id)
	return r.db.WithRetry(ctx, "run-log update", func(ctx context.Context) error {
		_, err := r.db.Exec(ctx, query, args...)
		return err
	})
}

// PhaseStart stamps the phase's start instant.
func (r *Recorder) PhaseStart(ctx context.Context, phase string) error {
	cols, ok := phaseColumns[phase]
	if !ok {
		return fmt.Errorf("LogRecorder: unknown phase '%s'", phase)
	}
	return r.setColumns(ctx, []string{cols[0]}, []interface{}{time.Now().UTC()})
}

// PhaseEnd stamps the phase's end instant.
func (r *Recorder) PhaseEnd(ctx context.Context, phase string) error {
	cols, ok := phaseColumns[phase]
	if !ok {
		return fmt.Errorf("LogRecorder: unknown phase '%s'", phase)
	}
	return r.setColumns(ctx, []string{cols[1]}, []interface{}{time.Now().UTC()})
}

// RecordProcessing stores the streaming counters.
func (r *Recorder) RecordProcessing(ctx context.Context, processed, validationErrors int64) error {
	return r.setColumns(ctx,
		[]string{"records_processed", "validation_errors"},
		[]interface{}{processed, validationErrors})
}

// RecordStaged stores the staged row count.
func (r *Recorder) RecordStaged(ctx context.Context, staged int64) error {
	return r.setColumns(ctx, []string{"staged"}, []interface{}{staged})
}

// RecordAudit stores the audit outcome.
func (r *Recorder) RecordAudit(ctx context.Context, ok bool) error {
	return r.setColumns(ctx, []string{"audit_ok"}, []interface{}{ok})
}

// RecordMerge stores the merge counters.
func (r *Recorder) RecordMerge(ctx context.Context, inserted, updated int64) error {
	return r.setColumns(ctx, []string{"inserted", "updated"}, []interface{}{inserted, updated})
}

// Finish sets the terminal status, end timestamp, and exception fields in
// one update. After Finish the row is immutable by contract.
func (r *Recorder) Finish(ctx context.Context, status, exceptionKind, exceptionMsg string) error {
	err := r.setColumns(ctx,
		[]string{"status", "ended_at", "exception_kind", "exception_msg"},
		[]interface{}{status, time.Now().UTC(), exceptionKind, exceptionMsg})
	if err != nil {
		return fmt.Errorf("LogRecorder failed to finalize run %s: %w", r.id, err)
	}
	r.log.Logf(logging.Debug, "LogRecorder: run %s finalized as %s", r.id, status)
	return nil
}
