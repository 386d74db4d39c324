package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"file-loader/internal/audit"
	"file-loader/internal/config"
	"file-loader/internal/database"
	"file-loader/internal/dlq"
	"file-loader/internal/logging"
	"file-loader/internal/merge"
	"file-loader/internal/notify"
	"file-loader/internal/reader"
	"file-loader/internal/runlog"
	"file-loader/internal/schema"
	"file-loader/internal/staging"
)

// cleanupTimeout bounds the stage drop and log finalize that still run after
// the pipeline's own context is cancelled.
const cleanupTimeout = 30 * time.Second

// Pipeline runs one file end-to-end. It exclusively owns the run's mutable
// state: the log row, the stage table, and the counters.
type Pipeline struct {
	db       *database.DB
	cfg      *config.AppConfig
	src      *config.SourceConfig
	path     string
	notifier notify.Notifier
	tracer   trace.Tracer
}

// New binds a pipeline to one discovered file.
func New(db *database.DB, cfg *config.AppConfig, src *config.SourceConfig, path string, notifier notify.Notifier, tracer trace.Tracer) *Pipeline {
	return &Pipeline{db: db, cfg: cfg, src: src, path: path, notifier: notifier, tracer: tracer}
}

// Run drives the file through the state machine. The returned error is
// informational: every terminal state has already been recorded and
// notified by the time Run returns.
func (p *Pipeline) Run(ctx context.Context) error {
	filename := filepath.Base(p.path)
	lg := logging.WithTag("file=%s", filename)

	var span trace.Span
	if p.tracer != nil {
		ctx, span = p.tracer.Start(ctx, "pipeline.run",
			trace.WithAttributes(
				attribute.String("file.name", filename),
				attribute.String("source.name", p.src.Name),
				attribute.String("target.table", p.src.TargetTable)))
		defer span.End()
	}

	rec, err := runlog.Start(ctx, p.db, filename, p.src.Name, p.src.TargetTable, lg)
	if err != nil {
		lg.Logf(logging.Error, "Pipeline: could not create run-log row: %v", err)
		p.notifier.InternalError(filename, err)
		p.spanError(span, err)
		return err
	}
	lg = logging.WithTag("file=%s run=%s", filename, rec.ID())
	lg.Logf(logging.Info, "Pipeline: started (source '%s', target '%s')", p.src.Name, p.src.TargetTable)

	// A panic anywhere in the state machine must still leave the run-log row
	// terminal; the deferred stage drop inside run fires during unwinding,
	// and the recovery here finalizes and notifies like any other failure.
	runErr := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				cause := fmt.Errorf("pipeline panic: %v", r)
				lg.Logf(logging.Error, "Pipeline: panicked: %v", r)
				cctx, cancel := cleanupCtx(ctx)
				defer cancel()
				if finErr := rec.Finish(cctx, runlog.StatusFailed, KindInternal, cause.Error()); finErr != nil {
					lg.Logf(logging.Error, "Pipeline: could not finalize run-log row after panic: %v", finErr)
				}
				p.notifier.InternalError(filename, cause)
				err = cause
			}
		}()
		return p.run(ctx, rec, filename, lg, span)
	}()
	if runErr != nil {
		p.spanError(span, runErr)
	}
	return runErr
}

// cleanupCtx returns a context usable for teardown even after cancellation.
func cleanupCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}

// fail records a terminal failure: stage drop (when a stage exists), log
// finalize, then one notification routed by kind. The source file stays in
// the watch directory for operator recovery.
func (p *Pipeline) fail(ctx context.Context, rec *runlog.Recorder, stager *staging.Manager, filename string, lg *logging.Tagged, cause error) error {
	kind := classify(cause)
	lg.Logf(logging.Error, "Pipeline: failed (%s): %v", kind, cause)

	cctx, cancel := cleanupCtx(ctx)
	defer cancel()

	if stager != nil {
		if dropErr := stager.Drop(cctx); dropErr != nil {
			lg.Logf(logging.Error, "Pipeline: stage drop during failure handling: %v", dropErr)
		}
	}
	if finErr := rec.Finish(cctx, runlog.StatusFailed, kind, cause.Error()); finErr != nil {
		lg.Logf(logging.Error, "Pipeline: could not finalize run-log row: %v", finErr)
	}

	switch {
	case kind == KindCancelled:
		// Shutdown is not an alert.
	case businessKind(kind):
		p.notifier.FileProblem(p.src, filename, kind, cause.Error())
	default:
		p.notifier.InternalError(filename, cause)
	}
	return cause
}

// run executes the state machine once the run-log row exists.
func (p *Pipeline) run(ctx context.Context, rec *runlog.Recorder, filename string, lg *logging.Tagged, span trace.Span) error {
	merger := merge.New(p.db, lg)

	// DEDUPE_CHECK: short-circuit files whose rows already landed.
	duplicate, err := merger.FileAlreadyLoaded(ctx, p.src.TargetTable, filename)
	if err != nil {
		return p.fail(ctx, rec, nil, filename, lg, err)
	}
	if duplicate {
		return p.skipDuplicate(ctx, rec, filename, lg)
	}

	// ARCHIVE_COPY: before any mutating step; a failed archive stops the
	// pipeline before the database is touched.
	p.phase(ctx, rec, lg, runlog.PhaseArchive, true)
	archivePath, err := copyFile(p.path, p.cfg.ArchivePath)
	if err != nil {
		return p.fail(ctx, rec, nil, filename, lg, fmt.Errorf("archive copy failed: %w", err))
	}
	p.phase(ctx, rec, lg, runlog.PhaseArchive, false)
	lg.Logf(logging.Debug, "Pipeline: archived to '%s'", archivePath)

	// READER_OPEN and HEADER_VALIDATE.
	validator, err := schema.NewValidator(&p.src.Model)
	if err != nil {
		return p.fail(ctx, rec, nil, filename, lg, err)
	}
	rdr, err := reader.Open(p.path, p.src)
	if err != nil {
		return p.fail(ctx, rec, nil, filename, lg, err)
	}
	defer rdr.Close()

	declared, err := rdr.DeclaredFields()
	if err != nil {
		return p.fail(ctx, rec, nil, filename, lg, err)
	}
	if err := reader.ValidateHeader(declared, p.src.Model.RequiredAliases()); err != nil {
		return p.fail(ctx, rec, nil, filename, lg, err)
	}

	stager := staging.NewManager(p.db, p.src, filename, p.cfg.BatchSize, lg)
	if err := stager.Create(ctx); err != nil {
		return p.fail(ctx, rec, nil, filename, lg, err)
	}
	// The stage must go away on every exit path, including panics; fail()
	// drops earlier so this drop is an idempotent backstop.
	defer func() {
		cctx, cancel := cleanupCtx(ctx)
		defer cancel()
		if err := stager.Drop(cctx); err != nil {
			lg.Logf(logging.Error, "Pipeline: deferred stage drop: %v", err)
		}
	}()

	// STREAM: reader -> validator -> stage | dlq, order preserved.
	dlqWriter := dlq.NewWriter(p.db, p.cfg.BatchSize, lg)
	p.phase(ctx, rec, lg, runlog.PhaseProcessing, true)
	processed, errored, err := p.stream(ctx, rdr, validator, stager, dlqWriter, rec, filename)
	if err != nil {
		return p.fail(ctx, rec, stager, filename, lg, err)
	}
	p.phase(ctx, rec, lg, runlog.PhaseProcessing, false)
	if err := rec.RecordProcessing(ctx, processed, errored); err != nil {
		lg.Logf(logging.Warning, "Pipeline: run-log counter update: %v", err)
	}
	p.spanEvent(span, "stream.done")

	// Dead letters document the run whether or not it survives the
	// threshold, so they flush before the gate.
	if err := dlqWriter.Commit(ctx); err != nil {
		return p.fail(ctx, rec, stager, filename, lg, err)
	}

	// Threshold gate: evaluated only at end of stream; 0/0 counts as 0.
	if processed > 0 && float64(errored)/float64(processed) > p.src.ErrorThreshold {
		return p.fail(ctx, rec, stager, filename, lg, &ThresholdError{
			Errors: errored, Processed: processed, Threshold: p.src.ErrorThreshold,
		})
	}

	// STAGE_COMMIT.
	p.phase(ctx, rec, lg, runlog.PhaseStaging, true)
	if err := stager.Commit(ctx); err != nil {
		return p.fail(ctx, rec, stager, filename, lg, err)
	}
	p.phase(ctx, rec, lg, runlog.PhaseStaging, false)
	if err := rec.RecordStaged(ctx, stager.Staged()); err != nil {
		lg.Logf(logging.Warning, "Pipeline: run-log counter update: %v", err)
	}

	// GRAIN_AUDIT then USER_AUDIT; the user audit never runs after a grain
	// failure.
	auditor := audit.New(p.db, lg)
	p.phase(ctx, rec, lg, runlog.PhaseAudit, true)
	if err := auditor.CheckGrain(ctx, stager.StageTable(), p.src.Model.Grain); err != nil {
		if recErr := rec.RecordAudit(ctx, false); recErr != nil {
			lg.Logf(logging.Warning, "Pipeline: run-log counter update: %v", recErr)
		}
		return p.fail(ctx, rec, stager, filename, lg, err)
	}
	if p.src.AuditQuery != "" {
		if err := auditor.RunUserAudit(ctx, stager.StageTable(), p.src.AuditQuery); err != nil {
			if recErr := rec.RecordAudit(ctx, false); recErr != nil {
				lg.Logf(logging.Warning, "Pipeline: run-log counter update: %v", recErr)
			}
			return p.fail(ctx, rec, stager, filename, lg, err)
		}
	}
	p.phase(ctx, rec, lg, runlog.PhaseAudit, false)
	if err := rec.RecordAudit(ctx, true); err != nil {
		lg.Logf(logging.Warning, "Pipeline: run-log counter update: %v", err)
	}
	p.spanEvent(span, "audit.passed")

	// MERGE.
	p.phase(ctx, rec, lg, runlog.PhaseMerge, true)
	inserted, updated, err := merger.Merge(ctx, p.src, stager.StageTable())
	if err != nil {
		return p.fail(ctx, rec, stager, filename, lg, err)
	}
	p.phase(ctx, rec, lg, runlog.PhaseMerge, false)
	if err := rec.RecordMerge(ctx, inserted, updated); err != nil {
		lg.Logf(logging.Warning, "Pipeline: run-log counter update: %v", err)
	}
	p.spanEvent(span, "merge.done")

	// DLQ_CLEANUP: a reprocessed file sheds its prior dead letters. The
	// merge is already committed, so a cleanup failure degrades to a
	// warning rather than failing the run.
	if err := dlqWriter.DeletePrior(ctx, filename, rec.ID()); err != nil {
		lg.Logf(logging.Warning, "Pipeline: prior DLQ cleanup: %v", err)
	}

	// STAGE_DROP before FILE_DELETE, so a crash between the two leaves only
	// a re-discoverable file, never a stale stage.
	cctx, cancel := cleanupCtx(ctx)
	defer cancel()
	if err := stager.Drop(cctx); err != nil {
		lg.Logf(logging.Error, "Pipeline: stage drop: %v", err)
	}

	// FILE_DELETE: the archive copy is the recovery artifact from here on.
	if err := os.Remove(p.path); err != nil {
		lg.Logf(logging.Warning, "Pipeline: could not delete source file '%s': %v", p.path, err)
	}

	if err := rec.Finish(cctx, runlog.StatusSuccess, "", ""); err != nil {
		lg.Logf(logging.Error, "Pipeline: could not finalize run-log row: %v", err)
	}
	lg.Logf(logging.Info, "Pipeline: success (processed=%d errors=%d staged=%d inserted=%d updated=%d)",
		processed, errored, stager.Staged(), inserted, updated)
	return nil
}

// stream drives the reader to exhaustion, routing each row to the stage
// table or the dead-letter queue. Back-pressure is implicit: Add blocks
// while a batch flushes.
func (p *Pipeline) stream(ctx context.Context, rdr reader.Reader, validator *schema.Validator,
	stager *staging.Manager, dlqWriter *dlq.Writer, rec *runlog.Recorder, filename string) (processed, errored int64, err error) {

	for {
		if ctx.Err() != nil {
			return processed, errored, ctx.Err()
		}
		row, ok := rdr.Next()
		if !ok {
			break
		}
		processed++

		if row.Err != nil {
			errored++
			entry := dlq.Entry{
				SourceFilename: filename,
				FileRowNumber:  row.Number,
				RecordData:     map[string]interface{}{},
				Errors: []schema.FieldError{{
					ErrorType: schema.ErrTypeColumnOverflow,
					ErrorMsg:  row.Err.Error(),
				}},
				FileLoadLogID:   rec.ID(),
				TargetTableName: p.src.TargetTable,
			}
			if err := dlqWriter.Add(ctx, entry); err != nil {
				return processed, errored, err
			}
			continue
		}

		record, fieldErrs := validator.ValidateRow(row.Fields)
		if len(fieldErrs) > 0 {
			errored++
			entry := dlq.Entry{
				SourceFilename:  filename,
				FileRowNumber:   row.Number,
				RecordData:      dlqRecordData(&p.src.Model, row.Fields, fieldErrs),
				Errors:          fieldErrs,
				FileLoadLogID:   rec.ID(),
				TargetTableName: p.src.TargetTable,
			}
			if err := dlqWriter.Add(ctx, entry); err != nil {
				return processed, errored, err
			}
			continue
		}

		if err := stager.Add(ctx, record, row.Number); err != nil {
			return processed, errored, err
		}
	}
	if err := rdr.Err(); err != nil {
		return processed, errored, err
	}
	return processed, errored, nil
}

// dlqRecordData selects the failing record's grain fields plus the fields
// that errored, keyed by source alias as they appear in the file.
func dlqRecordData(model *schema.RowModel, fields map[string]interface{}, fieldErrs []schema.FieldError) map[string]interface{} {
	data := make(map[string]interface{})
	for _, g := range model.Grain {
		if f, ok := model.FieldByName(g); ok {
			alias := f.SourceAlias()
			if v, present := fields[alias]; present {
				data[alias] = v
			}
		}
	}
	for _, fe := range fieldErrs {
		if v, present := fields[fe.ColumnName]; present {
			data[fe.ColumnName] = v
		}
	}
	return data
}

// skipDuplicate handles the duplicate-file short circuit: move the file,
// finalize the log row, notify. No stage table exists yet.
func (p *Pipeline) skipDuplicate(ctx context.Context, rec *runlog.Recorder, filename string, lg *logging.Tagged) error {
	msg := fmt.Sprintf("rows for '%s' already exist in '%s'", filename, p.src.TargetTable)
	lg.Logf(logging.Warning, "Pipeline: duplicate file, skipping: %s", msg)

	if _, err := moveFile(p.path, p.cfg.DuplicatePath); err != nil {
		lg.Logf(logging.Error, "Pipeline: could not move duplicate file: %v", err)
	}

	cctx, cancel := cleanupCtx(ctx)
	defer cancel()
	if err := rec.Finish(cctx, runlog.StatusDuplicateSkipped, KindDuplicateFile, msg); err != nil {
		lg.Logf(logging.Error, "Pipeline: could not finalize run-log row: %v", err)
	}
	p.notifier.FileProblem(p.src, filename, KindDuplicateFile, msg)
	return nil
}

// phase stamps a phase boundary on the run-log row; failures degrade to
// warnings because phase instants are advisory.
func (p *Pipeline) phase(ctx context.Context, rec *runlog.Recorder, lg *logging.Tagged, phase string, start bool) {
	var err error
	if start {
		err = rec.PhaseStart(ctx, phase)
	} else {
		err = rec.PhaseEnd(ctx, phase)
	}
	if err != nil {
		lg.Logf(logging.Warning, "Pipeline: run-log phase update (%s): %v", phase, err)
	}
}

func (p *Pipeline) spanEvent(span trace.Span, name string) {
	if span != nil {
		span.AddEvent(name)
	}
}

func (p *Pipeline) spanError(span trace.Span, err error) {
	if span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, classify(err))
	}
}
