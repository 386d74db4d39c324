package pipeline

import (
	"context"
	"errors"
	"fmt"

	"file-loader/internal/audit"
	"file-loader/internal/database"
	"file-loader/internal/reader"
)

// Terminal error kinds recorded on the run-log row and used to route
// notifications.
const (
	KindUnsupportedFormat = "unsupported-format"
	KindMissingHeader     = "missing-header"
	KindMissingColumns    = "missing-columns"
	KindThresholdExceeded = "threshold-exceeded"
	KindGrainDuplicates   = "grain-duplicates"
	KindAuditFailed       = "audit-failed"
	KindDuplicateFile     = "duplicate-file"
	KindDBTransient       = "db-transient"
	KindDBFatal           = "db-fatal"
	KindCancelled         = "cancelled"
	KindInternal          = "internal-error"
)

// ThresholdError reports a validation-error rate above the source's
// tolerance, evaluated at end of stream.
type ThresholdError struct {
	Errors    int64
	Processed int64
	Threshold float64
}

func (e *ThresholdError) Error() string {
	return fmt.Sprintf("validation errors %d of %d records exceed threshold %v",
		e.Errors, e.Processed, e.Threshold)
}

// classify maps a terminal pipeline error to its kind.
func classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, reader.ErrMissingHeader):
		return KindMissingHeader
	case errors.Is(err, reader.ErrUnsupportedFormat), errors.Is(err, reader.ErrReaderMismatch):
		return KindUnsupportedFormat
	}

	var missingCols *reader.MissingColumnsError
	if errors.As(err, &missingCols) {
		return KindMissingColumns
	}
	var threshold *ThresholdError
	if errors.As(err, &threshold) {
		return KindThresholdExceeded
	}
	var grain *audit.GrainError
	if errors.As(err, &grain) {
		return KindGrainDuplicates
	}
	var auditErr *audit.AuditError
	if errors.As(err, &auditErr) {
		return KindAuditFailed
	}
	if database.IsTransient(err) {
		// Retries are exhausted by the time an error reaches classification.
		return KindDBTransient
	}
	if database.IsDBError(err) {
		return KindDBFatal
	}
	return KindInternal
}

// businessKind reports whether the kind goes to the source's recipients
// rather than the internal channel. Cancellation notifies no one.
func businessKind(kind string) bool {
	switch kind {
	case KindMissingHeader, KindMissingColumns, KindThresholdExceeded,
		KindGrainDuplicates, KindAuditFailed, KindDuplicateFile:
		return true
	}
	return false
}
