package audit

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"file-loader/internal/database"
	"file-loader/internal/logging"
)

// GrainError reports duplicate grain tuples found in a stage table.
type GrainError struct {
	Count int64
}

func (e *GrainError) Error() string {
	return fmt.Sprintf("stage contains %d duplicate grain tuples", e.Count)
}

// AuditError reports user-audit columns that evaluated to 0.
type AuditError struct {
	Columns []string
}

func (e *AuditError) Error() string {
	return fmt.Sprintf("audit failed for columns: %s", strings.Join(e.Columns, ", "))
}

// Auditor runs the two read-only gates against a stage table after the
// staging commit.
type Auditor struct {
	db  *database.DB
	log *logging.Tagged
}

// New builds an auditor for one pipeline run.
func New(db *database.DB, log *logging.Tagged) *Auditor {
	return &Auditor{db: db, log: log}
}

// CheckGrain verifies grain uniqueness: the total row count must equal the
// distinct grain-tuple count. The distinct count runs as a derived-table
// subquery so it works on every supported dialect.
func (a *Auditor) CheckGrain(ctx context.Context, stage string, grain []string) error {
	d := a.db.Dialect()
	quoted := make([]string, len(grain))
	for i, g := range grain {
		quoted[i] = d.QuoteIdent(g)
	}
	grainList := strings.Join(quoted, ", ")

	query := fmt.Sprintf(
		"SELECT (SELECT COUNT(*) FROM %s) - (SELECT COUNT(*) FROM (SELECT DISTINCT %s FROM %s) AS g)",
		d.QuoteIdent(stage), grainList, d.QuoteIdent(stage))

	var dupes int64
	err := a.db.WithRetry(ctx, "grain audit", func(ctx context.Context) error {
		return a.db.QueryRow(ctx, query).Scan(&dupes)
	})
	if err != nil {
		return fmt.Errorf("Auditor failed grain check on '%s': %w", stage, err)
	}
	if dupes != 0 {
		return &GrainError{Count: dupes}
	}
	a.log.Logf(logging.Debug, "Auditor: grain unique on '%s'", stage)
	return nil
}

// RunUserAudit substitutes the stage-table name into the {table} placeholder
// and executes the audit. The result must be exactly one row whose columns
// all read as integer 1; any 0 fails with the offending column names.
func (a *Auditor) RunUserAudit(ctx context.Context, stage, queryTemplate string) error {
	query := strings.ReplaceAll(queryTemplate, "{table}", a.db.Dialect().QuoteIdent(stage))
	a.log.Logf(logging.Debug, "Auditor: running user audit: %s", query)

	var failing []string
	err := a.db.WithRetry(ctx, "user audit", func(ctx context.Context) error {
		rows, err := a.db.Query(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()

		cols, err := rows.Columns()
		if err != nil {
			return err
		}
		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return err
			}
			return fmt.Errorf("audit query returned no rows")
		}

		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		if rows.Next() {
			return fmt.Errorf("audit query returned more than one row")
		}
		if err := rows.Err(); err != nil {
			return err
		}

		failing = failing[:0]
		for i, col := range cols {
			pass, err := auditFlag(values[i])
			if err != nil {
				return fmt.Errorf("audit column '%s': %w", col, err)
			}
			if !pass {
				failing = append(failing, col)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("Auditor failed user audit on '%s': %w", stage, err)
	}
	if len(failing) > 0 {
		return &AuditError{Columns: failing}
	}
	a.log.Logf(logging.Debug, "Auditor: user audit passed on '%s'", stage)
	return nil
}

// auditFlag interprets one audit-result value as the required integer 0/1.
func auditFlag(v interface{}) (bool, error) {
	switch val := v.(type) {
	case int64:
		if val == 0 || val == 1 {
			return val == 1, nil
		}
		return false, fmt.Errorf("value %d is not 0 or 1", val)
	case float64:
		if val == 0 || val == 1 {
			return val == 1, nil
		}
		return false, fmt.Errorf("value %v is not 0 or 1", val)
	case bool:
		return val, nil
	case []byte:
		return auditFlagString(string(val))
	case string:
		return auditFlagString(val)
	case nil:
		return false, fmt.Errorf("value is NULL")
	default:
		return false, fmt.Errorf("value %v (%T) is not interpretable as 0 or 1", v, v)
	}
}

func auditFlagString(s string) (bool, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || (n != 0 && n != 1) {
		return false, fmt.Errorf("value %q is not 0 or 1", s)
	}
	return n == 1, nil
}
