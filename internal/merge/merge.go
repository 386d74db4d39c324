package merge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"file-loader/internal/config"
	"file-loader/internal/database"
	"file-loader/internal/logging"
	"file-loader/internal/schema"
)

// Merger publishes audited stage rows into the target with an idempotent
// grain-keyed upsert, and runs the early duplicate-file guard.
type Merger struct {
	db  *database.DB
	log *logging.Tagged
}

// New builds a merger for one pipeline run.
func New(db *database.DB, log *logging.Tagged) *Merger {
	return &Merger{db: db, log: log}
}

// FileAlreadyLoaded probes the target for any row carrying the filename.
// Runs before streaming begins; a hit short-circuits the pipeline into the
// duplicate-skipped path.
func (m *Merger) FileAlreadyLoaded(ctx context.Context, targetTable, filename string) (bool, error) {
	query := m.db.Dialect().ExistsRowSQL(targetTable, schema.SourceFilenameColumn)

	var exists bool
	err := m.db.WithRetry(ctx, "duplicate-file check", func(ctx context.Context) error {
		var one int
		err := m.db.QueryRow(ctx, query, filename).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			exists = false
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("Merger failed duplicate-file check on '%s': %w", targetTable, err)
	}
	return exists, nil
}

// Merge upserts every stage row into the target in a single transaction,
// keyed on the grain: matched rows update their non-grain columns, the rest
// insert. Returns the inserted and updated counts. On error nothing is
// committed and the stage table is left for the cleanup step.
func (m *Merger) Merge(ctx context.Context, src *config.SourceConfig, stage string) (inserted, updated int64, err error) {
	d := m.db.Dialect()
	model := &src.Model

	cols := append([]string{}, model.FieldNames()...)
	cols = append(cols, schema.SourceFilenameColumn)
	nonGrain := append([]string{}, model.NonGrainFields()...)
	nonGrain = append(nonGrain, schema.SourceFilenameColumn)

	countStage := fmt.Sprintf("SELECT COUNT(*) FROM %s", d.QuoteIdent(stage))

	ons := make([]string, len(model.Grain))
	for i, g := range model.Grain {
		ons[i] = fmt.Sprintf("t.%s = s.%s", d.QuoteIdent(g), d.QuoteIdent(g))
	}
	countMatched := fmt.Sprintf("SELECT COUNT(*) FROM %s AS s INNER JOIN %s AS t ON %s",
		d.QuoteIdent(stage), d.QuoteIdent(src.TargetTable), strings.Join(ons, " AND "))

	upsert := d.UpsertSQL(src.TargetTable, stage, cols, model.Grain, nonGrain)

	err = m.db.WithRetry(ctx, "merge", func(ctx context.Context) error {
		return m.db.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
			var staged, matched int64
			if err := tx.QueryRowContext(ctx, countStage).Scan(&staged); err != nil {
				return fmt.Errorf("failed to count stage rows: %w", err)
			}
			// The grain gate has already proven stage grains unique, so the
			// matched count inside this transaction is exactly the update
			// count of the upsert below.
			if err := tx.QueryRowContext(ctx, countMatched).Scan(&matched); err != nil {
				return fmt.Errorf("failed to count matched rows: %w", err)
			}
			if _, err := tx.ExecContext(ctx, upsert); err != nil {
				return fmt.Errorf("upsert failed: %w", err)
			}
			updated = matched
			inserted = staged - matched
			return nil
		})
	})
	if err != nil {
		return 0, 0, fmt.Errorf("Merger failed to merge '%s' into '%s': %w", stage, src.TargetTable, err)
	}

	m.log.Logf(logging.Info, "Merger: published '%s' into '%s' (%d inserted, %d updated)",
		stage, src.TargetTable, inserted, updated)
	return inserted, updated, nil
}
