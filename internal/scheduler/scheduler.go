package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"file-loader/internal/config"
	"file-loader/internal/database"
	"file-loader/internal/logging"
	"file-loader/internal/notify"
	"file-loader/internal/pipeline"
	"file-loader/internal/reader"
	"file-loader/internal/source"
)

// Scheduler discovers files in the watch directory and runs their pipelines
// on a fixed-size worker pool. Pipelines are independent; a failure or panic
// in one never affects another.
type Scheduler struct {
	db       *database.DB
	cfg      *config.AppConfig
	registry *source.Registry
	notifier notify.Notifier
	tracer   trace.Tracer
	workers  int
}

// New builds a scheduler. workers <= 0 selects the logical CPU count.
func New(db *database.DB, cfg *config.AppConfig, registry *source.Registry, notifier notify.Notifier, tracer trace.Tracer) *Scheduler {
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Scheduler{db: db, cfg: cfg, registry: registry, notifier: notifier, tracer: tracer, workers: workers}
}

// Discover lists the watch directory's files with supported extensions.
// Order is filesystem-defined and not part of the contract.
func (s *Scheduler) Discover() ([]string, error) {
	entries, err := os.ReadDir(s.cfg.DirectoryPath)
	if err != nil {
		return nil, fmt.Errorf("Scheduler failed to read watch directory '%s': %w", s.cfg.DirectoryPath, err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !reader.IsSupported(name) {
			logging.Logf(logging.Warning, "Scheduler: skipping unsupported file '%s'", name)
			s.notifier.InternalError(name, fmt.Errorf("%w: '%s'", reader.ErrUnsupportedFormat, name))
			continue
		}
		files = append(files, filepath.Join(s.cfg.DirectoryPath, name))
	}
	return files, nil
}

// RunOnce performs one discovery pass and waits for every discovered file's
// pipeline to reach a terminal state. A cancelled context stops new
// pipelines from starting; running pipelines cancel at their next I/O
// boundary and finalize themselves.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	files, err := s.Discover()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		logging.Logf(logging.Debug, "Scheduler: nothing to do")
		return nil
	}
	logging.Logf(logging.Info, "Scheduler: discovered %d files, running on %d workers", len(files), s.workers)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, path := range files {
		path := path
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			s.runOne(gctx, path)
			// Pipeline outcomes are already recorded and notified; never
			// propagate them, or one failure would cancel the group.
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	logging.Logf(logging.Info, "Scheduler: pass complete (%d files)", len(files))
	return nil
}

// runOne matches the file to its source and runs the pipeline. The pipeline
// recovers its own panics and finalizes its run-log row; the recover here is
// the backstop for failures outside a running pipeline, keeping them
// isolated from the other workers.
func (s *Scheduler) runOne(ctx context.Context, path string) {
	name := filepath.Base(path)
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("pipeline panic: %v", r)
			logging.Logf(logging.Error, "Scheduler: pipeline for '%s' panicked: %v", name, r)
			s.notifier.InternalError(name, err)
		}
	}()

	src, err := s.registry.Match(name)
	if err != nil {
		logging.Logf(logging.Warning, "Scheduler: no source for '%s'; leaving file in place", name)
		return
	}

	// Pipeline errors are terminal states already handled inside Run.
	_ = pipeline.New(s.db, s.cfg, src, path, s.notifier, s.tracer).Run(ctx)
}
