package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"file-loader/internal/config"
	"file-loader/internal/database"
	"file-loader/internal/logging"
	"file-loader/internal/notify"
	"file-loader/internal/reader"
	"file-loader/internal/scheduler"
	"file-loader/internal/source"
)

// Define common application-level errors.
var (
	ErrUsage          = errors.New("usage error")
	ErrConfigInvalid  = errors.New("invalid configuration")
	ErrSourcesInvalid = errors.New("invalid source declarations")
)

// AppRunner encapsulates the application's execution logic.
type AppRunner struct{}

// NewAppRunner creates a new instance of the application runner.
func NewAppRunner() *AppRunner {
	return &AppRunner{}
}

const usageText = `Usage:
  file-loader [options]

Watches a directory for tabular data files, validates them against per-source
schemas, and lands them into the configured database with write-audit-publish
staging and idempotent merges.

Options:
  -sources string    Source declarations YAML (overrides SOURCES_PATH)
  -db string         Database connection URL (overrides DATABASE_URL)
  -loglevel string   Logging level: none, error, warn, info, debug
  -once              Run a single discovery pass and exit
  -interval duration Poll interval between passes (default 30s)
  -dry-run           Discover and header-check files without touching the database
  -help              Show this help

Environment:
  DATABASE_URL, DIRECTORY_PATH, ARCHIVE_PATH, DUPLICATE_FILES_PATH required;
  SOURCES_PATH, BATCH_SIZE, WORKERS, DB_TIMEOUT_SECONDS, DATA_TEAM_EMAIL,
  TRACING, LOG_LEVEL optional. All may be namespaced with DEV_/TEST_/PROD_
  according to APP_ENV. A .env file in the working directory is loaded.
`

// Usage prints the command-line help information to the specified writer.
func (a *AppRunner) Usage(writer io.Writer) {
	fmt.Fprint(writer, usageText)
}

// Run parses command-line arguments and executes the engine until the
// context is cancelled (or after one pass with -once).
func (a *AppRunner) Run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("file-loader", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	sourcesFlag := fs.String("sources", "", "Source declarations YAML")
	dbFlag := fs.String("db", "", "Database connection URL")
	logLevelStr := fs.String("loglevel", "", "Logging level")
	onceFlag := fs.Bool("once", false, "Run a single pass")
	intervalFlag := fs.Duration("interval", config.DefaultPollInterval, "Poll interval")
	dryRunFlag := fs.Bool("dry-run", false, "Header-check without loading")
	helpFlag := fs.Bool("help", false, "Show help")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			a.Usage(os.Stderr)
			return nil
		}
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}
	if *helpFlag {
		a.Usage(os.Stderr)
		return nil
	}

	// A .env file is a development convenience; absence is not an error.
	if err := godotenv.Load(); err == nil {
		logging.Logf(logging.Debug, "App: loaded .env file")
	}

	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if *dbFlag != "" {
		cfg.DatabaseURL = *dbFlag
	}
	if *sourcesFlag != "" {
		cfg.SourcesPath = *sourcesFlag
	}
	if *logLevelStr != "" {
		logging.SetupLogging(*logLevelStr)
	} else {
		logging.SetupLogging(cfg.LogLevel)
	}

	sources, err := config.LoadSources(cfg.SourcesPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourcesInvalid, err)
	}
	registry, err := source.Build(sources)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourcesInvalid, err)
	}

	if *dryRunFlag {
		return a.dryRun(cfg, registry)
	}

	db, err := database.Open(ctx, cfg.DatabaseURL, cfg.DBTimeout)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.EnsureRunLogTable(ctx); err != nil {
		return err
	}
	if err := db.EnsureDLQTable(ctx); err != nil {
		return err
	}
	for _, src := range registry.Sources() {
		if err := db.EnsureTargetTable(ctx, src); err != nil {
			return err
		}
	}

	notifier := notify.NewLogNotifier(cfg.DataTeamEmail)
	var tracer trace.Tracer
	if cfg.TracingEnabled {
		tracer = otel.Tracer("file-loader")
	}

	sched := scheduler.New(db, cfg, registry, notifier, tracer)
	if *onceFlag {
		return sched.RunOnce(ctx)
	}

	logging.Logf(logging.Info, "App: polling '%s' every %s", cfg.DirectoryPath, *intervalFlag)
	ticker := time.NewTicker(*intervalFlag)
	defer ticker.Stop()
	for {
		if err := sched.RunOnce(ctx); err != nil && ctx.Err() == nil {
			logging.Logf(logging.Error, "App: scheduler pass failed: %v", err)
		}
		select {
		case <-ctx.Done():
			logging.Logf(logging.Info, "App: shutdown signal received")
			return nil
		case <-ticker.C:
		}
	}
}

// dryRun discovers files, matches them to sources, and validates headers
// without opening a database connection.
func (a *AppRunner) dryRun(cfg *config.AppConfig, registry *source.Registry) error {
	entries, err := os.ReadDir(cfg.DirectoryPath)
	if err != nil {
		return fmt.Errorf("failed to read watch directory '%s': %w", cfg.DirectoryPath, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !reader.IsSupported(name) {
			logging.Logf(logging.Warning, "DRY RUN: '%s' unsupported format", name)
			continue
		}
		src, err := registry.Match(name)
		if err != nil {
			logging.Logf(logging.Warning, "DRY RUN: '%s' matches no source", name)
			continue
		}
		rdr, err := reader.Open(filepath.Join(cfg.DirectoryPath, name), src)
		if err != nil {
			logging.Logf(logging.Error, "DRY RUN: '%s' reader: %v", name, err)
			continue
		}
		declared, err := rdr.DeclaredFields()
		if err == nil {
			err = reader.ValidateHeader(declared, src.Model.RequiredAliases())
		}
		rdr.Close()
		if err != nil {
			logging.Logf(logging.Error, "DRY RUN: '%s' header: %v", name, err)
			continue
		}
		logging.Logf(logging.Info, "DRY RUN: '%s' -> source '%s', target '%s', header OK",
			name, src.Name, src.TargetTable)
	}
	return nil
}
