package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"file-loader/internal/app"
	"file-loader/internal/logging"
)

// main is the entry point for the file-loader engine. Shutdown is
// signal-driven: SIGINT or SIGTERM cancels the scheduler, running pipelines
// stop at their next I/O boundary, and the process exits after they have
// finalized their run-log rows.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := app.NewAppRunner()
	if err := runner.Run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, app.ErrUsage) {
			fmt.Fprintln(os.Stderr, "")
			runner.Usage(os.Stderr)
		}
		if logging.GetLevel() < logging.Error {
			logging.SetLevel(logging.Error)
		}
		logging.Logf(logging.Error, "file-loader failed: %v", err)
		os.Exit(1)
	}
	logging.Logf(logging.Info, "file-loader stopped.")
}
