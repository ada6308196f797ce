// Package build executes one decoded job inside a provisioned VM session and
// streams its output to a log sink.
package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/forgeci/build-worker/internal/vm"
	"github.com/forgeci/build-worker/internal/worker/domain"
)

// Result is the outcome of a completed build. A non-zero exit code is a
// failed build, not an execution error: the job still completed normally.
type Result struct {
	ExitCode int
	Duration time.Duration
}

// Runner executes one job's build script
type Runner struct {
	session vm.Session
	sink    io.Writer
	payload *domain.Payload
	logger  *slog.Logger
}

// NewRunner creates a Runner bound to one job
func NewRunner(session vm.Session, sink io.Writer, payload *domain.Payload, logger *slog.Logger) *Runner {
	return &Runner{
		session: session,
		sink:    sink,
		payload: payload,
		logger:  logger,
	}
}

// Run executes the job's script through the session shell. Shell-level
// failures surface as VM fatal errors; script failures are normal completions
// carrying a non-zero exit code.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	script := r.payload.Config.Script
	if script == "" {
		return Result{}, fmt.Errorf("job %d has no build script", r.payload.Job.ID)
	}

	fmt.Fprintf(r.sink, "Building %s (job #%d)\n", r.payload.Repository.Slug, r.payload.Job.ID)

	start := time.Now()
	exitCode, err := r.session.Shell().Run(ctx, script, r.payload.Config.Env, r.sink)
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(err, vm.ErrShellTerminated) {
			return Result{}, domain.NewVMFatalError("build shell terminated", err)
		}
		return Result{}, fmt.Errorf("build execution failed: %w", err)
	}

	if exitCode == 0 {
		fmt.Fprintf(r.sink, "\nDone. Build succeeded in %s\n", elapsed.Round(time.Second))
	} else {
		fmt.Fprintf(r.sink, "\nDone. Build failed with exit code %d after %s\n", exitCode, elapsed.Round(time.Second))
	}

	r.logger.Info("Build finished",
		slog.String("repository", r.payload.Repository.Slug),
		slog.Int64("job_id", r.payload.Job.ID),
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", elapsed),
	)

	return Result{ExitCode: exitCode, Duration: elapsed}, nil
}
