package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/forgeci/build-worker/internal/worker/domain"
	"github.com/google/uuid"
)

// Job outcomes, matching the journal's vocabulary
const (
	outcomeCompleted = "completed"
	outcomeRequeued  = "requeued"
	outcomeErrored   = "errored"
)

// handleDelivery processes one delivery end to end. It is the catch-all
// boundary: no error or panic escapes to the broker dispatcher, and every
// delivery is settled with exactly one ack or requeue.
func (w *Instance) handleDelivery(ctx context.Context, d Delivery) {
	started := time.Now()
	var attemptID string

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Recovered panic during job processing",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err := fmt.Errorf("panic during job processing: %v", r)
			w.failJob(ctx, d, err)
			w.recordOutcome(ctx, attemptID, outcomeErrored, err.Error(), time.Since(started))
		}
	}()

	payload, err := domain.DecodePayload(d.Body())
	if err != nil {
		w.logger.Error("Failed to decode job payload",
			slog.Any("error", err),
			slog.String("body", string(d.Body())),
		)
		// Malformed payloads are never retried blindly
		w.failJob(ctx, d, err)
		return
	}

	logger := w.logger.With(
		slog.String("correlation_id", payload.CorrelationID()),
		slog.Int64("job_id", payload.Job.ID),
	)

	logger.Info("Job received",
		slog.String("repository", payload.Repository.Slug),
		slog.Bool("redelivered", d.Redelivered()),
	)

	// ready → working: clear the previous job's error, store the payload.
	// Accepting the job is decided under the same lock as the transition; a
	// worker that a concurrent stop already took out of service hands the
	// message straight back to the broker.
	accepted := false
	w.transition(ctx, func() []domain.LifecycleState {
		switch w.state {
		case domain.StateStopping, domain.StateStopped, domain.StateErrored:
			return nil
		default:
			accepted = true
			w.lastError = ""
			w.payload = payload
			return []domain.LifecycleState{domain.StateWorking}
		}
	})
	if !accepted {
		logger.Warn("Worker out of service, returning job to queue")
		if err := d.NackRequeue(); err != nil {
			logger.Error("Failed to requeue message",
				slog.Any("error", err),
			)
		}
		return
	}

	attemptID = uuid.New().String()
	if w.journal != nil {
		if err := w.journal.RecordStart(ctx, attemptID, payload, d.Redelivered()); err != nil {
			logger.Warn("Failed to journal attempt start",
				slog.Any("error", err),
			)
		}
	}

	runErr := w.runJob(ctx, payload, d.RoutingKey(), logger)
	elapsed := time.Since(started)

	switch {
	case runErr == nil:
		if err := d.Ack(); err != nil {
			logger.Error("Failed to ack message",
				slog.Any("error", err),
			)
		}
		w.finishToIdle(ctx)
		w.recordOutcome(ctx, attemptID, outcomeCompleted, "", elapsed)

	case domain.IsRecoverable(runErr):
		// Infrastructure fault: abandon the attempt, hand the job back to
		// the broker, and stay in service.
		logger.Warn("Job abandoned on infrastructure fault, requeueing",
			slog.Any("error", runErr),
		)
		if errors.Is(runErr, domain.ErrStallTimeout) && w.metrics != nil {
			w.metrics.StallObserved()
		}
		if err := d.NackRequeue(); err != nil {
			logger.Error("Failed to requeue message",
				slog.Any("error", err),
			)
		}
		w.finishToIdle(ctx)
		w.recordOutcome(ctx, attemptID, outcomeRequeued, runErr.Error(), elapsed)

	default:
		w.failJob(ctx, d, runErr)
		w.recordOutcome(ctx, attemptID, outcomeErrored, runErr.Error(), elapsed)
	}
}

// runJob executes one decoded job under its hard timeout, streaming build
// output to a sink scoped to this delivery.
func (w *Instance) runJob(ctx context.Context, payload *domain.Payload, routingKey string, logger *slog.Logger) error {
	sink, err := w.sinks.OpenLogSink(w.broker.ReportingQueue() + "." + routingKey)
	if err != nil {
		// Log streaming is reporting; its failure must not decide the job
		logger.Warn("Failed to open log sink, discarding build output",
			slog.Any("error", err),
		)
		sink = nopWriteCloser{}
	}
	defer func() {
		if cerr := sink.Close(); cerr != nil {
			logger.Warn("Failed to close log sink",
				slog.Any("error", cerr),
			)
		}
	}()

	w.mu.Lock()
	session := w.session
	w.mu.Unlock()

	runner := w.newRunner(session, sink, payload)
	limit := payload.HardTimeout(w.defaultHardTimeout)

	return runWithDeadline(ctx, limit, session, func(ctx context.Context) error {
		result, err := runner.Run(ctx)
		if err != nil {
			return err
		}

		logger.Info("Job completed",
			slog.Int("exit_code", result.ExitCode),
			slog.Duration("duration", result.Duration),
		)
		return nil
	})
}

// finishToIdle concludes a job: the payload is cleared and the worker returns
// to ready, or to stopped when a stop arrived mid-job.
func (w *Instance) finishToIdle(ctx context.Context) {
	w.transition(ctx, func() []domain.LifecycleState {
		w.payload = nil
		switch w.state {
		case domain.StateStopping, domain.StateStopped:
			return []domain.LifecycleState{domain.StateStopped}
		default:
			return []domain.LifecycleState{domain.StateReady}
		}
	})
}

// failJob handles the unrecoverable path: the message goes back to the queue
// for another worker, this worker's resources are force-released, and it
// parks itself in errored with the failure recorded.
func (w *Instance) failJob(ctx context.Context, d Delivery, jobErr error) {
	w.logger.Error("Unrecoverable processing error",
		slog.Any("error", jobErr),
	)

	if err := d.NackRequeue(); err != nil {
		w.logger.Error("Failed to requeue message",
			slog.Any("error", err),
		)
	}

	w.releaseForError()

	w.setState(ctx, domain.StateErrored, func() {
		w.lastError = jobErr.Error()
		w.payload = nil
	})
}

// releaseForError force-releases the consumer and VM session without driving
// lifecycle transitions; the caller transitions to errored afterwards.
func (w *Instance) releaseForError() {
	if err := w.broker.CancelConsumer(); err != nil {
		w.logger.Warn("Failed to cancel consumer",
			slog.Any("error", err),
		)
	}
	if err := w.broker.ShutdownConsumer(); err != nil {
		w.logger.Warn("Failed to shut down consumer",
			slog.Any("error", err),
		)
	}

	w.mu.Lock()
	session := w.session
	w.mu.Unlock()

	if session != nil {
		if err := session.Shell().Terminate("worker errored"); err != nil {
			w.logger.Warn("Failed to terminate build shell",
				slog.Any("error", err),
			)
		}
	}
}

// recordOutcome updates metrics and the journal for one concluded attempt
func (w *Instance) recordOutcome(ctx context.Context, attemptID, outcome, errorText string, elapsed time.Duration) {
	if w.metrics != nil {
		w.metrics.JobFinished(outcome, elapsed)
	}

	if w.journal != nil && attemptID != "" {
		if err := w.journal.RecordFinish(ctx, attemptID, outcome, errorText); err != nil {
			w.logger.Warn("Failed to journal attempt finish",
				slog.Any("error", err),
			)
		}
	}
}
