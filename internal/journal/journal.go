// Package journal records job processing attempts in PostgreSQL. The journal
// is optional infrastructure: recording is best-effort and the worker runs
// without it when no database is configured.
package journal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/forgeci/build-worker/internal/worker/domain"
	"github.com/jmoiron/sqlx"
)

// Attempt outcomes
const (
	OutcomeCompleted = "completed"
	OutcomeRequeued  = "requeued"
	OutcomeErrored   = "errored"
)

// Attempt is one recorded processing attempt
type Attempt struct {
	AttemptID     string     `db:"attempt_id" json:"attempt_id"`
	WorkerName    string     `db:"worker_name" json:"worker_name"`
	JobID         int64      `db:"job_id" json:"job_id"`
	Repository    string     `db:"repository" json:"repository"`
	CorrelationID string     `db:"correlation_id" json:"correlation_id"`
	Redelivered   bool       `db:"redelivered" json:"redelivered"`
	Outcome       *string    `db:"outcome" json:"outcome,omitempty"`
	ErrorText     *string    `db:"error_text" json:"error_text,omitempty"`
	StartedAt     time.Time  `db:"started_at" json:"started_at"`
	FinishedAt    *time.Time `db:"finished_at" json:"finished_at,omitempty"`
}

// Journal persists job attempts
type Journal struct {
	db         *sqlx.DB
	workerName string
	logger     *slog.Logger
}

// New creates a Journal writing attempts on behalf of the named worker
func New(db *sqlx.DB, workerName string, logger *slog.Logger) *Journal {
	return &Journal{
		db:         db,
		workerName: workerName,
		logger:     logger,
	}
}

// RecordStart inserts a new attempt row for the given payload
func (j *Journal) RecordStart(ctx context.Context, attemptID string, p *domain.Payload, redelivered bool) error {
	query := `
		INSERT INTO job_attempts (attempt_id, worker_name, job_id, repository, correlation_id, redelivered, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`

	_, err := j.db.ExecContext(ctx, query,
		attemptID,
		j.workerName,
		p.Job.ID,
		p.Repository.Slug,
		p.CorrelationID(),
		redelivered,
	)
	if err != nil {
		return fmt.Errorf("failed to record attempt start: %w", err)
	}

	return nil
}

// RecordFinish marks an attempt with its outcome
func (j *Journal) RecordFinish(ctx context.Context, attemptID, outcome, errorText string) error {
	query := `
		UPDATE job_attempts
		SET outcome = $1,
		    error_text = NULLIF($2, ''),
		    finished_at = NOW()
		WHERE attempt_id = $3
	`

	result, err := j.db.ExecContext(ctx, query, outcome, errorText, attemptID)
	if err != nil {
		return fmt.Errorf("failed to record attempt finish: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		j.logger.Warn("Attempt finish recorded no rows",
			slog.String("attempt_id", attemptID),
		)
	}

	return nil
}

// RecentAttempts returns this worker's most recent attempts, newest first
func (j *Journal) RecentAttempts(ctx context.Context, limit int) ([]Attempt, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := `
		SELECT attempt_id, worker_name, job_id, repository, correlation_id, redelivered, outcome, error_text, started_at, finished_at
		FROM job_attempts
		WHERE worker_name = $1
		ORDER BY started_at DESC
		LIMIT $2
	`

	attempts := []Attempt{}
	if err := j.db.SelectContext(ctx, &attempts, query, j.workerName, limit); err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}

	return attempts, nil
}
