// Package reporter pushes worker state snapshots and build log streams to the
// broker's reporting exchange. Reporting is best-effort: the worker logs
// failures and moves on.
package reporter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/forgeci/build-worker/internal/worker/domain"
	"github.com/forgeci/build-worker/shared/rabbitmq"
	"github.com/google/uuid"
)

// AMQPReporter publishes to the reporting channel of the shared broker client
type AMQPReporter struct {
	client *rabbitmq.Client
	logger *slog.Logger
}

// NewAMQP creates a reporter backed by the given broker client
func NewAMQP(client *rabbitmq.Client, logger *slog.Logger) *AMQPReporter {
	return &AMQPReporter{
		client: client,
		logger: logger,
	}
}

// envelope wraps every reporting message
type envelope struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Notify publishes a state snapshot under the given topic
func (r *AMQPReporter) Notify(ctx context.Context, topic string, snap domain.Snapshot) error {
	body, err := json.Marshal(&envelope{
		ID:        uuid.New().String(),
		Topic:     topic,
		Timestamp: time.Now(),
		Payload:   snap,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := r.client.PublishReport(ctx, r.client.ReportingQueue(), body); err != nil {
		return fmt.Errorf("failed to publish snapshot: %w", err)
	}

	r.logger.Debug("State snapshot reported",
		slog.String("topic", topic),
		slog.String("state", snap.State.String()),
	)

	return nil
}
