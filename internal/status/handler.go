package status

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/forgeci/build-worker/internal/journal"
	"github.com/forgeci/build-worker/internal/worker/domain"
)

// WorkerControl is the slice of the worker the HTTP API drives
type WorkerControl interface {
	Report() domain.Snapshot
	Stop(ctx context.Context, force bool) error
	Kill(ctx context.Context) error
}

// AttemptLister serves the job attempt history endpoint
type AttemptLister interface {
	RecentAttempts(ctx context.Context, limit int) ([]journal.Attempt, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger  *slog.Logger
	Worker  WorkerControl
	Journal AttemptLister
	Metrics http.Handler
}

// WorkerHandler handles worker status and control HTTP requests
type WorkerHandler struct {
	logger  *slog.Logger
	worker  WorkerControl
	journal AttemptLister
}

// NewWorkerHandler creates a new WorkerHandler instance
func NewWorkerHandler(deps *Dependencies) *WorkerHandler {
	return &WorkerHandler{
		logger:  deps.Logger,
		worker:  deps.Worker,
		journal: deps.Journal,
	}
}
