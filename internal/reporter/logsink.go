package reporter

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// logChunk is one streamed piece of build output
type logChunk struct {
	ID        string    `json:"id"`
	Part      int       `json:"part"`
	Content   string    `json:"content,omitempty"`
	Final     bool      `json:"final,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// OpenLogSink returns a writer that streams build output to the reporting
// exchange under the given routing key. Close flushes a final marker and is
// idempotent. Publish failures are logged, never returned to the build.
func (r *AMQPReporter) OpenLogSink(routingKey string) (io.WriteCloser, error) {
	if err := r.client.OpenReportingChannel(); err != nil {
		return nil, err
	}

	return &logSink{
		reporter:   r,
		routingKey: routingKey,
	}, nil
}

type logSink struct {
	reporter   *AMQPReporter
	routingKey string

	mu     sync.Mutex
	part   int
	closed bool
}

func (s *logSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, io.ErrClosedPipe
	}

	s.part++
	s.publishLocked(&logChunk{
		ID:        uuid.New().String(),
		Part:      s.part,
		Content:   string(p),
		Timestamp: time.Now(),
	})

	return len(p), nil
}

func (s *logSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	s.part++
	s.publishLocked(&logChunk{
		ID:        uuid.New().String(),
		Part:      s.part,
		Final:     true,
		Timestamp: time.Now(),
	})

	return nil
}

// publishLocked serializes and publishes one chunk. Caller holds mu.
func (s *logSink) publishLocked(chunk *logChunk) {
	body, err := json.Marshal(chunk)
	if err != nil {
		s.reporter.logger.Error("Failed to marshal log chunk",
			slog.Any("error", err),
		)
		return
	}

	if err := s.reporter.client.PublishReport(context.Background(), s.routingKey, body); err != nil {
		s.reporter.logger.Warn("Failed to publish log chunk",
			slog.String("routing_key", s.routingKey),
			slog.Int("part", chunk.Part),
			slog.Any("error", err),
		)
	}
}
