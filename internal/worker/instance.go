package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/forgeci/build-worker/internal/build"
	"github.com/forgeci/build-worker/internal/metrics"
	"github.com/forgeci/build-worker/internal/vm"
	"github.com/forgeci/build-worker/internal/worker/domain"
	"github.com/google/uuid"
)

// TopicWorkerState is the reporting topic for lifecycle snapshots
const TopicWorkerState = "worker.state"

// Reporter receives a snapshot on every state transition. Delivery is
// best-effort; failures never block or reverse a transition.
type Reporter interface {
	Notify(ctx context.Context, topic string, snap domain.Snapshot) error
}

// LogSinkOpener provides per-job build log sinks
type LogSinkOpener interface {
	OpenLogSink(routingKey string) (io.WriteCloser, error)
}

// JobJournal records processing attempts. Optional; recording failures are
// logged and swallowed.
type JobJournal interface {
	RecordStart(ctx context.Context, attemptID string, p *domain.Payload, redelivered bool) error
	RecordFinish(ctx context.Context, attemptID, outcome, errorText string) error
}

// Runner executes one job's build
type Runner interface {
	Run(ctx context.Context) (build.Result, error)
}

// RunnerFactory constructs a Runner for one job
type RunnerFactory func(session vm.Session, sink io.Writer, payload *domain.Payload) Runner

// Config holds everything an Instance needs. Name, Queue, Broker, and
// Provider are required; the rest have working defaults.
type Config struct {
	// Name is the worker's stable identity in state reports.
	Name string

	// Host is reported alongside the name in snapshots.
	Host string

	// Queue is the build queue this worker consumes from.
	Queue string

	Broker   Broker
	Provider vm.Provider

	Reporter  Reporter
	Sinks     LogSinkOpener
	Journal   JobJournal
	Metrics   *metrics.Metrics
	NewRunner RunnerFactory
	Logger    *slog.Logger

	// DefaultHardTimeout bounds jobs whose payload has no hard limit.
	DefaultHardTimeout time.Duration
}

// Instance is one worker: it owns the lifecycle state, the VM session, the
// broker channels, and the consumer subscription. It processes at most one
// job at a time; the build channel's prefetch limit enforces that, not a
// lock.
type Instance struct {
	name        string
	host        string
	queue       string
	consumerTag string

	broker    Broker
	provider  vm.Provider
	reporter  Reporter
	sinks     LogSinkOpener
	journal   JobJournal
	metrics   *metrics.Metrics
	newRunner RunnerFactory
	logger    *slog.Logger

	defaultHardTimeout time.Duration

	mu        sync.Mutex
	state     domain.LifecycleState
	lastError string
	payload   *domain.Payload
	session   vm.Session

	// reportMu serializes reporter notification across transitions so
	// snapshots arrive in transition order.
	reportMu sync.Mutex
}

// New validates the configuration and creates an Instance in the created
// state with no payload.
func New(cfg *Config) (*Instance, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if cfg.Queue == "" {
		return nil, fmt.Errorf("worker queue is required")
	}
	if cfg.Broker == nil {
		return nil, fmt.Errorf("broker client is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("vm provider is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("worker", cfg.Name))

	reporter := cfg.Reporter
	if reporter == nil {
		reporter = nopReporter{}
	}

	sinks := cfg.Sinks
	if sinks == nil {
		sinks = discardSinks{}
	}

	newRunner := cfg.NewRunner
	if newRunner == nil {
		newRunner = func(session vm.Session, sink io.Writer, payload *domain.Payload) Runner {
			return build.NewRunner(session, sink, payload, logger)
		}
	}

	defaultHardTimeout := cfg.DefaultHardTimeout
	if defaultHardTimeout <= 0 {
		defaultHardTimeout = 50 * time.Minute
	}

	return &Instance{
		name:               cfg.Name,
		host:               cfg.Host,
		queue:              cfg.Queue,
		consumerTag:        cfg.Name + "-" + uuid.New().String()[:8],
		broker:             cfg.Broker,
		provider:           cfg.Provider,
		reporter:           reporter,
		sinks:              sinks,
		journal:            cfg.Journal,
		metrics:            cfg.Metrics,
		newRunner:          newRunner,
		logger:             logger,
		defaultHardTimeout: defaultHardTimeout,
		state:              domain.StateCreated,
	}, nil
}

// transition is the single state mutation point. compute runs under the lock,
// may adjust payload and lastError, and returns the successor states to step
// through; nil, or a state equal to the current one, means no transition.
// Reading the state and deciding the successors inside compute is what keeps
// lifecycle decisions atomic with concurrent deliveries and stops. One
// snapshot per step is captured under the lock and delivered to the reporter
// in transition order; reporter failures are logged and swallowed.
func (w *Instance) transition(ctx context.Context, compute func() []domain.LifecycleState) {
	type step struct {
		from domain.LifecycleState
		to   domain.LifecycleState
		snap domain.Snapshot
	}

	w.mu.Lock()
	var steps []step
	for _, next := range compute() {
		if next == w.state {
			continue
		}
		s := step{from: w.state, to: next}
		w.state = next
		s.snap = w.snapshotLocked()
		steps = append(steps, s)
	}
	if len(steps) == 0 {
		w.mu.Unlock()
		return
	}

	// reportMu is acquired before mu is released so a transition applied
	// first also notifies first.
	w.reportMu.Lock()
	w.mu.Unlock()
	defer w.reportMu.Unlock()

	for _, s := range steps {
		w.logger.Info("Worker state changed",
			slog.String("from", s.from.String()),
			slog.String("to", s.to.String()),
		)

		if w.metrics != nil {
			w.metrics.SetState(s.to)
		}

		if err := w.reporter.Notify(ctx, TopicWorkerState, s.snap); err != nil {
			w.logger.Warn("Failed to report state change",
				slog.String("state", s.to.String()),
				slog.Any("error", err),
			)
		}
	}
}

// setState transitions to a fixed next state
func (w *Instance) setState(ctx context.Context, next domain.LifecycleState, mutate func()) {
	w.transition(ctx, func() []domain.LifecycleState {
		if mutate != nil {
			mutate()
		}
		return []domain.LifecycleState{next}
	})
}

// snapshotLocked builds the current snapshot. Caller holds mu.
func (w *Instance) snapshotLocked() domain.Snapshot {
	return domain.Snapshot{
		Name:      w.name,
		Host:      w.host,
		State:     w.state,
		LastError: w.lastError,
		Payload:   w.payload,
	}
}

// Report returns a consistent snapshot of the worker's status. Safe to call
// from any goroutine in any state.
func (w *Instance) Report() domain.Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

// State returns the current lifecycle state
func (w *Instance) State() domain.LifecycleState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start provisions the VM session, opens the broker resources, and subscribes
// to the build queue. On success the worker is ready; provisioning or broker
// failures leave it errored and are returned to the caller.
func (w *Instance) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state != domain.StateCreated {
		state := w.state
		w.mu.Unlock()
		return fmt.Errorf("worker already started (state %s)", state)
	}
	w.mu.Unlock()

	w.setState(ctx, domain.StateStarting, nil)

	session, err := w.provider.Prepare(ctx)
	if err != nil {
		err = fmt.Errorf("vm provisioning failed: %w", err)
		w.failStartup(ctx, err)
		return err
	}

	w.mu.Lock()
	w.session = session
	w.mu.Unlock()

	if err := w.openResources(ctx); err != nil {
		w.failStartup(ctx, err)
		return err
	}

	if err := w.broker.Subscribe(ctx, w.consumerTag, w.handleDelivery); err != nil {
		err = fmt.Errorf("failed to subscribe: %w", err)
		w.failStartup(ctx, err)
		return err
	}

	w.setState(ctx, domain.StateReady, nil)

	w.logger.Info("Worker ready",
		slog.String("queue", w.queue),
		slog.String("consumer_tag", w.consumerTag),
	)

	return nil
}

// openResources opens both channels and declares the queues
func (w *Instance) openResources(ctx context.Context) error {
	if err := w.broker.OpenBuildChannel(); err != nil {
		return fmt.Errorf("failed to open build channel: %w", err)
	}
	if err := w.broker.OpenReportingChannel(); err != nil {
		return fmt.Errorf("failed to open reporting channel: %w", err)
	}
	if err := w.broker.DeclareQueues(ctx); err != nil {
		return fmt.Errorf("failed to declare queues: %w", err)
	}
	return nil
}

// failStartup records a startup error and moves the worker to errored
func (w *Instance) failStartup(ctx context.Context, err error) {
	w.setState(ctx, domain.StateErrored, func() {
		w.lastError = err.Error()
	})
}

// Stop takes the worker out of service. The consumer subscription is
// cancelled unconditionally; with force the VM session is terminated as well,
// failing any job mid-flight. A worker that is currently working does not
// reach stopped here: the in-flight job's completion drives the final
// transition. Calling Stop on an already-stopped worker is a no-op.
func (w *Instance) Stop(ctx context.Context, force bool) error {
	w.mu.Lock()
	state := w.state
	session := w.session
	w.mu.Unlock()

	if state == domain.StateStopped {
		return nil
	}

	w.logger.Info("Stopping worker",
		slog.Bool("force", force),
		slog.String("state", state.String()),
	)

	if err := w.broker.CancelConsumer(); err != nil {
		w.logger.Warn("Failed to cancel consumer",
			slog.Any("error", err),
		)
	}

	if force {
		if session != nil {
			if err := session.Shell().Terminate("worker stop forced"); err != nil {
				w.logger.Warn("Failed to terminate build shell",
					slog.Any("error", err),
				)
			}
		}
		if err := w.broker.ShutdownConsumer(); err != nil {
			w.logger.Warn("Failed to shut down consumer",
				slog.Any("error", err),
			)
		}
	}

	// The state read above is only for logging. The lifecycle decision is
	// made inside the transition: a delivery racing the consumer cancel may
	// have moved the worker to working in the meantime.
	w.transition(ctx, func() []domain.LifecycleState {
		switch w.state {
		case domain.StateWorking:
			// Defer the stopped transition to the in-flight job's completion
			return []domain.LifecycleState{domain.StateStopping}
		case domain.StateStopping, domain.StateStopped:
			// Stop already in progress; force-only escalation handled above
			return nil
		default:
			return []domain.LifecycleState{domain.StateStopping, domain.StateStopped}
		}
	})

	return nil
}

// Kill forcibly stops the worker, terminating the VM session even mid-job
func (w *Instance) Kill(ctx context.Context) error {
	return w.Stop(ctx, true)
}

// Shutdown gracefully stops the worker, waits for an in-flight job to
// conclude within ctx's deadline, then closes the broker channels and the VM
// session. On deadline the stop is escalated to forced.
func (w *Instance) Shutdown(ctx context.Context) error {
	if err := w.Stop(ctx, false); err != nil {
		w.logger.Warn("Graceful stop failed",
			slog.Any("error", err),
		)
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

wait:
	for {
		state := w.State()
		if state != domain.StateWorking && state != domain.StateStopping {
			break
		}

		select {
		case <-ctx.Done():
			w.logger.Warn("Shutdown deadline exceeded, forcing stop")
			w.Stop(context.WithoutCancel(ctx), true)
			break wait
		case <-ticker.C:
		}
	}

	if err := w.broker.CloseAll(); err != nil {
		w.logger.Warn("Failed to close broker channels",
			slog.Any("error", err),
		)
	}

	w.mu.Lock()
	session := w.session
	w.mu.Unlock()

	if session != nil {
		if err := session.Close(); err != nil {
			w.logger.Warn("Failed to close VM session",
				slog.Any("error", err),
			)
		}
	}

	w.logger.Info("Worker shutdown complete")
	return nil
}

// nopReporter drops snapshots
type nopReporter struct{}

func (nopReporter) Notify(context.Context, string, domain.Snapshot) error { return nil }

// discardSinks provides log sinks that drop everything
type discardSinks struct{}

func (discardSinks) OpenLogSink(string) (io.WriteCloser, error) {
	return nopWriteCloser{}, nil
}

type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }
