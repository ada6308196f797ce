package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/forgeci/build-worker/internal/build"
	"github.com/forgeci/build-worker/internal/worker/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDelivery struct {
	mu          sync.Mutex
	body        []byte
	routingKey  string
	redelivered bool
	acks        int
	nacks       int
}

func (d *fakeDelivery) Body() []byte       { return d.body }
func (d *fakeDelivery) RoutingKey() string { return d.routingKey }
func (d *fakeDelivery) Redelivered() bool  { return d.redelivered }

func (d *fakeDelivery) Ack() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.acks+d.nacks > 0 {
		return errors.New("message already settled")
	}
	d.acks++
	return nil
}

func (d *fakeDelivery) NackRequeue() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.acks+d.nacks > 0 {
		return errors.New("message already settled")
	}
	d.nacks++
	return nil
}

func (d *fakeDelivery) settled() (acks, nacks int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acks, d.nacks
}

type finishRecord struct {
	outcome   string
	errorText string
}

type fakeJournal struct {
	mu       sync.Mutex
	starts   []string
	finishes []finishRecord
}

func (j *fakeJournal) RecordStart(_ context.Context, attemptID string, _ *domain.Payload, _ bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.starts = append(j.starts, attemptID)
	return nil
}

func (j *fakeJournal) RecordFinish(_ context.Context, _ string, outcome, errorText string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.finishes = append(j.finishes, finishRecord{outcome: outcome, errorText: errorText})
	return nil
}

func (j *fakeJournal) lastFinish() (finishRecord, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.finishes) == 0 {
		return finishRecord{}, false
	}
	return j.finishes[len(j.finishes)-1], true
}

func validJobBody() []byte {
	return []byte(`{
		"repository": {"slug": "forgeci/sample-app"},
		"job": {"id": 42},
		"uuid": "f6b1c0de-3a61-4e55-9f0e-7f1f2c3d4e5f",
		"config": {"script": "make test"}
	}`)
}

func startedHarness(t *testing.T, runner Runner, opts func(*Config)) *harness {
	t.Helper()
	h := newHarness(t, runner, opts)
	require.NoError(t, h.worker.Start(context.Background()))
	require.NotNil(t, h.broker.handler)
	return h
}

func TestHandleDelivery_Success(t *testing.T) {
	var sawWorking bool
	var sawPayload bool

	var h *harness
	runner := &fakeRunner{run: func(context.Context) (build.Result, error) {
		snap := h.worker.Report()
		sawWorking = snap.State == domain.StateWorking
		sawPayload = snap.Payload != nil
		return build.Result{ExitCode: 0, Duration: time.Millisecond}, nil
	}}

	journal := &fakeJournal{}
	h = startedHarness(t, runner, func(c *Config) {
		c.Journal = journal
	})

	d := &fakeDelivery{body: validJobBody(), routingKey: "builds.test"}
	h.broker.handler(context.Background(), d)

	acks, nacks := d.settled()
	assert.Equal(t, 1, acks)
	assert.Equal(t, 0, nacks)

	assert.True(t, sawWorking, "runner should observe the working state")
	assert.True(t, sawPayload, "runner should observe the in-flight payload")

	snap := h.worker.Report()
	assert.Equal(t, domain.StateReady, snap.State)
	assert.Nil(t, snap.Payload)
	assert.Empty(t, snap.LastError)

	assert.Equal(t, []string{"starting", "ready", "working", "ready"}, h.reporter.states())

	finish, ok := journal.lastFinish()
	require.True(t, ok)
	assert.Equal(t, outcomeCompleted, finish.outcome)
}

func TestHandleDelivery_StallRequeues(t *testing.T) {
	release := make(chan struct{})
	runner := &fakeRunner{run: func(ctx context.Context) (build.Result, error) {
		<-release
		return build.Result{}, nil
	}}
	defer close(release)

	journal := &fakeJournal{}
	h := startedHarness(t, runner, func(c *Config) {
		c.DefaultHardTimeout = 20 * time.Millisecond
		c.Journal = journal
	})

	d := &fakeDelivery{body: validJobBody(), routingKey: "builds.test"}
	h.broker.handler(context.Background(), d)

	acks, nacks := d.settled()
	assert.Equal(t, 0, acks)
	assert.Equal(t, 1, nacks)

	assert.Equal(t, 1, h.session.stallCount())

	// Stalls are infrastructure faults: the worker stays in service and the
	// error is not held against it.
	snap := h.worker.Report()
	assert.Equal(t, domain.StateReady, snap.State)
	assert.Empty(t, snap.LastError)
	assert.Nil(t, snap.Payload)

	finish, ok := journal.lastFinish()
	require.True(t, ok)
	assert.Equal(t, outcomeRequeued, finish.outcome)
	assert.Contains(t, finish.errorText, "hard limit")
}

func TestHandleDelivery_VMFatalRequeues(t *testing.T) {
	runner := &fakeRunner{run: func(context.Context) (build.Result, error) {
		return build.Result{}, domain.NewVMFatalError("connection to vm lost", errors.New("broken pipe"))
	}}

	h := startedHarness(t, runner, nil)

	d := &fakeDelivery{body: validJobBody(), routingKey: "builds.test"}
	h.broker.handler(context.Background(), d)

	acks, nacks := d.settled()
	assert.Equal(t, 0, acks)
	assert.Equal(t, 1, nacks)

	snap := h.worker.Report()
	assert.Equal(t, domain.StateReady, snap.State)
	assert.Empty(t, snap.LastError)
	assert.Equal(t, 0, h.broker.cancels())
}

func TestHandleDelivery_GenericErrorParksWorker(t *testing.T) {
	runner := &fakeRunner{run: func(context.Context) (build.Result, error) {
		return build.Result{}, errors.New("workspace corrupted")
	}}

	journal := &fakeJournal{}
	h := startedHarness(t, runner, func(c *Config) {
		c.Journal = journal
	})

	d := &fakeDelivery{body: validJobBody(), routingKey: "builds.test"}
	h.broker.handler(context.Background(), d)

	acks, nacks := d.settled()
	assert.Equal(t, 0, acks)
	assert.Equal(t, 1, nacks)

	snap := h.worker.Report()
	assert.Equal(t, domain.StateErrored, snap.State)
	assert.Contains(t, snap.LastError, "workspace corrupted")
	assert.Nil(t, snap.Payload)

	// The message goes back to the queue; this worker's resources are released
	assert.Equal(t, 1, h.broker.cancels())
	assert.Equal(t, 1, h.broker.shutdowns())
	assert.True(t, h.session.shell.isTerminated())

	finish, ok := journal.lastFinish()
	require.True(t, ok)
	assert.Equal(t, outcomeErrored, finish.outcome)
}

func TestHandleDelivery_MalformedPayload(t *testing.T) {
	runner := &fakeRunner{run: func(context.Context) (build.Result, error) {
		t.Fatal("runner must not run for a malformed payload")
		return build.Result{}, nil
	}}

	h := startedHarness(t, runner, nil)

	d := &fakeDelivery{body: []byte(`{"job": {"id": 0}}`), routingKey: "builds.test"}
	h.broker.handler(context.Background(), d)

	acks, nacks := d.settled()
	assert.Equal(t, 0, acks)
	assert.Equal(t, 1, nacks)

	snap := h.worker.Report()
	assert.Equal(t, domain.StateErrored, snap.State)
	assert.NotEmpty(t, snap.LastError)
}

func TestHandleDelivery_PanicSettlesExactlyOnce(t *testing.T) {
	runner := &fakeRunner{run: func(context.Context) (build.Result, error) {
		panic("runner blew up")
	}}

	journal := &fakeJournal{}
	h := startedHarness(t, runner, func(c *Config) {
		c.Journal = journal
	})

	d := &fakeDelivery{body: validJobBody(), routingKey: "builds.test"}
	require.NotPanics(t, func() {
		h.broker.handler(context.Background(), d)
	})

	acks, nacks := d.settled()
	assert.Equal(t, 0, acks)
	assert.Equal(t, 1, nacks)

	assert.Equal(t, domain.StateErrored, h.worker.State())

	// The attempt opened before the panic must not dangle in the journal
	require.Len(t, journal.starts, 1)
	finish, ok := journal.lastFinish()
	require.True(t, ok)
	assert.Equal(t, outcomeErrored, finish.outcome)
	assert.Contains(t, finish.errorText, "panic")
}

func TestHandleDelivery_AfterStopRequeues(t *testing.T) {
	runner := &fakeRunner{run: func(context.Context) (build.Result, error) {
		t.Error("runner must not run after the worker stopped")
		return build.Result{}, nil
	}}

	h := startedHarness(t, runner, nil)
	ctx := context.Background()

	require.NoError(t, h.worker.Stop(ctx, false))
	require.Equal(t, domain.StateStopped, h.worker.State())

	// A delivery already dispatched when the consumer was cancelled
	d := &fakeDelivery{body: validJobBody(), routingKey: "builds.test"}
	h.broker.handler(ctx, d)

	acks, nacks := d.settled()
	assert.Equal(t, 0, acks)
	assert.Equal(t, 1, nacks)
	assert.Equal(t, domain.StateStopped, h.worker.State())
	assert.Nil(t, h.worker.Report().Payload)
}

func TestHandleDelivery_StopDuringJob(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	runner := &fakeRunner{run: func(context.Context) (build.Result, error) {
		close(started)
		<-release
		return build.Result{ExitCode: 0}, nil
	}}

	h := startedHarness(t, runner, nil)
	ctx := context.Background()

	d := &fakeDelivery{body: validJobBody(), routingKey: "builds.test"}
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.broker.handler(ctx, d)
	}()

	<-started
	require.NoError(t, h.worker.Stop(ctx, false))
	assert.Equal(t, domain.StateStopping, h.worker.State())

	close(release)
	<-done

	// The in-flight job concluded the deferred stop
	assert.Equal(t, domain.StateStopped, h.worker.State())

	acks, nacks := d.settled()
	assert.Equal(t, 1, acks)
	assert.Equal(t, 0, nacks)
}
