package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/forgeci/build-worker/internal/worker/domain"
)

// staller receives the stall notification when a job exceeds its deadline
type staller interface {
	SignalStall()
}

// runWithDeadline executes work and waits at most limit for it to finish. If
// the deadline fires first, the staller is notified and ErrStallTimeout is
// returned.
//
// The timeout is cooperative: the work goroutine is not killed and may keep
// running after the deadline. The buffered channel lets it deliver its result
// into the void and exit, bounding the leak to one goroutine per stall until
// the underlying session is terminated.
func runWithDeadline(ctx context.Context, limit time.Duration, st staller, work func(context.Context) error) error {
	done := make(chan error, 1)
	go func() {
		done <- work(ctx)
	}()

	timer := time.NewTimer(limit)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		if st != nil {
			st.SignalStall()
		}
		return fmt.Errorf("job exceeded hard limit of %s: %w", limit, domain.ErrStallTimeout)
	}
}
