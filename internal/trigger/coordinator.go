// Package trigger hosts the run coordination layer: a single-writer lock
// around the engine plus the three trigger sources (scheduler, webhook,
// manual). Exactly one reconciliation run is in flight at any time; triggers
// that lose the race skip rather than queue.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	filesync "github.com/larksync/larksync/internal/sync"
)

// Runner is the engine surface the triggers drive. *sync.Engine satisfies
// it.
type Runner interface {
	Run(ctx context.Context, runType string) *filesync.Summary
}

// ErrBusy reports that a run is already in flight.
var ErrBusy = errors.New("trigger: a sync run is already in progress")

// Coordinator is the process-wide run lock. The zero value is ready to use.
type Coordinator struct {
	mu sync.Mutex
}

// TryAcquire takes the lock without blocking. The caller must Release on
// success.
func (c *Coordinator) TryAcquire() bool {
	return c.mu.TryLock()
}

// Release returns the lock.
func (c *Coordinator) Release() {
	c.mu.Unlock()
}

// AcquireWithin polls for the lock once a second until it succeeds or the
// timeout elapses. Used by the webhook worker, which may briefly wait out a
// scheduler run instead of dropping the event.
func (c *Coordinator) AcquireWithin(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := retry.Do(ctx, retry.NewConstant(time.Second), func(ctx context.Context) error {
		if c.TryAcquire() {
			return nil
		}

		return retry.RetryableError(ErrBusy)
	})
	if err != nil {
		return fmt.Errorf("waiting for run lock: %w", ErrBusy)
	}

	return nil
}
