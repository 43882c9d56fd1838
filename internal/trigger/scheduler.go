package trigger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/larksync/larksync/internal/config"
	"github.com/larksync/larksync/internal/state"
)

// disabledRecheck is how often a disabled scheduler re-reads the interval,
// so enabling it in the configuration takes effect without a restart.
const disabledRecheck = 5 * time.Second

// SchedulerState is the observable snapshot published by the scheduler.
type SchedulerState struct {
	Running               bool   `json:"running"`
	Enabled               bool   `json:"enabled"`
	ConfiguredIntervalSec int    `json:"configured_interval_sec"`
	EffectiveIntervalSec  int    `json:"effective_interval_sec"`
	LastStartedAt         string `json:"last_started_at,omitempty"`
	LastFinishedAt        string `json:"last_finished_at,omitempty"`
	LastResult            string `json:"last_result,omitempty"`
	LastError             string `json:"last_error,omitempty"`
	NextRunAt             string `json:"next_run_at,omitempty"`
	RunCount              int    `json:"run_count"`
	SkippedBusyCount      int    `json:"skipped_busy_count"`
}

// Scheduler runs the engine periodically. The interval is re-read every
// cycle so configuration changes apply without a restart; 0 disables the
// loop without stopping it.
type Scheduler struct {
	coord    *Coordinator
	runner   Runner
	interval func() int
	logger   *slog.Logger

	now       func() time.Time
	waitSlice time.Duration

	mu    sync.Mutex
	state SchedulerState
}

// NewScheduler creates a Scheduler. interval is called at every cycle and
// returns the configured poll interval in seconds.
func NewScheduler(coord *Coordinator, runner Runner, interval func() int, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		coord:     coord,
		runner:    runner,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
		waitSlice: time.Second,
	}
}

// clampInterval maps a configured interval to its effective duration.
// Zero or negative disables; anything else is clamped into the allowed
// range.
func clampInterval(sec int) (time.Duration, bool) {
	if sec <= 0 {
		return 0, false
	}

	if sec < config.MinPollIntervalSec {
		sec = config.MinPollIntervalSec
	}

	if sec > config.MaxPollIntervalSec {
		sec = config.MaxPollIntervalSec
	}

	return time.Duration(sec) * time.Second, true
}

// Run executes the scheduler loop until ctx is cancelled. A run in progress
// is never interrupted; cancellation takes effect at the next wait slice.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		configured := s.interval()
		effective, enabled := clampInterval(configured)

		if !enabled {
			s.publishIdle(configured, 0, false, time.Time{})

			if err := s.wait(ctx, disabledRecheck); err != nil {
				return err
			}

			continue
		}

		deadline := s.now().Add(effective)
		s.publishIdle(configured, int(effective/time.Second), true, deadline)

		for s.now().Before(deadline) {
			remaining := deadline.Sub(s.now())
			if remaining > s.waitSlice {
				remaining = s.waitSlice
			}

			if err := s.wait(ctx, remaining); err != nil {
				return err
			}

			// An interval change moves the deadline relative to now, so a
			// shortened interval does not leave a long stale wait behind.
			if cur := s.interval(); cur != configured {
				configured = cur

				effective, enabled = clampInterval(configured)
				if !enabled {
					break
				}

				deadline = s.now().Add(effective)
				s.publishIdle(configured, int(effective/time.Second), true, deadline)
			}
		}

		if !enabled {
			continue
		}

		s.tick(ctx)
	}
}

// tick attempts one scheduled run, skipping if another trigger holds the
// lock.
func (s *Scheduler) tick(ctx context.Context) {
	if !s.coord.TryAcquire() {
		s.mu.Lock()
		s.state.SkippedBusyCount++
		s.state.LastResult = "skipped_busy"
		s.mu.Unlock()

		s.logger.Info("scheduler_skipped_busy")

		return
	}

	defer s.coord.Release()

	started := s.now()

	s.mu.Lock()
	s.state.Running = true
	s.state.LastStartedAt = started.UTC().Format(time.RFC3339)
	s.state.LastResult = state.RunRunning
	s.state.LastError = ""
	s.mu.Unlock()

	summary := s.runner.Run(ctx, "scheduler")

	result := state.RunSuccess

	switch {
	case summary.FatalError != "":
		result = state.RunFailed
	case summary.Errors > 0:
		result = state.RunWarning
	}

	s.mu.Lock()
	s.state.Running = false
	s.state.LastFinishedAt = s.now().UTC().Format(time.RFC3339)
	s.state.LastResult = result
	s.state.LastError = summary.FatalError
	s.state.RunCount++
	s.mu.Unlock()
}

// publishIdle updates the non-running portion of the state snapshot.
func (s *Scheduler) publishIdle(configured, effective int, enabled bool, next time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Enabled = enabled
	s.state.ConfiguredIntervalSec = configured
	s.state.EffectiveIntervalSec = effective

	if next.IsZero() {
		s.state.NextRunAt = ""
	} else {
		s.state.NextRunAt = next.UTC().Format(time.RFC3339)
	}
}

// State returns a copy of the current snapshot.
func (s *Scheduler) State() SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// wait sleeps up to d, returning early with the context error on
// cancellation.
func (s *Scheduler) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
