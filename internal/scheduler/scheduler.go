package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"feetracker/internal/logging"
)

// TickFunc is invoked once per cycle with the cycle start time.
type TickFunc func(ctx context.Context, started time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	StartupDelay time.Duration
}

// Scheduler drives a fixed-cadence loop. Ticks never overlap and two tick
// starts are always at least Interval apart.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logging.Component(logger, "scheduler"), now: time.Now}
}

// Run blocks, invoking tick right away and then once per interval until ctx
// is cancelled. Tick errors are logged and do not stop the loop.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		if err := sleep(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	for {
		started := s.now()
		if err := tick(ctx, started.UTC()); err != nil {
			s.logger.Error().Err(err).Time("started", started.UTC()).Msg("tick execution failed")
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		wait := s.opts.Interval - s.now().Sub(started)
		if wait < 0 {
			wait = 0
		}
		s.logger.Debug().Dur("wait", wait).Msg("waiting for next cycle")
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
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
