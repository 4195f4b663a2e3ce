package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked once per sweep.
type TickFunc func(ctx context.Context, started time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	// Interval is the pause after a sweep, or the bucket width when AlignToStart is set.
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
}

// Scheduler drives the polling loop.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
		now:    time.Now,
		sleep:  Sleep,
	}
}

// Run blocks, invoking tick until ctx is cancelled. Without alignment the
// first sweep starts right after the startup delay and each following sweep
// starts Interval after the previous one finished. Tick errors are logged
// and do not stop the loop.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		if err := s.sleep(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	if s.opts.AlignToStart {
		if err := s.sleep(ctx, s.untilNextBucket(s.now().UTC())); err != nil {
			return err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		started := s.now().UTC()
		if s.opts.AlignToStart {
			started = started.Truncate(s.opts.Interval)
		}
		s.logger.Debug().Time("started", started).Msg("executing sweep")

		if err := tick(ctx, started); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Time("started", started).Msg("sweep failed")
		}

		wait := s.opts.Interval
		if s.opts.AlignToStart {
			wait = s.untilNextBucket(s.now().UTC())
		}
		s.logger.Debug().Dur("wait", wait).Msg("waiting for next sweep")
		if err := s.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (s *Scheduler) untilNextBucket(now time.Time) time.Duration {
	next := now.Truncate(s.opts.Interval)
	if !next.After(now) {
		next = next.Add(s.opts.Interval)
	}
	return next.Sub(now)
}

// Sleep waits for d or until ctx is done, returning the context error in the latter case.
func Sleep(ctx context.Context, d time.Duration) error {
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
