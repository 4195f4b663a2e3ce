package delivery

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

// Defaults applied when Options leave a field unset.
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 2 * time.Second
	DefaultTimeout     = 60 * time.Second
)

// Op is one delivery attempt.
type Op func(ctx context.Context) error

// Observer receives retry bookkeeping. Implementations must be cheap.
type Observer interface {
	DeliveryAttempt(name string, attempt int, err error)
	DeliveryResult(name string, attempts int, err error)
}

// Options configure a Dispatcher.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Timeout     time.Duration
	// Jitter returns a multiplier in [0.5, 1.5).
	Jitter func() float64
	// Sleep waits for d or until ctx is done.
	Sleep    func(ctx context.Context, d time.Duration) error
	Observer Observer
}

// Dispatcher runs delivery operations with bounded exponential backoff.
type Dispatcher struct {
	opts   Options
	logger zerolog.Logger
}

// New builds a Dispatcher, filling unset options with defaults.
func New(opts Options, logger zerolog.Logger) *Dispatcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Jitter == nil {
		opts.Jitter = defaultJitter
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Dispatcher{opts: opts, logger: logger.With().Str("component", "delivery").Logger()}
}

// Send runs op until it succeeds or the attempt budget is spent. The delay
// before retrying failed attempt i is BaseDelay * 2^i * jitter, never shorter
// than the previous delay. Cancelling ctx aborts the wait and returns the
// context error.
func (d *Dispatcher) Send(ctx context.Context, name string, op Op) error {
	var (
		lastErr error
		prev    time.Duration
	)
	for attempt := 0; attempt < d.opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
		lastErr = op(attemptCtx)
		cancel()

		if d.opts.Observer != nil {
			d.opts.Observer.DeliveryAttempt(name, attempt+1, lastErr)
		}
		if lastErr == nil {
			if attempt > 0 {
				d.logger.Info().Str("delivery", name).Int("attempts", attempt+1).Msg("delivered after retry")
			}
			d.observeResult(name, attempt+1, nil)
			return nil
		}
		if attempt == d.opts.MaxAttempts-1 {
			break
		}

		delay := max(d.Delay(attempt), prev)
		prev = delay
		d.logger.Warn().Err(lastErr).
			Str("delivery", name).
			Int("attempt", attempt+1).
			Dur("retry_in", delay).
			Msg("delivery attempt failed")

		if err := d.opts.Sleep(ctx, delay); err != nil {
			d.observeResult(name, attempt+1, err)
			return err
		}
	}

	err := fmt.Errorf("%s: giving up after %d attempts: %w", name, d.opts.MaxAttempts, lastErr)
	d.observeResult(name, d.opts.MaxAttempts, err)
	return err
}

// Delay is the wait after failed attempt i (0-based).
func (d *Dispatcher) Delay(i int) time.Duration {
	return time.Duration(float64(d.opts.BaseDelay) * float64(int64(1)<<uint(i)) * d.opts.Jitter())
}

func (d *Dispatcher) observeResult(name string, attempts int, err error) {
	if d.opts.Observer != nil {
		d.opts.Observer.DeliveryResult(name, attempts, err)
	}
}

func defaultJitter() float64 {
	return 0.5 + rand.Float64()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
