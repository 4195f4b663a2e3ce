package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func newTestDispatcher(sleeper *recordingSleep, jitter float64) *Dispatcher {
	return New(Options{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		Timeout:     time.Second,
		Jitter:      func() float64 { return jitter },
		Sleep:       sleeper.sleep,
	}, zerolog.Nop())
}

func TestSendSucceedsFirstTry(t *testing.T) {
	sleeper := &recordingSleep{}
	d := newTestDispatcher(sleeper, 1)

	calls := 0
	err := d.Send(context.Background(), "text", func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, sleeper.delays)
}

func TestSendRetriesUntilSuccess(t *testing.T) {
	sleeper := &recordingSleep{}
	d := newTestDispatcher(sleeper, 1)

	calls := 0
	err := d.Send(context.Background(), "photo", func(context.Context) error {
		calls++
		if calls < 5 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, sleeper.delays)
}

func TestSendExhaustsBudget(t *testing.T) {
	sleeper := &recordingSleep{}
	d := newTestDispatcher(sleeper, 0.5)
	boom := errors.New("boom")

	calls := 0
	err := d.Send(context.Background(), "text", func(context.Context) error {
		calls++
		return boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "5 attempts")
	assert.Equal(t, 5, calls)

	require.Len(t, sleeper.delays, 4)
	for i := 1; i < len(sleeper.delays); i++ {
		assert.GreaterOrEqual(t, sleeper.delays[i], sleeper.delays[i-1])
	}
	assert.Equal(t, 500*time.Millisecond, sleeper.delays[0])
}

func TestDelayGrowsWithJitterBounds(t *testing.T) {
	for _, jitter := range []float64{0.5, 1.0, 1.4999} {
		d := newTestDispatcher(&recordingSleep{}, jitter)
		prev := time.Duration(0)
		for i := 0; i < 5; i++ {
			delay := d.Delay(i)
			base := time.Second << uint(i)
			assert.GreaterOrEqual(t, delay, base/2)
			assert.Less(t, delay, base*3/2)
			assert.GreaterOrEqual(t, delay, prev)
			prev = delay
		}
	}
}

func TestSendDelaysNeverShrinkWithDefaultJitter(t *testing.T) {
	for run := 0; run < 2000; run++ {
		sleeper := &recordingSleep{}
		d := New(Options{
			MaxAttempts: 5,
			BaseDelay:   time.Second,
			Timeout:     time.Second,
			Sleep:       sleeper.sleep,
		}, zerolog.Nop())

		err := d.Send(context.Background(), "text", func(context.Context) error {
			return errors.New("down")
		})
		require.Error(t, err)
		require.Len(t, sleeper.delays, 4)
		for i := 1; i < len(sleeper.delays); i++ {
			require.GreaterOrEqual(t, sleeper.delays[i], sleeper.delays[i-1], "run %d delays %v", run, sleeper.delays)
		}
		assert.GreaterOrEqual(t, sleeper.delays[0], 500*time.Millisecond)
		assert.Less(t, sleeper.delays[3], 12*time.Second)
	}
}

func TestDefaultJitterRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		j := defaultJitter()
		assert.GreaterOrEqual(t, j, 0.5)
		assert.Less(t, j, 1.5)
	}
}

func TestSendStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := New(Options{MaxAttempts: 5, BaseDelay: time.Hour}, zerolog.Nop())

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- d.Send(ctx, "text", func(context.Context) error {
			calls++
			return errors.New("down")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not observe cancellation")
	}
}

func TestSendAppliesAttemptTimeout(t *testing.T) {
	d := New(Options{MaxAttempts: 1, Timeout: 10 * time.Millisecond}, zerolog.Nop())

	err := d.Send(context.Background(), "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type countingObserver struct {
	attempts int
	results  []error
}

func (c *countingObserver) DeliveryAttempt(string, int, error) { c.attempts++ }
func (c *countingObserver) DeliveryResult(_ string, _ int, err error) {
	c.results = append(c.results, err)
}

func TestSendNotifiesObserver(t *testing.T) {
	obs := &countingObserver{}
	d := New(Options{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Jitter:      func() float64 { return 1 },
		Sleep:       func(context.Context, time.Duration) error { return nil },
		Observer:    obs,
	}, zerolog.Nop())

	calls := 0
	require.NoError(t, d.Send(context.Background(), "text", func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("once")
		}
		return nil
	}))
	assert.Equal(t, 2, obs.attempts)
	require.Len(t, obs.results, 1)
	assert.NoError(t, obs.results[0])
}
