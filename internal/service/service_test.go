package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chart-signal-alerts/internal/analyzer"
	"chart-signal-alerts/internal/delivery"
	"chart-signal-alerts/internal/fetcher"
	"chart-signal-alerts/internal/quota"
	"chart-signal-alerts/internal/scheduler"
	"chart-signal-alerts/internal/signal"
)

const (
	replyBuy     = "1. Сигнал: Buy\n2. Причина: пробой уровня\n3. Stop Loss (SL): 234.20\n4. Take Profit (TP): 236.50\n5. Комментарий: сильный сигнал"
	replyNoTrade = "1. Сигнал: No Trade\n2. Причина: флет\n3. Stop Loss (SL): -\n4. Take Profit (TP): -"
)

type fakeFetcher struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeFetcher) FetchCandles(_ context.Context, symbol, _ string, _ int) ([]fetcher.Candle, error) {
	f.mu.Lock()
	f.calls = append(f.calls, symbol)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return []fetcher.Candle{
		{Time: time.Unix(0, 0), Open: decimal.NewFromInt(1), High: decimal.NewFromInt(2), Low: decimal.NewFromInt(1), Close: decimal.NewFromInt(2)},
		{Time: time.Unix(3600, 0), Open: decimal.NewFromInt(2), High: decimal.NewFromInt(3), Low: decimal.NewFromInt(2), Close: decimal.NewFromInt(3)},
	}, nil
}

func (f *fakeFetcher) symbols() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeRenderer struct{}

func (fakeRenderer) Render([]fetcher.Candle, string, string) ([]byte, error) {
	return []byte("png"), nil
}

type fakeAnalyzer struct {
	reply   string
	err     error
	prompts []string
}

func (a *fakeAnalyzer) Analyze(_ context.Context, _ []byte, prompt string) (string, error) {
	a.prompts = append(a.prompts, prompt)
	return a.reply, a.err
}

func (a *fakeAnalyzer) Provider() string { return "google" }
func (a *fakeAnalyzer) Model() string    { return "gemini-2.5-flash" }

type sentImage struct {
	chatID  string
	caption string
}

type fakeSink struct {
	mu       sync.Mutex
	images   []sentImage
	texts    []string
	imageErr error
}

func (s *fakeSink) SendText(_ context.Context, _ string, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return nil
}

func (s *fakeSink) SendImage(_ context.Context, chatID string, _ []byte, caption string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.imageErr != nil {
		return s.imageErr
	}
	s.images = append(s.images, sentImage{chatID: chatID, caption: caption})
	return nil
}

type fakeQuota struct{}

func (fakeQuota) Now() time.Time      { return time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC) }
func (fakeQuota) Providers() []string { return []string{"google"} }
func (fakeQuota) Usage(provider string, _ time.Time) quota.Usage {
	return quota.Usage{Provider: provider, Used: 3, DailyLimit: 250, MonthlyLimit: 7500, Period: quota.PeriodDay}
}

type fakeLocker struct {
	acquired bool
	unlocked int
}

func (l *fakeLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if !l.acquired {
		return nil, false, nil
	}
	return func() { l.unlocked++ }, true, nil
}

type harness struct {
	fetcher  *fakeFetcher
	analyzer *fakeAnalyzer
	sink     *fakeSink
}

func newService(t *testing.T, h *harness, opts Options, locker *fakeLocker) *Service {
	t.Helper()
	if h.fetcher == nil {
		h.fetcher = &fakeFetcher{}
	}
	if h.analyzer == nil {
		h.analyzer = &fakeAnalyzer{reply: replyBuy}
	}
	if h.sink == nil {
		h.sink = &fakeSink{}
	}
	deps := Deps{
		Scheduler: scheduler.New(scheduler.Options{Interval: time.Hour}, zerolog.Nop()),
		Fetcher:   h.fetcher,
		Renderer:  fakeRenderer{},
		Analyzer:  h.analyzer,
		Dispatcher: delivery.New(delivery.Options{
			MaxAttempts: 2,
			BaseDelay:   time.Millisecond,
			Sleep:       func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
		}, zerolog.Nop()),
		Sink:  h.sink,
		Quota: fakeQuota{},
	}
	if locker != nil {
		deps.Locker = locker
	}
	if opts.Symbols == nil {
		opts.Symbols = []string{"AAPL"}
	}
	return New(deps, opts, zerolog.Nop())
}

func TestProcessSymbolDeliversBuy(t *testing.T) {
	h := &harness{}
	svc := newService(t, h, Options{ChatID: "42", Timeframe: "1h"}, nil)

	res := svc.ProcessSymbol(context.Background(), "AAPL")

	require.NoError(t, res.Err)
	assert.Equal(t, StageDelivered, res.Stage)
	assert.True(t, res.Delivered)
	require.NotNil(t, res.Signal)
	assert.Equal(t, signal.DirectionBuy, res.Signal.Direction)
	assert.NotEmpty(t, res.CycleID)

	require.Len(t, h.sink.images, 1)
	img := h.sink.images[0]
	assert.Equal(t, "42", img.chatID)
	assert.Contains(t, img.caption, "AAPL")
	assert.Contains(t, img.caption, "Buy")
	assert.Contains(t, img.caption, "234.20")
	assert.Contains(t, img.caption, "3/250")
	assert.Empty(t, h.sink.texts)

	assert.Equal(t, []string{analyzer.DefaultPrompt}, h.analyzer.prompts)

	st, ok := svc.deps.Filter.State("AAPL")
	require.True(t, ok)
	assert.Equal(t, signal.DirectionBuy, st.LastSignal.Direction)
}

func TestProcessSymbolForwardsRepeatedSignals(t *testing.T) {
	h := &harness{}
	svc := newService(t, h, Options{}, nil)

	for i := 0; i < 2; i++ {
		res := svc.ProcessSymbol(context.Background(), "AAPL")
		assert.Equal(t, StageDelivered, res.Stage)
	}
	assert.Len(t, h.sink.images, 2)
}

func TestProcessSymbolFiltersNoTrade(t *testing.T) {
	h := &harness{analyzer: &fakeAnalyzer{reply: replyNoTrade}}
	svc := newService(t, h, Options{}, nil)

	res := svc.ProcessSymbol(context.Background(), "AAPL")

	assert.Equal(t, StageFiltered, res.Stage)
	assert.False(t, res.Delivered)
	assert.Empty(t, h.sink.images)
	assert.Empty(t, h.sink.texts)
	assert.Equal(t, 1, svc.Status().TrackedSymbols)
}

func TestProcessSymbolSkipsFailedAnalysis(t *testing.T) {
	tests := []struct {
		name     string
		analyzer *fakeAnalyzer
	}{
		{name: "error", analyzer: &fakeAnalyzer{err: errors.New("timeout")}},
		{name: "failure text", analyzer: &fakeAnalyzer{reply: analyzer.FailureText(errors.New("quota exceeded"))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &harness{analyzer: tt.analyzer}
			svc := newService(t, h, Options{}, nil)

			res := svc.ProcessSymbol(context.Background(), "AAPL")

			assert.Equal(t, StageAnalyze, res.Stage)
			assert.Error(t, res.Err)
			assert.Nil(t, res.Signal)
			assert.True(t, analyzer.IsFailure(res.Reply))
			assert.Empty(t, h.sink.images)
			assert.Zero(t, svc.deps.Filter.Len())
		})
	}
}

func TestProcessSymbolSkipsMissingData(t *testing.T) {
	h := &harness{fetcher: &fakeFetcher{err: fetcher.ErrNoData}}
	svc := newService(t, h, Options{}, nil)

	res := svc.ProcessSymbol(context.Background(), "AAPL")
	assert.Equal(t, StageNoData, res.Stage)
	assert.Empty(t, h.analyzer.prompts)
}

func TestProcessSymbolFetchError(t *testing.T) {
	h := &harness{fetcher: &fakeFetcher{err: errors.New("503")}}
	svc := newService(t, h, Options{}, nil)

	res := svc.ProcessSymbol(context.Background(), "AAPL")
	assert.Equal(t, StageFetch, res.Stage)
	assert.Contains(t, res.Error, "503")
}

func TestProcessSymbolFallsBackToText(t *testing.T) {
	h := &harness{sink: &fakeSink{imageErr: errors.New("photo rejected")}}
	svc := newService(t, h, Options{}, nil)

	res := svc.ProcessSymbol(context.Background(), "AAPL")

	assert.Equal(t, StageDelivered, res.Stage)
	require.Len(t, h.sink.texts, 1)
	assert.Contains(t, h.sink.texts[0], "234.20")
}

func TestProcessSymbolDryRun(t *testing.T) {
	h := &harness{}
	svc := newService(t, h, Options{DryRun: true}, nil)

	res := svc.ProcessSymbol(context.Background(), "AAPL")

	assert.Equal(t, StageDryRun, res.Stage)
	assert.False(t, res.Delivered)
	assert.Empty(t, h.sink.images)
}

func TestSweepProcessesSymbolsInOrder(t *testing.T) {
	h := &harness{}
	svc := newService(t, h, Options{Symbols: []string{"AAPL", "MSFT", "TSLA"}}, nil)

	started := time.Now().UTC()
	require.NoError(t, svc.Sweep(context.Background(), started))

	assert.Equal(t, []string{"AAPL", "MSFT", "TSLA"}, h.fetcher.symbols())

	st := svc.Status()
	require.NotNil(t, st.LastSweep)
	assert.Len(t, st.LastSweep.Results, 3)
	assert.Equal(t, started, st.LastSweep.StartedAt)
	assert.Equal(t, 3, st.TrackedSymbols)
	require.Len(t, st.Usage, 1)
	assert.Equal(t, 3, st.Usage[0].Used)
}

func TestSweepStopsOnCancellation(t *testing.T) {
	h := &harness{}
	svc := newService(t, h, Options{Symbols: []string{"AAPL", "MSFT"}}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := svc.Sweep(ctx, time.Now())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.fetcher.symbols())
}

func TestSweepSkipsWithoutLock(t *testing.T) {
	h := &harness{}
	locker := &fakeLocker{}
	svc := newService(t, h, Options{AdvisoryLockKey: 7}, locker)

	require.NoError(t, svc.Sweep(context.Background(), time.Now()))
	assert.Empty(t, h.fetcher.symbols())
	require.NotNil(t, svc.Status().LastSweep)
	assert.True(t, svc.Status().LastSweep.Skipped)

	locker.acquired = true
	require.NoError(t, svc.Sweep(context.Background(), time.Now()))
	assert.Len(t, h.fetcher.symbols(), 1)
	assert.Equal(t, 1, locker.unlocked)
}

func TestStartStopLifecycle(t *testing.T) {
	h := &harness{}
	svc := newService(t, h, Options{}, nil)
	assert.Equal(t, StateStopped, svc.State())

	require.NoError(t, svc.Start(context.Background()))
	assert.Equal(t, StateRunning, svc.State())
	assert.ErrorIs(t, svc.Start(context.Background()), ErrAlreadyRunning)

	require.Eventually(t, func() bool { return len(h.fetcher.symbols()) == 1 }, time.Second, 5*time.Millisecond)

	svc.Stop()
	require.NoError(t, svc.Wait())
	assert.Equal(t, StateStopped, svc.State())

	require.NoError(t, svc.Start(context.Background()))
	svc.Stop()
	require.NoError(t, svc.Wait())
}

func TestRunReturnsWhenContextEnds(t *testing.T) {
	h := &harness{}
	svc := newService(t, h, Options{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run(ctx) }()

	require.Eventually(t, func() bool { return len(h.fetcher.symbols()) >= 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Equal(t, StateStopped, svc.State())
}
