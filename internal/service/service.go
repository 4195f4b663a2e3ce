package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chart-signal-alerts/internal/alerting"
	"chart-signal-alerts/internal/analyzer"
	"chart-signal-alerts/internal/delivery"
	"chart-signal-alerts/internal/fetcher"
	"chart-signal-alerts/internal/filter"
	"chart-signal-alerts/internal/quota"
	"chart-signal-alerts/internal/render"
	"chart-signal-alerts/internal/scheduler"
	"chart-signal-alerts/internal/signal"
	"chart-signal-alerts/internal/storage"
)

// ErrAlreadyRunning is returned by Start while the loop is active.
var ErrAlreadyRunning = errors.New("service: already running")

// State of the polling loop.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
)

// Stage names where a poll cycle ended.
type Stage string

const (
	StageFetch         Stage = "fetch"
	StageNoData        Stage = "no_data"
	StageRender        Stage = "render"
	StageAnalyze       Stage = "analyze"
	StageFiltered      Stage = "filtered"
	StageDelivered     Stage = "delivered"
	StageDeliverFailed Stage = "deliver_failed"
	StageDryRun        Stage = "dry_run"
)

// PollCycleResult describes one symbol's pass through the pipeline.
type PollCycleResult struct {
	Symbol    string                `json:"symbol"`
	CycleID   string                `json:"cycle_id,omitempty"`
	StartedAt time.Time             `json:"started_at"`
	Stage     Stage                 `json:"stage"`
	Signal    *signal.TradingSignal `json:"signal,omitempty"`
	Reply     string                `json:"-"`
	Delivered bool                  `json:"delivered"`
	Err       error                 `json:"-"`
	Error     string                `json:"error,omitempty"`
}

func (r *PollCycleResult) fail(stage Stage, err error) PollCycleResult {
	r.Stage = stage
	r.Err = err
	if err != nil {
		r.Error = err.Error()
	}
	return *r
}

// QuotaReader is the read side of the quota tracker.
type QuotaReader interface {
	Now() time.Time
	Providers() []string
	Usage(provider string, now time.Time) quota.Usage
}

// Metrics receives pipeline events. A nil *metrics.Recorder satisfies it.
type Metrics interface {
	Sweep(err error, elapsed time.Duration)
	Cycle(symbol, stage string)
	Signal(symbol, direction string)
	QuotaUsed(provider string, used int)
}

// Deps are the collaborators of the loop. Locker and Metrics may be nil.
type Deps struct {
	Scheduler  *scheduler.Scheduler
	Fetcher    fetcher.CandleFetcher
	Renderer   render.ChartRenderer
	Analyzer   analyzer.Analyzer
	Parser     *signal.Parser
	Filter     *filter.ChangeFilter
	Dispatcher *delivery.Dispatcher
	Sink       alerting.Sink
	Quota      QuotaReader
	Metrics    Metrics
	Locker     storage.AdvisoryLocker
}

// Options tune a Service.
type Options struct {
	Symbols         []string
	Timeframe       string
	Lookback        int
	SymbolPause     time.Duration
	AnalyzeTimeout  time.Duration
	Prompt          string
	ChatID          string
	AdvisoryLockKey int64
	// DryRun stops every cycle before delivery.
	DryRun bool
}

// Status is a point-in-time copy of the service state.
type Status struct {
	State          State                `json:"state"`
	Symbols        []string             `json:"symbols"`
	Timeframe      string               `json:"timeframe"`
	Usage          []quota.Usage        `json:"usage"`
	TrackedSymbols int                  `json:"tracked_symbols"`
	Signals        []filter.SymbolState `json:"signals"`
	LastSweep      *SweepSummary        `json:"last_sweep,omitempty"`
}

// SweepSummary is the outcome of the most recent sweep.
type SweepSummary struct {
	CycleID    string            `json:"cycle_id"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Skipped    bool              `json:"skipped,omitempty"`
	Results    []PollCycleResult `json:"results"`
}

// Service runs the fetch, render, analyze, parse, filter and deliver loop.
type Service struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger

	mu        sync.RWMutex
	state     State
	cancel    context.CancelFunc
	done      chan struct{}
	runErr    error
	lastSweep *SweepSummary
}

// New constructs the polling service.
func New(deps Deps, opts Options, logger zerolog.Logger) *Service {
	if deps.Parser == nil {
		deps.Parser = signal.NewParser(signal.DefaultGrammar())
	}
	if deps.Filter == nil {
		deps.Filter = filter.New()
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = delivery.New(delivery.Options{}, logger)
	}
	if deps.Metrics == nil {
		deps.Metrics = noopMetrics{}
	}
	if opts.Prompt == "" {
		opts.Prompt = analyzer.DefaultPrompt
	}
	if opts.Timeframe == "" {
		opts.Timeframe = "1h"
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 120
	}

	return &Service{
		deps:   deps,
		opts:   opts,
		logger: logger.With().Str("component", "service").Logger(),
		state:  StateStopped,
	}
}

// Start launches the background loop. It returns ErrAlreadyRunning when the
// loop is active.
func (s *Service) Start(ctx context.Context) error {
	if s.deps.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.state = StateRunning
	s.cancel = cancel
	s.done = done
	s.runErr = nil

	go func() {
		defer close(done)
		err := s.deps.Scheduler.Run(loopCtx, s.Sweep)
		if errors.Is(err, context.Canceled) {
			err = nil
		}

		s.mu.Lock()
		s.state = StateStopped
		s.runErr = err
		s.cancel = nil
		s.mu.Unlock()
		cancel()

		s.logger.Info().Msg("polling loop stopped")
	}()

	s.logger.Info().Strs("symbols", s.opts.Symbols).Str("timeframe", s.opts.Timeframe).Msg("polling loop started")
	return nil
}

// Stop cancels the loop. It does not wait for it to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the loop started last has exited and returns its error.
func (s *Service) Wait() error {
	s.mu.RLock()
	done := s.done
	s.mu.RUnlock()
	if done == nil {
		return nil
	}
	<-done

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runErr
}

// Run starts the loop and blocks until ctx is cancelled or Stop is called.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	return s.Wait()
}

// State reports whether the loop is running.
func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Sweep processes every configured symbol once, in order.
func (s *Service) Sweep(ctx context.Context, started time.Time) error {
	cycleID := uuid.NewString()
	log := s.logger.With().Str("cycle_id", cycleID).Logger()
	summary := &SweepSummary{CycleID: cycleID, StartedAt: started}

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		s.deps.Metrics.Sweep(err, time.Since(started))
		return err
	}
	if !proceed {
		log.Debug().Msg("skip sweep because advisory lock held elsewhere")
		summary.Skipped = true
		summary.FinishedAt = time.Now().UTC()
		s.setLastSweep(summary)
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	var sweepErr error
	for i, symbol := range s.opts.Symbols {
		if err := ctx.Err(); err != nil {
			sweepErr = err
			break
		}
		if i > 0 && s.opts.SymbolPause > 0 {
			if err := scheduler.Sleep(ctx, s.opts.SymbolPause); err != nil {
				sweepErr = err
				break
			}
		}

		res := s.process(ctx, cycleID, symbol)
		summary.Results = append(summary.Results, res)
	}

	summary.FinishedAt = time.Now().UTC()
	s.setLastSweep(summary)
	s.publishUsage()
	s.deps.Metrics.Sweep(sweepErr, time.Since(started))

	log.Info().Int("symbols", len(summary.Results)).Dur("elapsed", summary.FinishedAt.Sub(started)).Msg("sweep finished")
	return sweepErr
}

// ProcessSymbol runs one symbol through the pipeline outside the loop.
func (s *Service) ProcessSymbol(ctx context.Context, symbol string) PollCycleResult {
	return s.process(ctx, uuid.NewString(), symbol)
}

func (s *Service) process(ctx context.Context, cycleID, symbol string) PollCycleResult {
	log := s.logger.With().Str("cycle_id", cycleID).Str("symbol", symbol).Logger()
	res := PollCycleResult{Symbol: symbol, CycleID: cycleID, StartedAt: time.Now().UTC()}
	out := s.run(ctx, log, &res)
	s.deps.Metrics.Cycle(symbol, string(out.Stage))
	return out
}

func (s *Service) run(ctx context.Context, log zerolog.Logger, res *PollCycleResult) PollCycleResult {
	symbol := res.Symbol

	candles, err := s.deps.Fetcher.FetchCandles(ctx, symbol, s.opts.Timeframe, s.opts.Lookback)
	if errors.Is(err, fetcher.ErrNoData) || (err == nil && len(candles) == 0) {
		log.Warn().Msg("no candle data; skipping symbol")
		return res.fail(StageNoData, err)
	}
	if err != nil {
		log.Error().Err(err).Msg("fetch candles failed")
		return res.fail(StageFetch, fmt.Errorf("fetch candles: %w", err))
	}

	title := fmt.Sprintf("%s · %s", symbol, s.opts.Timeframe)
	image, err := s.deps.Renderer.Render(candles, symbol, title)
	if err != nil {
		log.Error().Err(err).Msg("render chart failed")
		return res.fail(StageRender, fmt.Errorf("render chart: %w", err))
	}

	reply, err := s.analyze(ctx, image)
	res.Reply = reply
	if err != nil {
		log.Error().Err(err).Msg("analysis failed; skipping symbol")
		return res.fail(StageAnalyze, err)
	}

	sig := s.deps.Parser.Parse(reply)
	res.Signal = &sig
	s.deps.Metrics.Signal(symbol, string(sig.Direction))
	log.Info().Str("direction", string(sig.Direction)).Str("stop_loss", sig.StopLoss).Str("take_profit", sig.TakeProfit).Msg("signal parsed")

	if s.opts.DryRun {
		s.deps.Filter.Accept(symbol, sig, time.Now().UTC())
		res.Stage = StageDryRun
		return *res
	}

	if !s.deps.Filter.Accept(symbol, sig, time.Now().UTC()) {
		log.Debug().Msg("signal not actionable; nothing delivered")
		res.Stage = StageFiltered
		return *res
	}

	if err := s.deliver(ctx, symbol, image, sig); err != nil {
		log.Error().Err(err).Msg("signal delivery failed")
		return res.fail(StageDeliverFailed, err)
	}

	res.Delivered = true
	res.Stage = StageDelivered
	log.Info().Msg("signal delivered")
	return *res
}

func (s *Service) analyze(ctx context.Context, image []byte) (string, error) {
	if s.opts.AnalyzeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.AnalyzeTimeout)
		defer cancel()
	}

	reply, err := s.deps.Analyzer.Analyze(ctx, image, s.opts.Prompt)
	if err != nil {
		return analyzer.FailureText(err), fmt.Errorf("analyze chart: %w", err)
	}
	if analyzer.IsFailure(reply) {
		return reply, fmt.Errorf("analyze chart: %w: %s", analyzer.ErrAnalysis, reply)
	}
	return reply, nil
}

// deliver sends the chart with the formatted signal as its caption. Text
// that does not fit a caption follows in separate messages. A chart that
// cannot be uploaded falls back to text only.
func (s *Service) deliver(ctx context.Context, symbol string, image []byte, sig signal.TradingSignal) error {
	msg := alerting.SignalMessage{
		Symbol:    symbol,
		Timeframe: s.opts.Timeframe,
		Model:     s.deps.Analyzer.Model(),
		Signal:    sig,
	}
	if s.deps.Quota != nil {
		u := s.deps.Quota.Usage(s.deps.Analyzer.Provider(), s.deps.Quota.Now())
		msg.Usage = &u
	}
	text := alerting.FormatSignal(msg)

	caption := text
	var rest []string
	if len([]rune(text)) > alerting.MaxCaptionLength {
		caption = fmt.Sprintf("📊 %s · %s · %s", symbol, s.opts.Timeframe, sig.Direction.Label())
		rest = alerting.ChunkText(text, alerting.MaxMessageLength)
	}

	chatID := s.opts.ChatID
	err := s.deps.Dispatcher.Send(ctx, "chart", func(ctx context.Context) error {
		return s.deps.Sink.SendImage(ctx, chatID, image, alerting.TruncateCaption(caption))
	})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		s.logger.Warn().Err(err).Str("symbol", symbol).Msg("chart upload failed; sending text only")
		rest = alerting.ChunkText(text, alerting.MaxMessageLength)
	}

	for _, chunk := range rest {
		chunk := chunk
		if err := s.deps.Dispatcher.Send(ctx, "message", func(ctx context.Context) error {
			return s.deps.Sink.SendText(ctx, chatID, chunk)
		}); err != nil {
			return err
		}
	}
	return nil
}

// Status returns a copy of the current state.
func (s *Service) Status() Status {
	s.mu.RLock()
	st := Status{
		State:     s.state,
		Symbols:   append([]string(nil), s.opts.Symbols...),
		Timeframe: s.opts.Timeframe,
	}
	if s.lastSweep != nil {
		last := *s.lastSweep
		last.Results = append([]PollCycleResult(nil), s.lastSweep.Results...)
		st.LastSweep = &last
	}
	s.mu.RUnlock()

	st.TrackedSymbols = s.deps.Filter.Len()
	st.Signals = s.deps.Filter.Snapshot()
	if s.deps.Quota != nil {
		now := s.deps.Quota.Now()
		for _, p := range s.deps.Quota.Providers() {
			st.Usage = append(st.Usage, s.deps.Quota.Usage(p, now))
		}
	}
	return st
}

func (s *Service) setLastSweep(summary *SweepSummary) {
	s.mu.Lock()
	s.lastSweep = summary
	s.mu.Unlock()
}

func (s *Service) publishUsage() {
	if s.deps.Quota == nil {
		return
	}
	now := s.deps.Quota.Now()
	for _, p := range s.deps.Quota.Providers() {
		s.deps.Metrics.QuotaUsed(p, s.deps.Quota.Usage(p, now).Used)
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.AdvisoryLockKey == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.opts.AdvisoryLockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

type noopMetrics struct{}

func (noopMetrics) Sweep(error, time.Duration) {}
func (noopMetrics) Cycle(string, string)       {}
func (noopMetrics) Signal(string, string)      {}
func (noopMetrics) QuotaUsed(string, int)      {}
