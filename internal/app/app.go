package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"chart-signal-alerts/internal/alerting"
	"chart-signal-alerts/internal/analyzer"
	"chart-signal-alerts/internal/config"
	"chart-signal-alerts/internal/delivery"
	"chart-signal-alerts/internal/fetcher"
	"chart-signal-alerts/internal/logging"
	"chart-signal-alerts/internal/metrics"
	"chart-signal-alerts/internal/quota"
	"chart-signal-alerts/internal/render"
	"chart-signal-alerts/internal/scheduler"
	"chart-signal-alerts/internal/server"
	"chart-signal-alerts/internal/service"
	"chart-signal-alerts/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
	In     io.Reader
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{
		Config: cfg,
		Logger: logging.Component(logger, "app"),
		Out:    os.Stdout,
		In:     os.Stdin,
	}
}

// openStore returns the PostgreSQL store when a DSN is configured and the
// JSON file store otherwise. The locker is nil for the file store.
func (a *App) openStore(ctx context.Context) (storage.QuotaStore, storage.AdvisoryLocker, func(), error) {
	if a.Config.Database.DSN == "" {
		store := storage.NewFileStore(a.Config.Quota.LogPath, a.Config.Quota.ResetPath)
		return store, nil, func() {}, nil
	}

	pool, err := storage.NewPool(ctx, storage.PoolOptions{
		DSN:             a.Config.Database.DSN,
		MaxOpenConns:    a.Config.Database.MaxOpenConns,
		MaxIdleConns:    a.Config.Database.MaxIdleConns,
		ConnMaxLifetime: a.Config.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	store := storage.NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, nil, nil, err
	}
	return store, store, store.Close, nil
}

func (a *App) newTracker(ctx context.Context, store storage.QuotaStore) *quota.Tracker {
	return quota.NewTracker(ctx, store, quota.Options{
		Location: quota.LoadLocation(a.Config.Quota.TimeZone),
		Limits: map[string]quota.Limits{
			a.Config.Analyzer.Provider: {
				Daily:   a.Config.Quota.DailyLimit,
				Monthly: a.Config.Quota.MonthlyLimit,
				Period:  a.Config.Quota.Period,
			},
		},
	}, a.Logger)
}

func (a *App) newFetcher() (fetcher.CandleFetcher, error) {
	m := a.Config.Market
	switch m.Provider {
	case "", "yahoo":
		return fetcher.NewYahoo(fetcher.YahooOptions{
			BaseURL:   m.BaseURL,
			Timeout:   m.RequestTimeout,
			UserAgent: m.UserAgent,
		}, a.Logger), nil
	case "alpaca":
		return fetcher.NewAlpaca(fetcher.AlpacaOptions{
			APIKey:    m.Alpaca.APIKey,
			APISecret: m.Alpaca.APISecret,
			BaseURL:   m.Alpaca.BaseURL,
			Feed:      m.Alpaca.Feed,
		}, a.Logger), nil
	default:
		return nil, fmt.Errorf("unsupported market.provider %q", m.Provider)
	}
}

func (a *App) newRenderer() render.ChartRenderer {
	c := a.Config.Chart
	return render.NewPNG(render.Options{
		Width:     c.Width,
		Height:    c.Height,
		SMAPeriod: c.SMAPeriod,
		EMAPeriod: c.EMAPeriod,
	})
}

func (a *App) newAnalyzer(tracker *quota.Tracker, rec *metrics.Recorder) (analyzer.Analyzer, error) {
	c := a.Config.Analyzer
	if c.Provider != analyzer.ProviderGoogle {
		return nil, fmt.Errorf("unsupported analyzer.provider %q", c.Provider)
	}
	gemini, err := analyzer.NewGemini(analyzer.GeminiOptions{
		APIKey:      c.APIKey,
		Model:       c.Model,
		BaseURL:     c.BaseURL,
		ProxyURL:    c.ProxyURL,
		Timeout:     c.Timeout,
		Temperature: c.Temperature,
	}, a.Logger)
	if err != nil {
		return nil, err
	}
	return analyzer.NewTracked(gemini, tracker, rec, a.Logger), nil
}

func (a *App) newDispatcher(rec *metrics.Recorder) *delivery.Dispatcher {
	d := a.Config.Delivery
	return delivery.New(delivery.Options{
		MaxAttempts: d.MaxAttempts,
		BaseDelay:   d.BaseDelay,
		Timeout:     d.Timeout,
		Observer:    rec,
	}, a.Logger)
}

func (a *App) newSink() alerting.Sink {
	t := a.Config.Alerting.Telegram
	return alerting.NewTelegramNotifier(t.BotToken, t.ChatID, t.APIBase, a.Config.Delivery.Timeout, a.Logger)
}

// pipeline is the wired polling service plus the pieces commands reuse.
type pipeline struct {
	svc        *service.Service
	tracker    *quota.Tracker
	dispatcher *delivery.Dispatcher
	sink       alerting.Sink
	metrics    *metrics.Recorder
	close      func()
}

func (a *App) buildPipeline(ctx context.Context, dryRun bool) (*pipeline, error) {
	store, locker, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	rec := metrics.New()
	tracker := a.newTracker(ctx, store)

	fetch, err := a.newFetcher()
	if err != nil {
		closeStore()
		return nil, err
	}
	ai, err := a.newAnalyzer(tracker, rec)
	if err != nil {
		closeStore()
		return nil, err
	}

	var sink alerting.Sink
	if !dryRun {
		sink = a.newSink()
	}
	dispatcher := a.newDispatcher(rec)

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	svc := service.New(service.Deps{
		Scheduler:  sched,
		Fetcher:    fetch,
		Renderer:   a.newRenderer(),
		Analyzer:   ai,
		Dispatcher: dispatcher,
		Sink:       sink,
		Quota:      tracker,
		Metrics:    rec,
		Locker:     locker,
	}, service.Options{
		Symbols:         a.Config.Market.Symbols,
		Timeframe:       a.Config.Market.Timeframe,
		Lookback:        a.Config.Market.Lookback,
		SymbolPause:     a.Config.Scheduler.SymbolPause,
		AnalyzeTimeout:  a.Config.Analyzer.Timeout,
		Prompt:          a.Config.Analyzer.Prompt,
		ChatID:          a.Config.Alerting.Telegram.ChatID,
		AdvisoryLockKey: a.Config.Scheduler.AdvisoryLockKey,
		DryRun:          dryRun,
	}, a.Logger)

	return &pipeline{
		svc:        svc,
		tracker:    tracker,
		dispatcher: dispatcher,
		sink:       sink,
		metrics:    rec,
		close:      closeStore,
	}, nil
}

// Run executes the long-running polling service.
func (a *App) Run(ctx context.Context) error {
	if err := a.Config.RequireCredentials(config.NeedTelegram | config.NeedAnalyzer | config.NeedMarket); err != nil {
		return err
	}
	if len(a.Config.Market.Symbols) == 0 {
		return errors.New("market.symbols is empty; nothing to poll")
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	p, err := a.buildPipeline(ctx, false)
	if err != nil {
		return err
	}
	defer p.close()

	if a.Config.Digest.Enabled {
		digest := service.NewDigest(p.tracker, p.dispatcher, p.sink, service.DigestOptions{
			Schedule: a.Config.Digest.Schedule,
			Recent:   a.Config.Digest.Recent,
			ChatID:   a.Config.Alerting.Telegram.ChatID,
			Provider: a.Config.Analyzer.Provider,
		}, a.Logger)
		if err := digest.Start(ctx); err != nil {
			return err
		}
		defer digest.Stop()
	}

	if addr := a.Config.HTTP.ListenAddr; addr != "" {
		srv := server.New(server.Config{
			Addr:    addr,
			Status:  p.svc,
			Metrics: p.metrics.Handler(),
			Log:     a.Logger,
		})
		go func() {
			if err := srv.Start(); err != nil {
				a.Logger.Error().Err(err).Msg("HTTP server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.Logger.Warn().Err(err).Msg("HTTP server shutdown")
			}
		}()
	}

	a.Logger.Info().Strs("symbols", a.Config.Market.Symbols).Msg("starting polling service")
	err = p.svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("polling service stopped")
	return nil
}

// AnalyzeOptions configure the one-shot analyze command.
type AnalyzeOptions struct {
	Symbol string
	DryRun bool
	JSON   bool
}

// ParseOptions configure the parse command.
type ParseOptions struct {
	Path string
	JSON bool
}

// UsageOptions configure the usage command.
type UsageOptions struct {
	Limit int
	JSON  bool
}

// RenderOptions configure the render command.
type RenderOptions struct {
	Symbol  string
	PNGPath string
}
