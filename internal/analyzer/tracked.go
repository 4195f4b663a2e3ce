package analyzer

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"chart-signal-alerts/internal/storage"
)

// QuotaRecorder is the quota bookkeeping done around every call.
type QuotaRecorder interface {
	Now() time.Time
	ShouldReset(now time.Time) bool
	Reset(ctx context.Context, provider string, now time.Time) error
	Record(ctx context.Context, provider, model string, success bool) (storage.RequestLogEntry, error)
}

// CallObserver receives the outcome of every call.
type CallObserver interface {
	AnalyzerCall(provider, model string, success bool, elapsed time.Duration)
}

// Tracked wraps an Analyzer with quota bookkeeping: the window is rolled over
// before the call when due and every call is logged, successful or not.
type Tracked struct {
	inner    Analyzer
	quota    QuotaRecorder
	observer CallObserver
	logger   zerolog.Logger
}

// NewTracked decorates inner. observer may be nil.
func NewTracked(inner Analyzer, quota QuotaRecorder, observer CallObserver, logger zerolog.Logger) *Tracked {
	return &Tracked{
		inner:    inner,
		quota:    quota,
		observer: observer,
		logger:   logger.With().Str("component", "analyzer").Logger(),
	}
}

// Provider implements Analyzer.
func (t *Tracked) Provider() string { return t.inner.Provider() }

// Model implements Analyzer.
func (t *Tracked) Model() string { return t.inner.Model() }

// Analyze implements Analyzer. Bookkeeping failures are logged, never returned.
func (t *Tracked) Analyze(ctx context.Context, image []byte, prompt string) (string, error) {
	provider, model := t.inner.Provider(), t.inner.Model()

	now := t.quota.Now()
	if t.quota.ShouldReset(now) {
		if err := t.quota.Reset(ctx, provider, now); err != nil {
			t.logger.Warn().Err(err).Str("provider", provider).Msg("quota reset not persisted")
		}
	}

	started := time.Now()
	text, err := t.inner.Analyze(ctx, image, prompt)
	success := err == nil && !IsFailure(text)

	if t.observer != nil {
		t.observer.AnalyzerCall(provider, model, success, time.Since(started))
	}
	if _, recErr := t.quota.Record(ctx, provider, model, success); recErr != nil {
		t.logger.Warn().Err(recErr).Str("provider", provider).Msg("request log entry not persisted")
	}

	return text, err
}

var _ Analyzer = (*Tracked)(nil)
