package quota

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog"

	"chart-signal-alerts/internal/storage"
)

// DefaultTimeZone is the billing zone of the default analyzer provider.
const DefaultTimeZone = "America/Los_Angeles"

// PeriodDay and PeriodMonth name the window a limit is reported against.
const (
	PeriodDay   = "day"
	PeriodMonth = "month"
)

// Limits are reported for observability only; the tracker never enforces them.
type Limits struct {
	Daily   int
	Monthly int
	Period  string
}

// Usage is the current window of one provider.
type Usage struct {
	Provider     string    `json:"provider"`
	Used         int       `json:"used"`
	DailyLimit   int       `json:"daily_limit"`
	MonthlyLimit int       `json:"monthly_limit"`
	Period       string    `json:"period"`
	WindowStart  time.Time `json:"window_start"`
}

// Percent returns usage against the limit of the reported period.
func (u Usage) Percent() float64 {
	limit := u.DailyLimit
	if u.Period == PeriodMonth {
		limit = u.MonthlyLimit
	}
	if limit <= 0 {
		return 0
	}
	return float64(u.Used) / float64(limit) * 100
}

// Options configure a Tracker.
type Options struct {
	Location *time.Location
	Limits   map[string]Limits
	Now      func() time.Time
}

// Tracker counts analyzer calls per provider against a daily window that
// rolls over at midnight in a fixed billing zone.
type Tracker struct {
	mu        sync.RWMutex
	store     storage.QuotaStore
	loc       *time.Location
	limits    map[string]Limits
	now       func() time.Time
	logger    zerolog.Logger
	entries   []storage.RequestLogEntry
	lastReset *time.Time
	count     int64
}

// LoadLocation resolves the billing zone, falling back to a fixed UTC-8 offset.
func LoadLocation(name string) *time.Location {
	if name == "" {
		name = DefaultTimeZone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("PT", -8*60*60)
	}
	return loc
}

// NewTracker loads the persisted log and reset marker. Unreadable state is
// treated as a fresh window that must be reset.
func NewTracker(ctx context.Context, store storage.QuotaStore, opts Options, logger zerolog.Logger) *Tracker {
	t := &Tracker{
		store:  store,
		loc:    opts.Location,
		limits: opts.Limits,
		now:    opts.Now,
		logger: logger.With().Str("component", "quota").Logger(),
	}
	if t.loc == nil {
		t.loc = LoadLocation(DefaultTimeZone)
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.limits == nil {
		t.limits = map[string]Limits{}
	}

	entries, err := store.LoadRequestLog(ctx)
	if err != nil {
		t.logger.Warn().Err(err).Msg("request log unreadable; starting with an empty window")
		entries = nil
	}
	t.entries = entries
	t.count = int64(len(entries))

	at, ok, err := store.LoadLastReset(ctx)
	switch {
	case err != nil:
		t.logger.Warn().Err(err).Msg("reset marker unreadable; window will be reset")
	case ok:
		t.lastReset = &at
	}

	return t
}

// Location returns the billing zone.
func (t *Tracker) Location() *time.Location {
	return t.loc
}

// Now returns the tracker's clock.
func (t *Tracker) Now() time.Time {
	return t.now()
}

// ShouldReset reports whether the billing-zone date of now is past the date
// of the last reset, or whether no reset was ever recorded.
func (t *Tracker) ShouldReset(now time.Time) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.lastReset == nil {
		return true
	}
	return t.date(now).After(t.date(*t.lastReset))
}

// Reset drops the provider's entries dated before today in the billing zone
// and records now as the last reset.
func (t *Tracker) Reset(ctx context.Context, provider string, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	today := t.date(now)
	kept := make([]storage.RequestLogEntry, 0, len(t.entries))
	purged := 0
	for _, e := range t.entries {
		if e.Provider == provider && t.date(e.Timestamp).Before(today) {
			purged++
			continue
		}
		kept = append(kept, e)
	}

	t.entries = kept
	at := now.In(t.loc)
	t.lastReset = &at

	if err := t.store.SaveLastReset(ctx, at); err != nil {
		return fmt.Errorf("save last reset: %w", err)
	}
	if err := t.store.ReplaceRequestLog(ctx, kept); err != nil {
		return fmt.Errorf("rewrite request log: %w", err)
	}

	t.logger.Info().Str("provider", provider).Int("purged", purged).Time("reset_at", at).Msg("quota window reset")
	return nil
}

// RollOver resets the provider's window when the billing-zone date has moved
// past the last reset. It reports whether a reset happened.
func (t *Tracker) RollOver(ctx context.Context, provider string) (bool, error) {
	now := t.now()
	if !t.ShouldReset(now) {
		return false, nil
	}
	return true, t.Reset(ctx, provider, now)
}

// Record appends one entry for an analyzer call. The in-memory log is updated
// even when persisting fails.
func (t *Tracker) Record(ctx context.Context, provider, model string, success bool) (storage.RequestLogEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.count++
	entry := storage.RequestLogEntry{
		Timestamp: t.now(),
		Provider:  provider,
		Model:     model,
		Success:   success,
		Count:     t.count,
	}
	t.entries = append(t.entries, entry)

	if err := t.store.AppendRequestLog(ctx, entry); err != nil {
		return entry, fmt.Errorf("append request log: %w", err)
	}
	return entry, nil
}

// Usage counts the provider's entries dated today in the billing zone. It
// does not roll the window over; call ShouldReset/Reset first for that.
func (t *Tracker) Usage(provider string, now time.Time) Usage {
	t.mu.RLock()
	defer t.mu.RUnlock()

	today := t.date(now)
	used := 0
	for _, e := range t.entries {
		if e.Provider == provider && t.date(e.Timestamp).Equal(today) {
			used++
		}
	}

	limits := t.limits[provider]
	period := limits.Period
	if period == "" {
		period = PeriodDay
	}
	return Usage{
		Provider:     provider,
		Used:         used,
		DailyLimit:   limits.Daily,
		MonthlyLimit: limits.Monthly,
		Period:       period,
		WindowStart:  today,
	}
}

// Providers lists every provider with limits or log entries, sorted.
func (t *Tracker) Providers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := make(map[string]struct{}, len(t.limits))
	for p := range t.limits {
		seen[p] = struct{}{}
	}
	for _, e := range t.entries {
		seen[e.Provider] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ProviderStats splits one provider's logged calls by outcome.
type ProviderStats struct {
	Provider string `json:"provider"`
	Success  int    `json:"success"`
	Failed   int    `json:"failed"`
}

// Total is the number of logged calls.
func (p ProviderStats) Total() int {
	return p.Success + p.Failed
}

// SuccessRate is the percentage of successful calls.
func (p ProviderStats) SuccessRate() float64 {
	if p.Total() == 0 {
		return 0
	}
	return float64(p.Success) / float64(p.Total()) * 100
}

// Stats summarises the retained log.
type Stats struct {
	Total     int64                     `json:"total"`
	Success   int                       `json:"success"`
	Failed    int                       `json:"failed"`
	Providers []ProviderStats           `json:"providers"`
	Recent    []storage.RequestLogEntry `json:"recent"`
}

// Stats aggregates the retained log per provider in first-seen order and
// returns the last n entries. Total is the process-wide sequence counter.
func (t *Tracker) Stats(n int) Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := Stats{Total: t.count}
	index := map[string]int{}
	for _, e := range t.entries {
		i, ok := index[e.Provider]
		if !ok {
			i = len(out.Providers)
			index[e.Provider] = i
			out.Providers = append(out.Providers, ProviderStats{Provider: e.Provider})
		}
		if e.Success {
			out.Success++
			out.Providers[i].Success++
		} else {
			out.Failed++
			out.Providers[i].Failed++
		}
	}

	if n > 0 {
		start := len(t.entries) - n
		if start < 0 {
			start = 0
		}
		out.Recent = make([]storage.RequestLogEntry, len(t.entries)-start)
		copy(out.Recent, t.entries[start:])
	}
	return out
}

// Limits returns the configured limits of a provider.
func (t *Tracker) Limits(provider string) (Limits, bool) {
	l, ok := t.limits[provider]
	return l, ok
}

// Entries returns a copy of the in-memory log.
func (t *Tracker) Entries() []storage.RequestLogEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]storage.RequestLogEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// LastReset returns the last reset timestamp, if one is known.
func (t *Tracker) LastReset() (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.lastReset == nil {
		return time.Time{}, false
	}
	return *t.lastReset, true
}

func (t *Tracker) date(ts time.Time) time.Time {
	local := ts.In(t.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, t.loc)
}
