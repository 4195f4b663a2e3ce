package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chart-signal-alerts/internal/config"
	"chart-signal-alerts/internal/service"
	"chart-signal-alerts/internal/signal"
	"chart-signal-alerts/internal/storage"
)

const yahooFixture = `{"chart":{"result":[{"timestamp":[1700000000,1700000300,1700000600],
"indicators":{"quote":[{"open":[10.0,10.2,10.4],"high":[10.5,10.6,10.8],"low":[9.9,10.1,10.2],
"close":[10.2,10.4,10.7],"volume":[1000,1100,1200]}]}}],"error":null}}`

const geminiFixture = `{"candidates":[{"content":{"parts":[{"text":"1. Сигнал: Sell\n2. Причина: отбой\n3. Stop Loss (SL): 11.2\n4. Take Profit (TP): 9.8\n5. Комментарий: слабый объем"}]}}]}`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Scheduler: config.SchedulerConfig{Interval: time.Minute},
		Market: config.MarketConfig{
			Provider:  "yahoo",
			Symbols:   []string{"AAPL"},
			Timeframe: "5m",
			Lookback:  50,
		},
		Chart:    config.ChartConfig{Width: 640, Height: 360, SMAPeriod: 2, EMAPeriod: 2},
		Analyzer: config.AnalyzerConfig{Provider: "google", Model: "gemini-test", APIKey: "key", Timeout: 5 * time.Second},
		Quota: config.QuotaConfig{
			TimeZone:     "America/Los_Angeles",
			DailyLimit:   250,
			MonthlyLimit: 7500,
			Period:       "day",
			LogPath:      filepath.Join(dir, "request_log.json"),
			ResetPath:    filepath.Join(dir, "last_reset.json"),
		},
		Delivery: config.DeliveryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, Timeout: time.Second},
	}
}

func newTestApp(t *testing.T, cfg *config.Config, in string) (*App, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	a := NewApp(cfg, zerolog.Nop())
	a.Out = out
	a.In = strings.NewReader(in)
	return a, out
}

func TestParseFromStdin(t *testing.T) {
	a, out := newTestApp(t, testConfig(t), "**Сигнал**: BUY\n**Причина**: пробой")

	require.NoError(t, a.Parse(context.Background(), ParseOptions{Path: "-"}))
	assert.Contains(t, out.String(), "Buy")
	assert.Contains(t, out.String(), "пробой")
}

func TestParseJSONFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reply.txt")
	require.NoError(t, os.WriteFile(path, []byte("1. Сигнал: No Trade\n2. Причина: флет"), 0o644))

	a, out := newTestApp(t, testConfig(t), "")
	require.NoError(t, a.Parse(context.Background(), ParseOptions{Path: path, JSON: true}))

	var sig signal.TradingSignal
	require.NoError(t, json.Unmarshal(out.Bytes(), &sig))
	assert.Equal(t, signal.DirectionNoTrade, sig.Direction)
	assert.Equal(t, "флет", sig.Reason)
	assert.Contains(t, out.String(), "\n  \"direction\"", "output should be indented")
}

func TestParseMissingFile(t *testing.T) {
	a, _ := newTestApp(t, testConfig(t), "")
	assert.Error(t, a.Parse(context.Background(), ParseOptions{Path: filepath.Join(t.TempDir(), "missing.txt")}))
}

func TestUsageReadsFileStore(t *testing.T) {
	cfg := testConfig(t)
	store := storage.NewFileStore(cfg.Quota.LogPath, cfg.Quota.ResetPath)
	ctx := context.Background()
	require.NoError(t, store.AppendRequestLog(ctx, storage.RequestLogEntry{Timestamp: time.Now(), Provider: "google", Model: "gemini-test", Success: true, Count: 1}))
	require.NoError(t, store.AppendRequestLog(ctx, storage.RequestLogEntry{Timestamp: time.Now(), Provider: "google", Model: "gemini-test", Success: false, Count: 2}))

	a, out := newTestApp(t, cfg, "")
	require.NoError(t, a.Usage(ctx, UsageOptions{Limit: 5}))

	text := out.String()
	assert.Contains(t, text, "google")
	assert.Contains(t, text, "gemini-test")
	assert.Contains(t, text, "Provider")
	assert.Contains(t, text, "last reset: never")
}

func TestUsageRollsOverStaleWindow(t *testing.T) {
	cfg := testConfig(t)
	store := storage.NewFileStore(cfg.Quota.LogPath, cfg.Quota.ResetPath)
	ctx := context.Background()
	stale := time.Now().Add(-48 * time.Hour)
	require.NoError(t, store.SaveLastReset(ctx, stale))
	require.NoError(t, store.AppendRequestLog(ctx, storage.RequestLogEntry{Timestamp: stale, Provider: "google", Model: "gemini-old", Success: true, Count: 1}))

	a, out := newTestApp(t, cfg, "")
	require.NoError(t, a.Usage(ctx, UsageOptions{Limit: 5, JSON: true}))

	var report usageReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.EqualValues(t, 0, report.Stats.Total)
	require.Len(t, report.Usage, 1)
	assert.Equal(t, 0, report.Usage[0].Used)

	entries, err := store.LoadRequestLog(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUsageJSON(t *testing.T) {
	cfg := testConfig(t)
	a, out := newTestApp(t, cfg, "")
	require.NoError(t, a.Usage(context.Background(), UsageOptions{Limit: 5, JSON: true}))

	var report usageReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	require.Len(t, report.Usage, 1)
	assert.Equal(t, "google", report.Usage[0].Provider)
	assert.Equal(t, 250, report.Usage[0].DailyLimit)
}

func TestAnalyzeDryRunEndToEnd(t *testing.T) {
	yahoo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(yahooFixture))
	}))
	defer yahoo.Close()

	var geminiCalls int
	gemini := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		geminiCalls++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(geminiFixture))
	}))
	defer gemini.Close()

	cfg := testConfig(t)
	cfg.Market.BaseURL = yahoo.URL
	cfg.Analyzer.BaseURL = gemini.URL

	a, out := newTestApp(t, cfg, "")
	require.NoError(t, a.Analyze(context.Background(), AnalyzeOptions{Symbol: "aapl", DryRun: true, JSON: true}))
	assert.Equal(t, 1, geminiCalls)

	var res service.PollCycleResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, "AAPL", res.Symbol)
	assert.Equal(t, service.StageDryRun, res.Stage)
	require.NotNil(t, res.Signal)
	assert.Equal(t, signal.DirectionSell, res.Signal.Direction)
	assert.Equal(t, "11.2", res.Signal.StopLoss)

	entries, err := storage.NewFileStore(cfg.Quota.LogPath, cfg.Quota.ResetPath).LoadRequestLog(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Success)
	assert.Equal(t, "gemini-test", entries[0].Model)
}

func TestAnalyzeRequiresCredentials(t *testing.T) {
	cfg := testConfig(t)
	cfg.Analyzer.APIKey = ""
	a, _ := newTestApp(t, cfg, "")

	err := a.Analyze(context.Background(), AnalyzeOptions{Symbol: "AAPL", DryRun: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "analyzer.api_key")
}

func TestRenderWritesPNG(t *testing.T) {
	yahoo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(yahooFixture))
	}))
	defer yahoo.Close()

	cfg := testConfig(t)
	cfg.Market.BaseURL = yahoo.URL
	path := filepath.Join(t.TempDir(), "charts", "aapl.png")

	a, _ := newTestApp(t, cfg, "")
	require.NoError(t, a.Render(context.Background(), RenderOptions{Symbol: "AAPL", PNGPath: path}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("\x89PNG")))
}

func TestUnsupportedProviders(t *testing.T) {
	cfg := testConfig(t)
	cfg.Market.Provider = "bloomberg"
	a, _ := newTestApp(t, cfg, "")
	_, err := a.newFetcher()
	assert.Error(t, err)

	cfg.Analyzer.Provider = "openai"
	_, err = a.newAnalyzer(nil, nil)
	assert.Error(t, err)
}
