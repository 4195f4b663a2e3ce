package alerting

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chart-signal-alerts/internal/quota"
	"chart-signal-alerts/internal/signal"
	"chart-signal-alerts/internal/storage"
)

func TestFormatSignalWithComment(t *testing.T) {
	usage := quota.Usage{Provider: "google", Used: 5, DailyLimit: 250, MonthlyLimit: 7500, Period: quota.PeriodDay}
	text := FormatSignal(SignalMessage{
		Symbol:    "AAPL",
		Timeframe: "5m",
		Model:     "google/gemini-2.5-flash",
		Signal: signal.TradingSignal{
			Direction:  signal.DirectionSell,
			Reason:     "отбой от сопротивления | средний сигнал",
			StopLoss:   "235.80",
			TakeProfit: "233.20",
			Comment:    "средний сигнал",
		},
		Usage: &usage,
	})

	want := "📊 AAPL · 5m · 🧠 google/gemini-2.5-flash\n" +
		"🎯 Сигнал: Sell\n" +
		"🛑 Стоп: 235.80\n" +
		"🎯 Тейк: 233.20\n" +
		"📝 Причина: отбой от сопротивления\n" +
		"💬 Комментарий: средний сигнал\n\n" +
		"📈 Лимит: 5/250 в день (2.0%)\n" +
		"🕐 Сброс: полночь PT"
	assert.Equal(t, want, text)
}

func TestFormatSignalWithoutComment(t *testing.T) {
	text := FormatSignal(SignalMessage{Signal: signal.TradingSignal{
		Direction: signal.DirectionBuy, Reason: "пробой", StopLoss: "-", TakeProfit: "-",
	}})
	assert.Equal(t, "🎯 Сигнал: Buy\n🛑 Стоп: -\n🎯 Тейк: -\n📝 Анализ: пробой", text)
}

func TestFormatSignalCapsBlock(t *testing.T) {
	text := FormatSignal(SignalMessage{
		Symbol: strings.Repeat("X", 2000),
		Signal: signal.TradingSignal{Direction: signal.DirectionBuy},
	})
	assert.Equal(t, MaxBlockLength, utf8.RuneCountInString(text))
	assert.True(t, strings.HasSuffix(text, "…"))
}

func TestFormatUsageMonthly(t *testing.T) {
	u := quota.Usage{Used: 75, DailyLimit: 250, MonthlyLimit: 7500, Period: quota.PeriodMonth}
	assert.Equal(t, "📈 Лимит: 75/7500 в месяц (1.0%)", FormatUsage(u))
}

func TestFormatFailure(t *testing.T) {
	assert.Equal(t, "🧠 AAPL · google/m: Ошибка анализа: boom", FormatFailure("AAPL", "google/m", "Ошибка анализа: boom"))
}

func TestFormatStats(t *testing.T) {
	assert.Equal(t, "📊 Статистика пуста - запросов еще не было", FormatStats(quota.Stats{}, nil, time.UTC))

	ts := time.Date(2025, 3, 2, 9, 30, 0, 0, time.UTC)
	stats := quota.Stats{
		Total:   12,
		Success: 3,
		Failed:  1,
		Providers: []quota.ProviderStats{
			{Provider: "google", Success: 3, Failed: 1},
		},
		Recent: []storage.RequestLogEntry{
			{Timestamp: ts, Provider: "google", Model: "gemini-2.5-flash", Success: true},
			{Timestamp: ts.Add(time.Minute), Provider: "google", Model: "gemini-2.5-flash", Success: false},
		},
	}
	limits := func(p string) (quota.Limits, bool) {
		if p == "google" {
			return quota.Limits{Daily: 250, Monthly: 7500, Period: quota.PeriodDay}, true
		}
		return quota.Limits{}, false
	}

	text := FormatStats(stats, limits, time.UTC)
	assert.Contains(t, text, "🔢 Всего запросов: 12\n")
	assert.Contains(t, text, "✅ Успешных: 3\n")
	assert.Contains(t, text, "❌ Неудачных: 1\n")
	assert.Contains(t, text, "• google: 4 (3✅/1❌) - 75.0% (4/250 в день, 1.6%)\n")
	assert.Contains(t, text, "🕒 Последние 2 запросов:\n✅ 2025-03-02 09:30:00 - google/gemini-2.5-flash\n❌ 2025-03-02 09:31:00 - google/gemini-2.5-flash\n")
}

func TestChunkTextShort(t *testing.T) {
	assert.Equal(t, []string{"short"}, ChunkText("short", 10))
}

func TestChunkTextPrefersNewlines(t *testing.T) {
	text := "aaaa bbbb\ncccc dddd\neeee"
	chunks := ChunkText(text, 12)
	assert.Equal(t, []string{"aaaa bbbb", "cccc dddd", "eeee"}, chunks)
}

func TestChunkTextFallsBackToSpacesAndHardCuts(t *testing.T) {
	assert.Equal(t, []string{"aaaa", "bbbb", "cccc"}, ChunkText("aaaa bbbb cccc", 6))
	assert.Equal(t, []string{"abcde", "fghij", "k"}, ChunkText("abcdefghijk", 5))
}

func TestChunkTextRespectsLimitInRunes(t *testing.T) {
	text := strings.Repeat("привет мир\n", 1000)
	chunks := ChunkText(text, MaxMessageLength)
	require.Greater(t, len(chunks), 1)
	total := 0
	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), MaxMessageLength)
		assert.True(t, utf8.ValidString(c))
		assert.NotEmpty(t, c)
		total += strings.Count(c, "привет")
	}
	assert.Equal(t, 1000, total)
}

func TestChunkTextLeadingNewlineTerminates(t *testing.T) {
	chunks := ChunkText("\n"+strings.Repeat("a", 9), 5)
	assert.Equal(t, []string{"aaaa", "aaaaa"}, chunks)
}
