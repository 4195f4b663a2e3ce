package alerting

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"chart-signal-alerts/internal/quota"
	"chart-signal-alerts/internal/signal"
)

// Telegram-side size limits, in characters.
const (
	MaxMessageLength = 4000
	MaxBlockLength   = 1000
	MaxCaptionLength = 1024
)

// SignalMessage is everything shown for one delivered signal.
type SignalMessage struct {
	Symbol    string
	Timeframe string
	Model     string
	Signal    signal.TradingSignal
	Usage     *quota.Usage
}

// FormatSignal renders the signal block followed by the quota line. The
// block is capped at MaxBlockLength characters.
func FormatSignal(m SignalMessage) string {
	var b strings.Builder

	if m.Symbol != "" {
		b.WriteString("📊 ")
		b.WriteString(m.Symbol)
		if m.Timeframe != "" {
			b.WriteString(" · ")
			b.WriteString(m.Timeframe)
		}
		if m.Model != "" {
			b.WriteString(" · 🧠 ")
			b.WriteString(m.Model)
		}
		b.WriteString("\n")
	}

	sig := m.Signal
	fmt.Fprintf(&b, "🎯 Сигнал: %s\n", sig.Direction.Label())
	fmt.Fprintf(&b, "🛑 Стоп: %s\n", sig.StopLoss)
	fmt.Fprintf(&b, "🎯 Тейк: %s\n", sig.TakeProfit)

	reason, comment := sig.ReasonParts()
	if comment != "" {
		fmt.Fprintf(&b, "📝 Причина: %s\n💬 Комментарий: %s", reason, comment)
	} else {
		fmt.Fprintf(&b, "📝 Анализ: %s", reason)
	}

	if m.Usage != nil {
		b.WriteString("\n\n")
		b.WriteString(FormatUsage(*m.Usage))
	}

	return capBlock(b.String(), MaxBlockLength)
}

// FormatFailure renders an analysis that produced no signal.
func FormatFailure(symbol, model, text string) string {
	label := model
	if symbol != "" {
		label = symbol + " · " + model
	}
	return capBlock(fmt.Sprintf("🧠 %s: %s", label, text), MaxBlockLength)
}

// FormatUsage renders the quota line of a provider.
func FormatUsage(u quota.Usage) string {
	if u.Period == quota.PeriodMonth {
		return fmt.Sprintf("📈 Лимит: %d/%d в месяц (%.1f%%)", u.Used, u.MonthlyLimit, u.Percent())
	}
	return fmt.Sprintf("📈 Лимит: %d/%d в день (%.1f%%)\n🕐 Сброс: полночь PT", u.Used, u.DailyLimit, u.Percent())
}

// FormatStats renders the request statistics digest.
func FormatStats(stats quota.Stats, limits func(provider string) (quota.Limits, bool), loc *time.Location) string {
	if len(stats.Providers) == 0 {
		return "📊 Статистика пуста - запросов еще не было"
	}
	if loc == nil {
		loc = time.Local
	}

	var b strings.Builder
	b.WriteString("📊 Статистика запросов\n\n")
	fmt.Fprintf(&b, "🔢 Всего запросов: %d\n", stats.Total)
	fmt.Fprintf(&b, "✅ Успешных: %d\n", stats.Success)
	fmt.Fprintf(&b, "❌ Неудачных: %d\n\n", stats.Failed)

	b.WriteString("📈 По провайдерам:\n")
	for _, p := range stats.Providers {
		fmt.Fprintf(&b, "• %s: %d (%d✅/%d❌) - %.1f%%", p.Provider, p.Total(), p.Success, p.Failed, p.SuccessRate())
		if limits != nil {
			if l, ok := limits(p.Provider); ok {
				b.WriteString(" ")
				b.WriteString(limitText(p.Total(), l))
			}
		}
		b.WriteString("\n")
	}

	if len(stats.Recent) > 0 {
		fmt.Fprintf(&b, "\n🕒 Последние %d запросов:\n", len(stats.Recent))
		for _, e := range stats.Recent {
			status := "✅"
			if !e.Success {
				status = "❌"
			}
			fmt.Fprintf(&b, "%s %s - %s/%s\n", status, e.Timestamp.In(loc).Format("2006-01-02 15:04:05"), e.Provider, e.Model)
		}
	}

	b.WriteString("\n🕐 Сброс: полночь PT")
	return b.String()
}

func limitText(total int, l quota.Limits) string {
	if l.Period == quota.PeriodMonth {
		return fmt.Sprintf("(%d/%d в месяц, %.1f%%)", total, l.Monthly, percent(total, l.Monthly))
	}
	return fmt.Sprintf("(%d/%d в день, %.1f%%)", total, l.Daily, percent(total, l.Daily))
}

func percent(used, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(used) / float64(limit) * 100
}

// TruncateCaption fits a caption into Telegram's photo caption limit.
func TruncateCaption(caption string) string {
	return capBlock(caption, MaxCaptionLength)
}

func capBlock(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}

// ChunkText splits text into pieces of at most limit characters, preferring
// to cut at the last newline, then the last space, inside each window.
// Pieces are trimmed and empty pieces dropped.
func ChunkText(text string, limit int) []string {
	if limit <= 0 {
		limit = MaxMessageLength
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + limit
		if end >= len(runes) {
			chunks = appendChunk(chunks, runes[start:])
			break
		}

		cut := lastIndex(runes, start+1, end, '\n')
		if cut < 0 {
			cut = lastIndex(runes, start+1, end, ' ')
		}
		if cut < 0 {
			cut = end
		}

		chunks = appendChunk(chunks, runes[start:cut])
		start = cut
	}
	return chunks
}

func appendChunk(chunks []string, r []rune) []string {
	s := strings.TrimFunc(string(r), unicode.IsSpace)
	if s == "" {
		return chunks
	}
	return append(chunks, s)
}

// lastIndex finds the last want in runes[from:to].
func lastIndex(runes []rune, from, to int, want rune) int {
	for i := to - 1; i >= from; i-- {
		if runes[i] == want {
			return i
		}
	}
	return -1
}
