package fetcher

import (
	"fmt"
	"strings"
	"time"
)

// Timeframe is a supported candle width.
type Timeframe struct {
	Label    string
	Duration time.Duration
}

var timeframes = map[string]Timeframe{
	"1m":  {Label: "1m", Duration: time.Minute},
	"5m":  {Label: "5m", Duration: 5 * time.Minute},
	"15m": {Label: "15m", Duration: 15 * time.Minute},
	"30m": {Label: "30m", Duration: 30 * time.Minute},
	"1h":  {Label: "1h", Duration: time.Hour},
	"1d":  {Label: "1d", Duration: 24 * time.Hour},
}

// ParseTimeframe accepts 1m, 5m, 15m, 30m, 1h and 1d.
func ParseTimeframe(s string) (Timeframe, error) {
	tf, ok := timeframes[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return Timeframe{}, fmt.Errorf("unsupported timeframe %q", s)
	}
	return tf, nil
}

// Lookback is the wall-clock span needed for limit candles. Intraday frames
// get extra room for market closures.
func (tf Timeframe) Lookback(limit int) time.Duration {
	if limit <= 0 {
		limit = 1
	}
	span := tf.Duration * time.Duration(limit)
	if tf.Duration < 24*time.Hour {
		return span*4 + 72*time.Hour
	}
	return span*2 + 96*time.Hour
}

// yahooRanges are the chart API range values, shortest first.
var yahooRanges = []struct {
	name string
	span time.Duration
}{
	{"1d", 24 * time.Hour},
	{"5d", 5 * 24 * time.Hour},
	{"1mo", 31 * 24 * time.Hour},
	{"3mo", 92 * 24 * time.Hour},
	{"6mo", 183 * 24 * time.Hour},
	{"1y", 366 * 24 * time.Hour},
	{"2y", 2 * 366 * 24 * time.Hour},
	{"5y", 5 * 366 * 24 * time.Hour},
}

// yahooInterval maps a timeframe to the chart API interval parameter.
func (tf Timeframe) yahooInterval() string {
	if tf.Label == "1h" {
		return "60m"
	}
	return tf.Label
}

// yahooRange picks the shortest range covering the lookback.
func (tf Timeframe) yahooRange(limit int) string {
	need := tf.Lookback(limit)
	for _, r := range yahooRanges {
		if r.span >= need {
			return r.name
		}
	}
	return yahooRanges[len(yahooRanges)-1].name
}
