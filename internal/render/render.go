package render

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/markcheno/go-talib"
	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"chart-signal-alerts/internal/fetcher"
)

// ErrTooFewCandles is returned when there is nothing to draw a line through.
var ErrTooFewCandles = errors.New("render: at least two candles are required")

// ChartRenderer turns candles into an image.
type ChartRenderer interface {
	Render(candles []fetcher.Candle, symbol, title string) ([]byte, error)
}

// Options size the chart and select the moving-average overlays.
type Options struct {
	Width     int
	Height    int
	SMAPeriod int
	EMAPeriod int
}

// PNG renders price charts with go-chart.
type PNG struct {
	opts Options
}

var (
	closeColor  = drawing.ColorFromHex("1f77b4")
	rangeColor  = drawing.ColorFromHex("b0b0b0")
	smaColor    = drawing.ColorFromHex("ff7f0e")
	emaColor    = drawing.ColorFromHex("2ca02c")
	volumeColor = drawing.ColorFromHex("9467bd").WithAlpha(64)
)

// NewPNG constructs a PNG renderer.
func NewPNG(opts Options) *PNG {
	if opts.Width <= 0 {
		opts.Width = 1280
	}
	if opts.Height <= 0 {
		opts.Height = 720
	}
	return &PNG{opts: opts}
}

// Render draws close, high and low lines with SMA/EMA overlays and volume on
// the secondary axis.
func (p *PNG) Render(candles []fetcher.Candle, symbol, title string) ([]byte, error) {
	if len(candles) < 2 {
		return nil, ErrTooFewCandles
	}

	x := make([]time.Time, len(candles))
	closes := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		x[i] = c.Time
		closes[i] = c.Close.InexactFloat64()
		highs[i] = c.High.InexactFloat64()
		lows[i] = c.Low.InexactFloat64()
		volumes[i] = float64(c.Volume)
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}

	series := []chart.Series{
		chart.TimeSeries{
			Name:    "High",
			XValues: x,
			YValues: highs,
			Style:   chart.Style{StrokeColor: rangeColor, StrokeWidth: 1},
		},
		chart.TimeSeries{
			Name:    "Low",
			XValues: x,
			YValues: lows,
			Style:   chart.Style{StrokeColor: rangeColor, StrokeWidth: 1},
		},
		chart.TimeSeries{
			Name:    "Close",
			XValues: x,
			YValues: closes,
			Style:   chart.Style{StrokeColor: closeColor, StrokeWidth: 2},
		},
	}
	if s, ok := overlay(fmt.Sprintf("SMA %d", p.opts.SMAPeriod), x, closes, p.opts.SMAPeriod, talib.Sma, smaColor); ok {
		series = append(series, s)
	}
	if s, ok := overlay(fmt.Sprintf("EMA %d", p.opts.EMAPeriod), x, closes, p.opts.EMAPeriod, talib.Ema, emaColor); ok {
		series = append(series, s)
	}
	if hasVolume(volumes) {
		series = append(series, chart.TimeSeries{
			Name:    "Volume",
			XValues: x,
			YValues: volumes,
			YAxis:   chart.YAxisSecondary,
			Style:   chart.Style{StrokeColor: volumeColor, FillColor: volumeColor},
		})
	}

	if title == "" {
		title = symbol
	}
	graph := chart.Chart{
		Title:  title,
		Width:  p.opts.Width,
		Height: p.opts.Height,
		Background: chart.Style{
			Padding: chart.Box{Top: 40, Left: 10, Right: 10, Bottom: 10},
		},
		XAxis: chart.XAxis{
			ValueFormatter: timeFormatter(x),
		},
		YAxis: chart.YAxis{
			Name:           symbol,
			ValueFormatter: priceFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Volume",
			ValueFormatter: volumeFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	var buf bytes.Buffer
	if err := graph.Render(chart.PNG, &buf); err != nil {
		return nil, fmt.Errorf("render %s chart: %w", symbol, err)
	}
	return buf.Bytes(), nil
}

type indicator func(in []float64, period int) []float64

// overlay computes a moving average and drops its warm-up points.
func overlay(name string, x []time.Time, closes []float64, period int, fn indicator, color drawing.Color) (chart.TimeSeries, bool) {
	if period < 2 || len(closes) < period+1 {
		return chart.TimeSeries{}, false
	}
	values := fn(closes, period)
	start := period - 1
	for start < len(values) && (values[start] == 0 || math.IsNaN(values[start])) {
		start++
	}
	if len(values)-start < 2 {
		return chart.TimeSeries{}, false
	}
	return chart.TimeSeries{
		Name:    name,
		XValues: x[start:],
		YValues: values[start:],
		Style:   chart.Style{StrokeColor: color, StrokeWidth: 1.5, StrokeDashArray: []float64{5, 3}},
	}, true
}

func hasVolume(volumes []float64) bool {
	for _, v := range volumes {
		if v > 0 {
			return true
		}
	}
	return false
}

// timeFormatter shows dates for daily charts and clock times otherwise.
func timeFormatter(x []time.Time) chart.ValueFormatter {
	layout := "15:04"
	if x[len(x)-1].Sub(x[0]) > 72*time.Hour {
		layout = "01-02"
	}
	return func(v interface{}) string {
		if f, ok := v.(float64); ok {
			return chart.TimeFromFloat64(f).UTC().Format(layout)
		}
		return ""
	}
}

func volumeFormatter(v interface{}) string {
	f, ok := v.(float64)
	if !ok {
		return ""
	}
	switch {
	case f >= 1e6:
		return fmt.Sprintf("%.1fM", f/1e6)
	case f >= 1e3:
		return fmt.Sprintf("%.0fK", f/1e3)
	default:
		return fmt.Sprintf("%.0f", f)
	}
}

var _ ChartRenderer = (*PNG)(nil)
