package fetcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// AlpacaOptions parameterise the Alpaca market data fetcher.
type AlpacaOptions struct {
	APIKey    string
	APISecret string
	BaseURL   string
	Feed      string
}

// barsClient is the slice of the Alpaca market data client used here.
type barsClient interface {
	GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error)
}

// Alpaca fetches candles from the Alpaca market data API.
type Alpaca struct {
	opts   AlpacaOptions
	client barsClient
	now    func() time.Time
	logger zerolog.Logger
}

// NewAlpaca constructs an Alpaca fetcher.
func NewAlpaca(opts AlpacaOptions, logger zerolog.Logger) *Alpaca {
	client := marketdata.NewClient(marketdata.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
		BaseURL:   opts.BaseURL,
	})
	return newAlpaca(opts, client, logger)
}

func newAlpaca(opts AlpacaOptions, client barsClient, logger zerolog.Logger) *Alpaca {
	return &Alpaca{
		opts:   opts,
		client: client,
		now:    time.Now,
		logger: logger.With().Str("component", "alpaca_fetcher").Logger(),
	}
}

// FetchCandles retrieves up to limit bars ending now.
func (a *Alpaca) FetchCandles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	tf, err := ParseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	end := a.now().UTC()
	req := marketdata.GetBarsRequest{
		TimeFrame: alpacaTimeFrame(tf),
		Start:     end.Add(-tf.Lookback(limit)),
		End:       end,
	}
	if a.opts.Feed != "" {
		req.Feed = marketdata.Feed(a.opts.Feed)
	}

	bars, err := a.client.GetBars(symbol, req)
	if err != nil {
		return nil, fmt.Errorf("alpaca bars %s: %w", symbol, err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%s %s: %w", symbol, tf.Label, ErrNoData)
	}

	candles := make([]Candle, 0, len(bars))
	for _, b := range bars {
		candles = append(candles, Candle{
			Time:   b.Timestamp.UTC(),
			Open:   decimal.NewFromFloat(b.Open),
			High:   decimal.NewFromFloat(b.High),
			Low:    decimal.NewFromFloat(b.Low),
			Close:  decimal.NewFromFloat(b.Close),
			Volume: int64(b.Volume),
		})
	}

	candles = tail(candles, limit)
	a.logger.Debug().Str("symbol", symbol).Str("timeframe", tf.Label).Int("candles", len(candles)).Msg("bars fetched")
	return candles, nil
}

func alpacaTimeFrame(tf Timeframe) marketdata.TimeFrame {
	switch {
	case tf.Duration >= 24*time.Hour:
		return marketdata.NewTimeFrame(int(tf.Duration/(24*time.Hour)), marketdata.Day)
	case tf.Duration >= time.Hour:
		return marketdata.NewTimeFrame(int(tf.Duration/time.Hour), marketdata.Hour)
	default:
		return marketdata.NewTimeFrame(int(tf.Duration/time.Minute), marketdata.Min)
	}
}

var _ CandleFetcher = (*Alpaca)(nil)
