package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const yahooChartPath = "/v8/finance/chart/"

// YahooOptions parameterise the Yahoo chart fetcher.
type YahooOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Yahoo fetches candles from the Yahoo Finance v8 chart API.
type Yahoo struct {
	opts    YahooOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewYahoo constructs a Yahoo chart fetcher.
func NewYahoo(opts YahooOptions, logger zerolog.Logger) *Yahoo {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://query1.finance.yahoo.com"
	}

	return &Yahoo{
		opts:    opts,
		logger:  logger.With().Str("component", "yahoo_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// FetchCandles retrieves up to limit candles of the given timeframe.
func (y *Yahoo) FetchCandles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	tf, err := ParseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("interval", tf.yahooInterval())
	params.Set("range", tf.yahooRange(limit))
	params.Set("includePrePost", "false")
	endpoint := y.baseURL + yahooChartPath + url.PathEscape(symbol) + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(y.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36")
	}

	resp, err := y.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch chart %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseYahooError(resp.StatusCode, payload)
	}

	var chart chartResponse
	if err := json.Unmarshal(payload, &chart); err != nil {
		return nil, fmt.Errorf("decode chart %s: %w", symbol, err)
	}
	if chart.Chart.Error != nil {
		return nil, fmt.Errorf("yahoo api error: %s", chart.Chart.Error.describe())
	}
	if len(chart.Chart.Result) == 0 || len(chart.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, fmt.Errorf("%s %s: %w", symbol, tf.Label, ErrNoData)
	}

	candles := chart.Chart.Result[0].candles()
	if len(candles) == 0 {
		return nil, fmt.Errorf("%s %s: %w", symbol, tf.Label, ErrNoData)
	}

	candles = tail(candles, limit)
	y.logger.Debug().Str("symbol", symbol).Str("timeframe", tf.Label).Int("candles", len(candles)).Msg("chart fetched")
	return candles, nil
}

type chartResponse struct {
	Chart struct {
		Result []chartResult `json:"result"`
		Error  *chartError   `json:"error"`
	} `json:"chart"`
}

type chartResult struct {
	Timestamp  []int64 `json:"timestamp"`
	Indicators struct {
		Quote []struct {
			Open   []*float64 `json:"open"`
			High   []*float64 `json:"high"`
			Low    []*float64 `json:"low"`
			Close  []*float64 `json:"close"`
			Volume []*int64   `json:"volume"`
		} `json:"quote"`
	} `json:"indicators"`
}

type chartError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

func (e *chartError) describe() string {
	if e.Description != "" {
		return e.Description
	}
	return e.Code
}

// candles drops bars with a null price, which Yahoo emits for halted periods.
func (r chartResult) candles() []Candle {
	quote := r.Indicators.Quote[0]
	out := make([]Candle, 0, len(r.Timestamp))
	for i, ts := range r.Timestamp {
		open, ok1 := at(quote.Open, i)
		high, ok2 := at(quote.High, i)
		low, ok3 := at(quote.Low, i)
		closePrice, ok4 := at(quote.Close, i)
		if !ok1 || !ok2 || !ok3 || !ok4 {
			continue
		}
		var volume int64
		if i < len(quote.Volume) && quote.Volume[i] != nil {
			volume = *quote.Volume[i]
		}
		out = append(out, Candle{
			Time:   time.Unix(ts, 0).UTC(),
			Open:   decimal.NewFromFloat(open),
			High:   decimal.NewFromFloat(high),
			Low:    decimal.NewFromFloat(low),
			Close:  decimal.NewFromFloat(closePrice),
			Volume: volume,
		})
	}
	return out
}

func at(values []*float64, i int) (float64, bool) {
	if i >= len(values) || values[i] == nil {
		return 0, false
	}
	return *values[i], true
}

func parseYahooError(status int, payload []byte) error {
	var apiErr chartResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Chart.Error != nil {
		return fmt.Errorf("yahoo api error (%d): %s", status, apiErr.Chart.Error.describe())
	}
	if len(payload) > 0 {
		return fmt.Errorf("yahoo api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("yahoo api error (%d)", status)
}

var _ CandleFetcher = (*Yahoo)(nil)
