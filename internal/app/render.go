package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"chart-signal-alerts/internal/config"
)

// Render fetches the configured window of a symbol and writes the chart the
// analyzer would see to a PNG file.
func (a *App) Render(ctx context.Context, opts RenderOptions) error {
	symbol := strings.ToUpper(strings.TrimSpace(opts.Symbol))
	if symbol == "" {
		return errors.New("--symbol must be provided")
	}
	if opts.PNGPath == "" {
		opts.PNGPath = symbol + ".png"
	}
	if err := a.Config.RequireCredentials(config.NeedMarket); err != nil {
		return err
	}

	fetch, err := a.newFetcher()
	if err != nil {
		return err
	}
	timeframe := a.Config.Market.Timeframe
	candles, err := fetch.FetchCandles(ctx, symbol, timeframe, a.Config.Market.Lookback)
	if err != nil {
		return fmt.Errorf("fetch candles: %w", err)
	}

	image, err := a.newRenderer().Render(candles, symbol, fmt.Sprintf("%s · %s", symbol, timeframe))
	if err != nil {
		return fmt.Errorf("render chart: %w", err)
	}

	if err := ensureDir(opts.PNGPath); err != nil {
		return err
	}
	if err := os.WriteFile(opts.PNGPath, image, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", opts.PNGPath, err)
	}

	a.Logger.Info().Str("symbol", symbol).Int("candles", len(candles)).Str("path", opts.PNGPath).Msg("chart written")
	return nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
