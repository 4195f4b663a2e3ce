package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/pretty"

	"chart-signal-alerts/internal/alerting"
	"chart-signal-alerts/internal/config"
	"chart-signal-alerts/internal/service"
)

// Analyze runs one symbol through the full pipeline once, outside the
// polling loop. With DryRun the signal is printed instead of delivered.
func (a *App) Analyze(ctx context.Context, opts AnalyzeOptions) error {
	symbol := strings.ToUpper(strings.TrimSpace(opts.Symbol))
	if symbol == "" {
		return errors.New("--symbol must be provided")
	}

	need := config.NeedAnalyzer | config.NeedMarket
	if !opts.DryRun {
		need |= config.NeedTelegram
	}
	if err := a.Config.RequireCredentials(need); err != nil {
		return err
	}

	p, err := a.buildPipeline(ctx, opts.DryRun)
	if err != nil {
		return err
	}
	defer p.close()

	res := p.svc.ProcessSymbol(ctx, symbol)
	if err := a.printCycle(res, opts.JSON); err != nil {
		return err
	}

	switch res.Stage {
	case service.StageFetch, service.StageRender, service.StageAnalyze, service.StageDeliverFailed:
		return fmt.Errorf("%s: %s failed: %w", symbol, res.Stage, res.Err)
	}
	return nil
}

func (a *App) printCycle(res service.PollCycleResult, asJSON bool) error {
	if asJSON {
		return a.writePrettyJSON(res)
	}

	fmt.Fprintf(a.Out, "symbol: %s\nstage: %s\n", res.Symbol, res.Stage)
	if res.Error != "" {
		fmt.Fprintf(a.Out, "error: %s\n", res.Error)
	}
	if res.Signal != nil {
		fmt.Fprintln(a.Out)
		fmt.Fprintln(a.Out, alerting.FormatSignal(alerting.SignalMessage{
			Symbol:    res.Symbol,
			Timeframe: a.Config.Market.Timeframe,
			Model:     a.Config.Analyzer.Model,
			Signal:    *res.Signal,
		}))
	} else if res.Reply != "" {
		fmt.Fprintln(a.Out)
		fmt.Fprintln(a.Out, alerting.FormatFailure(res.Symbol, a.Config.Analyzer.Model, res.Reply))
	}
	return nil
}

func (a *App) writePrettyJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	_, err = a.Out.Write(pretty.Pretty(data))
	return err
}
