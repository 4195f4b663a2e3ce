package app

import (
	"context"
	"fmt"
	"io"
	"os"

	"chart-signal-alerts/internal/alerting"
	"chart-signal-alerts/internal/signal"
)

// Parse extracts a signal from a saved model reply. An empty path or "-"
// reads standard input.
func (a *App) Parse(_ context.Context, opts ParseOptions) error {
	var (
		raw []byte
		err error
	)
	if opts.Path == "" || opts.Path == "-" {
		raw, err = io.ReadAll(a.In)
	} else {
		raw, err = os.ReadFile(opts.Path)
	}
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}

	sig := signal.Parse(string(raw))
	if opts.JSON {
		return a.writePrettyJSON(sig)
	}
	fmt.Fprintln(a.Out, alerting.FormatSignal(alerting.SignalMessage{Signal: sig}))
	return nil
}
