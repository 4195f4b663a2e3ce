package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"chart-signal-alerts/internal/alerting"
	"chart-signal-alerts/internal/quota"
)

type usageReport struct {
	Usage     []quota.Usage `json:"usage"`
	Stats     quota.Stats   `json:"stats"`
	LastReset *time.Time    `json:"last_reset,omitempty"`
}

// Usage prints the quota window and the request statistics.
func (a *App) Usage(ctx context.Context, opts UsageOptions) error {
	store, _, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	tracker := a.newTracker(ctx, store)
	if _, err := tracker.RollOver(ctx, a.Config.Analyzer.Provider); err != nil {
		a.Logger.Warn().Err(err).Msg("quota reset not persisted")
	}
	now := tracker.Now()

	report := usageReport{Stats: tracker.Stats(opts.Limit)}
	for _, p := range tracker.Providers() {
		report.Usage = append(report.Usage, tracker.Usage(p, now))
	}
	if at, ok := tracker.LastReset(); ok {
		report.LastReset = &at
	}

	if opts.JSON {
		return a.writePrettyJSON(report)
	}

	fmt.Fprintln(a.Out, alerting.FormatStats(report.Stats, tracker.Limits, tracker.Location()))
	fmt.Fprintln(a.Out)

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Provider\tUsed\tLimit\tPeriod\tUsage%\tWindow start")
	for _, u := range report.Usage {
		limit := u.DailyLimit
		if u.Period == quota.PeriodMonth {
			limit = u.MonthlyLimit
		}
		fmt.Fprintf(writer, "%s\t%d\t%d\t%s\t%.1f\t%s\n",
			sanitizeInline(u.Provider),
			u.Used,
			limit,
			u.Period,
			u.Percent(),
			u.WindowStart.Format("2006-01-02 MST"),
		)
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	if report.LastReset != nil {
		fmt.Fprintf(a.Out, "\nlast reset: %s\n", report.LastReset.In(tracker.Location()).Format(time.RFC3339))
	} else {
		fmt.Fprintln(a.Out, "\nlast reset: never")
	}
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
