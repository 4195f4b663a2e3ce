package cli

import (
	"github.com/spf13/cobra"

	"chart-signal-alerts/internal/app"
)

var analyzeOpts app.AnalyzeOptions

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze one symbol once and deliver the signal",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Analyze(cmd.Context(), analyzeOpts)
	},
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeOpts.Symbol, "symbol", "", "Ticker to analyze")
	analyzeCmd.Flags().BoolVar(&analyzeOpts.DryRun, "dry-run", false, "Print the signal instead of sending it")
	analyzeCmd.Flags().BoolVar(&analyzeOpts.JSON, "json", false, "Print the cycle result as JSON")
	_ = analyzeCmd.MarkFlagRequired("symbol")
}
