package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"chart-signal-alerts/internal/app"
)

var usageOpts app.UsageOptions

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Display analyzer quota usage and recent requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		if usageOpts.Limit < 0 {
			return fmt.Errorf("--limit cannot be negative")
		}
		return getApp().Usage(cmd.Context(), usageOpts)
	},
}

func init() {
	usageCmd.Flags().IntVar(&usageOpts.Limit, "limit", 5, "Number of recent requests to display")
	usageCmd.Flags().BoolVar(&usageOpts.JSON, "json", false, "Print the report as JSON")
}
