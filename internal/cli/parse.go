package cli

import (
	"github.com/spf13/cobra"

	"chart-signal-alerts/internal/app"
)

var parseJSON bool

var parseCmd = &cobra.Command{
	Use:   "parse [file|-]",
	Short: "Extract a signal from a saved model reply",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ParseOptions{JSON: parseJSON}
		if len(args) == 1 {
			opts.Path = args[0]
		}
		return getApp().Parse(cmd.Context(), opts)
	},
}

func init() {
	parseCmd.Flags().BoolVar(&parseJSON, "json", false, "Print the signal as JSON")
}
