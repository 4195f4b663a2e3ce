package cli

import (
	"github.com/spf13/cobra"

	"chart-signal-alerts/internal/app"
)

var renderOpts app.RenderOptions

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Write the chart of a symbol to a PNG file",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Render(cmd.Context(), renderOpts)
	},
}

func init() {
	renderCmd.Flags().StringVar(&renderOpts.Symbol, "symbol", "", "Ticker to render")
	renderCmd.Flags().StringVar(&renderOpts.PNGPath, "png", "", "Output path (default <SYMBOL>.png)")
	_ = renderCmd.MarkFlagRequired("symbol")
}
