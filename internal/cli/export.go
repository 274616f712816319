package cli

import (
	"github.com/spf13/cobra"

	"github.com/maxphoton/PiggyBank/internal/app"
)

var (
	exportDir    string
	exportTables []string
	exportChart  string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export registry tables as CSV files",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Export(cmd.Context(), app.ExportOptions{
			Dir:       exportDir,
			Tables:    exportTables,
			ChartPath: exportChart,
		})
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportDir, "dir", "", "Output directory (defaults to export.dir)")
	exportCmd.Flags().StringSliceVar(&exportTables, "tables", nil, "Tables to export (defaults to users,user_subscriptions)")
	exportCmd.Flags().StringVar(&exportChart, "chart", "", "Also render the top-subscribed assets as a PNG bar chart")
}
