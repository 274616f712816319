package cli

import (
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print registry statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Stats(cmd.Context(), cmd.OutOrStdout())
	},
}
