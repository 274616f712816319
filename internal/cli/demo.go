package cli

import (
	"github.com/spf13/cobra"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Send a sample of every notification to the admin chat",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Demo(cmd.Context())
	},
}
