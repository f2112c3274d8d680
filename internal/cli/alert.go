package cli

import (
	"github.com/spf13/cobra"
)

var alertTestCmd = &cobra.Command{
	Use:   "alert-test",
	Short: "Send a sample poller-failure alert through the configured channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SendTestAlert(cmd.Context())
	},
}
