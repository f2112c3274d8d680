package cli

import (
	"github.com/spf13/cobra"
)

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Print fee totals and the current ETH price",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Summary(cmd.Context())
	},
}
