package cli

import (
	"github.com/spf13/cobra"
)

var decodeCmd = &cobra.Command{
	Use:   "decode <tx-hash>",
	Short: "Decode the Uniswap execution price of a transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Decode(cmd.Context(), args[0])
	},
}
