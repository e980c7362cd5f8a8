package cmd

import (
	"github.com/spf13/cobra"

	"github.com/aosanya/apc/internal/ipc"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show coordinator, session, and pool status",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return request(ipc.ReqStatus, nil)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
