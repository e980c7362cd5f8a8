package cmd

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/aosanya/apc/internal/ipc"
)

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Inspect and resize the agent pool",
}

var poolStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pool occupancy",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return request(ipc.ReqPoolStatus, nil)
	},
}

var poolResizeCmd = &cobra.Command{
	Use:   "resize <n>",
	Short: "Resize the pool to n agents (1-20)",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return err
		}
		return request(ipc.ReqPoolResize, map[string]int{"size": n})
	},
}

func init() {
	rootCmd.AddCommand(poolCmd)
	poolCmd.AddCommand(poolStatusCmd, poolResizeCmd)
}
