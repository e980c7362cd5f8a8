package cmd

import (
	"github.com/spf13/cobra"

	"github.com/aosanya/apc/internal/ipc"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Create, approve, and revise plans",
}

var planSession string

var planNewCmd = &cobra.Command{
	Use:   "new <requirement>",
	Short: "Start a planning workflow from a requirement text",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return request(ipc.ReqPlanCreate, map[string]string{
			"sessionId":   planSession,
			"requirement": args[0],
		})
	},
}

var planApproveCmd = &cobra.Command{
	Use:   "approve <plan-file>",
	Short: "Validate and stage the approved plan's tasks (use - for stdin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		content, err := readFileArg(args[0])
		if err != nil {
			return err
		}
		return request(ipc.ReqPlanApprove, map[string]string{
			"sessionId":   planSession,
			"planContent": content,
		})
	},
}

var planReviseCmd = &cobra.Command{
	Use:   "revise <revision-text>",
	Short: "Start a blocking revision workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return request(ipc.ReqPlanRevise, map[string]string{
			"sessionId":    planSession,
			"revisionText": args[0],
		})
	},
}

var planCancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel the session's planning workflows",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return request(ipc.ReqPlanCancel, map[string]string{"sessionId": planSession})
	},
}

var planRestartCmd = &cobra.Command{
	Use:   "restart <requirement>",
	Short: "Restart planning from scratch",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return request(ipc.ReqPlanRestart, map[string]string{
			"sessionId":   planSession,
			"requirement": args[0],
		})
	},
}

func init() {
	rootCmd.AddCommand(planCmd)
	planCmd.PersistentFlags().StringVarP(&planSession, "session", "s", "", "session id (required)")
	_ = planCmd.MarkPersistentFlagRequired("session")
	planCmd.AddCommand(planNewCmd, planApproveCmd, planReviseCmd, planCancelCmd, planRestartCmd)
}
