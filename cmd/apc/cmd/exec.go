package cmd

import (
	"github.com/spf13/cobra"

	"github.com/aosanya/apc/internal/ipc"
)

var execCmd = &cobra.Command{
	Use:   "exec",
	Short: "Start and control plan execution",
}

var execSession string

var execStartCmd = &cobra.Command{
	Use:   "start <plan-file>",
	Short: "Dispatch task workflows from the session's plan (use - for stdin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		content, err := readFileArg(args[0])
		if err != nil {
			return err
		}
		return request(ipc.ReqExecStart, map[string]string{
			"sessionId":   execSession,
			"planContent": content,
		})
	},
}

var execPauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause every workflow in the session",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return request(ipc.ReqExecPause, map[string]string{"sessionId": execSession})
	},
}

var execResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume every paused workflow in the session",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return request(ipc.ReqExecResume, map[string]string{"sessionId": execSession})
	},
}

var execStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the session's execution",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return request(ipc.ReqExecStop, map[string]string{"sessionId": execSession})
	},
}

var execStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the session's workflow states",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return request(ipc.ReqExecStatus, map[string]string{"sessionId": execSession})
	},
}

func init() {
	rootCmd.AddCommand(execCmd)
	execCmd.PersistentFlags().StringVarP(&execSession, "session", "s", "", "session id (required)")
	_ = execCmd.MarkPersistentFlagRequired("session")
	execCmd.AddCommand(execStartCmd, execPauseCmd, execResumeCmd, execStopCmd, execStatusCmd)
}
