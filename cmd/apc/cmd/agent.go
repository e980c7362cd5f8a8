package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aosanya/apc/internal/ipc"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Agent subprocess callbacks",
}

var (
	agentSession  string
	agentWorkflow string
	agentStage    string
	agentTask     string
	agentResult   string
	agentData     string
)

// agentCompleteCmd is the command every agent subprocess is instructed to
// invoke when it finishes a stage.
// A call that fails in transport is attempted up to 3 times in total,
// 2 seconds apart, matching
// the instruction block's contract, since the agent process exits right
// after this call and has no other way to re-deliver.
var agentCompleteCmd = &cobra.Command{
	Use:   "complete",
	Short: "Deliver a stage completion signal to the coordinator",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		payload := map[string]interface{}{
			"sessionId":  agentSession,
			"workflowId": agentWorkflow,
			"stage":      agentStage,
			"result":     agentResult,
		}
		if agentTask != "" {
			payload["taskId"] = agentTask
		}
		if agentData != "" {
			var data interface{}
			if err := json.Unmarshal([]byte(agentData), &data); err != nil {
				return fmt.Errorf("--data is not valid JSON: %w", err)
			}
			payload["data"] = data
		}

		var lastErr error
		for attempt := 1; attempt <= 3; attempt++ {
			lastErr = request(ipc.ReqAgentComplete, payload)
			var te *ipc.TransportError
			if lastErr == nil || !errors.As(lastErr, &te) {
				return lastErr
			}
			if attempt < 3 {
				time.Sleep(2 * time.Second)
			}
		}
		return lastErr
	},
}

func init() {
	rootCmd.AddCommand(agentCmd)
	agentCmd.AddCommand(agentCompleteCmd)

	agentCompleteCmd.Flags().StringVar(&agentSession, "session", "", "session id")
	agentCompleteCmd.Flags().StringVar(&agentWorkflow, "workflow", "", "workflow id")
	agentCompleteCmd.Flags().StringVar(&agentStage, "stage", "", "stage name")
	agentCompleteCmd.Flags().StringVar(&agentTask, "task", "", "task id (optional)")
	agentCompleteCmd.Flags().StringVar(&agentResult, "result", "", "stage-specific result code")
	agentCompleteCmd.Flags().StringVar(&agentData, "data", "", "JSON payload (optional)")
	for _, name := range []string{"session", "workflow", "stage", "result"} {
		_ = agentCompleteCmd.MarkFlagRequired(name)
	}
}
