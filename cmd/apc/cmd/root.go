// Package cmd implements the apc CLI: a thin client mapping commands to
// the coordinator's IPC requests, plus the serve command that runs the
// coordinator itself. Exit codes: 0 success, 1 domain failure, 2
// transport failure.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/aosanya/apc/internal/ipc"
)

var (
	cfgFile   string
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:   "apc",
	Short: "Multi-agent planning-and-execution coordinator",
	Long: `apc drives a group of LLM-backed agents through planning and
implementation workflows: plan creation and revision, dependency-aware
task execution over a shared agent pool, and the agent completion
callback that joins agent subprocesses back to waiting workflows.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:7431",
		"base URL of the running coordinator's IPC endpoint")
}

func client() *ipc.Client {
	return ipc.NewClient(serverURL)
}

// request sends one IPC request and prints the response data as indented
// JSON. A Success=false response becomes a non-nil error so main exits 1.
func request(reqType string, payload interface{}) error {
	resp, err := client().Do(reqType, payload)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
	}
	return printJSON(resp.Data)
}

func printJSON(data interface{}) error {
	if data == nil {
		fmt.Println("ok")
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

// readFileArg reads a file path argument, with "-" meaning stdin.
func readFileArg(path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return string(data), nil
}
