// Package agentrunner is a thin process supervisor for the external agent
// CLI: it satisfies workflow.Runner by starting a prompt against a named
// agent and killing it on forced pause, with PID-tracked, process-group
// killable subprocesses.
package agentrunner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

// Runner launches the external agent CLI named by command (e.g. a wrapper
// script that forwards the prompt to whatever model backs a given agent
// name) and tracks the resulting process so Kill can stop it later and
// Done can report its exit. It satisfies workflow.Runner.
type Runner struct {
	command string   // executable to invoke
	baseArg []string // fixed leading arguments
	logDir  string

	mu        sync.Mutex
	processes map[string]*trackedProcess
}

// trackedProcess pairs a running subprocess with the channel closed on
// its exit, consumed by Done.
type trackedProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// New creates a Runner that invokes
// command(baseArgs..., "--agent", agentName, "--prompt", prompt)
// for each Start call, logging subprocess output under logDir.
func New(command string, baseArgs []string, logDir string) *Runner {
	return &Runner{
		command:   command,
		baseArg:   baseArgs,
		logDir:    logDir,
		processes: make(map[string]*trackedProcess),
	}
}

// Start launches the agent subprocess for agentName with prompt. It
// returns once the process has started; completion is reported later
// out-of-band via the Completion-Signal Bus, not via this call.
func (r *Runner) Start(ctx context.Context, agentName, prompt string) error {
	args := append(append([]string(nil), r.baseArg...), "--agent", agentName, "--prompt", prompt)
	cmd := exec.CommandContext(ctx, r.command, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if r.logDir != "" {
		if err := os.MkdirAll(r.logDir, 0o755); err != nil {
			return fmt.Errorf("create agent log dir: %w", err)
		}
		logPath := filepath.Join(r.logDir, fmt.Sprintf("%s-%d.log", agentName, time.Now().UnixNano()))
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open agent log file: %w", err)
		}
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start agent %s: %w", agentName, err)
	}

	p := &trackedProcess{cmd: cmd, done: make(chan struct{})}
	r.mu.Lock()
	r.processes[agentName] = p
	r.mu.Unlock()

	go func() {
		_ = cmd.Wait()
		close(p.done)
		r.mu.Lock()
		if r.processes[agentName] == p {
			delete(r.processes, agentName)
		}
		r.mu.Unlock()
	}()

	log.WithFields(log.Fields{"agent": agentName, "pid": cmd.Process.Pid}).Info("agent subprocess started")
	return nil
}

// Kill sends SIGTERM to agentName's process group, if one is running.
func (r *Runner) Kill(ctx context.Context, agentName string) error {
	r.mu.Lock()
	p, ok := r.processes[agentName]
	r.mu.Unlock()
	if !ok || p.cmd.Process == nil {
		return nil
	}
	pgid, err := syscall.Getpgid(p.cmd.Process.Pid)
	if err != nil {
		return p.cmd.Process.Kill()
	}
	return syscall.Kill(-pgid, syscall.SIGTERM)
}

// Done returns a channel closed when agentName's current subprocess
// exits. An agent with no running subprocess (never started, or already
// exited and reaped) gets an immediately closed channel, so callers see
// "gone" either way.
func (r *Runner) Done(agentName string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.processes[agentName]; ok {
		return p.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// CompletionInstructionBlock builds the trailing instruction text every
// agent prompt must carry,
// language-agnostic on the agent's side: it just tells the agent which
// shell command to run once it finishes.
func CompletionInstructionBlock(sessionID, workflowID, stage, taskID string) string {
	cmd := fmt.Sprintf("apc agent complete --session %s --workflow %s --stage %s", sessionID, workflowID, stage)
	if taskID != "" {
		cmd += fmt.Sprintf(" --task %s", taskID)
	}
	cmd += " --result <RESULT_CODE> --data <JSON_PAYLOAD>"
	return fmt.Sprintf(
		"\n\nWhen you are finished, signal completion by running exactly:\n\n    %s\n\n"+
			"RESULT_CODE must be one of: success, failed, critical, minor, pass. "+
			"JSON_PAYLOAD is a compact JSON object with any structured result data.",
		cmd,
	)
}
