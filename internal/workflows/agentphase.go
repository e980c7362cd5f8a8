// Package workflows implements the concrete workflow types as
// workflow.Impl values over the shared Runtime base.
package workflows

import (
	"fmt"
	"time"

	"github.com/aosanya/apc/internal/agentrunner"
	"github.com/aosanya/apc/internal/signalbus"
	"github.com/aosanya/apc/internal/workflow"
)

// DefaultAgentTimeout bounds how long a phase waits for its agent's
// completion signal before treating the phase as failed.
const DefaultAgentTimeout = 30 * time.Minute

// DefaultExitGrace is how long a phase keeps waiting for a completion
// signal after the agent subprocess has already exited. The callback
// normally lands before exit; the grace only covers a callback still in
// flight through the IPC layer.
const DefaultExitGrace = 2 * time.Second

// exitNotifier is the optional Runner extension reporting subprocess
// exit, letting a phase fail fast with ErrAgentNoCallback instead of
// riding out the full signal timeout against a dead process.
type exitNotifier interface {
	Done(agentName string) <-chan struct{}
}

// runAgentPhase requests an agent for roleID, starts it on prompt with the
// trailing completion-instruction block appended, and blocks until a
// matching signal arrives on stage (or the bus times out). It is the
// common agent round-trip every concrete workflow type's phases are built
// from.
func runAgentPhase(pctx *workflow.PhaseContext, roleID string, stage signalbus.Stage, taskID, prompt string) (*signalbus.Signal, error) {
	svc := pctx.Services
	agentName, err := svc.Agents.Request(pctx.Context, pctx.WorkflowID, roleID, pctx.Priority)
	if err != nil {
		return nil, workflow.WrapTransient(fmt.Errorf("requesting %s agent: %w", roleID, err))
	}
	pctx.Runtime.NoteAgent(agentName)
	defer func() {
		pctx.Runtime.ForgetAgent(agentName)
		_ = svc.Agents.Release(agentName)
	}()

	full := prompt
	if pctx.Continuation != "" {
		full = pctx.Continuation + "\n\n" + prompt
	}
	full += agentrunner.CompletionInstructionBlock(pctx.SessionID, pctx.WorkflowID, string(stage), taskID)

	if err := svc.AgentRunner.Start(pctx.Context, agentName, full); err != nil {
		return nil, workflow.WrapTransient(fmt.Errorf("starting agent %s: %w", agentName, err))
	}

	key := signalbus.Key{SessionID: pctx.SessionID, WorkflowID: pctx.WorkflowID, Stage: stage, TaskID: taskID}

	type waitResult struct {
		sig *signalbus.Signal
		err error
	}
	waitCh := make(chan waitResult, 1)
	go func() {
		sig, err := svc.Signals.Wait(pctx.Context, key, DefaultAgentTimeout)
		waitCh <- waitResult{sig: sig, err: err}
	}()

	// Runners that can observe subprocess exit let the phase fail fast
	// when the agent dies without calling back; a nil channel (runner
	// without exit reporting) never fires and leaves the plain wait path.
	var exited <-chan struct{}
	if n, ok := svc.AgentRunner.(exitNotifier); ok {
		exited = n.Done(agentName)
	}

	select {
	case res := <-waitCh:
		if res.err != nil {
			return nil, workflow.WrapTransient(fmt.Errorf("awaiting %s signal: %w", stage, res.err))
		}
		return res.sig, nil
	case <-exited:
	}

	// The subprocess is gone. Give a callback already in flight a moment
	// to land, then cancel the wait and fail distinctly: no process means
	// no signal is ever coming, so retrying the wait cannot help.
	grace := time.NewTimer(DefaultExitGrace)
	defer grace.Stop()
	select {
	case res := <-waitCh:
		if res.err != nil {
			return nil, workflow.WrapTransient(fmt.Errorf("awaiting %s signal: %w", stage, res.err))
		}
		return res.sig, nil
	case <-grace.C:
		svc.Signals.CancelPending(key)
		// Best-effort drain; if the wait had not registered yet, the
		// phase context's cancellation reaps the goroutine instead.
		select {
		case <-waitCh:
		case <-time.After(time.Second):
		}
		return nil, workflow.WrapPermanent(fmt.Errorf("agent %s, stage %s: %w", agentName, stage, workflow.ErrAgentNoCallback))
	}
}
