package workflow

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aosanya/apc/internal/eventbus"
)

// PauseKind distinguishes a cooperative pause (requested between phases,
// the current phase is allowed to finish) from a forced pause (the running
// agent is killed mid-phase).
type PauseKind int

const (
	pauseNone PauseKind = iota
	PauseCooperative
	PauseForced
)

// PhaseContext is handed to Impl.Execute for one phase invocation. It
// carries the Runtime's identity fields an Impl needs without exposing the
// Runtime's internal locking.
type PhaseContext struct {
	Context context.Context
	// Runtime gives the Impl access to the few Runtime operations phases
	// legitimately need: NoteAgent/ForgetAgent bookkeeping, NoteContinuation,
	// IterationCount and RecordFileModified.
	Runtime    *Runtime
	Services   *Services
	SessionID  string
	WorkflowID string
	Priority   int
	Input      interface{}
	PhaseIndex int
	PhaseName  string
	// Continuation is the best-effort text captured from a prior forced
	// pause of this same phase, if any. Empty on a fresh or cooperatively-resumed phase.
	Continuation string
}

// PersistedState is the Coordinator-facing snapshot of a Runtime. The Coordinator owns turning this into an
// atomic file write; Runtime only knows how to produce and restore it.
type PersistedState struct {
	ID                 string
	Type               string
	SessionID          string
	Status             Status
	PhaseIndex         int
	PhaseName          string
	PartialOutput      interface{}
	FilesModifiedSoFar []string
}

// Runtime is the phase-sequence state machine shared by every workflow
// type.
type Runtime struct {
	ID         string
	Type       string
	SessionID  string
	Priority   int
	Input      interface{}
	LogPath    string

	impl   Impl
	phases []string
	retry  RetryPolicy
	svc    *Services

	mu               sync.Mutex
	status           Status
	phaseIndex       int
	pauseKind        PauseKind
	phaseCancel      context.CancelFunc // interrupts the running phase on forced pause
	cancelCh         chan struct{}
	cancelled        bool
	attempts         map[int]int    // phaseIndex -> attempts made this entry
	iterations       map[string]int // phase name -> times rewound-to
	continuation     map[string]string
	allocated        map[string]struct{} // agent names currently held, non-benched
	filesModified    []string
}

// New constructs a Runtime in StatusPending, ready for its first Run.
func New(id, wfType, sessionID string, priority int, input interface{}, impl Impl, svc *Services, retry RetryPolicy, logPath string) *Runtime {
	return &Runtime{
		ID:           id,
		Type:         wfType,
		SessionID:    sessionID,
		Priority:     priority,
		Input:        input,
		LogPath:      logPath,
		impl:         impl,
		phases:       impl.Phases(),
		retry:        retry,
		svc:          svc,
		status:       StatusPending,
		cancelCh:     make(chan struct{}),
		attempts:     make(map[int]int),
		iterations:   make(map[string]int),
		continuation: make(map[string]string),
		allocated:    make(map[string]struct{}),
	}
}

// Status returns the current status.
func (r *Runtime) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// PhaseIndex returns the current phase pointer.
func (r *Runtime) PhaseIndex() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phaseIndex
}

// Run drives the phase loop to completion, pause, or cancellation. It
// returns when the workflow reaches a terminal status or is paused; the
// Coordinator is responsible for re-invoking Run after a resume.
func (r *Runtime) Run(ctx context.Context) error {
	r.mu.Lock()
	r.status = StatusRunning
	r.mu.Unlock()

	for {
		r.mu.Lock()
		if r.cancelled {
			r.status = StatusCancelled
			r.mu.Unlock()
			r.emitProgress("cancelled")
			return nil
		}
		if r.phaseIndex >= len(r.phases) {
			r.status = StatusCompleted
			r.mu.Unlock()
			r.emitComplete(true, "")
			return nil
		}
		phaseName := r.phases[r.phaseIndex]
		idx := r.phaseIndex
		continuation := r.continuation[phaseName]
		r.mu.Unlock()

		r.log(fmt.Sprintf("entering phase %q (index %d)", phaseName, idx))
		r.emitProgress(fmt.Sprintf("running %s", phaseName))

		outcome, err := r.executePhaseWithRetry(ctx, idx, phaseName, continuation)

		select {
		case <-r.cancelSignal():
			r.mu.Lock()
			r.status = StatusCancelled
			r.mu.Unlock()
			r.emitProgress("cancelled")
			return nil
		default:
		}

		r.mu.Lock()
		pausePending := r.pauseKind != pauseNone
		r.mu.Unlock()

		if err != nil {
			// A pending pause wins over a phase error: a forced pause
			// cancels the phase's context mid-wait, and that interruption
			// must read as suspension, not failure. The interrupted phase
			// re-runs from the top on resume.
			if pausePending {
				r.suspend(ctx)
				return nil
			}
			if isCancelledErr(err) {
				r.mu.Lock()
				r.status = StatusCancelled
				r.mu.Unlock()
				r.emitProgress("cancelled")
				return nil
			}
			r.mu.Lock()
			r.status = StatusFailed
			r.mu.Unlock()
			r.emitComplete(false, err.Error())
			return err
		}

		// Apply the phase's directive before honoring a cooperative pause,
		// so the pointer rests on the NEXT phase boundary and resume does
		// not re-run a phase that already finished.
		rewound := false
		r.mu.Lock()
		switch outcome.Directive {
		case DirectiveAdvance:
			r.phaseIndex = idx + 1
		case DirectiveRewind:
			r.iterations[outcome.RewindToPhase]++
			iteration := r.iterations[outcome.RewindToPhase]
			target := r.indexOfPhase(outcome.RewindToPhase)
			if target < 0 {
				target = 0
			}
			r.phaseIndex = target
			rewound = true
			r.mu.Unlock()
			r.log(fmt.Sprintf("looping back to phase %q (iteration %d)", outcome.RewindToPhase, iteration))
			r.emitProgress(fmt.Sprintf("looping back to %s", outcome.RewindToPhase))
		}
		if !rewound {
			r.mu.Unlock()
		}

		if pausePending {
			r.suspend(ctx)
			return nil
		}
	}
}

// suspend moves the workflow to paused, releasing occupancy and
// non-benched agents so the coordinator can reassign them.
func (r *Runtime) suspend(ctx context.Context) {
	r.mu.Lock()
	r.status = StatusPaused
	paused := r.pauseKind
	r.mu.Unlock()
	r.releaseOnPause(ctx, paused)
	r.emitProgress("paused")
}

func (r *Runtime) indexOfPhase(name string) int {
	for i, p := range r.phases {
		if p == name {
			return i
		}
	}
	return -1
}

// executePhaseWithRetry wraps impl.Execute with the retry-with-backoff
// loop. A TransientError is retried up to retry.MaxAttempts
// with exponential backoff and jitter; a PermanentError (or any error not
// explicitly classified transient) fails the phase immediately, since
// silently retrying an unclassified error risks masking a programmer bug.
func (r *Runtime) executePhaseWithRetry(ctx context.Context, idx int, phaseName, continuation string) (PhaseResult, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		phaseCtx, cancelPhase := context.WithCancel(ctx)
		r.mu.Lock()
		if r.pauseKind != pauseNone {
			// A pause arrived between attempts (e.g. during a backoff
			// sleep); do not start another attempt under it.
			r.mu.Unlock()
			cancelPhase()
			return PhaseResult{}, WrapTransient(fmt.Errorf("phase %q interrupted by pause", phaseName))
		}
		r.attempts[idx] = attempt
		r.phaseCancel = cancelPhase
		r.mu.Unlock()

		pctx := &PhaseContext{
			Context:      phaseCtx,
			Runtime:      r,
			Services:     r.svc,
			SessionID:    r.SessionID,
			WorkflowID:   r.ID,
			Priority:     r.Priority,
			Input:        r.Input,
			PhaseIndex:   idx,
			PhaseName:    phaseName,
			Continuation: continuation,
		}
		outcome, err := r.impl.Execute(pctx)
		r.mu.Lock()
		r.phaseCancel = nil
		pausing := r.pauseKind != pauseNone
		r.mu.Unlock()
		cancelPhase()

		if err == nil {
			return outcome, nil
		}
		lastErr = err

		if pausing {
			// The failure is (or is about to be superseded by) a pause;
			// hand it back without burning retry attempts.
			return PhaseResult{}, err
		}
		if isCancelledErr(err) {
			return PhaseResult{}, err
		}
		if !isTransient(err) {
			return PhaseResult{}, err
		}
		if attempt >= r.retry.MaxAttempts {
			return PhaseResult{}, fmt.Errorf("phase %q: %w: %v", phaseName, ErrRetryCapExceeded, lastErr)
		}

		delay := backoffDelay(r.retry, attempt)
		r.log(fmt.Sprintf("phase %q attempt %d failed transiently, retrying in %s: %v", phaseName, attempt, delay, err))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return PhaseResult{}, WrapCancelled(ctx.Err())
		case <-r.cancelSignal():
			return PhaseResult{}, WrapCancelled(fmt.Errorf("workflow cancelled"))
		}
	}
}

func backoffDelay(p RetryPolicy, attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > p.Cap {
			d = p.Cap
			break
		}
	}
	if p.Jitter > 0 {
		j := 1 + (rand.Float64()*2-1)*p.Jitter
		d = time.Duration(float64(d) * j)
	}
	return d
}

// Pause requests a pause. Cooperative pauses take effect once the current
// phase returns; forced pauses additionally kill the agent running that
// phase right away.
func (r *Runtime) Pause(ctx context.Context, forced bool) {
	r.mu.Lock()
	kind := PauseCooperative
	if forced {
		kind = PauseForced
	}
	r.pauseKind = kind
	cancelPhase := r.phaseCancel
	allocated := make([]string, 0, len(r.allocated))
	for name := range r.allocated {
		allocated = append(allocated, name)
	}
	r.mu.Unlock()

	if forced && cancelPhase != nil {
		cancelPhase()
	}
	if forced {
		for _, name := range allocated {
			if r.svc != nil && r.svc.AgentRunner != nil {
				if err := r.svc.AgentRunner.Kill(ctx, name); err != nil {
					log.WithFields(log.Fields{"workflow_id": r.ID, "agent": name, "err": err}).
						Warn("failed to kill agent on forced pause")
				}
			}
		}
	}
}

// releaseOnPause releases task occupancy and non-benched agents on pause,
// regardless of pause kind.
func (r *Runtime) releaseOnPause(ctx context.Context, kind PauseKind) {
	if r.svc == nil {
		return
	}
	if r.svc.Occupancy != nil {
		r.svc.Occupancy.ReleaseOccupancy(r.ID, nil)
	}
	r.mu.Lock()
	names := make([]string, 0, len(r.allocated))
	for name := range r.allocated {
		names = append(names, name)
	}
	r.allocated = make(map[string]struct{})
	r.mu.Unlock()

	for _, name := range names {
		if r.svc.Agents != nil {
			if err := r.svc.Agents.Release(name); err != nil {
				log.WithFields(log.Fields{"workflow_id": r.ID, "agent": name, "err": err}).
					Warn("failed to release agent on pause")
			}
		}
	}
}

// Resume clears a pending pause. A paused Run has already returned, so
// the Coordinator calls Run again after Resume; Resume itself only clears
// state so the next Run proceeds.
func (r *Runtime) Resume() {
	r.mu.Lock()
	r.pauseKind = pauseNone
	if r.status == StatusPaused {
		r.status = StatusRunning
	}
	r.mu.Unlock()
}

// Cancel stops the workflow at the next safe point.
func (r *Runtime) Cancel() {
	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return
	}
	r.cancelled = true
	r.mu.Unlock()
	close(r.cancelCh)
}

func (r *Runtime) cancelSignal() <-chan struct{} {
	return r.cancelCh
}

// NoteAgent records that the workflow currently holds a non-benched agent,
// so a pause knows to release it (called by Impl.Execute after a
// successful agent.Pool.Request/TryRequest).
func (r *Runtime) NoteAgent(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allocated[name] = struct{}{}
}

// ForgetAgent records that the workflow has released or benched name.
func (r *Runtime) ForgetAgent(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.allocated, name)
}

// NoteContinuation stores best-effort extracted text for phaseName,
// prefixed onto that phase's next prompt after a forced pause.
func (r *Runtime) NoteContinuation(phaseName, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.continuation[phaseName] = text
}

// IterationCount reports how many times phaseName has been rewound to,
// for workflow types enforcing their own iteration cap.
func (r *Runtime) IterationCount(phaseName string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.iterations[phaseName]
}

// Snapshot returns the Coordinator-facing persisted state.
func (r *Runtime) Snapshot() PersistedState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var phaseName string
	if r.phaseIndex >= 0 && r.phaseIndex < len(r.phases) {
		phaseName = r.phases[r.phaseIndex]
	}
	var output interface{}
	if r.impl != nil {
		output = r.impl.Output()
	}
	return PersistedState{
		ID:                 r.ID,
		Type:               r.Type,
		SessionID:          r.SessionID,
		Status:             r.status,
		PhaseIndex:         r.phaseIndex,
		PhaseName:          phaseName,
		PartialOutput:      output,
		FilesModifiedSoFar: append([]string(nil), r.filesModified...),
	}
}

// Restore reinstates a Runtime from a prior PersistedState after a crash:
// non-terminal workflows come back paused.
func (r *Runtime) Restore(state PersistedState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phaseIndex = state.PhaseIndex
	r.filesModified = append([]string(nil), state.FilesModifiedSoFar...)
	if state.Status.Terminal() {
		r.status = state.Status
		return
	}
	r.status = StatusPaused
	r.pauseKind = PauseCooperative
}

// RecordFileModified appends a file path to the workflow's modified-files
// trail, surfaced in PersistedState for crash recovery bookkeeping.
func (r *Runtime) RecordFileModified(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filesModified = append(r.filesModified, path)
}

func (r *Runtime) emitProgress(message string) {
	if r.svc == nil || r.svc.Events == nil {
		return
	}
	r.mu.Lock()
	total := len(r.phases)
	idx := r.phaseIndex
	var phaseName string
	if idx >= 0 && idx < total {
		phaseName = r.phases[idx]
	}
	status := r.status
	r.mu.Unlock()

	pct := 0.0
	if total > 0 {
		pct = float64(idx) / float64(total) * 100
	}
	r.svc.Events.Fire(eventbus.Event{
		Topic: eventbus.TopicWorkflowProgress,
		Payload: eventbus.WorkflowProgress{
			WorkflowID: r.ID,
			Type:       r.Type,
			Status:     string(status),
			Phase:      phaseName,
			PhaseIndex: idx,
			TotalPhase: total,
			Percentage: pct,
			Message:    message,
			LogPath:    r.LogPath,
		},
	})
}

func (r *Runtime) emitComplete(success bool, errMsg string) {
	if r.svc == nil || r.svc.Events == nil {
		return
	}
	r.svc.Events.Fire(eventbus.Event{
		Topic: eventbus.TopicWorkflowComplete,
		Payload: eventbus.WorkflowComplete{
			WorkflowID: r.ID,
			SessionID:  r.SessionID,
			Success:    success,
			Error:      errMsg,
		},
	})
}

// log appends a line to the workflow's log file. Best-effort: a logging
// failure never interrupts workflow execution.
func (r *Runtime) log(msg string) {
	line := fmt.Sprintf("%s %s\n", time.Now().UTC().Format(time.RFC3339), msg)
	if r.LogPath == "" {
		log.WithField("workflow_id", r.ID).Debug(msg)
		return
	}
	if err := appendLine(r.LogPath, line); err != nil {
		log.WithFields(log.Fields{"workflow_id": r.ID, "log_path": r.LogPath, "err": err}).
			Warn("failed to append workflow log line")
	}
}
