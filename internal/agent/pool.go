package agent

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Status is the snapshot returned by Pool.Status.
type Status struct {
	Total     int
	Available int
	Busy      int
}

// waiter is a pending Request blocked on allocation. waiterQueue below
// implements heap.Interface so waiters pop lowest priority number first,
// FIFO within a priority.
type waiter struct {
	priority   int
	seq        int // FIFO tiebreaker: lower seq queued earlier
	workflowID string
	roleID     string
	notify     chan string
	index      int
}

type waiterQueue []*waiter

func (q waiterQueue) Len() int { return len(q) }
func (q waiterQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority // lower number wins
	}
	return q[i].seq < q[j].seq
}
func (q waiterQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *waiterQueue) Push(x interface{}) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}
func (q *waiterQueue) Pop() interface{} {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}

// Pool is the bounded roster of named agents shared across workflows.
type Pool struct {
	mu      sync.Mutex
	roster  []string // fixed full name list, up to MaxRosterSize
	agents  map[string]*Agent
	size    int // currently configured active roster size
	waiters waiterQueue
	nextSeq int
}

// NewPool creates a Pool with size agents drawn from the fixed roster.
func NewPool(size int) (*Pool, error) {
	if size < 1 || size > MaxRosterSize {
		return nil, ErrInvalidSize
	}
	p := &Pool{
		roster: append([]string(nil), defaultRoster...),
		agents: make(map[string]*Agent, size),
	}
	heap.Init(&p.waiters)
	for i := 0; i < size; i++ {
		name := p.roster[i]
		p.agents[name] = &Agent{Name: name, State: StateAvailable, updatedAt: time.Now()}
	}
	p.size = size
	return p, nil
}

// Status reports the current pool occupancy.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusLocked()
}

func (p *Pool) statusLocked() Status {
	var s Status
	for _, a := range p.agents {
		if a.retiring {
			continue
		}
		s.Total++
		switch a.State {
		case StateAvailable:
			s.Available++
		case StateBusy, StateBenched:
			s.Busy++
		}
	}
	return s
}

// TryRequest performs a non-blocking allocation; it fails with
// ErrPoolExhausted rather than waiting.
func (p *Pool) TryRequest(workflowID, roleID string, priority int) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if name, ok := p.allocateLocked(workflowID, roleID); ok {
		return name, nil
	}
	return "", ErrPoolExhausted
}

// Request blocks until an agent is available or ctx is cancelled. Waiters
// are served lowest-priority-number first, FIFO within a priority.
func (p *Pool) Request(ctx context.Context, workflowID, roleID string, priority int) (string, error) {
	p.mu.Lock()
	if name, ok := p.allocateLocked(workflowID, roleID); ok {
		p.mu.Unlock()
		return name, nil
	}

	w := &waiter{
		priority:   priority,
		seq:        p.nextSeq,
		workflowID: workflowID,
		roleID:     roleID,
		notify:     make(chan string, 1),
	}
	p.nextSeq++
	heap.Push(&p.waiters, w)
	p.mu.Unlock()

	select {
	case name := <-w.notify:
		return name, nil
	case <-ctx.Done():
		p.mu.Lock()
		if w.index >= 0 {
			heap.Remove(&p.waiters, w.index)
		}
		p.mu.Unlock()
		// A concurrent Release may have already written to notify right
		// before we removed the waiter; honor that allocation rather than
		// dropping the agent on the floor.
		select {
		case name := <-w.notify:
			return name, nil
		default:
		}
		return "", ErrRequestCancelled
	}
}

// allocateLocked must be called with p.mu held. It prefers a benched agent
// already owned by workflowID with a matching role before falling back to any available, non-retiring agent.
func (p *Pool) allocateLocked(workflowID, roleID string) (string, bool) {
	if workflowID != "" {
		for _, name := range p.sortedNamesLocked() {
			a := p.agents[name]
			if a.retiring {
				continue
			}
			if a.State == StateBenched && a.WorkflowID == workflowID && a.RoleID == roleID {
				a.State = StateBusy
				a.updatedAt = time.Now()
				return name, true
			}
		}
	}
	for _, name := range p.sortedNamesLocked() {
		a := p.agents[name]
		if a.retiring {
			continue
		}
		if a.State == StateAvailable {
			a.State = StateBusy
			a.WorkflowID = workflowID
			a.RoleID = roleID
			a.updatedAt = time.Now()
			return name, true
		}
	}
	return "", false
}

func (p *Pool) sortedNamesLocked() []string {
	names := make([]string, 0, len(p.agents))
	for n := range p.agents {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Release returns an agent to the pool. If the agent was marked retiring
// by a prior Resize, it is dropped from the roster instead of becoming
// available.
func (p *Pool) Release(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.agents[name]
	if !ok {
		return ErrUnknownAgent
	}

	if a.retiring {
		delete(p.agents, name)
		log.WithField("agent", name).Info("retired agent dropped on release")
		return nil
	}

	a.State = StateAvailable
	a.WorkflowID = ""
	a.RoleID = ""
	a.updatedAt = time.Now()

	p.wakeNextWaiterLocked()
	return nil
}

// wakeNextWaiterLocked hands the just-freed agent to the highest-priority
// waiter, if any. Must be called with p.mu held.
func (p *Pool) wakeNextWaiterLocked() {
	for p.waiters.Len() > 0 {
		w := heap.Pop(&p.waiters).(*waiter)
		if name, ok := p.allocateLocked(w.workflowID, w.roleID); ok {
			w.notify <- name
			return
		}
		// Nothing allocatable right now (shouldn't normally happen right
		// after a release); put the waiter back and stop.
		heap.Push(&p.waiters, w)
		return
	}
}

// DemoteToBench marks a busy agent as benched: it remains owned by its
// workflow but is not currently executing a prompt.
func (p *Pool) DemoteToBench(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[name]
	if !ok {
		return ErrUnknownAgent
	}
	if a.State == StateBusy {
		a.State = StateBenched
		a.updatedAt = time.Now()
	}
	return nil
}

// Promote reverses DemoteToBench.
func (p *Pool) Promote(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[name]
	if !ok {
		return ErrUnknownAgent
	}
	if a.State == StateBenched {
		a.State = StateBusy
		a.updatedAt = time.Now()
	}
	return nil
}

// Resize grows or shrinks the active roster. Growing adds
// names from the fixed roster as StateAvailable. Shrinking marks surplus
// agents retiring; they are dropped on their next Release rather than
// interrupted mid-task, unless they are already available, in which case
// they are dropped immediately.
func (p *Pool) Resize(n int) error {
	if n < 1 || n > MaxRosterSize {
		return ErrInvalidSize
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if n > p.size {
		for i := p.size; i < n; i++ {
			name := p.roster[i]
			if a, ok := p.agents[name]; ok {
				a.retiring = false
				continue
			}
			p.agents[name] = &Agent{Name: name, State: StateAvailable, updatedAt: time.Now()}
			p.wakeNextWaiterLocked()
		}
	} else if n < p.size {
		for i := n; i < p.size; i++ {
			name := p.roster[i]
			a, ok := p.agents[name]
			if !ok {
				continue
			}
			if a.State == StateAvailable {
				delete(p.agents, name)
				continue
			}
			a.retiring = true
		}
	}
	p.size = n
	return nil
}

// AgentSnapshot returns a copy of the named agent's state for inspection.
func (p *Pool) AgentSnapshot(name string) (Agent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[name]
	if !ok {
		return Agent{}, false
	}
	return *a, true
}
