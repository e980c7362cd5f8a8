package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_NewPoolValidatesSize(t *testing.T) {
	_, err := NewPool(0)
	assert.ErrorIs(t, err, ErrInvalidSize)

	_, err = NewPool(MaxRosterSize + 1)
	assert.ErrorIs(t, err, ErrInvalidSize)

	p, err := NewPool(3)
	require.NoError(t, err)
	assert.Equal(t, Status{Total: 3, Available: 3, Busy: 0}, p.Status())
}

func TestPool_TryRequestExhausted(t *testing.T) {
	p, err := NewPool(1)
	require.NoError(t, err)

	name, err := p.TryRequest("wf-1", "implementer", 5)
	require.NoError(t, err)
	require.NotEmpty(t, name)

	_, err = p.TryRequest("wf-2", "implementer", 5)
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestPool_ReleaseWakesPendingWaiter(t *testing.T) {
	p, err := NewPool(1)
	require.NoError(t, err)

	name, err := p.TryRequest("wf-1", "implementer", 5)
	require.NoError(t, err)

	results := make(chan string, 1)
	go func() {
		n, err := p.Request(context.Background(), "wf-2", "implementer", 5)
		require.NoError(t, err)
		results <- n
	}()

	time.Sleep(20 * time.Millisecond) // let the waiter register
	require.NoError(t, p.Release(name))

	select {
	case got := <-results:
		assert.Equal(t, name, got)
	case <-time.After(time.Second):
		t.Fatal("waiter was never woken")
	}
}

func TestPool_AllocationOrderPriorityThenFIFO(t *testing.T) {
	p, err := NewPool(1)
	require.NoError(t, err)

	held, err := p.TryRequest("wf-0", "r", 1)
	require.NoError(t, err)

	order := make(chan int, 3)
	start := func(id, priority int) {
		go func() {
			_, err := p.Request(context.Background(), "wf", "r", priority)
			require.NoError(t, err)
			order <- id
		}()
	}

	// Queue low-priority-number-wins requests out of submission order.
	start(1 /* id */, 5 /* priority */)
	time.Sleep(5 * time.Millisecond)
	start(2, 1)
	time.Sleep(5 * time.Millisecond)
	start(3, 1)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, p.Release(held))
	first := <-order
	assert.Equal(t, 2, first, "lower priority number must be served first")

	// Release enough agents for the remaining waiters by growing the pool.
	require.NoError(t, p.Resize(3))
	second := <-order
	third := <-order
	assert.ElementsMatch(t, []int{1, 3}, []int{second, third})
}

func TestPool_RequestCancellation(t *testing.T) {
	p, err := NewPool(1)
	require.NoError(t, err)
	_, err = p.TryRequest("wf-1", "r", 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = p.Request(ctx, "wf-2", "r", 1)
	assert.ErrorIs(t, err, ErrRequestCancelled)
}

func TestPool_BenchAndPromote(t *testing.T) {
	p, err := NewPool(1)
	require.NoError(t, err)
	name, err := p.TryRequest("wf-1", "r", 1)
	require.NoError(t, err)

	require.NoError(t, p.DemoteToBench(name))
	snap, ok := p.AgentSnapshot(name)
	require.True(t, ok)
	assert.Equal(t, StateBenched, snap.State)
	// Benched agents still count as busy externally.
	assert.Equal(t, Status{Total: 1, Available: 0, Busy: 1}, p.Status())

	require.NoError(t, p.Promote(name))
	snap, _ = p.AgentSnapshot(name)
	assert.Equal(t, StateBusy, snap.State)
}

func TestPool_BenchReuseByOwningWorkflow(t *testing.T) {
	p, err := NewPool(2)
	require.NoError(t, err)
	a, err := p.TryRequest("wf-1", "implementer", 1)
	require.NoError(t, err)
	require.NoError(t, p.DemoteToBench(a))

	got, err := p.TryRequest("wf-1", "implementer", 1)
	require.NoError(t, err)
	assert.Equal(t, a, got, "same workflow/role should reuse the benched agent")
}

func TestPool_UnknownAgentErrors(t *testing.T) {
	p, err := NewPool(1)
	require.NoError(t, err)
	assert.ErrorIs(t, p.Release("Nobody"), ErrUnknownAgent)
	assert.ErrorIs(t, p.DemoteToBench("Nobody"), ErrUnknownAgent)
	assert.ErrorIs(t, p.Promote("Nobody"), ErrUnknownAgent)
}

func TestPool_ResizeShrinkRetiresSurplus(t *testing.T) {
	p, err := NewPool(2)
	require.NoError(t, err)
	// Shrinking retires the roster's surplus names (here the second one),
	// so occupy both and keep the second as the busy retiring agent.
	_, err = p.TryRequest("wf-1", "r", 1)
	require.NoError(t, err)
	busy, err := p.TryRequest("wf-2", "r", 1)
	require.NoError(t, err)

	require.NoError(t, p.Resize(1))
	status := p.Status()
	assert.Equal(t, 1, status.Total, "retiring agent should no longer count toward Total")

	// Releasing the retiring agent drops it instead of making it available.
	require.NoError(t, p.Release(busy))
	_, ok := p.AgentSnapshot(busy)
	assert.False(t, ok, "retired agent must be dropped on release")
}

func TestPool_ResizeGrowAddsFromRoster(t *testing.T) {
	p, err := NewPool(1)
	require.NoError(t, err)
	require.NoError(t, p.Resize(3))
	assert.Equal(t, Status{Total: 3, Available: 3, Busy: 0}, p.Status())
}
