package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_FireInSubscriptionOrder(t *testing.T) {
	b := New()
	var order []int

	b.Subscribe(TopicWorkflowProgress, func(Event) { order = append(order, 1) })
	b.Subscribe(TopicWorkflowProgress, func(Event) { order = append(order, 2) })
	b.Subscribe(TopicWorkflowProgress, func(Event) { order = append(order, 3) })

	b.Fire(Event{Topic: TopicWorkflowProgress})

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestBus_DisposerRemovesSubscriber(t *testing.T) {
	b := New()
	calls := 0

	dispose := b.Subscribe(TopicError, func(Event) { calls++ })
	b.Fire(Event{Topic: TopicError})
	require.Equal(t, 1, calls)

	dispose()
	b.Fire(Event{Topic: TopicError})
	assert.Equal(t, 1, calls, "disposed subscriber must not receive further events")

	// Idempotent.
	dispose()
}

func TestBus_PanicDoesNotStarveOtherSubscribers(t *testing.T) {
	b := New()
	secondCalled := false

	b.Subscribe(TopicError, func(Event) { panic("boom") })
	b.Subscribe(TopicError, func(Event) { secondCalled = true })

	assert.NotPanics(t, func() { b.Fire(Event{Topic: TopicError}) })
	assert.True(t, secondCalled)
}

func TestBus_TopicsAreIsolated(t *testing.T) {
	b := New()
	called := false
	b.Subscribe(TopicWorkflowProgress, func(Event) { called = true })

	b.Fire(Event{Topic: TopicWorkflowComplete})

	assert.False(t, called, "a subscriber on one topic must not see events on another")
}
