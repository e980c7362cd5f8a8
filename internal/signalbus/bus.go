package signalbus

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	log "github.com/sirupsen/logrus"
)

// DefaultRetentionTTL is the default span a signal with no awaiter is
// retained before being discarded.
const DefaultRetentionTTL = 30 * time.Second

// DefaultRetentionSize bounds how many undelivered/tombstoned keys the
// bus remembers at once.
const DefaultRetentionSize = 4096

type bufEntry struct {
	signal   *Signal
	consumed bool
}

type awaitResult struct {
	signal *Signal
	err    error
}

type pendingAwaiter struct {
	ch chan awaitResult
}

// Bus joins external completion callbacks with in-process awaiters.
type Bus struct {
	mu        sync.Mutex
	retention *expirable.LRU[string, *bufEntry]
	awaiters  map[string]*pendingAwaiter

	delivered int64
	discarded int64
}

// Config configures retention behavior.
type Config struct {
	RetentionTTL  time.Duration
	RetentionSize int
}

// DefaultConfig returns the default retention (30s / 4096 keys).
func DefaultConfig() Config {
	return Config{RetentionTTL: DefaultRetentionTTL, RetentionSize: DefaultRetentionSize}
}

// New creates a Bus with cfg.
func New(cfg Config) *Bus {
	if cfg.RetentionTTL <= 0 {
		cfg.RetentionTTL = DefaultRetentionTTL
	}
	if cfg.RetentionSize <= 0 {
		cfg.RetentionSize = DefaultRetentionSize
	}
	b := &Bus{awaiters: make(map[string]*pendingAwaiter)}
	b.retention = expirable.NewLRU[string, *bufEntry](cfg.RetentionSize, func(key string, _ *bufEntry) {
		log.WithField("key", key).Debug("signal bus retention entry evicted")
	}, cfg.RetentionTTL)
	return b
}

// Deliver hands signal to a matching pending awaiter if one exists, or
// buffers it in the retention buffer for up to the configured ttl. A
// second delivery for a key already present (buffered or tombstoned after
// consumption) is discarded with a warning.
func (b *Bus) Deliver(signal *Signal) {
	if signal.ReceivedAt.IsZero() {
		signal.ReceivedAt = time.Now()
	}
	key := keyOf(signal).String()

	b.mu.Lock()
	if aw, ok := b.awaiters[key]; ok {
		delete(b.awaiters, key)
		b.retention.Add(key, &bufEntry{signal: signal, consumed: true})
		b.delivered++
		b.mu.Unlock()
		aw.ch <- awaitResult{signal: signal}
		return
	}

	if _, ok := b.retention.Get(key); ok {
		b.discarded++
		b.mu.Unlock()
		log.WithField("key", key).Warn("discarding duplicate completion signal")
		return
	}

	b.retention.Add(key, &bufEntry{signal: signal, consumed: false})
	b.mu.Unlock()
}

// Wait suspends until a signal matching the key arrives, the timeout
// elapses, or ctx is cancelled. If a matching signal was already
// delivered and buffered (the external call raced ahead of the in-process
// wait), Wait consumes it immediately.
func (b *Bus) Wait(ctx context.Context, key Key, timeout time.Duration) (*Signal, error) {
	k := key.String()

	b.mu.Lock()
	if entry, ok := b.retention.Get(k); ok && !entry.consumed {
		entry.consumed = true
		b.retention.Add(k, entry)
		b.delivered++
		b.mu.Unlock()
		return entry.signal, nil
	}
	if _, ok := b.awaiters[k]; ok {
		b.mu.Unlock()
		return nil, ErrDuplicateAwaiter
	}
	aw := &pendingAwaiter{ch: make(chan awaitResult, 1)}
	b.awaiters[k] = aw
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-aw.ch:
		return res.signal, res.err
	case <-timer.C:
		b.removeAwaiter(k, aw)
		return nil, ErrAwaitTimeout
	case <-ctx.Done():
		b.removeAwaiter(k, aw)
		return nil, ErrAwaitTimeout
	}
}

func (b *Bus) removeAwaiter(key string, aw *pendingAwaiter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.awaiters[key]; ok && cur == aw {
		delete(b.awaiters, key)
	}
}

// HasAwaiter reports whether a wait is currently registered on key.
func (b *Bus) HasAwaiter(key Key) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.awaiters[key.String()]
	return ok
}

// CancelPending invalidates an outstanding awaiter on key, used when the
// agent subprocess exited and the workflow is falling back to failure
// handling instead of a callback.
func (b *Bus) CancelPending(key Key) {
	k := key.String()
	b.mu.Lock()
	aw, ok := b.awaiters[k]
	if ok {
		delete(b.awaiters, k)
	}
	b.mu.Unlock()
	if ok {
		aw.ch <- awaitResult{err: ErrAwaitTimeout}
	}
}

// Stats reports delivered/discarded counters for metrics export.
type Stats struct {
	Delivered int64
	Discarded int64
}

// Stats returns current delivery counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{Delivered: b.delivered, Discarded: b.discarded}
}
