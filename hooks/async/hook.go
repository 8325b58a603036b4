// Package asynchook moves hook delivery off the client's hot path.
//
// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{BatchFlushedEvery: 100})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	client, _ := buildcache.Dial(ctx, addr, buildcache.Options{Hooks: hooks})
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/buildcache"
)

// Hooks queues events for a pool of workers calling inner. When the queue
// is full the event is dropped and counted.
type Hooks struct {
	inner   buildcache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

var _ buildcache.Hooks = (*Hooks)(nil)

func New(inner buildcache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for range workers {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close delivers queued events and stops the workers. Events raised after
// Close are dropped.
func (h *Hooks) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.q)
	h.mu.Unlock()
	h.wg.Wait()
}

// Dropped returns how many events were discarded.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) BatchFlushed(n int, reason string) { h.try(func() { h.inner.BatchFlushed(n, reason) }) }
func (h *Hooks) DedupJoined(k buildcache.CacheKey) { h.try(func() { h.inner.DedupJoined(k) }) }
func (h *Hooks) WireError(op string, err error)    { h.try(func() { h.inner.WireError(op, err) }) }
func (h *Hooks) StoreFailed(k buildcache.CacheKey, err error) {
	h.try(func() { h.inner.StoreFailed(k, err) })
}
func (h *Hooks) ProtocolViolation(op string, err error) {
	h.try(func() { h.inner.ProtocolViolation(op, err) })
}
