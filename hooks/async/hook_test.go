package asynchook

import (
	"sync"
	"testing"

	"github.com/unkn0wn-root/buildcache"
)

type countingHooks struct {
	buildcache.NopHooks
	mu      sync.Mutex
	flushed int
	gate    chan struct{}
}

func (c *countingHooks) BatchFlushed(int, string) {
	if c.gate != nil {
		<-c.gate
	}
	c.mu.Lock()
	c.flushed++
	c.mu.Unlock()
}

func TestDeliversBeforeClose(t *testing.T) {
	inner := &countingHooks{}
	h := New(inner, 2, 100)
	for range 50 {
		h.BatchFlushed(1, "size")
	}
	h.Close()
	if inner.flushed != 50 {
		t.Fatalf("delivered %d events, want 50", inner.flushed)
	}
	if h.Dropped() != 0 {
		t.Fatalf("dropped %d", h.Dropped())
	}
}

func TestDropsWhenFull(t *testing.T) {
	inner := &countingHooks{gate: make(chan struct{})}
	h := New(inner, 1, 1)
	// worker blocks on the first event; one more fits the queue
	for range 10 {
		h.BatchFlushed(1, "wait")
	}
	close(inner.gate)
	h.Close()
	if inner.flushed+int(h.Dropped()) != 10 {
		t.Fatalf("delivered %d + dropped %d != 10", inner.flushed, h.Dropped())
	}
	if h.Dropped() < 8 {
		t.Fatalf("dropped %d, want at least 8", h.Dropped())
	}
}

func TestAfterCloseDropped(t *testing.T) {
	inner := &countingHooks{}
	h := New(inner, 1, 4)
	h.Close()
	h.Close()
	h.WireError("fetch", nil)
	if h.Dropped() != 1 {
		t.Fatalf("dropped = %d", h.Dropped())
	}
}
