// Package batch coalesces individually submitted keys into bounded groups and
// hands each group to a single flush call.
//
// A buffer is flushed when it reaches MaxSize or when MaxWait has elapsed
// since its oldest entry, whichever comes first. Flushing takes a snapshot of
// the buffer and clears it under the lock, so entries added while a batch is
// on the wire start the next buffer. Results are routed back to the sinks by
// position.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrClosed          = errors.New("batch: coordinator closed")
	ErrMisalignedBatch = errors.New("batch: result count does not match batch size")
)

// Reason says what triggered a flush.
type Reason string

const (
	ReasonSize     Reason = "size"
	ReasonWait     Reason = "wait"
	ReasonExplicit Reason = "explicit"
	ReasonClose    Reason = "close"
)

// FlushFunc performs one wire call for keys and returns one value per key in
// the same order.
type FlushFunc[K, V any] func(ctx context.Context, keys []K) ([]V, error)

type Config[K, V any] struct {
	MaxSize int           // <1 => 1
	MaxWait time.Duration // measured from the oldest buffered entry
	Timeout time.Duration // per-batch deadline; 0 => none

	Flush FlushFunc[K, V]

	// ErrValue turns a batch-wide failure into the value every sink of that
	// batch receives.
	ErrValue func(error) V

	// OnFlush, if set, is called once per flushed batch before the flush call.
	OnFlush func(size int, reason Reason)
}

type entry[K, V any] struct {
	key  K
	sink func(V)
}

// Coordinator owns the pending buffer.
type Coordinator[K, V any] struct {
	cfg Config[K, V]

	mu     sync.Mutex
	buf    []entry[K, V]
	timer  *time.Timer
	gen    uint64 // bumped on every take; stale timers compare against it
	closed bool

	wg sync.WaitGroup
}

func New[K, V any](cfg Config[K, V]) *Coordinator[K, V] {
	if cfg.MaxSize < 1 {
		cfg.MaxSize = 1
	}
	if cfg.Flush == nil {
		panic("batch: Flush is required")
	}
	if cfg.ErrValue == nil {
		panic("batch: ErrValue is required")
	}
	return &Coordinator[K, V]{cfg: cfg}
}

// Add appends key to the pending buffer. sink receives the key's result
// exactly once, from another goroutine. Add never waits for the wire.
func (c *Coordinator[K, V]) Add(key K, sink func(V)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.buf = append(c.buf, entry[K, V]{key: key, sink: sink})
	if len(c.buf) >= c.cfg.MaxSize {
		b := c.take()
		c.mu.Unlock()
		go c.run(b, ReasonSize)
		return nil
	}
	if len(c.buf) == 1 {
		g := c.gen
		c.timer = time.AfterFunc(c.cfg.MaxWait, func() { c.expire(g) })
	}
	c.mu.Unlock()
	return nil
}

// take snapshots and clears the buffer. Caller holds mu and must run the
// returned batch.
func (c *Coordinator[K, V]) take() []entry[K, V] {
	b := c.buf
	c.buf = nil
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.wg.Add(1)
	return b
}

func (c *Coordinator[K, V]) expire(g uint64) {
	c.mu.Lock()
	if g != c.gen || len(c.buf) == 0 {
		c.mu.Unlock()
		return
	}
	b := c.take()
	c.mu.Unlock()
	c.run(b, ReasonWait)
}

// Flush sends whatever is buffered now. An empty buffer is not flushed.
func (c *Coordinator[K, V]) Flush() {
	c.mu.Lock()
	if len(c.buf) == 0 {
		c.mu.Unlock()
		return
	}
	b := c.take()
	c.mu.Unlock()
	go c.run(b, ReasonExplicit)
}

// Pending returns the number of buffered, not yet flushed entries.
func (c *Coordinator[K, V]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}

// Close flushes the remaining buffer, rejects further Adds and waits for
// every in-flight batch or for ctx.
func (c *Coordinator[K, V]) Close(ctx context.Context) error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		if len(c.buf) > 0 {
			b := c.take()
			go c.run(b, ReasonClose)
		}
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator[K, V]) run(b []entry[K, V], reason Reason) {
	defer c.wg.Done()
	if c.cfg.OnFlush != nil {
		c.cfg.OnFlush(len(b), reason)
	}

	ctx := context.Background()
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	keys := make([]K, len(b))
	for i, e := range b {
		keys[i] = e.key
	}
	vals, err := c.cfg.Flush(ctx, keys)
	if err == nil && len(vals) != len(b) {
		err = fmt.Errorf("%w: %d results for %d keys", ErrMisalignedBatch, len(vals), len(b))
	}
	if err != nil {
		v := c.cfg.ErrValue(err)
		for _, e := range b {
			e.sink(v)
		}
		return
	}
	for i, e := range b {
		e.sink(vals[i])
	}
}
