package buildcache

import (
	"context"
	"sync"
)

// Future is the pending result of one client call. It completes exactly
// once, either with a value or because it was cancelled.
type Future[T any] struct {
	done chan struct{}

	mu       sync.Mutex
	complete bool
	val      T
	err      error
	onCancel func()
	stop     func() bool // detaches the caller's context
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// resolved returns an already completed future.
func resolved[T any](v T, err error) *Future[T] {
	f := newFuture[T]()
	f.finish(v, err)
	return f
}

// finish completes f. Only the first call has effect.
func (f *Future[T]) finish(v T, err error) bool {
	f.mu.Lock()
	if f.complete {
		f.mu.Unlock()
		return false
	}
	f.complete = true
	f.val, f.err = v, err
	stop := f.stop
	f.onCancel, f.stop = nil, nil
	f.mu.Unlock()

	close(f.done)
	if stop != nil {
		stop()
	}
	return true
}

// bind ties f to ctx: when ctx ends first, f is cancelled. onCancel runs
// once if f is cancelled before it completes.
func (f *Future[T]) bind(ctx context.Context, onCancel func()) {
	f.mu.Lock()
	if f.complete {
		f.mu.Unlock()
		return
	}
	f.onCancel = onCancel
	f.mu.Unlock()

	stop := context.AfterFunc(ctx, f.Cancel)

	f.mu.Lock()
	if f.complete {
		f.mu.Unlock()
		stop()
		return
	}
	f.stop = stop
	f.mu.Unlock()
}

// Done is closed when the future completes or is cancelled.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Await blocks until f completes or ctx ends. Giving up on ctx does not
// cancel f.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Cancel abandons the call for this caller only. Other callers sharing the
// same wire request are unaffected and the request itself keeps running.
func (f *Future[T]) Cancel() {
	f.mu.Lock()
	onCancel := f.onCancel
	f.mu.Unlock()

	var zero T
	if f.finish(zero, ErrCanceled) && onCancel != nil {
		onCancel()
	}
}
