package transport

import (
	"context"
	"sync/atomic"

	"github.com/unkn0wn-root/buildcache/wire"
)

// Loopback returns an in-process Session that hands every frame straight to
// h. It is used to embed a server and in tests.
func Loopback(h Handler, enc wire.Encoding) Session {
	return &loopback{h: h, enc: enc}
}

type loopback struct {
	h      Handler
	enc    wire.Encoding
	closed atomic.Bool
}

func (l *loopback) Encoding() wire.Encoding { return l.enc }

func (l *loopback) Close() error {
	l.closed.Store(true)
	return nil
}

func (l *loopback) RoundTrip(ctx context.Context, frame []byte) ([]byte, error) {
	if l.closed.Load() {
		return nil, &TransportError{Op: "roundtrip", Addr: "loopback", Err: ErrClosed}
	}
	if ctx.Err() != nil {
		return nil, ctxError(ctx, "roundtrip", "loopback")
	}
	// the handler may keep slices of what it decodes
	req := append([]byte(nil), frame...)

	type result struct {
		b   []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		b, err := l.h.ServeFrame(ctx, l.enc, req)
		ch <- result{b, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, &TransportError{Op: "serve", Addr: "loopback", Err: r.err}
		}
		return r.b, nil
	case <-ctx.Done():
		return nil, ctxError(ctx, "roundtrip", "loopback")
	}
}
