// Package transport carries encoded envelopes between a cache client and a
// cache server. A Session is one negotiated, long-lived channel; the wire
// encoding is fixed when the session is established.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/unkn0wn-root/buildcache/wire"
)

var (
	ErrTimeout          = errors.New("transport: timeout")
	ErrClosed           = errors.New("transport: session closed")
	ErrEncodingRejected = errors.New("transport: encoding rejected by peer")
	ErrFrameTooLarge    = errors.New("transport: frame too large")
)

// Session sends one encoded request frame and returns the encoded response
// frame. Implementations must be safe for concurrent use; concurrent calls
// may share one connection.
type Session interface {
	RoundTrip(ctx context.Context, frame []byte) ([]byte, error)
	Encoding() wire.Encoding
	Close() error
}

// Handler serves one request frame on the server side.
type Handler interface {
	ServeFrame(ctx context.Context, enc wire.Encoding, frame []byte) ([]byte, error)
}

type HandlerFunc func(ctx context.Context, enc wire.Encoding, frame []byte) ([]byte, error)

func (f HandlerFunc) ServeFrame(ctx context.Context, enc wire.Encoding, frame []byte) ([]byte, error) {
	return f(ctx, enc, frame)
}

// TransportError describes a failed exchange. Retryable errors left the
// request undelivered or unanswered because the connection broke.
type TransportError struct {
	Op        string
	Addr      string
	Err       error
	Retryable bool
}

func (e *TransportError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the exchange ran out of time.
func (e *TransportError) Timeout() bool { return errors.Is(e.Err, ErrTimeout) }

// ctxError converts a finished context into a non-retryable TransportError.
func ctxError(ctx context.Context, op, addr string) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return &TransportError{Op: op, Addr: addr, Err: err}
}
