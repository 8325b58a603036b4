package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/unkn0wn-root/buildcache/wire"
)

// Compile-time interface checks.
var (
	_ Session = (*TCPSession)(nil)
	_ Session = (*loopback)(nil)
)

type TCPOptions struct {
	Encoding     wire.Encoding // 0 => compact
	DialTimeout  time.Duration // 0 => 5s
	MaxRetries   uint64        // retries of retryable failures; 0 => 3
	MaxFrameSize int           // 0 => DefaultMaxFrameSize

	// Backoff between retries. Zero fields keep the library defaults.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Dialer overrides net.Dialer, mostly for tests.
	Dialer func(ctx context.Context, addr string) (net.Conn, error)
}

// TCPSession multiplexes concurrent round trips over one TCP connection.
// A broken connection fails its pending calls and is replaced by the next
// call that needs it.
type TCPSession struct {
	addr string
	opts TCPOptions

	mu     sync.Mutex
	conn   *tcpConn
	closed bool

	nextID atomic.Uint64
}

type reply struct {
	body []byte
	err  error
}

type tcpConn struct {
	nc      net.Conn
	wsem    chan struct{} // one writer at a time; acquired with ctx
	mu      sync.Mutex
	pending map[uint64]chan reply
	err     error // non-nil once broken
}

// Dial connects to addr and negotiates opts.Encoding.
func Dial(ctx context.Context, addr string, opts TCPOptions) (*TCPSession, error) {
	if opts.Encoding == 0 {
		opts.Encoding = wire.EncodingCompact
	}
	if !opts.Encoding.Valid() {
		return nil, &TransportError{Op: "dial", Addr: addr, Err: ErrEncodingRejected}
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = DefaultMaxFrameSize
	}
	if opts.Dialer == nil {
		d := &net.Dialer{Timeout: opts.DialTimeout}
		opts.Dialer = func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	s := &TCPSession{addr: addr, opts: opts}
	if _, err := s.connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *TCPSession) Encoding() wire.Encoding { return s.opts.Encoding }

func (s *TCPSession) Addr() string { return s.addr }

func (s *TCPSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.conn != nil {
		s.conn.fail(ErrClosed)
		s.conn = nil
	}
	return nil
}

// RoundTrip sends frame and waits for its response. Failures caused by a
// broken connection are retried on a fresh connection with exponential
// backoff, bounded by MaxRetries and ctx.
func (s *TCPSession) RoundTrip(ctx context.Context, frame []byte) ([]byte, error) {
	eb := backoff.NewExponentialBackOff()
	if s.opts.InitialBackoff > 0 {
		eb.InitialInterval = s.opts.InitialBackoff
	}
	if s.opts.MaxBackoff > 0 {
		eb.MaxInterval = s.opts.MaxBackoff
	}
	b := backoff.WithContext(backoff.WithMaxRetries(eb, s.opts.MaxRetries), ctx)

	var out []byte
	err := backoff.Retry(func() error {
		body, err := s.roundTripOnce(ctx, frame)
		if err != nil {
			var te *TransportError
			if errors.As(err, &te) && te.Retryable {
				return err
			}
			return backoff.Permanent(err)
		}
		out = body
		return nil
	}, b)
	if err != nil {
		var te *TransportError
		if !errors.As(err, &te) && ctx.Err() != nil {
			return nil, ctxError(ctx, "roundtrip", s.addr)
		}
		return nil, err
	}
	return out, nil
}

func (s *TCPSession) roundTripOnce(ctx context.Context, frame []byte) ([]byte, error) {
	cn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	id := s.nextID.Add(1)
	ch, err := cn.register(id)
	if err != nil {
		return nil, &TransportError{Op: "write", Addr: s.addr, Err: err, Retryable: true}
	}
	if started, err := cn.write(ctx, id, frame); err != nil {
		cn.unregister(id)
		if started {
			// a partial frame leaves the stream unusable
			cn.fail(err)
		}
		if ctx.Err() != nil {
			return nil, ctxError(ctx, "write", s.addr)
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, &TransportError{Op: "write", Addr: s.addr, Err: fmt.Errorf("%w: %w", ErrTimeout, err)}
		}
		return nil, &TransportError{Op: "write", Addr: s.addr, Err: err, Retryable: true}
	}
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, &TransportError{Op: "read", Addr: s.addr, Err: r.err, Retryable: !errors.Is(r.err, ErrClosed)}
		}
		return r.body, nil
	case <-ctx.Done():
		cn.unregister(id)
		return nil, ctxError(ctx, "roundtrip", s.addr)
	}
}

// connect returns the live connection, dialing a new one when there is none
// or the previous one broke. Dialing happens outside s.mu; when two calls
// race, the first connection installed wins and the other is closed.
func (s *TCPSession) connect(ctx context.Context) (*tcpConn, error) {
	if cn, err := s.live(); cn != nil || err != nil {
		return cn, err
	}
	nc, err := s.opts.Dialer(ctx, s.addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctxError(ctx, "dial", s.addr)
		}
		return nil, &TransportError{Op: "dial", Addr: s.addr, Err: err, Retryable: true}
	}
	if err := s.handshake(ctx, nc); err != nil {
		_ = nc.Close()
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = nc.Close()
		return nil, &TransportError{Op: "dial", Addr: s.addr, Err: ErrClosed}
	}
	if s.conn != nil && !s.conn.broken() {
		_ = nc.Close()
		return s.conn, nil
	}
	cn := &tcpConn{nc: nc, wsem: make(chan struct{}, 1), pending: make(map[uint64]chan reply)}
	go cn.readLoop(s.opts.MaxFrameSize)
	s.conn = cn
	return cn, nil
}

func (s *TCPSession) live() (*tcpConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, &TransportError{Op: "dial", Addr: s.addr, Err: ErrClosed}
	}
	if s.conn != nil && !s.conn.broken() {
		return s.conn, nil
	}
	return nil, nil
}

func (s *TCPSession) handshake(ctx context.Context, nc net.Conn) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(dl)
	} else {
		_ = nc.SetDeadline(time.Now().Add(s.opts.DialTimeout))
	}
	defer func() { _ = nc.SetDeadline(time.Time{}) }()

	if _, err := nc.Write(handshakeBytes(s.opts.Encoding)); err != nil {
		return &TransportError{Op: "handshake", Addr: s.addr, Err: err, Retryable: true}
	}
	got, err := readHandshake(nc)
	if err != nil {
		return &TransportError{Op: "handshake", Addr: s.addr, Err: err, Retryable: true}
	}
	if got != s.opts.Encoding {
		return &TransportError{Op: "handshake", Addr: s.addr, Err: ErrEncodingRejected}
	}
	return nil
}

func (c *tcpConn) broken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err != nil
}

func (c *tcpConn) register(id uint64) (chan reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	ch := make(chan reply, 1)
	c.pending[id] = ch
	return ch, nil
}

func (c *tcpConn) unregister(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// write sends one frame, bounded by ctx both while waiting for the writer
// slot and while the bytes are going out. started reports whether any part
// of the frame may have reached the socket.
func (c *tcpConn) write(ctx context.Context, id uint64, body []byte) (started bool, err error) {
	select {
	case c.wsem <- struct{}{}:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	defer func() { <-c.wsem }()

	dl, _ := ctx.Deadline() // zero clears a previous writer's deadline
	_ = c.nc.SetWriteDeadline(dl)

	var (
		mu       sync.Mutex
		finished bool
	)
	stop := context.AfterFunc(ctx, func() {
		mu.Lock()
		defer mu.Unlock()
		if !finished {
			_ = c.nc.SetWriteDeadline(time.Unix(1, 0))
		}
	})
	err = writeFrame(c.nc, id, body)
	mu.Lock()
	finished = true
	mu.Unlock()
	stop()
	return true, err
}

// fail marks the connection broken, closes it and fails every pending call.
func (c *tcpConn) fail(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	_ = c.nc.Close()
	for _, ch := range pending {
		ch <- reply{err: err}
	}
}

func (c *tcpConn) readLoop(maxFrame int) {
	for {
		id, body, err := readFrame(c.nc, maxFrame)
		if err != nil {
			c.fail(err)
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if ok {
			ch <- reply{body: body}
		}
	}
}
