package transport

import (
	"context"
	"errors"
	"net"
	"slices"
	"sync"

	"github.com/unkn0wn-root/buildcache/wire"
)

type ServeOptions struct {
	// Encodings the server accepts; empty => both.
	Encodings    []wire.Encoding
	MaxFrameSize int // 0 => DefaultMaxFrameSize

	// OnError, if set, receives per-connection failures (bad handshake,
	// oversized frame, handler error). Serve keeps running.
	OnError func(remote net.Addr, err error)
}

// Serve accepts connections on ln and dispatches every frame to h in its
// own goroutine. Responses on one connection are written one at a time.
// Serve returns nil once ctx is cancelled and every connection has drained.
func Serve(ctx context.Context, ln net.Listener, h Handler, opts ServeOptions) error {
	if len(opts.Encodings) == 0 {
		opts.Encodings = []wire.Encoding{wire.EncodingTagged, wire.EncodingCompact}
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = DefaultMaxFrameSize
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu    sync.Mutex
		conns = make(map[net.Conn]struct{})
		wg    sync.WaitGroup
	)
	go func() {
		<-ctx.Done()
		_ = ln.Close()
		mu.Lock()
		for c := range conns {
			_ = c.Close()
		}
		mu.Unlock()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				cancel()
				wg.Wait()
				return nil
			}
			return &TransportError{Op: "accept", Addr: ln.Addr().String(), Err: err}
		}
		mu.Lock()
		conns[nc] = struct{}{}
		mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				mu.Lock()
				delete(conns, nc)
				mu.Unlock()
				_ = nc.Close()
			}()
			if err := serveConn(ctx, nc, h, opts); err != nil && opts.OnError != nil && ctx.Err() == nil {
				opts.OnError(nc.RemoteAddr(), err)
			}
		}()
	}
}

func serveConn(ctx context.Context, nc net.Conn, h Handler, opts ServeOptions) error {
	enc, err := readHandshake(nc)
	if err != nil {
		return &TransportError{Op: "handshake", Addr: nc.RemoteAddr().String(), Err: err}
	}
	if !slices.Contains(opts.Encodings, enc) {
		_, _ = nc.Write(handshakeBytes(0))
		return &TransportError{Op: "handshake", Addr: nc.RemoteAddr().String(), Err: ErrEncodingRejected}
	}
	if _, err := nc.Write(handshakeBytes(enc)); err != nil {
		return &TransportError{Op: "handshake", Addr: nc.RemoteAddr().String(), Err: err}
	}

	var (
		wmu      sync.Mutex
		inflight sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	defer inflight.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	abort := func(err error) {
		once.Do(func() {
			firstErr = err
			cancel()
			_ = nc.Close()
		})
	}

	for {
		id, body, err := readFrame(nc, opts.MaxFrameSize)
		if err != nil {
			if ctx.Err() != nil {
				return firstErr
			}
			if errors.Is(err, ErrFrameTooLarge) {
				abort(&TransportError{Op: "read", Addr: nc.RemoteAddr().String(), Err: err})
				return firstErr
			}
			// peer went away
			return nil
		}
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			resp, err := h.ServeFrame(ctx, enc, body)
			if err != nil {
				abort(&TransportError{Op: "serve", Addr: nc.RemoteAddr().String(), Err: err})
				return
			}
			wmu.Lock()
			err = writeFrame(nc, id, resp)
			wmu.Unlock()
			if err != nil {
				abort(&TransportError{Op: "write", Addr: nc.RemoteAddr().String(), Err: err})
			}
		}()
	}
}
