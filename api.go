package buildcache

import (
	"context"
	"time"

	"github.com/unkn0wn-root/buildcache/transport"
	"github.com/unkn0wn-root/buildcache/wire"
)

// Client is the facade build actions use. Every call returns immediately;
// results arrive through the returned Future.
type Client interface {
	Enabled() bool
	Close(context.Context) error

	// Fetch joins an outstanding fetch for key or queues a new one into the
	// batching window.
	Fetch(ctx context.Context, key CacheKey) *Future[FetchOutcome]

	// MultiFetch sends keys in one call right away. Outcomes are positional.
	MultiFetch(ctx context.Context, keys []CacheKey) *Future[[]FetchOutcome]

	// Store uploads an artifact. Failures are reported in the result and
	// logged, never raised.
	Store(ctx context.Context, key CacheKey, meta *Metadata, payload []byte) *Future[StoreResult]

	// Contains probes for key without transferring its payload.
	Contains(ctx context.Context, key CacheKey) *Future[bool]

	Stats() Stats
}

// Options tune the client. Only Session is required for New; Dial builds it
// from Encoding, MaxRetries and DialTimeout.
type Options struct {
	Session transport.Session

	MaxBatchSize    int           // 0 => 64
	MaxBatchWait    time.Duration // 0 => 5ms
	Timeout         time.Duration // per wire call; 0 => 30s
	InlineThreshold int           // bytes sent inline in a store; 0 => 64KiB, <0 => never inline
	Logger          Logger        // if nil, NopLogger is used
	Hooks           Hooks         // if nil, NopHooks is used
	Disabled        bool          // default false (enabled)

	// Dial only
	Encoding    wire.Encoding // 0 => compact
	MaxRetries  uint64        // 0 => 3
	DialTimeout time.Duration // 0 => 5s
}

func New(opts Options) (Client, error) {
	return newClient(opts)
}

// Dial connects to a cache server at addr and returns a client that owns
// the session.
func Dial(ctx context.Context, addr string, opts Options) (Client, error) {
	s, err := transport.Dial(ctx, addr, transport.TCPOptions{
		Encoding:    opts.Encoding,
		MaxRetries:  opts.MaxRetries,
		DialTimeout: opts.DialTimeout,
	})
	if err != nil {
		return nil, err
	}
	opts.Session = s
	c, err := newClient(opts)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return c, nil
}
