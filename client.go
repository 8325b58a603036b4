package buildcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/unkn0wn-root/buildcache/internal/batch"
	"github.com/unkn0wn-root/buildcache/internal/inflight"
	"github.com/unkn0wn-root/buildcache/transport"
	"github.com/unkn0wn-root/buildcache/wire"
)

type probeResult struct {
	found bool
	err   error
}

type client struct {
	session   transport.Session
	codec     wire.Codec
	log       Logger
	hooks     Hooks
	enabled   bool
	timeout   time.Duration
	inlineMax int

	fetches *inflight.Table[CacheKey, FetchOutcome]
	probes  *inflight.Table[CacheKey, probeResult]
	batcher *batch.Coordinator[CacheKey, FetchOutcome]

	stats counters

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup // detached store, multi-fetch and probe calls
}

func newClient(opts Options) (*client, error) {
	if opts.Session == nil {
		return nil, fmt.Errorf("buildcache: session is required")
	}
	codec, err := wire.NewCodec(opts.Session.Encoding())
	if err != nil {
		return nil, fmt.Errorf("buildcache: %w", err)
	}

	c := &client{
		session: opts.Session,
		codec:   codec,
		enabled: !opts.Disabled,
		fetches: inflight.New[CacheKey, FetchOutcome](),
		probes:  inflight.New[CacheKey, probeResult](),
	}

	// defaults
	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	c.timeout = coalesce(opts.Timeout, defaultTimeout)
	c.inlineMax = coalesce(opts.InlineThreshold, defaultInlineThreshold)

	c.batcher = batch.New(batch.Config[CacheKey, FetchOutcome]{
		MaxSize:  coalesce(opts.MaxBatchSize, defaultMaxBatchSize),
		MaxWait:  coalesce(opts.MaxBatchWait, defaultMaxBatchWait),
		Timeout:  c.timeout,
		Flush:    c.multiFetch,
		ErrValue: func(err error) FetchOutcome { return FetchOutcome{Kind: OutcomeError, Err: err} },
		OnFlush:  c.flushed,
	})
	return c, nil
}

func (c *client) Enabled() bool { return c.enabled }

func (c *client) Stats() Stats { return c.stats.snapshot() }

func (c *client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.batcher.Close(ctx)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	if cerr := c.session.Close(); err == nil {
		err = cerr
	}
	return err
}

func (c *client) Fetch(ctx context.Context, key CacheKey) *Future[FetchOutcome] {
	if !c.enabled {
		return resolved(missOutcome(key), nil)
	}
	if key == "" {
		return resolved(errorOutcome(key, ErrEmptyKey), nil)
	}

	f := newFuture[FetchOutcome]()
	tk, owner := c.fetches.Join(key, func(o FetchOutcome) { f.finish(o, nil) })
	f.bind(ctx, func() { tk.Leave() })
	if !owner {
		c.joined(key)
		return f
	}
	err := c.batcher.Add(key, func(o FetchOutcome) {
		o.Key = key
		tk.Resolve(o)
	})
	if err != nil {
		tk.Resolve(errorOutcome(key, ErrClosed))
	}
	return f
}

func (c *client) MultiFetch(ctx context.Context, keys []CacheKey) *Future[[]FetchOutcome] {
	out := make([]FetchOutcome, len(keys))
	if !c.enabled || len(keys) == 0 {
		for i, k := range keys {
			out[i] = missOutcome(k)
		}
		return resolved(out, nil)
	}

	// empty keys fail on their own; the rest still go out
	send := make([]CacheKey, 0, len(keys))
	pos := make([]int, 0, len(keys))
	for i, k := range keys {
		if k == "" {
			out[i] = errorOutcome(k, ErrEmptyKey)
			continue
		}
		send = append(send, k)
		pos = append(pos, i)
	}
	if len(send) == 0 {
		return resolved(out, nil)
	}

	f := newFuture[[]FetchOutcome]()
	f.bind(ctx, nil)
	ok := c.spawn(func() {
		wctx, cancel := c.wireCtx(ctx)
		defer cancel()
		got, err := c.multiFetch(wctx, send)
		for j, i := range pos {
			if err != nil {
				out[i] = errorOutcome(send[j], err)
			} else {
				out[i] = got[j]
			}
		}
		f.finish(out, nil)
	})
	if !ok {
		for _, i := range pos {
			out[i] = errorOutcome(keys[i], ErrClosed)
		}
		f.finish(out, nil)
	}
	return f
}

func (c *client) Store(ctx context.Context, key CacheKey, meta *Metadata, payload []byte) *Future[StoreResult] {
	if !c.enabled {
		return resolved(StoreResult{Key: key}, nil)
	}
	if key == "" {
		return resolved(c.storeFailed(key, ErrEmptyKey), nil)
	}
	// encode now so the caller may reuse payload as soon as Store returns
	frame, err := c.codec.EncodeRequest(wire.NewStore(key, meta, payload, c.inlineMax))
	if err != nil {
		return resolved(c.storeFailed(key, err), nil)
	}

	f := newFuture[StoreResult]()
	f.bind(ctx, nil)
	ok := c.spawn(func() {
		c.stats.stores.Add(1)
		wctx, cancel := c.wireCtx(ctx)
		defer cancel()
		resp, err := c.roundTrip(wctx, "store", frame, wire.TypeStore)
		if err != nil {
			f.finish(c.storeFailed(key, err), nil)
			return
		}
		sr := resp.StoreResponse
		if !*sr.Accepted {
			msg := "declined"
			if sr.ErrorMessage != nil {
				msg = *sr.ErrorMessage
			}
			f.finish(c.storeFailed(key, &RemoteError{Op: "store", Key: key, Message: msg}), nil)
			return
		}
		f.finish(StoreResult{Key: key, Stored: true}, nil)
	})
	if !ok {
		f.finish(c.storeFailed(key, ErrClosed), nil)
	}
	return f
}

func (c *client) Contains(ctx context.Context, key CacheKey) *Future[bool] {
	if !c.enabled {
		return resolved(false, nil)
	}
	if key == "" {
		return resolved(false, ErrEmptyKey)
	}

	f := newFuture[bool]()
	tk, owner := c.probes.Join(key, func(r probeResult) { f.finish(r.found, r.err) })
	f.bind(ctx, func() { tk.Leave() })
	if !owner {
		c.joined(key)
		return f
	}
	ok := c.spawn(func() {
		wctx, cancel := c.wireCtx(ctx)
		defer cancel()
		tk.Resolve(c.probe(wctx, key))
	})
	if !ok {
		tk.Resolve(probeResult{err: ErrClosed})
	}
	return f
}

// multiFetch sends keys as one MULTI_FETCH and returns one outcome per key.
// It is the batch flush function as well as the direct path.
func (c *client) multiFetch(ctx context.Context, keys []CacheKey) ([]FetchOutcome, error) {
	resp, err := c.call(ctx, "multi_fetch", wire.NewMultiFetch(keys), wire.TypeMultiFetch)
	if err != nil {
		return nil, err
	}
	results := resp.MultiFetchResponse.Results
	if len(results) != len(keys) {
		err := fmt.Errorf("%w: %d results for %d keys", ErrMisalignedBatch, len(results), len(keys))
		c.violation("multi_fetch", err)
		return nil, err
	}
	out := make([]FetchOutcome, len(keys))
	for i := range results {
		out[i] = c.outcome("multi_fetch", keys[i], &results[i], resp.Blobs)
	}
	return out, nil
}

func (c *client) probe(ctx context.Context, key CacheKey) probeResult {
	resp, err := c.call(ctx, "contains", wire.NewFetch(key, true), wire.TypeFetch)
	if err != nil {
		return probeResult{err: err}
	}
	o := c.outcome("contains", key, resp.FetchResponse, resp.Blobs)
	switch o.Kind {
	case OutcomeHit:
		return probeResult{found: true}
	case OutcomeMiss:
		return probeResult{}
	default:
		return probeResult{err: o.Err}
	}
}

func (c *client) outcome(op string, key CacheKey, r *wire.FetchResponse, blobs [][]byte) FetchOutcome {
	switch *r.Code {
	case wire.CodeHit:
		o := FetchOutcome{Key: key, Kind: OutcomeHit, Metadata: r.Metadata}
		if r.Payload != nil {
			p, err := wire.ResolvePayload(r.Payload, blobs)
			if err != nil {
				c.violation(op, err)
				return errorOutcome(key, err)
			}
			o.Payload = p
		}
		return o
	case wire.CodeMiss:
		return missOutcome(key)
	default:
		return errorOutcome(key, &RemoteError{Op: op, Key: key, Message: *r.ErrorMessage})
	}
}

func (c *client) call(ctx context.Context, op string, req *wire.Request, want wire.RequestType) (*wire.Response, error) {
	frame, err := c.codec.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	return c.roundTrip(ctx, op, frame, want)
}

func (c *client) roundTrip(ctx context.Context, op string, frame []byte, want wire.RequestType) (*wire.Response, error) {
	c.stats.wireCalls.Add(1)
	b, err := c.session.RoundTrip(ctx, frame)
	if err != nil {
		c.hooks.WireError(op, err)
		c.log.Warn("wire call failed", Fields{"op": op, "err": err})
		return nil, err
	}
	resp, err := c.codec.DecodeResponse(b)
	if err != nil {
		c.violation(op, err)
		return nil, err
	}
	if resp.ErrorMessage != nil {
		return nil, &RemoteError{Op: op, Message: *resp.ErrorMessage}
	}
	if *resp.Type != want {
		err := fmt.Errorf("%w: %s answered with %s", ErrProtocol, want, *resp.Type)
		c.violation(op, err)
		return nil, err
	}
	return resp, nil
}

// wireCtx detaches a call from the caller's cancellation (that only cancels
// the caller's future) and applies the per-call deadline.
func (c *client) wireCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
}

// spawn runs fn as a tracked call unless the client is closed.
func (c *client) spawn(fn func()) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		fn()
	}()
	return true
}

func (c *client) flushed(size int, reason batch.Reason) {
	c.stats.batches.Add(1)
	c.stats.batchedKeys.Add(uint64(size))
	c.hooks.BatchFlushed(size, string(reason))
	c.log.Debug("fetch batch flushed", Fields{"size": size, "reason": string(reason)})
}

func (c *client) joined(key CacheKey) {
	c.stats.dedupJoins.Add(1)
	c.hooks.DedupJoined(key)
	c.log.Debug("joined in-flight call", Fields{"key": key.String()})
}

func (c *client) violation(op string, err error) {
	c.hooks.ProtocolViolation(op, err)
	c.log.Error("protocol violation", Fields{"op": op, "err": err})
}

func (c *client) storeFailed(key CacheKey, err error) StoreResult {
	c.stats.storeFailures.Add(1)
	c.hooks.StoreFailed(key, err)
	c.log.Warn("store failed", Fields{"key": key.String(), "err": err})
	return StoreResult{Key: key, Err: err}
}
