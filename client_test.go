package buildcache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/unkn0wn-root/buildcache/transport"
	"github.com/unkn0wn-root/buildcache/wire"
)

// fakeServer answers envelopes from an in-memory map.
type fakeServer struct {
	codec wire.Codec

	mu       sync.Mutex
	blobs    map[CacheKey][]byte
	meta     map[CacheKey]*wire.ArtifactMetadata
	failing  map[CacheKey]string
	requests []*wire.Request
	gate     chan struct{} // when set, calls wait for it to close
}

func newFakeServer(enc wire.Encoding) *fakeServer {
	return &fakeServer{
		codec:   wire.MustCodec(enc),
		blobs:   make(map[CacheKey][]byte),
		meta:    make(map[CacheKey]*wire.ArtifactMetadata),
		failing: make(map[CacheKey]string),
	}
}

func (s *fakeServer) ServeFrame(ctx context.Context, _ wire.Encoding, frame []byte) ([]byte, error) {
	req, err := s.codec.DecodeRequest(frame)
	if err != nil {
		return s.codec.EncodeResponse(wire.ErrorResponse(wire.TypeUnknown, err.Error()))
	}
	s.mu.Lock()
	s.requests = append(s.requests, req)
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	att := wire.NewAttachments(8)
	lookup := func(k CacheKey, headOnly bool) wire.FetchResponse {
		if msg, ok := s.failing[k]; ok {
			return wire.ErrorResult(msg)
		}
		b, ok := s.blobs[k]
		if !ok {
			return wire.MissResult()
		}
		if headOnly {
			return wire.HitResult(s.meta[k], nil)
		}
		return wire.HitResult(s.meta[k], att.Attach(b))
	}

	resp := &wire.Response{Type: req.Type}
	switch *req.Type {
	case wire.TypeFetch:
		fr := req.FetchRequest
		r := lookup(*fr.Key, fr.HeadOnly != nil && *fr.HeadOnly)
		resp.FetchResponse = &r
	case wire.TypeStore:
		sr := req.StoreRequest
		p, err := wire.ResolvePayload(sr.Payload, req.Blobs)
		if err != nil {
			resp.StoreResponse = &wire.StoreResponse{Accepted: wire.Ptr(false), ErrorMessage: wire.Ptr(err.Error())}
			break
		}
		s.blobs[*sr.Key] = append([]byte(nil), p...)
		s.meta[*sr.Key] = sr.Metadata
		resp.StoreResponse = &wire.StoreResponse{Accepted: wire.Ptr(true)}
	case wire.TypeMultiFetch:
		results := make([]wire.FetchResponse, 0, len(req.MultiFetchRequest.Keys))
		for _, k := range req.MultiFetchRequest.Keys {
			results = append(results, lookup(k, false))
		}
		resp.MultiFetchResponse = &wire.MultiFetchResponse{Results: results}
	}
	resp.Payloads, resp.Blobs = att.Payloads(), att.Blobs()
	return s.codec.EncodeResponse(resp)
}

func (s *fakeServer) put(k CacheKey, b []byte) {
	s.mu.Lock()
	s.blobs[k] = b
	s.mu.Unlock()
}

func (s *fakeServer) hold() func() {
	ch := make(chan struct{})
	s.mu.Lock()
	s.gate = ch
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.gate = nil
			s.mu.Unlock()
			close(ch)
		})
	}
}

func (s *fakeServer) seen() []*wire.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*wire.Request(nil), s.requests...)
}

type recordingHooks struct {
	NopHooks
	mu          sync.Mutex
	flushes     []int
	joins       int
	storeFailed []CacheKey
	wireErrors  int
	violations  int
}

func (h *recordingHooks) BatchFlushed(size int, _ string) {
	h.mu.Lock()
	h.flushes = append(h.flushes, size)
	h.mu.Unlock()
}

func (h *recordingHooks) DedupJoined(CacheKey) {
	h.mu.Lock()
	h.joins++
	h.mu.Unlock()
}

func (h *recordingHooks) StoreFailed(k CacheKey, _ error) {
	h.mu.Lock()
	h.storeFailed = append(h.storeFailed, k)
	h.mu.Unlock()
}

func (h *recordingHooks) WireError(string, error) {
	h.mu.Lock()
	h.wireErrors++
	h.mu.Unlock()
}

func (h *recordingHooks) ProtocolViolation(string, error) {
	h.mu.Lock()
	h.violations++
	h.mu.Unlock()
}

func newTestClient(t *testing.T, srv *fakeServer, enc wire.Encoding, optsOpt func(*Options)) *client {
	t.Helper()
	opts := Options{
		Session:      transport.Loopback(srv, enc),
		MaxBatchWait: 5 * time.Millisecond,
	}
	if optsOpt != nil {
		optsOpt(&opts)
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	impl, ok := c.(*client)
	if !ok {
		t.Fatalf("unexpected concrete type for Client")
	}
	return impl
}

func await[T any](t *testing.T, f *Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := f.Await(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("future did not complete")
	}
	return v, err
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStoreThenFetch(t *testing.T) {
	for _, enc := range []wire.Encoding{wire.EncodingTagged, wire.EncodingCompact} {
		srv := newFakeServer(enc)
		c := newTestClient(t, srv, enc, nil)
		ctx := context.Background()

		meta := &Metadata{BuildTarget: wire.Ptr("//app:bin"), RuleKeys: []string{"rk"}}
		res, err := await(t, c.Store(ctx, "abc123", meta, []byte{0x01, 0x02, 0x03}))
		if err != nil || !res.Stored || res.Err != nil {
			t.Fatalf("%s: store: %+v %v", enc, res, err)
		}

		o, err := await(t, c.Fetch(ctx, "abc123"))
		if err != nil {
			t.Fatalf("%s: await: %v", enc, err)
		}
		if !o.Hit() || !bytes.Equal(o.Payload, []byte{0x01, 0x02, 0x03}) {
			t.Fatalf("%s: want hit [1 2 3], got %+v", enc, o)
		}
		if o.Metadata == nil || *o.Metadata.BuildTarget != "//app:bin" {
			t.Fatalf("%s: metadata lost: %+v", enc, o.Metadata)
		}
	}
}

func TestLargePayloadTravelsOutOfBand(t *testing.T) {
	srv := newFakeServer(wire.EncodingCompact)
	c := newTestClient(t, srv, wire.EncodingCompact, func(o *Options) { o.InlineThreshold = 1024 })
	big := bytes.Repeat([]byte("artifact"), 64<<10)

	res, _ := await(t, c.Store(context.Background(), "big", nil, big))
	if !res.Stored {
		t.Fatalf("store: %+v", res)
	}
	req := srv.seen()[0]
	if len(req.Payloads) != 1 || *req.StoreRequest.Payload.Inline {
		t.Fatalf("expected out-of-band payload, got %+v", req.StoreRequest.Payload)
	}
	o, _ := await(t, c.Fetch(context.Background(), "big"))
	if !bytes.Equal(o.Payload, big) {
		t.Fatalf("payload mismatch (%d bytes)", len(o.Payload))
	}
}

func TestMultiFetchPreservesOrder(t *testing.T) {
	srv := newFakeServer(wire.EncodingTagged)
	srv.put("k1", []byte("one"))
	srv.put("k3", []byte("three"))
	c := newTestClient(t, srv, wire.EncodingTagged, nil)

	got, err := await(t, c.MultiFetch(context.Background(), []CacheKey{"k1", "k2", "k3"}))
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len=%d want 3", len(got))
	}
	if got[0].Key != "k1" || string(got[0].Payload) != "one" {
		t.Fatalf("outcome[0]=%+v", got[0])
	}
	if got[1].Key != "k2" || !got[1].Miss() {
		t.Fatalf("outcome[1]=%+v", got[1])
	}
	if got[2].Key != "k3" || string(got[2].Payload) != "three" {
		t.Fatalf("outcome[2]=%+v", got[2])
	}
	if n := len(srv.seen()); n != 1 {
		t.Fatalf("wire calls=%d want 1", n)
	}
}

func TestMultiFetchEmptyKeyFailsAlone(t *testing.T) {
	srv := newFakeServer(wire.EncodingTagged)
	srv.put("k", []byte("v"))
	c := newTestClient(t, srv, wire.EncodingTagged, nil)

	got, _ := await(t, c.MultiFetch(context.Background(), []CacheKey{"", "k"}))
	if !errors.Is(got[0].Err, ErrEmptyKey) || !got[1].Hit() {
		t.Fatalf("got %+v", got)
	}
}

func TestConcurrentFetchesDedupToOneCall(t *testing.T) {
	srv := newFakeServer(wire.EncodingCompact)
	srv.put("k", []byte("shared"))
	release := srv.hold()
	defer release()
	hooks := &recordingHooks{}
	c := newTestClient(t, srv, wire.EncodingCompact, func(o *Options) { o.Hooks = hooks })

	const n = 10
	futures := make([]*Future[FetchOutcome], n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			futures[i] = c.Fetch(context.Background(), "k")
		}()
	}
	wg.Wait()
	release()
	for _, f := range futures {
		o, _ := await(t, f)
		if string(o.Payload) != "shared" {
			t.Fatalf("outcome=%+v", o)
		}
	}

	reqs := srv.seen()
	if len(reqs) != 1 {
		t.Fatalf("wire calls=%d want 1", len(reqs))
	}
	if keys := reqs[0].MultiFetchRequest.Keys; len(keys) != 1 || keys[0] != "k" {
		t.Fatalf("batched keys=%v", keys)
	}
	if st := c.Stats(); st.DedupJoins != n-1 {
		t.Fatalf("dedup joins=%d want %d", st.DedupJoins, n-1)
	}
	if hooks.joins != n-1 {
		t.Fatalf("hook joins=%d", hooks.joins)
	}
	eventually(t, func() bool { return c.fetches.Len() == 0 })
}

func TestFetchesBatchBySize(t *testing.T) {
	srv := newFakeServer(wire.EncodingTagged)
	srv.put("a", []byte("A"))
	srv.put("c", []byte("C"))
	hooks := &recordingHooks{}
	c := newTestClient(t, srv, wire.EncodingTagged, func(o *Options) {
		o.MaxBatchSize = 3
		o.MaxBatchWait = time.Hour
		o.Hooks = hooks
	})

	fa := c.Fetch(context.Background(), "a")
	fb := c.Fetch(context.Background(), "b")
	fc := c.Fetch(context.Background(), "c")

	a, _ := await(t, fa)
	b, _ := await(t, fb)
	cc, _ := await(t, fc)
	if string(a.Payload) != "A" || !b.Miss() || string(cc.Payload) != "C" {
		t.Fatalf("a=%+v b=%+v c=%+v", a, b, cc)
	}
	if reqs := srv.seen(); len(reqs) != 1 || len(reqs[0].MultiFetchRequest.Keys) != 3 {
		t.Fatalf("expected one batch of 3, got %d calls", len(reqs))
	}
	if len(hooks.flushes) != 1 || hooks.flushes[0] != 3 {
		t.Fatalf("flushes=%v", hooks.flushes)
	}
}

func TestSingleFetchFlushesWithinMaxWait(t *testing.T) {
	srv := newFakeServer(wire.EncodingCompact)
	srv.put("solo", []byte("x"))
	const maxWait = 25 * time.Millisecond
	c := newTestClient(t, srv, wire.EncodingCompact, func(o *Options) {
		o.MaxBatchSize = 100
		o.MaxBatchWait = maxWait
	})

	start := time.Now()
	o, _ := await(t, c.Fetch(context.Background(), "solo"))
	if !o.Hit() {
		t.Fatalf("outcome=%+v", o)
	}
	if el := time.Since(start); el > maxWait+2*time.Second {
		t.Fatalf("flush took %v", el)
	}
}

func TestPartialFailureIsolation(t *testing.T) {
	srv := newFakeServer(wire.EncodingTagged)
	srv.put("kGood", []byte("good"))
	srv.failing["kBad"] = "disk error"
	c := newTestClient(t, srv, wire.EncodingTagged, func(o *Options) {
		o.MaxBatchSize = 2
		o.MaxBatchWait = time.Hour
	})

	good := c.Fetch(context.Background(), "kGood")
	bad := c.Fetch(context.Background(), "kBad")

	g, _ := await(t, good)
	b, _ := await(t, bad)
	if !g.Hit() || string(g.Payload) != "good" {
		t.Fatalf("good=%+v", g)
	}
	var re *RemoteError
	if b.Kind != OutcomeError || !errors.As(b.Err, &re) || re.Key != "kBad" || re.Message != "disk error" {
		t.Fatalf("bad=%+v", b)
	}
}

func TestCancelOneJoinerKeepsCall(t *testing.T) {
	srv := newFakeServer(wire.EncodingCompact)
	srv.put("k", []byte("v"))
	release := srv.hold()
	defer release()
	c := newTestClient(t, srv, wire.EncodingCompact, nil)

	first := c.Fetch(context.Background(), "k")
	second := c.Fetch(context.Background(), "k")

	first.Cancel()
	if _, err := await(t, first); !errors.Is(err, ErrCanceled) {
		t.Fatalf("first: err=%v want ErrCanceled", err)
	}
	release()

	o, err := await(t, second)
	if err != nil || !o.Hit() {
		t.Fatalf("second: %+v %v", o, err)
	}
	if n := len(srv.seen()); n != 1 {
		t.Fatalf("wire calls=%d want 1", n)
	}
}

func TestContextCancelCancelsFuture(t *testing.T) {
	srv := newFakeServer(wire.EncodingCompact)
	release := srv.hold()
	defer release()
	c := newTestClient(t, srv, wire.EncodingCompact, nil)

	ctx, cancel := context.WithCancel(context.Background())
	f := c.Fetch(ctx, "k")
	cancel()
	<-f.Done()
	if _, err := f.Await(context.Background()); !errors.Is(err, ErrCanceled) {
		t.Fatalf("err=%v want ErrCanceled", err)
	}
}

func TestTimeoutClearsInFlightEntry(t *testing.T) {
	srv := newFakeServer(wire.EncodingCompact)
	srv.put("k", []byte("v"))
	release := srv.hold()
	c := newTestClient(t, srv, wire.EncodingCompact, func(o *Options) {
		o.Timeout = 30 * time.Millisecond
	})

	o, _ := await(t, c.Fetch(context.Background(), "k"))
	if o.Kind != OutcomeError || !errors.Is(o.Err, ErrTimeout) {
		t.Fatalf("outcome=%+v want timeout", o)
	}
	eventually(t, func() bool { return c.fetches.Len() == 0 })

	release()
	o, _ = await(t, c.Fetch(context.Background(), "k"))
	if !o.Hit() {
		t.Fatalf("retry after timeout: %+v", o)
	}
}

// stalledListener accepts connections, answers the six byte handshake by
// echoing it, and then stops reading.
func stalledListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, nc)
			mu.Unlock()
			hs := make([]byte, 6)
			if _, err := io.ReadFull(nc, hs); err == nil {
				_, _ = nc.Write(hs)
			}
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return ln.Addr().String()
}

func TestStalledServerTimesOutQueuedFetch(t *testing.T) {
	cl, err := Dial(context.Background(), stalledListener(t), Options{
		Timeout:      200 * time.Millisecond,
		MaxBatchWait: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = cl.Close(context.Background()) })
	c := cl.(*client)

	sf := c.Store(context.Background(), "big", nil, make([]byte, 64<<20))
	time.Sleep(50 * time.Millisecond)
	ff := c.Fetch(context.Background(), "small")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	sr, err := sf.Await(ctx)
	if err != nil {
		t.Fatalf("store still pending: %v", err)
	}
	o, err := ff.Await(ctx)
	if err != nil {
		t.Fatalf("fetch still pending: %v", err)
	}

	if sr.Stored || !errors.Is(sr.Err, ErrTimeout) {
		t.Fatalf("store=%+v want timeout", sr)
	}
	if o.Kind != OutcomeError || !errors.Is(o.Err, ErrTimeout) {
		t.Fatalf("fetch=%+v want timeout", o)
	}
	eventually(t, func() bool { return c.fetches.Len() == 0 })
}

func TestContains(t *testing.T) {
	srv := newFakeServer(wire.EncodingTagged)
	srv.put("present", []byte("payload"))
	c := newTestClient(t, srv, wire.EncodingTagged, nil)

	ok, err := await(t, c.Contains(context.Background(), "present"))
	if err != nil || !ok {
		t.Fatalf("present: %v %v", ok, err)
	}
	ok, err = await(t, c.Contains(context.Background(), "absent"))
	if err != nil || ok {
		t.Fatalf("absent: %v %v", ok, err)
	}
	for _, r := range srv.seen() {
		if *r.Type != wire.TypeFetch || r.FetchRequest.HeadOnly == nil || !*r.FetchRequest.HeadOnly {
			t.Fatalf("probe was not head-only: %+v", r)
		}
	}
}

type failingSession struct{ err error }

func (s failingSession) RoundTrip(context.Context, []byte) ([]byte, error) { return nil, s.err }
func (failingSession) Encoding() wire.Encoding                             { return wire.EncodingCompact }
func (failingSession) Close() error                                        { return nil }

func TestStoreFailureIsReportedNotRaised(t *testing.T) {
	hooks := &recordingHooks{}
	boom := &transport.TransportError{Op: "write", Err: errors.New("connection reset"), Retryable: true}
	c, err := New(Options{Session: failingSession{err: boom}, Hooks: hooks})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close(context.Background())

	res, err := await(t, c.Store(context.Background(), "k", nil, []byte("x")))
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if res.Stored || !errors.Is(res.Err, boom) {
		t.Fatalf("result=%+v", res)
	}
	if len(hooks.storeFailed) != 1 || hooks.storeFailed[0] != "k" || hooks.wireErrors != 1 {
		t.Fatalf("hooks=%+v", hooks)
	}
	if st := c.Stats(); st.StoreFailures != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestServerDeclinedStore(t *testing.T) {
	srv := newFakeServer(wire.EncodingCompact)
	c := newTestClient(t, srv, wire.EncodingCompact, nil)
	// a tampered frame fails hash verification on the server
	c.session = tamperSession{Session: c.session}

	res, _ := await(t, c.Store(context.Background(), "k", nil, []byte("payload")))
	var re *RemoteError
	if res.Stored || !errors.As(res.Err, &re) {
		t.Fatalf("result=%+v", res)
	}
}

// tamperSession corrupts a byte near the end of every request, which lands
// in the inline payload of a small store.
type tamperSession struct{ transport.Session }

func (s tamperSession) RoundTrip(ctx context.Context, frame []byte) ([]byte, error) {
	b := append([]byte(nil), frame...)
	b[len(b)-2] ^= 0xFF
	return s.Session.RoundTrip(ctx, b)
}

func TestProtocolViolationOnMismatchedResponse(t *testing.T) {
	hooks := &recordingHooks{}
	codec := wire.MustCodec(wire.EncodingCompact)
	h := transport.HandlerFunc(func(context.Context, wire.Encoding, []byte) ([]byte, error) {
		return codec.EncodeResponse(&wire.Response{
			Type:          wire.Ptr(wire.TypeStore),
			StoreResponse: &wire.StoreResponse{Accepted: wire.Ptr(true)},
		})
	})
	c, err := New(Options{Session: transport.Loopback(h, wire.EncodingCompact), Hooks: hooks, MaxBatchWait: time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close(context.Background())

	o, _ := await(t, c.Fetch(context.Background(), "k"))
	if !errors.Is(o.Err, ErrProtocol) {
		t.Fatalf("outcome=%+v", o)
	}
	if hooks.violations != 1 {
		t.Fatalf("violations=%d", hooks.violations)
	}
}

func TestWholeCallErrorAppliesToEveryKey(t *testing.T) {
	codec := wire.MustCodec(wire.EncodingTagged)
	h := transport.HandlerFunc(func(context.Context, wire.Encoding, []byte) ([]byte, error) {
		return codec.EncodeResponse(wire.ErrorResponse(wire.TypeMultiFetch, "overloaded"))
	})
	c, err := New(Options{Session: transport.Loopback(h, wire.EncodingTagged)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close(context.Background())

	got, _ := await(t, c.MultiFetch(context.Background(), []CacheKey{"a", "b"}))
	for _, o := range got {
		var re *RemoteError
		if !errors.As(o.Err, &re) || re.Message != "overloaded" {
			t.Fatalf("outcome=%+v", o)
		}
	}
}

func TestClosedClient(t *testing.T) {
	srv := newFakeServer(wire.EncodingCompact)
	c := newTestClient(t, srv, wire.EncodingCompact, nil)
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	o, _ := await(t, c.Fetch(context.Background(), "k"))
	if !errors.Is(o.Err, ErrClosed) {
		t.Fatalf("fetch after close: %+v", o)
	}
	res, _ := await(t, c.Store(context.Background(), "k", nil, []byte("v")))
	if !errors.Is(res.Err, ErrClosed) {
		t.Fatalf("store after close: %+v", res)
	}
}

func TestDisabledClientNeverTouchesWire(t *testing.T) {
	srv := newFakeServer(wire.EncodingCompact)
	c := newTestClient(t, srv, wire.EncodingCompact, func(o *Options) { o.Disabled = true })

	o, _ := await(t, c.Fetch(context.Background(), "k"))
	ok, _ := await(t, c.Contains(context.Background(), "k"))
	res, _ := await(t, c.Store(context.Background(), "k", nil, []byte("v")))
	if !o.Miss() || ok || res.Stored || res.Err != nil {
		t.Fatalf("disabled client: %+v %v %+v", o, ok, res)
	}
	if len(srv.seen()) != 0 {
		t.Fatal("disabled client sent requests")
	}
}

func TestNewRequiresSession(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without session")
	}
}
