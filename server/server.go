// Package server is a reference cache server. It answers FETCH, STORE and
// MULTI_FETCH envelopes from a Storage and plugs into transport.Serve or
// transport.Loopback.
package server

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/buildcache"
	"github.com/unkn0wn-root/buildcache/transport"
	"github.com/unkn0wn-root/buildcache/wire"
)

const (
	defaultInlineThreshold  = 64 << 10
	defaultMultiConcurrency = 16
)

type Options struct {
	Storage *Storage

	// Payloads above this size travel out of band; 0 => 64 KiB.
	InlineThreshold int
	// Keys of one MULTI_FETCH looked up concurrently; 0 => 16.
	MultiFetchConcurrency int

	Logger buildcache.Logger
}

// Handler implements transport.Handler.
type Handler struct {
	st        *Storage
	inlineMax int
	limit     int
	codecs    map[wire.Encoding]wire.Codec
	log       buildcache.Logger
}

var _ transport.Handler = (*Handler)(nil)

func New(opts Options) (*Handler, error) {
	if opts.Storage == nil {
		return nil, errors.New("server: storage is required")
	}
	if opts.InlineThreshold == 0 {
		opts.InlineThreshold = defaultInlineThreshold
	}
	if opts.MultiFetchConcurrency <= 0 {
		opts.MultiFetchConcurrency = defaultMultiConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = buildcache.NopLogger{}
	}
	return &Handler{
		st:        opts.Storage,
		inlineMax: opts.InlineThreshold,
		limit:     opts.MultiFetchConcurrency,
		codecs: map[wire.Encoding]wire.Codec{
			wire.EncodingTagged:  wire.MustCodec(wire.EncodingTagged),
			wire.EncodingCompact: wire.MustCodec(wire.EncodingCompact),
		},
		log: opts.Logger,
	}, nil
}

// ServeFrame decodes one request and returns the encoded response. A
// request that cannot be decoded gets a whole-call error response; only a
// failure to encode the response is returned as an error.
func (h *Handler) ServeFrame(ctx context.Context, enc wire.Encoding, frame []byte) ([]byte, error) {
	c, ok := h.codecs[enc]
	if !ok {
		return nil, fmt.Errorf("server: unsupported encoding %s", enc)
	}
	req, err := c.DecodeRequest(frame)
	if err != nil {
		h.log.Debug("malformed request", buildcache.Fields{"err": err, "encoding": enc.String()})
		return c.EncodeResponse(wire.ErrorResponse(wire.TypeUnknown, err.Error()))
	}

	var resp *wire.Response
	switch *req.Type {
	case wire.TypeFetch:
		resp = h.fetch(ctx, req.FetchRequest)
	case wire.TypeStore:
		resp = h.store(ctx, req)
	case wire.TypeMultiFetch:
		resp = h.multiFetch(ctx, req.MultiFetchRequest.Keys)
	default:
		resp = wire.ErrorResponse(*req.Type, "unsupported request type")
	}
	return c.EncodeResponse(resp)
}

type lookup struct {
	meta    *wire.ArtifactMetadata
	payload []byte
	hit     bool
	err     error
}

func (h *Handler) lookup(ctx context.Context, k wire.CacheKey, headOnly bool) lookup {
	var (
		l   lookup
		err error
	)
	if headOnly {
		l.meta, l.hit, err = h.st.Head(ctx, k)
	} else {
		l.meta, l.payload, l.hit, err = h.st.Get(ctx, k)
	}
	if err != nil {
		h.log.Error("storage get", buildcache.Fields{"key": k.String(), "err": err})
		return lookup{err: err}
	}
	return l
}

func (l lookup) result(att *wire.Attachments, headOnly bool) wire.FetchResponse {
	switch {
	case l.err != nil:
		return wire.ErrorResult(l.err.Error())
	case !l.hit:
		return wire.MissResult()
	case headOnly:
		return wire.HitResult(l.meta, nil)
	default:
		return wire.HitResult(l.meta, att.Attach(l.payload))
	}
}

func (h *Handler) fetch(ctx context.Context, fr *wire.FetchRequest) *wire.Response {
	headOnly := fr.HeadOnly != nil && *fr.HeadOnly
	att := wire.NewAttachments(h.inlineMax)
	res := h.lookup(ctx, *fr.Key, headOnly).result(att, headOnly)
	return &wire.Response{
		Type:          wire.Ptr(wire.TypeFetch),
		Payloads:      att.Payloads(),
		FetchResponse: &res,
		Blobs:         att.Blobs(),
	}
}

func (h *Handler) store(ctx context.Context, req *wire.Request) *wire.Response {
	sr := req.StoreRequest
	resp := &wire.Response{Type: wire.Ptr(wire.TypeStore), StoreResponse: &wire.StoreResponse{Accepted: wire.Ptr(false)}}

	payload, err := wire.ResolvePayload(sr.Payload, req.Blobs)
	if err != nil {
		h.log.Warn("store rejected", buildcache.Fields{"key": sr.Key.String(), "err": err})
		resp.StoreResponse.ErrorMessage = wire.Ptr(err.Error())
		return resp
	}
	ok, err := h.st.Put(ctx, *sr.Key, sr.Metadata, payload)
	switch {
	case err != nil:
		h.log.Error("storage put", buildcache.Fields{"key": sr.Key.String(), "err": err})
		resp.StoreResponse.ErrorMessage = wire.Ptr(err.Error())
	case !ok:
		resp.StoreResponse.ErrorMessage = wire.Ptr("store declined the write")
	default:
		resp.StoreResponse.Accepted = wire.Ptr(true)
	}
	return resp
}

// multiFetch looks keys up concurrently and answers positionally. A failed
// key yields an ERROR result; it never fails the call.
func (h *Handler) multiFetch(ctx context.Context, keys []wire.CacheKey) *wire.Response {
	found := make([]lookup, len(keys))
	var g errgroup.Group
	g.SetLimit(h.limit)
	for i, k := range keys {
		g.Go(func() error {
			found[i] = h.lookup(ctx, k, false)
			return nil
		})
	}
	_ = g.Wait()

	att := wire.NewAttachments(h.inlineMax)
	results := make([]wire.FetchResponse, len(keys))
	for i := range found {
		results[i] = found[i].result(att, false)
	}
	return &wire.Response{
		Type:               wire.Ptr(wire.TypeMultiFetch),
		Payloads:           att.Payloads(),
		MultiFetchResponse: &wire.MultiFetchResponse{Results: results},
		Blobs:              att.Blobs(),
	}
}
