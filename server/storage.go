package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/unkn0wn-root/buildcache"
	"github.com/unkn0wn-root/buildcache/codec"
	"github.com/unkn0wn-root/buildcache/internal/entry"
	"github.com/unkn0wn-root/buildcache/internal/util"
	"github.com/unkn0wn-root/buildcache/provider"
	"github.com/unkn0wn-root/buildcache/wire"
)

// StorageOptions configures Storage. Provider is required.
type StorageOptions struct {
	Namespace string // default "default"
	Provider  provider.Provider

	// MetadataCodec encodes metadata on write. Entries written with another
	// codec remain readable. Default CBOR.
	MetadataCodec codec.Kind
	// MaxMetadataBytes bounds encoded metadata on read; 0 => 1 MiB.
	MaxMetadataBytes int

	Compression entry.Compression
	CompressMin int // payloads smaller than this are stored raw; 0 => 1 KiB
	// MaxPayloadBytes bounds the decoded payload on read; 0 => 256 MiB.
	// Entries declaring more are treated as corrupt.
	MaxPayloadBytes int

	TTL time.Duration // 0 => provider default

	// Overwrite replaces an existing entry on store. Keys are content
	// derived, so by default a second store of the same key is accepted
	// without rewriting.
	Overwrite bool

	Logger buildcache.Logger
}

// Storage persists artifacts in a provider.
type Storage struct {
	ns        string
	p         provider.Provider
	writeKind codec.Kind
	codecs    map[codec.Kind]codec.Meta
	comp      entry.Compression
	compMin   int
	maxRaw    int
	ttl       time.Duration
	overwrite bool
	log       buildcache.Logger
}

func NewStorage(opts StorageOptions) (*Storage, error) {
	if opts.Provider == nil {
		return nil, errors.New("server: provider is required")
	}
	if opts.Namespace == "" {
		opts.Namespace = "default"
	}
	if opts.MetadataCodec == 0 {
		opts.MetadataCodec = codec.KindCBOR
	}
	if opts.MaxMetadataBytes <= 0 {
		opts.MaxMetadataBytes = 1 << 20
	}
	if opts.CompressMin <= 0 {
		opts.CompressMin = 1 << 10
	}
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = entry.DefaultMaxPayload
	}
	if opts.Logger == nil {
		opts.Logger = buildcache.NopLogger{}
	}

	s := &Storage{
		ns:        opts.Namespace,
		p:         opts.Provider,
		writeKind: opts.MetadataCodec,
		codecs:    make(map[codec.Kind]codec.Meta, 4),
		comp:      opts.Compression,
		compMin:   opts.CompressMin,
		maxRaw:    opts.MaxPayloadBytes,
		ttl:       opts.TTL,
		overwrite: opts.Overwrite,
		log:       opts.Logger,
	}
	for _, k := range []codec.Kind{codec.KindCBOR, codec.KindMsgpack, codec.KindJSON, codec.KindProtobuf} {
		c, err := codec.Metadata(k)
		if err != nil {
			return nil, err
		}
		s.codecs[k] = codec.LimitCodec[*wire.ArtifactMetadata]{Inner: c, MaxDecode: opts.MaxMetadataBytes}
	}
	if _, ok := s.codecs[s.writeKind]; !ok {
		return nil, fmt.Errorf("server: unsupported metadata codec %s", s.writeKind)
	}
	return s, nil
}

func (s *Storage) key(k wire.CacheKey) string { return util.ArtifactKey(s.ns, k.Bytes()) }

// Get returns the artifact stored under k. A stored value that fails to
// decode is deleted and reported as a miss.
func (s *Storage) Get(ctx context.Context, k wire.CacheKey) (*wire.ArtifactMetadata, []byte, bool, error) {
	return s.read(ctx, k, func(raw []byte) (entry.Entry, error) { return entry.DecodeMax(raw, s.maxRaw) })
}

// Head is Get without the payload. The stored payload is never
// decompressed, so a damaged payload is only noticed by Get.
func (s *Storage) Head(ctx context.Context, k wire.CacheKey) (*wire.ArtifactMetadata, bool, error) {
	meta, _, ok, err := s.read(ctx, k, entry.DecodeMeta)
	return meta, ok, err
}

func (s *Storage) read(ctx context.Context, k wire.CacheKey, decode func([]byte) (entry.Entry, error)) (*wire.ArtifactMetadata, []byte, bool, error) {
	pk := s.key(k)
	raw, ok, err := s.p.Get(ctx, pk)
	if err != nil || !ok {
		return nil, nil, false, err
	}
	e, err := decode(raw)
	if err != nil {
		s.heal(ctx, pk, k, err)
		return nil, nil, false, nil
	}
	var meta *wire.ArtifactMetadata
	if len(e.Meta) > 0 {
		c, ok := s.codecs[codec.Kind(e.Codec)]
		if !ok {
			s.heal(ctx, pk, k, fmt.Errorf("unknown metadata codec %d", e.Codec))
			return nil, nil, false, nil
		}
		if meta, err = c.Decode(e.Meta); err != nil {
			s.heal(ctx, pk, k, err)
			return nil, nil, false, nil
		}
	}
	return meta, e.Payload, true, nil
}

// Put stores payload and meta under k. ok=false means the provider
// declined the write.
func (s *Storage) Put(ctx context.Context, k wire.CacheKey, meta *wire.ArtifactMetadata, payload []byte) (bool, error) {
	pk := s.key(k)
	if !s.overwrite {
		exists, err := s.p.Has(ctx, pk)
		if err != nil {
			return false, err
		}
		if exists {
			return true, nil
		}
	}
	var mb []byte
	if meta != nil {
		var err error
		if mb, err = s.codecs[s.writeKind].Encode(meta); err != nil {
			return false, fmt.Errorf("server: encode metadata: %w", err)
		}
	}
	val, err := entry.Encode(entry.Entry{Codec: byte(s.writeKind), Meta: mb, Payload: payload}, s.comp, s.compMin)
	if err != nil {
		return false, err
	}
	return s.p.Set(ctx, pk, val, int64(len(val)), s.ttl)
}

// Delete removes k. Deleting a missing key is not an error.
func (s *Storage) Delete(ctx context.Context, k wire.CacheKey) error {
	return s.p.Del(ctx, s.key(k))
}

func (s *Storage) Close(ctx context.Context) error { return s.p.Close(ctx) }

func (s *Storage) heal(ctx context.Context, pk string, k wire.CacheKey, cause error) {
	s.log.Warn("corrupt entry dropped", buildcache.Fields{"key": k.String(), "err": cause})
	if err := s.p.Del(ctx, pk); err != nil {
		s.log.Error("drop corrupt entry", buildcache.Fields{"key": k.String(), "err": err})
	}
}
