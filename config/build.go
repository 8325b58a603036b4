package config

import (
	"fmt"

	"github.com/unkn0wn-root/buildcache"
	"github.com/unkn0wn-root/buildcache/codec"
	"github.com/unkn0wn-root/buildcache/internal/entry"
	"github.com/unkn0wn-root/buildcache/provider"
	"github.com/unkn0wn-root/buildcache/provider/bigcache"
	"github.com/unkn0wn-root/buildcache/provider/redis"
	"github.com/unkn0wn-root/buildcache/provider/ristretto"
	"github.com/unkn0wn-root/buildcache/server"
	"github.com/unkn0wn-root/buildcache/transport"
	"github.com/unkn0wn-root/buildcache/wire"
)

// OpenProvider opens the configured byte store.
func (s StorageConfig) OpenProvider() (provider.Provider, error) {
	switch s.Provider {
	case "bigcache":
		p, err := bigcache.New(bigcache.Config{
			LifeWindow:         s.BigCache.LifeWindow,
			Shards:             s.BigCache.Shards,
			HardMaxCacheSizeMB: s.BigCache.HardMaxMB,
			MaxEntrySize:       s.BigCache.MaxEntrySize,
		})
		return opened(p, err)
	case "ristretto":
		maxCost := s.Ristretto.MaxCostMB << 20
		if maxCost == 0 {
			maxCost = 1 << 30
		}
		counters := s.Ristretto.NumCounters
		if counters == 0 {
			counters = 1e6
		}
		p, err := ristretto.New(ristretto.Config{NumCounters: counters, MaxCost: maxCost})
		return opened(p, err)
	case "redis":
		p, err := redis.Dial(s.Redis.URL)
		return opened(p, err)
	default:
		return nil, fmt.Errorf("config: unknown provider %q", s.Provider)
	}
}

// opened keeps a failed constructor's nil pointer out of the interface.
func opened[P provider.Provider](p P, err error) (provider.Provider, error) {
	if err != nil {
		return nil, err
	}
	return p, nil
}

// StorageOptions maps the storage section onto server.StorageOptions.
// Provider is left for the caller.
func (s StorageConfig) StorageOptions(log buildcache.Logger) (server.StorageOptions, error) {
	kind, err := codec.ParseKind(s.MetadataCodec)
	if err != nil {
		return server.StorageOptions{}, err
	}
	comp, err := entry.ParseCompression(s.Compression)
	if err != nil {
		return server.StorageOptions{}, err
	}
	return server.StorageOptions{
		Namespace:     s.Namespace,
		MetadataCodec: kind,
		Compression:   comp,
		CompressMin:   s.CompressMin,
		TTL:           s.TTL,
		Overwrite:     s.Overwrite,
		Logger:        log,
	}, nil
}

// ServeOptions maps the server section onto transport.ServeOptions.
func (s ServerConfig) ServeOptions() (transport.ServeOptions, error) {
	encs, err := s.WireEncodings()
	if err != nil {
		return transport.ServeOptions{}, err
	}
	return transport.ServeOptions{Encodings: encs, MaxFrameSize: s.MaxFrameSize}, nil
}

// ClientOptions maps the client section onto buildcache.Options.
func (c ClientConfig) ClientOptions(log buildcache.Logger) (buildcache.Options, error) {
	enc, err := wire.ParseEncoding(c.Encoding)
	if err != nil {
		return buildcache.Options{}, err
	}
	return buildcache.Options{
		MaxBatchSize: c.MaxBatchSize,
		MaxBatchWait: c.MaxBatchWait,
		Timeout:      c.Timeout,
		Logger:       log,
		Encoding:     enc,
		MaxRetries:   c.MaxRetries,
		DialTimeout:  c.DialTimeout,
	}, nil
}
