// Package config loads settings for the buildcache binaries. A YAML file is
// read first, then BUILDCACHE_* environment variables override it, then the
// result is validated.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/unkn0wn-root/buildcache/codec"
	"github.com/unkn0wn-root/buildcache/internal/entry"
	"github.com/unkn0wn-root/buildcache/wire"
)

const EnvPrefix = "BUILDCACHE_"

type Config struct {
	Log     LogConfig     `yaml:"log" envPrefix:"LOG_"`
	Server  ServerConfig  `yaml:"server" envPrefix:"SERVER_"`
	Storage StorageConfig `yaml:"storage" envPrefix:"STORAGE_"`
	Client  ClientConfig  `yaml:"client" envPrefix:"CLIENT_"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"FORMAT"` // json or console
}

type ServerConfig struct {
	Listen                string   `yaml:"listen" env:"LISTEN"`
	Encodings             []string `yaml:"encodings" env:"ENCODINGS" envSeparator:","`
	MaxFrameSize          int      `yaml:"max_frame_size" env:"MAX_FRAME_SIZE"`
	InlineThreshold       int      `yaml:"inline_threshold" env:"INLINE_THRESHOLD"`
	MultiFetchConcurrency int      `yaml:"multi_fetch_concurrency" env:"MULTI_FETCH_CONCURRENCY"`
}

type StorageConfig struct {
	Provider      string        `yaml:"provider" env:"PROVIDER"` // bigcache, ristretto or redis
	Namespace     string        `yaml:"namespace" env:"NAMESPACE"`
	MetadataCodec string        `yaml:"metadata_codec" env:"METADATA_CODEC"`
	Compression   string        `yaml:"compression" env:"COMPRESSION"`
	CompressMin   int           `yaml:"compress_min" env:"COMPRESS_MIN"`
	TTL           time.Duration `yaml:"ttl" env:"TTL"`
	Overwrite     bool          `yaml:"overwrite" env:"OVERWRITE"`

	BigCache  BigCacheConfig  `yaml:"bigcache" envPrefix:"BIGCACHE_"`
	Ristretto RistrettoConfig `yaml:"ristretto" envPrefix:"RISTRETTO_"`
	Redis     RedisConfig     `yaml:"redis" envPrefix:"REDIS_"`
}

type BigCacheConfig struct {
	Shards       int           `yaml:"shards" env:"SHARDS"`
	LifeWindow   time.Duration `yaml:"life_window" env:"LIFE_WINDOW"`
	HardMaxMB    int           `yaml:"hard_max_mb" env:"HARD_MAX_MB"`
	MaxEntrySize int           `yaml:"max_entry_size" env:"MAX_ENTRY_SIZE"`
}

type RistrettoConfig struct {
	NumCounters int64 `yaml:"num_counters" env:"NUM_COUNTERS"`
	MaxCostMB   int64 `yaml:"max_cost_mb" env:"MAX_COST_MB"`
}

type RedisConfig struct {
	URL string `yaml:"url" env:"URL"`
}

type ClientConfig struct {
	Addr         string        `yaml:"addr" env:"ADDR"`
	Encoding     string        `yaml:"encoding" env:"ENCODING"`
	MaxBatchSize int           `yaml:"max_batch_size" env:"MAX_BATCH_SIZE"`
	MaxBatchWait time.Duration `yaml:"max_batch_wait" env:"MAX_BATCH_WAIT"`
	Timeout      time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxRetries   uint64        `yaml:"max_retries" env:"MAX_RETRIES"`
	DialTimeout  time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
}

// Default returns the settings used when nothing is configured.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Server: ServerConfig{
			Listen:    "127.0.0.1:7070",
			Encodings: []string{"tagged", "compact"},
		},
		Storage: StorageConfig{
			Provider:      "bigcache",
			Namespace:     "default",
			MetadataCodec: "cbor",
			Compression:   "zstd",
		},
		Client: ClientConfig{
			Addr:     "127.0.0.1:7070",
			Encoding: "compact",
		},
	}
}

// Load reads path (skipped when empty), applies environment overrides and
// validates.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		data = b
	}
	return Parse(data)
}

// Parse is Load for an in-memory YAML document.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	}
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(field string, err error) { errs = append(errs, fmt.Errorf("%s: %w", field, err)) }

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		bad("log.level", fmt.Errorf("unknown level %q", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		bad("log.format", fmt.Errorf("unknown format %q", c.Log.Format))
	}

	if _, err := c.Server.WireEncodings(); err != nil {
		bad("server.encodings", err)
	}
	if c.Server.MaxFrameSize < 0 {
		bad("server.max_frame_size", errors.New("negative"))
	}

	switch c.Storage.Provider {
	case "bigcache", "ristretto":
	case "redis":
		if c.Storage.Redis.URL == "" {
			bad("storage.redis.url", errors.New("required for the redis provider"))
		}
	default:
		bad("storage.provider", fmt.Errorf("unknown provider %q", c.Storage.Provider))
	}
	if _, err := codec.ParseKind(c.Storage.MetadataCodec); err != nil {
		bad("storage.metadata_codec", err)
	}
	if _, err := entry.ParseCompression(c.Storage.Compression); err != nil {
		bad("storage.compression", err)
	}
	if c.Storage.TTL < 0 {
		bad("storage.ttl", errors.New("negative"))
	}

	if _, err := wire.ParseEncoding(c.Client.Encoding); err != nil {
		bad("client.encoding", err)
	}
	if c.Client.MaxBatchSize < 0 {
		bad("client.max_batch_size", errors.New("negative"))
	}
	return errors.Join(errs...)
}

// WireEncodings returns the encodings the server accepts.
func (s ServerConfig) WireEncodings() ([]wire.Encoding, error) {
	out := make([]wire.Encoding, 0, len(s.Encodings))
	for _, name := range s.Encodings {
		e, err := wire.ParseEncoding(name)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
