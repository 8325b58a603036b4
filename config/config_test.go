package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/buildcache/codec"
	"github.com/unkn0wn-root/buildcache/internal/entry"
	"github.com/unkn0wn-root/buildcache/wire"
)

func TestDefaultsValid(t *testing.T) {
	c, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, "bigcache", c.Storage.Provider)
	encs, err := c.Server.WireEncodings()
	require.NoError(t, err)
	assert.Equal(t, []wire.Encoding{wire.EncodingTagged, wire.EncodingCompact}, encs)
}

func TestYAMLThenEnv(t *testing.T) {
	doc := []byte(`
log:
  level: debug
server:
  listen: 0.0.0.0:9000
  encodings: [compact]
storage:
  provider: ristretto
  metadata_codec: msgpack
  compression: lz4
  ttl: 2h
client:
  max_batch_wait: 3ms
`)
	t.Setenv("BUILDCACHE_SERVER_LISTEN", ":9100")
	t.Setenv("BUILDCACHE_STORAGE_METADATA_CODEC", "protobuf")
	t.Setenv("BUILDCACHE_CLIENT_MAX_BATCH_SIZE", "16")

	c, err := Parse(doc)
	require.NoError(t, err)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, ":9100", c.Server.Listen)
	assert.Equal(t, []string{"compact"}, c.Server.Encodings)
	assert.Equal(t, "ristretto", c.Storage.Provider)
	assert.Equal(t, "protobuf", c.Storage.MetadataCodec)
	assert.Equal(t, 2*time.Hour, c.Storage.TTL)
	assert.Equal(t, 3*time.Millisecond, c.Client.MaxBatchWait)
	assert.Equal(t, 16, c.Client.MaxBatchSize)

	so, err := c.Storage.StorageOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, codec.KindProtobuf, so.MetadataCodec)
	assert.Equal(t, entry.CompressionLZ4, so.Compression)
}

func TestValidateCollectsErrors(t *testing.T) {
	_, err := Parse([]byte(`
log: {level: loud}
storage: {provider: redis, metadata_codec: xml}
client: {encoding: thrift}
`))
	require.Error(t, err)
	for _, want := range []string{"log.level", "storage.redis.url", "storage.metadata_codec", "client.encoding"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buildcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage: {namespace: ci}\n"), 0o600))
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ci", c.Storage.Namespace)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "config:"))
}

func TestOpenProvider(t *testing.T) {
	for _, name := range []string{"bigcache", "ristretto"} {
		p, err := StorageConfig{Provider: name, Ristretto: RistrettoConfig{MaxCostMB: 8}}.OpenProvider()
		require.NoError(t, err, name)
		ctx := context.Background()
		ok, err := p.Set(ctx, "k", []byte("v"), 1, 0)
		require.NoError(t, err)
		require.True(t, ok)
		got, hit, err := p.Get(ctx, "k")
		require.NoError(t, err)
		assert.True(t, hit)
		assert.Equal(t, "v", string(got))
		require.NoError(t, p.Close(ctx))
	}
}

func TestZapLevel(t *testing.T) {
	l, err := LogConfig{Level: "warn", Format: "console"}.Zap()
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(-1))
	assert.True(t, l.Core().Enabled(1))
}
