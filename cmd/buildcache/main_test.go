package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/buildcache/provider/ristretto"
	"github.com/unkn0wn-root/buildcache/server"
	"github.com/unkn0wn-root/buildcache/transport"
)

func startServer(t *testing.T) string {
	t.Helper()
	p, err := ristretto.New(ristretto.Config{NumCounters: 1000, MaxCost: 1 << 24})
	require.NoError(t, err)
	st, err := server.NewStorage(server.StorageOptions{Provider: p})
	require.NoError(t, err)
	h, err := server.New(server.Options{Storage: st})
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = transport.Serve(ctx, ln, h, transport.ServeOptions{})
		close(done)
	}()
	t.Cleanup(func() { cancel(); <-done })
	return ln.Addr().String()
}

func TestStoreFetchContains(t *testing.T) {
	t.Setenv("BUILDCACHE_LOG_LEVEL", "error")
	addr := startServer(t)
	dir := t.TempDir()
	in := filepath.Join(dir, "in.bin")
	require.NoError(t, os.WriteFile(in, []byte{1, 2, 3}, 0o600))

	var out bytes.Buffer
	require.NoError(t, run([]string{"--addr", addr, "--hex", "store", "abc123", in, "--target", "//a:b"}, &out))
	require.Contains(t, out.String(), "stored")

	out.Reset()
	require.NoError(t, run([]string{"--addr", addr, "--hex", "fetch", "abc123"}, &out))
	require.Equal(t, []byte{1, 2, 3}, out.Bytes())

	out.Reset()
	require.NoError(t, run([]string{"--addr", addr, "--hex", "contains", "abc123", "ffff"}, &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Equal(t, []string{"abc123\ttrue", "ffff\tfalse"}, lines)

	err := run([]string{"--addr", addr, "fetch", "nothing-here"}, &out)
	require.ErrorContains(t, err, "miss")
}

func TestUsage(t *testing.T) {
	require.ErrorIs(t, run([]string{"fetch"}, &bytes.Buffer{}), errUsage)
}
