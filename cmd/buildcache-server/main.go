// Command buildcache-server serves a remote build cache from an in-memory or
// Redis-backed store.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/unkn0wn-root/buildcache/config"
	zapadapter "github.com/unkn0wn-root/buildcache/log/zap"
	"github.com/unkn0wn-root/buildcache/server"
	"github.com/unkn0wn-root/buildcache/transport"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("buildcache-server", pflag.ContinueOnError)
	var (
		cfgPath  = fs.StringP("config", "c", os.Getenv("BUILDCACHE_CONFIG"), "YAML config file")
		listen   = fs.String("listen", "", "listen address (overrides config)")
		provider = fs.String("provider", "", "bigcache, ristretto or redis (overrides config)")
		level    = fs.String("log-level", "", "debug, info, warn or error (overrides config)")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	if fs.Changed("listen") {
		cfg.Server.Listen = *listen
	}
	if fs.Changed("provider") {
		cfg.Storage.Provider = *provider
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = *level
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	zl, err := cfg.Log.Zap()
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()
	log := zapadapter.ZapLogger{L: zl}

	p, err := cfg.Storage.OpenProvider()
	if err != nil {
		return fmt.Errorf("open %s provider: %w", cfg.Storage.Provider, err)
	}
	so, err := cfg.Storage.StorageOptions(log)
	if err != nil {
		return err
	}
	so.Provider = p
	st, err := server.NewStorage(so)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close(context.Background()) }()

	h, err := server.New(server.Options{
		Storage:               st,
		InlineThreshold:       cfg.Server.InlineThreshold,
		MultiFetchConcurrency: cfg.Server.MultiFetchConcurrency,
		Logger:                log,
	})
	if err != nil {
		return err
	}
	sopts, err := cfg.Server.ServeOptions()
	if err != nil {
		return err
	}
	sopts.OnError = func(remote net.Addr, err error) {
		zl.Warn("connection failed", zap.Stringer("remote", remote), zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return err
	}
	zl.Info("serving",
		zap.String("addr", ln.Addr().String()),
		zap.String("provider", cfg.Storage.Provider),
		zap.String("namespace", cfg.Storage.Namespace),
		zap.String("metadata_codec", cfg.Storage.MetadataCodec),
		zap.String("compression", cfg.Storage.Compression))
	err = transport.Serve(ctx, ln, h, sopts)
	zl.Info("stopped")
	return err
}
