// Command buildcache talks to a cache server by hand:
//
//	buildcache fetch <key> [-o file]
//	buildcache store <key> <file> [--target //pkg:rule]
//	buildcache contains <key>...
//
// Keys are taken literally unless --hex is given.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/unkn0wn-root/buildcache"
	"github.com/unkn0wn-root/buildcache/config"
	zapadapter "github.com/unkn0wn-root/buildcache/log/zap"
)

var errUsage = errors.New("usage: buildcache [flags] fetch|store|contains <key> ...")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	fs := pflag.NewFlagSet("buildcache", pflag.ContinueOnError)
	var (
		cfgPath = fs.StringP("config", "c", os.Getenv("BUILDCACHE_CONFIG"), "YAML config file")
		addr    = fs.String("addr", "", "server address (overrides config)")
		hexKeys = fs.Bool("hex", false, "keys are hex encoded")
		out     = fs.StringP("output", "o", "", "fetch: write payload here instead of stdout")
		target  = fs.String("target", "", "store: build target recorded in metadata")
		timeout = fs.Duration("timeout", 30*time.Second, "overall deadline")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) < 2 {
		return errUsage
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	if fs.Changed("addr") {
		cfg.Client.Addr = *addr
	}
	zl, err := cfg.Log.Zap()
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()
	opts, err := cfg.Client.ClientOptions(zapadapter.ZapLogger{L: zl})
	if err != nil {
		return err
	}

	keys := make([]buildcache.CacheKey, 0, len(rest)-1)
	for _, s := range rest[1:] {
		k, err := parseKey(s, *hexKeys)
		if err != nil {
			return err
		}
		keys = append(keys, k)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	c, err := buildcache.Dial(ctx, cfg.Client.Addr, opts)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close(context.Background()) }()

	switch rest[0] {
	case "fetch":
		return fetch(ctx, c, keys[0], *out, stdout)
	case "store":
		if len(rest) != 3 {
			return errUsage
		}
		return store(ctx, c, keys[0], rest[2], *target, stdout)
	case "contains":
		return contains(ctx, c, keys, stdout)
	default:
		return errUsage
	}
}

func parseKey(s string, isHex bool) (buildcache.CacheKey, error) {
	if !isHex {
		return buildcache.CacheKey(s), nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("key %q: %w", s, err)
	}
	return buildcache.CacheKey(b), nil
}

func fetch(ctx context.Context, c buildcache.Client, key buildcache.CacheKey, path string, stdout io.Writer) error {
	o, err := c.Fetch(ctx, key).Await(ctx)
	if err != nil {
		return err
	}
	switch o.Kind {
	case buildcache.OutcomeMiss:
		return fmt.Errorf("%s: miss", key)
	case buildcache.OutcomeError:
		return o.Err
	}
	if path == "" {
		_, err = stdout.Write(o.Payload)
		return err
	}
	return os.WriteFile(path, o.Payload, 0o644)
}

func store(ctx context.Context, c buildcache.Client, key buildcache.CacheKey, path, target string, stdout io.Writer) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	ms := time.Now().UnixMilli()
	meta := &buildcache.Metadata{BuildTimeMs: &ms}
	if target != "" {
		meta.BuildTarget = &target
	}
	if host, err := os.Hostname(); err == nil {
		meta.ProducerID = &host
	}
	r, err := c.Store(ctx, key, meta, payload).Await(ctx)
	if err != nil {
		return err
	}
	if !r.Stored {
		return r.Err
	}
	_, err = fmt.Fprintf(stdout, "stored %s (%d bytes)\n", key, len(payload))
	return err
}

func contains(ctx context.Context, c buildcache.Client, keys []buildcache.CacheKey, stdout io.Writer) error {
	futs := make([]*buildcache.Future[bool], len(keys))
	for i, k := range keys {
		futs[i] = c.Contains(ctx, k)
	}
	for i, f := range futs {
		found, err := f.Await(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", keys[i], err)
		}
		fmt.Fprintf(stdout, "%s\t%v\n", keys[i], found)
	}
	return nil
}
