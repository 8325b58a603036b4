package redis

import (
	"context"
	"os"
	"testing"
	"time"
)

// Runs against a live server when BUILDCACHE_TEST_REDIS_URL is set,
// e.g. redis://localhost:6379/15.
func TestAgainstServer(t *testing.T) {
	url := os.Getenv("BUILDCACHE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("BUILDCACHE_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	p, err := Dial(url)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close(ctx)

	key := "artifact:test:" + t.Name()
	_ = p.Del(ctx, key)
	if _, ok, err := p.Get(ctx, key); ok || err != nil {
		t.Fatalf("fresh key: ok=%v err=%v", ok, err)
	}
	if ok, err := p.Set(ctx, key, []byte{0, 1, 2}, 0, time.Minute); !ok || err != nil {
		t.Fatalf("set: ok=%v err=%v", ok, err)
	}
	if has, err := p.Has(ctx, key); !has || err != nil {
		t.Fatalf("has: %v %v", has, err)
	}
	b, ok, err := p.Get(ctx, key)
	if !ok || err != nil || string(b) != "\x00\x01\x02" {
		t.Fatalf("get: %q %v %v", b, ok, err)
	}
	if err := p.Del(ctx, key); err != nil {
		t.Fatal(err)
	}
	if err := p.Del(ctx, key); err != nil {
		t.Fatalf("deleting a missing key: %v", err)
	}
}

func TestNilClient(t *testing.T) {
	if _, err := New(Config{}); err != ErrNilClient {
		t.Fatalf("got %v", err)
	}
}

func TestDialBadURL(t *testing.T) {
	if _, err := Dial("http://nope"); err == nil {
		t.Fatal("expected error for non-redis URL")
	}
}
