package bigcache

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestSetGetHasDel(t *testing.T) {
	ctx := context.Background()
	p, err := New(Config{LifeWindow: time.Minute, Shards: 16})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = p.Close(ctx) })

	if _, ok, err := p.Get(ctx, "missing"); ok || err != nil {
		t.Fatalf("miss: ok=%v err=%v", ok, err)
	}
	if ok, err := p.Set(ctx, "k", []byte{1, 2, 3}, 0, 0); !ok || err != nil {
		t.Fatalf("set: ok=%v err=%v", ok, err)
	}
	b, ok, err := p.Get(ctx, "k")
	if !ok || err != nil || !bytes.Equal(b, []byte{1, 2, 3}) {
		t.Fatalf("get: %v %v %v", b, ok, err)
	}
	if has, err := p.Has(ctx, "k"); !has || err != nil {
		t.Fatalf("has: %v %v", has, err)
	}
	if err := p.Del(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if err := p.Del(ctx, "k"); err != nil {
		t.Fatalf("deleting a missing key: %v", err)
	}
	if has, _ := p.Has(ctx, "k"); has {
		t.Fatal("key still present after delete")
	}
}
