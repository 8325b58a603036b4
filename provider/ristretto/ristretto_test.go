package ristretto

import (
	"bytes"
	"context"
	"testing"
)

func TestSetIsVisibleToNextGet(t *testing.T) {
	ctx := context.Background()
	p, err := New(Config{NumCounters: 1000, MaxCost: 1 << 20})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = p.Close(ctx) })

	if ok, err := p.Set(ctx, "k", []byte("value"), 0, 0); !ok || err != nil {
		t.Fatalf("set: ok=%v err=%v", ok, err)
	}
	b, ok, err := p.Get(ctx, "k")
	if !ok || err != nil || !bytes.Equal(b, []byte("value")) {
		t.Fatalf("get: %q %v %v", b, ok, err)
	}
	if has, _ := p.Has(ctx, "k"); !has {
		t.Fatal("has: want true")
	}
	_ = p.Del(ctx, "k")
	if _, ok, _ := p.Get(ctx, "k"); ok {
		t.Fatal("key still present after delete")
	}
}

func TestInvalidConfig(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for zero config")
	}
}
