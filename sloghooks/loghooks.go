// Package sloghooks reports client events through log/slog.
package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/buildcache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	BatchFlushedEvery uint64
	DedupJoinedEvery  uint64
	// Optional key redactor. Defaults to a SHA-256 prefix.
	Redact func(buildcache.CacheKey) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	flushCtr atomic.Uint64
	joinCtr  atomic.Uint64
}

var _ buildcache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k buildcache.CacheKey) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256(k.Bytes())
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) BatchFlushed(size int, reason string) {
	if h.l == nil || !sample(h.opts.BatchFlushedEvery, &h.flushCtr) {
		return
	}
	h.l.Debug("buildcache.batch_flushed",
		"size", size,
		"reason", reason)
}

func (h *Hooks) DedupJoined(key buildcache.CacheKey) {
	if h.l == nil || !sample(h.opts.DedupJoinedEvery, &h.joinCtr) {
		return
	}
	h.l.Debug("buildcache.dedup_joined",
		"key", h.redact(key))
}

func (h *Hooks) WireError(op string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("buildcache.wire_error",
		"op", op,
		"err", err)
}

func (h *Hooks) StoreFailed(key buildcache.CacheKey, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("buildcache.store_failed",
		"key", h.redact(key),
		"err", err)
}

func (h *Hooks) ProtocolViolation(op string, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("buildcache.protocol_violation",
		"op", op,
		"err", err)
}
