package buildcache

import "time"

const (
	defaultMaxBatchSize    = 64
	defaultMaxBatchWait    = 5 * time.Millisecond
	defaultTimeout         = 30 * time.Second
	defaultInlineThreshold = 64 << 10
)

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
