// Package buildcache is a client for a shared remote build-artifact cache.
// Many concurrent build actions fetch and store compiled outputs keyed by a
// content-derived CacheKey without each one paying its own round trip.
//
// Components:
//   - wire: the request/response envelopes and their two encodings
//     (self-describing tagged form, compact bitset form).
//   - transport: a negotiated session that carries encoded frames.
//   - in-flight table: concurrent fetches for one key share one wire call.
//   - batching window: single-key fetches issued close together go out as
//     one MULTI_FETCH, bounded by size and by wait time.
//
// Fetch path:
//
//	Fetch(k) -> join in-flight call for k? -> yes: wait for its outcome
//	                                       -> no:  queue k in the window
//	window full or oldest entry aged out -> one MULTI_FETCH -> route outcome i to key i
//
// A miss is a normal outcome. Stores never fail a build: their errors are
// logged, reported to Hooks and returned as values.
package buildcache
