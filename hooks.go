package buildcache

// Hooks are lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking; the client calls them
// from its flush and delivery paths.
type Hooks interface {
	// A buffered batch was sent. reason ∈ {"size", "wait", "explicit", "close"}
	BatchFlushed(size int, reason string)

	// A fetch joined an outstanding call for the same key.
	DedupJoined(key CacheKey)

	// A wire call failed in transport (refused, reset, timeout).
	WireError(op string, err error)

	// A store did not persist. The build carries on.
	StoreFailed(key CacheKey, err error)

	// The server answered with something that cannot be decoded or does not
	// match the request.
	ProtocolViolation(op string, err error)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) BatchFlushed(int, string)        {}
func (NopHooks) DedupJoined(CacheKey)            {}
func (NopHooks) WireError(string, error)         {}
func (NopHooks) StoreFailed(CacheKey, error)     {}
func (NopHooks) ProtocolViolation(string, error) {}
