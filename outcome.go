package buildcache

import "github.com/unkn0wn-root/buildcache/wire"

type (
	CacheKey = wire.CacheKey
	Metadata = wire.ArtifactMetadata
)

type OutcomeKind uint8

const (
	OutcomeError OutcomeKind = iota
	OutcomeHit
	OutcomeMiss
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeHit:
		return "hit"
	case OutcomeMiss:
		return "miss"
	default:
		return "error"
	}
}

// FetchOutcome is the result for one key. A miss is a normal outcome, not an
// error. Payload is shared between callers that joined the same fetch and
// must not be modified.
type FetchOutcome struct {
	Key      CacheKey
	Kind     OutcomeKind
	Payload  []byte    // hit only; nil for a head-only hit
	Metadata *Metadata // hit only, when the server sent it
	Err      error     // error only
}

func (o FetchOutcome) Hit() bool  { return o.Kind == OutcomeHit }
func (o FetchOutcome) Miss() bool { return o.Kind == OutcomeMiss }

func missOutcome(key CacheKey) FetchOutcome { return FetchOutcome{Key: key, Kind: OutcomeMiss} }

func errorOutcome(key CacheKey, err error) FetchOutcome {
	return FetchOutcome{Key: key, Kind: OutcomeError, Err: err}
}

// StoreResult reports what happened to one store. Stored is false when the
// server declined the artifact or the call failed; Err says which.
type StoreResult struct {
	Key    CacheKey
	Stored bool
	Err    error
}
