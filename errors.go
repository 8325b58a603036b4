package buildcache

import (
	"errors"
	"fmt"

	"github.com/unkn0wn-root/buildcache/internal/batch"
	"github.com/unkn0wn-root/buildcache/transport"
)

var (
	ErrCanceled        = errors.New("buildcache: canceled")
	ErrClosed          = errors.New("buildcache: client closed")
	ErrEmptyKey        = errors.New("buildcache: empty cache key")
	ErrProtocol        = errors.New("buildcache: unexpected response")
	ErrTimeout         = transport.ErrTimeout
	ErrMisalignedBatch = batch.ErrMisalignedBatch
)

// RemoteError is a failure the server reported. Key is empty when the whole
// call failed rather than a single key.
type RemoteError struct {
	Op      string
	Key     CacheKey
	Message string
}

func (e *RemoteError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("buildcache: %s failed on server: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("buildcache: %s %s failed on server: %s", e.Op, e.Key, e.Message)
}

