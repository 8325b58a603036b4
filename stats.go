package buildcache

import "sync/atomic"

// Stats are cumulative counters since the client was created.
type Stats struct {
	WireCalls     uint64 // request frames sent
	Batches       uint64 // flushed fetch batches
	BatchedKeys   uint64 // keys sent through batches
	DedupJoins    uint64 // fetches and probes that joined an outstanding call
	Stores        uint64
	StoreFailures uint64
}

type counters struct {
	wireCalls, batches, batchedKeys, dedupJoins, stores, storeFailures atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		WireCalls:     c.wireCalls.Load(),
		Batches:       c.batches.Load(),
		BatchedKeys:   c.batchedKeys.Load(),
		DedupJoins:    c.dedupJoins.Load(),
		Stores:        c.stores.Load(),
		StoreFailures: c.storeFailures.Load(),
	}
}
