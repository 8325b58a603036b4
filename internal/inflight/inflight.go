// Package inflight tracks wire calls that are currently outstanding per key
// so concurrent requests for the same key share one call.
//
// An entry lives from the first Join until its owner resolves it. Resolve
// broadcasts to every joiner registered at that moment and then removes the
// entry; a Join that lands between the broadcast and the removal is handed
// the resolved value directly. Nothing is retained after removal.
package inflight

import "sync"

type call[V any] struct {
	joiners map[uint64]func(V)
	next    uint64
	done    bool
	val     V
}

// Table maps keys to their outstanding call.
type Table[K comparable, V any] struct {
	mu    sync.Mutex
	calls map[K]*call[V]
}

func New[K comparable, V any]() *Table[K, V] {
	return &Table[K, V]{calls: make(map[K]*call[V])}
}

// Ticket is one joiner's handle on a call.
type Ticket[K comparable, V any] struct {
	t   *Table[K, V]
	key K
	c   *call[V]
	id  uint64
}

// Join registers deliver against key. owner is true when no call for key was
// outstanding; the owner must start the wire call and eventually Resolve.
// When the call is already resolved but not yet removed, deliver runs before
// Join returns and owner is false.
func (t *Table[K, V]) Join(key K, deliver func(V)) (tk *Ticket[K, V], owner bool) {
	t.mu.Lock()
	c, ok := t.calls[key]
	if !ok {
		c = &call[V]{joiners: make(map[uint64]func(V), 1)}
		t.calls[key] = c
		owner = true
	}
	if c.done {
		v := c.val
		t.mu.Unlock()
		deliver(v)
		return &Ticket[K, V]{t: t, key: key, c: c}, false
	}
	c.next++
	id := c.next
	c.joiners[id] = deliver
	t.mu.Unlock()
	return &Ticket[K, V]{t: t, key: key, c: c, id: id}, owner
}

// Leave unregisters this joiner. It reports false when the call was already
// resolved (the joiner has been, or is being, delivered to). The call itself
// is not affected.
func (tk *Ticket[K, V]) Leave() bool {
	t := tk.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if tk.c.done || tk.id == 0 {
		return false
	}
	if _, ok := tk.c.joiners[tk.id]; !ok {
		return false
	}
	delete(tk.c.joiners, tk.id)
	return true
}

// Resolve completes the call with v, delivers it to every registered joiner
// and removes the entry. It returns how many joiners received v; zero means
// every joiner left and v was discarded. Only the first Resolve has effect.
func (tk *Ticket[K, V]) Resolve(v V) int {
	t := tk.t
	t.mu.Lock()
	if tk.c.done {
		t.mu.Unlock()
		return 0
	}
	tk.c.done = true
	tk.c.val = v
	joiners := tk.c.joiners
	tk.c.joiners = nil
	t.mu.Unlock()

	for _, deliver := range joiners {
		deliver(v)
	}

	t.mu.Lock()
	if t.calls[tk.key] == tk.c {
		delete(t.calls, tk.key)
	}
	t.mu.Unlock()
	return len(joiners)
}

// Joiners returns the number of joiners currently waiting on key.
func (t *Table[K, V]) Joiners(key K) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.calls[key]; ok {
		return len(c.joiners)
	}
	return 0
}

// Len returns the number of outstanding calls.
func (t *Table[K, V]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
