package inflight

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestFirstJoinOwnsTheCall(t *testing.T) {
	tb := New[string, int]()
	var got []int
	var mu sync.Mutex
	deliver := func(v int) { mu.Lock(); got = append(got, v); mu.Unlock() }

	owner, isOwner := tb.Join("k", deliver)
	if !isOwner {
		t.Fatal("first join should own the call")
	}
	for range 4 {
		if _, o := tb.Join("k", deliver); o {
			t.Fatal("later joins must not own the call")
		}
	}
	if n := tb.Joiners("k"); n != 5 {
		t.Fatalf("joiners=%d want 5", n)
	}

	if n := owner.Resolve(7); n != 5 {
		t.Fatalf("resolve delivered to %d, want 5", n)
	}
	if len(got) != 5 {
		t.Fatalf("got %d deliveries", len(got))
	}
	for _, v := range got {
		if v != 7 {
			t.Fatalf("delivered %d want 7", v)
		}
	}
	if tb.Len() != 0 {
		t.Fatalf("entry not removed after resolve, len=%d", tb.Len())
	}
}

func TestKeysAreIndependent(t *testing.T) {
	tb := New[string, int]()
	_, a := tb.Join("a", func(int) {})
	_, b := tb.Join("b", func(int) {})
	if !a || !b {
		t.Fatal("distinct keys should each get an owner")
	}
	if tb.Len() != 2 {
		t.Fatalf("len=%d want 2", tb.Len())
	}
}

func TestLeaveRemovesOnlyThatJoiner(t *testing.T) {
	tb := New[string, int]()
	var delivered atomic.Int32
	owner, _ := tb.Join("k", func(int) { delivered.Add(1) })
	other, _ := tb.Join("k", func(int) { t.Error("left joiner was delivered to") })

	if !other.Leave() {
		t.Fatal("leave should succeed before resolve")
	}
	if other.Leave() {
		t.Fatal("second leave should report false")
	}
	if n := owner.Resolve(1); n != 1 {
		t.Fatalf("resolve delivered to %d, want 1", n)
	}
	if delivered.Load() != 1 {
		t.Fatalf("owner delivered %d times", delivered.Load())
	}
}

func TestResolveWithNoJoinersDiscards(t *testing.T) {
	tb := New[string, int]()
	owner, _ := tb.Join("k", func(int) { t.Error("unexpected delivery") })
	owner.Leave()

	// the call is still outstanding; a new caller joins it instead of
	// starting another one
	if tb.Len() != 1 {
		t.Fatalf("len=%d want 1", tb.Len())
	}
	if n := owner.Resolve(3); n != 0 {
		t.Fatalf("resolve delivered to %d, want 0", n)
	}
	if tb.Len() != 0 {
		t.Fatal("entry kept after resolve")
	}
	if owner.Leave() {
		t.Fatal("leave after resolve should report false")
	}
}

func TestResolveOnlyOnce(t *testing.T) {
	tb := New[string, int]()
	var got []int
	owner, _ := tb.Join("k", func(v int) { got = append(got, v) })
	owner.Resolve(1)
	if n := owner.Resolve(2); n != 0 {
		t.Fatalf("second resolve delivered to %d", n)
	}
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("got=%v want [1]", got)
	}
}

func TestJoinDuringBroadcastGetsResolvedValue(t *testing.T) {
	tb := New[string, int]()
	started := make(chan struct{})
	gate := make(chan struct{})
	owner, _ := tb.Join("k", func(int) {
		close(started)
		<-gate
	})

	done := make(chan struct{})
	go func() {
		owner.Resolve(42)
		close(done)
	}()
	<-started

	var late int
	tk, isOwner := tb.Join("k", func(v int) { late = v })
	if isOwner {
		t.Fatal("late joiner must not start a new call")
	}
	if late != 42 {
		t.Fatalf("late joiner got %d want 42", late)
	}
	if tk.Leave() {
		t.Fatal("late joiner has nothing to leave")
	}

	close(gate)
	<-done
	if tb.Len() != 0 {
		t.Fatal("entry kept after resolve")
	}

	// after removal a new join starts a fresh call
	if _, isOwner := tb.Join("k", func(int) {}); !isOwner {
		t.Fatal("join after removal should own a new call")
	}
}

func TestConcurrentJoinsShareOneCall(t *testing.T) {
	tb := New[int, string]()
	const n = 100
	var owners atomic.Int32
	var wg sync.WaitGroup
	var delivered sync.WaitGroup
	delivered.Add(n)

	tickets := make(chan *Ticket[int, string], n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tk, owner := tb.Join(1, func(string) { delivered.Done() })
			if owner {
				owners.Add(1)
				tickets <- tk
			}
		}()
	}
	wg.Wait()
	if owners.Load() != 1 {
		t.Fatalf("owners=%d want 1", owners.Load())
	}
	(<-tickets).Resolve("v")
	delivered.Wait()
}
