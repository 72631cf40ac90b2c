package network

import (
	"fmt"
	"testing"
)

func TestReplayGuardRejectsDuplicates(t *testing.T) {
	g := NewReplayGuard(100)

	if !g.Add("msg-1") {
		t.Fatal("first add should be accepted")
	}
	if g.Add("msg-1") {
		t.Fatal("duplicate add should be rejected")
	}
	if !g.Seen("msg-1") {
		t.Fatal("id should be tracked")
	}
}

func TestReplayGuardEvictsOldestAtCapacity(t *testing.T) {
	g := NewReplayGuard(DefaultReplayCapacity)

	for i := 0; i < DefaultReplayCapacity+1; i++ {
		if !g.Add(fmt.Sprintf("msg-%d", i)) {
			t.Fatalf("fresh id msg-%d rejected", i)
		}
	}

	if g.Len() != DefaultReplayCapacity {
		t.Fatalf("Len() = %d, want %d", g.Len(), DefaultReplayCapacity)
	}

	// The earliest id was displaced and is accepted again.
	if g.Seen("msg-0") {
		t.Fatal("oldest id should have been evicted")
	}
	if !g.Add("msg-0") {
		t.Fatal("evicted id should be accepted again")
	}

	// A recent id is still rejected.
	if g.Add("msg-5000") {
		t.Fatal("recent id should still be rejected")
	}
}

func TestReplayGuardEvictionIsInsertionOrder(t *testing.T) {
	g := NewReplayGuard(3)

	g.Add("a")
	g.Add("b")
	g.Add("c")
	g.Add("d") // evicts a
	g.Add("e") // evicts b

	if g.Seen("a") || g.Seen("b") {
		t.Fatal("a and b should have been evicted in order")
	}
	for _, id := range []string{"c", "d", "e"} {
		if !g.Seen(id) {
			t.Fatalf("%s should still be tracked", id)
		}
	}
}

func TestReplayGuardCompaction(t *testing.T) {
	g := NewReplayGuard(10)

	// Push enough churn through to trigger the internal compaction several
	// times and verify semantics survive it.
	for i := 0; i < 500; i++ {
		if !g.Add(fmt.Sprintf("id-%d", i)) {
			t.Fatalf("fresh id id-%d rejected", i)
		}
	}

	if g.Len() != 10 {
		t.Fatalf("Len() = %d, want 10", g.Len())
	}
	for i := 490; i < 500; i++ {
		if !g.Seen(fmt.Sprintf("id-%d", i)) {
			t.Fatalf("id-%d should be the retained window", i)
		}
	}
}
