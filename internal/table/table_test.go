package table

import (
	"testing"
	"time"

	"github.com/coreswarm/tracker/internal/swarm"
)

func hash(b byte) swarm.InfoHash {
	var h swarm.InfoHash
	h[0] = b
	return h
}

func TestFind_MissingReturnsNil(t *testing.T) {
	tb := New()
	if s := tb.Find(hash(1)); s != nil {
		t.Error("Find on empty table returned non-nil")
	}
}

func TestGetOrInsert_CreatesOnce(t *testing.T) {
	tb := New()
	h := hash(1)

	s1 := tb.GetOrInsert(h)
	s2 := tb.GetOrInsert(h)

	if s1 != s2 {
		t.Error("GetOrInsert created two distinct swarms for the same hash")
	}
	if tb.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tb.Len())
	}
}

func TestFind_SeesInsertedSwarm(t *testing.T) {
	tb := New()
	h := hash(1)
	created := tb.GetOrInsert(h)

	if found := tb.Find(h); found != created {
		t.Error("Find did not return the swarm created by GetOrInsert")
	}
}

func TestSweep_VisitsAtMostBudgetEntries(t *testing.T) {
	tb := New()
	for i := byte(0); i < 10; i++ {
		tb.GetOrInsert(hash(i))
	}

	// Sweeping with budget 3 five times covers all 10 without ever visiting
	// more than 3 per call. We can't observe the internal visit count
	// directly, so this exercises it for panics/races and checks the cursor
	// wraps (no error after 15 > 10 total budget spent).
	now := time.Now()
	for i := 0; i < 5; i++ {
		tb.Sweep(now, 3)
	}
}

func TestSweep_EmptyTableIsNoop(t *testing.T) {
	tb := New()
	tb.Sweep(time.Now(), 20) // must not panic
}

func TestSweep_PurgesStalePeers(t *testing.T) {
	tb := New()
	h := hash(1)
	s := tb.GetOrInsert(h)

	base := time.Now()
	s.Announce(swarm.AnnounceInput{
		Endpoint: swarm.Endpoint{IP: [4]byte{1, 2, 3, 4}, Port: 1},
		Left:     1,
	}, base, -1)

	tb.Sweep(base.Add(swarm.PeerTimeout+time.Minute), 20)

	if s.Len() != 0 {
		t.Errorf("Len() = %d after sweep past timeout, want 0", s.Len())
	}
}
