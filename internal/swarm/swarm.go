// Package swarm holds the per-info-hash peer set: insertion-ordered,
// capacity-bounded, with seeder/leecher/download-count bookkeeping and a
// rotating-cursor peer sampler.
package swarm

import (
	"container/list"
	"sync"
	"time"
)

// Tunables. MaxPeers bounds memory per swarm; DefaultNumWant and MaxSample
// bound the announce peer sample the way pico-tracker's
// defaultNumWant/maxPeersPerPacketV4 do. PeerTimeout is a safe 45-minute
// default, a bit longer than utrack's implied ~30 minutes, so a peer that
// reannounces just before the deadline is not evicted.
const (
	MaxPeers       = 8192
	DefaultNumWant = 50
	MaxSample      = 200
	PeerTimeout    = 45 * time.Minute

	// AnnounceIntervalBase and AnnounceIntervalJitter give the
	// [1680, 1920] second range BEP 15 expects for the interval returned
	// to clients, so reannounces spread out over time.
	AnnounceIntervalBase   = 1680
	AnnounceIntervalJitter = 240
)

// InfoHash is the 20-byte torrent identifier; also the SwarmTable key.
type InfoHash [20]byte

// PeerID is the 20-byte client-supplied identifier.
type PeerID [20]byte

// Endpoint is a peer's (IPv4, port), stored exactly as it appears on the
// wire so that response serialization needs no byte-order conversion.
type Endpoint struct {
	IP   [4]byte
	Port uint16
}

// Role distinguishes seeders from leechers.
type Role int

const (
	RoleLeecher Role = iota
	RoleSeeder
)

// PeerEntry is the per-peer state a swarm keeps.
type PeerEntry struct {
	Endpoint Endpoint
	PeerID   PeerID
	LastSeen time.Time
	Role     Role
	Complete bool
}

// AnnounceInput is the subset of an announce request a swarm needs.
type AnnounceInput struct {
	Endpoint Endpoint
	PeerID   PeerID
	Left     uint64
	Event    uint32 // wire.EventNone/Completed/Started/Stopped
}

// Swarm is the per-info-hash aggregate: a bounded insertion-ordered peer
// collection plus cached counters. All exported methods are safe for
// concurrent use; callers hold no external lock, the swarm's own mutex
// guards everything.
type Swarm struct {
	mu sync.Mutex

	order         *list.List // *PeerEntry, oldest at Front
	byEndp        map[Endpoint]*list.Element
	cursor        *list.Element // resume point for the next sample
	seeders       int
	leechers      int
	downloadCount uint32
}

// New returns an empty swarm.
func New() *Swarm {
	return &Swarm{
		order:  list.New(),
		byEndp: make(map[Endpoint]*list.Element),
	}
}

// Announce applies one announce request and returns a peer sample plus the
// swarm's updated counters, per BEP 15.
func (s *Swarm) Announce(in AnnounceInput, now time.Time, numWant int) (sample []Endpoint, leechers, seeders int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if in.Event == eventStopped {
		s.remove(in.Endpoint)
		return s.sampleLocked(in.Endpoint, numWant), s.leechers, s.seeders
	}

	role := RoleLeecher
	if in.Left == 0 {
		role = RoleSeeder
	}
	completedNow := in.Event == eventCompleted

	if el, ok := s.byEndp[in.Endpoint]; ok {
		p := el.Value.(*PeerEntry)
		if p.Role != role {
			s.adjustCounters(p.Role, -1)
			s.adjustCounters(role, 1)
			p.Role = role
		}
		p.PeerID = in.PeerID
		p.LastSeen = now
		if completedNow && !p.Complete {
			p.Complete = true
			s.downloadCount++
		}
	} else {
		p := &PeerEntry{
			Endpoint: in.Endpoint,
			PeerID:   in.PeerID,
			LastSeen: now,
			Role:     role,
		}
		if completedNow {
			p.Complete = true
			s.downloadCount++
		}
		s.insert(p)
		s.adjustCounters(role, 1)
	}

	return s.sampleLocked(in.Endpoint, numWant), s.leechers, s.seeders
}

// Scrape returns the swarm's cached aggregate counters.
func (s *Swarm) Scrape() (seeders, downloadCount, leechers uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint32(s.seeders), s.downloadCount, uint32(s.leechers)
}

// PurgeStale removes every peer whose last announce is older than
// PeerTimeout relative to now.
func (s *Swarm) PurgeStale(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deadline := now.Add(-PeerTimeout)
	var next *list.Element
	for el := s.order.Front(); el != nil; el = next {
		next = el.Next()
		p := el.Value.(*PeerEntry)
		if p.LastSeen.Before(deadline) {
			s.removeElement(el)
		}
	}
}

// Len reports the current peer count, for tests and diagnostics.
func (s *Swarm) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// -- internals, all called with s.mu held --

const (
	eventNone      uint32 = 0
	eventCompleted uint32 = 1
	eventStarted   uint32 = 2
	eventStopped   uint32 = 3
)

func (s *Swarm) adjustCounters(r Role, delta int) {
	if r == RoleSeeder {
		s.seeders += delta
	} else {
		s.leechers += delta
	}
}

func (s *Swarm) insert(p *PeerEntry) {
	if s.order.Len() >= MaxPeers {
		if front := s.order.Front(); front != nil {
			s.removeElement(front)
		}
	}
	el := s.order.PushBack(p)
	s.byEndp[p.Endpoint] = el
}

func (s *Swarm) remove(e Endpoint) {
	if el, ok := s.byEndp[e]; ok {
		s.removeElement(el)
	}
}

// removeElement deletes el from both the list and the index and takes its
// role out of the seeder/leecher counters, advancing the sample cursor off
// of it first so a future sample never dereferences a removed element.
func (s *Swarm) removeElement(el *list.Element) {
	if s.cursor == el {
		s.cursor = el.Next()
	}
	p := el.Value.(*PeerEntry)
	s.adjustCounters(p.Role, -1)
	delete(s.byEndp, p.Endpoint)
	s.order.Remove(el)
}

// sampleLocked walks forward from the persistent cursor for up to numWant
// peers (DefaultNumWant when numWant is negative, bounded by MaxSample),
// excluding exclude, wrapping at the end of the list. This keeps lock-hold
// time O(num_want) rather than O(|peers|), trading a uniform random sample
// for a rotating one so every peer in a large swarm eventually gets handed
// out.
func (s *Swarm) sampleLocked(exclude Endpoint, numWant int) []Endpoint {
	if numWant < 0 {
		numWant = DefaultNumWant
	}
	if numWant > MaxSample {
		numWant = MaxSample
	}

	total := s.order.Len()
	if total == 0 {
		return nil
	}

	start := s.cursor
	if start == nil {
		start = s.order.Front()
	}

	out := make([]Endpoint, 0, numWant)
	el := start
	// At most total steps guarantees we never loop forever even if every
	// entry is the excluded endpoint (impossible in practice: an endpoint
	// excludes at most one entry).
	for steps := 0; steps < total && len(out) < numWant; steps++ {
		p := el.Value.(*PeerEntry)
		if p.Endpoint != exclude {
			out = append(out, p.Endpoint)
		}
		next := el.Next()
		if next == nil {
			next = s.order.Front()
		}
		el = next
	}
	s.cursor = el
	return out
}
