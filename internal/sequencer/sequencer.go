package sequencer

import (
	"sync"

	"github.com/sharetube/lockstep/internal/protocol"
)

type Verdict int

const (
	Stale Verdict = iota
	Accept
	// Reset means the sender restarted its counter. The update is accepted,
	// and callers must drop any state derived from the previous sequence.
	Reset
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case Reset:
		return "reset"
	}
	return "stale"
}

// Accepted reports whether the update should be applied.
func (v Verdict) Accepted() bool {
	return v != Stale
}

// resetCeiling is the highest seq a restarted sender can present while still
// being recognised as a restart.
const resetCeiling = 2

type channel struct {
	last    uint64
	started bool
}

func (c *channel) accept(seq uint64) Verdict {
	switch {
	case !c.started || seq > c.last:
		c.last = seq
		c.started = true
		return Accept
	case c.last > 0 && seq <= resetCeiling && seq < c.last:
		c.last = seq
		return Reset
	}
	return Stale
}

// Store holds the latest accepted host snapshot and the sequence bookkeeping
// for the independent snapshot, intent and navigation channels of one room.
type Store struct {
	mu         sync.Mutex
	snapshots  channel
	intents    channel
	navigation channel
	latest     *protocol.HostSnapshot
	previous   *protocol.HostSnapshot
}

func New() *Store {
	return &Store{}
}

// AcceptSnapshot applies the sequencing rule to s and, when accepted, makes it
// the latest snapshot.
func (s *Store) AcceptSnapshot(snap protocol.HostSnapshot) Verdict {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.snapshots.accept(snap.Seq)
	switch v {
	case Accept:
		s.previous = s.latest
	case Reset:
		s.previous = nil
	default:
		return v
	}

	latest := snap
	s.latest = &latest

	return v
}

func (s *Store) AcceptIntent(seq uint64) Verdict {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.intents.accept(seq)
}

func (s *Store) AcceptNavigation(seq uint64) Verdict {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.navigation.accept(seq)
}

func (s *Store) Latest() *protocol.HostSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.latest
}

// Previous returns the snapshot accepted before the latest one, or nil.
func (s *Store) Previous() *protocol.HostSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.previous
}

func (s *Store) LastSnapshotSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.snapshots.last
}

func (s *Store) LastIntentSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.intents.last
}

// Clear forgets everything, e.g. when a viewer joins another room or the host
// changes.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots = channel{}
	s.intents = channel{}
	s.navigation = channel{}
	s.latest = nil
	s.previous = nil
}

// Counter hands out strictly increasing sequence numbers starting at 1.
type Counter struct {
	mu   sync.Mutex
	last uint64
}

func (c *Counter) Next() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.last++
	return c.last
}

// Reset makes the next call to Next return 1 again.
func (c *Counter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.last = 0
}

func (c *Counter) Last() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.last
}
