// Package telemetry keeps a bounded log of sync engine decisions for
// diagnosis. Nothing reads it back into a decision.
package telemetry

import (
	"sync"
	"time"

	"github.com/sharetube/lockstep/internal/metrics"
)

type Kind string

const (
	KindSkip     Kind = "skip"
	KindCommand  Kind = "command"
	KindDrop     Kind = "drop"
	KindNavigate Kind = "navigate"
	KindEmit     Kind = "emit"
)

type Entry struct {
	At        time.Time `json:"at"`
	Component string    `json:"component"`
	Kind      Kind      `json:"kind"`
	Reason    string    `json:"reason"`
	Detail    string    `json:"detail,omitempty"`
}

const DefaultCapacity = 256

type Ring struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Ring{entries: make([]Entry, capacity)}
}

func (r *Ring) Record(e Entry) {
	metrics.EngineDecisions.WithLabelValues(e.Component, string(e.Kind), e.Reason).Inc()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

// Snapshot returns the retained entries, oldest first.
func (r *Ring) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]Entry, r.next)
		copy(out, r.entries[:r.next])
		return out
	}

	out := make([]Entry, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	return out
}

func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.full {
		return len(r.entries)
	}
	return r.next
}
