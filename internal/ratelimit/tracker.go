// Package ratelimit tracks per-endpoint-family call budgets as reported by the
// remote API.
//
// The tracker is a passive state holder: Reserve never blocks and never queues
// callers. A caller that gets a deferral suspends itself until the reset time
// and then reserves again; waiting alone grants nothing, since another caller
// may have consumed the budget in the meantime.
package ratelimit

import (
	"sync"
	"time"
)

// Bucket is the budget for one endpoint family.
type Bucket struct {
	Remaining int
	ResetAt   time.Time
}

// Reservation is the result of a Reserve call.
type Reservation struct {
	Granted bool
	// ResetAt is the time to wait for before re-reserving, when not granted.
	ResetAt time.Time
}

type Tracker struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
}

func NewTracker() *Tracker {
	return &Tracker{buckets: make(map[string]*Bucket)}
}

// Reserve decrements the family's budget if any remains. An unknown family is
// granted: the first authoritative budget arrives with the first response via
// Observe.
func (t *Tracker) Reserve(family string) Reservation {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.buckets[family]
	if b == nil {
		return Reservation{Granted: true}
	}
	// A passed reset means the window rolled over; the local count is stale
	// and the next Observe will correct it.
	if b.Remaining <= 0 && now.Before(b.ResetAt) {
		return Reservation{ResetAt: b.ResetAt}
	}
	if b.Remaining > 0 {
		b.Remaining--
	}
	return Reservation{Granted: true}
}

// Observe updates the bucket from live response metadata. The server is
// authoritative; local decrements are only a conservative estimate between
// observations.
func (t *Tracker) Observe(family string, remaining int, resetAt time.Time) {
	if remaining < 0 {
		remaining = 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.buckets[family]
	if b == nil {
		b = &Bucket{}
		t.buckets[family] = b
	}
	b.Remaining = remaining
	b.ResetAt = resetAt
}

// Snapshot returns a copy of all known buckets for diagnostics.
func (t *Tracker) Snapshot() map[string]Bucket {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Bucket, len(t.buckets))
	for k, b := range t.buckets {
		out[k] = *b
	}
	return out
}
