package traffic

import (
	"sync"
	"time"
)

// Outcome classifies how an ingestion request ended.
type Outcome int

const (
	// Stored: the reading was persisted.
	Stored Outcome = iota
	// Rejected: the request failed validation (4xx).
	Rejected
	// StoreFailed: the reading was valid but the store write failed (5xx).
	StoreFailed
	// Denied: the rate limiter turned the request away (429).
	Denied
	numOutcomes
)

// DefaultRetention bounds how long outcomes are kept.
const DefaultRetention = 5 * time.Minute

// Counts holds outcome totals within a window.
type Counts struct {
	Stored      int
	Rejected    int
	StoreFailed int
	Denied      int
}

// Total returns every outcome in the window.
func (c Counts) Total() int {
	return c.Stored + c.Rejected + c.StoreFailed + c.Denied
}

// Tracker maintains sliding windows of outcome timestamps. It feeds the
// health endpoint's degraded decision. Safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	retention time.Duration
	times     [numOutcomes][]time.Time
	now       func() time.Time
}

// NewTracker returns a Tracker keeping outcomes for retention (DefaultRetention if <= 0).
func NewTracker(retention time.Duration) *Tracker {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Tracker{retention: retention, now: time.Now}
}

// Record records one outcome at the current time.
func (t *Tracker) Record(o Outcome) {
	if o < 0 || o >= numOutcomes {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.times[o] = append(t.times[o], now)
	t.pruneLocked(now)
}

// Counts returns outcome totals within the window ending now.
func (t *Tracker) Counts(window time.Duration) Counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	return Counts{
		Stored:      countSince(t.times[Stored], cutoff),
		Rejected:    countSince(t.times[Rejected], cutoff),
		StoreFailed: countSince(t.times[StoreFailed], cutoff),
		Denied:      countSince(t.times[Denied], cutoff),
	}
}

// StoreErrorRate returns (failed, attempts) for store writes within the window.
// Rejected and denied requests never reach the store and are excluded.
func (t *Tracker) StoreErrorRate(window time.Duration) (failed, attempts int) {
	c := t.Counts(window)
	return c.StoreFailed, c.StoreFailed + c.Stored
}

// Reset clears all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.times {
		t.times[i] = nil
	}
}

// countSince counts timestamps that are not before the cutoff.
func countSince(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range times {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// pruneLocked drops timestamps older than the retention. Must be called with mu held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.retention)
	for o := range t.times {
		times := t.times[o]
		i := 0
		for ; i < len(times) && times[i].Before(cutoff); i++ {
		}
		if i > 0 {
			t.times[o] = append(times[:0], times[i:]...)
		}
	}
}
