package track

import (
	"sync"
	"time"
)

// RateCheck is the result of a rate limit query.
type RateCheck struct {
	// Allowed reports whether another payment fits in the window.
	Allowed bool

	// Count is the number of payments (settled plus pending) in the window.
	Count uint

	// Limit is the configured maximum.
	Limit uint

	// Window is the rolling window the count was taken over.
	Window time.Duration
}

// Slot is a pending rate-limit occupancy, the rate analogue of a spend
// reservation. Commit stamps it, Release frees it; both are idempotent.
type Slot struct {
	limiter   *RateLimiter
	group     string
	mu        sync.Mutex
	completed bool
}

// RateLimiter counts payments per policy group within a rolling window.
// Timestamps are kept in memory and pruned lazily on each check. Rate
// state is deliberately not durable: a restart resetting payment cadence
// is acceptable, unlike losing spend totals.
type RateLimiter struct {
	mu      sync.Mutex
	stamps  map[string][]time.Time
	pending map[string]uint

	now func() time.Time
}

// NewRateLimiter creates an empty rate limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		stamps:  make(map[string][]time.Time),
		pending: make(map[string]uint),
		now:     time.Now,
	}
}

// countLocked prunes stale stamps for the group and returns the live
// count including pending slots. Caller holds l.mu.
func (l *RateLimiter) countLocked(group string, window time.Duration) uint {
	cutoff := l.now().Add(-window)
	stamps := l.stamps[group]
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.stamps[group] = kept
	return uint(len(kept)) + l.pending[group]
}

// CheckLimit reports whether the group is below maxPayments within the window.
func (l *RateLimiter) CheckLimit(group string, maxPayments uint, window time.Duration) RateCheck {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := l.countLocked(group, window)
	return RateCheck{
		Allowed: count < maxPayments,
		Count:   count,
		Limit:   maxPayments,
		Window:  window,
	}
}

// ReserveSlot atomically checks the limit and holds a pending slot when
// allowed. The returned slot is nil when the check fails.
func (l *RateLimiter) ReserveSlot(group string, maxPayments uint, window time.Duration) (*Slot, RateCheck) {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := l.countLocked(group, window)
	check := RateCheck{
		Allowed: count < maxPayments,
		Count:   count,
		Limit:   maxPayments,
		Window:  window,
	}
	if !check.Allowed {
		return nil, check
	}

	l.pending[group]++
	return &Slot{limiter: l, group: group}, check
}

// RecordPayment stamps a settled payment for the group.
func (l *RateLimiter) RecordPayment(group string) {
	l.mu.Lock()
	l.stamps[group] = append(l.stamps[group], l.now())
	l.mu.Unlock()
}

// Commit converts the pending slot into a timestamp.
func (s *Slot) Commit() {
	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		return
	}
	s.completed = true
	s.mu.Unlock()

	s.limiter.mu.Lock()
	if s.limiter.pending[s.group] > 0 {
		s.limiter.pending[s.group]--
	}
	s.limiter.stamps[s.group] = append(s.limiter.stamps[s.group], s.limiter.now())
	s.limiter.mu.Unlock()
}

// Release frees the pending slot without stamping.
func (s *Slot) Release() {
	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		return
	}
	s.completed = true
	s.mu.Unlock()

	s.limiter.mu.Lock()
	if s.limiter.pending[s.group] > 0 {
		s.limiter.pending[s.group]--
	}
	s.limiter.mu.Unlock()
}
