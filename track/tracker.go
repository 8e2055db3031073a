package track

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LimitCheck is the result of comparing a would-be total against a limit.
type LimitCheck struct {
	// Allowed reports whether current + requested stays within the limit.
	Allowed bool

	// Current is the window total at check time, including pending
	// reservations not yet committed.
	Current *big.Int

	// Requested is the candidate amount.
	Requested *big.Int

	// Limit is the threshold in base units, nil if none was configured.
	Limit *big.Int
}

// Reservation is a pending spend taken atomically with its limit check.
// It counts toward window totals until either Commit turns it into a
// durable record or Release drops it. Exactly one of the two must be
// called; both are idempotent.
type Reservation struct {
	tracker   *Tracker
	ks        *keyState
	group     string
	scope     string
	amount    *big.Int
	mu        sync.Mutex
	completed bool
}

type keyState struct {
	mu      sync.Mutex
	pending []*Reservation
}

// pendingTotalLocked sums pending reservation amounts. Caller holds ks.mu.
func (ks *keyState) pendingTotalLocked() *big.Int {
	total := new(big.Int)
	for _, r := range ks.pending {
		total.Add(total, r.amount)
	}
	return total
}

func (ks *keyState) dropLocked(target *Reservation) {
	for i, r := range ks.pending {
		if r == target {
			ks.pending = append(ks.pending[:i], ks.pending[i+1:]...)
			return
		}
	}
}

// Tracker is the spending ledger. Totals within a window are
// monotonically non-decreasing, and every check-and-reserve against the
// same (group, scope) key is serialized.
type Tracker struct {
	store Store

	mu   sync.Mutex
	keys map[memoryKey]*keyState

	// now is swapped in tests to control window boundaries.
	now func() time.Time
}

// NewTracker creates a tracker backed by the given store. A nil store
// selects the in-memory backend.
func NewTracker(store Store) *Tracker {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Tracker{
		store: store,
		keys:  make(map[memoryKey]*keyState),
		now:   time.Now,
	}
}

func (t *Tracker) keyState(group, scope string) *keyState {
	key := memoryKey{group: group, scope: scope}
	t.mu.Lock()
	defer t.mu.Unlock()
	ks, ok := t.keys[key]
	if !ok {
		ks = &keyState{}
		t.keys[key] = ks
	}
	return ks
}

// sinceFor converts a window into the store's since argument.
// A zero window means lifetime accumulation.
func (t *Tracker) sinceFor(window time.Duration) time.Time {
	if window <= 0 {
		return time.Time{}
	}
	return t.now().Add(-window)
}

// TotalWithinWindow returns committed plus pending spend for the key
// within the window. A zero window counts everything ever recorded.
func (t *Tracker) TotalWithinWindow(ctx context.Context, group, scope string, window time.Duration) (*big.Int, error) {
	ks := t.keyState(group, scope)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return t.totalLocked(ctx, ks, group, scope, window)
}

func (t *Tracker) totalLocked(ctx context.Context, ks *keyState, group, scope string, window time.Duration) (*big.Int, error) {
	committed, err := t.store.SumSince(ctx, group, scope, t.sinceFor(window))
	if err != nil {
		return nil, fmt.Errorf("spend store: %w", err)
	}
	return committed.Add(committed, ks.pendingTotalLocked()), nil
}

// CheckLimit reports whether current + requested would stay within limit.
// It takes the key's lock but reserves nothing; use Reserve for the
// check-and-hold needed before money actually moves.
func (t *Tracker) CheckLimit(ctx context.Context, group, scope string, limit *big.Int, window time.Duration, requested *big.Int) (LimitCheck, error) {
	ks := t.keyState(group, scope)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	current, err := t.totalLocked(ctx, ks, group, scope, window)
	if err != nil {
		return LimitCheck{}, err
	}
	return evalLimit(current, requested, limit), nil
}

func evalLimit(current, requested, limit *big.Int) LimitCheck {
	check := LimitCheck{Allowed: true, Current: current, Requested: requested, Limit: limit}
	if limit == nil {
		return check
	}
	wouldBe := new(big.Int).Add(current, requested)
	check.Allowed = wouldBe.Cmp(limit) <= 0
	return check
}

// Reserve atomically checks the limit and, when allowed, holds the amount
// as pending spend under the key. The returned reservation is nil when
// the check fails. A nil limit always reserves (the hold still exists so
// the eventual settlement is recorded).
func (t *Tracker) Reserve(ctx context.Context, group, scope string, limit *big.Int, window time.Duration, amount *big.Int) (*Reservation, LimitCheck, error) {
	ks := t.keyState(group, scope)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	current, err := t.totalLocked(ctx, ks, group, scope, window)
	if err != nil {
		return nil, LimitCheck{}, err
	}

	check := evalLimit(current, amount, limit)
	if !check.Allowed {
		return nil, check, nil
	}

	res := &Reservation{
		tracker: t,
		ks:      ks,
		group:   group,
		scope:   scope,
		amount:  new(big.Int).Set(amount),
	}
	ks.pending = append(ks.pending, res)
	return res, check, nil
}

// Record appends a settled payment directly, bypassing reservation. Used
// for incoming payments, which are recorded only after settlement and
// never pre-authorized by this runtime.
func (t *Tracker) Record(ctx context.Context, group, scope string, direction Direction, amount *big.Int) error {
	ks := t.keyState(group, scope)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	return t.store.Append(ctx, Record{
		ID:        uuid.New(),
		Group:     group,
		Scope:     scope,
		Direction: direction,
		Amount:    new(big.Int).Set(amount),
		At:        t.now(),
	})
}

// Commit converts the reservation into a durable record. actual is the
// settled amount; nil falls back to the reserved amount. The pending hold
// is removed and the record appended under the same key lock, so no
// concurrent check can observe the spend twice or not at all.
func (r *Reservation) Commit(ctx context.Context, actual *big.Int) error {
	r.mu.Lock()
	if r.completed {
		r.mu.Unlock()
		return nil
	}
	r.completed = true
	r.mu.Unlock()

	amount := r.amount
	if actual != nil {
		amount = actual
	}

	r.ks.mu.Lock()
	defer r.ks.mu.Unlock()
	r.ks.dropLocked(r)
	return r.tracker.store.Append(ctx, Record{
		ID:        uuid.New(),
		Group:     r.group,
		Scope:     r.scope,
		Direction: Outgoing,
		Amount:    new(big.Int).Set(amount),
		At:        r.tracker.now(),
	})
}

// Release drops the pending hold without recording anything. Called on
// signing failure, protocol violation, settlement failure, or
// cancellation: a payment that did not settle must leave no trace.
func (r *Reservation) Release() {
	r.mu.Lock()
	if r.completed {
		r.mu.Unlock()
		return
	}
	r.completed = true
	r.mu.Unlock()

	r.ks.mu.Lock()
	r.ks.dropLocked(r)
	r.ks.mu.Unlock()
}
