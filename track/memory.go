package track

import (
	"context"
	"math/big"
	"sync"
	"time"
)

type memoryKey struct {
	group string
	scope string
}

// MemoryStore is the default in-process Store. Records live in an
// append-only list per (group, scope) key.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[memoryKey][]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[memoryKey][]Record)}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, rec Record) error {
	key := memoryKey{group: rec.Group, scope: rec.Scope}
	// Copy the amount so later mutation by the caller cannot corrupt the ledger.
	rec.Amount = new(big.Int).Set(rec.Amount)

	s.mu.Lock()
	s.records[key] = append(s.records[key], rec)
	s.mu.Unlock()
	return nil
}

// SumSince implements Store.
func (s *MemoryStore) SumSince(_ context.Context, group, scope string, since time.Time) (*big.Int, error) {
	key := memoryKey{group: group, scope: scope}

	s.mu.RLock()
	defer s.mu.RUnlock()

	total := new(big.Int)
	for _, rec := range s.records[key] {
		if !since.IsZero() && !rec.At.After(since) {
			continue
		}
		total.Add(total, rec.Amount)
	}
	return total, nil
}
