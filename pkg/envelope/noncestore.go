package envelope

import (
	"context"
	"sync"
	"time"
)

// NonceStore tracks envelope nonces inside the freshness window. The memory
// implementation is process-local; distributed deployments share one through
// Redis or accept a per-process replay window.
type NonceStore interface {
	Contains(ctx context.Context, nonce string) (bool, error)
	Record(ctx context.Context, nonce string, ttl time.Duration) error
}

// DefaultNonceCapacity caps the in-memory store. Nonces older than the
// freshness window are evicted first; if the store is still full the oldest
// entries go, which is safe because the freshness check rejects anything
// that old anyway.
const DefaultNonceCapacity = 100_000

// highWaterRatio is the fill level at which OnHighWater fires.
const highWaterRatio = 0.9

// MemoryNonceStore is a bounded in-memory nonce set with time-based
// eviction.
type MemoryNonceStore struct {
	mu       sync.Mutex
	entries  map[string]time.Time
	order    []nonceEntry
	capacity int
	clock    func() time.Time

	// OnHighWater, when set, is invoked (at most once per crossing) when the
	// store passes 90% of capacity.
	OnHighWater func(size, capacity int)
	highWater   bool
}

type nonceEntry struct {
	nonce string
	at    time.Time
}

// NewMemoryNonceStore creates a store with the given capacity; zero or
// negative means DefaultNonceCapacity.
func NewMemoryNonceStore(capacity int) *MemoryNonceStore {
	if capacity <= 0 {
		capacity = DefaultNonceCapacity
	}
	return &MemoryNonceStore{
		entries:  make(map[string]time.Time),
		capacity: capacity,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryNonceStore) WithClock(clock func() time.Time) *MemoryNonceStore {
	s.clock = clock
	return s
}

// Contains reports whether the nonce is currently recorded.
func (s *MemoryNonceStore) Contains(_ context.Context, nonce string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.entries[nonce]
	if !ok {
		return false, nil
	}
	if s.clock().After(exp) {
		delete(s.entries, nonce)
		return false, nil
	}
	return true, nil
}

// Record stores the nonce until ttl elapses.
func (s *MemoryNonceStore) Record(_ context.Context, nonce string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	s.evictExpired(now)
	for len(s.entries) >= s.capacity && len(s.order) > 0 {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.entries, oldest.nonce)
	}

	s.entries[nonce] = now.Add(ttl)
	s.order = append(s.order, nonceEntry{nonce: nonce, at: now})

	crossed := float64(len(s.entries)) >= highWaterRatio*float64(s.capacity)
	if crossed && !s.highWater && s.OnHighWater != nil {
		s.OnHighWater(len(s.entries), s.capacity)
	}
	s.highWater = crossed
	return nil
}

// Size returns the number of live entries.
func (s *MemoryNonceStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryNonceStore) evictExpired(now time.Time) {
	kept := s.order[:0]
	for _, e := range s.order {
		exp, ok := s.entries[e.nonce]
		if !ok {
			continue
		}
		if now.After(exp) {
			delete(s.entries, e.nonce)
			continue
		}
		kept = append(kept, e)
	}
	s.order = kept
}
