package memory

import (
	"context"
	"sync"
	"time"

	"github.com/leafwise/leafmeter/domain/ratelimit"
	"github.com/leafwise/leafmeter/ports"
)

type rateEntry struct {
	state     ratelimit.WindowState
	version   int64
	updatedAt time.Time
}

// RateLimitStore is an in-memory implementation of ports.RateLimitStore.
type RateLimitStore struct {
	mu      sync.Mutex
	entries map[string]rateEntry
}

// NewRateLimitStore creates a new in-memory rate limit store.
func NewRateLimitStore() *RateLimitStore {
	return &RateLimitStore{
		entries: make(map[string]rateEntry),
	}
}

// Get retrieves the window state and its version for a fingerprint.
func (s *RateLimitStore) Get(ctx context.Context, fp string) (ratelimit.WindowState, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[fp]
	if !ok {
		return ratelimit.WindowState{}, 0, nil
	}
	return e.state, e.version, nil
}

// CompareAndSwap writes state if the stored version still matches.
func (s *RateLimitStore) CompareAndSwap(ctx context.Context, fp string, version int64, state ratelimit.WindowState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[fp]
	current := int64(0)
	if ok {
		current = e.version
	}
	if current != version {
		return false, nil
	}

	s.entries[fp] = rateEntry{
		state:     state,
		version:   version + 1,
		updatedAt: time.Now(),
	}
	return true, nil
}

// Delete removes the window state for a fingerprint.
func (s *RateLimitStore) Delete(ctx context.Context, fp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, fp)
	return nil
}

// Sweep evicts windows not written since before cutoff.
func (s *RateLimitStore) Sweep(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for fp, e := range s.entries {
		if e.updatedAt.Before(cutoff) {
			delete(s.entries, fp)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of tracked fingerprints (for testing).
func (s *RateLimitStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Ensure interface compliance.
var (
	_ ports.RateLimitStore = (*RateLimitStore)(nil)
	_ ports.Sweeper        = (*RateLimitStore)(nil)
)
