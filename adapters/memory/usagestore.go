// Package memory provides in-memory implementations of storage ports.
// State does not survive restarts; production deployments use the
// sqlite adapters behind the same ports.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/leafwise/leafmeter/domain/quota"
	"github.com/leafwise/leafmeter/ports"
)

type usageEntry struct {
	rec       quota.Record
	version   int64
	updatedAt time.Time
}

// UsageStore is an in-memory implementation of ports.UsageStore.
// A single mutex guards the map; the CAS contract still serializes the
// read-check-increment sequence per fingerprint.
type UsageStore struct {
	mu      sync.Mutex
	entries map[string]usageEntry
}

// NewUsageStore creates a new in-memory usage store.
func NewUsageStore() *UsageStore {
	return &UsageStore{
		entries: make(map[string]usageEntry),
	}
}

// Get retrieves the record and its version for a fingerprint.
func (s *UsageStore) Get(ctx context.Context, fp string) (quota.Record, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[fp]
	if !ok {
		return quota.Record{}, 0, nil
	}
	return e.rec, e.version, nil
}

// CompareAndSwap writes rec if the stored version still matches.
func (s *UsageStore) CompareAndSwap(ctx context.Context, fp string, version int64, rec quota.Record) (bool, error) {
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

	s.entries[fp] = usageEntry{
		rec:       rec,
		version:   version + 1,
		updatedAt: time.Now(),
	}
	return true, nil
}

// Delete removes the record for a fingerprint.
func (s *UsageStore) Delete(ctx context.Context, fp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, fp)
	return nil
}

// Sweep evicts records not written since before cutoff.
func (s *UsageStore) Sweep(ctx context.Context, cutoff time.Time) (int64, error) {
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
func (s *UsageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Ensure interface compliance.
var (
	_ ports.UsageStore = (*UsageStore)(nil)
	_ ports.Sweeper    = (*UsageStore)(nil)
)
