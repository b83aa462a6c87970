package warehouse

import (
	"context"
	"sort"
	"sync"

	"github.com/churst90/accessible-trader-sub001/internal/market"
)

// MemoryStore is an in-process Store used by tests and development mode.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[BarKey]map[int64]market.Bar
}

// NewMemoryStore returns an empty in-memory warehouse.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[BarKey]map[int64]market.Bar)}
}

// Query returns ascending bars in [sinceMs, beforeMs) up to limit.
func (s *MemoryStore) Query(_ context.Context, key BarKey, sinceMs, beforeMs int64, limit int) ([]market.Bar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	series := s.data[key]
	out := make([]market.Bar, 0, len(series))
	for ts, b := range series {
		if ts >= sinceMs && (beforeMs <= 0 || ts < beforeMs) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Upsert inserts or replaces bars.
func (s *MemoryStore) Upsert(_ context.Context, key BarKey, bars []market.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	series, ok := s.data[key]
	if !ok {
		series = make(map[int64]market.Bar, len(bars))
		s.data[key] = series
	}
	for _, b := range bars {
		series[b.Timestamp] = b
	}
	return nil
}

// HasAnyInRange probes for at least one bar in [sinceMs, beforeMs).
func (s *MemoryStore) HasAnyInRange(_ context.Context, key BarKey, sinceMs, beforeMs int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for ts := range s.data[key] {
		if ts >= sinceMs && (beforeMs <= 0 || ts < beforeMs) {
			return true, nil
		}
	}
	return false, nil
}

// Count returns the number of stored bars for a key. Test helper.
func (s *MemoryStore) Count(key BarKey) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data[key])
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
