package counter

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memorySet struct {
	scores   map[string]int64
	expireAt time.Time
}

// MemoryStore is a single-process Store. Counts are not shared between
// replicas, so it only suits development and tests.
type MemoryStore struct {
	mu   sync.Mutex
	sets map[string]*memorySet
	now  func() time.Time
}

// NewMemoryStore returns an empty store using the wall clock for TTLs
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock returns an empty store that expires keys against now
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{sets: make(map[string]*memorySet), now: now}
}

// Window implements Store
func (m *MemoryStore) Window(_ context.Context, key string) (Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.live(key)
	if set == nil || len(set.scores) == 0 {
		return Window{}, nil
	}
	scores := make([]int64, 0, len(set.scores))
	for _, s := range set.scores {
		scores = append(scores, s)
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i] < scores[j] })
	earliest := scores[0]
	return Window{EarliestMs: &earliest, Count: int64(len(scores))}, nil
}

// Record implements Store
func (m *MemoryStore) Record(_ context.Context, key string, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.live(key)
	if set == nil || e.Reset {
		set = &memorySet{scores: make(map[string]int64)}
		m.sets[key] = set
	}
	set.scores[e.Member] = e.AtMs
	if e.Reset && e.TTL > 0 {
		set.expireAt = m.now().Add(e.TTL)
	}
	return nil
}

// Close implements Store
func (m *MemoryStore) Close() error { return nil }

// live returns the set for key, dropping it if expired. Caller holds mu.
func (m *MemoryStore) live(key string) *memorySet {
	set, ok := m.sets[key]
	if !ok {
		return nil
	}
	if !set.expireAt.IsZero() && !m.now().Before(set.expireAt) {
		delete(m.sets, key)
		return nil
	}
	return set
}
