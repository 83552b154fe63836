package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps records in process. It is the default for tests and
// one-off CLI calls.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	order   []string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Store implements Store. A duplicate id is ignored.
func (m *MemoryStore) Store(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[r.ID]; ok {
		return nil
	}
	m.records[r.ID] = r
	m.order = append(m.order, r.ID)
	return nil
}

// BulkStore implements Store.
func (m *MemoryStore) BulkStore(ctx context.Context, rs []Record) error {
	for _, r := range rs {
		if err := m.Store(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) matching(f Filter) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, id := range m.order {
		if r := m.records[id]; f.Matches(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// Query implements Store.
func (m *MemoryStore) Query(_ context.Context, f Filter) ([]Record, error) {
	all := m.matching(f)
	if f.Offset >= len(all) {
		return nil, nil
	}
	all = all[f.Offset:]
	if limit := f.EffectiveLimit(); len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Count implements Store.
func (m *MemoryStore) Count(_ context.Context, f Filter) (int, error) {
	return len(m.matching(f)), nil
}

// DeleteBefore implements Store.
func (m *MemoryStore) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	kept := m.order[:0]
	for _, id := range m.order {
		if m.records[id].Timestamp.Before(before) {
			delete(m.records, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return n, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }

// NopStore discards everything.
type NopStore struct{}

func (NopStore) Store(context.Context, Record) error       { return nil }
func (NopStore) BulkStore(context.Context, []Record) error { return nil }
func (NopStore) Get(context.Context, string) (Record, error) {
	return Record{}, ErrNotFound
}
func (NopStore) Query(context.Context, Filter) ([]Record, error) { return nil, nil }
func (NopStore) Count(context.Context, Filter) (int, error)      { return 0, nil }
func (NopStore) DeleteBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}
func (NopStore) Close() error { return nil }
