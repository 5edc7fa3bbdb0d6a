package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps discrepancies in process memory. Findings are lost on
// restart and rediscovered by the next sweep.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]Discrepancy
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Discrepancy)}
}

func (m *MemoryStore) FindOpenDiscrepancy(_ context.Context, typ Type, key string) (*Discrepancy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.items {
		if d.Status == StatusOpen && d.Type == typ && d.CorrelationKey == key {
			return &d, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) SaveDiscrepancy(_ context.Context, d Discrepancy) error {
	if d.ID == "" {
		return fmt.Errorf("save discrepancy: missing id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[d.ID] = d
	return nil
}

func (m *MemoryStore) GetDiscrepancy(_ context.Context, id string) (*Discrepancy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("get discrepancy %s: %w", id, ErrNotFound)
	}
	return &d, nil
}

func (m *MemoryStore) ListDiscrepancies(_ context.Context, opts ListOpts) ([]Discrepancy, error) {
	m.mu.RLock()
	out := []Discrepancy{}
	for _, d := range m.items {
		if opts.Status != "" && d.Status != opts.Status {
			continue
		}
		if opts.Severity != "" && d.Severity != opts.Severity {
			continue
		}
		if opts.Type != "" && d.Type != opts.Type {
			continue
		}
		out = append(out, d)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].DetectedAt.After(out[j].DetectedAt)
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}
