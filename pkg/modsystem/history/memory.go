package history

import (
	"sort"
	"sync"
)

// MemoryStore is an in-memory run history store.
// Data is lost when the process exits.
type MemoryStore struct {
	mu     sync.RWMutex
	byRun  map[string]Record
	closed bool
}

// NewMemoryStore creates a new in-memory history store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byRun: make(map[string]Record),
	}
}

// Append implements Store.
func (m *MemoryStore) Append(rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	m.byRun[rec.RunID] = rec
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(runID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Record{}, ErrStoreClosed
	}
	rec, ok := m.byRun[runID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// ByWorkflow implements Store.
func (m *MemoryStore) ByWorkflow(workflow string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	records := make([]Record, 0)
	for _, rec := range m.byRun {
		if rec.Workflow == workflow {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].EndedAt.Before(records[j].EndedAt)
	})
	return records, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	delete(m.byRun, runID)
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
