package triplestore

import (
	"context"
	"sync"
)

// MemoryStore implements TripleStore with an in-memory map. It backs tests
// and ephemeral runs where no database path is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	triples map[string]map[string]string // subject -> predicate -> object
}

// NewMemoryStore creates an empty in-memory triple store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		triples: make(map[string]map[string]string),
	}
}

// Put upserts a statement for the (subject, predicate) pair.
func (m *MemoryStore) Put(ctx context.Context, subject, predicate, object string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	preds, ok := m.triples[subject]
	if !ok {
		preds = make(map[string]string)
		m.triples[subject] = preds
	}
	preds[predicate] = object
	return nil
}

// Query returns all triples matching the pattern.
func (m *MemoryStore) Query(ctx context.Context, pattern Pattern) ([]Triple, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Triple
	for subject, preds := range m.triples {
		for predicate, object := range preds {
			t := Triple{Subject: subject, Predicate: predicate, Object: object}
			if pattern.Matches(t) {
				out = append(out, t)
			}
		}
	}
	return out, nil
}

// DeleteSubject removes every triple with the given subject.
func (m *MemoryStore) DeleteSubject(ctx context.Context, subject string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.triples, subject)
	return nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}

// Count returns the number of stored triples.
func (m *MemoryStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, preds := range m.triples {
		n += len(preds)
	}
	return n
}
