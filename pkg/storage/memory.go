package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps documents in process memory. Content is lost on exit.
type MemoryStore struct {
	mu     sync.RWMutex
	docs   map[string]storedDocument
	closed bool
	now    func() time.Time
}

type storedDocument struct {
	content   string
	updatedAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]storedDocument),
		now:  time.Now,
	}
}

// Load returns the content stored for id.
func (m *MemoryStore) Load(_ context.Context, id string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return "", ErrClosed
	}
	doc, ok := m.docs[id]
	if !ok {
		return "", ErrNotFound
	}
	return doc.content, nil
}

// Save stores content under id.
func (m *MemoryStore) Save(_ context.Context, id, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.docs[id] = storedDocument{content: content, updatedAt: m.now()}
	return nil
}

// List returns every stored document ordered by id.
func (m *MemoryStore) List(_ context.Context) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	out := make([]Document, 0, len(m.docs))
	for id, doc := range m.docs {
		out = append(out, Document{ID: id, Size: len(doc.content), UpdatedAt: doc.updatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Close marks the store closed. Further calls fail with ErrClosed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
