package store

import (
	"context"
	"sync"

	"github.com/kjstillabower/telemetry-ingest-service/internal/models"
)

// MemoryStore keeps documents in process memory, grouped by collection.
// Used by the "memory" backend and by tests.
type MemoryStore struct {
	mu      sync.RWMutex
	docs    map[string][]map[string]any
	failErr error
	closed  bool
	closes  int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string][]map[string]any),
	}
}

// Insert appends a copy of the reading's document to collection.
func (m *MemoryStore) Insert(ctx context.Context, collection string, r models.Reading) error {
	if err := ctx.Err(); err != nil {
		return wrap("insert", collection, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return wrap("insert", collection, ErrClosed)
	}
	if m.failErr != nil {
		return wrap("insert", collection, m.failErr)
	}
	m.docs[collection] = append(m.docs[collection], r.Document())
	return nil
}

// Ping fails when the store is closed or set to fail.
func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return wrap("ping", "", ErrClosed)
	}
	if m.failErr != nil {
		return wrap("ping", "", m.failErr)
	}
	return nil
}

// Close marks the store closed. Later calls are no-ops.
func (m *MemoryStore) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.closes++
	}
	return nil
}

// Backend implements Store.
func (m *MemoryStore) Backend() string {
	return "memory"
}

// FailWith makes every later Insert and Ping fail with err; nil restores normal operation.
func (m *MemoryStore) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// Count returns the number of documents in collection.
func (m *MemoryStore) Count(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs[collection])
}

// Documents returns copies of the documents stored in collection, in insert order.
func (m *MemoryStore) Documents(collection string) []map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]map[string]any, len(m.docs[collection]))
	for i, d := range m.docs[collection] {
		cp := make(map[string]any, len(d))
		for k, v := range d {
			cp[k] = v
		}
		out[i] = cp
	}
	return out
}

// Closed reports whether Close has been called.
func (m *MemoryStore) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// CloseCount returns how many times Close actually closed the store (0 or 1).
func (m *MemoryStore) CloseCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closes
}
