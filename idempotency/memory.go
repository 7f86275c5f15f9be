package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process. Single-instance deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (m *MemoryStore) Claim(_ context.Context, rec Record) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[rec.Key]; ok && !existing.Expired(rec.CreatedAt) {
		return existing, false, nil
	}
	m.records[rec.Key] = rec
	return rec, true, nil
}

func (m *MemoryStore) Complete(_ context.Context, key string, response []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return nil
	}
	rec.Status = StatusCompleted
	rec.Response = append([]byte(nil), response...)
	m.records[key] = rec
	return nil
}

func (m *MemoryStore) Abandon(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, key)
	return nil
}

func (m *MemoryStore) Purge(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for key, rec := range m.records {
		if rec.Expired(now) {
			delete(m.records, key)
			n++
		}
	}
	return n, nil
}
