package promo

import (
	"context"
	"sync"
	"time"

	"github.com/warp/settlement-engine/retry"
)

// MemoryStore is an in-memory Store (for testing/dev).
type MemoryStore struct {
	mu           sync.RWMutex
	codes        map[string]Code
	reservations map[string]Reservation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		codes:        make(map[string]Code),
		reservations: make(map[string]Reservation),
	}
}

func (m *MemoryStore) Code(_ context.Context, code string) (Code, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.codes[code]
	if !ok {
		return Code{}, ErrCodeNotFound
	}
	return c, nil
}

func (m *MemoryStore) PutCode(_ context.Context, c Code) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c.Code = Normalize(c.Code)
	if existing, ok := m.codes[c.Code]; ok {
		c.Version = existing.Version + 1
	}
	m.codes[c.Code] = c
	return nil
}

func (m *MemoryStore) Mutate(_ context.Context, next Code, expectedVersion int64, res *Reservation, from ReservationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.codes[next.Code]
	if !ok {
		return ErrCodeNotFound
	}
	if current.Version != expectedVersion {
		return retry.ErrVersionConflict
	}
	if res != nil {
		stored, ok := m.reservations[res.Token]
		if ok != (from != "") || stored.Status != from {
			return retry.ErrVersionConflict
		}
	}
	m.codes[next.Code] = next
	if res != nil {
		m.reservations[res.Token] = *res
	}
	return nil
}

func (m *MemoryStore) Reservation(_ context.Context, token string) (Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	res, ok := m.reservations[token]
	if !ok {
		return Reservation{}, ErrReservationNotFound
	}
	return res, nil
}

func (m *MemoryStore) Expired(_ context.Context, now time.Time, limit int) ([]Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []Reservation
	for _, res := range m.reservations {
		if res.Status != ReservationHeld || !res.ExpiresAt.Before(now) {
			continue
		}
		result = append(result, res)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}
