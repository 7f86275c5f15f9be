package inventory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/settlement-engine/retry"
)

// MemoryStore is an in-memory Store (for testing/dev).
type MemoryStore struct {
	mu           sync.RWMutex
	counters     map[Key]Counter
	reservations map[string]Reservation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters:     make(map[Key]Counter),
		reservations: make(map[string]Reservation),
	}
}

func (m *MemoryStore) Counter(_ context.Context, key Key) (Counter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.counters[key]
	if !ok {
		return Counter{}, ErrUnknownResource
	}
	return c, nil
}

func (m *MemoryStore) EnsureCounter(_ context.Context, key Key, onHand int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.counters[key]; !ok {
		m.counters[key] = Counter{Key: key, OnHand: onHand, UpdatedAt: at}
	}
	return nil
}

func (m *MemoryStore) Mutate(_ context.Context, next Counter, expectedVersion int64, res *Reservation, from ReservationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.counters[next.Key]
	if !ok {
		return ErrUnknownResource
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

	m.counters[next.Key] = next
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
		if res.Status == ReservationHeld && res.ExpiresAt.Before(now) {
			result = append(result, res)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ExpiresAt.Before(result[j].ExpiresAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
