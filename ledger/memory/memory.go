// Package memory provides an in-memory ledger.Store (for testing/dev).
package memory

import (
	"context"
	"sync"

	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/retry"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type Store struct {
	mu      sync.RWMutex
	wallets map[ledger.WalletID]ledger.Wallet
	entries map[ledger.WalletID][]ledger.Entry
}

func New() *Store {
	return &Store{
		wallets: make(map[ledger.WalletID]ledger.Wallet),
		entries: make(map[ledger.WalletID][]ledger.Entry),
	}
}

func (m *Store) CreateWallet(_ context.Context, w ledger.Wallet, opening []ledger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.wallets[w.ID]; ok {
		return ledger.ErrWalletExists
	}
	m.wallets[w.ID] = w
	m.entries[w.ID] = append([]ledger.Entry(nil), opening...)
	return nil
}

func (m *Store) Wallet(_ context.Context, id ledger.WalletID) (ledger.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[id]
	if !ok {
		return ledger.Wallet{}, ledger.ErrWalletNotFound
	}
	return w, nil
}

// Append writes the batch and the projection under one lock, after checking
// the version the caller read is still current.
func (m *Store) Append(_ context.Context, next ledger.Wallet, entries []ledger.Entry, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.wallets[next.ID]
	if !ok {
		return ledger.ErrWalletNotFound
	}
	if current.Version != expectedVersion {
		return retry.ErrVersionConflict
	}

	m.wallets[next.ID] = next
	m.entries[next.ID] = append(m.entries[next.ID], entries...)
	return nil
}

func (m *Store) Entries(_ context.Context, id ledger.WalletID) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.wallets[id]; !ok {
		return nil, ledger.ErrWalletNotFound
	}
	result := make([]ledger.Entry, len(m.entries[id]))
	copy(result, m.entries[id])
	return result, nil
}
