/*
ledger.go - Versioned wallet ledger

PURPOSE:
  The Ledger is the only writer of wallet balances. Every top-up, booking,
  checkout, redemption and reversal is recorded here as entries, and the
  wallet projection is updated in the same atomic unit.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: entries are never updated or deleted
  2. NON-NEGATIVE: no category of any wallet ever goes below zero
  3. ALL-OR-NOTHING: a batch is applied entirely or not at all
  4. VERSIONED: a batch is applied only against the version the caller read

OPTIMISTIC CONCURRENCY:
  Callers read the wallet, build entries from what they saw, then call
  ApplyEntries with the version they read. If another batch landed in between
  the call fails with retry.ErrVersionConflict and the caller starts over.
  Update wraps this loop for callers that can rebuild their entries.

CORRECTIONS:
  Mistakes are undone with compensating entries (Entry.Reverse), never edits.

SEE ALSO:
  - projection.go: Project and Replay
  - memory/memory.go: in-memory Store
  - store/sqlite/ledger.go: SQLite Store
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/warp/settlement-engine/retry"
)

// =============================================================================
// STORE - Persistence for wallets and entries
// =============================================================================

// Store persists wallets and their entry logs.
// IMPORTANT: entries are APPEND-ONLY. No Update, no Delete.
type Store interface {
	// CreateWallet persists a new wallet together with its opening entries.
	// Returns ErrWalletExists if the wallet is already there.
	CreateWallet(ctx context.Context, w Wallet, opening []Entry) error

	// Wallet returns the current projection. Returns ErrWalletNotFound.
	Wallet(ctx context.Context, id WalletID) (Wallet, error)

	// Append writes entries and the next projection atomically, but only if
	// the stored version still equals expectedVersion. Otherwise it returns
	// retry.ErrVersionConflict and writes nothing.
	Append(ctx context.Context, next Wallet, entries []Entry, expectedVersion int64) error

	// Entries returns the full log for a wallet in append order.
	Entries(ctx context.Context, id WalletID) ([]Entry, error)
}

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	Store Store
	Now   func() time.Time
}

func NewLedger(store Store) *Ledger {
	return &Ledger{Store: store, Now: func() time.Time { return time.Now().UTC() }}
}

// OpenWallet creates the wallet for a member, crediting any opening balances.
// The wallet ID is the member ID: a member owns exactly one wallet.
func (l *Ledger) OpenWallet(ctx context.Context, memberID string, opening Balances) (Wallet, error) {
	now := l.Now()
	w := Wallet{ID: WalletID(memberID), MemberID: memberID, UpdatedAt: now}

	var entries []Entry
	for _, c := range Categories {
		if amt := opening.Of(c); amt.IsPositive() {
			entries = append(entries, Credit(c, amt, ReasonOpeningBalance, memberID))
		}
	}
	if len(entries) > 0 {
		next, err := Project(w.Balances, entries)
		if err != nil {
			return Wallet{}, err
		}
		w.Balances = next
		w.Version = 1
		entries = stamp(entries, w.ID, w.Version, now)
	}

	if err := l.Store.CreateWallet(ctx, w, entries); err != nil {
		return Wallet{}, err
	}
	return w, nil
}

func (l *Ledger) Wallet(ctx context.Context, id WalletID) (Wallet, error) {
	return l.Store.Wallet(ctx, id)
}

func (l *Ledger) Entries(ctx context.Context, id WalletID) ([]Entry, error) {
	return l.Store.Entries(ctx, id)
}

// ApplyEntries applies a batch against the wallet version the caller read.
//
// Returns the new version, or:
//   - retry.ErrVersionConflict if the wallet moved since expectedVersion
//   - *InsufficientBalanceError if any category would go negative
//   - *InvalidEntryError for malformed entries
func (l *Ledger) ApplyEntries(ctx context.Context, id WalletID, entries []Entry, expectedVersion int64) (int64, error) {
	if len(entries) == 0 {
		return expectedVersion, nil
	}
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return 0, err
		}
	}

	w, err := l.Store.Wallet(ctx, id)
	if err != nil {
		return 0, err
	}
	if w.Version != expectedVersion {
		return 0, retry.ErrVersionConflict
	}

	balances, err := Project(w.Balances, entries)
	if err != nil {
		if ib, ok := err.(*InsufficientBalanceError); ok {
			ib.WalletID = id
		}
		return 0, err
	}

	now := l.Now()
	next := w
	next.Balances = balances
	next.Version = expectedVersion + 1
	next.UpdatedAt = now

	if err := l.Store.Append(ctx, next, stamp(entries, id, next.Version, now), expectedVersion); err != nil {
		return 0, err
	}
	return next.Version, nil
}

// Update reads the wallet, lets build derive a batch from it, and applies the
// batch, retrying on version conflicts up to attempts times. build may be
// called more than once and must not have side effects.
func (l *Ledger) Update(ctx context.Context, id WalletID, attempts int, build func(w Wallet) ([]Entry, error)) (Wallet, []Entry, error) {
	var (
		applied []Entry
		result  Wallet
	)
	err := retry.Do(ctx, attempts, func(ctx context.Context) error {
		w, err := l.Store.Wallet(ctx, id)
		if err != nil {
			return err
		}
		entries, err := build(w)
		if err != nil {
			return err
		}
		version, err := l.ApplyEntries(ctx, id, entries, w.Version)
		if err != nil {
			return err
		}
		applied = entries
		result = w
		result.Version = version
		result.Balances, _ = Project(w.Balances, entries)
		return nil
	})
	if err != nil {
		return Wallet{}, nil, err
	}
	return result, applied, nil
}

// Statement replays the log up to asOf. A zero asOf means "now".
func (l *Ledger) Statement(ctx context.Context, id WalletID, asOf time.Time) (Statement, error) {
	if _, err := l.Store.Wallet(ctx, id); err != nil {
		return Statement{}, err
	}
	entries, err := l.Store.Entries(ctx, id)
	if err != nil {
		return Statement{}, err
	}
	if asOf.IsZero() {
		asOf = l.Now()
	}

	var included []Entry
	for _, e := range entries {
		if e.CreatedAt.After(asOf) {
			break
		}
		included = append(included, e)
	}
	return Statement{
		WalletID: id,
		AsOf:     asOf,
		Balances: Replay(included, time.Time{}),
		Entries:  included,
	}, nil
}

// Verify checks that the cached projection equals the fold of the log.
func (l *Ledger) Verify(ctx context.Context, id WalletID) error {
	w, err := l.Store.Wallet(ctx, id)
	if err != nil {
		return err
	}
	entries, err := l.Store.Entries(ctx, id)
	if err != nil {
		return err
	}
	if replayed := Replay(entries, time.Time{}); !replayed.Equal(w.Balances) {
		return fmt.Errorf("%w: wallet %s", ErrProjectionDrift, id)
	}
	return nil
}

func stamp(entries []Entry, id WalletID, version int64, at time.Time) []Entry {
	out := make([]Entry, len(entries))
	for i, e := range entries {
		if e.ID == "" {
			e.ID = EntryID(uuid.NewString())
		}
		e.WalletID = id
		e.Version = version
		e.CreatedAt = at
		out[i] = e
	}
	return out
}
