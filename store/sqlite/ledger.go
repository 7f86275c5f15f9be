package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/retry"
)

// =============================================================================
// LEDGER STORE - ledger.Store over wallets + wallet_entries
// =============================================================================

var _ ledger.Store = (*LedgerStore)(nil)

// LedgerStore implements ledger.Store.
type LedgerStore struct {
	db *sqlx.DB
}

type walletRow struct {
	ID             string          `db:"id"`
	MemberID       string          `db:"member_id"`
	Cash           decimal.Decimal `db:"cash"`
	ClassCredits   int64           `db:"class_credits"`
	SaunaSessions  int64           `db:"sauna_sessions"`
	IceBathCredits int64           `db:"ice_bath_credits"`
	LoyaltyPoints  int64           `db:"loyalty_points"`
	Version        int64           `db:"version"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

func (r walletRow) wallet() ledger.Wallet {
	return ledger.Wallet{
		ID:       ledger.WalletID(r.ID),
		MemberID: r.MemberID,
		Balances: ledger.Balances{
			Cash:           r.Cash,
			ClassCredits:   r.ClassCredits,
			SaunaSessions:  r.SaunaSessions,
			IceBathCredits: r.IceBathCredits,
			LoyaltyPoints:  r.LoyaltyPoints,
		},
		Version:   r.Version,
		UpdatedAt: r.UpdatedAt,
	}
}

type entryRow struct {
	ID              string          `db:"id"`
	WalletID        string          `db:"wallet_id"`
	Kind            string          `db:"kind"`
	Category        string          `db:"category"`
	Amount          decimal.Decimal `db:"amount"`
	Reason          string          `db:"reason"`
	RelatedEntityID string          `db:"related_entity_id"`
	Version         int64           `db:"version"`
	CreatedAt       time.Time       `db:"created_at"`
}

func (r entryRow) entry() ledger.Entry {
	return ledger.Entry{
		ID:              ledger.EntryID(r.ID),
		WalletID:        ledger.WalletID(r.WalletID),
		Kind:            ledger.Kind(r.Kind),
		Category:        ledger.Category(r.Category),
		Amount:          r.Amount,
		Reason:          ledger.Reason(r.Reason),
		RelatedEntityID: r.RelatedEntityID,
		Version:         r.Version,
		CreatedAt:       r.CreatedAt,
	}
}

func (s *LedgerStore) CreateWallet(ctx context.Context, w ledger.Wallet, opening []ledger.Entry) error {
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO wallets (id, member_id, cash, class_credits, sauna_sessions, ice_bath_credits, loyalty_points, version, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			w.ID, w.MemberID, w.Cash.String(), w.ClassCredits, w.SaunaSessions, w.IceBathCredits, w.LoyaltyPoints, w.Version, w.UpdatedAt,
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return ledger.ErrWalletExists
			}
			return fmt.Errorf("failed to create wallet: %w", err)
		}
		return insertEntries(ctx, tx, opening)
	})
}

func (s *LedgerStore) Wallet(ctx context.Context, id ledger.WalletID) (ledger.Wallet, error) {
	var row walletRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM wallets WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Wallet{}, ledger.ErrWalletNotFound
	}
	if err != nil {
		return ledger.Wallet{}, fmt.Errorf("failed to load wallet: %w", err)
	}
	return row.wallet(), nil
}

// Append updates the projection guarded by its version and appends the batch
// in the same transaction.
func (s *LedgerStore) Append(ctx context.Context, next ledger.Wallet, entries []ledger.Entry, expectedVersion int64) error {
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE wallets
			SET cash = ?, class_credits = ?, sauna_sessions = ?, ice_bath_credits = ?, loyalty_points = ?,
			    version = ?, updated_at = ?
			WHERE id = ? AND version = ?`,
			next.Cash.String(), next.ClassCredits, next.SaunaSessions, next.IceBathCredits, next.LoyaltyPoints,
			next.Version, next.UpdatedAt, next.ID, expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("failed to update wallet: %w", err)
		}
		ok, err := affected(res)
		if err != nil {
			return err
		}
		if !ok {
			var exists bool
			if err := tx.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM wallets WHERE id = ?)`, next.ID); err != nil {
				return err
			}
			if !exists {
				return ledger.ErrWalletNotFound
			}
			return retry.ErrVersionConflict
		}
		return insertEntries(ctx, tx, entries)
	})
}

func (s *LedgerStore) Entries(ctx context.Context, id ledger.WalletID) ([]ledger.Entry, error) {
	if _, err := s.Wallet(ctx, id); err != nil {
		return nil, err
	}
	var rows []entryRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, wallet_id, kind, category, amount, reason, related_entity_id, version, created_at
		FROM wallet_entries WHERE wallet_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load entries: %w", err)
	}
	entries := make([]ledger.Entry, len(rows))
	for i, r := range rows {
		entries[i] = r.entry()
	}
	return entries, nil
}

func insertEntries(ctx context.Context, tx *sqlx.Tx, entries []ledger.Entry) error {
	for _, e := range entries {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO wallet_entries (id, wallet_id, kind, category, amount, reason, related_entity_id, version, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.WalletID, e.Kind, e.Category, e.Amount.String(), e.Reason, e.RelatedEntityID, e.Version, e.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to append entry: %w", err)
		}
	}
	return nil
}
