/*
Package sqlite provides SQLite-backed implementations of the storage interfaces.

PURPOSE:
  One database file holds everything a settlement touches. Each component
  gets its own view over the shared handle:

  DB.Ledger():     ledger.Store        wallets + append-only wallet_entries
  DB.Inventory():  inventory.Store     stock_counters + stock_reservations
  DB.Promos():     promo.Store         promo_codes + promo_reservations
  DB.Repository(): settlement.Repository  catalog, bookings, freezes, orders

OPTIMISTIC CONCURRENCY:
  Every versioned row is written with
    UPDATE ... SET version = :next WHERE id = :id AND version = :expected
  and zero affected rows means someone else won the race. The caller gets
  retry.ErrVersionConflict and re-reads. No in-process lock is taken.

APPEND-ONLY ENFORCEMENT:
  wallet_entries has BEFORE UPDATE / BEFORE DELETE triggers that abort, so
  even a stray statement cannot edit history. Corrections are reversal
  entries.

UNIQUENESS:
  Two partial unique indexes back the repository's conflict rules:
  - idx_unique_active_booking: one pending/confirmed booking per member+class
  - idx_unique_pending_freeze: one pending_approval freeze per member

WAL MODE:
  Files are opened with WAL, a busy timeout and immediate write transactions,
  so concurrent writers queue on the database lock instead of failing with
  SQLITE_BUSY halfway through a transaction.

USAGE:
  db, err := sqlite.Open("./data/settlement.db")
  if err != nil {
      log.Fatal(err)
  }
  defer db.Close()

  l := ledger.NewLedger(db.Ledger())

SEE ALSO:
  - ledger.go, inventory.go, promo.go, repository.go
*/
package sqlite

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/warp/settlement-engine/retry"
)

// DB is the shared database handle.
type DB struct {
	db *sqlx.DB
}

// Open opens (and migrates) the database at path. Use ":memory:" for a
// throwaway database.
func Open(path string) (*DB, error) {
	db, err := sqlx.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return d, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Ledger() *LedgerStore { return &LedgerStore{db: d.db} }
func (d *DB) Inventory() *InventoryStore { return &InventoryStore{db: d.db} }
func (d *DB) Promos() *PromoStore { return &PromoStore{db: d.db} }
func (d *DB) Repository() *Repository { return &Repository{db: d.db} }

func (d *DB) migrate() error {
	schema := `
	-- Wallet projection (versioned)
	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		cash TEXT NOT NULL,
		class_credits INTEGER NOT NULL,
		sauna_sessions INTEGER NOT NULL,
		ice_bath_credits INTEGER NOT NULL,
		loyalty_points INTEGER NOT NULL,
		version INTEGER NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	-- Wallet entries (append-only)
	CREATE TABLE IF NOT EXISTS wallet_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		wallet_id TEXT NOT NULL REFERENCES wallets(id),
		kind TEXT NOT NULL,
		category TEXT NOT NULL,
		amount TEXT NOT NULL,
		reason TEXT NOT NULL,
		related_entity_id TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_wallet_entries_wallet
		ON wallet_entries(wallet_id, seq);

	CREATE TRIGGER IF NOT EXISTS wallet_entries_no_update
		BEFORE UPDATE ON wallet_entries
		BEGIN SELECT RAISE(ABORT, 'wallet_entries is append-only'); END;

	CREATE TRIGGER IF NOT EXISTS wallet_entries_no_delete
		BEFORE DELETE ON wallet_entries
		BEGIN SELECT RAISE(ABORT, 'wallet_entries is append-only'); END;

	-- Stock and class seats
	CREATE TABLE IF NOT EXISTS stock_counters (
		key TEXT PRIMARY KEY,
		on_hand INTEGER NOT NULL,
		held INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL,
		CHECK (held >= 0 AND held <= on_hand)
	);

	CREATE TABLE IF NOT EXISTS stock_reservations (
		token TEXT PRIMARY KEY,
		key TEXT NOT NULL REFERENCES stock_counters(key),
		qty INTEGER NOT NULL,
		status TEXT NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_stock_reservations_expiry
		ON stock_reservations(status, expires_at);

	-- Promo codes
	CREATE TABLE IF NOT EXISTS promo_codes (
		code TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		value TEXT NOT NULL,
		usage_limit INTEGER,
		used_count INTEGER NOT NULL DEFAULT 0,
		expires_at TIMESTAMP,
		status TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		CHECK (usage_limit IS NULL OR used_count <= usage_limit)
	);

	CREATE TABLE IF NOT EXISTS promo_reservations (
		token TEXT PRIMARY KEY,
		code TEXT NOT NULL REFERENCES promo_codes(code),
		status TEXT NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_promo_reservations_expiry
		ON promo_reservations(status, expires_at);

	-- Catalog
	CREATE TABLE IF NOT EXISTS members (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS classes (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		starts_at TIMESTAMP NOT NULL,
		max_capacity INTEGER NOT NULL,
		credit_category TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		price TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS rewards (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		points_cost INTEGER NOT NULL,
		grants_json TEXT NOT NULL DEFAULT '[]'
	);

	-- Settlement rows
	CREATE TABLE IF NOT EXISTS bookings (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL REFERENCES members(id),
		class_id TEXT NOT NULL REFERENCES classes(id),
		credit_category TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	-- CRITICAL: one active booking per member and class
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_active_booking
		ON bookings(member_id, class_id)
		WHERE status IN ('pending', 'confirmed');

	CREATE TABLE IF NOT EXISTS freezes (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL REFERENCES members(id),
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		start_date TIMESTAMP NOT NULL,
		end_date TIMESTAMP NOT NULL,
		fee TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		decided_at TIMESTAMP
	);

	-- CRITICAL: one pending freeze per member
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_pending_freeze
		ON freezes(member_id)
		WHERE status = 'pending_approval';

	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL DEFAULT '',
		lines_json TEXT NOT NULL,
		promo_code TEXT NOT NULL DEFAULT '',
		points_redeemed INTEGER NOT NULL,
		pricing_json TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		points_earned INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_orders_member
		ON orders(member_id, created_at);

	CREATE TABLE IF NOT EXISTS redemptions (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL REFERENCES members(id),
		reward_id TEXT NOT NULL,
		points_cost INTEGER NOT NULL,
		grants_json TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL
	);
	`
	_, err := d.db.Exec(schema)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

// withTx runs fn inside a transaction, committing only if fn succeeds.
func withTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// affected reports whether the statement changed at least one row.
func affected(res interface{ RowsAffected() (int64, error) }) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// conflictUnlessAffected maps a conditional write that matched no row to
// retry.ErrVersionConflict, which rolls the surrounding transaction back.
func conflictUnlessAffected(res interface{ RowsAffected() (int64, error) }) error {
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return retry.ErrVersionConflict
	}
	return nil
}
