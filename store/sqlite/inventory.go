package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/warp/settlement-engine/inventory"
	"github.com/warp/settlement-engine/retry"
)

// =============================================================================
// INVENTORY STORE - inventory.Store over stock_counters + stock_reservations
// =============================================================================

var _ inventory.Store = (*InventoryStore)(nil)

type InventoryStore struct {
	db *sqlx.DB
}

type counterRow struct {
	Key       string    `db:"key"`
	OnHand    int64     `db:"on_hand"`
	Held      int64     `db:"held"`
	Version   int64     `db:"version"`
	UpdatedAt time.Time `db:"updated_at"`
}

type stockReservationRow struct {
	Token     string    `db:"token"`
	Key       string    `db:"key"`
	Qty       int64     `db:"qty"`
	Status    string    `db:"status"`
	ExpiresAt time.Time `db:"expires_at"`
	CreatedAt time.Time `db:"created_at"`
}

func (r stockReservationRow) reservation() inventory.Reservation {
	return inventory.Reservation{
		Token:     r.Token,
		Key:       inventory.Key(r.Key),
		Qty:       r.Qty,
		Status:    inventory.ReservationStatus(r.Status),
		ExpiresAt: r.ExpiresAt,
		CreatedAt: r.CreatedAt,
	}
}

func (s *InventoryStore) Counter(ctx context.Context, key inventory.Key) (inventory.Counter, error) {
	var row counterRow
	err := s.db.GetContext(ctx, &row, `SELECT key, on_hand, held, version, updated_at FROM stock_counters WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return inventory.Counter{}, inventory.ErrUnknownResource
	}
	if err != nil {
		return inventory.Counter{}, fmt.Errorf("failed to load counter: %w", err)
	}
	return inventory.Counter{
		Key:       inventory.Key(row.Key),
		OnHand:    row.OnHand,
		Held:      row.Held,
		Version:   row.Version,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

func (s *InventoryStore) EnsureCounter(ctx context.Context, key inventory.Key, onHand int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_counters (key, on_hand, held, version, updated_at)
		VALUES (?, ?, 0, 0, ?)
		ON CONFLICT(key) DO NOTHING`, key, onHand, at)
	if err != nil {
		return fmt.Errorf("failed to register counter: %w", err)
	}
	return nil
}

func (s *InventoryStore) Mutate(ctx context.Context, next inventory.Counter, expectedVersion int64, res *inventory.Reservation, from inventory.ReservationStatus) error {
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE stock_counters SET on_hand = ?, held = ?, version = ?, updated_at = ?
			WHERE key = ? AND version = ?`,
			next.OnHand, next.Held, next.Version, next.UpdatedAt, next.Key, expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("failed to update counter: %w", err)
		}
		ok, err := affected(result)
		if err != nil {
			return err
		}
		if !ok {
			var exists bool
			if err := tx.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM stock_counters WHERE key = ?)`, next.Key); err != nil {
				return err
			}
			if !exists {
				return inventory.ErrUnknownResource
			}
			return retry.ErrVersionConflict
		}
		if res == nil {
			return nil
		}
		if from != "" {
			result, err = tx.ExecContext(ctx, `
				UPDATE stock_reservations SET status = ? WHERE token = ? AND status = ?`,
				res.Status, res.Token, from,
			)
			if err != nil {
				return fmt.Errorf("failed to update reservation: %w", err)
			}
			return conflictUnlessAffected(result)
		}
		result, err = tx.ExecContext(ctx, `
			INSERT INTO stock_reservations (token, key, qty, status, expires_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(token) DO NOTHING`,
			res.Token, res.Key, res.Qty, res.Status, res.ExpiresAt, res.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to save reservation: %w", err)
		}
		return conflictUnlessAffected(result)
	})
}

func (s *InventoryStore) Reservation(ctx context.Context, token string) (inventory.Reservation, error) {
	var row stockReservationRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM stock_reservations WHERE token = ?`, token)
	if errors.Is(err, sql.ErrNoRows) {
		return inventory.Reservation{}, inventory.ErrReservationNotFound
	}
	if err != nil {
		return inventory.Reservation{}, fmt.Errorf("failed to load reservation: %w", err)
	}
	return row.reservation(), nil
}

func (s *InventoryStore) Expired(ctx context.Context, now time.Time, limit int) ([]inventory.Reservation, error) {
	var rows []stockReservationRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM stock_reservations
		WHERE status = ? AND expires_at < ?
		ORDER BY expires_at
		LIMIT ?`, inventory.ReservationHeld, now, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list expired reservations: %w", err)
	}
	result := make([]inventory.Reservation, len(rows))
	for i, r := range rows {
		result[i] = r.reservation()
	}
	return result, nil
}

// limitOrAll maps a non-positive limit to SQLite's "no limit".
func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
