package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/promo"
	"github.com/warp/settlement-engine/retry"
)

// =============================================================================
// PROMO STORE - promo.Store over promo_codes + promo_reservations
// =============================================================================

var _ promo.Store = (*PromoStore)(nil)

type PromoStore struct {
	db *sqlx.DB
}

type promoRow struct {
	Code       string          `db:"code"`
	Type       string          `db:"type"`
	Value      decimal.Decimal `db:"value"`
	UsageLimit sql.NullInt64   `db:"usage_limit"`
	UsedCount  int64           `db:"used_count"`
	ExpiresAt  sql.NullTime    `db:"expires_at"`
	Status     string          `db:"status"`
	Version    int64           `db:"version"`
}

func (r promoRow) code() promo.Code {
	c := promo.Code{
		Code:      r.Code,
		Type:      promo.Type(r.Type),
		Value:     r.Value,
		UsedCount: r.UsedCount,
		Status:    promo.Status(r.Status),
		Version:   r.Version,
	}
	if r.UsageLimit.Valid {
		limit := r.UsageLimit.Int64
		c.UsageLimit = &limit
	}
	if r.ExpiresAt.Valid {
		c.ExpiresAt = r.ExpiresAt.Time
	}
	return c
}

type promoReservationRow struct {
	Token     string    `db:"token"`
	Code      string    `db:"code"`
	Status    string    `db:"status"`
	ExpiresAt time.Time `db:"expires_at"`
	CreatedAt time.Time `db:"created_at"`
}

func (r promoReservationRow) reservation() promo.Reservation {
	return promo.Reservation{
		Token:     r.Token,
		Code:      r.Code,
		Status:    promo.ReservationStatus(r.Status),
		ExpiresAt: r.ExpiresAt,
		CreatedAt: r.CreatedAt,
	}
}

func usageLimit(c promo.Code) sql.NullInt64 {
	if c.UsageLimit == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *c.UsageLimit, Valid: true}
}

func expiresAt(c promo.Code) sql.NullTime {
	if c.ExpiresAt.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: c.ExpiresAt, Valid: true}
}

func (s *PromoStore) Code(ctx context.Context, code string) (promo.Code, error) {
	var row promoRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM promo_codes WHERE code = ?`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return promo.Code{}, promo.ErrCodeNotFound
	}
	if err != nil {
		return promo.Code{}, fmt.Errorf("failed to load promo code: %w", err)
	}
	return row.code(), nil
}

// PutCode inserts a code, or replaces its definition keeping usage intact.
func (s *PromoStore) PutCode(ctx context.Context, c promo.Code) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO promo_codes (code, type, value, usage_limit, used_count, expires_at, status, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(code) DO UPDATE SET
			type = excluded.type,
			value = excluded.value,
			usage_limit = excluded.usage_limit,
			expires_at = excluded.expires_at,
			status = excluded.status,
			version = promo_codes.version + 1`,
		c.Code, c.Type, c.Value.String(), usageLimit(c), c.UsedCount, expiresAt(c), c.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to save promo code: %w", err)
	}
	return nil
}

func (s *PromoStore) Mutate(ctx context.Context, next promo.Code, expectedVersion int64, res *promo.Reservation, from promo.ReservationStatus) error {
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE promo_codes SET used_count = ?, status = ?, version = ?
			WHERE code = ? AND version = ?`,
			next.UsedCount, next.Status, next.Version, next.Code, expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("failed to update promo code: %w", err)
		}
		ok, err := affected(result)
		if err != nil {
			return err
		}
		if !ok {
			var exists bool
			if err := tx.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM promo_codes WHERE code = ?)`, next.Code); err != nil {
				return err
			}
			if !exists {
				return promo.ErrCodeNotFound
			}
			return retry.ErrVersionConflict
		}
		if res == nil {
			return nil
		}
		if from != "" {
			result, err = tx.ExecContext(ctx, `
				UPDATE promo_reservations SET status = ? WHERE token = ? AND status = ?`,
				res.Status, res.Token, from,
			)
			if err != nil {
				return fmt.Errorf("failed to update promo reservation: %w", err)
			}
			return conflictUnlessAffected(result)
		}
		result, err = tx.ExecContext(ctx, `
			INSERT INTO promo_reservations (token, code, status, expires_at, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(token) DO NOTHING`,
			res.Token, res.Code, res.Status, res.ExpiresAt, res.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to save promo reservation: %w", err)
		}
		return conflictUnlessAffected(result)
	})
}

func (s *PromoStore) Reservation(ctx context.Context, token string) (promo.Reservation, error) {
	var row promoReservationRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM promo_reservations WHERE token = ?`, token)
	if errors.Is(err, sql.ErrNoRows) {
		return promo.Reservation{}, promo.ErrReservationNotFound
	}
	if err != nil {
		return promo.Reservation{}, fmt.Errorf("failed to load promo reservation: %w", err)
	}
	return row.reservation(), nil
}

func (s *PromoStore) Expired(ctx context.Context, now time.Time, limit int) ([]promo.Reservation, error) {
	var rows []promoReservationRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM promo_reservations
		WHERE status = ? AND expires_at < ?
		ORDER BY expires_at
		LIMIT ?`, promo.ReservationHeld, now, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list expired promo reservations: %w", err)
	}
	result := make([]promo.Reservation, len(rows))
	for i, r := range rows {
		result[i] = r.reservation()
	}
	return result, nil
}
