package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/pricing"
	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// REPOSITORY - settlement.Repository over catalog and settlement tables
// =============================================================================

var _ settlement.Repository = (*Repository)(nil)

type Repository struct {
	db *sqlx.DB
}

func notFound(what, id string) error {
	return fmt.Errorf("%w: %s %q", settlement.ErrNotFound, what, id)
}

// get loads one row into dest, mapping no rows to ErrNotFound.
func (r *Repository) get(ctx context.Context, dest any, what, id, query string) error {
	err := r.db.GetContext(ctx, dest, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(what, id)
	}
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", what, err)
	}
	return nil
}

// =============================================================================
// CATALOG
// =============================================================================

type classRow struct {
	ID             string    `db:"id"`
	Name           string    `db:"name"`
	StartsAt       time.Time `db:"starts_at"`
	MaxCapacity    int64     `db:"max_capacity"`
	CreditCategory string    `db:"credit_category"`
}

type productRow struct {
	ID       string          `db:"id"`
	Name     string          `db:"name"`
	Price    decimal.Decimal `db:"price"`
	Category string          `db:"category"`
}

type rewardRow struct {
	ID         string `db:"id"`
	Name       string `db:"name"`
	PointsCost int64  `db:"points_cost"`
	GrantsJSON string `db:"grants_json"`
}

func (r *Repository) Member(ctx context.Context, id string) (settlement.Member, error) {
	var m struct {
		ID   string `db:"id"`
		Name string `db:"name"`
	}
	if err := r.get(ctx, &m, "member", id, `SELECT id, name FROM members WHERE id = ?`); err != nil {
		return settlement.Member{}, err
	}
	return settlement.Member{ID: m.ID, Name: m.Name}, nil
}

func (r *Repository) SaveMember(ctx context.Context, m settlement.Member) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO members (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name`, m.ID, m.Name)
	if err != nil {
		return fmt.Errorf("failed to save member: %w", err)
	}
	return nil
}

func (r *Repository) Class(ctx context.Context, id string) (settlement.Class, error) {
	var row classRow
	if err := r.get(ctx, &row, "class", id, `SELECT * FROM classes WHERE id = ?`); err != nil {
		return settlement.Class{}, err
	}
	return settlement.Class{
		ID:             row.ID,
		Name:           row.Name,
		StartsAt:       row.StartsAt,
		MaxCapacity:    row.MaxCapacity,
		CreditCategory: ledger.Category(row.CreditCategory),
	}, nil
}

func (r *Repository) SaveClass(ctx context.Context, c settlement.Class) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO classes (id, name, starts_at, max_capacity, credit_category)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			starts_at = excluded.starts_at,
			max_capacity = excluded.max_capacity,
			credit_category = excluded.credit_category`,
		c.ID, c.Name, c.StartsAt, c.MaxCapacity, c.CreditCategory,
	)
	if err != nil {
		return fmt.Errorf("failed to save class: %w", err)
	}
	return nil
}

func (r *Repository) Product(ctx context.Context, id string) (settlement.Product, error) {
	var row productRow
	if err := r.get(ctx, &row, "product", id, `SELECT * FROM products WHERE id = ?`); err != nil {
		return settlement.Product{}, err
	}
	return settlement.Product{ID: row.ID, Name: row.Name, Price: row.Price, Category: row.Category}, nil
}

func (r *Repository) SaveProduct(ctx context.Context, p settlement.Product) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO products (id, name, price, category) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, price = excluded.price, category = excluded.category`,
		p.ID, p.Name, p.Price.String(), p.Category,
	)
	if err != nil {
		return fmt.Errorf("failed to save product: %w", err)
	}
	return nil
}

func (r *Repository) Reward(ctx context.Context, id string) (settlement.RewardItem, error) {
	var row rewardRow
	if err := r.get(ctx, &row, "reward", id, `SELECT * FROM rewards WHERE id = ?`); err != nil {
		return settlement.RewardItem{}, err
	}
	item := settlement.RewardItem{ID: row.ID, Name: row.Name, PointsCost: row.PointsCost}
	if err := json.Unmarshal([]byte(row.GrantsJSON), &item.Grants); err != nil {
		return settlement.RewardItem{}, fmt.Errorf("failed to decode reward grants: %w", err)
	}
	return item, nil
}

func (r *Repository) SaveReward(ctx context.Context, item settlement.RewardItem) error {
	grants, err := marshalJSON(item.Grants)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO rewards (id, name, points_cost, grants_json) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, points_cost = excluded.points_cost, grants_json = excluded.grants_json`,
		item.ID, item.Name, item.PointsCost, grants,
	)
	if err != nil {
		return fmt.Errorf("failed to save reward: %w", err)
	}
	return nil
}

// =============================================================================
// BOOKINGS
// =============================================================================

type bookingRow struct {
	ID             string    `db:"id"`
	MemberID       string    `db:"member_id"`
	ClassID        string    `db:"class_id"`
	CreditCategory string    `db:"credit_category"`
	Status         string    `db:"status"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (row bookingRow) booking() settlement.Booking {
	return settlement.Booking{
		ID:             row.ID,
		MemberID:       row.MemberID,
		ClassID:        row.ClassID,
		CreditCategory: ledger.Category(row.CreditCategory),
		Status:         settlement.BookingStatus(row.Status),
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
}

func (r *Repository) CreateBooking(ctx context.Context, b settlement.Booking) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO bookings (id, member_id, class_id, credit_category, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.MemberID, b.ClassID, b.CreditCategory, b.Status, b.CreatedAt, b.UpdatedAt,
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: member %s already booked class %s", settlement.ErrConflict, b.MemberID, b.ClassID)
	}
	if err != nil {
		return fmt.Errorf("failed to create booking: %w", err)
	}
	return nil
}

func (r *Repository) Booking(ctx context.Context, id string) (settlement.Booking, error) {
	var row bookingRow
	if err := r.get(ctx, &row, "booking", id, `SELECT * FROM bookings WHERE id = ?`); err != nil {
		return settlement.Booking{}, err
	}
	return row.booking(), nil
}

func (r *Repository) ActiveBooking(ctx context.Context, memberID, classID string) (settlement.Booking, bool, error) {
	var row bookingRow
	err := r.db.GetContext(ctx, &row, `
		SELECT * FROM bookings
		WHERE member_id = ? AND class_id = ? AND status IN (?, ?)`,
		memberID, classID, settlement.BookingPending, settlement.BookingConfirmed)
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.Booking{}, false, nil
	}
	if err != nil {
		return settlement.Booking{}, false, fmt.Errorf("failed to load active booking: %w", err)
	}
	return row.booking(), true, nil
}

// TransitionBooking is a compare-and-set on status.
func (r *Repository) TransitionBooking(ctx context.Context, id string, from, to settlement.BookingStatus, at time.Time) (settlement.Booking, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE bookings SET status = ?, updated_at = ? WHERE id = ? AND status = ?`, to, at, id, from)
	if isUniqueConstraintError(err) {
		return settlement.Booking{}, fmt.Errorf("%w: booking %s cannot become %s again", settlement.ErrConflict, id, to)
	}
	if err != nil {
		return settlement.Booking{}, fmt.Errorf("failed to update booking: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return settlement.Booking{}, err
	}
	b, err := r.Booking(ctx, id)
	if err != nil {
		return settlement.Booking{}, err
	}
	if !ok {
		return settlement.Booking{}, fmt.Errorf("%w: booking %s is %s", settlement.ErrInvalidTransition, id, b.Status)
	}
	return b, nil
}

// =============================================================================
// FREEZES
// =============================================================================

type freezeRow struct {
	ID        string          `db:"id"`
	MemberID  string          `db:"member_id"`
	Type      string          `db:"type"`
	Status    string          `db:"status"`
	StartDate time.Time       `db:"start_date"`
	EndDate   time.Time       `db:"end_date"`
	Fee       decimal.Decimal `db:"fee"`
	CreatedAt time.Time       `db:"created_at"`
	DecidedAt sql.NullTime    `db:"decided_at"`
}

func (row freezeRow) freeze() settlement.Freeze {
	f := settlement.Freeze{
		ID:        row.ID,
		MemberID:  row.MemberID,
		Type:      row.Type,
		Status:    settlement.FreezeStatus(row.Status),
		StartDate: row.StartDate,
		EndDate:   row.EndDate,
		Fee:       row.Fee,
		CreatedAt: row.CreatedAt,
	}
	if row.DecidedAt.Valid {
		at := row.DecidedAt.Time
		f.DecidedAt = &at
	}
	return f
}

func (r *Repository) CreateFreeze(ctx context.Context, f settlement.Freeze) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO freezes (id, member_id, type, status, start_date, end_date, fee, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.MemberID, f.Type, f.Status, f.StartDate, f.EndDate, f.Fee.String(), f.CreatedAt,
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: member %s already has a pending freeze", settlement.ErrConflict, f.MemberID)
	}
	if err != nil {
		return fmt.Errorf("failed to create freeze: %w", err)
	}
	return nil
}

func (r *Repository) Freeze(ctx context.Context, id string) (settlement.Freeze, error) {
	var row freezeRow
	if err := r.get(ctx, &row, "freeze", id, `SELECT * FROM freezes WHERE id = ?`); err != nil {
		return settlement.Freeze{}, err
	}
	return row.freeze(), nil
}

func (r *Repository) PendingFreeze(ctx context.Context, memberID string) (settlement.Freeze, bool, error) {
	var row freezeRow
	err := r.db.GetContext(ctx, &row, `SELECT * FROM freezes WHERE member_id = ? AND status = ?`,
		memberID, settlement.FreezePendingApproval)
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.Freeze{}, false, nil
	}
	if err != nil {
		return settlement.Freeze{}, false, fmt.Errorf("failed to load pending freeze: %w", err)
	}
	return row.freeze(), true, nil
}

func (r *Repository) TransitionFreeze(ctx context.Context, id string, from, to settlement.FreezeStatus, at time.Time) (settlement.Freeze, error) {
	decided := sql.NullTime{Time: at, Valid: to != settlement.FreezePendingApproval}
	res, err := r.db.ExecContext(ctx, `
		UPDATE freezes SET status = ?, decided_at = ? WHERE id = ? AND status = ?`, to, decided, id, from)
	if isUniqueConstraintError(err) {
		return settlement.Freeze{}, fmt.Errorf("%w: member already has a pending freeze", settlement.ErrConflict)
	}
	if err != nil {
		return settlement.Freeze{}, fmt.Errorf("failed to update freeze: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return settlement.Freeze{}, err
	}
	f, err := r.Freeze(ctx, id)
	if err != nil {
		return settlement.Freeze{}, err
	}
	if !ok {
		return settlement.Freeze{}, fmt.Errorf("%w: freeze %s is %s", settlement.ErrInvalidTransition, id, f.Status)
	}
	return f, nil
}

// =============================================================================
// ORDERS & REDEMPTIONS
// =============================================================================

type orderRow struct {
	ID             string    `db:"id"`
	MemberID       string    `db:"member_id"`
	LinesJSON      string    `db:"lines_json"`
	PromoCode      string    `db:"promo_code"`
	PointsRedeemed int64     `db:"points_redeemed"`
	PricingJSON    string    `db:"pricing_json"`
	PaymentMethod  string    `db:"payment_method"`
	PointsEarned   int64     `db:"points_earned"`
	CreatedAt      time.Time `db:"created_at"`
}

func (r *Repository) SaveOrder(ctx context.Context, o settlement.Order) error {
	lines, err := marshalJSON(o.Lines)
	if err != nil {
		return err
	}
	priced, err := marshalJSON(o.Pricing)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO orders (id, member_id, lines_json, promo_code, points_redeemed, pricing_json, payment_method, points_earned, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.MemberID, lines, o.PromoCode, o.PointsRedeemed, priced, o.PaymentMethod, o.PointsEarned, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

func (r *Repository) Order(ctx context.Context, id string) (settlement.Order, error) {
	var row orderRow
	if err := r.get(ctx, &row, "order", id, `SELECT * FROM orders WHERE id = ?`); err != nil {
		return settlement.Order{}, err
	}
	o := settlement.Order{
		ID:             row.ID,
		MemberID:       row.MemberID,
		PromoCode:      row.PromoCode,
		PointsRedeemed: row.PointsRedeemed,
		PaymentMethod:  settlement.PaymentMethod(row.PaymentMethod),
		PointsEarned:   row.PointsEarned,
		CreatedAt:      row.CreatedAt,
	}
	var lines []pricing.Line
	if err := json.Unmarshal([]byte(row.LinesJSON), &lines); err != nil {
		return settlement.Order{}, fmt.Errorf("failed to decode order lines: %w", err)
	}
	if err := json.Unmarshal([]byte(row.PricingJSON), &o.Pricing); err != nil {
		return settlement.Order{}, fmt.Errorf("failed to decode order pricing: %w", err)
	}
	o.Lines = lines
	return o, nil
}

func (r *Repository) SaveRedemption(ctx context.Context, rd settlement.Redemption) error {
	grants, err := marshalJSON(rd.Grants)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO redemptions (id, member_id, reward_id, points_cost, grants_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rd.ID, rd.MemberID, rd.RewardID, rd.PointsCost, grants, rd.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save redemption: %w", err)
	}
	return nil
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "[]", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode: %w", err)
	}
	return string(b), nil
}
