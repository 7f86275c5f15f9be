/*
Package settlement commits multi-resource member transactions.

PURPOSE:
  One user action (book a class, cancel it, request a freeze, check out a
  cart, redeem a reward, top up the wallet) is one Coordinator.Settle call.
  The coordinator spans the wallet ledger, inventory counters and promo
  usage, and either everything happens or nothing does.

KEY CONCEPTS IN THIS FILE (types.go):
  - Member, Class, Product, RewardItem: catalog records owned by the Repository
  - Booking:    class seat held by a member, paid with one credit
  - Freeze:     membership freeze service request awaiting staff approval
  - Order:      committed store checkout, immutable
  - Redemption: committed reward redemption, immutable

STATE MACHINES:
  Booking:  pending/confirmed -> cancelled   (credit refunded if policy allows)
            pending/confirmed -> completed   (terminal, no refund)
  Freeze:   pending_approval  -> approved | rejected

SEE ALSO:
  - coordinator.go: Settle and the saga
  - repository.go: persistence of the rows defined here
*/
package settlement

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/pricing"
)

// =============================================================================
// CATALOG
// =============================================================================

type Member struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Class struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	StartsAt       time.Time       `json:"starts_at"`
	MaxCapacity    int64           `json:"max_capacity"`
	CreditCategory ledger.Category `json:"credit_category"`
}

type Product struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Category string          `json:"category"`
}

// Grant is a credit handed out by a reward, e.g. one sauna session.
type Grant struct {
	Category ledger.Category `json:"category"`
	Amount   int64           `json:"amount"`
}

type RewardItem struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	PointsCost int64   `json:"points_cost"`
	Grants     []Grant `json:"grants,omitempty"`
}

// =============================================================================
// BOOKING
// =============================================================================

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCancelled BookingStatus = "cancelled"
	BookingCompleted BookingStatus = "completed"
)

// Active reports whether the booking still holds a seat.
func (s BookingStatus) Active() bool {
	return s == BookingPending || s == BookingConfirmed
}

type Booking struct {
	ID             string          `json:"id"`
	MemberID       string          `json:"member_id"`
	ClassID        string          `json:"class_id"`
	CreditCategory ledger.Category `json:"credit_category"`
	Status         BookingStatus   `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// =============================================================================
// FREEZE
// =============================================================================

type FreezeStatus string

const (
	FreezePendingApproval FreezeStatus = "pending_approval"
	FreezeApproved        FreezeStatus = "approved"
	FreezeRejected        FreezeStatus = "rejected"
)

// Freeze is a ServiceRequest of type freeze.
type Freeze struct {
	ID        string          `json:"id"`
	MemberID  string          `json:"member_id"`
	Type      string          `json:"type"`
	Status    FreezeStatus    `json:"status"`
	StartDate time.Time       `json:"start_date"`
	EndDate   time.Time       `json:"end_date"`
	Fee       decimal.Decimal `json:"fee"`
	CreatedAt time.Time       `json:"created_at"`
	DecidedAt *time.Time      `json:"decided_at,omitempty"`
}

const ServiceRequestFreeze = "freeze"

// =============================================================================
// ORDER & REDEMPTION
// =============================================================================

type PaymentMethod string

const (
	PayFromWallet PaymentMethod = "wallet"
	PayExternal   PaymentMethod = "external"
)

type Order struct {
	ID             string         `json:"id"`
	MemberID       string         `json:"member_id,omitempty"` // empty for guests
	Lines          []pricing.Line `json:"lines"`
	PromoCode      string         `json:"promo_code,omitempty"`
	PointsRedeemed int64          `json:"points_redeemed"`
	Pricing        pricing.Result `json:"pricing"`
	PaymentMethod  PaymentMethod  `json:"payment_method"`
	PointsEarned   int64          `json:"points_earned"`
	CreatedAt      time.Time      `json:"created_at"`
}

type Redemption struct {
	ID         string    `json:"id"`
	MemberID   string    `json:"member_id"`
	RewardID   string    `json:"reward_id"`
	PointsCost int64     `json:"points_cost"`
	Grants     []Grant   `json:"grants,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
