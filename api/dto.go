/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for the settlement endpoints. These types
  decouple the wire contract from settlement.Request, so the API can accept
  strings for dates and amounts while the domain works with time.Time and
  decimal.Decimal.

NAMING CONVENTION:
  - *Request: Request body types from clients
  - *DTO: Response types returned to clients

VALIDATION:
  Shape checks (required fields, ranges, enums) are struct tags checked by
  validator/v10 before anything reaches the coordinator. Business rules
  (guests must pay externally, end after start) stay in settlement.

IDEMPOTENCY:
  Every settle request carries idempotency_key in the body. The
  Idempotency-Key header is accepted when the body has none.

SEE ALSO:
  - handlers.go: Uses these types
  - validate.go: Validator setup
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/settlement"
)

const dateLayout = "2006-01-02"

// =============================================================================
// SETTLE REQUESTS
// =============================================================================

type BookingRequest struct {
	MemberID       string `json:"member_id" validate:"required"`
	ClassID        string `json:"class_id" validate:"required"`
	IdempotencyKey string `json:"idempotency_key" validate:"omitempty,max=128"`
}

func (b BookingRequest) toSettle() settlement.CreateBooking {
	return settlement.CreateBooking{MemberID: b.MemberID, ClassID: b.ClassID}
}

type BookingCancelRequest struct {
	MemberID       string `json:"member_id" validate:"required"`
	BookingID      string `json:"booking_id" validate:"required"`
	IdempotencyKey string `json:"idempotency_key" validate:"omitempty,max=128"`
}

func (b BookingCancelRequest) toSettle() settlement.CancelBooking {
	return settlement.CancelBooking{MemberID: b.MemberID, BookingID: b.BookingID}
}

type FreezeRequest struct {
	MemberID       string `json:"member_id" validate:"required"`
	StartDate      string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate        string `json:"end_date" validate:"required,datetime=2006-01-02"`
	IdempotencyKey string `json:"idempotency_key" validate:"omitempty,max=128"`
}

// toSettle assumes the dates already passed validation.
func (f FreezeRequest) toSettle() settlement.RequestFreeze {
	start, _ := time.Parse(dateLayout, f.StartDate)
	end, _ := time.Parse(dateLayout, f.EndDate)
	return settlement.RequestFreeze{MemberID: f.MemberID, StartDate: start, EndDate: end}
}

type CartLineRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	Qty       int64  `json:"qty" validate:"gte=1"`
}

type CheckoutRequest struct {
	MemberID       *string           `json:"member_id"`
	Lines          []CartLineRequest `json:"lines" validate:"required,min=1,dive"`
	PromoCode      *string           `json:"promo_code"`
	PointsToRedeem int64             `json:"points_to_redeem" validate:"gte=0"`
	PaymentMethod  string            `json:"payment_method" validate:"omitempty,payment_method"`
	IdempotencyKey string            `json:"idempotency_key" validate:"omitempty,max=128"`
}

func (c CheckoutRequest) toSettle() settlement.CheckoutOrder {
	order := settlement.CheckoutOrder{
		PointsToRedeem: c.PointsToRedeem,
		PaymentMethod:  settlement.PaymentMethod(c.PaymentMethod),
	}
	if c.MemberID != nil {
		order.MemberID = *c.MemberID
	}
	if c.PromoCode != nil {
		order.PromoCode = *c.PromoCode
	}
	if order.PaymentMethod == "" {
		order.PaymentMethod = settlement.PayFromWallet
		if order.MemberID == "" {
			order.PaymentMethod = settlement.PayExternal
		}
	}
	for _, l := range c.Lines {
		order.Lines = append(order.Lines, settlement.CartLine{ProductID: l.ProductID, Qty: l.Qty})
	}
	return order
}

type RewardRedeemRequest struct {
	MemberID       string `json:"member_id" validate:"required"`
	CatalogID      string `json:"catalog_id" validate:"required"`
	IdempotencyKey string `json:"idempotency_key" validate:"omitempty,max=128"`
}

func (r RewardRedeemRequest) toSettle() settlement.RedeemReward {
	return settlement.RedeemReward{MemberID: r.MemberID, RewardID: r.CatalogID}
}

type TopUpRequest struct {
	MemberID       string          `json:"member_id" validate:"required"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key" validate:"omitempty,max=128"`
}

func (t TopUpRequest) toSettle() settlement.TopUpWallet {
	return settlement.TopUpWallet{MemberID: t.MemberID, Amount: t.Amount}
}

// =============================================================================
// ADMIN REQUESTS
// =============================================================================

type RestockRequest struct {
	Qty int64 `json:"qty" validate:"gte=1"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type WalletDTO struct {
	ID       ledger.WalletID `json:"id"`
	MemberID string          `json:"member_id"`
	ledger.Balances
	Version   int64  `json:"version"`
	UpdatedAt string `json:"updated_at"`
}

func toWalletDTO(w ledger.Wallet) WalletDTO {
	return WalletDTO{
		ID:        w.ID,
		MemberID:  w.MemberID,
		Balances:  w.Balances,
		Version:   w.Version,
		UpdatedAt: w.UpdatedAt.Format(time.RFC3339),
	}
}

type CounterDTO struct {
	Key       string `json:"key"`
	OnHand    int64  `json:"on_hand"`
	Held      int64  `json:"held"`
	Available int64  `json:"available"`
}

type SweepDTO struct {
	Reservations    int `json:"reservations_freed"`
	IdempotencyKeys int `json:"idempotency_keys_purged"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Reason  string            `json:"reason,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}
