package settlement

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/pricing"
)

// =============================================================================
// REQUESTS
// =============================================================================

type RequestKind string

const (
	KindCreateBooking RequestKind = "create_booking"
	KindCancelBooking RequestKind = "cancel_booking"
	KindRequestFreeze RequestKind = "request_freeze"
	KindCheckoutOrder RequestKind = "checkout_order"
	KindRedeemReward  RequestKind = "redeem_reward"
	KindTopUpWallet   RequestKind = "top_up_wallet"
)

// Request is one of CreateBooking, CancelBooking, RequestFreeze,
// CheckoutOrder, RedeemReward or TopUpWallet.
type Request interface {
	Kind() RequestKind
	// Validate checks what can be checked without reading any state.
	Validate() error
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

type CreateBooking struct {
	MemberID string `json:"member_id"`
	ClassID  string `json:"class_id"`
}

func (CreateBooking) Kind() RequestKind { return KindCreateBooking }

func (r CreateBooking) Validate() error {
	if r.MemberID == "" || r.ClassID == "" {
		return invalid("member_id and class_id are required")
	}
	return nil
}

type CancelBooking struct {
	MemberID  string `json:"member_id"`
	BookingID string `json:"booking_id"`
}

func (CancelBooking) Kind() RequestKind { return KindCancelBooking }

func (r CancelBooking) Validate() error {
	if r.MemberID == "" || r.BookingID == "" {
		return invalid("member_id and booking_id are required")
	}
	return nil
}

type RequestFreeze struct {
	MemberID  string    `json:"member_id"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
}

func (RequestFreeze) Kind() RequestKind { return KindRequestFreeze }

func (r RequestFreeze) Validate() error {
	if r.MemberID == "" {
		return invalid("member_id is required")
	}
	if r.StartDate.IsZero() || r.EndDate.IsZero() {
		return invalid("start_date and end_date are required")
	}
	if !r.EndDate.After(r.StartDate) {
		return invalid("end_date must be after start_date")
	}
	return nil
}

type CartLine struct {
	ProductID string `json:"product_id"`
	Qty       int64  `json:"qty"`
}

type CheckoutOrder struct {
	MemberID       string        `json:"member_id,omitempty"` // empty for guests
	Lines          []CartLine    `json:"lines"`
	PromoCode      string        `json:"promo_code,omitempty"`
	PointsToRedeem int64         `json:"points_to_redeem"`
	PaymentMethod  PaymentMethod `json:"payment_method"`
}

func (CheckoutOrder) Kind() RequestKind { return KindCheckoutOrder }

func (r CheckoutOrder) Validate() error {
	if len(r.Lines) == 0 {
		return invalid("cart is empty")
	}
	for _, l := range r.Lines {
		if l.ProductID == "" || l.Qty <= 0 {
			return invalid("every line needs a product_id and a positive qty")
		}
	}
	if r.PointsToRedeem < 0 {
		return invalid("points_to_redeem must not be negative")
	}
	switch r.PaymentMethod {
	case PayFromWallet, PayExternal:
	default:
		return invalid("unknown payment_method %q", r.PaymentMethod)
	}
	if r.MemberID == "" {
		if r.PaymentMethod == PayFromWallet {
			return invalid("guests cannot pay from a wallet")
		}
		if r.PointsToRedeem > 0 {
			return invalid("guests cannot redeem points")
		}
	}
	return nil
}

// mergedLines folds repeated products into one line, ordered by product ID
// so reservations are always taken in the same order.
func (r CheckoutOrder) mergedLines() []CartLine {
	qty := make(map[string]int64)
	for _, l := range r.Lines {
		qty[l.ProductID] += l.Qty
	}
	out := make([]CartLine, 0, len(qty))
	for id, q := range qty {
		out = append(out, CartLine{ProductID: id, Qty: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}

type RedeemReward struct {
	MemberID string `json:"member_id"`
	RewardID string `json:"reward_id"`
}

func (RedeemReward) Kind() RequestKind { return KindRedeemReward }

func (r RedeemReward) Validate() error {
	if r.MemberID == "" || r.RewardID == "" {
		return invalid("member_id and catalog_id are required")
	}
	return nil
}

type TopUpWallet struct {
	MemberID string          `json:"member_id"`
	Amount   decimal.Decimal `json:"amount"`
}

func (TopUpWallet) Kind() RequestKind { return KindTopUpWallet }

func (r TopUpWallet) Validate() error {
	if r.MemberID == "" {
		return invalid("member_id is required")
	}
	if !r.Amount.IsPositive() {
		return invalid("amount must be positive")
	}
	if !r.Amount.Equal(r.Amount.Round(2)) {
		return invalid("amount has more than two decimal places")
	}
	return nil
}

// =============================================================================
// RESULT
// =============================================================================

// Result is the outcome of a committed settlement. Wallet is the projection
// after the settlement so clients can refresh without a second call.
type Result struct {
	Kind RequestKind `json:"kind"`

	BookingID    string `json:"booking_id,omitempty"`
	RequestID    string `json:"request_id,omitempty"`
	OrderID      string `json:"order_id,omitempty"`
	RedemptionID string `json:"redemption_id,omitempty"`
	Status       string `json:"status,omitempty"`
	Refunded     *bool  `json:"refunded,omitempty"`

	Pricing      *pricing.Result `json:"pricing,omitempty"`
	PointsEarned int64           `json:"points_earned,omitempty"`

	RemainingPoints *int64           `json:"remaining_points,omitempty"`
	NewBalance      *decimal.Decimal `json:"new_balance,omitempty"`

	Wallet        *ledger.Balances `json:"wallet,omitempty"`
	WalletVersion int64            `json:"wallet_version,omitempty"`
}
