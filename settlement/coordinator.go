/*
coordinator.go - Settlement Coordinator

PURPOSE:
  Settle is the single entry point for every member transaction. It runs a
  saga with one coordinator and compensating releases: no in-process lock
  is held across component calls, and concurrency is resolved by the
  version checks inside the ledger, inventory and promo stores.

ALGORITHM (every request kind):
  1. Validate static preconditions (member, class in the future, no pending
     freeze, no duplicate booking)
  2. Acquire reservations (stock, seats, promo usage)
  3. Compute ledger entries from the wallet as read
  4. Apply them with the version read (the authoritative step, retried on
     version conflicts up to Config.MaxAttempts)
  5. Commit reservations and persist the Booking/Freeze/Order row
  6. On any failure: release reservations, reverse applied entries, persist
     nothing, return the typed error

TIMEOUTS:
  Each settlement runs under Config.Timeout. Compensations run on a
  detached context so a timed-out settlement still releases its holds;
  anything left behind is expired by the reservation sweeper.

SEE ALSO:
  - saga.go: reservation tracking and compensation
  - admin.go: staff transitions (approve/reject freeze, complete booking)
  - errors.go: Classify
*/
package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/inventory"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/logger"
	"github.com/warp/settlement-engine/pricing"
	"github.com/warp/settlement-engine/promo"
	"github.com/warp/settlement-engine/retry"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

type Config struct {
	GSTPercent decimal.Decimal
	// FreezeFee is debited from cash when a freeze is requested and refunded
	// if staff reject it. Zero disables the fee.
	FreezeFee decimal.Decimal
	// PointsEarnPercent of an order total is credited as loyalty points.
	PointsEarnPercent decimal.Decimal
	Timeout           time.Duration
	MaxAttempts       int
}

func DefaultConfig() Config {
	return Config{
		GSTPercent:  decimal.NewFromInt(18),
		Timeout:     10 * time.Second,
		MaxAttempts: retry.DefaultAttempts,
	}
}

// CancellationPolicy decides whether cancelling b refunds its credit.
type CancellationPolicy func(b Booking, c Class, now time.Time) bool

// RefundBeforeStart refunds any booking cancelled before its class begins.
func RefundBeforeStart(_ Booking, c Class, now time.Time) bool {
	return now.Before(c.StartsAt)
}

// =============================================================================
// COORDINATOR
// =============================================================================

type Coordinator struct {
	Ledger    *ledger.Ledger
	Inventory *inventory.Guard
	Promos    *promo.Validator
	Repo      Repository
	Config    Config
	Policy    CancellationPolicy
	Now       func() time.Time
	NewID     func() string
}

func NewCoordinator(l *ledger.Ledger, inv *inventory.Guard, promos *promo.Validator, repo Repository, cfg Config) *Coordinator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = retry.DefaultAttempts
	}
	return &Coordinator{
		Ledger:    l,
		Inventory: inv,
		Promos:    promos,
		Repo:      repo,
		Config:    cfg,
		Policy:    RefundBeforeStart,
		Now:       func() time.Time { return time.Now().UTC() },
		NewID:     uuid.NewString,
	}
}

// Settle commits req entirely or not at all.
func (c *Coordinator) Settle(ctx context.Context, req Request) (Result, error) {
	if req == nil {
		return Result{}, invalid("empty request")
	}
	if err := req.Validate(); err != nil {
		return Result{}, err
	}

	if c.Config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Config.Timeout)
		defer cancel()
	}
	ctx = logger.With(ctx, "settlement", string(req.Kind()))
	start := time.Now()

	var (
		res Result
		err error
	)
	switch r := req.(type) {
	case CreateBooking:
		res, err = c.createBooking(ctx, r)
	case CancelBooking:
		res, err = c.cancelBooking(ctx, r)
	case RequestFreeze:
		res, err = c.requestFreeze(ctx, r)
	case CheckoutOrder:
		res, err = c.checkoutOrder(ctx, r)
	case RedeemReward:
		res, err = c.redeemReward(ctx, r)
	case TopUpWallet:
		res, err = c.topUpWallet(ctx, r)
	default:
		err = invalid("unsupported request %T", req)
	}

	log := logger.FromContext(ctx)
	if err != nil {
		cl := Classify(err)
		event := log.Warn()
		if cl.Kind == KindInternal {
			event = log.Error()
		}
		event.Err(err).Str("error_kind", string(cl.Kind)).Dur("took", time.Since(start)).Msg("settlement rejected")
		return Result{}, err
	}

	res.Kind = req.Kind()
	log.Info().Dur("took", time.Since(start)).Msg("settlement committed")
	return res, nil
}

func withWallet(res Result, w ledger.Wallet) Result {
	b := w.Balances
	res.Wallet = &b
	res.WalletVersion = w.Version
	return res
}

// =============================================================================
// BOOKINGS
// =============================================================================

func (c *Coordinator) createBooking(ctx context.Context, r CreateBooking) (Result, error) {
	if _, err := c.Repo.Member(ctx, r.MemberID); err != nil {
		return Result{}, err
	}
	class, err := c.Repo.Class(ctx, r.ClassID)
	if err != nil {
		return Result{}, err
	}
	if !c.Now().Before(class.StartsAt) {
		return Result{}, fmt.Errorf("%w: %s started at %s", ErrClassStarted, class.ID, class.StartsAt.Format(time.RFC3339))
	}
	if existing, ok, err := c.Repo.ActiveBooking(ctx, r.MemberID, r.ClassID); err != nil {
		return Result{}, err
	} else if ok {
		return Result{}, fmt.Errorf("%w: already booked as %s", ErrConflict, existing.ID)
	}

	bookingID := c.NewID()
	s := c.begin()

	if err := s.reserveStock(ctx, inventory.ClassKey(class.ID), 1); err != nil {
		return s.fail(ctx, err)
	}

	w, err := s.apply(ctx, ledger.WalletID(r.MemberID), func(ledger.Wallet) ([]ledger.Entry, error) {
		return []ledger.Entry{
			ledger.Debit(class.CreditCategory, ledger.Units(1), ledger.ReasonBookingCreated, bookingID),
		}, nil
	})
	if err != nil {
		return s.fail(ctx, err)
	}

	if err := s.commit(ctx); err != nil {
		return s.fail(ctx, err)
	}
	now := c.Now()
	b := Booking{
		ID:             bookingID,
		MemberID:       r.MemberID,
		ClassID:        class.ID,
		CreditCategory: class.CreditCategory,
		Status:         BookingConfirmed,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.Repo.CreateBooking(ctx, b); err != nil {
		return s.fail(ctx, err)
	}

	return withWallet(Result{BookingID: b.ID, Status: string(b.Status)}, w), nil
}

// cancelBooking moves the booking to cancelled first; the status change is
// what stops two cancellations from refunding twice. The refund and the
// seat return follow, and undo the status change if they fail.
func (c *Coordinator) cancelBooking(ctx context.Context, r CancelBooking) (Result, error) {
	b, err := c.Repo.Booking(ctx, r.BookingID)
	if err != nil {
		return Result{}, err
	}
	if b.MemberID != r.MemberID {
		return Result{}, notFound("booking", r.BookingID)
	}
	if !b.Status.Active() {
		return Result{}, fmt.Errorf("%w: booking %s is %s", ErrInvalidTransition, b.ID, b.Status)
	}
	class, err := c.Repo.Class(ctx, b.ClassID)
	if err != nil {
		return Result{}, err
	}

	now := c.Now()
	refund := c.Policy(b, class, now)
	s := c.begin()

	if _, err := c.Repo.TransitionBooking(ctx, b.ID, b.Status, BookingCancelled, now); err != nil {
		return Result{}, err
	}
	s.compensate("restore booking status", func(ctx context.Context) error {
		_, err := c.Repo.TransitionBooking(ctx, b.ID, BookingCancelled, b.Status, now)
		return err
	})

	var w ledger.Wallet
	if refund {
		w, err = s.apply(ctx, ledger.WalletID(b.MemberID), func(ledger.Wallet) ([]ledger.Entry, error) {
			return []ledger.Entry{
				ledger.Credit(b.CreditCategory, ledger.Units(1), ledger.ReasonBookingCancelled, b.ID),
			}, nil
		})
	} else {
		w, err = c.Ledger.Wallet(ctx, ledger.WalletID(b.MemberID))
	}
	if err != nil {
		return s.fail(ctx, err)
	}

	if err := c.Inventory.Return(ctx, inventory.ClassKey(b.ClassID), 1); err != nil {
		return s.fail(ctx, err)
	}

	return withWallet(Result{BookingID: b.ID, Status: string(BookingCancelled), Refunded: &refund}, w), nil
}

// =============================================================================
// FREEZE
// =============================================================================

func (c *Coordinator) requestFreeze(ctx context.Context, r RequestFreeze) (Result, error) {
	if _, err := c.Repo.Member(ctx, r.MemberID); err != nil {
		return Result{}, err
	}
	// Rejected before any ledger call.
	if pending, ok, err := c.Repo.PendingFreeze(ctx, r.MemberID); err != nil {
		return Result{}, err
	} else if ok {
		return Result{}, fmt.Errorf("%w: freeze %s is already pending approval", ErrConflict, pending.ID)
	}

	freezeID := c.NewID()
	fee := c.Config.FreezeFee
	s := c.begin()

	var (
		w   ledger.Wallet
		err error
	)
	if fee.IsPositive() {
		w, err = s.apply(ctx, ledger.WalletID(r.MemberID), func(ledger.Wallet) ([]ledger.Entry, error) {
			return []ledger.Entry{ledger.Debit(ledger.CategoryCash, fee, ledger.ReasonFreezeRequested, freezeID)}, nil
		})
	} else {
		w, err = c.Ledger.Wallet(ctx, ledger.WalletID(r.MemberID))
	}
	if err != nil {
		return s.fail(ctx, err)
	}

	f := Freeze{
		ID:        freezeID,
		MemberID:  r.MemberID,
		Type:      ServiceRequestFreeze,
		Status:    FreezePendingApproval,
		StartDate: r.StartDate,
		EndDate:   r.EndDate,
		Fee:       fee,
		CreatedAt: c.Now(),
	}
	if err := c.Repo.CreateFreeze(ctx, f); err != nil {
		return s.fail(ctx, err)
	}

	return withWallet(Result{RequestID: f.ID, Status: string(f.Status)}, w), nil
}

// =============================================================================
// CHECKOUT
// =============================================================================

func (c *Coordinator) checkoutOrder(ctx context.Context, r CheckoutOrder) (Result, error) {
	member := r.MemberID != ""
	if member {
		if _, err := c.Repo.Member(ctx, r.MemberID); err != nil {
			return Result{}, err
		}
	}

	// Prices come from the catalog, never from the client.
	cart := r.mergedLines()
	lines := make([]pricing.Line, len(cart))
	for i, l := range cart {
		p, err := c.Repo.Product(ctx, l.ProductID)
		if err != nil {
			return Result{}, err
		}
		lines[i] = pricing.Line{ProductID: p.ID, Qty: l.Qty, UnitPrice: p.Price}
	}

	orderID := c.NewID()
	s := c.begin()

	for _, l := range lines {
		if err := s.reserveStock(ctx, inventory.ProductKey(l.ProductID), l.Qty); err != nil {
			return s.fail(ctx, err)
		}
	}

	discount, code := decimal.Zero, ""
	if r.PromoCode != "" {
		q, err := s.reservePromo(ctx, r.PromoCode, pricing.Subtotal(lines))
		if err != nil {
			return s.fail(ctx, err)
		}
		discount, code = q.Discount, q.Code
	}

	var (
		priced pricing.Result
		earned int64
		res    Result
	)
	if member {
		w, err := s.apply(ctx, ledger.WalletID(r.MemberID), func(w ledger.Wallet) ([]ledger.Entry, error) {
			// Clamp to what the member holds; the client bound is not trusted.
			points := r.PointsToRedeem
			if points > w.LoyaltyPoints {
				points = w.LoyaltyPoints
			}
			priced = pricing.Price(lines, discount, points, c.Config.GSTPercent)
			earned = pricing.Earned(priced.Total, c.Config.PointsEarnPercent)

			var entries []ledger.Entry
			if r.PaymentMethod == PayFromWallet && priced.Total.IsPositive() {
				entries = append(entries, ledger.Debit(ledger.CategoryCash, priced.Total, ledger.ReasonStoreCheckout, orderID))
			}
			if priced.PointsRedeemed > 0 {
				entries = append(entries, ledger.Debit(ledger.CategoryLoyaltyPoint, ledger.Units(priced.PointsRedeemed), ledger.ReasonStoreCheckout, orderID))
			}
			if earned > 0 {
				entries = append(entries, ledger.Credit(ledger.CategoryLoyaltyPoint, ledger.Units(earned), ledger.ReasonPointsEarned, orderID))
			}
			return entries, nil
		})
		if err != nil {
			return s.fail(ctx, err)
		}
		res = withWallet(res, w)
	} else {
		priced = pricing.Price(lines, discount, 0, c.Config.GSTPercent)
	}

	if err := s.commit(ctx); err != nil {
		return s.fail(ctx, err)
	}
	o := Order{
		ID:             orderID,
		MemberID:       r.MemberID,
		Lines:          lines,
		PromoCode:      code,
		PointsRedeemed: priced.PointsRedeemed,
		Pricing:        priced,
		PaymentMethod:  r.PaymentMethod,
		PointsEarned:   earned,
		CreatedAt:      c.Now(),
	}
	if err := c.Repo.SaveOrder(ctx, o); err != nil {
		return s.fail(ctx, err)
	}

	res.OrderID = o.ID
	res.Pricing = &o.Pricing
	res.PointsEarned = earned
	return res, nil
}

// =============================================================================
// REWARDS & TOP-UP
// =============================================================================

func (c *Coordinator) redeemReward(ctx context.Context, r RedeemReward) (Result, error) {
	if _, err := c.Repo.Member(ctx, r.MemberID); err != nil {
		return Result{}, err
	}
	item, err := c.Repo.Reward(ctx, r.RewardID)
	if err != nil {
		return Result{}, err
	}

	redemptionID := c.NewID()
	s := c.begin()

	w, err := s.apply(ctx, ledger.WalletID(r.MemberID), func(ledger.Wallet) ([]ledger.Entry, error) {
		var entries []ledger.Entry
		if item.PointsCost > 0 {
			entries = append(entries, ledger.Debit(ledger.CategoryLoyaltyPoint, ledger.Units(item.PointsCost), ledger.ReasonRewardRedeemed, redemptionID))
		}
		for _, g := range item.Grants {
			entries = append(entries, ledger.Credit(g.Category, ledger.Units(g.Amount), ledger.ReasonRewardRedeemed, redemptionID))
		}
		return entries, nil
	})
	if err != nil {
		return s.fail(ctx, err)
	}

	rd := Redemption{
		ID:         redemptionID,
		MemberID:   r.MemberID,
		RewardID:   item.ID,
		PointsCost: item.PointsCost,
		Grants:     item.Grants,
		CreatedAt:  c.Now(),
	}
	if err := c.Repo.SaveRedemption(ctx, rd); err != nil {
		return s.fail(ctx, err)
	}

	remaining := w.LoyaltyPoints
	return withWallet(Result{RedemptionID: rd.ID, RemainingPoints: &remaining}, w), nil
}

// topUpWallet has no domain row: the wallet_top_up entry is the record.
func (c *Coordinator) topUpWallet(ctx context.Context, r TopUpWallet) (Result, error) {
	if _, err := c.Repo.Member(ctx, r.MemberID); err != nil {
		return Result{}, err
	}

	topUpID := c.NewID()
	w, err := c.begin().apply(ctx, ledger.WalletID(r.MemberID), func(ledger.Wallet) ([]ledger.Entry, error) {
		return []ledger.Entry{ledger.Credit(ledger.CategoryCash, r.Amount, ledger.ReasonWalletTopUp, topUpID)}, nil
	})
	if err != nil {
		return Result{}, err
	}

	balance := w.Cash
	return withWallet(Result{NewBalance: &balance}, w), nil
}
