/*
Package promo validates discount codes and reserves their usage.

PURPOSE:
  A promo code with a usage limit is a shared counter, exactly like stock.
  ValidateAndReserve speculatively consumes one use (UsedCount++) and hands
  back a token; the checkout later Commits it or Releases it (UsedCount--).

CRITICAL INVARIANT:
  UsedCount <= UsageLimit whenever UsageLimit is set, even when many
  checkouts race for the last use. The increment is a version-checked write,
  so exactly one racer gets the last slot and the others re-read and see
  usage_limit_reached.

DISCOUNT:
  percentage: subtotal * value / 100, capped at subtotal
  flat:       min(value, subtotal)

  The discount is never negative and never above the subtotal. No rounding
  happens here; the pricing pipeline rounds only the tax.
*/
package promo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/retry"
)

// =============================================================================
// TYPES
// =============================================================================

type Type string

const (
	TypePercentage Type = "percentage"
	TypeFlat       Type = "flat"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

type Code struct {
	Code       string          `json:"code"`
	Type       Type            `json:"type"`
	Value      decimal.Decimal `json:"value"`
	UsageLimit *int64          `json:"usage_limit,omitempty"`
	UsedCount  int64           `json:"used_count"`
	// ExpiresAt is zero for codes that never expire.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Status    Status    `json:"status"`
	Version   int64     `json:"version"`
}

// Discount computes what this code takes off subtotal.
func (c Code) Discount(subtotal decimal.Decimal) decimal.Decimal {
	if !subtotal.IsPositive() || !c.Value.IsPositive() {
		return decimal.Zero
	}
	var d decimal.Decimal
	switch c.Type {
	case TypePercentage:
		d = subtotal.Mul(c.Value).Div(decimal.NewFromInt(100))
	case TypeFlat:
		d = c.Value
	}
	return decimal.Min(d, subtotal)
}

type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "held"
	ReservationCommitted ReservationStatus = "committed"
	ReservationReleased  ReservationStatus = "released"
	ReservationExpired   ReservationStatus = "expired"
)

type Reservation struct {
	Token     string            `json:"token"`
	Code      string            `json:"code"`
	Status    ReservationStatus `json:"status"`
	ExpiresAt time.Time         `json:"expires_at"`
	CreatedAt time.Time         `json:"created_at"`
}

// Quote is the outcome of a successful validation.
type Quote struct {
	Code     string          `json:"code"`
	Discount decimal.Decimal `json:"discount"`
	Token    string          `json:"-"`
}

// Normalize canonicalizes user input ("  save10 " -> "SAVE10").
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// =============================================================================
// ERRORS
// =============================================================================

// InvalidReason tells the client why a code was refused.
type InvalidReason string

const (
	ReasonNotFound          InvalidReason = "not_found"
	ReasonExpired           InvalidReason = "expired"
	ReasonInactive          InvalidReason = "inactive"
	ReasonUsageLimitReached InvalidReason = "usage_limit_reached"
)

var (
	ErrInvalid             = errors.New("promo code invalid")
	ErrReservationNotFound = errors.New("promo reservation not found")
	ErrReservationExpired  = errors.New("promo reservation expired or released")
	ErrAlreadyCommitted    = errors.New("promo reservation already committed")
)

type InvalidError struct {
	Code   string
	Reason InvalidReason
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("promo code %q invalid: %s", e.Code, e.Reason)
}

func (e *InvalidError) Unwrap() error { return ErrInvalid }

// ReasonOf extracts the refusal reason, or "" if err is not an InvalidError.
func ReasonOf(err error) InvalidReason {
	var ie *InvalidError
	if errors.As(err, &ie) {
		return ie.Reason
	}
	return ""
}

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// Code returns a promo code by its normalized form. Returns ErrCodeNotFound.
	Code(ctx context.Context, code string) (Code, error)

	// PutCode inserts or replaces a code definition (seeding, admin).
	PutCode(ctx context.Context, c Code) error

	// Mutate writes next if the stored version equals expectedVersion and
	// upserts res in the same atomic unit, provided res is still in status
	// from ("" for a new reservation). Returns retry.ErrVersionConflict.
	Mutate(ctx context.Context, next Code, expectedVersion int64, res *Reservation, from ReservationStatus) error

	Reservation(ctx context.Context, token string) (Reservation, error)
	Expired(ctx context.Context, now time.Time, limit int) ([]Reservation, error)
}

var ErrCodeNotFound = errors.New("promo code not found")

// =============================================================================
// VALIDATOR
// =============================================================================

type Validator struct {
	Store    Store
	TTL      time.Duration
	Attempts int
	Now      func() time.Time
}

func NewValidator(store Store, ttl time.Duration) *Validator {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Validator{
		Store:    store,
		TTL:      ttl,
		Attempts: 5,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// check reports why c cannot be used right now, or "" if it can.
func (v *Validator) check(c Code, now time.Time) InvalidReason {
	switch {
	case c.Status != StatusActive:
		return ReasonInactive
	case !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt):
		return ReasonExpired
	case c.UsageLimit != nil && c.UsedCount >= *c.UsageLimit:
		return ReasonUsageLimitReached
	}
	return ""
}

// Lookup validates a code without reserving a use.
func (v *Validator) Lookup(ctx context.Context, code string, subtotal decimal.Decimal) (Quote, error) {
	code = Normalize(code)
	c, err := v.Store.Code(ctx, code)
	if errors.Is(err, ErrCodeNotFound) {
		return Quote{}, &InvalidError{Code: code, Reason: ReasonNotFound}
	}
	if err != nil {
		return Quote{}, err
	}
	if reason := v.check(c, v.Now()); reason != "" {
		return Quote{}, &InvalidError{Code: code, Reason: reason}
	}
	return Quote{Code: code, Discount: c.Discount(subtotal)}, nil
}

// ValidateAndReserve checks the code and takes one use of it.
func (v *Validator) ValidateAndReserve(ctx context.Context, code string, subtotal decimal.Decimal) (Quote, error) {
	code = Normalize(code)

	var quote Quote
	err := retry.Do(ctx, v.Attempts, func(ctx context.Context) error {
		c, err := v.Store.Code(ctx, code)
		if errors.Is(err, ErrCodeNotFound) {
			return &InvalidError{Code: code, Reason: ReasonNotFound}
		}
		if err != nil {
			return err
		}

		now := v.Now()
		if reason := v.check(c, now); reason != "" {
			return &InvalidError{Code: code, Reason: reason}
		}

		next := c
		next.UsedCount++
		next.Version++

		res := Reservation{
			Token:     uuid.NewString(),
			Code:      code,
			Status:    ReservationHeld,
			ExpiresAt: now.Add(v.TTL),
			CreatedAt: now,
		}
		if err := v.Store.Mutate(ctx, next, c.Version, &res, ""); err != nil {
			return err
		}
		quote = Quote{Code: code, Discount: c.Discount(subtotal), Token: res.Token}
		return nil
	})
	if err != nil {
		return Quote{}, err
	}
	return quote, nil
}

// Commit makes a reserved use permanent. Idempotent.
func (v *Validator) Commit(ctx context.Context, token string) error {
	return v.transition(ctx, token, func(res Reservation, c *Code) (ReservationStatus, error) {
		switch res.Status {
		case ReservationCommitted:
			return "", nil
		case ReservationReleased, ReservationExpired:
			return "", ErrReservationExpired
		}
		return ReservationCommitted, nil
	})
}

// Release gives a reserved use back. Releasing twice is a no-op.
func (v *Validator) Release(ctx context.Context, token string) error {
	return v.releaseAs(ctx, token, ReservationReleased)
}

func (v *Validator) releaseAs(ctx context.Context, token string, status ReservationStatus) error {
	return v.transition(ctx, token, func(res Reservation, c *Code) (ReservationStatus, error) {
		switch res.Status {
		case ReservationReleased, ReservationExpired:
			return "", nil
		case ReservationCommitted:
			return "", ErrAlreadyCommitted
		}
		if c.UsedCount > 0 {
			c.UsedCount--
		}
		return status, nil
	})
}

// Refund gives back a use that was already committed, for an order that
// could not be recorded after all. Held tokens are released as usual.
func (v *Validator) Refund(ctx context.Context, token string) error {
	return v.transition(ctx, token, func(res Reservation, c *Code) (ReservationStatus, error) {
		if res.Status == ReservationReleased || res.Status == ReservationExpired {
			return "", nil
		}
		if c.UsedCount > 0 {
			c.UsedCount--
		}
		return ReservationReleased, nil
	})
}

// Sweep returns uses held by reservations past their TTL.
func (v *Validator) Sweep(ctx context.Context) (int, error) {
	expired, err := v.Store.Expired(ctx, v.Now(), 500)
	if err != nil {
		return 0, err
	}
	freed := 0
	for _, res := range expired {
		if err := v.releaseAs(ctx, res.Token, ReservationExpired); err != nil {
			if errors.Is(err, ErrAlreadyCommitted) {
				continue
			}
			return freed, err
		}
		freed++
	}
	return freed, nil
}

// transition applies fn under a conditional write on both the code version
// and the reservation status fn was shown.
func (v *Validator) transition(ctx context.Context, token string, fn func(Reservation, *Code) (ReservationStatus, error)) error {
	return retry.Do(ctx, v.Attempts, func(ctx context.Context) error {
		res, err := v.Store.Reservation(ctx, token)
		if err != nil {
			return err
		}
		c, err := v.Store.Code(ctx, res.Code)
		if err != nil {
			return err
		}
		if res, err = v.Store.Reservation(ctx, token); err != nil {
			return err
		}

		next := c
		from := res.Status
		status, err := fn(res, &next)
		if err != nil || status == "" {
			return err
		}
		next.Version++
		res.Status = status
		return v.Store.Mutate(ctx, next, c.Version, &res, from)
	})
}
