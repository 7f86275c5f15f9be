/*
errors.go - Settlement error taxonomy

PURPOSE:
  Every failed settlement returns one typed error the portal can act on:
  "not enough credits" and "someone took the last seat" need different
  messages, so errors from the ledger, inventory and promo packages are
  returned verbatim and classified here rather than flattened.

TAXONOMY:
  Kind                 Sentinel                                     HTTP
  InsufficientBalance  ledger.ErrInsufficientBalance                409
  OutOfStock           inventory.ErrOutOfStock                      409
  Conflict             ErrConflict, idempotency.ErrKeyReused        409
  VersionConflict      retry.ErrVersionConflict                     503
  PromoInvalid         promo.ErrInvalid                             422
  InvalidTransition    ErrInvalidTransition                         409
  Busy                 retry.ErrBusy, idempotency.ErrInFlight,      503
                       inventory/promo.ErrReservationExpired
  NotFound             ErrNotFound, ledger.ErrWalletNotFound        404
  InvalidRequest       ErrInvalidRequest                            400

  VersionConflict and Busy are transient; all others are terminal. A hold
  that expired before commit is Busy: the settlement was rolled back and a
  resubmission takes a fresh hold.

SEE ALSO:
  - api/handlers.go: writes Classification as the error body
*/
package settlement

import (
	"context"
	"errors"
	"net/http"

	"github.com/warp/settlement-engine/idempotency"
	"github.com/warp/settlement-engine/inventory"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/promo"
	"github.com/warp/settlement-engine/retry"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrConflict is returned when the action collides with existing state,
	// e.g. a second pending freeze or a second booking for the same class.
	ErrConflict = errors.New("conflict")

	// ErrInvalidTransition is returned when a booking or freeze is not in a
	// state the action can move it out of.
	ErrInvalidTransition = errors.New("invalid state transition")

	ErrNotFound = errors.New("not found")

	// ErrInvalidRequest is returned for requests that can never succeed as sent.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrClassStarted is returned when booking a class that already began.
	ErrClassStarted = errors.New("class already started")
)

// =============================================================================
// CLASSIFICATION
// =============================================================================

type Kind string

const (
	KindInsufficientBalance Kind = "INSUFFICIENT_BALANCE"
	KindOutOfStock          Kind = "OUT_OF_STOCK"
	KindConflict            Kind = "CONFLICT"
	KindVersionConflict     Kind = "VERSION_CONFLICT"
	KindPromoInvalid        Kind = "PROMO_INVALID"
	KindInvalidTransition   Kind = "INVALID_TRANSITION"
	KindBusy                Kind = "BUSY"
	KindNotFound            Kind = "NOT_FOUND"
	KindInvalidRequest      Kind = "BAD_REQUEST"
	KindInternal            Kind = "INTERNAL_ERROR"
)

// Classification is what a client needs to know about a failure.
type Classification struct {
	Kind   Kind
	Status int
	// Reason refines PromoInvalid (not_found, expired, inactive, usage_limit_reached).
	Reason string
}

// Classify maps an error onto the taxonomy. Order matters: Busy wraps the
// last VersionConflict, so it is checked first.
func Classify(err error) Classification {
	switch {
	case err == nil:
		return Classification{Status: http.StatusOK}
	case errors.Is(err, retry.ErrBusy), errors.Is(err, idempotency.ErrInFlight),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, inventory.ErrReservationExpired), errors.Is(err, promo.ErrReservationExpired):
		return Classification{Kind: KindBusy, Status: http.StatusServiceUnavailable}
	case errors.Is(err, retry.ErrVersionConflict):
		return Classification{Kind: KindVersionConflict, Status: http.StatusServiceUnavailable}
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return Classification{Kind: KindInsufficientBalance, Status: http.StatusConflict}
	case errors.Is(err, inventory.ErrOutOfStock):
		return Classification{Kind: KindOutOfStock, Status: http.StatusConflict}
	case errors.Is(err, promo.ErrInvalid):
		return Classification{Kind: KindPromoInvalid, Status: http.StatusUnprocessableEntity, Reason: string(promo.ReasonOf(err))}
	case errors.Is(err, ErrConflict), errors.Is(err, idempotency.ErrKeyReused), errors.Is(err, ledger.ErrWalletExists):
		return Classification{Kind: KindConflict, Status: http.StatusConflict}
	case errors.Is(err, ErrInvalidTransition):
		return Classification{Kind: KindInvalidTransition, Status: http.StatusConflict}
	case errors.Is(err, ErrNotFound), errors.Is(err, ledger.ErrWalletNotFound), errors.Is(err, inventory.ErrUnknownResource):
		return Classification{Kind: KindNotFound, Status: http.StatusNotFound}
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrClassStarted),
		errors.Is(err, ledger.ErrInvalidEntry), errors.Is(err, inventory.ErrInvalidQuantity):
		return Classification{Kind: KindInvalidRequest, Status: http.StatusBadRequest}
	}
	return Classification{Kind: KindInternal, Status: http.StatusInternalServerError}
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	k := Classify(err).Kind
	return k == KindBusy || k == KindVersionConflict
}

// IsClientError returns true if the error is due to the request or the
// member's state rather than the server.
func IsClientError(err error) bool {
	c := Classify(err)
	return c.Status >= 400 && c.Status < 500
}
