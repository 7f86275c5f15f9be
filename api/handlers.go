/*
handlers.go - HTTP API handlers for the settlement engine

PURPOSE:
  Exposes the settlement coordinator via REST API. Handles HTTP
  request/response, JSON serialization, idempotency keys, and delegates to
  settlement.Coordinator.

ENDPOINTS:
  Settlement (all idempotent by key):
    POST   /api/settle/booking          Book a class with a credit
    POST   /api/settle/booking-cancel   Cancel a booking, refund per policy
    POST   /api/settle/freeze           Request a membership freeze
    POST   /api/settle/checkout         Pay for a cart
    POST   /api/settle/reward-redeem    Spend points on a reward
    POST   /api/settle/wallet-topup     Add cash to a wallet

  Wallets:
    GET    /api/wallets/{id}            Current projection
    GET    /api/wallets/{id}/entries    Full ledger
    GET    /api/wallets/{id}/statement  Replayed balances (?as_of=RFC3339)

  Promos:
    GET    /api/promos/{code}           Quote without reserving (?subtotal=)

  Staff:
    POST   /api/freezes/{id}/approve
    POST   /api/freezes/{id}/reject     Refunds the freeze fee
    POST   /api/bookings/{id}/complete

  Admin:
    POST   /api/admin/products/{id}/restock
    POST   /api/admin/sweep             Free expired holds, purge keys

REQUEST FLOW:
  1. Decode JSON body
  2. Validate shape (validate.go)
  3. Run through the idempotency layer
  4. Settle
  5. Serialize Result or the classified error

ERROR HANDLING:
  Every failure body is {"error", "code", "reason"?, "details"?} where code is
  one of the settlement.Kind values and the status comes from
  settlement.Classify.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - settlement/errors.go: The error taxonomy
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/idempotency"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/logger"
	"github.com/warp/settlement-engine/settlement"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	ReplayedHeader       = "Idempotent-Replayed"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

type Handler struct {
	Coordinator *settlement.Coordinator
	Idempotency *idempotency.Layer
}

func NewHandler(c *settlement.Coordinator, idem *idempotency.Layer) *Handler {
	return &Handler{Coordinator: c, Idempotency: idem}
}

// decode reads a JSON body into v and validates it. It writes the error
// response itself and reports whether the handler should continue.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, fmt.Errorf("%w: invalid JSON: %v", settlement.ErrInvalidRequest, err))
		return false
	}
	if errs := validateStruct(v); errs != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "validation failed",
			Code:    "VALIDATION_ERROR",
			Details: errs,
		})
		return false
	}
	return true
}

// settle runs req through the idempotency layer. The fingerprint covers the
// request kind so one key cannot be replayed across operations.
func (h *Handler) settle(w http.ResponseWriter, r *http.Request, key string, req settlement.Request) {
	if key == "" {
		key = r.Header.Get(IdempotencyKeyHeader)
	}
	ctx := r.Context()
	if key != "" {
		ctx = logger.With(ctx, "idempotency_key", key)
	}

	fp := idempotency.Fingerprint(struct {
		Kind    settlement.RequestKind `json:"kind"`
		Request settlement.Request     `json:"request"`
	}{req.Kind(), req})

	result, replayed, err := idempotency.Run(ctx, h.Idempotency, key, fp, func(ctx context.Context) (settlement.Result, error) {
		return h.Coordinator.Settle(ctx, req)
	})
	if err != nil {
		if !settlement.IsClientError(err) {
			logger.LogError(ctx, err, "settlement failed", "kind", req.Kind())
		}
		writeError(w, err)
		return
	}

	if replayed {
		w.Header().Set(ReplayedHeader, "true")
	}
	writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// SETTLEMENT HANDLERS
// =============================================================================

func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	var req BookingRequest
	if !decode(w, r, &req) {
		return
	}
	h.settle(w, r, req.IdempotencyKey, req.toSettle())
}

func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	var req BookingCancelRequest
	if !decode(w, r, &req) {
		return
	}
	h.settle(w, r, req.IdempotencyKey, req.toSettle())
}

func (h *Handler) RequestFreeze(w http.ResponseWriter, r *http.Request) {
	var req FreezeRequest
	if !decode(w, r, &req) {
		return
	}
	h.settle(w, r, req.IdempotencyKey, req.toSettle())
}

func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if !decode(w, r, &req) {
		return
	}
	h.settle(w, r, req.IdempotencyKey, req.toSettle())
}

func (h *Handler) RedeemReward(w http.ResponseWriter, r *http.Request) {
	var req RewardRedeemRequest
	if !decode(w, r, &req) {
		return
	}
	h.settle(w, r, req.IdempotencyKey, req.toSettle())
}

func (h *Handler) TopUp(w http.ResponseWriter, r *http.Request) {
	var req TopUpRequest
	if !decode(w, r, &req) {
		return
	}
	h.settle(w, r, req.IdempotencyKey, req.toSettle())
}

// =============================================================================
// WALLET HANDLERS
// =============================================================================

func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.Coordinator.Ledger.Wallet(r.Context(), ledger.WalletID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(wallet))
}

func (h *Handler) GetEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Coordinator.Ledger.Entries(r.Context(), ledger.WalletID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) GetStatement(w http.ResponseWriter, r *http.Request) {
	asOf := time.Now().UTC()
	if s := r.URL.Query().Get("as_of"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, fmt.Errorf("%w: as_of must be RFC3339", settlement.ErrInvalidRequest))
			return
		}
		asOf = t.UTC()
	}

	stmt, err := h.Coordinator.Ledger.Statement(r.Context(), ledger.WalletID(chi.URLParam(r, "id")), asOf)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stmt)
}

// =============================================================================
// PROMO HANDLERS
// =============================================================================

func (h *Handler) QuotePromo(w http.ResponseWriter, r *http.Request) {
	subtotal := decimal.Zero
	if s := r.URL.Query().Get("subtotal"); s != "" {
		d, err := decimal.NewFromString(s)
		if err != nil || d.IsNegative() {
			writeError(w, fmt.Errorf("%w: subtotal must be a non-negative number", settlement.ErrInvalidRequest))
			return
		}
		subtotal = d
	}

	quote, err := h.Coordinator.Promos.Lookup(r.Context(), chi.URLParam(r, "code"), subtotal)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// =============================================================================
// STAFF HANDLERS
// =============================================================================

func (h *Handler) ApproveFreeze(w http.ResponseWriter, r *http.Request) {
	f, err := h.Coordinator.ApproveFreeze(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *Handler) RejectFreeze(w http.ResponseWriter, r *http.Request) {
	f, err := h.Coordinator.RejectFreeze(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *Handler) CompleteBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.Coordinator.CompleteBooking(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

func (h *Handler) Restock(w http.ResponseWriter, r *http.Request) {
	var req RestockRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := h.Coordinator.Restock(r.Context(), chi.URLParam(r, "id"), req.Qty)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CounterDTO{
		Key:       string(c.Key),
		OnHand:    c.OnHand,
		Held:      c.Held,
		Available: c.Available(),
	})
}

func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	out, err := sweep(r.Context(), h.Coordinator, h.Idempotency)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	c := settlement.Classify(err)
	msg := err.Error()
	if c.Kind == settlement.KindInternal {
		msg = "internal error"
	}

	if c.Status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}

	writeJSON(w, c.Status, ErrorResponse{
		Error:  msg,
		Code:   string(c.Kind),
		Reason: c.Reason,
	})
}
