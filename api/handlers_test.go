package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/settlement-engine/catalog"
	"github.com/warp/settlement-engine/idempotency"
	"github.com/warp/settlement-engine/inventory"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/ledger/memory"
	"github.com/warp/settlement-engine/promo"
	"github.com/warp/settlement-engine/settlement"
)

var testNow = time.Date(2026, time.March, 2, 8, 0, 0, 0, time.UTC)

type testServer struct {
	c      *settlement.Coordinator
	router http.Handler
}

// newTestServer wires the demo catalog onto in-memory stores.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	c := settlement.NewCoordinator(
		ledger.NewLedger(memory.New()),
		inventory.NewGuard(inventory.NewMemoryStore(), time.Minute),
		promo.NewValidator(promo.NewMemoryStore(), time.Minute),
		settlement.NewMemoryRepository(),
		settlement.DefaultConfig(),
	)
	c.Now = func() time.Time { return testNow }

	f, err := catalog.Parse(catalog.Demo)
	require.NoError(t, err)
	require.NoError(t, f.Apply(context.Background(), c, testNow))

	h := NewHandler(c, idempotency.NewLayer(idempotency.NewMemoryStore(), time.Hour))
	return &testServer{c: c, router: NewRouter(h, []string{"*"})}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) wallet(t *testing.T, id string) WalletDTO {
	t.Helper()
	rec := s.do(t, http.MethodGet, "/api/wallets/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeBody[WalletDTO](t, rec)
}

// =============================================================================
// SETTLEMENT ENDPOINTS
// =============================================================================

func TestBookingEndpoint(t *testing.T) {
	// GIVEN: m-asha with 8 class credits
	s := newTestServer(t)

	// WHEN: She books Morning Spin
	rec := s.do(t, http.MethodPost, "/api/settle/booking", BookingRequest{
		MemberID: "m-asha", ClassID: "spin-am", IdempotencyKey: "book-1",
	})

	// THEN: One credit is spent and the result carries the new wallet
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[settlement.Result](t, rec)
	assert.Equal(t, settlement.KindCreateBooking, res.Kind)
	assert.NotEmpty(t, res.BookingID)
	require.NotNil(t, res.Wallet)
	assert.Equal(t, int64(7), res.Wallet.ClassCredits)
	assert.Equal(t, int64(7), s.wallet(t, "m-asha").ClassCredits)
}

func TestSettleReplaysSameKey(t *testing.T) {
	// GIVEN: A booking already settled under key "dbl"
	s := newTestServer(t)
	body := BookingRequest{MemberID: "m-asha", ClassID: "yoga-pm", IdempotencyKey: "dbl"}
	first := s.do(t, http.MethodPost, "/api/settle/booking", body)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())

	// WHEN: The same request is submitted again (double click)
	second := s.do(t, http.MethodPost, "/api/settle/booking", body)

	// THEN: The stored result comes back and nothing is charged twice
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())
	assert.Equal(t, "true", second.Header().Get(ReplayedHeader))
	assert.Empty(t, first.Header().Get(ReplayedHeader))
	assert.Equal(t,
		decodeBody[settlement.Result](t, first).BookingID,
		decodeBody[settlement.Result](t, second).BookingID)
	assert.Equal(t, int64(7), s.wallet(t, "m-asha").ClassCredits)
}

func TestSettleRejectsReusedKey(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/settle/booking", BookingRequest{
		MemberID: "m-asha", ClassID: "spin-am", IdempotencyKey: "k",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// Same key, different class.
	rec = s.do(t, http.MethodPost, "/api/settle/booking", BookingRequest{
		MemberID: "m-asha", ClassID: "yoga-pm", IdempotencyKey: "k",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(settlement.KindConflict), decodeBody[ErrorResponse](t, rec).Code)
	assert.Equal(t, int64(7), s.wallet(t, "m-asha").ClassCredits)
}

func TestIdempotencyKeyHeader(t *testing.T) {
	s := newTestServer(t)
	body := TopUpRequest{MemberID: "m-vikram", Amount: decimal.NewFromInt(50)}

	first := s.do(t, http.MethodPost, "/api/settle/wallet-topup", body, IdempotencyKeyHeader, "topup-1")
	second := s.do(t, http.MethodPost, "/api/settle/wallet-topup", body, IdempotencyKeyHeader, "topup-1")

	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())
	assert.Equal(t, "true", second.Header().Get(ReplayedHeader))
	assert.True(t, s.wallet(t, "m-vikram").Cash.Equal(decimal.NewFromInt(200)))
}

func TestCheckoutEndpoint(t *testing.T) {
	// GIVEN: m-asha with 2000 cash and SAVE10
	s := newTestServer(t)
	code := "save10"

	// WHEN: She buys a protein tub with the code
	rec := s.do(t, http.MethodPost, "/api/settle/checkout", CheckoutRequest{
		MemberID:       strPtr("m-asha"),
		Lines:          []CartLineRequest{{ProductID: "protein", Qty: 1}},
		PromoCode:      &code,
		IdempotencyKey: "order-1",
	})

	// THEN: Cash drops by exactly the priced total and stock moves
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[settlement.Result](t, rec)
	require.NotNil(t, res.Pricing)
	assert.NotEmpty(t, res.OrderID)
	assert.True(t, res.Pricing.Discount.Equal(decimal.NewFromInt(40)))

	w := s.wallet(t, "m-asha")
	assert.True(t, w.Cash.Equal(decimal.NewFromInt(2000).Sub(res.Pricing.Total)), "cash %s", w.Cash)

	counter, err := s.c.Inventory.Counter(context.Background(), inventory.ProductKey("protein"))
	require.NoError(t, err)
	assert.Equal(t, int64(24), counter.Available())
}

func TestGuestCheckoutDefaultsToExternal(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/settle/checkout", CheckoutRequest{
		Lines: []CartLineRequest{{ProductID: "shaker", Qty: 1}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Nil(t, decodeBody[settlement.Result](t, rec).Wallet)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		body   any
		status int
		code   settlement.Kind
		reason string
	}{
		{
			name:   "out of stock",
			path:   "/api/settle/checkout",
			body:   CheckoutRequest{MemberID: strPtr("m-asha"), Lines: []CartLineRequest{{ProductID: "towel", Qty: 2}}},
			status: http.StatusConflict,
			code:   settlement.KindOutOfStock,
		},
		{
			name:   "unknown promo",
			path:   "/api/settle/checkout",
			body:   CheckoutRequest{MemberID: strPtr("m-asha"), Lines: []CartLineRequest{{ProductID: "shaker", Qty: 1}}, PromoCode: strPtr("NOPE")},
			status: http.StatusUnprocessableEntity,
			code:   settlement.KindPromoInvalid,
			reason: string(promo.ReasonNotFound),
		},
		{
			name:   "insufficient cash",
			path:   "/api/settle/checkout",
			body:   CheckoutRequest{MemberID: strPtr("m-vikram"), Lines: []CartLineRequest{{ProductID: "protein", Qty: 1}}},
			status: http.StatusConflict,
			code:   settlement.KindInsufficientBalance,
		},
		{
			name:   "unknown class",
			path:   "/api/settle/booking",
			body:   BookingRequest{MemberID: "m-asha", ClassID: "pilates"},
			status: http.StatusNotFound,
			code:   settlement.KindNotFound,
		},
		{
			name:   "reward too expensive",
			path:   "/api/settle/reward-redeem",
			body:   RewardRedeemRequest{MemberID: "m-asha", CatalogID: "sauna-pass"},
			status: http.StatusConflict,
			code:   settlement.KindInsufficientBalance,
		},
		{
			name:   "guest paying by wallet",
			path:   "/api/settle/checkout",
			body:   CheckoutRequest{Lines: []CartLineRequest{{ProductID: "shaker", Qty: 1}}, PaymentMethod: "wallet"},
			status: http.StatusBadRequest,
			code:   settlement.KindInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			before := s.wallet(t, "m-asha")

			rec := s.do(t, http.MethodPost, tt.path, tt.body)

			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			errBody := decodeBody[ErrorResponse](t, rec)
			assert.Equal(t, string(tt.code), errBody.Code)
			assert.Equal(t, tt.reason, errBody.Reason)

			after := s.wallet(t, "m-asha")
			assert.True(t, before.Balances.Equal(after.Balances), "failed settlement must not move the wallet")
			assert.Equal(t, before.Version, after.Version)
		})
	}
}

func TestValidationErrors(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/settle/freeze", map[string]any{
		"member_id":  "",
		"start_date": "03/04/2026",
		"end_date":   "2026-04-30",
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, "VALIDATION_ERROR", body.Code)
	assert.Contains(t, body.Details, "member_id")
	assert.Contains(t, body.Details, "start_date")
	assert.NotContains(t, body.Details, "end_date")

	rec = s.do(t, http.MethodPost, "/api/settle/checkout", map[string]any{
		"lines":          []map[string]any{{"product_id": "shaker", "qty": 0}},
		"payment_method": "cash",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body = decodeBody[ErrorResponse](t, rec)
	assert.Contains(t, body.Details, "lines[0].qty")
	assert.Contains(t, body.Details, "payment_method")
}

func TestMalformedJSON(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/settle/booking", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(settlement.KindInvalidRequest), decodeBody[ErrorResponse](t, rec).Code)
}

// =============================================================================
// STAFF & WALLET ENDPOINTS
// =============================================================================

func TestFreezeApprovalFlow(t *testing.T) {
	// GIVEN: A pending freeze
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/settle/freeze", FreezeRequest{
		MemberID: "m-asha", StartDate: "2026-04-01", EndDate: "2026-04-30",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[settlement.Result](t, rec)
	assert.Equal(t, string(settlement.FreezePendingApproval), res.Status)

	// WHEN: A second request arrives while the first is pending
	rec = s.do(t, http.MethodPost, "/api/settle/freeze", FreezeRequest{
		MemberID: "m-asha", StartDate: "2026-05-01", EndDate: "2026-05-10",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// THEN: Staff approve once; a second decision is an invalid transition
	rec = s.do(t, http.MethodPost, "/api/freezes/"+res.RequestID+"/approve", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, settlement.FreezeApproved, decodeBody[settlement.Freeze](t, rec).Status)

	rec = s.do(t, http.MethodPost, "/api/freezes/"+res.RequestID+"/reject", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(settlement.KindInvalidTransition), decodeBody[ErrorResponse](t, rec).Code)
}

func TestCancelAndCompleteBooking(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/settle/booking", BookingRequest{MemberID: "m-asha", ClassID: "sauna-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	booking := decodeBody[settlement.Result](t, rec).BookingID
	assert.Equal(t, int64(1), s.wallet(t, "m-asha").SaunaSessions)

	rec = s.do(t, http.MethodPost, "/api/settle/booking-cancel", BookingCancelRequest{MemberID: "m-asha", BookingID: booking})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[settlement.Result](t, rec)
	require.NotNil(t, res.Refunded)
	assert.True(t, *res.Refunded)
	assert.Equal(t, int64(2), s.wallet(t, "m-asha").SaunaSessions)

	rec = s.do(t, http.MethodPost, "/api/bookings/"+booking+"/complete", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "cancelled bookings cannot complete")

	rec = s.do(t, http.MethodPost, "/api/settle/booking", BookingRequest{MemberID: "m-asha", ClassID: "sauna-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rebooked := decodeBody[settlement.Result](t, rec).BookingID

	rec = s.do(t, http.MethodPost, "/api/bookings/"+rebooked+"/complete", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, settlement.BookingCompleted, decodeBody[settlement.Booking](t, rec).Status)
}

func TestWalletReads(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/settle/wallet-topup", TopUpRequest{MemberID: "m-vikram", Amount: decimal.NewFromInt(25)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/wallets/m-vikram/entries", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeBody[[]ledger.Entry](t, rec)
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	assert.Equal(t, ledger.CategoryCash, last.Category)
	assert.True(t, last.Amount.Equal(decimal.NewFromInt(25)))

	rec = s.do(t, http.MethodGet, "/api/wallets/m-vikram/statement", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	stmt := decodeBody[ledger.Statement](t, rec)
	assert.True(t, stmt.Balances.Cash.Equal(decimal.NewFromInt(175)))

	rec = s.do(t, http.MethodGet, "/api/wallets/m-vikram/statement?as_of=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/wallets/nobody", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPromoQuote(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/promos/save10?subtotal=400", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	q := decodeBody[promo.Quote](t, rec)
	assert.Equal(t, "SAVE10", q.Code)
	assert.True(t, q.Discount.Equal(decimal.NewFromInt(40)))

	rec = s.do(t, http.MethodGet, "/api/promos/NOPE", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, string(promo.ReasonNotFound), decodeBody[ErrorResponse](t, rec).Reason)
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

func TestRestockAndSweep(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/admin/products/towel/restock", RestockRequest{Qty: 4})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	counter := decodeBody[CounterDTO](t, rec)
	assert.Equal(t, int64(5), counter.Available)

	rec = s.do(t, http.MethodPost, "/api/admin/products/ghost/restock", RestockRequest{Qty: 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/admin/products/towel/restock", RestockRequest{Qty: 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/admin/sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 0, decodeBody[SweepDTO](t, rec).Reservations)
}

func TestSweeperStartStop(t *testing.T) {
	s := newTestServer(t)
	idem := idempotency.NewLayer(idempotency.NewMemoryStore(), time.Hour)
	sw := NewSweeper(s.c, idem, time.Hour)

	sw.Start()
	sw.Start()
	sw.Stop()
	sw.Stop()

	assert.Equal(t, SweepDTO{}, sw.RunOnce())
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func strPtr(s string) *string { return &s }
