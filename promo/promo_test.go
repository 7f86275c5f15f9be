package promo_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/settlement-engine/promo"
	"github.com/warp/settlement-engine/retry"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var now = time.Date(2026, time.June, 1, 12, 0, 0, 0, time.UTC)

func newTestValidator(t *testing.T, codes ...promo.Code) *promo.Validator {
	t.Helper()
	store := promo.NewMemoryStore()
	for _, c := range codes {
		require.NoError(t, store.PutCode(context.Background(), c))
	}
	v := promo.NewValidator(store, time.Minute)
	v.Now = func() time.Time { return now }
	return v
}

func limit(n int64) *int64 { return &n }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func save10() promo.Code {
	return promo.Code{Code: "SAVE10", Type: promo.TypePercentage, Value: dec("10"), Status: promo.StatusActive}
}

func usedCount(t *testing.T, v *promo.Validator, code string) int64 {
	t.Helper()
	c, err := v.Store.Code(context.Background(), code)
	require.NoError(t, err)
	return c.UsedCount
}

// =============================================================================
// DISCOUNT
// =============================================================================

func TestDiscount(t *testing.T) {
	cases := []struct {
		name     string
		code     promo.Code
		subtotal string
		want     string
	}{
		{"percentage", save10(), "1000", "100"},
		{"percentage keeps precision", save10(), "99.99", "9.999"},
		{"percentage capped at subtotal", promo.Code{Type: promo.TypePercentage, Value: dec("150")}, "200", "200"},
		{"flat below subtotal", promo.Code{Type: promo.TypeFlat, Value: dec("250")}, "1000", "250"},
		{"flat above subtotal", promo.Code{Type: promo.TypeFlat, Value: dec("250")}, "80", "80"},
		{"empty cart", save10(), "0", "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.code.Discount(dec(tc.subtotal))
			assert.True(t, got.Equal(dec(tc.want)), "got %s want %s", got, tc.want)
		})
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestValidateAndReserve_Rejections(t *testing.T) {
	v := newTestValidator(t,
		promo.Code{Code: "OLD", Type: promo.TypeFlat, Value: dec("10"), Status: promo.StatusActive, ExpiresAt: now.Add(-time.Hour)},
		promo.Code{Code: "OFF", Type: promo.TypeFlat, Value: dec("10"), Status: promo.StatusInactive},
		promo.Code{Code: "GONE", Type: promo.TypeFlat, Value: dec("10"), Status: promo.StatusActive, UsageLimit: limit(2), UsedCount: 2},
	)

	cases := map[string]promo.InvalidReason{
		"NOPE": promo.ReasonNotFound,
		"old":  promo.ReasonExpired,
		"OFF":  promo.ReasonInactive,
		"GONE": promo.ReasonUsageLimitReached,
	}
	for code, reason := range cases {
		t.Run(code, func(t *testing.T) {
			_, err := v.ValidateAndReserve(context.Background(), code, dec("100"))
			require.ErrorIs(t, err, promo.ErrInvalid)
			assert.Equal(t, reason, promo.ReasonOf(err))
		})
	}
}

func TestValidateAndReserve_ReleaseRestoresUsage(t *testing.T) {
	ctx := context.Background()
	c := save10()
	c.UsageLimit = limit(1)
	v := newTestValidator(t, c)

	q, err := v.ValidateAndReserve(ctx, "save10", dec("1000"))
	require.NoError(t, err)
	assert.True(t, q.Discount.Equal(dec("100")))
	assert.Equal(t, int64(1), usedCount(t, v, "SAVE10"))

	require.NoError(t, v.Release(ctx, q.Token))
	require.NoError(t, v.Release(ctx, q.Token))
	assert.Equal(t, int64(0), usedCount(t, v, "SAVE10"))

	assert.ErrorIs(t, v.Commit(ctx, q.Token), promo.ErrReservationExpired)
}

func TestCommit_Idempotent(t *testing.T) {
	ctx := context.Background()
	v := newTestValidator(t, save10())

	q, err := v.ValidateAndReserve(ctx, "SAVE10", dec("500"))
	require.NoError(t, err)
	require.NoError(t, v.Commit(ctx, q.Token))
	require.NoError(t, v.Commit(ctx, q.Token))

	assert.Equal(t, int64(1), usedCount(t, v, "SAVE10"))
	assert.ErrorIs(t, v.Release(ctx, q.Token), promo.ErrAlreadyCommitted)
}

func TestSweep_ReturnsAbandonedUses(t *testing.T) {
	ctx := context.Background()
	c := save10()
	c.UsageLimit = limit(1)
	v := newTestValidator(t, c)

	_, err := v.ValidateAndReserve(ctx, "SAVE10", dec("100"))
	require.NoError(t, err)

	v.Now = func() time.Time { return now.Add(5 * time.Minute) }
	freed, err := v.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, freed)
	assert.Equal(t, int64(0), usedCount(t, v, "SAVE10"))
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestValidateAndReserve_LastSlotRace(t *testing.T) {
	// GIVEN: A code with one use left
	// WHEN: 25 checkouts validate it at the same time
	// THEN: Exactly one wins, every other one gets usage_limit_reached

	ctx := context.Background()
	c := save10()
	c.UsageLimit = limit(3)
	c.UsedCount = 2
	v := newTestValidator(t, c)

	const racers = 25
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		reasons []promo.InvalidReason
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q, err := v.ValidateAndReserve(ctx, "SAVE10", dec("100"))
			if err == nil {
				err = v.Commit(ctx, q.Token)
			}
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners++
				return
			}
			reasons = append(reasons, promo.ReasonOf(err))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	require.Len(t, reasons, racers-1)
	for _, r := range reasons {
		assert.Equal(t, promo.ReasonUsageLimitReached, r)
	}
	assert.Equal(t, int64(3), usedCount(t, v, "SAVE10"))
}

func TestSweep_RacesReleaseAndCommit(t *testing.T) {
	// GIVEN: A code with five committed uses and one fresh hold per round
	// WHEN: The sweeper runs after the TTL while the checkout releases or commits the same hold
	// THEN: The hold is settled once and UsedCount reflects only that outcome

	ctx := context.Background()
	c := save10()
	c.UsedCount = 5
	v := newTestValidator(t, c)
	sweeper := promo.NewValidator(v.Store, time.Minute)
	sweeper.Now = func() time.Time { return now.Add(5 * time.Minute) }

	for i := 0; i < 200; i++ {
		q, err := v.ValidateAndReserve(ctx, "SAVE10", dec("100"))
		require.NoError(t, err)

		commit := i%2 == 1
		var (
			wg                    sync.WaitGroup
			checkoutErr, sweepErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			if commit {
				checkoutErr = v.Commit(ctx, q.Token)
			} else {
				checkoutErr = v.Release(ctx, q.Token)
			}
		}()
		go func() { defer wg.Done(); _, sweepErr = sweeper.Sweep(ctx) }()
		wg.Wait()

		require.NoError(t, sweepErr, "round %d", i)
		res, err := v.Store.Reservation(ctx, q.Token)
		require.NoError(t, err)

		switch res.Status {
		case promo.ReservationCommitted:
			require.NoError(t, checkoutErr)
			require.Equal(t, int64(6), usedCount(t, v, "SAVE10"), "round %d", i)
			// Keep the baseline at five for the next round.
			require.NoError(t, v.Refund(ctx, q.Token))
		case promo.ReservationReleased, promo.ReservationExpired:
			if commit {
				require.ErrorIs(t, checkoutErr, promo.ErrReservationExpired)
			} else {
				require.NoError(t, checkoutErr)
			}
		default:
			t.Fatalf("round %d: unexpected status %q", i, res.Status)
		}
		require.Equal(t, int64(5), usedCount(t, v, "SAVE10"), "round %d", i)
	}
}

func TestMemoryStore_MutateChecksReservationStatus(t *testing.T) {
	ctx := context.Background()
	v := newTestValidator(t, save10())
	q, err := v.ValidateAndReserve(ctx, "SAVE10", dec("100"))
	require.NoError(t, err)
	require.NoError(t, v.Release(ctx, q.Token))

	c, err := v.Store.Code(ctx, "SAVE10")
	require.NoError(t, err)
	next := c
	next.Version++
	next.UsedCount--
	res, err := v.Store.Reservation(ctx, q.Token)
	require.NoError(t, err)
	res.Status = promo.ReservationExpired

	err = v.Store.Mutate(ctx, next, c.Version, &res, promo.ReservationHeld)

	assert.ErrorIs(t, err, retry.ErrVersionConflict)
	assert.Equal(t, int64(0), usedCount(t, v, "SAVE10"))
}
