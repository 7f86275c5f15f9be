package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/ledger/memory"
	"github.com/warp/settlement-engine/retry"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	return ledger.NewLedger(memory.New())
}

func openWallet(t *testing.T, l *ledger.Ledger, member string, b ledger.Balances) ledger.Wallet {
	t.Helper()
	w, err := l.OpenWallet(context.Background(), member, b)
	require.NoError(t, err)
	return w
}

func cash(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// =============================================================================
// APPLY ENTRIES
// =============================================================================

func TestApplyEntries_AppliesBatchAndBumpsVersion(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	w := openWallet(t, l, "m-1", ledger.Balances{Cash: cash("500"), ClassCredits: 2})
	assert.Equal(t, int64(1), w.Version)

	version, err := l.ApplyEntries(ctx, w.ID, []ledger.Entry{
		ledger.Debit(ledger.CategoryCash, cash("120.50"), ledger.ReasonStoreCheckout, "ord-1"),
		ledger.Debit(ledger.CategoryClassCredit, ledger.Units(1), ledger.ReasonBookingCreated, "bk-1"),
	}, w.Version)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	got, err := l.Wallet(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, got.Cash.Equal(cash("379.50")))
	assert.Equal(t, int64(1), got.ClassCredits)
	assert.Equal(t, int64(2), got.Version)
}

func TestApplyEntries_InsufficientBalanceRejectsWholeBatch(t *testing.T) {
	// GIVEN: 100 cash and 1 class credit
	// WHEN: A batch debits 50 cash (fine) and 2 class credits (too many)
	// THEN: Nothing is applied, not even the cash debit

	ctx := context.Background()
	l := newTestLedger(t)
	w := openWallet(t, l, "m-1", ledger.Balances{Cash: cash("100"), ClassCredits: 1})

	_, err := l.ApplyEntries(ctx, w.ID, []ledger.Entry{
		ledger.Debit(ledger.CategoryCash, cash("50"), ledger.ReasonStoreCheckout, "ord-1"),
		ledger.Debit(ledger.CategoryClassCredit, ledger.Units(2), ledger.ReasonBookingCreated, "bk-1"),
	}, w.Version)

	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	var ib *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &ib)
	assert.Equal(t, ledger.CategoryClassCredit, ib.Category)
	assert.Equal(t, w.ID, ib.WalletID)

	got, err := l.Wallet(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, got.Cash.Equal(cash("100")))
	assert.Equal(t, w.Version, got.Version)

	entries, err := l.Entries(ctx, w.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "only the opening entries")
}

func TestApplyEntries_NetsSameCategory(t *testing.T) {
	// Redeeming 10 points and earning 5 in the same batch is judged on the net.
	ctx := context.Background()
	l := newTestLedger(t)
	w := openWallet(t, l, "m-1", ledger.Balances{LoyaltyPoints: 10})

	_, err := l.ApplyEntries(ctx, w.ID, []ledger.Entry{
		ledger.Debit(ledger.CategoryLoyaltyPoint, ledger.Units(10), ledger.ReasonStoreCheckout, "ord-1"),
		ledger.Credit(ledger.CategoryLoyaltyPoint, ledger.Units(5), ledger.ReasonPointsEarned, "ord-1"),
	}, w.Version)
	require.NoError(t, err)

	got, _ := l.Wallet(ctx, w.ID)
	assert.Equal(t, int64(5), got.LoyaltyPoints)
}

func TestApplyEntries_StaleVersionConflicts(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	w := openWallet(t, l, "m-1", ledger.Balances{Cash: cash("100")})

	topUp := []ledger.Entry{ledger.Credit(ledger.CategoryCash, cash("10"), ledger.ReasonWalletTopUp, "")}
	_, err := l.ApplyEntries(ctx, w.ID, topUp, w.Version)
	require.NoError(t, err)

	_, err = l.ApplyEntries(ctx, w.ID, topUp, w.Version)
	assert.ErrorIs(t, err, retry.ErrVersionConflict)
}

func TestApplyEntries_RejectsMalformedEntries(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	w := openWallet(t, l, "m-1", ledger.Balances{ClassCredits: 3})

	cases := map[string]ledger.Entry{
		"fractional credit": ledger.Debit(ledger.CategoryClassCredit, cash("0.5"), ledger.ReasonBookingCreated, ""),
		"zero amount":       ledger.Credit(ledger.CategoryCash, decimal.Zero, ledger.ReasonWalletTopUp, ""),
		"unknown category":  ledger.Credit("gift_card", cash("1"), ledger.ReasonWalletTopUp, ""),
		"missing reason":    ledger.Credit(ledger.CategoryCash, cash("1"), "", ""),
	}
	for name, e := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := l.ApplyEntries(ctx, w.ID, []ledger.Entry{e}, w.Version)
			assert.ErrorIs(t, err, ledger.ErrInvalidEntry)
		})
	}
}

func TestApplyEntries_UnknownWallet(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.ApplyEntries(context.Background(), "ghost", []ledger.Entry{
		ledger.Credit(ledger.CategoryCash, cash("1"), ledger.ReasonWalletTopUp, ""),
	}, 0)
	assert.ErrorIs(t, err, ledger.ErrWalletNotFound)
}

func TestOpenWallet_Twice(t *testing.T) {
	l := newTestLedger(t)
	openWallet(t, l, "m-1", ledger.Balances{})
	_, err := l.OpenWallet(context.Background(), "m-1", ledger.Balances{})
	assert.ErrorIs(t, err, ledger.ErrWalletExists)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestUpdate_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	// GIVEN: 5 class credits
	// WHEN: 20 goroutines each try to spend one
	// THEN: Exactly 5 succeed and the balance ends at zero

	ctx := context.Background()
	l := newTestLedger(t)
	w := openWallet(t, l, "m-1", ledger.Balances{ClassCredits: 5})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := l.Update(ctx, w.ID, 50, func(w ledger.Wallet) ([]ledger.Entry, error) {
				return []ledger.Entry{ledger.Debit(ledger.CategoryClassCredit, ledger.Units(1), ledger.ReasonBookingCreated, "")}, nil
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, succeeded)
	got, _ := l.Wallet(ctx, w.ID)
	assert.Equal(t, int64(0), got.ClassCredits)
	assert.NoError(t, l.Verify(ctx, w.ID))
}

// =============================================================================
// REPLAY
// =============================================================================

func TestStatement_ReplaysToPointInTime(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	clock := time.Date(2026, time.January, 1, 9, 0, 0, 0, time.UTC)
	l.Now = func() time.Time { return clock }
	w := openWallet(t, l, "m-1", ledger.Balances{Cash: cash("100")})

	clock = clock.Add(time.Hour)
	_, err := l.ApplyEntries(ctx, w.ID, []ledger.Entry{
		ledger.Debit(ledger.CategoryCash, cash("40"), ledger.ReasonStoreCheckout, "ord-1"),
	}, w.Version)
	require.NoError(t, err)

	clock = clock.Add(time.Hour)
	_, err = l.ApplyEntries(ctx, w.ID, []ledger.Entry{
		ledger.Credit(ledger.CategoryCash, cash("15"), ledger.ReasonWalletTopUp, ""),
	}, w.Version+1)
	require.NoError(t, err)

	before, err := l.Statement(ctx, w.ID, time.Date(2026, time.January, 1, 10, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, before.Balances.Cash.Equal(cash("60")))
	assert.Len(t, before.Entries, 2)

	now, err := l.Statement(ctx, w.ID, time.Time{})
	require.NoError(t, err)
	assert.True(t, now.Balances.Cash.Equal(cash("75")))
	assert.NoError(t, l.Verify(ctx, w.ID))
}

func TestEntryReverse(t *testing.T) {
	e := ledger.Debit(ledger.CategoryLoyaltyPoint, ledger.Units(7), ledger.ReasonRewardRedeemed, "rd-1")
	r := e.Reverse(ledger.ReasonSettlementReversed)

	assert.Equal(t, ledger.KindCredit, r.Kind)
	assert.Equal(t, e.Category, r.Category)
	assert.True(t, r.Delta().Equal(e.Delta().Neg()))
	assert.Equal(t, "rd-1", r.RelatedEntityID)
}
