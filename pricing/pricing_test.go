package pricing_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/warp/settlement-engine/pricing"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDec(t *testing.T, want string, got decimal.Decimal, field string) {
	t.Helper()
	assert.True(t, got.Equal(dec(want)), "%s: got %s want %s", field, got, want)
}

func TestPrice_PromoPointsAndGST(t *testing.T) {
	// GIVEN: Cart of 1000, SAVE10 (10% = 100 off), 50 points, 18% GST
	// THEN: taxable = 850, tax = 153, total = 1003

	lines := []pricing.Line{
		{ProductID: "protein", Qty: 2, UnitPrice: dec("400")},
		{ProductID: "shaker", Qty: 1, UnitPrice: dec("200")},
	}

	r := pricing.Price(lines, dec("100"), 50, dec("18"))

	assertDec(t, "1000", r.Subtotal, "subtotal")
	assertDec(t, "900", r.DiscountedSubtotal, "discounted")
	assertDec(t, "50", r.PointsValue, "points value")
	assert.Equal(t, int64(50), r.PointsRedeemed)
	assertDec(t, "850", r.TaxableAmount, "taxable")
	assertDec(t, "153", r.Tax, "tax")
	assertDec(t, "1003", r.Total, "total")
}

func TestPrice_TaxRoundsHalfUpOnlyAtTaxStep(t *testing.T) {
	cases := []struct {
		name      string
		unitPrice string
		gst       string
		taxable   string
		tax       string
	}{
		// 12.50 * 18% = 2.25 -> 2
		{"rounds down below half", "12.50", "18", "12.50", "2"},
		// 25 * 18% = 4.5 -> 5
		{"half rounds up", "25", "18", "25", "5"},
		// 10.99 * 5% = 0.5495 -> 1
		{"fractional taxable kept exact", "10.99", "5", "10.99", "1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := pricing.Price([]pricing.Line{{ProductID: "p", Qty: 1, UnitPrice: dec(tc.unitPrice)}}, decimal.Zero, 0, dec(tc.gst))
			assertDec(t, tc.taxable, r.TaxableAmount, "taxable")
			assertDec(t, tc.tax, r.Tax, "tax")
		})
	}
}

func TestPrice_PointsCappedAtFloorOfDiscountedSubtotal(t *testing.T) {
	// 99.60 left after discount; 500 points offered; only 99 can be used.
	r := pricing.Price([]pricing.Line{{ProductID: "p", Qty: 1, UnitPrice: dec("109.60")}}, dec("10"), 500, dec("18"))

	assert.Equal(t, int64(99), r.PointsRedeemed)
	assertDec(t, "0.60", r.TaxableAmount, "taxable")
	assertDec(t, "0", r.Tax, "tax")
	assertDec(t, "0.60", r.Total, "total")
}

func TestPrice_DiscountLargerThanSubtotal(t *testing.T) {
	r := pricing.Price([]pricing.Line{{ProductID: "p", Qty: 1, UnitPrice: dec("50")}}, dec("80"), 10, dec("18"))

	assertDec(t, "0", r.DiscountedSubtotal, "discounted")
	assert.Equal(t, int64(0), r.PointsRedeemed)
	assertDec(t, "0", r.Total, "total")
}

func TestPrice_Deterministic(t *testing.T) {
	lines := []pricing.Line{
		{ProductID: "a", Qty: 3, UnitPrice: dec("33.33")},
		{ProductID: "b", Qty: 7, UnitPrice: dec("1.01")},
	}
	first := pricing.Price(lines, dec("5.5"), 12, dec("18"))
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, pricing.Price(lines, dec("5.5"), 12, dec("18")))
	}
}

func TestEarned(t *testing.T) {
	assert.Equal(t, int64(10), pricing.Earned(dec("1003"), dec("1")))
	assert.Equal(t, int64(0), pricing.Earned(dec("1003"), decimal.Zero))
	assert.Equal(t, int64(0), pricing.Earned(dec("99"), dec("1")))
}
