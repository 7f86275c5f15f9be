/*
Package pricing turns a cart into the amount payable.

ORDER OF OPERATIONS (fixed, numbers must be reproducible for audits):
  1. subtotal           = sum(unitPrice * qty)
  2. discountedSubtotal = max(0, subtotal - discount)
  3. pointsValue        = min(points, floor(discountedSubtotal))   1 point = 1 unit
  4. taxableAmount      = max(0, discountedSubtotal - pointsValue)
  5. tax                = round-half-up(taxableAmount * gst / 100) to whole units
  6. total              = taxableAmount + tax

Only step 5 rounds. Price is pure: same inputs, same Result.

The caller clamps points to what the member actually holds; Price only
enforces that points never pay for more than the discounted subtotal.
*/
package pricing

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Line is one cart line.
type Line struct {
	ProductID string          `json:"product_id"`
	Qty       int64           `json:"qty"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

func (l Line) Amount() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(l.Qty))
}

// Result carries every intermediate value for display and audit.
type Result struct {
	Subtotal           decimal.Decimal `json:"subtotal"`
	Discount           decimal.Decimal `json:"discount"`
	DiscountedSubtotal decimal.Decimal `json:"discounted_subtotal"`
	PointsRedeemed     int64           `json:"points_redeemed"`
	PointsValue        decimal.Decimal `json:"points_value"`
	TaxableAmount      decimal.Decimal `json:"taxable_amount"`
	GSTPercent         decimal.Decimal `json:"gst_percent"`
	Tax                decimal.Decimal `json:"tax"`
	Total              decimal.Decimal `json:"total"`
}

// Subtotal sums line amounts at full precision.
func Subtotal(lines []Line) decimal.Decimal {
	sum := decimal.Zero
	for _, l := range lines {
		sum = sum.Add(l.Amount())
	}
	return sum
}

// Price runs the pipeline. Negative discount or points are treated as zero.
func Price(lines []Line, discount decimal.Decimal, points int64, gstPercent decimal.Decimal) Result {
	subtotal := Subtotal(lines)

	if discount.IsNegative() {
		discount = decimal.Zero
	}
	discounted := decimal.Max(decimal.Zero, subtotal.Sub(discount))

	if points < 0 {
		points = 0
	}
	pointsValue := decimal.Min(decimal.NewFromInt(points), discounted.Floor())

	taxable := decimal.Max(decimal.Zero, discounted.Sub(pointsValue))
	tax := RoundHalfUp(taxable.Mul(gstPercent).Div(hundred))

	return Result{
		Subtotal:           subtotal,
		Discount:           decimal.Min(discount, subtotal),
		DiscountedSubtotal: discounted,
		PointsRedeemed:     pointsValue.IntPart(),
		PointsValue:        pointsValue,
		TaxableAmount:      taxable,
		GSTPercent:         gstPercent,
		Tax:                tax,
		Total:              taxable.Add(tax),
	}
}

// RoundHalfUp rounds to a whole currency unit, halves away from zero.
// Amounts reaching here are never negative.
func RoundHalfUp(d decimal.Decimal) decimal.Decimal {
	return d.Round(0)
}

// Earned returns the loyalty points earned on total at percent, rounded down.
func Earned(total, percent decimal.Decimal) int64 {
	if !percent.IsPositive() || !total.IsPositive() {
		return 0
	}
	return total.Mul(percent).Div(hundred).Floor().IntPart()
}
