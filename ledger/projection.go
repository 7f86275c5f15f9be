package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Project folds a batch onto b and checks the result.
//
// Entries are netted per category first, so a batch that debits and credits
// the same category is judged on its net effect. If any category would end
// below zero the batch is rejected as a whole; b is never partially updated.
func Project(b Balances, entries []Entry) (Balances, error) {
	net := make(map[Category]decimal.Decimal, len(Categories))
	debits := make(map[Category]decimal.Decimal, len(Categories))
	for _, e := range entries {
		net[e.Category] = net[e.Category].Add(e.Delta())
		if e.Kind == KindDebit {
			debits[e.Category] = debits[e.Category].Add(e.Amount)
		}
	}

	next := b
	for _, c := range Categories {
		delta, ok := net[c]
		if !ok {
			continue
		}
		result := b.Of(c).Add(delta)
		if result.IsNegative() {
			return b, &InsufficientBalanceError{
				Category:  c,
				Available: b.Of(c),
				Requested: debits[c],
			}
		}
		next = next.With(c, result)
	}
	return next, nil
}

// Replay reconstructs balances from an entry log. Entries created after asOf
// are ignored; a zero asOf replays everything. The log must be in append
// order, which every Store guarantees.
func Replay(entries []Entry, asOf time.Time) Balances {
	var b Balances
	for _, e := range entries {
		if !asOf.IsZero() && e.CreatedAt.After(asOf) {
			break
		}
		b = b.With(e.Category, b.Of(e.Category).Add(e.Delta()))
	}
	return b
}
