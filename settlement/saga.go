package settlement

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/inventory"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/logger"
	"github.com/warp/settlement-engine/promo"
)

// =============================================================================
// SAGA - Reservations, ledger application and compensations of one settlement
// =============================================================================

// saga tracks what one settlement has acquired so a failure at any step can
// put everything back. Reservations are committed only after the ledger
// accepted the batch; compensations run newest first.
type saga struct {
	c     *Coordinator
	holds []*hold
	undo  []step
}

type hold struct {
	name      string
	commit    func(ctx context.Context) error
	committed bool
}

type step struct {
	name string
	fn   func(ctx context.Context) error
}

func (c *Coordinator) begin() *saga {
	return &saga{c: c}
}

// compensate registers fn to run if the settlement fails later.
func (s *saga) compensate(name string, fn func(ctx context.Context) error) {
	s.undo = append(s.undo, step{name: name, fn: fn})
}

func (s *saga) reserveStock(ctx context.Context, key inventory.Key, qty int64) error {
	inv := s.c.Inventory
	res, err := inv.Reserve(ctx, key, qty)
	if err != nil {
		return err
	}
	h := &hold{name: string(key), commit: func(ctx context.Context) error { return inv.Commit(ctx, res.Token) }}
	s.holds = append(s.holds, h)
	s.compensate("release "+string(key), func(ctx context.Context) error {
		if h.committed {
			return inv.Return(ctx, key, qty)
		}
		return inv.Release(ctx, res.Token)
	})
	return nil
}

func (s *saga) reservePromo(ctx context.Context, code string, subtotal decimal.Decimal) (promo.Quote, error) {
	promos := s.c.Promos
	q, err := promos.ValidateAndReserve(ctx, code, subtotal)
	if err != nil {
		return promo.Quote{}, err
	}
	h := &hold{name: "promo " + q.Code, commit: func(ctx context.Context) error { return promos.Commit(ctx, q.Token) }}
	s.holds = append(s.holds, h)
	s.compensate("release promo "+q.Code, func(ctx context.Context) error {
		if h.committed {
			return promos.Refund(ctx, q.Token)
		}
		return promos.Release(ctx, q.Token)
	})
	return q, nil
}

// apply runs the authoritative ledger step. On a later failure the applied
// entries are reversed with compensating entries.
func (s *saga) apply(ctx context.Context, id ledger.WalletID, build func(w ledger.Wallet) ([]ledger.Entry, error)) (ledger.Wallet, error) {
	l := s.c.Ledger
	w, applied, err := l.Update(ctx, id, s.c.Config.MaxAttempts, build)
	if err != nil {
		return ledger.Wallet{}, err
	}
	if len(applied) == 0 {
		return w, nil
	}
	s.compensate("reverse ledger batch", func(ctx context.Context) error {
		reversal := make([]ledger.Entry, len(applied))
		for i, e := range applied {
			reversal[i] = e.Reverse(ledger.ReasonSettlementReversed)
		}
		_, _, err := l.Update(ctx, id, s.c.Config.MaxAttempts, func(ledger.Wallet) ([]ledger.Entry, error) {
			return reversal, nil
		})
		return err
	})
	return w, nil
}

// commit makes every held reservation permanent.
func (s *saga) commit(ctx context.Context) error {
	for _, h := range s.holds {
		if err := h.commit(ctx); err != nil {
			return fmt.Errorf("commit %s: %w", h.name, err)
		}
		h.committed = true
	}
	return nil
}

// abort runs compensations on a context detached from the request, so a
// settlement that failed by timing out still releases what it held.
func (s *saga) abort(ctx context.Context, cause error) {
	ctx = context.WithoutCancel(ctx)
	for i := len(s.undo) - 1; i >= 0; i-- {
		if err := s.undo[i].fn(ctx); err != nil {
			logger.LogError(ctx, err, "settlement compensation failed",
				"step", s.undo[i].name, "cause", cause.Error())
		}
	}
	s.undo = nil
}

// fail aborts and returns err, for use in return statements.
func (s *saga) fail(ctx context.Context, err error) (Result, error) {
	s.abort(ctx, err)
	return Result{}, err
}
