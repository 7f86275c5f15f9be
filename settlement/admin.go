package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/warp/settlement-engine/inventory"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/logger"
	"github.com/warp/settlement-engine/promo"
)

// =============================================================================
// STAFF TRANSITIONS
// =============================================================================

// ApproveFreeze moves a pending freeze to approved. The fee stays charged.
func (c *Coordinator) ApproveFreeze(ctx context.Context, id string) (Freeze, error) {
	return c.Repo.TransitionFreeze(ctx, id, FreezePendingApproval, FreezeApproved, c.Now())
}

// RejectFreeze moves a pending freeze to rejected and refunds its fee.
func (c *Coordinator) RejectFreeze(ctx context.Context, id string) (Freeze, error) {
	now := c.Now()
	f, err := c.Repo.TransitionFreeze(ctx, id, FreezePendingApproval, FreezeRejected, now)
	if err != nil {
		return Freeze{}, err
	}
	if !f.Fee.IsPositive() {
		return f, nil
	}

	_, _, err = c.Ledger.Update(ctx, ledger.WalletID(f.MemberID), c.Config.MaxAttempts, func(ledger.Wallet) ([]ledger.Entry, error) {
		return []ledger.Entry{ledger.Credit(ledger.CategoryCash, f.Fee, ledger.ReasonFreezeRejected, f.ID)}, nil
	})
	if err != nil {
		if _, rerr := c.Repo.TransitionFreeze(context.WithoutCancel(ctx), id, FreezeRejected, FreezePendingApproval, now); rerr != nil {
			logger.LogError(ctx, rerr, "failed to restore freeze after refund failure", "freeze_id", id)
		}
		return Freeze{}, err
	}
	return f, nil
}

// CompleteBooking marks an attended booking completed. Terminal, no refund.
func (c *Coordinator) CompleteBooking(ctx context.Context, id string) (Booking, error) {
	b, err := c.Repo.Booking(ctx, id)
	if err != nil {
		return Booking{}, err
	}
	if !b.Status.Active() {
		return Booking{}, fmt.Errorf("%w: booking %s is %s", ErrInvalidTransition, b.ID, b.Status)
	}
	return c.Repo.TransitionBooking(ctx, id, b.Status, BookingCompleted, c.Now())
}

// Restock puts qty more units of a product on hand.
func (c *Coordinator) Restock(ctx context.Context, productID string, qty int64) (inventory.Counter, error) {
	if _, err := c.Repo.Product(ctx, productID); err != nil {
		return inventory.Counter{}, err
	}
	key := inventory.ProductKey(productID)
	if err := c.Inventory.Return(ctx, key, qty); err != nil {
		return inventory.Counter{}, err
	}
	return c.Inventory.Counter(ctx, key)
}

// Sweep expires abandoned stock, seat and promo reservations.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	freed, err := c.Inventory.Sweep(ctx)
	if err != nil {
		return freed, err
	}
	n, err := c.Promos.Sweep(ctx)
	return freed + n, err
}

// =============================================================================
// CATALOG REGISTRATION
// =============================================================================
//
// Registration is safe to repeat: existing wallets, counters and promo
// usage are left as they are, so seeding a persistent store on every start
// never resets balances or stock.

// OpenMember saves the member and opens its wallet with opening balances.
func (c *Coordinator) OpenMember(ctx context.Context, m Member, opening ledger.Balances) error {
	if err := c.Repo.SaveMember(ctx, m); err != nil {
		return err
	}
	_, err := c.Ledger.OpenWallet(ctx, m.ID, opening)
	if errors.Is(err, ledger.ErrWalletExists) {
		return nil
	}
	return err
}

func (c *Coordinator) RegisterClass(ctx context.Context, class Class) error {
	if !class.CreditCategory.Valid() || class.CreditCategory == ledger.CategoryCash || class.CreditCategory == ledger.CategoryLoyaltyPoint {
		return invalid("class %s: %q is not a booking credit", class.ID, class.CreditCategory)
	}
	if err := c.Repo.SaveClass(ctx, class); err != nil {
		return err
	}
	return c.Inventory.Register(ctx, inventory.ClassKey(class.ID), class.MaxCapacity)
}

func (c *Coordinator) RegisterProduct(ctx context.Context, p Product, stock int64) error {
	if err := c.Repo.SaveProduct(ctx, p); err != nil {
		return err
	}
	return c.Inventory.Register(ctx, inventory.ProductKey(p.ID), stock)
}

func (c *Coordinator) RegisterPromo(ctx context.Context, code promo.Code) error {
	code.Code = promo.Normalize(code.Code)
	_, err := c.Promos.Store.Code(ctx, code.Code)
	if err == nil {
		return nil
	}
	if !errors.Is(err, promo.ErrCodeNotFound) {
		return err
	}
	return c.Promos.Store.PutCode(ctx, code)
}

func (c *Coordinator) RegisterReward(ctx context.Context, item RewardItem) error {
	for _, g := range item.Grants {
		if !g.Category.Valid() || g.Amount <= 0 {
			return invalid("reward %s: bad grant %s x%d", item.ID, g.Category, g.Amount)
		}
	}
	return c.Repo.SaveReward(ctx, item)
}
