/*
Package ledger provides the member wallet and its append-only entry log.

PURPOSE:
  Every consumable a member holds (cash, class credits, sauna sessions,
  ice-bath credits, loyalty points) lives in one Wallet. The Wallet is a
  cached projection of the Entry log: the same atomic write that appends
  entries also stores the new projection, so the two never drift.

KEY CONCEPTS IN THIS FILE (types.go):
  - Category: which counter an entry moves (cash, class_credit, ...)
  - Kind: credit (adds) or debit (subtracts)
  - Reason: why the entry exists (booking_created, store_checkout, ...)
  - Entry: immutable record of a single balance mutation
  - Balances / Wallet: the projection, versioned for optimistic concurrency

DESIGN PRINCIPLES:
  1. Immutability: entries are never edited, corrections are new entries
  2. Precision: cash uses decimal.Decimal, counters are whole numbers
  3. Auditability: every entry carries reason and related entity
  4. Versioning: each applied batch bumps Wallet.Version by exactly one

SEE ALSO:
  - projection.go: folding entries into balances
  - ledger.go: ApplyEntries and the Store interface
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type WalletID string
type EntryID string

// =============================================================================
// CATEGORY - Which balance an entry moves
// =============================================================================

type Category string

const (
	CategoryCash          Category = "cash"
	CategoryClassCredit   Category = "class_credit"
	CategorySaunaCredit   Category = "sauna_credit"
	CategoryIceBathCredit Category = "ice_bath_credit"
	CategoryLoyaltyPoint  Category = "loyalty_point"
)

// Categories lists every category in a fixed order. Projection checks walk
// this order so error reporting is deterministic.
var Categories = []Category{
	CategoryCash,
	CategoryClassCredit,
	CategorySaunaCredit,
	CategoryIceBathCredit,
	CategoryLoyaltyPoint,
}

func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Whole reports whether amounts in this category must be integers.
func (c Category) Whole() bool { return c != CategoryCash }

// =============================================================================
// KIND & REASON
// =============================================================================

type Kind string

const (
	KindCredit Kind = "credit"
	KindDebit  Kind = "debit"
)

type Reason string

const (
	ReasonOpeningBalance     Reason = "opening_balance"
	ReasonBookingCreated     Reason = "booking_created"
	ReasonBookingCancelled   Reason = "booking_cancelled"
	ReasonStoreCheckout      Reason = "store_checkout"
	ReasonPointsEarned       Reason = "points_earned"
	ReasonRewardRedeemed     Reason = "reward_redeemed"
	ReasonWalletTopUp        Reason = "wallet_top_up"
	ReasonFreezeRequested    Reason = "freeze_requested"
	ReasonFreezeRejected     Reason = "freeze_rejected"
	ReasonSettlementReversed Reason = "settlement_reversed"
)

// =============================================================================
// ENTRY - Immutable balance mutation
// =============================================================================

type Entry struct {
	ID              EntryID         `json:"id"`
	WalletID        WalletID        `json:"wallet_id"`
	Kind            Kind            `json:"kind"`
	Category        Category        `json:"category"`
	Amount          decimal.Decimal `json:"amount"`
	Reason          Reason          `json:"reason"`
	RelatedEntityID string          `json:"related_entity_id,omitempty"`

	// Version is the wallet version this entry's batch produced.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// Credit builds an unstamped credit entry. ID, WalletID, Version and
// CreatedAt are filled in by Ledger.ApplyEntries.
func Credit(category Category, amount decimal.Decimal, reason Reason, related string) Entry {
	return Entry{Kind: KindCredit, Category: category, Amount: amount, Reason: reason, RelatedEntityID: related}
}

// Debit builds an unstamped debit entry.
func Debit(category Category, amount decimal.Decimal, reason Reason, related string) Entry {
	return Entry{Kind: KindDebit, Category: category, Amount: amount, Reason: reason, RelatedEntityID: related}
}

// Units converts a whole-number count into an entry amount.
func Units(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

// Delta returns the signed effect of the entry on its category.
func (e Entry) Delta() decimal.Decimal {
	if e.Kind == KindDebit {
		return e.Amount.Neg()
	}
	return e.Amount
}

// Reverse returns the compensating entry that undoes e.
func (e Entry) Reverse(reason Reason) Entry {
	kind := KindCredit
	if e.Kind == KindCredit {
		kind = KindDebit
	}
	return Entry{Kind: kind, Category: e.Category, Amount: e.Amount, Reason: reason, RelatedEntityID: e.RelatedEntityID}
}

// Validate checks the entry is well-formed before it reaches a store.
func (e Entry) Validate() error {
	if e.Kind != KindCredit && e.Kind != KindDebit {
		return &InvalidEntryError{Entry: e, Problem: "unknown kind"}
	}
	if !e.Category.Valid() {
		return &InvalidEntryError{Entry: e, Problem: "unknown category"}
	}
	if !e.Amount.IsPositive() {
		return &InvalidEntryError{Entry: e, Problem: "amount must be positive"}
	}
	if e.Category.Whole() && !e.Amount.Equal(e.Amount.Truncate(0)) {
		return &InvalidEntryError{Entry: e, Problem: "amount must be a whole number"}
	}
	if e.Reason == "" {
		return &InvalidEntryError{Entry: e, Problem: "reason is required"}
	}
	return nil
}

// =============================================================================
// BALANCES & WALLET - The projection
// =============================================================================

type Balances struct {
	Cash           decimal.Decimal `json:"cash"`
	ClassCredits   int64           `json:"class_credits"`
	SaunaSessions  int64           `json:"sauna_sessions"`
	IceBathCredits int64           `json:"ice_bath_credits"`
	LoyaltyPoints  int64           `json:"loyalty_points"`
}

// Of returns the balance held in one category.
func (b Balances) Of(c Category) decimal.Decimal {
	switch c {
	case CategoryCash:
		return b.Cash
	case CategoryClassCredit:
		return decimal.NewFromInt(b.ClassCredits)
	case CategorySaunaCredit:
		return decimal.NewFromInt(b.SaunaSessions)
	case CategoryIceBathCredit:
		return decimal.NewFromInt(b.IceBathCredits)
	case CategoryLoyaltyPoint:
		return decimal.NewFromInt(b.LoyaltyPoints)
	}
	return decimal.Zero
}

// With returns a copy of b with category c set to v.
func (b Balances) With(c Category, v decimal.Decimal) Balances {
	switch c {
	case CategoryCash:
		b.Cash = v
	case CategoryClassCredit:
		b.ClassCredits = v.IntPart()
	case CategorySaunaCredit:
		b.SaunaSessions = v.IntPart()
	case CategoryIceBathCredit:
		b.IceBathCredits = v.IntPart()
	case CategoryLoyaltyPoint:
		b.LoyaltyPoints = v.IntPart()
	}
	return b
}

// Equal compares balances value-wise (decimal scale is ignored).
func (b Balances) Equal(o Balances) bool {
	for _, c := range Categories {
		if !b.Of(c).Equal(o.Of(c)) {
			return false
		}
	}
	return true
}

// Wallet is the per-member projection. Never written directly: only a
// Store.Append that also appends entries may change it.
type Wallet struct {
	ID       WalletID `json:"id"`
	MemberID string   `json:"member_id"`
	Balances
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Statement is a replayed view of a wallet at a point in time.
type Statement struct {
	WalletID WalletID  `json:"wallet_id"`
	AsOf     time.Time `json:"as_of"`
	Balances Balances  `json:"balances"`
	Entries  []Entry   `json:"entries"`
}
