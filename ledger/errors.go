/*
errors.go - Error types for the ledger

ERROR CATEGORIES:
  1. Balance errors - a batch would drive a category negative
  2. Validation errors - malformed entries
  3. Store errors - missing or duplicate wallets, projection drift

  Version conflicts use retry.ErrVersionConflict so every optimistic store in
  the engine speaks the same vocabulary.

SEE ALSO:
  - retry/retry.go: ErrVersionConflict, ErrBusy
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientBalance is returned when a batch would leave any
	// category below zero. The whole batch is rejected.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrWalletNotFound is returned when a referenced wallet doesn't exist.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrWalletExists is returned when opening a wallet twice for a member.
	ErrWalletExists = errors.New("wallet already exists")

	// ErrInvalidEntry is returned for malformed entries.
	ErrInvalidEntry = errors.New("invalid ledger entry")

	// ErrProjectionDrift is returned by Verify when the cached wallet no
	// longer equals the fold of its entries.
	ErrProjectionDrift = errors.New("wallet projection does not match entry log")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	WalletID  WalletID
	Category  Category
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s: available %s, requested %s",
		e.Category, e.Available.String(), e.Requested.String())
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// InvalidEntryError explains why an entry was refused.
type InvalidEntryError struct {
	Entry   Entry
	Problem string
}

func (e *InvalidEntryError) Error() string {
	return fmt.Sprintf("invalid %s %s entry: %s", e.Entry.Kind, e.Entry.Category, e.Problem)
}

func (e *InvalidEntryError) Unwrap() error { return ErrInvalidEntry }
