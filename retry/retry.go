/*
Package retry holds the optimistic-concurrency error vocabulary shared by the
ledger, inventory and promo stores, and the bounded retry loop that callers
wrap around read-modify-write cycles.

FLOW:
  1. Read a versioned record (wallet, counter, promo code)
  2. Compute the next state in memory
  3. Write it back only if the stored version is still the one read
  4. On ErrVersionConflict, start over from step 1

  After MaxAttempts the conflict is surfaced as ErrBusy so the caller can
  tell the client to try again instead of blocking indefinitely. Waits
  between attempts come from a jittered exponential backoff
  (github.com/cenkalti/backoff/v4) capped at 50ms.

SEE ALSO:
  - ledger/ledger.go: ApplyEntries returns ErrVersionConflict
  - settlement/coordinator.go: wraps each settlement in Do
*/
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrVersionConflict is returned by a store when the expected version no
	// longer matches. Transient: re-read and retry.
	ErrVersionConflict = errors.New("version conflict")

	// ErrBusy is returned once the retry budget for a contended record is spent.
	ErrBusy = errors.New("resource busy, retry later")
)

// DefaultAttempts bounds retries when the caller passes zero.
const DefaultAttempts = 3

// BusyError reports that a contended operation gave up.
type BusyError struct {
	Attempts int
	Last     error
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("resource busy after %d attempts: %v", e.Attempts, e.Last)
}

func (e *BusyError) Unwrap() error { return ErrBusy }

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrBusy)
}

// =============================================================================
// RETRY LOOP
// =============================================================================

// Do runs fn until it succeeds, returns a non-retryable error, or the attempt
// budget is exhausted. Non-retryable errors are returned unchanged.
func Do(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}

	tries := 0
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		tries++
		err := fn(ctx)
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), uint64(attempts-1)), ctx)
	err := backoff.Retry(op, policy)
	if err == nil || !IsRetryable(err) {
		return err
	}
	return &BusyError{Attempts: tries, Last: err}
}

const (
	minBackoff = time.Millisecond
	maxBackoff = 50 * time.Millisecond
)

func newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = minBackoff
	b.MaxInterval = maxBackoff
	// The attempt budget bounds the loop, not wall time.
	b.MaxElapsedTime = 0
	return b
}
