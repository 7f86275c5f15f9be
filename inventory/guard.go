/*
Package inventory guards shared, countable resources: product stock and
class seat capacity.

PURPOSE:
  Checkouts and bookings never decrement stock directly. They first Reserve
  units, which moves them from "available" to "held". The settlement then
  either Commits (held units leave the shelf for good) or Releases (held
  units become available again). A held reservation that nobody settles
  expires after a TTL so abandoned checkouts cannot pin stock forever.

COUNTER MODEL:
  OnHand:    units physically present (stock, or free seats)
  Held:      units promised to in-flight settlements
  Available: OnHand - Held

  Reserve:  Held += qty            (fails with ErrOutOfStock if Available < qty)
  Commit:   OnHand -= qty, Held -= qty
  Release:  Held -= qty
  Return:   OnHand += qty           (booking cancelled, restock)

CONCURRENCY:
  Every transition rewrites the counter with a version check, together with
  the reservation row, in one Store.Mutate call. Two settlements racing for
  the last unit both read the same version; one write wins, the loser re-reads
  and sees Available == 0.

SEE ALSO:
  - memory.go: in-memory Store
  - store/sqlite/inventory.go: SQLite Store
*/
package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/warp/settlement-engine/retry"
)

// =============================================================================
// TYPES
// =============================================================================

// Key identifies a guarded resource.
type Key string

func ProductKey(productID string) Key { return Key("product:" + productID) }
func ClassKey(classID string) Key     { return Key("class:" + classID) }

type Counter struct {
	Key       Key       `json:"key"`
	OnHand    int64     `json:"on_hand"`
	Held      int64     `json:"held"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c Counter) Available() int64 { return c.OnHand - c.Held }

type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "held"
	ReservationCommitted ReservationStatus = "committed"
	ReservationReleased  ReservationStatus = "released"
	ReservationExpired   ReservationStatus = "expired"
)

type Reservation struct {
	Token     string            `json:"token"`
	Key       Key               `json:"key"`
	Qty       int64             `json:"qty"`
	Status    ReservationStatus `json:"status"`
	ExpiresAt time.Time         `json:"expires_at"`
	CreatedAt time.Time         `json:"created_at"`
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrOutOfStock          = errors.New("out of stock")
	ErrUnknownResource     = errors.New("unknown inventory resource")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrReservationExpired  = errors.New("reservation expired or released")
	ErrAlreadyCommitted    = errors.New("reservation already committed")
	ErrInvalidQuantity     = errors.New("quantity must be positive")
)

// OutOfStockError provides details about the shortage.
type OutOfStockError struct {
	Key       Key
	Requested int64
	Available int64
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("out of stock: %s requested %d, available %d", e.Key, e.Requested, e.Available)
}

func (e *OutOfStockError) Unwrap() error { return ErrOutOfStock }

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// Counter returns the counter for key. Returns ErrUnknownResource.
	Counter(ctx context.Context, key Key) (Counter, error)

	// EnsureCounter creates the counter with onHand units if it does not
	// exist yet. Existing counters are left untouched.
	EnsureCounter(ctx context.Context, key Key, onHand int64, at time.Time) error

	// Mutate writes next if the stored counter version equals
	// expectedVersion, and upserts res (if non-nil) in the same atomic unit.
	// A non-nil res is only written if its stored status is still from; an
	// empty from means res must not exist yet. Returns
	// retry.ErrVersionConflict when either check fails.
	Mutate(ctx context.Context, next Counter, expectedVersion int64, res *Reservation, from ReservationStatus) error

	// Reservation looks up a reservation by token. Returns ErrReservationNotFound.
	Reservation(ctx context.Context, token string) (Reservation, error)

	// Expired returns held reservations whose ExpiresAt is before now.
	Expired(ctx context.Context, now time.Time, limit int) ([]Reservation, error)
}

// =============================================================================
// GUARD
// =============================================================================

type Guard struct {
	Store    Store
	TTL      time.Duration
	Attempts int
	Now      func() time.Time
}

const DefaultTTL = 2 * time.Minute

func NewGuard(store Store, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{
		Store:    store,
		TTL:      ttl,
		Attempts: 5,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// Register makes a resource known to the guard with an initial quantity.
func (g *Guard) Register(ctx context.Context, key Key, onHand int64) error {
	if onHand < 0 {
		return ErrInvalidQuantity
	}
	return g.Store.EnsureCounter(ctx, key, onHand, g.Now())
}

func (g *Guard) Counter(ctx context.Context, key Key) (Counter, error) {
	return g.Store.Counter(ctx, key)
}

// Reserve holds qty units of key until Commit, Release or TTL expiry.
func (g *Guard) Reserve(ctx context.Context, key Key, qty int64) (Reservation, error) {
	if qty <= 0 {
		return Reservation{}, ErrInvalidQuantity
	}

	var res Reservation
	err := retry.Do(ctx, g.Attempts, func(ctx context.Context) error {
		c, err := g.Store.Counter(ctx, key)
		if err != nil {
			return err
		}
		if c.Available() < qty {
			return &OutOfStockError{Key: key, Requested: qty, Available: c.Available()}
		}

		now := g.Now()
		next := c
		next.Held += qty
		next.Version++
		next.UpdatedAt = now

		res = Reservation{
			Token:     uuid.NewString(),
			Key:       key,
			Qty:       qty,
			Status:    ReservationHeld,
			ExpiresAt: now.Add(g.TTL),
			CreatedAt: now,
		}
		return g.Store.Mutate(ctx, next, c.Version, &res, "")
	})
	if err != nil {
		return Reservation{}, err
	}
	return res, nil
}

// Commit turns a held reservation into a permanent decrement.
// Committing an already committed token is a no-op.
func (g *Guard) Commit(ctx context.Context, token string) error {
	return g.transition(ctx, token, func(res Reservation, c *Counter) (ReservationStatus, error) {
		switch res.Status {
		case ReservationCommitted:
			return "", nil
		case ReservationReleased, ReservationExpired:
			return "", ErrReservationExpired
		}
		c.OnHand -= res.Qty
		c.Held -= res.Qty
		return ReservationCommitted, nil
	})
}

// Release gives held units back. Releasing a released or expired token is a
// no-op; releasing a committed token is refused.
func (g *Guard) Release(ctx context.Context, token string) error {
	return g.releaseAs(ctx, token, ReservationReleased)
}

func (g *Guard) releaseAs(ctx context.Context, token string, status ReservationStatus) error {
	return g.transition(ctx, token, func(res Reservation, c *Counter) (ReservationStatus, error) {
		switch res.Status {
		case ReservationReleased, ReservationExpired:
			return "", nil
		case ReservationCommitted:
			return "", ErrAlreadyCommitted
		}
		c.Held -= res.Qty
		return status, nil
	})
}

// Return adds units back on hand, e.g. a seat freed by a cancelled booking.
func (g *Guard) Return(ctx context.Context, key Key, qty int64) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	return retry.Do(ctx, g.Attempts, func(ctx context.Context) error {
		c, err := g.Store.Counter(ctx, key)
		if err != nil {
			return err
		}
		next := c
		next.OnHand += qty
		next.Version++
		next.UpdatedAt = g.Now()
		return g.Store.Mutate(ctx, next, c.Version, nil, "")
	})
}

// Sweep expires held reservations past their TTL. Returns how many it freed.
func (g *Guard) Sweep(ctx context.Context) (int, error) {
	expired, err := g.Store.Expired(ctx, g.Now(), 500)
	if err != nil {
		return 0, err
	}
	freed := 0
	for _, res := range expired {
		if err := g.releaseAs(ctx, res.Token, ReservationExpired); err != nil {
			// Committed in the meantime; nothing to free.
			if errors.Is(err, ErrAlreadyCommitted) {
				continue
			}
			return freed, err
		}
		freed++
	}
	return freed, nil
}

// transition applies fn to a reservation and its counter atomically.
// fn returns the new status, or "" to leave everything untouched. The write
// is conditional on both the counter version and the reservation status that
// fn saw, so two transitions racing on one token cannot both apply.
func (g *Guard) transition(ctx context.Context, token string, fn func(Reservation, *Counter) (ReservationStatus, error)) error {
	return retry.Do(ctx, g.Attempts, func(ctx context.Context) error {
		res, err := g.Store.Reservation(ctx, token)
		if err != nil {
			return err
		}
		c, err := g.Store.Counter(ctx, res.Key)
		if err != nil {
			return err
		}
		// Re-read after the counter so res is at least as fresh as c.
		if res, err = g.Store.Reservation(ctx, token); err != nil {
			return err
		}

		next := c
		from := res.Status
		status, err := fn(res, &next)
		if err != nil || status == "" {
			return err
		}

		next.Version++
		next.UpdatedAt = g.Now()
		res.Status = status
		return g.Store.Mutate(ctx, next, c.Version, &res, from)
	})
}
