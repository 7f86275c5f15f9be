package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// =============================================================================
// REPOSITORY - Persistence for catalog and settlement rows
// =============================================================================

// Repository persists the non-ledger state a settlement reads and writes.
// Uniqueness rules that guard invariants (one active booking per member and
// class, one pending freeze per member) are enforced here atomically, so a
// race that slips past the coordinator's precondition check still loses.
type Repository interface {
	Member(ctx context.Context, id string) (Member, error)
	SaveMember(ctx context.Context, m Member) error
	Class(ctx context.Context, id string) (Class, error)
	SaveClass(ctx context.Context, c Class) error
	Product(ctx context.Context, id string) (Product, error)
	SaveProduct(ctx context.Context, p Product) error
	Reward(ctx context.Context, id string) (RewardItem, error)
	SaveReward(ctx context.Context, r RewardItem) error

	// CreateBooking returns ErrConflict if the member already holds an
	// active booking for the same class.
	CreateBooking(ctx context.Context, b Booking) error
	Booking(ctx context.Context, id string) (Booking, error)
	ActiveBooking(ctx context.Context, memberID, classID string) (Booking, bool, error)
	// TransitionBooking moves the booking from one status to another.
	// Returns ErrInvalidTransition if it is no longer in from.
	TransitionBooking(ctx context.Context, id string, from, to BookingStatus, at time.Time) (Booking, error)

	// CreateFreeze returns ErrConflict if the member has a pending freeze.
	CreateFreeze(ctx context.Context, f Freeze) error
	Freeze(ctx context.Context, id string) (Freeze, error)
	PendingFreeze(ctx context.Context, memberID string) (Freeze, bool, error)
	TransitionFreeze(ctx context.Context, id string, from, to FreezeStatus, at time.Time) (Freeze, error)

	SaveOrder(ctx context.Context, o Order) error
	Order(ctx context.Context, id string) (Order, error)
	SaveRedemption(ctx context.Context, r Redemption) error
}

func notFound(what, id string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, what, id)
}

// =============================================================================
// MEMORY REPOSITORY
// =============================================================================

// MemoryRepository is an in-memory Repository (for testing/dev).
type MemoryRepository struct {
	mu          sync.RWMutex
	members     map[string]Member
	classes     map[string]Class
	products    map[string]Product
	rewards     map[string]RewardItem
	bookings    map[string]Booking
	freezes     map[string]Freeze
	orders      map[string]Order
	redemptions map[string]Redemption
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		members:     make(map[string]Member),
		classes:     make(map[string]Class),
		products:    make(map[string]Product),
		rewards:     make(map[string]RewardItem),
		bookings:    make(map[string]Booking),
		freezes:     make(map[string]Freeze),
		orders:      make(map[string]Order),
		redemptions: make(map[string]Redemption),
	}
}

func lookup[T any](mu *sync.RWMutex, m map[string]T, what, id string) (T, error) {
	mu.RLock()
	defer mu.RUnlock()
	v, ok := m[id]
	if !ok {
		var zero T
		return zero, notFound(what, id)
	}
	return v, nil
}

func store[T any](mu *sync.RWMutex, m map[string]T, id string, v T) error {
	mu.Lock()
	defer mu.Unlock()
	m[id] = v
	return nil
}

func (r *MemoryRepository) Member(_ context.Context, id string) (Member, error) {
	return lookup(&r.mu, r.members, "member", id)
}

func (r *MemoryRepository) SaveMember(_ context.Context, m Member) error {
	return store(&r.mu, r.members, m.ID, m)
}

func (r *MemoryRepository) Class(_ context.Context, id string) (Class, error) {
	return lookup(&r.mu, r.classes, "class", id)
}

func (r *MemoryRepository) SaveClass(_ context.Context, c Class) error {
	return store(&r.mu, r.classes, c.ID, c)
}

func (r *MemoryRepository) Product(_ context.Context, id string) (Product, error) {
	return lookup(&r.mu, r.products, "product", id)
}

func (r *MemoryRepository) SaveProduct(_ context.Context, p Product) error {
	return store(&r.mu, r.products, p.ID, p)
}

func (r *MemoryRepository) Reward(_ context.Context, id string) (RewardItem, error) {
	return lookup(&r.mu, r.rewards, "reward", id)
}

func (r *MemoryRepository) SaveReward(_ context.Context, item RewardItem) error {
	return store(&r.mu, r.rewards, item.ID, item)
}

func (r *MemoryRepository) CreateBooking(_ context.Context, b Booking) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.bookings {
		if existing.MemberID == b.MemberID && existing.ClassID == b.ClassID && existing.Status.Active() {
			return fmt.Errorf("%w: member %s already booked class %s", ErrConflict, b.MemberID, b.ClassID)
		}
	}
	r.bookings[b.ID] = b
	return nil
}

func (r *MemoryRepository) Booking(_ context.Context, id string) (Booking, error) {
	return lookup(&r.mu, r.bookings, "booking", id)
}

func (r *MemoryRepository) ActiveBooking(_ context.Context, memberID, classID string) (Booking, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, b := range r.bookings {
		if b.MemberID == memberID && b.ClassID == classID && b.Status.Active() {
			return b, true, nil
		}
	}
	return Booking{}, false, nil
}

func (r *MemoryRepository) TransitionBooking(_ context.Context, id string, from, to BookingStatus, at time.Time) (Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bookings[id]
	if !ok {
		return Booking{}, notFound("booking", id)
	}
	if b.Status != from {
		return Booking{}, fmt.Errorf("%w: booking %s is %s", ErrInvalidTransition, id, b.Status)
	}
	b.Status = to
	b.UpdatedAt = at
	r.bookings[id] = b
	return b, nil
}

func (r *MemoryRepository) CreateFreeze(_ context.Context, f Freeze) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.freezes {
		if existing.MemberID == f.MemberID && existing.Status == FreezePendingApproval {
			return fmt.Errorf("%w: member %s already has a pending freeze %s", ErrConflict, f.MemberID, existing.ID)
		}
	}
	r.freezes[f.ID] = f
	return nil
}

func (r *MemoryRepository) Freeze(_ context.Context, id string) (Freeze, error) {
	return lookup(&r.mu, r.freezes, "freeze", id)
}

func (r *MemoryRepository) PendingFreeze(_ context.Context, memberID string) (Freeze, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, f := range r.freezes {
		if f.MemberID == memberID && f.Status == FreezePendingApproval {
			return f, true, nil
		}
	}
	return Freeze{}, false, nil
}

func (r *MemoryRepository) TransitionFreeze(_ context.Context, id string, from, to FreezeStatus, at time.Time) (Freeze, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.freezes[id]
	if !ok {
		return Freeze{}, notFound("freeze", id)
	}
	if f.Status != from {
		return Freeze{}, fmt.Errorf("%w: freeze %s is %s", ErrInvalidTransition, id, f.Status)
	}
	f.Status = to
	if to == FreezePendingApproval {
		f.DecidedAt = nil
	} else {
		f.DecidedAt = &at
	}
	r.freezes[id] = f
	return f, nil
}

func (r *MemoryRepository) SaveOrder(_ context.Context, o Order) error {
	return store(&r.mu, r.orders, o.ID, o)
}

func (r *MemoryRepository) Order(_ context.Context, id string) (Order, error) {
	return lookup(&r.mu, r.orders, "order", id)
}

func (r *MemoryRepository) SaveRedemption(_ context.Context, rd Redemption) error {
	return store(&r.mu, r.redemptions, rd.ID, rd)
}
