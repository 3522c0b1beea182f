package session

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Budget bounds the number of deliveries a channel may hold unacknowledged.
//
// A slot is either reserved or held. Reserve takes a slot before a delivery
// is pulled; Hold turns the reservation into a held delivery once one
// arrives, and Unreserve hands it back if none does. Only held slots count
// towards InFlight, Peak and Saturated. Acquire reserves and holds in one
// step. Every held slot must be returned with exactly one Release.
type Budget struct {
	limit    int64
	sem      *semaphore.Weighted
	inFlight atomic.Int64
	peak     atomic.Int64
}

// NewBudget creates a Budget admitting limit concurrent holders. A limit
// below one is raised to one.
func NewBudget(limit int) *Budget {
	if limit < 1 {
		limit = 1
	}
	return &Budget{
		limit: int64(limit),
		sem:   semaphore.NewWeighted(int64(limit)),
	}
}

// Reserve takes one slot without counting it as held, blocking until one is
// free or ctx is done.
func (b *Budget) Reserve(ctx context.Context) error {
	return b.sem.Acquire(ctx, 1)
}

// Hold marks a reserved slot as holding a delivery.
func (b *Budget) Hold() {
	b.record()
}

// Unreserve returns a reserved slot that never held a delivery.
func (b *Budget) Unreserve() {
	b.sem.Release(1)
}

// Acquire reserves and holds one slot, blocking until one is free or ctx is
// done.
func (b *Budget) Acquire(ctx context.Context) error {
	if err := b.Reserve(ctx); err != nil {
		return err
	}
	b.Hold()
	return nil
}

// TryAcquire reserves and holds one slot if one is free without blocking.
func (b *Budget) TryAcquire() bool {
	if !b.sem.TryAcquire(1) {
		return false
	}
	b.Hold()
	return true
}

func (b *Budget) record() {
	n := b.inFlight.Add(1)
	for {
		p := b.peak.Load()
		if n <= p || b.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

// Release returns one held slot. It panics if called more often than Hold.
func (b *Budget) Release() {
	if b.inFlight.Add(-1) < 0 {
		panic("session: budget released more times than acquired")
	}
	b.sem.Release(1)
}

// Limit returns the budget ceiling.
func (b *Budget) Limit() int { return int(b.limit) }

// InFlight returns the number of slots currently holding a delivery.
func (b *Budget) InFlight() int { return int(b.inFlight.Load()) }

// Peak returns the highest number of slots ever held at once.
func (b *Budget) Peak() int { return int(b.peak.Load()) }

// Saturated reports whether every slot holds a delivery. Reserved slots
// waiting for a delivery do not count.
func (b *Budget) Saturated() bool { return b.inFlight.Load() >= b.limit }
