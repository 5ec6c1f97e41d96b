package optimization

import (
	"math"
	"sync"
)

// Budget tracks objective evaluations shared across workers. Evaluations
// are reserved before a run is dispatched and settled with the real count
// once it finishes, so Consumed never exceeds Total.
type Budget struct {
	mu       sync.Mutex
	total    uint64
	consumed uint64
	reserved uint64
}

// NewBudget creates a budget of total evaluations. Zero means unbounded.
func NewBudget(total uint64) *Budget {
	return &Budget{total: total}
}

// Unbounded reports whether the budget has no limit.
func (b *Budget) Unbounded() bool {
	return b.total == 0
}

// Total returns the configured limit, zero when unbounded.
func (b *Budget) Total() uint64 {
	return b.total
}

// Consumed returns the evaluations settled so far.
func (b *Budget) Consumed() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consumed
}

// Remaining returns the evaluations neither consumed nor reserved.
func (b *Budget) Remaining() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remainingLocked()
}

func (b *Budget) remainingLocked() uint64 {
	if b.total == 0 {
		return math.MaxUint64
	}
	used := b.consumed + b.reserved
	if used >= b.total {
		return 0
	}
	return b.total - used
}

// Exhausted reports whether nothing is left to reserve.
func (b *Budget) Exhausted() bool {
	return b.Remaining() == 0
}

// Reserve claims up to n evaluations and returns how many were granted.
// A zero grant means the budget is exhausted.
func (b *Budget) Reserve(n uint64) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	granted := min(n, b.remainingLocked())
	b.reserved += granted
	return granted
}

// Settle releases a reservation and records the evaluations actually used.
// used is capped at reserved.
func (b *Budget) Settle(reserved, used uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	used = min(used, reserved)
	if reserved > b.reserved {
		reserved = b.reserved
	}
	b.reserved -= reserved
	b.consumed += used
}
