// Package quota provides a byte budget shared by the calls of a channel.
// Reservations are advisory accounting, not hard allocation. A reservation
// that would exceed the budget is denied so the caller can shed load instead
// of growing without bound.
package quota

import (
	"sync/atomic"

	"github.com/gostdlib/base/values/sizes"
)

// DefaultBudget is the byte budget used when a channel does not configure one.
const DefaultBudget = int64(16 * sizes.MiB)

// Allocator tracks byte reservations against a fixed budget.
type Allocator struct {
	budget   int64
	reserved atomic.Int64
	denied   atomic.Uint64
}

// New creates an Allocator with the given budget in bytes. A budget <= 0
// uses DefaultBudget.
func New(budget int64) *Allocator {
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &Allocator{budget: budget}
}

// Reserve attempts to reserve n bytes. Returns false if the reservation
// would exceed the budget. A non-positive n reserves nothing and succeeds.
func (a *Allocator) Reserve(n int64) bool {
	if n <= 0 {
		return true
	}
	for {
		cur := a.reserved.Load()
		if cur+n > a.budget {
			a.denied.Add(1)
			return false
		}
		if a.reserved.CompareAndSwap(cur, cur+n) {
			return true
		}
	}
}

// Release returns n bytes to the budget. Releasing more than is reserved
// clamps at zero.
func (a *Allocator) Release(n int64) {
	if n <= 0 {
		return
	}
	for {
		cur := a.reserved.Load()
		next := cur - n
		if next < 0 {
			next = 0
		}
		if a.reserved.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Reserved returns the number of bytes currently reserved.
func (a *Allocator) Reserved() int64 {
	return a.reserved.Load()
}

// Budget returns the total byte budget.
func (a *Allocator) Budget() int64 {
	return a.budget
}

// Denied returns the number of reservations that have been denied.
func (a *Allocator) Denied() uint64 {
	return a.denied.Load()
}
