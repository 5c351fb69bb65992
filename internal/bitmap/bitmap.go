// Package bitmap provides ConcurrentBitMap, a lock-free aggregate of up to Capacity
// boolean contributions packed into a single 64-bit word.
package bitmap

import (
	"fmt"
	"math/bits"
	"sync/atomic"
)

// Capacity is the number of usable slots.
const Capacity = 63

// ConcurrentBitMap aggregates per-delegate booleans. Bit i is delegate i's contribution.
//
// Two update modes are supported:
//   - Cumulative: the bit is the delegate's own truth; the aggregate is "any bit set".
//   - Exclusive: setting bit i clears every other bit first, so at most one delegate
//     is authoritative at a time.
//
// The zero value is ready to use.
type ConcurrentBitMap struct {
	word atomic.Uint64
}

// Cumulative sets or clears slot index. changed is invoked with the new aggregate value
// when the aggregate flips between zero and non-zero; otherwise notChanged is invoked.
// Either callback may be nil.
func (b *ConcurrentBitMap) Cumulative(index int, value bool, changed func(aggregate bool), notChanged func()) {
	mask := slot(index)
	for {
		old := b.word.Load()
		next := old &^ mask
		if value {
			next = old | mask
		}
		if old == next {
			call(notChanged)
			return
		}
		if b.word.CompareAndSwap(old, next) {
			if (old == 0) != (next == 0) {
				if changed != nil {
					changed(next != 0)
				}
			} else {
				call(notChanged)
			}
			return
		}
	}
}

// Exclusive installs (value=true) or removes (value=false) slot index as the single owner.
// changed receives every observable transition. When ownership moves from another slot
// to index, changed(false) fires for the previous owner before changed(true), so two
// simultaneous owners are never observed. Removing a slot that is not the owner is a no-op.
func (b *ConcurrentBitMap) Exclusive(index int, value bool, changed func(aggregate bool), notChanged func()) {
	mask := slot(index)
	for {
		old := b.word.Load()
		next := old &^ mask
		if value {
			next = mask
		}
		if old == next {
			call(notChanged)
			return
		}
		if !b.word.CompareAndSwap(old, next) {
			continue
		}
		switch {
		case old == 0 || next == 0:
			if changed != nil {
				changed(next != 0)
			}
		case value:
			// ownership moved
			if changed != nil {
				changed(false)
				changed(true)
			}
		default:
			call(notChanged)
		}
		return
	}
}

// Get reports whether any slot is set.
func (b *ConcurrentBitMap) Get() bool {
	return b.word.Load() != 0
}

// IsSet reports whether slot index is set.
func (b *ConcurrentBitMap) IsSet(index int) bool {
	return b.word.Load()&slot(index) != 0
}

// UniqueIndex returns the single set slot, or -1 when none is set.
// It panics when more than one slot is set: exclusive maps never reach that state.
func (b *ConcurrentBitMap) UniqueIndex() int {
	word := b.word.Load()
	switch bits.OnesCount64(word) {
	case 0:
		return -1
	case 1:
		return bits.TrailingZeros64(word)
	default:
		panic(fmt.Sprintf("bitmap: more than one slot set: %#x", word))
	}
}

// Clear resets every slot. changed(false) fires if the aggregate was true.
func (b *ConcurrentBitMap) Clear(changed func(aggregate bool)) {
	if old := b.word.Swap(0); old != 0 && changed != nil {
		changed(false)
	}
}

func (b *ConcurrentBitMap) String() string {
	return fmt.Sprintf("%063b", b.word.Load())
}

func slot(index int) uint64 {
	if index < 0 || index >= Capacity {
		panic(fmt.Sprintf("bitmap: index %d out of range [0, %d)", index, Capacity))
	}
	return 1 << uint(index)
}

func call(fn func()) {
	if fn != nil {
		fn()
	}
}
