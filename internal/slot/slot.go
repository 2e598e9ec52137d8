// Package slot is the root CNode's free-slot allocator: a coalescing free list of CapRanges,
// handed out as CapSlots and CapSlotSets and merged back together on free. The VRegion allocator
// in internal/vspace follows the same chop-on-allocate, merge-on-free shape; the untyped and
// device allocators do not merge on free.
package slot

import (
	"sync"

	"github.com/sel4go/rootspace/internal/cap"
	"github.com/sel4go/rootspace/internal/kerr"
	"github.com/sel4go/rootspace/internal/list"
)

var (
	mu        sync.Mutex
	available list.List[cap.CapRange]
)

// ResetForTesting discards all allocator state. Production code never calls this -- Init runs
// exactly once at bring-up -- but package tests, and tests of packages built on this allocator,
// need a clean slate between cases since the free list is package-level state.
func ResetForTesting() {
	mu.Lock()
	defer mu.Unlock()

	available = list.List[cap.CapRange]{}
}

// Init seeds the allocator with the root task's initial free-slot range, read out of BootInfo.
// Must be called exactly once before any Allocate call.
func Init(free cap.CapRange) {
	mu.Lock()
	defer mu.Unlock()

	mergeRangeLocked(free)
}

// Allocate hands out a single empty slot.
func Allocate() (cap.CapSlot, error) {
	mu.Lock()
	defer mu.Unlock()

	head, ok := available.Head()
	if !ok {
		return cap.CapSlot{}, kerr.NotEnoughMemory
	}

	index, ok := head.Chop1()
	if !ok {
		panic("slot: free list held an empty range")
	}

	if head.IsEmpty() {
		if _, popped := available.Pop(); !popped {
			panic("slot: lost the range we just read")
		}
	}

	return cap.SingleRange(index).Nth(0), nil
}

// AllocateN hands out a contiguous run of n empty slots. The kernel's retype-into-a-range calls
// need contiguity; a caller wanting n independent slots that need not be adjacent should call
// Allocate n times instead.
func AllocateN(n uint64) (cap.CapSlotSet, error) {
	if n == 0 {
		panic("slot: AllocateN of zero slots")
	}

	mu.Lock()
	defer mu.Unlock()

	head, ok := available.Find(func(r *cap.CapRange) bool { return r.Len() >= n })
	if !ok {
		return cap.CapSlotSet{}, kerr.NotEnoughMemory
	}

	taken, ok := head.ChopN(n)
	if !ok {
		panic("slot: range no longer large enough after Find")
	}

	if head.IsEmpty() {
		if _, removed := available.Remove(func(r *cap.CapRange) bool { return r.IsEmpty() }); !removed {
			panic("slot: lost the range we just read")
		}
	}

	return taken.ToSetAssertedFull(), nil
}

// mergeRangeLocked inserts r into the free list, coalescing with neighbors on either side. mu
// must be held.
func mergeRangeLocked(r cap.CapRange) {
	if r.IsEmpty() {
		panic("slot: merge of empty range")
	}

	i := 0

	for {
		cur, ok := available.Get(i)
		if !ok {
			if err := available.Push(r); err != nil {
				panic("slot: could not free slot range, out of bookkeeping memory")
			}

			return
		}

		remainder, merged := cur.JoinMut(r)
		if !merged {
			r = remainder
			i++

			continue
		}

		if next, ok := available.Get(i + 1); ok {
			nextVal := *next
			if cur.CouldJoin(nextVal) {
				if _, merged := cur.JoinMut(nextVal); !merged {
					panic("slot: CouldJoin promised a merge that JoinMut refused")
				}

				available.Remove(func(r *cap.CapRange) bool { return *r == nextVal })
			}
		}

		return
	}
}

// Free returns a single slot to the allocator.
func Free(s cap.CapSlot) {
	r := cap.SingleRange(s.Consume())

	mu.Lock()
	defer mu.Unlock()

	mergeRangeLocked(r)
}

// FreeSet returns every slot in a full set (none still taken out of it) to the allocator.
func FreeSet(s cap.CapSlotSet) {
	r := s.Deconstruct()

	mu.Lock()
	defer mu.Unlock()

	mergeRangeLocked(r)
}
