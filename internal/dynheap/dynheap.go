// Package dynheap is the heap allocator's tier-3 fallback: a 256 MB region of the root task's own
// address space, mapped one 4K frame at a time as the bucket and bump tiers above it run dry.
// Unlike every other package in this tree it is deliberately single-threaded with no mutex --
// mapping a fresh page itself needs a handful of small heap allocations (list nodes for the slot,
// untyped and vregion free lists), so a call here can reenter itself on the same goroutine before
// it returns. A mutex would deadlock on that; a reentrancy flag is what the design actually calls
// for.
package dynheap

import (
	"fmt"
	"unsafe"

	"github.com/sel4go/rootspace/internal/abi"
	"github.com/sel4go/rootspace/internal/heap"
	"github.com/sel4go/rootspace/internal/slot"
	"github.com/sel4go/rootspace/internal/sys"
	"github.com/sel4go/rootspace/internal/untyped"
	"github.com/sel4go/rootspace/internal/vspace"
)

const (
	// RegionSize is how much address space is reserved up front. Pages within it are mapped lazily;
	// reserving the whole span just fixes its base address for the process lifetime.
	RegionSize = 256 * 1024 * 1024

	// AllocationBufferPages is how far ahead of the high-water mark of handed-out bytes this
	// package keeps already-mapped. A request that would eat into this slack triggers mapping more
	// pages before being served; the slack itself exists so that *that* mapping step -- which needs
	// its own small heap allocations for bookkeeping -- can reenter this package and be served
	// without mapping anything further.
	AllocationBufferPages = 8
)

type state struct {
	inv         sys.Invoker
	untypedSrc  *untyped.Allocator
	region      vspace.VRegion
	nextUnalloc uintptr // bytes mapped so far, from region.Start()
	nextAvail   uintptr // bytes handed out so far
	recursing   bool
}

var st *state

// ResetForTesting discards all dynamic-heap state and frees its reserved region, for tests only.
func ResetForTesting() {
	if st != nil && !st.region.IsEmpty() {
		vspace.Free(st.region)
	}

	st = nil
}

// Init reserves the dynamic region and wires this package in as the heap package's tier-3
// provider. Must run after the vregion and untyped allocators are live, and before anything can
// exhaust the bump arena -- global init order step 4 of 5.
func Init(inv sys.Invoker, untypedSrc *untyped.Allocator) error {
	if st != nil {
		panic("dynheap: already initialized")
	}

	region, err := vspace.Allocate(RegionSize)
	if err != nil {
		return err
	}

	st = &state{inv: inv, untypedSrc: untypedSrc, region: region}
	heap.SetDynamicProvider(provider{})

	return nil
}

// provider satisfies heap.DynamicProvider by delegating to this package's package-level state.
type provider struct{}

func (provider) Alloc(size uintptr) (unsafe.Pointer, error) {
	return alloc(size)
}

// Free is never called: heap.Free always returns a block to its recycle bucket regardless of
// which tier produced it, so the dynamic provider's own Free side never runs. It's implemented
// for interface completeness, not because any call path reaches it.
func (provider) Free(ptr unsafe.Pointer, size uintptr) {
}

func slack() uintptr {
	return st.nextUnalloc - st.nextAvail
}

// alloc serves size bytes from the mapped slack, mapping more pages first if needed. A reentrant
// call (one made while an outer alloc call is still mapping pages) is served directly from
// whatever slack already exists, and panics if that isn't enough -- mapping further from inside an
// already-in-progress map would recurse without bound.
func alloc(size uintptr) (unsafe.Pointer, error) {
	if st == nil {
		panic("dynheap: alloc before Init")
	}

	if st.recursing {
		if slack() < size {
			panic("dynheap: reentrant allocation exceeded the mapped slack")
		}

		return serve(size), nil
	}

	st.recursing = true
	defer func() { st.recursing = false }()

	needed := size + AllocationBufferPages*abi.Page4KSize

	for slack() < needed {
		if err := mapOnePage(); err != nil {
			return nil, err
		}
	}

	return serve(size), nil
}

func serve(size uintptr) unsafe.Pointer {
	p := unsafe.Pointer(st.region.Start() + st.nextAvail)
	st.nextAvail += size

	return p
}

// mapOnePage retypes one 4K untyped and maps it at the next unmapped address in the region,
// advancing nextUnalloc. Every step unwinds on failure the way vspace.ensurePageTable does.
func mapOnePage() error {
	ut, err := st.untypedSrc.Allocate4K(st.inv)
	if err != nil {
		return err
	}

	cslot, err := slot.Allocate()
	if err != nil {
		st.untypedSrc.Free4K(ut)
		return err
	}

	c, failedSlot, err := ut.RetypeOne(st.inv, abi.ObjectPage4K, abi.Page4KBits, cslot)
	if err != nil {
		st.untypedSrc.Free4K(ut)
		slot.Free(failedSlot)

		return err
	}

	page := vspace.NewPage4K(c, ut)
	addr := st.region.Start() + st.nextUnalloc

	_, failedPage, err := page.MapIntoAddr(st.inv, addr, true)
	if err != nil {
		freedUt, freedSlot, ferr := failedPage.Free(st.inv)
		if ferr != nil {
			panic(fmt.Sprintf("dynheap: could not unwind a failed page map: %s", ferr))
		}

		st.untypedSrc.Free4K(freedUt)
		slot.Free(freedSlot)

		return err
	}

	st.nextUnalloc += abi.Page4KSize

	return nil
}
