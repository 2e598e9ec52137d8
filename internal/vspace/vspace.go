// Package vspace manages the root task's own virtual-address space: a free-list allocator of
// page-aligned VRegions, structurally identical to the slot allocator's coalescing CapRange list,
// plus the page and page-table wrappers that actually map memory into those regions.
package vspace

import (
	"fmt"
	"sync"

	"github.com/sel4go/rootspace/internal/abi"
	"github.com/sel4go/rootspace/internal/kerr"
	"github.com/sel4go/rootspace/internal/list"
	"github.com/sel4go/rootspace/internal/log"
)

// KernelBaseVAddr is the lowest address the kernel's own image occupies on x86-64; nothing at or
// above it is ever handed out by Allocate.
const KernelBaseVAddr uintptr = 0xffffffff80000000

// VRegion is a page-aligned, half-open virtual-address span [Start, End). Like cap.CapRange it
// carries no affine guard -- letting one fall out of scope without calling Free leaks address
// space quietly rather than panicking, matching vspace.rs's VRegion, which never implements Drop.
type VRegion struct {
	start, end uintptr
}

func newVRegion(start, end uintptr) VRegion {
	if start&(abi.Page4KSize-1) != 0 || end&(abi.Page4KSize-1) != 0 {
		panic("vspace: VRegion not page-aligned")
	}
	if end <= start {
		panic("vspace: VRegion end must be after start")
	}

	return VRegion{start: start, end: end}
}

func (r VRegion) Start() uintptr { return r.start }
func (r VRegion) Len() uintptr   { return r.end - r.start }
func (r VRegion) IsEmpty() bool  { return r.Len() == 0 }

func (r VRegion) String() string {
	return fmt.Sprintf("%#x-%#x", r.start, r.end)
}

// To4KAddress returns the region's start, asserting it covers exactly one 4K page -- the shape
// every mapped Page4K's backing region must have.
func (r VRegion) To4KAddress() uintptr {
	if r.Len() != abi.Page4KSize {
		panic("vspace: To4KAddress of a region that is not exactly one page")
	}

	return r.start
}

// chopLen removes and returns the first length bytes of r, shrinking the receiver.
func (r *VRegion) chopLen(length uintptr) VRegion {
	if length&(abi.Page4KSize-1) != 0 || length == 0 {
		panic("vspace: chopLen of non-page-sized length")
	}
	if r.Len() < length {
		panic("vspace: chopLen larger than region")
	}

	out := newVRegion(r.start, r.start+length)
	r.start += length

	return out
}

// Intersection returns the overlap between r and other, if any.
func (r VRegion) Intersection(other VRegion) (VRegion, bool) {
	lower, higher := r, other
	if other.start < r.start {
		lower, higher = other, r
	}

	if lower.end > higher.start {
		return VRegion{start: higher.start, end: lower.end}, true
	}

	return VRegion{}, false
}

// Join merges r and other into one region if they're adjacent. It panics if they overlap --
// overlapping regions mean a bookkeeping bug upstream, not a recoverable condition.
func (r VRegion) Join(other VRegion) (VRegion, bool) {
	if _, overlap := r.Intersection(other); overlap {
		panic("vspace: Join of overlapping regions")
	}

	switch {
	case r.end == other.start:
		return VRegion{start: r.start, end: other.end}, true
	case r.start == other.end:
		return VRegion{start: other.start, end: r.end}, true
	default:
		return VRegion{}, false
	}
}

// JoinMut absorbs other into the receiver if adjacent, reporting whether it merged. When it
// didn't, other is returned unchanged so the caller can try the next candidate.
func (r *VRegion) JoinMut(other VRegion) (VRegion, bool) {
	merged, ok := r.Join(other)
	if !ok {
		return other, false
	}

	*r = merged

	return VRegion{}, true
}

// CouldJoin reports whether r and other are adjacent, without merging.
func (r VRegion) CouldJoin(other VRegion) bool {
	if _, overlap := r.Intersection(other); overlap {
		panic("vspace: CouldJoin of overlapping regions")
	}

	return r.end == other.start || r.start == other.end
}

var (
	mu        sync.Mutex
	available list.List[VRegion]
)

// ResetForTesting discards all allocator state, for tests only.
func ResetForTesting() {
	mu.Lock()
	defer mu.Unlock()

	available = list.List[VRegion]{}
}

// Init seeds the allocator with everything above the root task's own loaded image (plus a few
// guard pages) and below the kernel's own mapping, the way init_vspace does at bring-up.
func Init(executableStart, imageLen uintptr) {
	low := executableStart + imageLen + abi.Page4KSize*8

	mu.Lock()
	defer mu.Unlock()

	mergeRegionLocked(newVRegion(low, KernelBaseVAddr))

	log.DefaultLogger().Info("vspace allocator initialized", "start", low, "end", KernelBaseVAddr)
}

// Allocate hands out a page-aligned region of at least length bytes, taken from the front of the
// first region large enough to hold it.
func Allocate(length uintptr) (VRegion, error) {
	if length == 0 || length&(abi.Page4KSize-1) != 0 {
		panic("vspace: Allocate of non-page-sized length")
	}

	mu.Lock()
	defer mu.Unlock()

	head, ok := available.Find(func(r *VRegion) bool { return r.Len() >= length })
	if !ok {
		return VRegion{}, kerr.NotEnoughMemory
	}

	out := head.chopLen(length)

	if head.IsEmpty() {
		if _, removed := available.Remove(func(r *VRegion) bool { return r.IsEmpty() }); !removed {
			panic("vspace: lost the region we just read")
		}
	}

	return out, nil
}

// mergeRegionLocked inserts r into the free list, coalescing with neighbors on either side. mu
// must be held.
func mergeRegionLocked(r VRegion) {
	if r.IsEmpty() {
		panic("vspace: merge of empty region")
	}

	i := 0

	for {
		cur, ok := available.Get(i)
		if !ok {
			if err := available.Push(r); err != nil {
				panic("vspace: could not free region, out of bookkeeping memory")
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
					panic("vspace: CouldJoin promised a merge that JoinMut refused")
				}

				available.Remove(func(r *VRegion) bool { return *r == nextVal })
			}
		}

		return
	}
}

// Free returns a region to the allocator.
func Free(r VRegion) {
	if r.IsEmpty() {
		panic("vspace: Free of empty region")
	}

	mu.Lock()
	defer mu.Unlock()

	mergeRegionLocked(r)
}
