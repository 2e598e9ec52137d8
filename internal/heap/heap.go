// Package heap is the root task's own allocator. There is no runtime malloc underneath this
// process -- everything the capability and memory subsystems need (list nodes, untyped
// descriptors, VRegion records) comes from here. Three providers are tried in order: a recycled
// block of the right size, a slice cut fresh from a small bump arena, and -- once those two are
// exhausted -- a dynamically-mapped region wired in during bring-up. Freed blocks always return to
// the recycle tier regardless of which provider produced them; an address is just an address once
// it's been handed back.
package heap

import (
	"sync"
	"unsafe"

	"github.com/sel4go/rootspace/internal/kerr"
)

const (
	// BucketGranularity is the unit every allocation is rounded up to, matching the word size the
	// free-list's embedded next-pointer needs.
	BucketGranularity = 8

	// MaxBuckets bounds how many 8-byte blocks a single allocation can span. 255*8 == 2040 bytes;
	// anything larger must go through a dedicated allocator (page frames, untyped memory), not
	// this one.
	MaxBuckets = 255

	// MaxAllocSize is the largest request this package accepts.
	MaxAllocSize = MaxBuckets * BucketGranularity

	// EarlyHeapWords sizes the bump arena: 64KB, split into 8-byte words.
	EarlyHeapWords = (64 * 1024) / 8
)

// ErrOversize is returned when a request exceeds MaxAllocSize. It is never retried against the
// dynamic tier -- that tier exists to extend the bucket allocator's capacity, not its granularity.
var ErrOversize = sizeError{}

type sizeError struct{}

func (sizeError) Error() string { return "heap: allocation exceeds maximum bucket size" }

// DynamicProvider is the tier-3 fallback, wired in during bring-up once page mapping is available.
// Before that call this package only ever serves out of the bump arena and the recycle buckets.
type DynamicProvider interface {
	Alloc(size uintptr) (unsafe.Pointer, error)
	Free(ptr unsafe.Pointer, size uintptr)
}

var (
	mu      sync.Mutex
	early   [EarlyHeapWords]uint64
	bump    uintptr
	buckets [MaxBuckets]unsafe.Pointer
	dynamic DynamicProvider
)

// SetDynamicProvider wires in the tier-3 allocator. Called once, during bring-up, by whatever
// package maps the dynamic heap region; nil until then.
func SetDynamicProvider(p DynamicProvider) {
	mu.Lock()
	defer mu.Unlock()

	dynamic = p
}

func blocksFor(size uintptr) uintptr {
	return (size + BucketGranularity - 1) / BucketGranularity
}

// Alloc returns size bytes of storage, rounded up to BucketGranularity. Oversize requests fail
// immediately with ErrOversize; everything else is satisfied from recycled blocks, the bump arena,
// or the dynamic provider, in that order.
func Alloc(size uintptr) (unsafe.Pointer, error) {
	if size == 0 {
		size = 1
	}
	if size > MaxAllocSize {
		return nil, ErrOversize
	}
	blocks := blocksFor(size)
	idx := blocks - 1

	mu.Lock()
	if p := buckets[idx]; p != nil {
		buckets[idx] = *(*unsafe.Pointer)(p)
		mu.Unlock()
		return p, nil
	}
	if bump+blocks <= EarlyHeapWords {
		p := unsafe.Pointer(&early[bump])
		bump += blocks
		mu.Unlock()
		return p, nil
	}
	provider := dynamic
	mu.Unlock()

	if provider == nil {
		return nil, kerr.AsError(kerr.NotEnoughMemory)
	}

	return provider.Alloc(blocks * BucketGranularity)
}

// Free returns a block previously obtained from Alloc with the same size. It always goes back to
// the recycle bucket for that size, regardless of whether it originally came from the bump arena
// or the dynamic provider -- the bucket allocator doesn't track provenance, only size class.
func Free(ptr unsafe.Pointer, size uintptr) {
	if ptr == nil {
		panic("heap: free of nil pointer")
	}
	if size == 0 {
		size = 1
	}
	if size > MaxAllocSize {
		panic("heap: free of size larger than anything this package ever allocates")
	}
	blocks := blocksFor(size)
	idx := blocks - 1

	mu.Lock()
	*(*unsafe.Pointer)(ptr) = buckets[idx]
	buckets[idx] = ptr
	mu.Unlock()
}

// AllocType allocates room for one T and returns it set to T's zero value, overwriting whatever a
// recycled block's last occupant left behind.
func AllocType[T any]() (*T, error) {
	var zero T
	p, err := Alloc(unsafe.Sizeof(zero))
	if err != nil {
		return nil, err
	}
	t := (*T)(p)
	*t = zero

	return t, nil
}

// FreeType releases a value obtained from AllocType.
func FreeType[T any](p *T) {
	Free(unsafe.Pointer(p), unsafe.Sizeof(*p))
}
