package heap

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/sel4go/rootspace/internal/kerr"
)

func TestAllocBumpThenRecycle(t *testing.T) {
	p1, err := Alloc(16)
	if err != nil {
		t.Fatalf("alloc: %s", err)
	}

	Free(p1, 16)

	p2, err := Alloc(16)
	if err != nil {
		t.Fatalf("alloc: %s", err)
	}

	if p2 != p1 {
		t.Errorf("want recycled block %p, got %p", p1, p2)
	}
}

func TestAllocRoundsUpToBucket(t *testing.T) {
	p1, err := Alloc(1)
	if err != nil {
		t.Fatalf("alloc: %s", err)
	}

	Free(p1, 1)

	// A one-byte request and an eight-byte request share bucket 0, so the freed one-byte block
	// must satisfy the eight-byte request.
	p2, err := Alloc(8)
	if err != nil {
		t.Fatalf("alloc: %s", err)
	}

	if p2 != p1 {
		t.Errorf("want bucket-recycled block %p, got %p", p1, p2)
	}
}

func TestAllocOversize(t *testing.T) {
	if _, err := Alloc(MaxAllocSize + 1); !errors.Is(err, ErrOversize) {
		t.Errorf("want ErrOversize, got %v", err)
	}
}

func TestAllocType(t *testing.T) {
	type record struct {
		a, b uint64
	}

	r, err := AllocType[record]()
	if err != nil {
		t.Fatalf("alloc: %s", err)
	}

	r.a, r.b = 1, 2

	FreeType(r)
}

// The remaining tests drain the bump arena and must run after every test above that depends on
// allocations succeeding.

func TestAllocExhaustedWithoutDynamicProvider(t *testing.T) {
	SetDynamicProvider(nil)

	const budget = EarlyHeapWords/MaxBuckets + 2

	for i := 0; i < budget; i++ {
		if _, err := Alloc(MaxAllocSize); err != nil {
			if !errors.Is(err, kerr.NotEnoughMemory) {
				t.Fatalf("want NotEnoughMemory, got %s", err)
			}

			return
		}
	}

	t.Fatalf("want bump arena to exhaust within %d allocations", budget)
}

type fakeDynamic struct {
	allocated []uintptr
}

func (f *fakeDynamic) Alloc(size uintptr) (unsafe.Pointer, error) {
	f.allocated = append(f.allocated, size)
	buf := make([]byte, size)

	return unsafe.Pointer(&buf[0]), nil
}

func (f *fakeDynamic) Free(unsafe.Pointer, uintptr) {}

func TestAllocFallsThroughToDynamicProvider(t *testing.T) {
	fake := &fakeDynamic{}
	SetDynamicProvider(fake)

	defer SetDynamicProvider(nil)

	for i := 0; i < EarlyHeapWords/MaxBuckets+2; i++ {
		if _, err := Alloc(MaxAllocSize); err != nil {
			t.Fatalf("alloc %d: %s", i, err)
		}
	}

	if len(fake.allocated) == 0 {
		t.Errorf("want at least one allocation to fall through to the dynamic provider")
	}
}
