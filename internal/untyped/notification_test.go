package untyped

import (
	"testing"

	"github.com/sel4go/rootspace/internal/abi"
	"github.com/sel4go/rootspace/internal/cap"
	"github.com/sel4go/rootspace/internal/slot"
)

func resetFragments() {
	ResetFragmentForTesting()
	reset()
	slot.Init(cap.Range(0, 300))
}

func TestAllocate16RefillsAndReuses(t *testing.T) {
	resetFragments()

	descs := []abi.UntypedDesc{{SizeBits: abi.Page4KBits}}
	a := &Allocator{}
	a.Init(cap.Range(300, 301), descs)
	SetFragmentSource(a)

	inv := &fakeInvoker{}

	u1, err := Allocate16(inv)
	if err != nil {
		t.Fatalf("allocate16: %s", err)
	}

	if u1.SizeBits() != FragmentSizeBits {
		t.Errorf("want %d-bit fragment, got %d", FragmentSizeBits, u1.SizeBits())
	}

	if fragments.Len() != 255 {
		t.Errorf("want 255 fragments left after the first allocation, got %d", fragments.Len())
	}

	Free16(u1)

	if fragments.Len() != 256 {
		t.Errorf("want the fragment back in the pool, got %d", fragments.Len())
	}
}

func TestAllocate16PropagatesRefillFailure(t *testing.T) {
	resetFragments()

	a := &Allocator{}
	a.Init(cap.Range(300, 300), nil)
	SetFragmentSource(a)

	if _, err := Allocate16(&fakeInvoker{}); err == nil {
		t.Errorf("want an error when the fragment source has nothing to split")
	}
}
