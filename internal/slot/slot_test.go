package slot

import (
	"errors"
	"testing"

	"github.com/sel4go/rootspace/internal/cap"
	"github.com/sel4go/rootspace/internal/kerr"
)

func reset() {
	ResetForTesting()
}

func TestAllocateAndFree(t *testing.T) {
	reset()
	Init(cap.Range(10, 20))

	s, err := Allocate()
	if err != nil {
		t.Fatalf("allocate: %s", err)
	}

	if s.Index() != 10 {
		t.Errorf("want first slot allocated to be 10, got %d", s.Index())
	}

	Free(s)

	s2, err := Allocate()
	if err != nil {
		t.Fatalf("allocate after free: %s", err)
	}

	if s2.Index() != 10 {
		t.Errorf("want freed slot 10 reused, got %d", s2.Index())
	}

	Free(s2)
}

func TestAllocateNContiguous(t *testing.T) {
	reset()
	Init(cap.Range(0, 8))

	set, err := AllocateN(4)
	if err != nil {
		t.Fatalf("allocaten: %s", err)
	}

	if set.Start() != 0 || set.Capacity() != 4 {
		t.Errorf("want [0,4), got start=%d capacity=%d", set.Start(), set.Capacity())
	}

	FreeSet(set)

	set2, err := AllocateN(8)
	if err != nil {
		t.Fatalf("allocaten after free: %s", err)
	}

	if set2.Capacity() != 8 {
		t.Errorf("want merged range of capacity 8, got %d", set2.Capacity())
	}

	FreeSet(set2)
}

func TestAllocateExhausted(t *testing.T) {
	reset()
	Init(cap.Range(0, 1))

	s, err := Allocate()
	if err != nil {
		t.Fatalf("allocate: %s", err)
	}

	if _, err := Allocate(); !errors.Is(err, kerr.NotEnoughMemory) {
		t.Errorf("want NotEnoughMemory, got %v", err)
	}

	Free(s)
}
