// Package untyped wraps untyped-memory capabilities and the bucketed allocator that hands them
// out. Every kernel object this root task creates -- TCBs, endpoints, page tables, frames -- comes
// from retyping a piece of untyped memory; this package is where that memory is classified by
// size and where retyping happens.
package untyped

import (
	"fmt"

	"github.com/sel4go/rootspace/internal/abi"
	"github.com/sel4go/rootspace/internal/cap"
	"github.com/sel4go/rootspace/internal/kerr"
	"github.com/sel4go/rootspace/internal/list"
	"github.com/sel4go/rootspace/internal/log"
	"github.com/sel4go/rootspace/internal/slot"
	"github.com/sel4go/rootspace/internal/sys"
)

// Untyped is ownership of one untyped-memory capability of a known size.
type Untyped struct {
	c        cap.Cap
	sizeBits uint8
}

// FromCap wraps an already-populated untyped capability of the given size. Used only at bring-up,
// when BootInfo's untyped descriptors are turned into the initial bucket allocator.
func FromCap(c cap.Cap, sizeBits uint8) Untyped {
	return Untyped{c: c, sizeBits: sizeBits}
}

func (u Untyped) SizeBits() uint8    { return u.sizeBits }
func (u Untyped) SizeBytes() uint64  { return 1 << u.sizeBits }
func (u Untyped) PeekIndex() uint64  { return u.c.PeekIndex() }

func (u Untyped) String() string {
	return fmt.Sprintf("untyped %d-bit in %s", u.sizeBits, u.c)
}

// retypeMessage packs an UntypedRetype invocation. The kernel's real ABI also wants a destination
// CNode and node depth; this root task only ever retypes into its own root CNode at depth
// abi.MaxCapBits, so those two are implicit rather than carried on the wire. destStart and count
// both fit comfortably under 32 bits for any allocation this root task makes, so they share the
// fourth message register instead of spilling into the IPC buffer.
func retypeMessage(srcIndex uint64, objType abi.ObjectType, sizeBits uint8, destStart, count uint64) [sys.NumMR]uintptr {
	var mr [sys.NumMR]uintptr
	mr[0] = uintptr(srcIndex)
	mr[1] = uintptr(objType)
	mr[2] = uintptr(sizeBits)
	mr[3] = uintptr(destStart) | uintptr(count)<<32

	return mr
}

// retypeRaw retypes self into count objects of objType/sizeBits, landing them in slots. slots
// must be full and must cover exactly count contiguous slots.
func (u Untyped) retypeRaw(inv sys.Invoker, objType abi.ObjectType, sizeBits uint8, slots cap.CapSlotSet) (cap.CapSet, cap.CapSlotSet, error) {
	if slots.Capacity() == 0 {
		panic("untyped: retype into zero-capacity slot set")
	}
	if !slots.Full() {
		panic("untyped: retype into partially-consumed slot set")
	}

	mr := retypeMessage(u.PeekIndex(), objType, sizeBits, slots.Start(), slots.Count())

	code, _ := sys.Call(inv, abi.CapInitCNode, abi.TagUntypedRetype, mr)
	if !code.Ok() {
		return cap.CapSet{}, slots, code
	}

	return slots.AssertDeriveCapSet(), cap.CapSlotSet{}, nil
}

func (u Untyped) retypeOne(inv sys.Invoker, objType abi.ObjectType, sizeBits uint8, dest cap.CapSlot) (cap.Cap, cap.CapSlot, error) {
	set := dest.BecomeSet()

	capset, slotset, err := u.retypeRaw(inv, objType, sizeBits, set)
	if err != nil {
		s, ok := slotset.TakeFront()
		if !ok {
			panic("untyped: retype failure returned an empty slot set")
		}

		return cap.Cap{}, s, err
	}

	c, ok := capset.TakeFront()
	if !ok {
		panic("untyped: retype success returned an empty cap set")
	}

	return c, cap.CapSlot{}, nil
}

// Split retypes self into 2^splitBits smaller Untypeds, each self.SizeBits()-splitBits wide.
func (u Untyped) Split(inv sys.Invoker, splitBits uint8, slots cap.CapSlotSet) (UntypedSet, cap.CapSlotSet, error) {
	if slots.Capacity() != (uint64(1) << splitBits) {
		panic("untyped: split slot count does not match 2^splitBits")
	}

	finalBits := u.sizeBits - splitBits
	if finalBits < 4 {
		panic("untyped: split would produce untyped smaller than 16 bytes")
	}

	capset, leftover, err := u.retypeRaw(inv, abi.ObjectUntyped, finalBits, slots)
	if err != nil {
		return UntypedSet{}, leftover, err
	}

	return UntypedSet{capset: capset, sizeBits: finalBits, parent: u}, cap.CapSlotSet{}, nil
}

// SplitAlloc allocates the slots a Split needs from the slot allocator itself, freeing them again
// if the retype fails.
func (u Untyped) SplitAlloc(inv sys.Invoker, splitBits uint8) (UntypedSet, error) {
	slots, err := slot.AllocateN(uint64(1) << splitBits)
	if err != nil {
		return UntypedSet{}, err
	}

	set, leftover, err := u.Split(inv, splitBits, slots)
	if err != nil {
		slot.FreeSet(leftover)
		return UntypedSet{}, err
	}

	return set, nil
}

// RetypeOne retypes self in place into a single object of objType/sizeBits, landing it in slot.
// On failure slot is handed back unpopulated.
func (u Untyped) RetypeOne(inv sys.Invoker, objType abi.ObjectType, sizeBits uint8, dest cap.CapSlot) (cap.Cap, cap.CapSlot, error) {
	return u.retypeOne(inv, objType, sizeBits, dest)
}

// UntypedSet is a contiguous run of same-size Untypeds produced by a single Split.
type UntypedSet struct {
	capset   cap.CapSet
	sizeBits uint8
	parent   Untyped
}

// Free deletes every remaining Untyped in the set and returns the original, unsplit parent along
// with the freed slots.
func (s UntypedSet) Free(inv sys.Invoker) (Untyped, cap.CapSlotSet, error) {
	if !s.capset.Full() {
		panic("untyped: Free of UntypedSet with outstanding Untypeds taken")
	}

	slots, err := s.capset.DeleteAll(inv)
	if err != nil {
		return Untyped{}, cap.CapSlotSet{}, err
	}

	return s.parent, slots, nil
}

func (s *UntypedSet) Capacity() uint64 { return s.capset.Capacity() }
func (s *UntypedSet) Count() uint64    { return s.capset.Count() }
func (s *UntypedSet) Remaining() bool  { return s.capset.Remaining() }
func (s *UntypedSet) Full() bool       { return s.capset.Full() }

func (s *UntypedSet) TakeFront() (Untyped, bool) {
	c, ok := s.capset.TakeFront()
	if !ok {
		return Untyped{}, false
	}

	return Untyped{c: c, sizeBits: s.sizeBits}, true
}

func (s *UntypedSet) TakeBack() (Untyped, bool) {
	c, ok := s.capset.TakeBack()
	if !ok {
		return Untyped{}, false
	}

	return Untyped{c: c, sizeBits: s.sizeBits}, true
}

func (s *UntypedSet) Readd(u Untyped) {
	if u.sizeBits != s.sizeBits {
		panic("untyped: Readd of wrong-size Untyped into UntypedSet")
	}

	s.capset.Readd(u.c)
}

func (s *UntypedSet) String() string {
	return fmt.Sprintf("untypedset %d-bit with %d/%d left", s.sizeBits, s.Count(), s.Capacity())
}

// Allocator buckets untyped memory by size, the way kernel boot-up hands it to the root task:
// exactly one size class for 4K frames, one for 2M superpages, and a midsize/oversize catch-all
// either side of them for everything that doesn't fit those two common cases.
type Allocator struct {
	smallPages     list.List[Untyped] // exactly PAGE_4K_SIZE
	midsizeBlocks  list.List[Untyped] // between 4K and 2M, exclusive
	largePages     list.List[Untyped] // exactly PAGE_2M_SIZE
	oversizeBlocks list.List[Untyped] // larger than 2M
}

// Init classifies BootInfo's untyped capabilities into buckets by size. Device-backed untyped
// (UntypedDesc.IsDevice) is skipped here -- that memory belongs to the device splitter, not this
// allocator.
func (a *Allocator) Init(untyped cap.CapRange, descs []abi.UntypedDesc) {
	count := untyped.Len()

	for ir := uint64(0); ir < count; ir++ {
		i := count - 1 - ir
		d := descs[i]
		if d.IsDevice {
			continue
		}

		u := Untyped{c: untyped.Nth(i).AssertPopulated(), sizeBits: d.SizeBits}

		bucket := a.bucketFor(d.SizeBits)
		if err := bucket.Push(u); err != nil {
			panic("untyped: out of bookkeeping memory during bring-up")
		}
	}

	log.DefaultLogger().Info("untyped allocator initialized", "blocks", a.totalCount())
}

func (a *Allocator) bucketFor(sizeBits uint8) *list.List[Untyped] {
	switch {
	case sizeBits > abi.Page2MBits:
		return &a.oversizeBlocks
	case sizeBits == abi.Page2MBits:
		return &a.largePages
	case sizeBits > abi.Page4KBits:
		return &a.midsizeBlocks
	case sizeBits == abi.Page4KBits:
		return &a.smallPages
	default:
		panic("untyped: block smaller than one 4K page")
	}
}

func (a *Allocator) totalCount() int {
	return a.smallPages.Len() + a.midsizeBlocks.Len() + a.largePages.Len() + a.oversizeBlocks.Len()
}

// Allocate4K returns one 4K-sized Untyped, splitting a larger block on demand if the small-page
// bucket is empty: a 2M page splits into two midsize blocks, each midsize block splits directly
// into 4K pages, and an oversize block is first cut down to 2M pieces that feed the same cascade.
func (a *Allocator) Allocate4K(inv sys.Invoker) (Untyped, error) {
	if u, ok := a.smallPages.Pop(); ok {
		return u, nil
	}

	if err := a.refillSmallPages(inv); err != nil {
		return Untyped{}, err
	}

	u, ok := a.smallPages.Pop()
	if !ok {
		panic("untyped: small-page bucket empty immediately after a successful refill")
	}

	return u, nil
}

// refillSmallPages makes at least one 4K block available in smallPages by splitting down from
// whichever larger bucket has something in it.
func (a *Allocator) refillSmallPages(inv sys.Invoker) error {
	u, ok := a.midsizeBlocks.Pop()
	if !ok {
		if err := a.refillMidsize(inv); err != nil {
			return err
		}

		u, ok = a.midsizeBlocks.Pop()
		if !ok {
			return kerr.NotEnoughMemory
		}
	}

	return a.splitInto(inv, u, u.sizeBits-abi.Page4KBits, &a.smallPages, &a.midsizeBlocks)
}

// refillMidsize makes at least one block available in midsizeBlocks by splitting one 2M page into
// two midsize halves.
func (a *Allocator) refillMidsize(inv sys.Invoker) error {
	u, ok := a.largePages.Pop()
	if !ok {
		if err := a.refillLarge(inv); err != nil {
			return err
		}

		u, ok = a.largePages.Pop()
		if !ok {
			return kerr.NotEnoughMemory
		}
	}

	return a.splitInto(inv, u, 1, &a.midsizeBlocks, &a.largePages)
}

// refillLarge makes at least one 2M block available in largePages by cutting an oversize block
// down, up to FanOutLimitBits at a time. A block more than FanOutLimitBits-worth of sizes larger
// than 2M lands back in oversizeBlocks as still-oversize pieces, and one of those is cut down again
// until a split produces 2M pages.
func (a *Allocator) refillLarge(inv sys.Invoker) error {
	for a.largePages.Empty() {
		u, ok := a.oversizeBlocks.Pop()
		if !ok {
			return kerr.NotEnoughMemory
		}

		splitBits := u.sizeBits - abi.Page2MBits
		if splitBits > abi.FanOutLimitBits {
			splitBits = abi.FanOutLimitBits
		}

		if err := a.splitInto(inv, u, splitBits, a.bucketFor(u.sizeBits-splitBits), &a.oversizeBlocks); err != nil {
			return err
		}
	}

	return nil
}

// splitInto splits u by splitBits and pushes every child into dest. A failed split is
// all-or-nothing: u is pushed back into source unchanged rather than lost.
func (a *Allocator) splitInto(inv sys.Invoker, u Untyped, splitBits uint8, dest, source *list.List[Untyped]) error {
	set, err := u.SplitAlloc(inv, splitBits)
	if err != nil {
		if pushErr := source.Push(u); pushErr != nil {
			panic("untyped: out of bookkeeping memory returning a block after a failed split")
		}

		return err
	}

	for {
		child, ok := set.TakeFront()
		if !ok {
			break
		}

		if err := dest.Push(child); err != nil {
			panic("untyped: out of bookkeeping memory during cascade split")
		}
	}

	return nil
}

// Free4K returns a 4K Untyped to the small-page bucket.
func (a *Allocator) Free4K(u Untyped) {
	if u.sizeBits != abi.Page4KBits {
		panic("untyped: Free4K of wrongly-sized block")
	}

	if err := a.smallPages.Push(u); err != nil {
		panic("untyped: out of bookkeeping memory freeing a 4K block")
	}
}
