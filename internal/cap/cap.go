// Package cap defines the root task's capability-slot types: CapSlot and CapSlotSet describe
// ownership of empty slots in the root CNode, Cap and CapSet describe ownership of slots that
// hold a live capability. All four are affine -- holding one is a promise to either consume it
// (populate it, delete it, hand it to the slot allocator's free list) or pass it along; letting
// one fall out of scope unconsumed is a bookkeeping leak. Since Go has no destructors, that
// invariant is checked best-effort with a finalizer that panics if a value is garbage collected
// still unconsumed, the way the teacher's devices panic on misuse rather than return an ignorable
// error.
package cap

import (
	"fmt"
	"runtime"

	"github.com/sel4go/rootspace/internal/abi"
	"github.com/sel4go/rootspace/internal/sys"
)

// guard backs the affine check for CapSlot and CapSlotSet. It is heap-allocated and finalized
// independently of the value that holds it, so copies of that value (which all carry the same
// *guard) all see the same consumed bit.
type guard struct {
	consumed bool
	what     string
}

func newGuard(what string) *guard {
	g := &guard{what: what}
	runtime.SetFinalizer(g, func(g *guard) {
		if !g.consumed {
			panic(fmt.Sprintf("cap: %s dropped without being consumed -- this leaks its slot", g.what))
		}
	})

	return g
}

func (g *guard) consume() {
	if g == nil {
		return
	}

	g.consumed = true
}

// CapSlot is ownership of one empty slot in the root CNode.
type CapSlot struct {
	index uint64
	guard *guard
}

func newCapSlot(index uint64) CapSlot {
	return CapSlot{index: index, guard: newGuard("CapSlot")}
}

// Index returns the slot's index without consuming it.
func (s CapSlot) Index() uint64 {
	return s.index
}

func (s CapSlot) String() string {
	return fmt.Sprintf("&%d", s.index)
}

// deconstruct consumes the slot and returns its raw index, the way caps.rs's CapSlot::deconstruct
// does before re-wrapping it into something else.
func (s CapSlot) deconstruct() uint64 {
	s.guard.consume()
	return s.index
}

// ToRange returns the single-element range this slot covers, without consuming it.
func (s CapSlot) ToRange() CapRange {
	return CapRange{start: s.index, end: s.index + 1}
}

// Consume discharges the affine obligation on s and returns its raw index, for callers (such as
// the slot allocator) that fold it directly back into a CapRange rather than a CapSlotSet.
func (s CapSlot) Consume() uint64 {
	return s.deconstruct()
}

// AssertPopulated consumes the slot on the assertion that a capability now lives there, yielding
// a Cap. The caller is responsible for having actually invoked something that populates it first.
func (s CapSlot) AssertPopulated() Cap {
	return Cap{loc: s}
}

// BecomeSet turns a lone slot into a one-element CapSlotSet.
func (s CapSlot) BecomeSet() CapSlotSet {
	out := s.ToRange().ToSetEmpty()
	out.Readd(s)

	return out
}

// CapRange is a contiguous, half-open span of slot indices: [start, end). Unlike CapSlot and
// CapSlotSet it carries no affine guard -- a range is just two numbers, freely copied and
// discarded, until it's turned into a set.
type CapRange struct {
	start, end uint64
}

// Range constructs the half-open range [start, end).
func Range(start, end uint64) CapRange {
	return CapRange{start: start, end: end}
}

// SingleRange constructs the one-element range containing index.
func SingleRange(index uint64) CapRange {
	return CapRange{start: index, end: index + 1}
}

func (r CapRange) Start() uint64 { return r.start }
func (r CapRange) Len() uint64   { return r.end - r.start }
func (r CapRange) IsEmpty() bool { return r.end == r.start }

func (r CapRange) String() string {
	return fmt.Sprintf("[%d, %d)", r.start, r.end)
}

// Nth returns the slot at offset i within the range, without shrinking it.
func (r CapRange) Nth(i uint64) CapSlot {
	if i >= r.Len() {
		panic("cap: CapRange.Nth index out of range")
	}

	return newCapSlot(r.start + i)
}

// IsAfter reports whether r starts no earlier than other.
func (r CapRange) IsAfter(other CapRange) bool {
	return r.start >= other.start
}

// Chop1 removes and returns the first slot's index, shrinking the range from the front.
func (r *CapRange) Chop1() (uint64, bool) {
	if r.IsEmpty() {
		return 0, false
	}

	r.start++

	return r.start - 1, true
}

// ChopN removes and returns the first n slots as their own range, shrinking the receiver.
func (r *CapRange) ChopN(n uint64) (CapRange, bool) {
	if n > r.Len() {
		return CapRange{}, false
	}

	out := CapRange{start: r.start, end: r.start + n}
	r.start += n

	return out, true
}

// Intersection returns the overlap between r and other, if any.
func (r CapRange) Intersection(other CapRange) (CapRange, bool) {
	lower, higher := r, other
	if other.start < r.start {
		lower, higher = other, r
	}

	if lower.end > higher.start {
		return CapRange{start: higher.start, end: lower.end}, true
	}

	return CapRange{}, false
}

// Join merges r and other into one range if they're adjacent. It panics if they overlap --
// overlapping ranges mean a bookkeeping bug upstream, not a recoverable condition.
func (r CapRange) Join(other CapRange) (CapRange, bool) {
	if _, overlap := r.Intersection(other); overlap {
		panic("cap: Join of overlapping ranges")
	}

	switch {
	case r.end == other.start:
		return CapRange{start: r.start, end: other.end}, true
	case r.start == other.end:
		return CapRange{start: other.start, end: r.end}, true
	default:
		return CapRange{}, false
	}
}

// JoinMut absorbs other into the receiver if adjacent, reporting whether it merged. When it
// didn't, other is returned unchanged so the caller can try the next candidate.
func (r *CapRange) JoinMut(other CapRange) (CapRange, bool) {
	merged, ok := r.Join(other)
	if !ok {
		return other, false
	}

	*r = merged

	return CapRange{}, true
}

// CouldJoin reports whether r and other are adjacent, without merging.
func (r CapRange) CouldJoin(other CapRange) bool {
	if _, overlap := r.Intersection(other); overlap {
		panic("cap: CouldJoin of overlapping ranges")
	}

	return r.end == other.start || r.start == other.end
}

// ToSetEmpty returns a CapSlotSet covering r's span, initially empty.
func (r CapRange) ToSetEmpty() CapSlotSet {
	if r.start >= r.end {
		panic("cap: ToSetEmpty of empty range")
	}

	s := CapSlotSet{start: r.start, end: r.end, fillstart: r.start, fillend: r.start, guard: newGuard("CapSlotSet")}
	s.sync()

	return s
}

// ToSetAssertedFull returns a CapSlotSet covering r's span, asserted to already be full.
func (r CapRange) ToSetAssertedFull() CapSlotSet {
	if r.start >= r.end {
		panic("cap: ToSetAssertedFull of empty range")
	}

	s := CapSlotSet{start: r.start, end: r.end, fillstart: r.start, fillend: r.end, guard: newGuard("CapSlotSet")}
	s.sync()

	return s
}

// CapSlotSet is ownership of a contiguous run of empty slots, partially or fully populated from
// one end or the other. TakeFront/TakeBack hand out individual CapSlots from the unfilled middle.
// Unlike CapSlot, a CapSlotSet's affine obligation tracks its own state rather than a one-shot
// flag: it is safe to let one fall out of scope exactly when nothing is left in its unfilled
// middle (fillstart == fillend), whether that's because every slot was taken out, or because
// AssertEmpty/Deconstruct marked it drained directly. A freshly-full set (everything still up for
// grabs) is NOT safe to drop -- it must be drained or Deconstruct'ed first.
type CapSlotSet struct {
	start, end         uint64
	fillstart, fillend uint64
	guard              *guard
}

// sync recomputes the guard's safe-to-drop bit from the set's current fill cursors.
func (s *CapSlotSet) sync() {
	s.guard.consumed = !s.Remaining()
}

func (s *CapSlotSet) Start() uint64    { return s.start }
func (s *CapSlotSet) Capacity() uint64 { return s.end - s.start }
func (s *CapSlotSet) Count() uint64    { return s.fillend - s.fillstart }

func (s *CapSlotSet) Remaining() bool {
	if s.fillend < s.fillstart {
		panic("cap: CapSlotSet fill cursors inverted")
	}

	return s.fillstart != s.fillend
}

func (s *CapSlotSet) Full() bool {
	if s.fillend < s.fillstart || s.fillstart < s.start || s.fillend > s.end {
		panic("cap: CapSlotSet fill cursors out of range")
	}

	return s.fillstart == s.start && s.fillend == s.end
}

// AssertFull puts the whole range back in the set's unfilled middle, on the caller's assertion
// that no slot of it is still held elsewhere.
func (s *CapSlotSet) AssertFull() {
	if s.start >= s.end {
		panic("cap: AssertFull of empty range")
	}

	s.fillstart, s.fillend = s.start, s.end
	s.sync()
}

// AssertEmpty marks the set as drained: nothing is left in its unfilled middle.
func (s *CapSlotSet) AssertEmpty() {
	if s.start >= s.end {
		panic("cap: AssertEmpty of empty range")
	}

	s.fillstart, s.fillend = s.start, s.start
	s.sync()
}

// TakeFront removes and returns the lowest-indexed unfilled slot.
func (s *CapSlotSet) TakeFront() (CapSlot, bool) {
	if !s.Remaining() {
		return CapSlot{}, false
	}

	out := s.fillstart
	s.fillstart++
	s.sync()

	return newCapSlot(out), true
}

// TakeBack removes and returns the highest-indexed unfilled slot.
func (s *CapSlotSet) TakeBack() (CapSlot, bool) {
	if !s.Remaining() {
		return CapSlot{}, false
	}

	s.fillend--
	s.sync()

	return newCapSlot(s.fillend), true
}

// Readd returns a slot to the set. It must be contiguous with the current unfilled span -- either
// immediately below fillstart or immediately at fillend -- matching the order slots were taken in.
func (s *CapSlotSet) Readd(slot CapSlot) {
	index := slot.deconstruct()

	if s.Remaining() {
		switch {
		case s.fillstart == index+1:
			if s.fillstart <= s.start {
				panic("cap: Readd below set start")
			}

			s.fillstart--
		case s.fillend == index:
			if s.fillend >= s.end {
				panic("cap: Readd above set end")
			}

			s.fillend++
		default:
			panic("cap: Readd of non-contiguous slot")
		}
	} else {
		if index < s.start || index >= s.end {
			panic("cap: Readd of slot outside set's range")
		}

		s.fillstart, s.fillend = index, index+1
	}

	s.sync()
}

// Deconstruct consumes a full set and returns the equivalent range. It panics if the set
// is not full (i.e. the caller still holds slots out of it).
func (s *CapSlotSet) Deconstruct() CapRange {
	if !s.Full() {
		panic("cap: Deconstruct of CapSlotSet with outstanding slots")
	}

	s.AssertEmpty()

	return s.EquivalentRange()
}

func (s *CapSlotSet) EquivalentRange() CapRange {
	return CapRange{start: s.start, end: s.end}
}

func (s *CapSlotSet) EquivalentEmptySlotSet() CapSlotSet {
	return s.EquivalentRange().ToSetEmpty()
}

func (s *CapSlotSet) EquivalentEmptySet() CapSet {
	return CapSet{backing: s.EquivalentEmptySlotSet()}
}

// AssertDeriveCapSet drains s to produce a same-range CapSet asserted full, for the common case of
// retyping untyped memory directly into a run of slots. Draining s this way (rather than
// Deconstruct, which requires Full()) is what makes it safe to let s go afterward.
func (s *CapSlotSet) AssertDeriveCapSet() CapSet {
	out := s.EquivalentEmptySet()
	out.AssertFull()
	s.AssertEmpty()

	return out
}

// Cap is ownership of one slot known to hold a live capability.
type Cap struct {
	loc CapSlot
}

// AssertUnpopulated consumes the Cap on the assertion that the capability has been disposed of
// some other way, returning the now-empty slot.
func (c Cap) AssertUnpopulated() CapSlot {
	return c.loc
}

func (c Cap) PeekIndex() uint64 { return c.loc.index }

func (c Cap) String() string {
	return fmt.Sprintf("@%d", c.loc.index)
}

// Delete invokes CNodeDelete on the capability and returns the now-empty slot.
func (c Cap) Delete(inv sys.Invoker) (CapSlot, error) {
	var mr [sys.NumMR]uintptr
	mr[0] = abi.CapInitCNode
	mr[1] = uintptr(c.PeekIndex())
	mr[2] = abi.MaxCapBits

	code, _ := sys.Call(inv, abi.CapInitCNode, abi.TagCNodeDelete, mr)
	if !code.Ok() {
		return CapSlot{}, code
	}

	return c.loc, nil
}

// CapSet is ownership of a contiguous run of slots known to hold live capabilities.
type CapSet struct {
	backing CapSlotSet
}

func (s *CapSet) Start() uint64    { return s.backing.Start() }
func (s *CapSet) Capacity() uint64 { return s.backing.Capacity() }
func (s *CapSet) Count() uint64    { return s.backing.Count() }
func (s *CapSet) Remaining() bool  { return s.backing.Remaining() }
func (s *CapSet) Full() bool       { return s.backing.Full() }
func (s *CapSet) AssertFull()      { s.backing.AssertFull() }
func (s *CapSet) AssertEmpty()     { s.backing.AssertEmpty() }

// DeleteAll deletes every capability still held in the set and returns the now-empty backing
// slot set.
func (s *CapSet) DeleteAll(inv sys.Invoker) (CapSlotSet, error) {
	slotset := s.EquivalentEmptySlotSet()

	for {
		c, ok := s.TakeFront()
		if !ok {
			break
		}

		slot, err := c.Delete(inv)
		if err != nil {
			return CapSlotSet{}, err
		}

		slotset.Readd(slot)
	}

	return slotset, nil
}

func (s *CapSet) TakeFront() (Cap, bool) {
	slot, ok := s.backing.TakeFront()
	if !ok {
		return Cap{}, false
	}

	return slot.AssertPopulated(), true
}

func (s *CapSet) TakeBack() (Cap, bool) {
	slot, ok := s.backing.TakeBack()
	if !ok {
		return Cap{}, false
	}

	return slot.AssertPopulated(), true
}

func (s *CapSet) Readd(c Cap) {
	s.backing.Readd(c.AssertUnpopulated())
}

func (s *CapSet) EquivalentRange() CapRange         { return s.backing.EquivalentRange() }
func (s *CapSet) EquivalentEmptySlotSet() CapSlotSet { return s.backing.EquivalentEmptySlotSet() }
func (s *CapSet) EquivalentEmptySet() CapSet         { return s.backing.EquivalentEmptySet() }
