// Package device hands out 4K frames of device (MMIO) memory. Each device-backed untyped region
// BootInfo reports starts life as one DeviceBlock covering the whole region; getting a 4K page out
// of a region larger than 4K repeatedly halves it (a binary split tree, not a bucketed allocator
// like internal/untyped) until it reaches page size, because device regions are typically much
// bigger than any one driver's mapping and splitting lazily avoids retyping the whole thing up
// front.
package device

import (
	"fmt"
	"sync"

	"github.com/sel4go/rootspace/internal/abi"
	"github.com/sel4go/rootspace/internal/cap"
	"github.com/sel4go/rootspace/internal/kerr"
	"github.com/sel4go/rootspace/internal/list"
	"github.com/sel4go/rootspace/internal/log"
	"github.com/sel4go/rootspace/internal/slot"
	"github.com/sel4go/rootspace/internal/sys"
	"github.com/sel4go/rootspace/internal/untyped"
	"github.com/sel4go/rootspace/internal/vspace"
)

type subblockState uint8

const (
	stateAvailable subblockState = iota
	stateSplit
	stateTaken
)

// subblock is one node of a DeviceBlock's split tree: either a usable Untyped (stateAvailable), a
// pair of smaller children recorded in us (stateSplit), or handed out as a page (stateTaken).
type subblock struct {
	state    subblockState
	ut       untyped.Untyped
	us       untyped.UntypedSet
	paddr    uintptr
	sizeBits uint8
}

func (b *subblock) start() uintptr         { return b.paddr }
func (b *subblock) len() uintptr           { return 1 << b.sizeBits }
func (b *subblock) mid() uintptr           { return b.paddr + 1<<(b.sizeBits-1) }
func (b *subblock) end() uintptr           { return b.paddr + b.len() }
func (b *subblock) contains(addr uintptr) bool { return b.start() <= addr && addr < b.end() }
func (b *subblock) isAvailable() bool      { return b.state == stateAvailable }

func (b *subblock) take() untyped.Untyped {
	if b.state != stateAvailable {
		panic("device: take of unavailable subblock")
	}

	ut := b.ut
	b.ut = untyped.Untyped{}
	b.state = stateTaken

	return ut
}

func (b *subblock) returnTaken(ut untyped.Untyped) {
	if b.state != stateTaken {
		panic("device: returnTaken of subblock that was not taken")
	}
	if ut.SizeBits() != b.sizeBits {
		panic("device: returnTaken size mismatch")
	}

	b.ut = ut
	b.state = stateAvailable
}

// split halves the subblock's backing memory into two available, half-sized subblocks. The
// receiver itself transitions to stateSplit and keeps the resulting UntypedSet so unsplit can
// later reassemble it.
func (b *subblock) split(inv sys.Invoker) (subblock, subblock, error) {
	ut := b.take()

	slots, err := slot.AllocateN(2)
	if err != nil {
		b.returnTaken(ut)
		return subblock{}, subblock{}, err
	}

	uset, leftover, err := ut.Split(inv, 1, slots)
	if err != nil {
		slot.FreeSet(leftover)
		b.returnTaken(ut)

		return subblock{}, subblock{}, err
	}

	earlier, ok := uset.TakeFront()
	if !ok {
		panic("device: split produced an empty untyped set")
	}

	later, ok := uset.TakeFront()
	if !ok {
		panic("device: split produced only one child")
	}

	b.us = uset
	b.state = stateSplit

	return subblock{state: stateAvailable, ut: earlier, paddr: b.start(), sizeBits: b.sizeBits - 1},
		subblock{state: stateAvailable, ut: later, paddr: b.mid(), sizeBits: b.sizeBits - 1},
		nil
}

// unsplit reverses a split, given back its two (possibly further-modified) children. Used only to
// unwind a split whose two new subblocks could not be inserted back into the tree.
func (b *subblock) unsplit(inv sys.Invoker, earlier, later subblock) {
	if b.state != stateSplit {
		panic("device: unsplit of subblock that was not split")
	}

	uset := b.us
	uset.Readd(later.ut)
	uset.Readd(earlier.ut)

	parent, slots, err := uset.Free(inv)
	if err != nil {
		panic(fmt.Sprintf("device: could not unwind a failed split: %s", err))
	}

	slot.FreeSet(slots)

	b.us = untyped.UntypedSet{}
	b.ut = parent
	b.state = stateAvailable
}

func (b *subblock) needsSplit() bool {
	if b.sizeBits < abi.Page4KBits {
		panic("device: subblock smaller than one page")
	}

	return b.sizeBits != abi.Page4KBits
}

// splitOrTaken is the two-way outcome of tryUseAsPage: either a ready-to-retype Untyped, or the
// two new halves produced by a split that the caller must insert into the tree and retry.
type splitOrTaken struct {
	ut       untyped.Untyped
	earlier  subblock
	later    subblock
	wasSplit bool
}

func (b *subblock) tryUseAsPage(inv sys.Invoker) (splitOrTaken, error) {
	if !b.needsSplit() {
		return splitOrTaken{ut: b.take()}, nil
	}

	earlier, later, err := b.split(inv)
	if err != nil {
		return splitOrTaken{}, err
	}

	return splitOrTaken{earlier: earlier, later: later, wasSplit: true}, nil
}

// deviceSplitIter inserts a split's two halves into ll so that whichever one contains addr ends up
// at the head -- the next loop iteration examines index 0 unconditionally, the way iterI does, and
// relies on this ordering rather than re-scanning by address.
func deviceSplitIter(ll *list.List[subblock], earlier, later subblock, addr uintptr) error {
	laterHasAddr := later.contains(addr)
	if earlier.contains(addr) == laterHasAddr {
		panic("device: split halves both or neither contain the target address")
	}

	containing, other := later, earlier
	if !laterHasAddr {
		containing, other = earlier, later
	}

	if err := ll.Push(other); err != nil {
		return err
	}

	if err := ll.Push(containing); err != nil {
		ll.Pop()
		return err
	}

	return nil
}

// iterI tries to turn the subblock at index i into a page-sized Untyped, splitting it in place if
// it's larger than a page. On a split it leaves the tree updated (the containing half at index 0)
// and reports wasSplit so the caller retries from there instead of looping on the stale index.
func iterI(ll *list.List[subblock], i int, addr uintptr, inv sys.Invoker) (untyped.Untyped, bool, error) {
	b, ok := ll.Get(i)
	if !ok {
		panic("device: iterI of out-of-range index")
	}

	result, err := b.tryUseAsPage(inv)
	if err != nil {
		return untyped.Untyped{}, false, err
	}

	if !result.wasSplit {
		return result.ut, false, nil
	}

	if err := deviceSplitIter(ll, result.earlier, result.later, addr); err != nil {
		b.unsplit(inv, result.earlier, result.later)
		return untyped.Untyped{}, false, err
	}

	return untyped.Untyped{}, true, nil
}

// DeviceBlock is one device-backed untyped region and the split tree carved out of it so far.
type DeviceBlock struct {
	caps     list.List[subblock]
	sizeBits uint8
	paddr    uintptr
}

func newDeviceBlock(ut untyped.Untyped, paddr uintptr) DeviceBlock {
	bits := ut.SizeBits()
	blk := DeviceBlock{sizeBits: bits, paddr: paddr}

	if err := blk.caps.Push(subblock{state: stateAvailable, ut: ut, paddr: paddr, sizeBits: bits}); err != nil {
		panic("device: out of bookkeeping memory creating a device block")
	}

	return blk
}

func (b *DeviceBlock) start() uintptr             { return b.paddr }
func (b *DeviceBlock) len() uintptr               { return 1 << b.sizeBits }
func (b *DeviceBlock) end() uintptr               { return b.paddr + b.len() }
func (b *DeviceBlock) contains(addr uintptr) bool { return b.start() <= addr && addr < b.end() }

func (b *DeviceBlock) String() string {
	return fmt.Sprintf("device block %#x-%#x", b.start(), b.end())
}

func (b *DeviceBlock) getDevicePageUntyped(inv sys.Invoker, addr uintptr) (untyped.Untyped, error) {
	if !b.contains(addr) {
		panic("device: address not covered by this block")
	}

	ri, ok := b.caps.FindIndex(func(s *subblock) bool { return s.contains(addr) })
	if !ok {
		panic(fmt.Sprintf("device: address %#x not covered by any subblock", addr))
	}

	sb, _ := b.caps.Get(ri)
	if !sb.isAvailable() {
		return untyped.Untyped{}, kerr.FailedLookup
	}

	for {
		ut, split, err := iterI(&b.caps, ri, addr, inv)
		if err != nil {
			return untyped.Untyped{}, err
		}
		if !split {
			return ut, nil
		}

		ri = 0
	}
}

func (b *DeviceBlock) returnDevicePageUntyped(addr uintptr, ut untyped.Untyped) {
	if ut.SizeBits() != abi.Page4KBits {
		panic("device: return of wrongly-sized block")
	}

	sb, ok := b.caps.Find(func(s *subblock) bool { return s.contains(addr) })
	if !ok {
		panic("device: return to address with no subblock")
	}

	sb.returnTaken(ut)
}

var (
	mu     sync.Mutex
	blocks list.List[DeviceBlock]
)

// ResetForTesting discards every device block, for tests only.
func ResetForTesting() {
	mu.Lock()
	defer mu.Unlock()

	blocks = list.List[DeviceBlock]{}
}

// Init classifies BootInfo's device-backed untyped capabilities into one DeviceBlock per region.
// untypedRange and descs are the same arguments passed to untyped.Allocator.Init -- whichever
// entries have IsDevice set land here instead of in the bucketed allocator. Device entries are
// expected in ascending physical address order in the table; Init walks the table back to front,
// so it meets them in descending order and panics if one overlaps or lies above the previous one.
func Init(untypedRange cap.CapRange, descs []abi.UntypedDesc) {
	mu.Lock()
	defer mu.Unlock()

	count := untypedRange.Len()
	lastAddr := ^uintptr(0)

	for ir := uint64(0); ir < count; ir++ {
		i := count - 1 - ir
		d := descs[i]
		if !d.IsDevice {
			continue
		}

		ut := untyped.FromCap(untypedRange.Nth(i).AssertPopulated(), d.SizeBits)
		blk := newDeviceBlock(ut, uintptr(d.PAddr))

		if blk.end() > lastAddr {
			panic("device: untyped descriptor table not sorted by descending address")
		}
		lastAddr = blk.start()

		if err := blocks.Push(blk); err != nil {
			panic("device: out of bookkeeping memory during bring-up")
		}
	}

	log.DefaultLogger().Info("device allocator initialized", "blocks", blocks.Len())
}

// GetDevicePage carves a 4K frame capability out of whichever device block covers addr, splitting
// it as many times as needed.
func GetDevicePage(inv sys.Invoker, addr uintptr) (vspace.Page4K, error) {
	mu.Lock()
	defer mu.Unlock()

	blk, ok := blocks.Find(func(b *DeviceBlock) bool { return b.contains(addr) })
	if !ok {
		log.DefaultLogger().Error("device lookup failed: no block covers address", "addr", addr)
		return vspace.Page4K{}, kerr.FailedLookup
	}

	cslot, err := slot.Allocate()
	if err != nil {
		return vspace.Page4K{}, err
	}

	ut, err := blk.getDevicePageUntyped(inv, addr)
	if err != nil {
		slot.Free(cslot)
		return vspace.Page4K{}, err
	}

	c, failedSlot, err := ut.RetypeOne(inv, abi.ObjectPage4K, abi.Page4KBits, cslot)
	if err != nil {
		blk.returnDevicePageUntyped(addr, ut)
		slot.Free(failedSlot)

		return vspace.Page4K{}, err
	}

	return vspace.NewPage4K(c, ut), nil
}

// ReturnDevicePage deletes page's capability and folds its backing memory back into the split tree
// it came from.
func ReturnDevicePage(inv sys.Invoker, addr uintptr, page vspace.Page4K) error {
	mu.Lock()
	defer mu.Unlock()

	blk, ok := blocks.Find(func(b *DeviceBlock) bool { return b.contains(addr) })
	if !ok {
		panic("device: return of a page to an address with no covering block")
	}

	ut, s, err := page.Free(inv)
	if err != nil {
		return err
	}

	blk.returnDevicePageUntyped(addr, ut)
	slot.Free(s)

	return nil
}

// GetMappedDevicePage gets a device page and maps it into this root task's own address space in
// one step, unwinding the allocation if the map fails.
func GetMappedDevicePage(inv sys.Invoker, addr uintptr, writable bool) (vspace.RegionMappedPage4K, error) {
	page, err := GetDevicePage(inv, addr)
	if err != nil {
		return vspace.RegionMappedPage4K{}, err
	}

	mapped, failed, err := page.MapIntoVSpace(inv, writable)
	if err != nil {
		if rerr := ReturnDevicePage(inv, addr, failed); rerr != nil {
			panic(fmt.Sprintf("device: could not unwind a failed device page mapping: %s", rerr))
		}

		return vspace.RegionMappedPage4K{}, err
	}

	return mapped, nil
}

// ReturnMappedDevicePage unmaps a page obtained from GetMappedDevicePage and returns it.
func ReturnMappedDevicePage(inv sys.Invoker, addr uintptr, mapped vspace.RegionMappedPage4K) error {
	return ReturnDevicePage(inv, addr, mapped.Unmap(inv))
}
