package main_test

import (
	"testing"

	"github.com/sel4go/rootspace/internal/abi"
	"github.com/sel4go/rootspace/internal/bootinfo"
	"github.com/sel4go/rootspace/internal/device"
	"github.com/sel4go/rootspace/internal/drivers"
	"github.com/sel4go/rootspace/internal/dynheap"
	"github.com/sel4go/rootspace/internal/irqmgr"
	"github.com/sel4go/rootspace/internal/kerr"
	"github.com/sel4go/rootspace/internal/slot"
	"github.com/sel4go/rootspace/internal/sys"
	"github.com/sel4go/rootspace/internal/untyped"
	"github.com/sel4go/rootspace/internal/vspace"
)

// fakeBootInvoker answers every invocation this bring-up sequence issues with success, which is
// enough to exercise the wiring across packages without a real kernel underneath.
type fakeBootInvoker struct{}

func (fakeBootInvoker) Invoke(dest abi.Word, info sys.MessageInfo, mr [sys.NumMR]uintptr) (sys.MessageInfo, [sys.NumMR]uintptr) {
	var out [sys.NumMR]uintptr
	out[0] = uintptr(kerr.NoError)

	return sys.MessageInfo{}, out
}

func resetBringUp() {
	slot.ResetForTesting()
	device.ResetForTesting()
	dynheap.ResetForTesting()
	vspace.ResetForTesting()
	vspace.ResetPageTablesForTesting()
	untyped.ResetFragmentForTesting()
	irqmgr.ResetForTesting()
}

// pageTableMissInvoker answers the first page map with kerr.FailedLookup, forcing
// vspace.ensurePageTable's on-demand page-table mint, and every call after that (including the
// table's own retype and map, and the retried page map) with success.
type pageTableMissInvoker struct {
	mapAttempts int
}

func (inv *pageTableMissInvoker) Invoke(dest abi.Word, info sys.MessageInfo, mr [sys.NumMR]uintptr) (sys.MessageInfo, [sys.NumMR]uintptr) {
	var out [sys.NumMR]uintptr

	if info.Tag == abi.TagX86PageMap {
		inv.mapAttempts++
		if inv.mapAttempts == 1 {
			out[0] = uintptr(kerr.FailedLookup)
			return sys.MessageInfo{}, out
		}
	}

	out[0] = uintptr(kerr.NoError)

	return sys.MessageInfo{}, out
}

// fixture builds a small but complete BootInfo: enough empty slots for the allocators this
// sequence seeds, one ordinary untyped block and one device block.
func fixture() *bootinfo.Info {
	i := &bootinfo.Info{
		Empty:           bootinfo.SlotRegion{Start: 100, End: 400},
		UserImageFrames: bootinfo.SlotRegion{Start: 200, End: 204},
		Untyped:         bootinfo.SlotRegion{Start: 0, End: 3},
	}

	i.UntypedList[0] = abi.UntypedDesc{PAddr: 0x200000, SizeBits: abi.Page2MBits}
	i.UntypedList[1] = abi.UntypedDesc{PAddr: 0x300000, SizeBits: abi.Page4KBits}
	i.UntypedList[2] = abi.UntypedDesc{PAddr: 0x400000, SizeBits: abi.Page4KBits, IsDevice: true}

	return i
}

func TestBringUpSequenceWiresEveryAllocator(t *testing.T) {
	resetBringUp()

	inv := fakeBootInvoker{}

	untypedSrc, err := bootinfo.Boot(fixture(), 0x100000)
	if err != nil {
		t.Fatalf("bootinfo.Boot: %s", err)
	}

	if err := dynheap.Init(inv, untypedSrc); err != nil {
		t.Fatalf("dynheap.Init: %s", err)
	}

	untyped.SetFragmentSource(untypedSrc)
	vspace.SetUntypedSource(untypedSrc)

	if _, err := drivers.NewKeyboard(inv, drivers.BootIOPort(), nil); err != nil {
		t.Fatalf("drivers.NewKeyboard: %s", err)
	}

	if _, err := slot.Allocate(); err != nil {
		t.Errorf("want a free slot left over after bring-up, got %s", err)
	}
}

// TestPageTableMintedOnDemandDuringMap drives the ordinary first-map case spec.md describes: a
// page landing in a 2M region with no page table yet must mint one through vspace.ensurePageTable
// rather than panic for want of a wired untyped source.
func TestPageTableMintedOnDemandDuringMap(t *testing.T) {
	resetBringUp()

	untypedSrc, err := bootinfo.Boot(fixture(), 0x100000)
	if err != nil {
		t.Fatalf("bootinfo.Boot: %s", err)
	}

	if err := dynheap.Init(fakeBootInvoker{}, untypedSrc); err != nil {
		t.Fatalf("dynheap.Init: %s", err)
	}

	untyped.SetFragmentSource(untypedSrc)
	vspace.SetUntypedSource(untypedSrc)

	inv := &pageTableMissInvoker{}

	ut, err := untypedSrc.Allocate4K(inv)
	if err != nil {
		t.Fatalf("allocate4k: %s", err)
	}

	cslot, err := slot.Allocate()
	if err != nil {
		t.Fatalf("slot allocate: %s", err)
	}

	c, _, err := ut.RetypeOne(inv, abi.ObjectPage4K, abi.Page4KBits, cslot)
	if err != nil {
		t.Fatalf("retype page: %s", err)
	}

	page := vspace.NewPage4K(c, ut)

	region, err := vspace.Allocate(abi.Page4KSize)
	if err != nil {
		t.Fatalf("vspace allocate: %s", err)
	}

	if _, _, err := page.MapIntoAddr(inv, region.Start(), true); err != nil {
		t.Fatalf("want ensurePageTable to mint a table and the retried map to succeed, got %s", err)
	}

	if inv.mapAttempts < 2 {
		t.Errorf("want at least 2 page-map attempts (the miss and the retry), got %d", inv.mapAttempts)
	}
}
