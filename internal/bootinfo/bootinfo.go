// Package bootinfo describes the read-only structure the kernel hands the root task at entry,
// and drives the bring-up sequence every other allocator package depends on: seed the slot
// free-list, classify untyped memory into the bucketed allocator and the device splitter, then
// reserve the image's own virtual address range.
package bootinfo

import (
	"github.com/sel4go/rootspace/internal/abi"
	"github.com/sel4go/rootspace/internal/cap"
	"github.com/sel4go/rootspace/internal/device"
	"github.com/sel4go/rootspace/internal/log"
	"github.com/sel4go/rootspace/internal/slot"
	"github.com/sel4go/rootspace/internal/untyped"
	"github.com/sel4go/rootspace/internal/vspace"
)

// SlotRegion is a half-open range of capability-slot indices, as BootInfo reports it.
type SlotRegion struct {
	Start uint64
	End   uint64
}

// Range turns the region into the CapRange the slot and untyped allocators expect.
func (r SlotRegion) Range() cap.CapRange {
	return cap.Range(r.Start, r.End)
}

// Info is the boot-time structure the kernel populates before the root task's first instruction
// runs. Field order and sizes mirror the kernel's packed layout; nothing here is computed.
type Info struct {
	ExtraLen      uintptr
	NodeID        uintptr
	NumNodes      uintptr
	NumIOPTLevels uintptr
	IPCBufferAddr uintptr

	Empty           SlotRegion
	SharedFrames    SlotRegion
	UserImageFrames SlotRegion
	UserImagePaging SlotRegion
	IOSpaceCaps     SlotRegion
	ExtraBIPages    SlotRegion

	InitThreadCNodeSizeBits uint8
	InitThreadDomain        uintptr
	ArchInfo                uintptr

	Untyped     SlotRegion
	UntypedList [abi.MaxUntypedDescs]abi.UntypedDesc
}

// UntypedDescs returns the slice of UntypedList actually populated, matching Untyped's range.
func (i *Info) UntypedDescs() []abi.UntypedDesc {
	n := i.Untyped.Range().Len()
	return i.UntypedList[:n]
}

// Boot runs the one-time bring-up sequence: seed the slot free-list from Empty, split Untyped's
// capabilities between the device splitter and a fresh bucketed allocator, then carve out the
// vspace region the running image already occupies so later allocations never collide with it.
// executableStart is the image's load address, not part of BootInfo itself -- the kernel passes
// it to the entry point alongside the BootInfo pointer, not inside the structure.
func Boot(i *Info, executableStart uintptr) (*untyped.Allocator, error) {
	log.DefaultLogger().Info("booting root task",
		"nodeID", i.NodeID,
		"numNodes", i.NumNodes,
		"untyped", i.Untyped.Range().Len(),
		"empty", i.Empty.Range().Len(),
	)

	slot.Init(i.Empty.Range())

	descs := i.UntypedDescs()
	device.Init(i.Untyped.Range(), descs)

	a := &untyped.Allocator{}
	a.Init(i.Untyped.Range(), descs)

	imageLen := i.UserImageFrames.Range().Len() * abi.Page4KSize
	vspace.Init(executableStart, uintptr(imageLen))

	return a, nil
}
