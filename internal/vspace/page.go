package vspace

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/sel4go/rootspace/internal/abi"
	"github.com/sel4go/rootspace/internal/cap"
	"github.com/sel4go/rootspace/internal/kerr"
	"github.com/sel4go/rootspace/internal/list"
	"github.com/sel4go/rootspace/internal/log"
	"github.com/sel4go/rootspace/internal/slot"
	"github.com/sel4go/rootspace/internal/sys"
	"github.com/sel4go/rootspace/internal/untyped"
)

var (
	ptMu          sync.Mutex
	untypedSource *untyped.Allocator
	pageTables    list.List[MappedPageTable]
)

// SetUntypedSource wires the untyped-memory allocator this package retypes page tables from.
// Mapping a page at an address with no page table yet falls back to minting one on demand, which
// needs somewhere to get the backing memory and a cap slot to hold it -- the same pluggable-source
// shape heap.SetDynamicProvider uses for its own tier-three fallback.
func SetUntypedSource(a *untyped.Allocator) {
	ptMu.Lock()
	defer ptMu.Unlock()

	untypedSource = a
}

// ResetPageTablesForTesting discards the page-table stash and untyped source, for tests only.
func ResetPageTablesForTesting() {
	ptMu.Lock()
	defer ptMu.Unlock()

	untypedSource = nil
	pageTables = list.List[MappedPageTable]{}
}

// Page4K is ownership of a retyped 4K frame capability, not yet mapped anywhere.
type Page4K struct {
	c      cap.Cap
	parent untyped.Untyped
}

// NewPage4K wraps an already-retyped 4K frame capability. Called once, right after
// Untyped.RetypeOne produces it.
func NewPage4K(c cap.Cap, parent untyped.Untyped) Page4K {
	return Page4K{c: c, parent: parent}
}

func (p Page4K) String() string {
	return fmt.Sprintf("page4k %s", p.c)
}

// Free deletes the frame capability and returns the untyped memory and slot it came from.
func (p Page4K) Free(inv sys.Invoker) (untyped.Untyped, cap.CapSlot, error) {
	s, err := p.c.Delete(inv)
	if err != nil {
		return untyped.Untyped{}, cap.CapSlot{}, err
	}

	return p.parent, s, nil
}

func (p Page4K) mapAt(inv sys.Invoker, vaddr uintptr, writable bool) kerr.Code {
	rights := uintptr(2)
	if writable {
		rights = 3
	}

	var mr [sys.NumMR]uintptr
	mr[0] = uintptr(p.c.PeekIndex())
	mr[1] = abi.CapInitVSpace
	mr[2] = vaddr
	mr[3] = rights

	code, _ := sys.Call(inv, abi.CapInitCNode, abi.TagX86PageMap, mr)

	return code
}

func (p Page4K) unmap(inv sys.Invoker) kerr.Code {
	var mr [sys.NumMR]uintptr
	mr[0] = uintptr(p.c.PeekIndex())

	code, _ := sys.Call(inv, abi.CapInitCNode, abi.TagX86PageUnmap, mr)

	return code
}

// MapIntoAddr maps the page at a caller-chosen address, minting a page table on demand if none is
// mapped there yet -- mirroring page4k.rs's map_into_addr, which retries exactly once after a
// FailedLookup.
func (p Page4K) MapIntoAddr(inv sys.Invoker, vaddr uintptr, writable bool) (FixedMappedPage4K, Page4K, error) {
	code := p.mapAt(inv, vaddr, writable)
	if code == kerr.FailedLookup {
		if err := ensurePageTable(inv, vaddr&^uintptr(abi.Page2MSize-1)); err == nil {
			code = p.mapAt(inv, vaddr, writable)
		}
	}

	if !code.Ok() {
		return FixedMappedPage4K{}, p, code
	}

	return FixedMappedPage4K{page: p, vaddr: vaddr}, Page4K{}, nil
}

// MapIntoVSpace allocates a fresh VRegion and maps the page into it, freeing the region again if
// the map fails.
func (p Page4K) MapIntoVSpace(inv sys.Invoker, writable bool) (RegionMappedPage4K, Page4K, error) {
	region, err := Allocate(abi.Page4KSize)
	if err != nil {
		return RegionMappedPage4K{}, p, err
	}

	code := p.mapAt(inv, region.To4KAddress(), writable)
	if code == kerr.FailedLookup {
		if err := ensurePageTable(inv, region.To4KAddress()&^uintptr(abi.Page2MSize-1)); err == nil {
			code = p.mapAt(inv, region.To4KAddress(), writable)
		}
	}

	if !code.Ok() {
		Free(region)
		return RegionMappedPage4K{}, p, code
	}

	return RegionMappedPage4K{page: p, vregion: region}, Page4K{}, nil
}

// FixedMappedPage4K is a Page4K mapped at a specific, caller-chosen address.
type FixedMappedPage4K struct {
	page  Page4K
	vaddr uintptr
}

func (m FixedMappedPage4K) GetAddr() uintptr { return m.vaddr }
func (m FixedMappedPage4K) GetPtr() unsafe.Pointer {
	return unsafe.Pointer(m.vaddr)
}

// GetArray reinterprets the mapped page as a fixed-size byte array, the way the root task touches
// device or shared memory once it's mapped.
func (m FixedMappedPage4K) GetArray() *[abi.Page4KSize]byte {
	return (*[abi.Page4KSize]byte)(unsafe.Pointer(m.vaddr))
}

func (m FixedMappedPage4K) Unmap(inv sys.Invoker) Page4K {
	if code := m.page.unmap(inv); !code.Ok() {
		panic(fmt.Sprintf("vspace: unmap of mapped page failed: %s", code))
	}

	return m.page
}

// RegionMappedPage4K is a Page4K mapped into a VRegion this package allocated itself.
type RegionMappedPage4K struct {
	page    Page4K
	vregion VRegion
}

func (m RegionMappedPage4K) GetAddr() uintptr { return m.vregion.To4KAddress() }
func (m RegionMappedPage4K) GetPtr() unsafe.Pointer {
	return unsafe.Pointer(m.GetAddr())
}

func (m RegionMappedPage4K) GetArray() *[abi.Page4KSize]byte {
	return (*[abi.Page4KSize]byte)(unsafe.Pointer(m.GetAddr()))
}

func (m RegionMappedPage4K) Unmap(inv sys.Invoker) Page4K {
	if code := m.page.unmap(inv); !code.Ok() {
		panic(fmt.Sprintf("vspace: unmap of mapped page failed: %s", code))
	}

	Free(m.vregion)

	return m.page
}

// PageTable is ownership of a retyped page-table capability, not yet mapped anywhere.
type PageTable struct {
	c      cap.Cap
	parent untyped.Untyped
}

func NewPageTable(c cap.Cap, parent untyped.Untyped) PageTable {
	return PageTable{c: c, parent: parent}
}

func (pt PageTable) Free(inv sys.Invoker) (untyped.Untyped, cap.CapSlot, error) {
	s, err := pt.c.Delete(inv)
	if err != nil {
		return untyped.Untyped{}, cap.CapSlot{}, err
	}

	return pt.parent, s, nil
}

func (pt PageTable) mapAt(inv sys.Invoker, vaddr uintptr) kerr.Code {
	var mr [sys.NumMR]uintptr
	mr[0] = uintptr(pt.c.PeekIndex())
	mr[1] = abi.CapInitVSpace
	mr[2] = vaddr

	code, _ := sys.Call(inv, abi.CapInitCNode, abi.TagX86PageTableMap, mr)

	return code
}

func (pt PageTable) unmap(inv sys.Invoker) kerr.Code {
	var mr [sys.NumMR]uintptr
	mr[0] = uintptr(pt.c.PeekIndex())

	code, _ := sys.Call(inv, abi.CapInitCNode, abi.TagX86PageTableUnmap, mr)

	return code
}

// MapIntoAddr maps the page table to cover vaddr's 2M-aligned region.
func (pt PageTable) MapIntoAddr(inv sys.Invoker, vaddr uintptr) (MappedPageTable, PageTable, error) {
	if code := pt.mapAt(inv, vaddr); !code.Ok() {
		return MappedPageTable{}, pt, code
	}

	return MappedPageTable{page: pt}, PageTable{}, nil
}

// MappedPageTable is a PageTable mapped to cover some 2M-aligned span of address space.
type MappedPageTable struct {
	page PageTable
}

// ensurePageTable mints and maps a fresh page table covering the 2M-aligned region containing
// vaddr, stashing it in the package's page-table list so it's never minted twice for the same
// region. Mirrors page4k.rs's map_page_table: allocate a slot, allocate a 4K block of untyped,
// retype it into a page table, map it, and unwind every step on failure.
func ensurePageTable(inv sys.Invoker, regionStart uintptr) error {
	ptMu.Lock()
	defer ptMu.Unlock()

	if untypedSource == nil {
		panic("vspace: page table fault with no untyped source wired")
	}

	cslot, err := slot.Allocate()
	if err != nil {
		log.DefaultLogger().Error("could not allocate cap slot for page table", "err", err)
		return err
	}

	ut, err := untypedSource.Allocate4K(inv)
	if err != nil {
		slot.Free(cslot)
		log.DefaultLogger().Error("could not allocate untyped for page table", "err", err)
		return err
	}

	c, failedSlot, err := ut.RetypeOne(inv, abi.ObjectPageTable, abi.Page4KBits, cslot)
	if err != nil {
		untypedSource.Free4K(ut)
		slot.Free(failedSlot)
		log.DefaultLogger().Error("could not retype page table", "err", err)
		return err
	}

	pt := NewPageTable(c, ut)

	mapped, unmapped, err := pt.MapIntoAddr(inv, regionStart)
	if err != nil {
		freedUt, freedSlot, freeErr := unmapped.Free(inv)
		if freeErr != nil {
			panic(fmt.Sprintf("vspace: could not unwind failed page table map: %s", freeErr))
		}

		untypedSource.Free4K(freedUt)
		slot.Free(freedSlot)
		log.DefaultLogger().Error("could not map page table", "err", err)

		return err
	}

	if err := pageTables.Push(mapped); err != nil {
		panic("vspace: out of bookkeeping memory stashing mapped page table")
	}

	return nil
}
