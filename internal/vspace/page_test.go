package vspace

import (
	"errors"
	"testing"

	"github.com/sel4go/rootspace/internal/abi"
	"github.com/sel4go/rootspace/internal/cap"
	"github.com/sel4go/rootspace/internal/kerr"
	"github.com/sel4go/rootspace/internal/slot"
	"github.com/sel4go/rootspace/internal/sys"
	"github.com/sel4go/rootspace/internal/untyped"
)

// scriptedInvoker replies with a fixed sequence of kerr.Codes, one per call, the way the teacher's
// device tests script a sequence of canned responses instead of talking to real hardware.
type scriptedInvoker struct {
	tags    []abi.MessageTag
	replies []kerr.Code
	i       int
}

func (f *scriptedInvoker) Invoke(dest abi.Word, info sys.MessageInfo, mr [sys.NumMR]uintptr) (sys.MessageInfo, [sys.NumMR]uintptr) {
	f.tags = append(f.tags, info.Tag)

	var out [sys.NumMR]uintptr
	if f.i < len(f.replies) {
		out[0] = uintptr(f.replies[f.i])
	}
	f.i++

	return sys.MessageInfo{}, out
}

func newPageFixture(t *testing.T) (Page4K, *untyped.Allocator) {
	t.Helper()

	reset()
	ResetPageTablesForTesting()
	slot.ResetForTesting()
	slot.Init(cap.Range(0, 8))

	descs := []abi.UntypedDesc{{SizeBits: abi.Page4KBits}}
	a := &untyped.Allocator{}
	a.Init(cap.Range(50, 51), descs)
	SetUntypedSource(a)

	parent := untyped.FromCap(cap.Range(20, 21).Nth(0).AssertPopulated(), abi.Page4KBits)
	page := NewPage4K(cap.Range(10, 11).Nth(0).AssertPopulated(), parent)

	return page, a
}

func TestMapIntoAddrSucceedsWithoutPageTableFault(t *testing.T) {
	page, _ := newPageFixture(t)

	inv := &scriptedInvoker{replies: []kerr.Code{kerr.NoError}}

	mapped, failed, err := page.MapIntoAddr(inv, 0x4000, true)
	if err != nil {
		t.Fatalf("mapintoaddr: %s", err)
	}

	if failed != (Page4K{}) {
		t.Errorf("want zero-value page on success")
	}

	if mapped.GetAddr() != 0x4000 {
		t.Errorf("want mapped addr %#x, got %#x", 0x4000, mapped.GetAddr())
	}

	if len(inv.tags) != 1 || inv.tags[0] != abi.TagX86PageMap {
		t.Errorf("want a single PageMap invocation, got %v", inv.tags)
	}
}

func TestMapIntoAddrRetriesAfterMintingPageTable(t *testing.T) {
	page, _ := newPageFixture(t)

	// PageMap fails FailedLookup, then UntypedRetype and PageTableMap both succeed, then the
	// retried PageMap succeeds.
	inv := &scriptedInvoker{replies: []kerr.Code{kerr.FailedLookup, kerr.NoError, kerr.NoError, kerr.NoError}}

	mapped, failed, err := page.MapIntoAddr(inv, 0x200000, true)
	if err != nil {
		t.Fatalf("mapintoaddr: %s", err)
	}

	if failed != (Page4K{}) {
		t.Errorf("want zero-value page on success")
	}

	wantTags := []abi.MessageTag{
		abi.TagX86PageMap,
		abi.TagUntypedRetype,
		abi.TagX86PageTableMap,
		abi.TagX86PageMap,
	}

	if len(inv.tags) != len(wantTags) {
		t.Fatalf("want %d invocations, got %d (%v)", len(wantTags), len(inv.tags), inv.tags)
	}

	for i, tag := range wantTags {
		if inv.tags[i] != tag {
			t.Errorf("call %d: want tag %v, got %v", i, tag, inv.tags[i])
		}
	}

	if mapped.GetAddr() != 0x200000 {
		t.Errorf("want mapped addr %#x, got %#x", 0x200000, mapped.GetAddr())
	}

	if pageTables.Len() != 1 {
		t.Errorf("want one page table stashed, got %d", pageTables.Len())
	}
}

func TestMapIntoAddrPropagatesPageTableFailure(t *testing.T) {
	page, _ := newPageFixture(t)

	// PageMap fails FailedLookup, and minting the page table's retype also fails.
	inv := &scriptedInvoker{replies: []kerr.Code{kerr.FailedLookup, kerr.NotEnoughMemory}}

	_, failed, err := page.MapIntoAddr(inv, 0x200000, true)
	if !errors.Is(err, kerr.FailedLookup) {
		t.Errorf("want the original FailedLookup surfaced when page table creation also fails, got %v", err)
	}

	if failed == (Page4K{}) {
		t.Errorf("want the page handed back on failure")
	}

	if pageTables.Len() != 0 {
		t.Errorf("want no page table stashed on failure, got %d", pageTables.Len())
	}
}

func TestMapIntoVSpaceAllocatesAndFreesOnFailure(t *testing.T) {
	page, _ := newPageFixture(t)

	Init(0, 0)

	inv := &scriptedInvoker{replies: []kerr.Code{kerr.InvalidArgument}}

	_, failed, err := page.MapIntoVSpace(inv, true)
	if err == nil {
		t.Fatalf("want mapping failure surfaced")
	}

	if failed == (Page4K{}) {
		t.Errorf("want the page handed back on failure")
	}

	again, err := Allocate(abi.Page4KSize)
	if err != nil {
		t.Fatalf("want the failed mapping's vregion freed back to the allocator: %s", err)
	}

	Free(again)
}
