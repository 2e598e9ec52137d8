package irqmgr

import (
	"testing"

	"github.com/sel4go/rootspace/internal/abi"
	"github.com/sel4go/rootspace/internal/cap"
	"github.com/sel4go/rootspace/internal/kerr"
	"github.com/sel4go/rootspace/internal/slot"
	"github.com/sel4go/rootspace/internal/sys"
	"github.com/sel4go/rootspace/internal/untyped"
)

// scriptedInvoker replies with a fixed sequence of raw first-message-register words, one per
// call, and records each call's tag. Most replies are kerr.Code values; Wait's reply is a bit
// word, not a code, since Notification.Wait reads the raw register rather than going through
// sys.Call's code-collapsing path.
type scriptedInvoker struct {
	tags []abi.MessageTag
	out0 []uintptr
	i    int
}

func (f *scriptedInvoker) Invoke(dest abi.Word, info sys.MessageInfo, mr [sys.NumMR]uintptr) (sys.MessageInfo, [sys.NumMR]uintptr) {
	f.tags = append(f.tags, info.Tag)

	var out [sys.NumMR]uintptr
	if f.i < len(f.out0) {
		out[0] = f.out0[f.i]
	}
	f.i++

	return sys.MessageInfo{}, out
}

func reset(t *testing.T) {
	t.Helper()

	ResetForTesting()
	untyped.ResetFragmentForTesting()
	slot.ResetForTesting()
	slot.Init(cap.Range(0, 300))

	descs := []abi.UntypedDesc{{SizeBits: abi.Page4KBits}}
	a := &untyped.Allocator{}
	a.Init(cap.Range(500, 501), descs)
	untyped.SetFragmentSource(a)
}

func TestRequestSetCallbackDispatch(t *testing.T) {
	reset(t)

	inv := &scriptedInvoker{out0: []uintptr{
		uintptr(kerr.NoError), // fragment pool refill split
		uintptr(kerr.NoError), // notification retype
		uintptr(kerr.NoError), // IRQControl.Get
		uintptr(kerr.NoError), // SetNotification
		1 << 3,                // Wait: line 3 fired
	}}

	m, err := GetManager(inv)
	if err != nil {
		t.Fatalf("getmanager: %s", err)
	}

	if err := m.Request(inv, 3); err != nil {
		t.Fatalf("request: %s", err)
	}

	fired := false
	m.SetCallback(3, func() { fired = true })

	m.DispatchOnce(inv)

	if !fired {
		t.Errorf("want the callback for line 3 to fire")
	}

	wantTags := []abi.MessageTag{
		abi.TagUntypedRetype,
		abi.TagUntypedRetype,
		abi.TagIRQControlGet,
		abi.TagIRQHandlerSetNtfn,
		abi.TagNotificationWait,
	}

	if len(inv.tags) != len(wantTags) {
		t.Fatalf("want %d invocations, got %d (%v)", len(wantTags), len(inv.tags), inv.tags)
	}
	for i, tag := range wantTags {
		if inv.tags[i] != tag {
			t.Errorf("call %d: want tag %v, got %v", i, tag, inv.tags[i])
		}
	}
}

func TestDispatchOnceRunsLinesInAscendingOrder(t *testing.T) {
	reset(t)

	baseReplies := []uintptr{uintptr(kerr.NoError), uintptr(kerr.NoError)}
	inv := &scriptedInvoker{out0: append(append([]uintptr{}, baseReplies...),
		uintptr(kerr.NoError), uintptr(kerr.NoError), // request line 5
		uintptr(kerr.NoError), uintptr(kerr.NoError), // request line 1
		1<<5 | 1<<1, // Wait: lines 1 and 5 both fired
	)}

	m, err := GetManager(inv)
	if err != nil {
		t.Fatalf("getmanager: %s", err)
	}

	if err := m.Request(inv, 5); err != nil {
		t.Fatalf("request 5: %s", err)
	}
	if err := m.Request(inv, 1); err != nil {
		t.Fatalf("request 1: %s", err)
	}

	var order []uint8
	m.SetCallback(5, func() { order = append(order, 5) })
	m.SetCallback(1, func() { order = append(order, 1) })

	m.DispatchOnce(inv)

	if len(order) != 2 || order[0] != 1 || order[1] != 5 {
		t.Errorf("want ascending dispatch order [1 5], got %v", order)
	}
}

func TestSetCallbackOfUnregisteredLinePanics(t *testing.T) {
	reset(t)

	inv := &scriptedInvoker{out0: []uintptr{uintptr(kerr.NoError), uintptr(kerr.NoError)}}

	m, err := GetManager(inv)
	if err != nil {
		t.Fatalf("getmanager: %s", err)
	}

	defer func() {
		if recover() == nil {
			t.Errorf("want a panic setting a callback on an unregistered line")
		}
	}()

	m.SetCallback(7, func() {})
}

func TestFreeReturnsLineToUnregistered(t *testing.T) {
	reset(t)

	inv := &scriptedInvoker{out0: []uintptr{
		uintptr(kerr.NoError), uintptr(kerr.NoError), // bring-up
		uintptr(kerr.NoError), uintptr(kerr.NoError), // request
		uintptr(kerr.NoError),                        // handler clear
	}}

	m, err := GetManager(inv)
	if err != nil {
		t.Fatalf("getmanager: %s", err)
	}

	if err := m.Request(inv, 2); err != nil {
		t.Fatalf("request: %s", err)
	}

	m.SetCallback(2, func() {})

	if err := m.Free(inv, 2); err != nil {
		t.Fatalf("free: %s", err)
	}

	if m.lines[2].state != lineUnregistered {
		t.Errorf("want line back to unregistered, got state %v", m.lines[2].state)
	}

	if err := m.Request(inv, 2); err != nil {
		t.Errorf("want the line requestable again after free: %s", err)
	}
}
