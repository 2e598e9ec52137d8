package drivers

import (
	"testing"

	"github.com/sel4go/rootspace/internal/abi"
	"github.com/sel4go/rootspace/internal/cap"
	"github.com/sel4go/rootspace/internal/irqmgr"
	"github.com/sel4go/rootspace/internal/kerr"
	"github.com/sel4go/rootspace/internal/slot"
	"github.com/sel4go/rootspace/internal/sys"
	"github.com/sel4go/rootspace/internal/untyped"
)

// fakeKbdInvoker answers both the IO port traffic a keyboard drives and the bring-up/notification
// traffic irqmgr drives, so a test can exercise the two packages wired together without real
// hardware or a real kernel.
type fakeKbdInvoker struct {
	ports   map[uint16]uint8
	waitOut uintptr
}

func newFakeKbdInvoker() *fakeKbdInvoker {
	return &fakeKbdInvoker{ports: make(map[uint16]uint8)}
}

func (f *fakeKbdInvoker) Invoke(dest abi.Word, info sys.MessageInfo, mr [sys.NumMR]uintptr) (sys.MessageInfo, [sys.NumMR]uintptr) {
	var out [sys.NumMR]uintptr

	switch info.Tag {
	case abi.TagX86IOPortIn8:
		port := uint16(mr[1])
		out[0] = uintptr(kerr.NoError)
		out[1] = uintptr(f.ports[port])
		if port == ps2PortData {
			f.ports[ps2PortCommand] &^= ps2StatusCanRead // reading the data port clears OBF, like real hardware
		}
	case abi.TagX86IOPortOut8:
		f.ports[uint16(mr[1])] = uint8(mr[2])
		out[0] = uintptr(kerr.NoError)
	case abi.TagNotificationWait:
		out[0] = f.waitOut
	default:
		out[0] = uintptr(kerr.NoError)
	}

	return sys.MessageInfo{}, out
}

func resetKeyboardFixture() {
	irqmgr.ResetForTesting()
	untyped.ResetFragmentForTesting()
	slot.ResetForTesting()
	slot.Init(cap.Range(0, 300))

	descs := []abi.UntypedDesc{{SizeBits: abi.Page4KBits}}
	a := &untyped.Allocator{}
	a.Init(cap.Range(500, 501), descs)
	untyped.SetFragmentSource(a)
}

func TestNewKeyboardFlushesAndRegistersIRQ1(t *testing.T) {
	resetKeyboardFixture()

	inv := newFakeKbdInvoker()
	inv.ports[ps2PortCommand] = ps2StatusCanRead // one stale byte buffered
	inv.ports[ps2PortData] = 0xAA

	var got []uint8
	k, err := NewKeyboard(inv, BootIOPort(), func(b uint8) { got = append(got, b) })
	if err != nil {
		t.Fatalf("newkeyboard: %s", err)
	}
	if k == nil {
		t.Fatal("want a non-nil keyboard")
	}

	if inv.ports[ps2PortCommand]&ps2StatusCanRead != 0 {
		t.Errorf("want flush to drain the stale byte, status still reads ready")
	}
	if len(got) != 0 {
		t.Errorf("want no scan codes forwarded yet, got %v", got)
	}
}

func TestKeyboardIRQDispatchForwardsScanCode(t *testing.T) {
	resetKeyboardFixture()

	inv := newFakeKbdInvoker()

	k, err := NewKeyboard(inv, BootIOPort(), nil)
	if err != nil {
		t.Fatalf("newkeyboard: %s", err)
	}

	var got []uint8
	k.on = func(b uint8) { got = append(got, b) }

	inv.ports[ps2PortCommand] = ps2StatusCanRead
	inv.ports[ps2PortData] = 0x1E // scan code for 'a' make
	inv.waitOut = 1 << ps2IRQLine

	mgr, err := irqmgr.GetManager(inv)
	if err != nil {
		t.Fatalf("getmanager: %s", err)
	}

	mgr.DispatchOnce(inv)

	if len(got) != 1 || got[0] != 0x1E {
		t.Errorf("want scan code [0x1E] forwarded, got %v", got)
	}
}
