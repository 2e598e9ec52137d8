package drivers

import (
	"testing"

	"github.com/sel4go/rootspace/internal/abi"
	"github.com/sel4go/rootspace/internal/kerr"
	"github.com/sel4go/rootspace/internal/sys"
)

// fakeIOInvoker answers In8/Out8 invocations against a tiny simulated port space, so tests can
// assert on the actual byte sequence a driver issues without any real hardware.
type fakeIOInvoker struct {
	ports map[uint16]uint8
	outs  []uint16 // ports written, in order
}

func newFakeIOInvoker() *fakeIOInvoker {
	return &fakeIOInvoker{ports: make(map[uint16]uint8)}
}

func (f *fakeIOInvoker) Invoke(dest abi.Word, info sys.MessageInfo, mr [sys.NumMR]uintptr) (sys.MessageInfo, [sys.NumMR]uintptr) {
	var out [sys.NumMR]uintptr

	switch info.Tag {
	case abi.TagX86IOPortIn8:
		port := uint16(mr[1])
		out[0] = uintptr(kerr.NoError)
		out[1] = uintptr(f.ports[port])
	case abi.TagX86IOPortOut8:
		port := uint16(mr[1])
		f.ports[port] = uint8(mr[2])
		f.outs = append(f.outs, port)
		out[0] = uintptr(kerr.NoError)
	}

	return sys.MessageInfo{}, out
}

func TestNewSerialConfiguresLineControl(t *testing.T) {
	inv := newFakeIOInvoker()
	port := BootIOPort()

	s, err := NewSerial(inv, port, COM1, 115200)
	if err != nil {
		t.Fatalf("newserial: %s", err)
	}

	if inv.ports[COM1+3] != 0x03 {
		t.Errorf("want line control 0x03, got %#x", inv.ports[COM1+3])
	}
	if inv.ports[COM1+2] != 0xC7 {
		t.Errorf("want fifo control 0xC7, got %#x", inv.ports[COM1+2])
	}

	if _, err := s.RecvReady(inv); err != nil {
		t.Errorf("recvready: %s", err)
	}
}

func TestSerialSendByteWritesDataRegister(t *testing.T) {
	inv := newFakeIOInvoker()
	port := BootIOPort()

	s, err := NewSerial(inv, port, COM1, 115200)
	if err != nil {
		t.Fatalf("newserial: %s", err)
	}

	if err := s.SendByte(inv, 'X'); err != nil {
		t.Fatalf("sendbyte: %s", err)
	}

	if inv.ports[COM1] != 'X' {
		t.Errorf("want data register holding 'X', got %#x", inv.ports[COM1])
	}
}

func TestSerialWriteStringSendsEveryByte(t *testing.T) {
	inv := newFakeIOInvoker()
	port := BootIOPort()

	s, err := NewSerial(inv, port, COM1, 115200)
	if err != nil {
		t.Fatalf("newserial: %s", err)
	}

	inv.ports[COM1+5] = 0x20 // transmit holding register always empty

	if err := s.WriteString(inv, "hi"); err != nil {
		t.Fatalf("writestring: %s", err)
	}

	if inv.ports[COM1] != 'i' {
		t.Errorf("want the data register to hold the last byte sent ('i'), got %#x", inv.ports[COM1])
	}
}
