package drivers

import (
	"testing"

	"github.com/sel4go/rootspace/internal/abi"
	"github.com/sel4go/rootspace/internal/kerr"
	"github.com/sel4go/rootspace/internal/sys"
)

type failingIOInvoker struct{}

func (failingIOInvoker) Invoke(dest abi.Word, info sys.MessageInfo, mr [sys.NumMR]uintptr) (sys.MessageInfo, [sys.NumMR]uintptr) {
	var out [sys.NumMR]uintptr
	out[0] = uintptr(kerr.InvalidArgument)

	return sys.MessageInfo{}, out
}

func TestIOPortOut8PropagatesKernelError(t *testing.T) {
	p := BootIOPort()

	if err := p.Out8(failingIOInvoker{}, 0x3F8, 0x42); err == nil {
		t.Errorf("want an error when the kernel rejects the invocation")
	}
}

func TestIOPortIn8PropagatesKernelError(t *testing.T) {
	p := BootIOPort()

	if _, err := p.In8(failingIOInvoker{}, 0x3F8); err == nil {
		t.Errorf("want an error when the kernel rejects the invocation")
	}
}

func TestIOPortRoundTrip(t *testing.T) {
	inv := newFakeIOInvoker()
	p := BootIOPort()

	if err := p.Out8(inv, 0x60, 0x7A); err != nil {
		t.Fatalf("out8: %s", err)
	}

	got, err := p.In8(inv, 0x60)
	if err != nil {
		t.Fatalf("in8: %s", err)
	}
	if got != 0x7A {
		t.Errorf("want 0x7A round-tripped, got %#x", got)
	}
}
