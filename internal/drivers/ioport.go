// Package drivers holds the root task's own thin hardware consumers: a serial UART and a PS/2
// keyboard, each exercising the capability and memory substrate rather than being feature-complete
// drivers in their own right.
package drivers

import (
	"github.com/sel4go/rootspace/internal/abi"
	"github.com/sel4go/rootspace/internal/cap"
	"github.com/sel4go/rootspace/internal/kerr"
	"github.com/sel4go/rootspace/internal/sys"
)

// IOPort is the root task's boot-time capability to issue x86 IN/OUT instructions.
type IOPort struct {
	c cap.Cap
}

// BootIOPort wraps the well-known boot capability for IO port access.
func BootIOPort() IOPort {
	return IOPort{c: cap.SingleRange(uint64(abi.CapIOPort)).Nth(0).AssertPopulated()}
}

// In8 reads one byte from port.
func (p IOPort) In8(inv sys.Invoker, port uint16) (uint8, error) {
	var mr [sys.NumMR]uintptr
	mr[0] = uintptr(p.c.PeekIndex())
	mr[1] = uintptr(port)

	code, out := sys.Call(inv, abi.CapInitCNode, abi.TagX86IOPortIn8, mr)
	if !code.Ok() {
		return 0, code
	}

	return uint8(out[1]), nil
}

// Out8 writes one byte to port.
func (p IOPort) Out8(inv sys.Invoker, port uint16, val uint8) error {
	var mr [sys.NumMR]uintptr
	mr[0] = uintptr(p.c.PeekIndex())
	mr[1] = uintptr(port)
	mr[2] = uintptr(val)

	code, _ := sys.Call(inv, abi.CapInitCNode, abi.TagX86IOPortOut8, mr)

	return kerr.AsError(code)
}
