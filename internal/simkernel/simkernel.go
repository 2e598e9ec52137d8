// Package simkernel is a software model of the kernel side of the syscall ABI. It stands in for
// real hardware and a real kernel so cmd/rootsim can drive the allocator substrate and
// internal/irqmgr from a developer's own terminal, the same role the teacher's vm package plays
// for cmd/elsie.
package simkernel

import (
	"sync"

	"github.com/sel4go/rootspace/internal/abi"
	"github.com/sel4go/rootspace/internal/drivers"
	"github.com/sel4go/rootspace/internal/kerr"
	"github.com/sel4go/rootspace/internal/sys"
)

const (
	ps2PortData      uint16 = 0x60
	ps2PortCommand   uint16 = 0x64
	ps2StatusCanRead uint8  = 0x01
	ps2IRQLine              = 1
)

// Kernel answers every invocation this root task issues. UntypedRetype, mapping, and the IRQ
// control-plane calls always succeed -- there is no real physical memory or page table behind
// them to fail. IO ports are backed by an in-memory map; the PS/2 ports are wired to a byte
// queue fed by Inject, and writes to the serial data register are forwarded to OnSerialByte.
type Kernel struct {
	mu      sync.Mutex
	ports   map[uint16]uint8
	pending []uint8
	woken   chan struct{}

	// OnSerialByte, if set, is called with every byte written to the COM1 data register.
	OnSerialByte func(b uint8)
}

// New returns a Kernel with every port initially zero and no bytes pending.
func New() *Kernel {
	return &Kernel{ports: make(map[uint16]uint8), woken: make(chan struct{}, 1)}
}

// Inject queues one byte as if it had just arrived on the PS/2 data port, and wakes anything
// blocked in a Notification.Wait invocation.
func (k *Kernel) Inject(b uint8) {
	k.mu.Lock()
	k.pending = append(k.pending, b)
	k.mu.Unlock()

	select {
	case k.woken <- struct{}{}:
	default:
	}
}

// Invoke implements sys.Invoker.
func (k *Kernel) Invoke(dest abi.Word, info sys.MessageInfo, mr [sys.NumMR]uintptr) (sys.MessageInfo, [sys.NumMR]uintptr) {
	var out [sys.NumMR]uintptr

	switch info.Tag {
	case abi.TagNotificationWait:
		out[0] = k.waitForKey()
	case abi.TagX86IOPortIn8:
		out[0] = uintptr(kerr.NoError)
		out[1] = uintptr(k.in8(uint16(mr[1])))
	case abi.TagX86IOPortOut8:
		k.out8(uint16(mr[1]), uint8(mr[2]))
		out[0] = uintptr(kerr.NoError)
	default:
		out[0] = uintptr(kerr.NoError)
	}

	return sys.MessageInfo{}, out
}

func (k *Kernel) waitForKey() uintptr {
	for {
		k.mu.Lock()
		ready := len(k.pending) > 0
		k.mu.Unlock()

		if ready {
			return uintptr(1) << ps2IRQLine
		}

		<-k.woken
	}
}

func (k *Kernel) in8(port uint16) uint8 {
	k.mu.Lock()
	defer k.mu.Unlock()

	switch {
	case port == ps2PortCommand:
		if len(k.pending) > 0 {
			return ps2StatusCanRead
		}

		return 0
	case port == ps2PortData:
		if len(k.pending) == 0 {
			return 0
		}

		b := k.pending[0]
		k.pending = k.pending[1:]

		return b
	case port == drivers.COM1+5:
		return 0x20 // line status: transmit holding register always empty, nothing to receive
	default:
		return k.ports[port]
	}
}

func (k *Kernel) out8(port uint16, val uint8) {
	k.mu.Lock()
	k.ports[port] = val
	k.mu.Unlock()

	if port == drivers.COM1 && k.OnSerialByte != nil {
		k.OnSerialByte(val)
	}
}
