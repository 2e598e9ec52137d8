package drivers

import (
	"github.com/sel4go/rootspace/internal/irqmgr"
	"github.com/sel4go/rootspace/internal/sys"
)

const (
	ps2PortData    uint16 = 0x60
	ps2PortCommand uint16 = 0x64

	ps2StatusCanRead uint8 = 0x01

	ps2IRQLine uint8 = 1
)

// ScanCodeFunc receives one raw PS/2 scan code byte per keypress event.
type ScanCodeFunc func(b uint8)

// Keyboard is a minimal PS/2 port-1 consumer: it does not run the device identify/reset
// handshake a full driver would, it only drains whatever scan codes the controller already
// produces and forwards them to on. It exists to exercise irqmgr end to end, not to be a
// feature-complete PS/2 stack.
type Keyboard struct {
	port IOPort
	on   ScanCodeFunc
}

// NewKeyboard flushes the controller's output buffer, requests IRQ1 from the shared IRQ
// manager, and arms a callback that reads one scan code and forwards it to on each time the
// line fires.
func NewKeyboard(inv sys.Invoker, port IOPort, on ScanCodeFunc) (*Keyboard, error) {
	k := &Keyboard{port: port, on: on}

	if err := k.flush(inv); err != nil {
		return nil, err
	}

	if err := irqmgr.Request(inv, ps2IRQLine); err != nil {
		return nil, err
	}

	mgr, err := irqmgr.GetManager(inv)
	if err != nil {
		return nil, err
	}

	mgr.SetCallback(ps2IRQLine, func() { k.handleIRQ(inv, mgr) })

	return k, nil
}

func (k *Keyboard) canRead(inv sys.Invoker) (bool, error) {
	status, err := k.port.In8(inv, ps2PortCommand)
	if err != nil {
		return false, err
	}

	return status&ps2StatusCanRead != 0, nil
}

// flush drains any scan codes already buffered before the keyboard's owner installs a callback.
func (k *Keyboard) flush(inv sys.Invoker) error {
	for {
		ready, err := k.canRead(inv)
		if err != nil {
			return err
		}
		if !ready {
			return nil
		}

		if _, err := k.port.In8(inv, ps2PortData); err != nil {
			return err
		}
	}
}

func (k *Keyboard) handleIRQ(inv sys.Invoker, mgr *irqmgr.Manager) {
	ready, err := k.canRead(inv)
	if err != nil {
		return
	}
	if !ready {
		return
	}

	b, err := k.port.In8(inv, ps2PortData)
	if err != nil {
		return
	}

	if k.on != nil {
		k.on(b)
	}

	if err := mgr.Ack(inv, ps2IRQLine); err != nil {
		panic("drivers: could not ack the keyboard IRQ line")
	}
}
