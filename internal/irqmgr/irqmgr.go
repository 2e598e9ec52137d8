// Package irqmgr is the root task's single-threaded, cooperative interrupt dispatcher. One shared
// Notification fans in every requested line; callbacks are plain closures invoked synchronously
// off a bit-scan of the notification's wait word, never off their own goroutine.
package irqmgr

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/sel4go/rootspace/internal/abi"
	"github.com/sel4go/rootspace/internal/cap"
	"github.com/sel4go/rootspace/internal/kerr"
	"github.com/sel4go/rootspace/internal/slot"
	"github.com/sel4go/rootspace/internal/sys"
	"github.com/sel4go/rootspace/internal/untyped"
)

// MaxIRQ bounds how many lines fit in one notification's bit word.
const MaxIRQ = 32

// Notification is ownership of a retyped Notification capability.
type Notification struct {
	c      cap.Cap
	parent untyped.Untyped
}

func (n Notification) PeekIndex() uint64 { return n.c.PeekIndex() }

func (n Notification) Signal(inv sys.Invoker) {
	var mr [sys.NumMR]uintptr
	mr[0] = uintptr(n.c.PeekIndex())

	inv.Invoke(abi.CapInitCNode, sys.MessageInfo{Tag: abi.TagNotificationSignal, Length: sys.NumMR}, mr)
}

// Wait blocks until the notification is signalled and returns the resulting bit word.
func (n Notification) Wait(inv sys.Invoker) uintptr {
	var mr [sys.NumMR]uintptr
	mr[0] = uintptr(n.c.PeekIndex())

	_, out := inv.Invoke(abi.CapInitCNode, sys.MessageInfo{Tag: abi.TagNotificationWait, Length: sys.NumMR}, mr)

	return out[0]
}

func (n Notification) free(inv sys.Invoker) (untyped.Untyped, cap.CapSlot, error) {
	s, err := n.c.Delete(inv)
	if err != nil {
		return untyped.Untyped{}, cap.CapSlot{}, err
	}

	return n.parent, s, nil
}

// IRQControl is the root task's boot-time capability to bind physical interrupt lines.
type IRQControl struct {
	c cap.Cap
}

// Get binds irq to a fresh IRQHandler capability landing in dest.
func (ic IRQControl) Get(inv sys.Invoker, irq uint8, dest cap.CapSlot) (IRQHandler, cap.CapSlot, error) {
	var mr [sys.NumMR]uintptr
	mr[0] = uintptr(ic.c.PeekIndex())
	mr[1] = uintptr(irq)
	mr[2] = uintptr(dest.Index())

	code, _ := sys.Call(inv, abi.CapInitCNode, abi.TagIRQControlGet, mr)
	if !code.Ok() {
		return IRQHandler{}, dest, code
	}

	return IRQHandler{c: dest.AssertPopulated()}, cap.CapSlot{}, nil
}

// IRQHandler is ownership of one bound interrupt line's capability.
type IRQHandler struct {
	c cap.Cap
}

func (h IRQHandler) Ack(inv sys.Invoker) kerr.Code {
	var mr [sys.NumMR]uintptr
	mr[0] = uintptr(h.c.PeekIndex())

	code, _ := sys.Call(inv, abi.CapInitCNode, abi.TagIRQHandlerAck, mr)

	return code
}

func (h IRQHandler) Clear(inv sys.Invoker) kerr.Code {
	var mr [sys.NumMR]uintptr
	mr[0] = uintptr(h.c.PeekIndex())

	code, _ := sys.Call(inv, abi.CapInitCNode, abi.TagIRQHandlerClear, mr)

	return code
}

func (h IRQHandler) SetNotification(inv sys.Invoker, n Notification) kerr.Code {
	var mr [sys.NumMR]uintptr
	mr[0] = uintptr(h.c.PeekIndex())
	mr[1] = uintptr(n.PeekIndex())

	code, _ := sys.Call(inv, abi.CapInitCNode, abi.TagIRQHandlerSetNtfn, mr)

	return code
}

func (h IRQHandler) Delete(inv sys.Invoker) (cap.CapSlot, error) {
	return h.c.Delete(inv)
}

// Callback runs on the main loop's own stack when its line's bit is set. It must not block on
// another notification and is responsible for calling Ack itself -- without it the line stays
// masked and never fires again.
type Callback func()

type lineState uint8

const (
	lineUnregistered lineState = iota
	lineRegistered
	lineActive
)

type line struct {
	state   lineState
	handler IRQHandler
	cb      Callback
}

// Manager owns the shared notification and the 32-line callback table fanned in off it.
type Manager struct {
	irqcontrol   IRQControl
	notification Notification
	lines        [MaxIRQ]line
}

func newManager(inv sys.Invoker) (*Manager, error) {
	ic := IRQControl{c: cap.SingleRange(uint64(abi.CapIRQControl)).Nth(0).AssertPopulated()}

	ut, err := untyped.Allocate16(inv)
	if err != nil {
		return nil, err
	}

	cslot, err := slot.Allocate()
	if err != nil {
		untyped.Free16(ut)
		return nil, err
	}

	c, failedSlot, err := ut.RetypeOne(inv, abi.ObjectNotification, 0, cslot)
	if err != nil {
		untyped.Free16(ut)
		slot.Free(failedSlot)

		return nil, err
	}

	return &Manager{irqcontrol: ic, notification: Notification{c: c, parent: ut}}, nil
}

// Request binds a fresh IRQHandler for irq to the manager's shared notification, taking the line
// from unregistered to registered.
func (m *Manager) Request(inv sys.Invoker, irq uint8) error {
	if irq >= MaxIRQ {
		panic("irqmgr: irq out of range")
	}
	if m.lines[irq].state != lineUnregistered {
		panic("irqmgr: request of an already-registered line")
	}

	cslot, err := slot.Allocate()
	if err != nil {
		return err
	}

	h, failedSlot, err := m.irqcontrol.Get(inv, irq, cslot)
	if err != nil {
		slot.Free(failedSlot)
		return err
	}

	if code := h.SetNotification(inv, m.notification); !code.Ok() {
		if _, derr := h.Delete(inv); derr != nil {
			panic(fmt.Sprintf("irqmgr: could not unwind a failed bind: %s", derr))
		}

		return code
	}

	m.lines[irq] = line{state: lineRegistered, handler: h}

	return nil
}

// SetCallback moves a registered line to active, attaching cb. It asserts the line isn't already
// active.
func (m *Manager) SetCallback(irq uint8, cb Callback) {
	l := &m.lines[irq]
	if l.state != lineRegistered {
		panic("irqmgr: set_cb of a line that is not registered")
	}

	l.cb = cb
	l.state = lineActive
}

// ClearCallback moves an active line back to registered. It asserts the line was active.
func (m *Manager) ClearCallback(irq uint8) {
	l := &m.lines[irq]
	if l.state != lineActive {
		panic("irqmgr: clear_cb of a line that is not active")
	}

	l.cb = nil
	l.state = lineRegistered
}

// Ack acks irq's handler. A callback must call this once it has drained whatever made the line
// fire, or the line stays masked and never fires again.
func (m *Manager) Ack(inv sys.Invoker, irq uint8) error {
	l := &m.lines[irq]
	if l.state != lineActive {
		panic("irqmgr: ack of a line that is not active")
	}

	return kerr.AsError(l.handler.Ack(inv))
}

// Free clears any callback, clears and deletes the line's handler capability, and returns it to
// unregistered.
func (m *Manager) Free(inv sys.Invoker, irq uint8) error {
	l := &m.lines[irq]

	if l.state == lineActive {
		m.ClearCallback(irq)
	}
	if l.state != lineRegistered {
		panic("irqmgr: free of an unregistered line")
	}

	if code := l.handler.Clear(inv); !code.Ok() {
		return code
	}

	s, err := l.handler.Delete(inv)
	if err != nil {
		return err
	}

	slot.Free(s)
	*l = line{}

	return nil
}

// DispatchOnce waits for the shared notification once and runs every callback whose bit was set,
// in ascending line order.
func (m *Manager) DispatchOnce(inv sys.Invoker) {
	word := m.notification.Wait(inv)

	for word != 0 {
		bit := bits.TrailingZeros(uint(word))
		l := &m.lines[bit]

		if l.cb != nil {
			l.cb()
		}

		word &^= uintptr(1) << uint(bit)
	}
}

// MainLoop dispatches forever. It never returns.
func (m *Manager) MainLoop(inv sys.Invoker) {
	for {
		m.DispatchOnce(inv)
	}
}

var (
	mgrMu sync.Mutex
	mgr   *Manager
)

// ResetForTesting discards the package-level manager singleton, for tests only.
func ResetForTesting() {
	mgrMu.Lock()
	defer mgrMu.Unlock()

	mgr = nil
}

// GetManager returns the package-level manager, creating it (and its backing notification) on
// first use.
func GetManager(inv sys.Invoker) (*Manager, error) {
	mgrMu.Lock()
	defer mgrMu.Unlock()

	if mgr == nil {
		m, err := newManager(inv)
		if err != nil {
			return nil, err
		}

		mgr = m
	}

	return mgr, nil
}

// Request binds irq on the package-level manager.
func Request(inv sys.Invoker, irq uint8) error {
	m, err := GetManager(inv)
	if err != nil {
		return err
	}

	return m.Request(inv, irq)
}

// MainLoop dispatches forever on the package-level manager.
func MainLoop(inv sys.Invoker) {
	m, err := GetManager(inv)
	if err != nil {
		panic(fmt.Sprintf("irqmgr: could not bring up the manager: %s", err))
	}

	m.MainLoop(inv)
}
