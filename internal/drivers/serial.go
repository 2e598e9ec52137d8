package drivers

import (
	"github.com/sel4go/rootspace/internal/sys"
)

// Well-known COM port base addresses on PC-compatible hardware.
const (
	COM1 uint16 = 0x3F8
	COM2 uint16 = 0x2F8
	COM3 uint16 = 0x3E8
	COM4 uint16 = 0x2E8
)

const unscaledBaudRate = 115200

// Serial is a 16550-style UART, addressed entirely through IOPort.In8/Out8 -- there is no mapped
// memory behind it, unlike the device blocks internal/device hands out for MMIO hardware.
type Serial struct {
	port IOPort
	base uint16
}

// NewSerial configures a UART at base for the given baud rate.
func NewSerial(inv sys.Invoker, port IOPort, base uint16, baud uint32) (*Serial, error) {
	s := &Serial{port: port, base: base}

	if err := s.initialize(inv, baud); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Serial) out(inv sys.Invoker, offset uint16, val uint8) error {
	return s.port.Out8(inv, s.base+offset, val)
}

func (s *Serial) in(inv sys.Invoker, offset uint16) (uint8, error) {
	return s.port.In8(inv, s.base+offset)
}

func (s *Serial) initialize(inv sys.Invoker, baud uint32) error {
	if err := s.out(inv, 1, 0x00); err != nil { // disable interrupts
		return err
	}
	if err := s.out(inv, 3, 0x80); err != nil { // set DLAB
		return err
	}

	divisor := uint16(unscaledBaudRate / baud)
	if err := s.out(inv, 0, uint8(divisor)); err != nil {
		return err
	}
	if err := s.out(inv, 1, uint8(divisor>>8)); err != nil {
		return err
	}

	if err := s.out(inv, 3, 0x03); err != nil { // 8 bits, 1 stop bit, no parity
		return err
	}
	if err := s.out(inv, 2, 0xC7); err != nil { // enable FIFO, clear, 14-byte threshold
		return err
	}

	return s.out(inv, 4, 0x0B) // DTR/RTS set, OUT2 set to enable the IRQ line
}

// RecvReady reports whether a byte is waiting in the receive buffer.
func (s *Serial) RecvReady(inv sys.Invoker) (bool, error) {
	lsr, err := s.in(inv, 5)
	if err != nil {
		return false, err
	}

	return lsr&0x01 != 0, nil
}

// SendReady reports whether the transmit holding register is empty.
func (s *Serial) SendReady(inv sys.Invoker) (bool, error) {
	lsr, err := s.in(inv, 5)
	if err != nil {
		return false, err
	}

	return lsr&0x20 != 0, nil
}

// RecvByte reads one byte, assuming RecvReady has already been observed true -- it does not
// busy-wait, since every invocation here blocks synchronously on the kernel already.
func (s *Serial) RecvByte(inv sys.Invoker) (uint8, error) {
	return s.in(inv, 0)
}

// SendByte writes one byte, assuming SendReady has already been observed true.
func (s *Serial) SendByte(inv sys.Invoker, b uint8) error {
	return s.out(inv, 0, b)
}

// WriteString sends every byte of str in order, stopping at the first error.
func (s *Serial) WriteString(inv sys.Invoker, str string) error {
	for i := 0; i < len(str); i++ {
		for {
			ready, err := s.SendReady(inv)
			if err != nil {
				return err
			}
			if ready {
				break
			}
		}

		if err := s.SendByte(inv, str[i]); err != nil {
			return err
		}
	}

	return nil
}
