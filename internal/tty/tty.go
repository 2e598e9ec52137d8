// Package tty adapts a developer's own terminal into the keyboard and serial console this root
// task expects from real PC hardware, for use by the simulated rootsim harness.
package tty

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/sel4go/rootspace/internal/simkernel"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// Console is a serial console for the simulated kernel using Unix terminal I/O[^1].
//
// Keys pressed on the console are injected into the kernel as PS/2 scan codes, and every byte
// the simulated serial UART transmits is echoed to the terminal.
//
// [1]: See: tty(4), termios(4).
type Console struct {
	in    *os.File
	out   *term.Terminal
	fd    int
	state *term.State

	keyCh  chan uint8
	termCh chan byte
}

// ErrNoTTY is returned if standard input is not a terminal. In this case, asynchronous I/O is
// not supported by the console.
var ErrNoTTY error = errors.New("console: not a TTY")

// ConsoleContext creates a Console wired to kernel. Calling the returned cancel restores the
// terminal state and stops the background goroutines.
func ConsoleContext(parent context.Context, kernel *simkernel.Kernel) (
	context.Context, *Console, context.CancelFunc,
) {
	ctx, cause := context.WithCancelCause(parent)

	console, err := NewConsole(os.Stdin, os.Stdout, os.Stderr)
	if err != nil {
		cause(err)

		return ctx, console, func() { cause(err) }
	}

	kernel.OnSerialByte = func(b byte) {
		select {
		case console.termCh <- b:
		default:
			// dropped: the terminal isn't draining fast enough, nothing to do about it here.
		}
	}

	go console.readTerminal(ctx, cause)
	go console.updateKeyboard(ctx, kernel, cause)
	go console.updateTerminal(ctx, cause)

	return ctx, console, console.Restore
}

// NewConsole creates a Console using the provided streams. If the input stream is not a terminal,
// ErrNoTTY is returned. Callers are responsible for calling [Restore] to return the terminal to its
// initial state.
func NewConsole(sin, sout, serr *os.File) (*Console, error) {
	fd := int(sin.Fd())

	if !term.IsTerminal(fd) {
		return nil, ErrNoTTY
	}

	saved, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoTTY, err)
	}

	cons := Console{
		fd:     fd,
		in:     sin,
		out:    term.NewTerminal(sin, ""),
		state:  saved,
		keyCh:  make(chan uint8, 1),
		termCh: make(chan byte, 80),
	}

	if err := cons.setTerminalParams(1, 0); err != nil {
		return nil, err
	}

	return &cons, nil
}

// Press injects a key press into the input stream, as if typed.
func (c Console) Press(key byte) {
	c.keyCh <- key
}

// Writer returns an io.Writer that writes to the terminal.
func (c Console) Writer() io.Writer {
	return c.out
}

// Restore returns the terminal to its initial state and cancels in-progress reads.
func (c *Console) Restore() {
	_ = os.Stdin.SetReadDeadline(time.Now())
	_ = term.Restore(c.fd, c.state)
}

func (c *Console) setTerminalParams(vmin, vtime byte) error {
	_ = syscall.SetNonblock(c.fd, true)

	termIO, err := unix.IoctlGetTermios(c.fd, getTermiosIoctl)
	if err != nil {
		return err
	}

	termIO.Cc[unix.VMIN] = vmin
	termIO.Cc[unix.VTIME] = vtime

	if err := unix.IoctlSetTermios(c.fd, setTermiosIoctl, termIO); err != nil {
		return err
	}

	_ = os.Stdin.SetReadDeadline(time.Time{})

	return nil
}

// readTerminal reads bytes from the terminal and writes them to the key channel until the context
// is cancelled.
func (c Console) readTerminal(ctx context.Context, cancel context.CancelCauseFunc) {
	buf := bufio.NewReader(c.in)

	_ = syscall.SetNonblock(c.fd, false)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b, err := buf.ReadByte()
		if err != nil {
			cancel(err)
			return
		}

		select {
		case <-ctx.Done():
			return
		case c.keyCh <- b:
		}
	}
}

// updateKeyboard takes keys from the key channel and injects each as a PS/2 scan code into
// kernel. The function blocks until the context is cancelled.
func (c Console) updateKeyboard(ctx context.Context, kernel *simkernel.Kernel, _ context.CancelCauseFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case key := <-c.keyCh:
			kernel.Inject(key)
		}
	}
}

// updateTerminal writes every byte the simulated serial UART transmits to the terminal.
func (c Console) updateTerminal(ctx context.Context, cancel context.CancelCauseFunc) {
	for {
		select {
		case b := <-c.termCh:
			if _, err := fmt.Fprintf(c.out, "%c", b); err != nil {
				cancel(err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
