package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/sel4go/rootspace/internal/abi"
	"github.com/sel4go/rootspace/internal/bootinfo"
	"github.com/sel4go/rootspace/internal/cli"
	"github.com/sel4go/rootspace/internal/drivers"
	"github.com/sel4go/rootspace/internal/dynheap"
	"github.com/sel4go/rootspace/internal/irqmgr"
	"github.com/sel4go/rootspace/internal/log"
	"github.com/sel4go/rootspace/internal/simkernel"
	"github.com/sel4go/rootspace/internal/tty"
	"github.com/sel4go/rootspace/internal/untyped"
	"github.com/sel4go/rootspace/internal/vspace"
)

// Run is the command that drives the full bring-up sequence and IRQ main loop against a
// simulated kernel, with the developer's own terminal standing in for a PS/2 keyboard and
// serial console.
func Run() cli.Command {
	return new(run)
}

type run struct {
	headless bool
}

func (run) Description() string {
	return "boot the root task against a simulated kernel"
}

func (run) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `
run [ -headless ]

Boot the root task's bring-up sequence, then enter the IRQ main loop. Keystrokes typed at the
terminal are injected as keyboard IRQs; bytes the simulated serial UART transmits are echoed
back.`)

	return err
}

func (r *run) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("run", flag.ExitOnError)

	fs.BoolVar(&r.headless, "headless", false, "don't attach the terminal, just log IRQ activity")

	return fs
}

func (r run) Run(ctx context.Context, args []string, out io.Writer, logger *log.Logger) int {
	kernel := simkernel.New()

	untypedSrc, err := bootinfo.Boot(fixtureBootInfo(), 0x400000)
	if err != nil {
		logger.Error("bring-up failed", "err", err)
		return 1
	}

	if err := dynheap.Init(kernel, untypedSrc); err != nil {
		logger.Error("dynamic heap bring-up failed", "err", err)
		return 1
	}

	untyped.SetFragmentSource(untypedSrc)
	vspace.SetUntypedSource(untypedSrc)

	port := drivers.BootIOPort()

	serial, err := drivers.NewSerial(kernel, port, drivers.COM1, 9600)
	if err != nil {
		logger.Error("serial bring-up failed", "err", err)
		return 1
	}

	kernel.OnSerialByte = func(b uint8) { fmt.Fprintf(out, "%c", b) }

	onScanCode := func(b uint8) {
		_ = serial.WriteString(kernel, fmt.Sprintf("scan code: %#02x\r\n", b))
	}

	if _, err := drivers.NewKeyboard(kernel, port, onScanCode); err != nil {
		logger.Error("keyboard bring-up failed", "err", err)
		return 1
	}

	if !r.headless {
		termCtx, _, cancel := tty.ConsoleContext(ctx, kernel)
		defer cancel()

		if cause := context.Cause(termCtx); cause != nil {
			logger.Info("no terminal attached, falling back to a plain log of IRQ activity", "err", cause)
		} else {
			_ = serial.WriteString(kernel, "rootsim: type to inject keyboard IRQs, ctrl-c to quit\r\n")
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)

	go func() {
		<-sig
		os.Exit(0)
	}()

	logger.Info("entering IRQ main loop")

	irqmgr.MainLoop(kernel)

	return 0
}

// fixtureBootInfo is a small but complete BootInfo, standing in for what a real kernel would
// hand the root task at entry: enough empty slots for the allocators bring-up seeds, one
// ordinary untyped block large enough to back the dynamic heap, a 4K untyped block for the
// fragment pool, and one device block for a simulated MMIO peripheral.
func fixtureBootInfo() *bootinfo.Info {
	i := &bootinfo.Info{
		Empty:           bootinfo.SlotRegion{Start: 100, End: 2000},
		UserImageFrames: bootinfo.SlotRegion{Start: 10, End: 20},
		Untyped:         bootinfo.SlotRegion{Start: 0, End: 3},
	}

	i.UntypedList[0] = abi.UntypedDesc{PAddr: 0x10000000, SizeBits: 24}
	i.UntypedList[1] = abi.UntypedDesc{PAddr: 0x11000000, SizeBits: abi.Page4KBits}
	i.UntypedList[2] = abi.UntypedDesc{PAddr: 0xFED00000, SizeBits: abi.Page4KBits, IsDevice: true}

	return i
}
