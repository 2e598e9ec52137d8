// Command rootserver is the freestanding root-task image. The kernel loads it and transfers
// control directly to its entry point with a BootInfo pointer and the image's own load address in
// registers -- there is no operating system underneath to hand main() an argv or environment.
package main

import (
	"github.com/sel4go/rootspace/internal/bootinfo"
	"github.com/sel4go/rootspace/internal/drivers"
	"github.com/sel4go/rootspace/internal/dynheap"
	"github.com/sel4go/rootspace/internal/irqmgr"
	"github.com/sel4go/rootspace/internal/log"
	"github.com/sel4go/rootspace/internal/sys"
	"github.com/sel4go/rootspace/internal/untyped"
	"github.com/sel4go/rootspace/internal/vspace"
)

// Boot is the Go-side continuation of the kernel's entry transfer. The architecture-specific
// startup glue that decodes the BootInfo pointer and the load address out of the kernel's initial
// register state and calls this function lives outside the portable parts of this module; Boot is
// everything from that point on.
func Boot(info *bootinfo.Info, executableStart uintptr, buf *sys.IPCBuffer) {
	logger := log.DefaultLogger()
	inv := sys.NewShim(buf)

	untypedSrc, err := bootinfo.Boot(info, executableStart)
	if err != nil {
		logger.Error("root task bring-up failed", "err", err)
		panic(err)
	}

	if err := dynheap.Init(inv, untypedSrc); err != nil {
		logger.Error("dynamic heap bring-up failed", "err", err)
		panic(err)
	}

	untyped.SetFragmentSource(untypedSrc)
	vspace.SetUntypedSource(untypedSrc)

	if _, err := drivers.NewKeyboard(inv, drivers.BootIOPort(), nil); err != nil {
		logger.Error("keyboard bring-up failed, continuing without one", "err", err)
	}

	logger.Info("root task bring-up complete, entering IRQ main loop")

	irqmgr.MainLoop(inv)
}

func main() {
	// Never entered directly: this image has no process loader to call it, and the real
	// continuation point is Boot, reached by the entry stub the kernel actually jumps to.
}
