package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/sel4go/rootspace/internal/cli"
	"github.com/sel4go/rootspace/internal/log"
)

// Info prints a summary of the BootInfo fixture Run boots against, without touching the
// simulated kernel or the terminal.
func Info() cli.Command {
	return new(info)
}

type info struct{}

func (info) Description() string {
	return "print the simulated BootInfo fixture"
}

func (info) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `
info

Print the untyped and slot layout the run command boots against.`)

	return err
}

func (info) FlagSet() *cli.FlagSet {
	return flag.NewFlagSet("info", flag.ExitOnError)
}

func (info) Run(_ context.Context, _ []string, out io.Writer, _ *log.Logger) int {
	bi := fixtureBootInfo()

	fmt.Fprintf(out, "empty slots:        %d..%d\n", bi.Empty.Start, bi.Empty.End)
	fmt.Fprintf(out, "user image frames:  %d..%d\n", bi.UserImageFrames.Start, bi.UserImageFrames.End)
	fmt.Fprintln(out, "untyped:")

	for _, d := range bi.UntypedDescs() {
		fmt.Fprintf(out, "  paddr=%#x sizeBits=%d device=%t\n", d.PAddr, d.SizeBits, d.IsDevice)
	}

	return 0
}
