// Command rootsim runs the root task's bring-up sequence and IRQ main loop against a simulated
// kernel instead of real hardware, so internal/irqmgr, internal/drivers, and the allocator
// substrate can be exercised interactively from a developer's own terminal before real hardware
// is available. It plays the same role for this module that cmd/elsie plays for the teacher's vm
// package.
package main

import (
	"context"
	"os"

	"github.com/sel4go/rootspace/internal/cli"
	"github.com/sel4go/rootspace/internal/cli/cmd"
)

var commands = []cli.Command{
	cmd.Run(),
	cmd.Info(),
}

func main() {
	result :=
		cli.New(context.Background()).
			WithLogger(os.Stderr).
			WithCommands(commands).
			WithHelp(cmd.Help(commands)).
			Execute(os.Args[1:])

	os.Exit(result)
}
