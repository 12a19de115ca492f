package cmd

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"

	"k23/cmd/xtask/internal/cli"
	"k23/cmd/xtask/internal/qemu"
)

// Debug returns the "debug" subcommand: like run, but always halts at
// reset and opens a GDB remote stub, saving callers the
// -wait-for-debugger flag.
func Debug() cli.Command { return new(debug) }

type debug struct {
	gdbPort int
}

func (debug) Help() string { return "run the kernel image under qemu-system-riscv64, halted for GDB" }

func (d *debug) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("debug", flag.ContinueOnError)
	fs.IntVar(&d.gdbPort, "gdb-port", 1234, "TCP port to listen for GDB connections on")
	return fs
}

func (d *debug) Run(ctx context.Context, args []string, _ io.Writer, log *slog.Logger) error {
	image, qemuArgs, err := splitImageArgs(args)
	if err != nil {
		return err
	}
	log.Info("launching QEMU, waiting for debugger", "image", image, "port", d.gdbPort)
	return qemu.Run(ctx, qemu.Options{
		WaitForDebugger: true,
		GDBPort:         d.gdbPort,
		QemuArgs:        qemuArgs,
	}, image)
}

// splitImageArgs pulls the required image path off the front of args; any
// remaining arguments are passed through to QEMU unchanged.
func splitImageArgs(args []string) (image string, qemuArgs []string, err error) {
	if len(args) == 0 {
		return "", nil, errors.New("xtask: missing kernel image path")
	}
	return args[0], args[1:], nil
}
