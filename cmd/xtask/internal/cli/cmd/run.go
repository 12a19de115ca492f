package cmd

import (
	"context"
	"flag"
	"io"
	"log/slog"

	"k23/cmd/xtask/internal/cli"
	"k23/cmd/xtask/internal/qemu"
)

// Run returns the "run" subcommand: boot image under QEMU with the guest
// console attached to the host terminal.
func Run() cli.Command { return new(run) }

type run struct {
	gdbPort int
	wait    bool
}

func (run) Help() string { return "run the kernel image under qemu-system-riscv64" }

func (r *run) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.IntVar(&r.gdbPort, "gdb-port", 1234, "TCP port to listen for GDB connections on")
	fs.BoolVar(&r.wait, "wait-for-debugger", false, "halt at reset and wait for a debugger to attach")
	return fs
}

// Run expects exactly one positional argument: the kernel image path.
// Everything after "--" is forwarded verbatim to qemu-system-riscv64.
func (r *run) Run(ctx context.Context, args []string, _ io.Writer, log *slog.Logger) error {
	image, qemuArgs, err := splitImageArgs(args)
	if err != nil {
		return err
	}
	log.Info("launching QEMU", "image", image)
	return qemu.Run(ctx, qemu.Options{
		WaitForDebugger: r.wait,
		GDBPort:         r.gdbPort,
		QemuArgs:        qemuArgs,
	}, image)
}
