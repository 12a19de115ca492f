// xtask is the host-side companion to the kernel: it boots a built kernel
// image under qemu-system-riscv64 and, on request, opens a GDB remote
// stub for it. It plays the role the loader's own xtask plays in the host
// build, narrowed to the run/debug surface the kernel side needs.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"k23/cmd/xtask/internal/cli"
	"k23/cmd/xtask/internal/cli/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	code := cli.New(ctx).
		WithCommands(cmd.Run(), cmd.Debug()).
		Execute(os.Args[1:])
	os.Exit(code)
}
