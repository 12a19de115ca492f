// Package qemu launches the kernel under qemu-system-riscv64 and wires the
// guest's console to the host terminal, mirroring the loader's own
// qemu.rs launcher: the same machine/cpu/memory defaults, the same
// -kernel/-gdb wiring, re-expressed as a Go exec.Cmd instead of a Rust
// Command builder.
package qemu

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// Options mirrors the loader's QemuOptions: debugger-attach flags plus
// arbitrary passthrough arguments appended after xtask's own.
type Options struct {
	WaitForDebugger bool
	GDBPort         int
	QemuArgs        []string
}

// baseArgs are the fixed machine/cpu/memory/console flags every profile
// shares; QemuArgs are appended after these, so a caller can override any
// of them.
var baseArgs = []string{
	"-machine", "virt",
	"-cpu", "rv64",
	"-m", "256M",
	"-d", "guest_errors",
	"-display", "none",
	"-serial", "mon:stdio",
	"-smp", "cpus=1",
}

// ExitError reports the guest's own exit code, distinguished from a
// failure to launch QEMU at all.
type ExitError struct{ Code int }

func (e *ExitError) Error() string { return fmt.Sprintf("guest exited with status %d", e.Code) }
func (e *ExitError) ExitCode() int { return e.Code }

// Run launches image under qemu-system-riscv64, forwarding the host
// terminal to the guest console and putting the host terminal into raw
// mode for the duration (so the guest, not the host line discipline, sees
// every keystroke). It blocks until QEMU exits or ctx is canceled, in
// which case QEMU is killed.
func Run(ctx context.Context, opts Options, image string) error {
	args := append(append([]string{}, baseArgs...), "-kernel", image)
	args = append(args, opts.QemuArgs...)
	if opts.WaitForDebugger {
		args = append(args, "-S", "-gdb", fmt.Sprintf("tcp::%d", opts.GDBPort))
	}

	cmd := exec.CommandContext(ctx, "qemu-system-riscv64", args...)
	// Run QEMU in its own process group so a Ctrl-C delivered to the
	// foreground group can be forwarded deliberately (see below) instead
	// of racing the signal the host terminal driver already sent it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin := int(os.Stdin.Fd())
	if term.IsTerminal(stdin) {
		state, err := term.MakeRaw(stdin)
		if err != nil {
			return fmt.Errorf("qemu: entering raw mode: %w", err)
		}
		defer term.Restore(stdin, state)
	}

	cmd.Stdin = os.Stdin
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("qemu: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("qemu: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("qemu: spawn (is qemu-system-riscv64 installed?): %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { _, err := io.Copy(os.Stdout, stdout); return err })
	group.Go(func() error { _, err := io.Copy(os.Stderr, stderr); return err })
	group.Go(func() error {
		select {
		case <-sigCh:
			// Forward to the whole process group QEMU was placed in
			// (negative pid), not just the qemu-system-riscv64 pid
			// itself, so any helper process it spawns also sees it.
			return unix.Kill(-cmd.Process.Pid, unix.SIGTERM)
		case <-gctx.Done():
			return nil
		}
	})

	waitErr := cmd.Wait()
	_ = group.Wait()

	if waitErr == nil {
		return nil
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		return &ExitError{Code: exitErr.ExitCode()}
	}
	return fmt.Errorf("qemu: %w", waitErr)
}
