// Package cli contains the xtask command-line dispatcher: a small
// Commander that matches argv[0] against a set of registered Commands,
// each owning its own flag.FlagSet.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
)

type FlagSet = flag.FlagSet

// Command is one xtask subcommand (run, debug, ...).
type Command interface {
	FlagSet() *FlagSet
	Help() string
	Run(ctx context.Context, args []string, out io.Writer, log *slog.Logger) error
}

func New(ctx context.Context) *Commander {
	return &Commander{ctx: ctx, log: slog.Default()}
}

type Commander struct {
	ctx      context.Context
	log      *slog.Logger
	commands []Command
}

func (c *Commander) WithCommands(cmds ...Command) *Commander {
	c.commands = append(c.commands, cmds...)
	return c
}

// Execute dispatches args[0] to the matching Command's FlagSet and Run,
// returning the process exit code.
func (c *Commander) Execute(args []string) int {
	if len(args) == 0 {
		c.printUsage()
		return 1
	}

	for _, cmd := range c.commands {
		fs := cmd.FlagSet()
		if args[0] != fs.Name() {
			continue
		}
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		if err := cmd.Run(c.ctx, fs.Args(), os.Stdout, c.log); err != nil {
			c.log.Error(err.Error())
			return exitCodeFor(err)
		}
		return 0
	}

	fmt.Fprintf(os.Stderr, "xtask: unknown command %q\n", args[0])
	c.printUsage()
	return 1
}

func (c *Commander) printUsage() {
	fmt.Fprintln(os.Stderr, "usage: xtask <command> [flags]")
	for _, cmd := range c.commands {
		fmt.Fprintf(os.Stderr, "  %-10s %s\n", cmd.FlagSet().Name(), cmd.Help())
	}
}

// ExitCoder is implemented by errors that carry the guest's own exit
// status, so Execute can forward it instead of collapsing every failure
// to 1.
type ExitCoder interface {
	ExitCode() int
}

func exitCodeFor(err error) int {
	if ec, ok := err.(ExitCoder); ok {
		return ec.ExitCode()
	}
	return 1
}
