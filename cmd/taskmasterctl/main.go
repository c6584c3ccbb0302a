// Command taskmasterctl is the operator-facing control client: a
// one-shot subcommand per control-socket command, plus an interactive
// shell (shell.go) when invoked with no subcommand.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/youpaw/taskmaster/internal/config"
	"github.com/youpaw/taskmaster/internal/controlclient"
)

// socketFlag is shared by every subcommand and the interactive shell.
var socketFlag string

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&taskCommand{name: "start", allowAll: true}, "")
	subcommands.Register(&taskCommand{name: "stop", allowAll: true}, "")
	subcommands.Register(&taskCommand{name: "restart", allowAll: true}, "")
	subcommands.Register(&taskCommand{name: "status"}, "")
	subcommands.Register(&simpleCommand{name: "reload", synopsis: "reload the configuration file"}, "")
	subcommands.Register(&simpleCommand{name: "stop_server", synopsis: "shut down taskmasterd"}, "")

	flag.StringVar(&socketFlag, "socket", "", "path to the taskmasterd control socket (default: "+config.DefaultSocketPath+")")
	flag.Parse()

	if flag.NArg() == 0 {
		runShell(resolveSocket())
		return
	}

	os.Exit(int(subcommands.Execute(context.Background())))
}

// resolveSocket honors an explicit -socket flag, otherwise falls back to
// the default path config.Load would use for an un-pathed daemon.
func resolveSocket() string {
	if socketFlag != "" {
		return socketFlag
	}
	return config.DefaultSocketPath
}

// taskCommand implements start/stop/restart/status, which all share the
// "task names, or --all" argument shape (status excepted from AllowAll's
// requirement that at least one of names/--all be given).
type taskCommand struct {
	name     string
	allowAll bool
	all      bool
}

func (c *taskCommand) Name() string     { return c.name }
func (c *taskCommand) Synopsis() string { return c.name + " one or more tasks" }
func (c *taskCommand) Usage() string {
	if !c.allowAll {
		return fmt.Sprintf("%s [task...] - %s\n", c.name, c.Synopsis())
	}
	return fmt.Sprintf("%s <task...>|--all - %s\n", c.name, c.Synopsis())
}

func (c *taskCommand) SetFlags(f *flag.FlagSet) {
	if c.allowAll {
		f.BoolVar(&c.all, "all", false, "apply to every task")
	}
}

func (c *taskCommand) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	line := c.name
	if c.all {
		line += " --all"
	} else if f.NArg() > 0 {
		line += " " + controlclient.JoinArgs(f.Args())
	}

	client := controlclient.New(resolveSocket())
	resp, err := client.Send(line)
	if err != nil {
		fmt.Fprintln(os.Stderr, "taskmasterctl:", err)
		return subcommands.ExitFailure
	}
	fmt.Println(resp.Msg)
	return statusToExit(resp.Status)
}

// simpleCommand covers reload and stop_server, which take no arguments.
type simpleCommand struct {
	name     string
	synopsis string
}

func (c *simpleCommand) Name() string             { return c.name }
func (c *simpleCommand) Synopsis() string         { return c.synopsis }
func (c *simpleCommand) Usage() string            { return c.name + " - " + c.synopsis + "\n" }
func (c *simpleCommand) SetFlags(f *flag.FlagSet) {}

func (c *simpleCommand) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	client := controlclient.New(resolveSocket())
	resp, err := client.Send(c.name)
	if err != nil {
		fmt.Fprintln(os.Stderr, "taskmasterctl:", err)
		return subcommands.ExitFailure
	}
	fmt.Println(resp.Msg)
	return statusToExit(resp.Status)
}

func statusToExit(status int) subcommands.ExitStatus {
	if status == 0 {
		return subcommands.ExitSuccess
	}
	return subcommands.ExitFailure
}
