package control

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/youpaw/taskmaster/internal/supervisor"
)

// Context is what a command Handler needs to do its work. It is
// constructed fresh per connection by Dispatch.
type Context struct {
	Sup  *supervisor.Supervisor
	Args []string
	All  bool

	// ReloadConfig re-reads the config file from disk and reconciles the
	// Supervisor against it. Only the "reload" command ever calls this.
	ReloadConfig func() error
}

// Handler runs one command and returns its human-readable message and
// status code: 0 ok, 2 partial failure, 1 when every target failed or
// the command itself failed (a failed reload). Protocol errors, also
// status 1, are produced by Dispatch itself, before a Handler ever runs.
type Handler func(ctx *Context) (msg string, status int)

// Command is one row of the static command dispatch table: an ordinary
// map lookup from command name to handler.
type Command struct {
	Name     string
	Usage    string
	NeedsArg bool // at least one task name required unless --all
	AllowAll bool
	Run      Handler
}

// commandTable is the dispatch table. help and stop_server take no
// task-name arguments; start/stop/restart require >=1 unless --all;
// status accepts zero or more.
var commandTable map[string]*Command

func init() {
	commandTable = map[string]*Command{
		"start":       {Name: "start", Usage: "start <name...>|--all", NeedsArg: true, AllowAll: true, Run: runStart},
		"stop":        {Name: "stop", Usage: "stop <name...>|--all", NeedsArg: true, AllowAll: true, Run: runStop},
		"restart":     {Name: "restart", Usage: "restart <name...>|--all", NeedsArg: true, AllowAll: true, Run: runRestart},
		"status":      {Name: "status", Usage: "status [name...]", Run: runStatus},
		"reload":      {Name: "reload", Usage: "reload", Run: runReload},
		"stop_server": {Name: "stop_server", Usage: "stop_server", Run: runStopServer},
		"help":        {Name: "help", Usage: "help", Run: runHelp},
	}
}

func runStart(ctx *Context) (string, int) {
	res := ctx.Sup.Start(ctx.Args, ctx.All)
	return formatResult(res)
}

func runStop(ctx *Context) (string, int) {
	res := ctx.Sup.Stop(ctx.Args, ctx.All)
	return formatResult(res)
}

func runRestart(ctx *Context) (string, int) {
	res := ctx.Sup.Restart(ctx.Args, ctx.All)
	return formatResult(res)
}

func formatResult(res supervisor.Result) (string, int) {
	var lines []string
	ok := 0
	for _, e := range res.Entries {
		if e.Err != nil {
			lines = append(lines, fmt.Sprintf("%s: error: %v", e.Name, e.Err))
		} else {
			lines = append(lines, fmt.Sprintf("%s: ok", e.Name))
			ok++
		}
	}
	status := 0
	if res.FailCount() > 0 {
		status = 2
		if ok == 0 {
			status = 1
		}
	}
	return strings.Join(lines, "\n"), status
}

func runStatus(ctx *Context) (string, int) {
	entries := ctx.Sup.Status(ctx.Args)

	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATE\tEXIT\tRESTARTS\tUMASK")

	status := 0
	for _, e := range entries {
		if e.Err != nil {
			fmt.Fprintf(w, "%s\terror: %v\t\t\t\n", e.Name, e.Err)
			status = 2
			continue
		}
		exit := "-"
		if e.Info.HasExitCode {
			exit = fmt.Sprintf("%d", e.Info.LastExitCode)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%#o\n", e.Name, e.Info.State, exit, e.Info.RestartCount, e.Info.Umask)
	}
	w.Flush()
	return strings.TrimRight(sb.String(), "\n"), status
}

func runReload(ctx *Context) (string, int) {
	if err := ctx.ReloadConfig(); err != nil {
		return fmt.Sprintf("reload failed: %v", err), 1
	}
	return "reloaded", 0
}

func runStopServer(ctx *Context) (string, int) {
	return "stopping", 0
}

func runHelp(ctx *Context) (string, int) {
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "COMMAND\tUSAGE")
	for _, name := range []string{"start", "stop", "restart", "status", "reload", "stop_server", "help"} {
		fmt.Fprintf(w, "%s\t%s\n", name, commandTable[name].Usage)
	}
	w.Flush()
	return strings.TrimRight(sb.String(), "\n"), 0
}
