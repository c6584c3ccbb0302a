// Package control implements the control server: it owns the control
// socket, tokenizes and dispatches one command per connection through
// the static command table in commands.go, and - since the tick loop
// and signal router funnel through the very same serial dispatch point
// - also drives Supervisor.Update() between connections and polls the
// signal router's flags once per loop iteration.
package control

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/youpaw/taskmaster/internal/procinfo"
	"github.com/youpaw/taskmaster/internal/signals"
	"github.com/youpaw/taskmaster/internal/supervisor"
	"github.com/youpaw/taskmaster/internal/wire"
)

// TickInterval is how often Supervisor.Update() runs when no connection
// is pending; the state machine must advance at least once per second.
const TickInterval = 1 * time.Second

// recvBufferSize bounds a single client command; an oversized command
// gets a parse-error response, not a crash.
const recvBufferSize = 64 * 1024

// Server owns the control socket and the daemon's main dispatch loop.
type Server struct {
	sup        *supervisor.Supervisor
	router     *signals.Router
	log        logrus.FieldLogger
	socketPath string
	ln         *net.UnixListener

	reloadConfig func() error
}

// NewServer binds the control socket. Any stale socket file left behind
// by an unclean shutdown is removed first, since the daemon's own
// pid-file lock (internal/pidfile) is what actually guarantees single-
// instance semantics.
func NewServer(sup *supervisor.Supervisor, router *signals.Router, socketPath string, reloadConfig func() error, log logrus.FieldLogger) (*Server, error) {
	_ = os.Remove(socketPath)

	addr, err := net.ResolveUnixAddr("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("resolve socket path: %w", err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	return &Server{
		sup:          sup,
		router:       router,
		log:          log,
		socketPath:   socketPath,
		ln:           ln,
		reloadConfig: reloadConfig,
	}, nil
}

// Close releases the listener and removes the socket file.
func (s *Server) Close() {
	s.ln.Close()
	_ = os.Remove(s.socketPath)
}

// Serve is the combined C4+C5+C6 loop: on each iteration it first
// services any pending signal-triggered work (reload, a verbose status
// dump), then accepts with a TickInterval deadline so a quiet socket
// still ticks the state machine once a second. It returns when either
// the signal router reports a termination request or a client issues
// stop_server.
func (s *Server) Serve() {
	for {
		if s.router.TerminateRequested() {
			s.log.Info("termination requested, leaving serve loop")
			return
		}
		if s.router.ReloadRequested() {
			if err := s.reloadConfig(); err != nil {
				s.log.WithError(err).Error("signal-triggered reload failed")
			}
		}
		if s.router.DumpRequested() {
			s.dumpStatus()
		}

		if err := s.ln.SetDeadline(time.Now().Add(TickInterval)); err != nil {
			s.log.WithError(err).Error("set accept deadline")
			return
		}
		conn, err := s.ln.AcceptUnix()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.sup.Update()
				continue
			}
			s.log.WithError(err).Error("accept failed")
			return
		}

		stop := s.handleConn(conn)
		s.sup.Update()
		if stop {
			return
		}
	}
}

// handleConn runs the per-connection protocol: read one command, decode
// and dispatch it, write one JSON response, close. It reports whether
// the command that ran was stop_server, the signal for Serve to exit
// after this connection closes.
func (s *Server) handleConn(conn *net.UnixConn) (stopServer bool) {
	defer conn.Close()

	buf := make([]byte, recvBufferSize)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := conn.Read(buf)
	if err != nil && n == 0 {
		s.log.WithError(err).Debug("read failed")
		return false
	}
	if n == recvBufferSize {
		resp := wire.Response{Msg: "command too long", Status: 1}
		conn.Write(resp.Encode())
		return false
	}

	line := strings.TrimRight(string(buf[:n]), "\r\n")

	if strings.HasPrefix(line, "_service_") {
		s.writeServiceResponse(conn, line)
		return false
	}

	resp := s.dispatch(line)
	conn.Write(resp.Encode())
	return resp.Command == "stop_server" && resp.Status == 0
}

// dispatch tokenizes and runs one command against the static table.
func (s *Server) dispatch(line string) wire.Response {
	tokens, err := wire.Tokenize(line)
	if err != nil {
		return wire.Response{Msg: fmt.Sprintf("parse error: %v", err), Status: 1}
	}
	if len(tokens) == 0 {
		return wire.Response{Msg: "empty command", Status: 1}
	}

	name := tokens[0]
	cmd, ok := commandTable[name]
	if !ok {
		return wire.Response{Msg: fmt.Sprintf("unknown command: %s", name), Status: 1, Command: name}
	}

	args, all, help, err := parseFlags(tokens[1:], cmd.AllowAll)
	if err != nil {
		return wire.Response{Msg: err.Error(), Status: 1, Command: name}
	}
	if help {
		return wire.Response{Msg: cmd.Usage, Status: 0, Command: name}
	}
	if all && len(args) != 0 {
		return wire.Response{Msg: "--all takes no task name arguments", Status: 1, Command: name}
	}
	if cmd.NeedsArg && !all && len(args) == 0 {
		return wire.Response{Msg: fmt.Sprintf("%s requires at least one task name, or --all", name), Status: 1, Command: name}
	}

	ctx := &Context{Sup: s.sup, Args: args, All: all, ReloadConfig: s.reloadConfig}
	msg, status := cmd.Run(ctx)
	return wire.Response{Msg: msg, Status: status, Command: name}
}

// parseFlags splits tokens into positional task-name arguments and the
// --all/--help flags. allowAll rejects --all for commands that don't
// support it.
func parseFlags(tokens []string, allowAll bool) (args []string, all, help bool, err error) {
	for _, tok := range tokens {
		switch tok {
		case "--help":
			help = true
		case "--all":
			if !allowAll {
				return nil, false, false, fmt.Errorf("--all is not valid for this command")
			}
			all = true
		default:
			if strings.HasPrefix(tok, "--") {
				return nil, false, false, fmt.Errorf("unknown flag: %s", tok)
			}
			args = append(args, tok)
		}
	}
	return args, all, help, nil
}

// writeServiceResponse handles the reserved _service_* tokens: raw
// JSON, no msg/status/command envelope, used by the completion client
// to enumerate task names and the command table.
func (s *Server) writeServiceResponse(conn *net.UnixConn, line string) {
	tokens, _ := wire.Tokenize(line)
	if len(tokens) == 0 {
		return
	}

	var payload any
	switch tokens[0] {
	case "_service_get_tasks":
		payload = map[string][]string{"tasks": s.sup.TaskNames()}
	case "_service_get_commands":
		info := make(map[string]any, len(commandTable))
		for name, cmd := range commandTable {
			info[name] = map[string]any{"args": cmd.NeedsArg, "flags": collectFlags(cmd)}
		}
		payload = map[string]any{"commands": info}
	default:
		payload = map[string]string{"error": "unknown service endpoint"}
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	conn.Write(b)
}

func collectFlags(cmd *Command) []string {
	flags := []string{"--help"}
	if cmd.AllowAll {
		flags = append(flags, "--all")
	}
	return flags
}

// dumpStatus is the SIGUSR1 handler's effect: a verbose status line per
// task written to the daemon log, with the procfs fields worth a log
// record - RSS, thread count, open fd count.
func (s *Server) dumpStatus() {
	for _, e := range s.sup.Status(nil) {
		if e.Err != nil {
			continue
		}
		fields := logrus.Fields{
			"task":          e.Name,
			"state":         e.Info.State.String(),
			"pid":           e.Info.Pid,
			"restart_count": e.Info.RestartCount,
		}
		if e.Info.Pid != 0 {
			if snap, err := procinfo.Read(e.Info.Pid); err == nil {
				fields["vmrss_kb"] = snap.VmRSSKB
				fields["threads"] = snap.Threads
				fields["open_fds"] = snap.NumFDs
			}
		}
		s.log.WithFields(fields).Info("status dump")
	}
}
