// Package controlclient is taskmasterctl's half of the wire protocol:
// connect to the daemon's control socket, send one command line, and
// decode the JSON envelope (or the raw service-endpoint JSON) back.
package controlclient

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// Response mirrors internal/wire.Response on the client side, kept as a
// separate type so this package has no dependency on the daemon's
// internal packages.
type Response struct {
	Msg     string `json:"msg"`
	Status  int    `json:"status"`
	Command string `json:"command"`
}

// Client holds the path to the daemon's control socket. It is
// intentionally connectionless between calls: taskmasterctl is a
// one-shot CLI, and the interactive shell just calls Send repeatedly.
type Client struct {
	SocketPath string
	Timeout    time.Duration
}

// New builds a Client with a sensible default timeout.
func New(socketPath string) *Client {
	return &Client{SocketPath: socketPath, Timeout: 5 * time.Second}
}

// Send dials the socket, writes line, and reads back one response.
func (c *Client) Send(line string) (Response, error) {
	conn, err := net.DialTimeout("unix", c.SocketPath, c.Timeout)
	if err != nil {
		return Response{}, fmt.Errorf("connect to %s: %w", c.SocketPath, err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(c.Timeout))

	if _, err := conn.Write([]byte(line)); err != nil {
		return Response{}, fmt.Errorf("send command: %w", err)
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		uc.CloseWrite()
	}

	body, err := io.ReadAll(conn)
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return Response{}, fmt.Errorf("malformed response: %w", err)
	}
	return resp, nil
}

// RawService calls one of the reserved _service_* endpoints and returns
// the raw JSON bytes, unwrapped by the Response envelope.
func (c *Client) RawService(name string) ([]byte, error) {
	conn, err := net.DialTimeout("unix", c.SocketPath, c.Timeout)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", c.SocketPath, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.Timeout))

	if _, err := conn.Write([]byte(name)); err != nil {
		return nil, err
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		uc.CloseWrite()
	}
	return io.ReadAll(conn)
}

// TaskNames fetches the live task name list via _service_get_tasks, used
// by the interactive shell to report how many tasks the daemon has loaded.
func (c *Client) TaskNames() ([]string, error) {
	body, err := c.RawService("_service_get_tasks")
	if err != nil {
		return nil, err
	}
	var out struct {
		Tasks []string `json:"tasks"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("malformed service response: %w", err)
	}
	return out.Tasks, nil
}

// JoinArgs quotes any argument containing whitespace so it survives
// internal/wire.Tokenize on the daemon side unscathed.
func JoinArgs(args []string) string {
	parts := make([]string, len(args))
	for i, a := range args {
		if strings.ContainsAny(a, " \t") {
			parts[i] = `"` + a + `"`
		} else {
			parts[i] = a
		}
	}
	return strings.Join(parts, " ")
}
