package control

import (
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/youpaw/taskmaster/internal/signals"
)

func send(t *testing.T, socketPath, line string) string {
	t.Helper()
	conn, err := net.DialTimeout("unix", socketPath, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(line)); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.(*net.UnixConn).CloseWrite()
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil && n == 0 {
		t.Fatalf("read: %v", err)
	}
	return string(buf[:n])
}

func TestServerEndToEnd(t *testing.T) {
	s := newTestSupervisor(t)
	router := signals.New(testLogger())
	defer router.Stop()

	socketPath := filepath.Join(t.TempDir(), "control.sock")
	srv, err := NewServer(s, router, socketPath, func() error { return nil }, testLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	done := make(chan struct{})
	go func() {
		srv.Serve()
		close(done)
	}()

	raw := send(t, socketPath, "start web")
	var resp struct {
		Msg     string `json:"msg"`
		Status  int    `json:"status"`
		Command string `json:"command"`
	}
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("unmarshal response %q: %v", raw, err)
	}
	if resp.Status != 0 {
		t.Fatalf("start failed: %s", resp.Msg)
	}

	rawTasks := send(t, socketPath, "_service_get_tasks")
	var svc struct {
		Tasks []string `json:"tasks"`
	}
	if err := json.Unmarshal([]byte(rawTasks), &svc); err != nil {
		t.Fatalf("unmarshal service response %q: %v", rawTasks, err)
	}
	if len(svc.Tasks) != 1 || svc.Tasks[0] != "web" {
		t.Fatalf("expected [\"web\"], got %v", svc.Tasks)
	}

	s.Stop(nil, true)

	raw = send(t, socketPath, "stop_server")
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("unmarshal response %q: %v", raw, err)
	}
	if resp.Command != "stop_server" || resp.Status != 0 {
		t.Fatalf("expected a successful stop_server response, got %+v", resp)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after stop_server")
	}
	srv.Close()
}
