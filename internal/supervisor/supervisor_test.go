package supervisor

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/youpaw/taskmaster/internal/program"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func spec(name, script string) *program.Spec {
	return &program.Spec{
		Name:         name,
		Cmd:          "/bin/sh -c " + script,
		Args:         []string{"/bin/sh", "-c", script},
		AutoRestart:  program.AutoRestartNever,
		ExitCodes:    map[int]struct{}{0: {}},
		StartRetries: 3,
		StopSignal:   15,
		StopWaitSecs: time.Second,
		Umask:        program.UmaskInherit,
		Numprocs:     1,
	}
}

func TestReloadInitializesFromEmpty(t *testing.T) {
	s := New(0o022, testLogger())
	s.Reload(map[string]*program.Spec{"a": spec("a", "sleep 5")})

	names := s.TaskNames()
	if len(names) != 1 || names[0] != "a" {
		t.Fatalf("expected task \"a\" to be registered, got %v", names)
	}
}

func TestStartRejectsUnknownTask(t *testing.T) {
	s := New(0o022, testLogger())
	res := s.Start([]string{"ghost"}, false)
	if res.FailCount() != 1 {
		t.Fatalf("expected a failure for an unknown task, got %+v", res)
	}
}

func TestStartAllStartsEveryCreatedTask(t *testing.T) {
	s := New(0o022, testLogger())
	s.Reload(map[string]*program.Spec{
		"a": spec("a", "sleep 5"),
		"b": spec("b", "sleep 5"),
	})

	res := s.Start(nil, true)
	if res.FailCount() != 0 {
		t.Fatalf("expected both tasks to start, got %+v", res)
	}

	for _, e := range s.Status(nil) {
		if e.Err != nil || !e.Info.State.IsBusy() {
			t.Errorf("expected %s to be busy after start, got %+v", e.Name, e)
		}
	}
	s.Stop(nil, true)
}

func TestAutostartRunsToSucceeded(t *testing.T) {
	s := New(0o022, testLogger())
	auto := spec("echo", "true")
	auto.AutoStart = true
	s.Reload(map[string]*program.Spec{"echo": auto})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.Update()
		if st := s.Status([]string{"echo"}); st[0].Info.State.IsDone() {
			if st[0].Info.State.String() != "SUCCEEDED" {
				t.Fatalf("expected SUCCEEDED, got %s", st[0].Info.State)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("autostarted task never reached a terminal state")
}

func TestStartAllReportsPartialFailure(t *testing.T) {
	s := New(0o022, testLogger())
	broken := spec("broken", "true")
	broken.Args = []string{"/nonexistent/binary"}
	s.Reload(map[string]*program.Spec{
		"ok":     spec("ok", "sleep 5"),
		"broken": broken,
	})

	res := s.Start(nil, true)
	if res.Status() != 2 {
		t.Fatalf("expected partial-failure status 2, got %d (%+v)", res.Status(), res)
	}
	if res.FailCount() != 1 {
		t.Fatalf("expected exactly one failed task, got %d", res.FailCount())
	}

	ok := s.Status([]string{"ok"})[0]
	if ok.Err != nil || !ok.Info.State.IsBusy() {
		t.Errorf("expected the valid task to be running despite the broken one, got %+v", ok)
	}
	s.Stop(nil, true)
}

func TestReloadRetiresRemovedProgram(t *testing.T) {
	s := New(0o022, testLogger())
	s.Reload(map[string]*program.Spec{"a": spec("a", "sleep 5")})
	s.Start([]string{"a"}, false)

	s.Reload(map[string]*program.Spec{})

	names := s.TaskNames()
	if len(names) != 0 {
		t.Fatalf("expected \"a\" to be retired from the live set, got %v", names)
	}

	// The retired task's child is still alive; Update must keep draining
	// it across ticks without the Supervisor blocking or panicking.
	for i := 0; i < 5; i++ {
		s.Update()
	}
}

func TestReloadPreservesUnchangedProgram(t *testing.T) {
	s := New(0o022, testLogger())
	initial := spec("a", "sleep 5")
	s.Reload(map[string]*program.Spec{"a": initial})
	s.Start([]string{"a"}, false)

	unchanged := spec("a", "sleep 5")
	s.Reload(map[string]*program.Spec{"a": unchanged})

	entries := s.Status([]string{"a"})
	if len(entries) != 1 || entries[0].Err != nil {
		t.Fatalf("expected task \"a\" to survive reload, got %+v", entries)
	}
	if !entries[0].Info.State.IsBusy() {
		t.Errorf("expected the unchanged task to remain running, got %s", entries[0].Info.State)
	}
	s.Stop(nil, true)
}

func TestReloadRecreatesChangedProgram(t *testing.T) {
	s := New(0o022, testLogger())
	s.Reload(map[string]*program.Spec{"a": spec("a", "sleep 5")})
	s.Start([]string{"a"}, false)
	firstPid := s.Status([]string{"a"})[0].Info.Pid

	changed := spec("a", "sleep 5")
	changed.StartRetries = 9
	s.Reload(map[string]*program.Spec{"a": changed})
	s.Start([]string{"a"}, false)

	second := s.Status([]string{"a"})[0]
	if second.Info.Pid == firstPid {
		t.Error("expected a changed program to be recreated with a fresh task")
	}
	s.Stop(nil, true)
}
