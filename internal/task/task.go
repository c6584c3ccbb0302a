// Package task implements the per-process supervision state machine:
// one Task owns at most one live child process and advances through
// CREATED -> STARTING -> RUNNING -> STOPPING -> {STOPPED, KILLED} or
// {SUCCEEDED, FAILED}, driven entirely by Tick calls from the
// supervisor's poll loop. No goroutine or signal handler touches Task
// state directly; signal-triggered work is flagged and carried out on
// the next tick.
package task

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/youpaw/taskmaster/internal/cgroup"
	"github.com/youpaw/taskmaster/internal/program"
)

// Status is a point-in-time snapshot for reporting, decoupled from the
// live Task so callers (the control server) work on a copy taken under
// the Supervisor's lock rather than on the Task itself.
type Status struct {
	Name         string
	State        State
	LastExitCode int
	HasExitCode  bool
	RestartCount int
	Umask        int
	Pid          int
	StartTime    time.Time
}

// Task owns one child process across its lifetime: possibly several
// spawns (on respawn/autorestart), but never more than one live process
// at a time.
type Task struct {
	spec *program.Spec
	log  logrus.FieldLogger

	daemonUmask int

	state    State
	cmd      *exec.Cmd
	stdout   *os.File
	stderr   *os.File
	pid      int
	cgroup   *cgroup.Cgroup

	startTime time.Time
	stopTime  time.Time

	restartCount int
	rebooting    bool

	// stopEscalated is set once SIGKILL has been sent during a stop, so
	// the next observed exit maps to KILLED instead of STOPPED.
	stopEscalated bool

	lastExitCode int
	hasExitCode  bool
}

// New creates a Task in CREATED state. It does not spawn anything.
func New(spec *program.Spec, daemonUmask int, log logrus.FieldLogger) *Task {
	return &Task{
		spec:        spec,
		log:         log.WithField("task", spec.Name),
		daemonUmask: daemonUmask,
		state:       CREATED,
	}
}

// Spec returns the program spec this task was built from.
func (t *Task) Spec() *program.Spec { return t.spec }

// State returns the current lifecycle state.
func (t *Task) State() State { return t.state }

// Status copies out a reporting snapshot.
func (t *Task) Status() Status {
	return Status{
		Name:         t.spec.Name,
		State:        t.state,
		LastExitCode: t.lastExitCode,
		HasExitCode:  t.hasExitCode,
		RestartCount: t.restartCount,
		Umask:        t.spec.EffectiveUmask(t.daemonUmask),
		Pid:          t.pid,
		StartTime:    t.startTime,
	}
}

// Start spawns the child, transitioning CREATED or any DONE state to
// STARTING. manual distinguishes an explicit operator start/restart
// (which resets restart_count) from an internal respawn (autorestart or
// start-phase retry), which must not reset it.
func (t *Task) Start(manual bool) error {
	if t.state.IsBusy() {
		return fmt.Errorf("task %s: already %s", t.spec.Name, t.state)
	}
	if manual {
		t.restartCount = 0
	}
	return t.doSpawn()
}

func (t *Task) doSpawn() error {
	now := time.Now()
	cmd, stdout, stderr, err := spawn(t.spec, t.daemonUmask)
	if err != nil {
		t.log.WithError(err).Error("spawn failed")
		t.state = FAILED
		t.hasExitCode = false
		return err
	}

	t.cmd = cmd
	t.stdout = stdout
	t.stderr = stderr
	t.pid = cmd.Process.Pid
	t.startTime = now
	t.state = STARTING
	t.stopEscalated = false
	t.hasExitCode = false

	cg, cgErr := applyCgroup(t.spec, t.pid)
	if cgErr != nil {
		t.log.WithError(cgErr).Warn("cgroup limits not applied")
	}
	t.cgroup = cg

	t.log.WithField("pid", t.pid).Info("started")
	return nil
}

// Stop requests termination. A CREATED task is marked STOPPED without
// ever having been signalled. A task already STOPPING, or already DONE,
// cannot be stopped again.
func (t *Task) Stop() error {
	switch {
	case t.state == CREATED:
		t.state = STOPPED
		return nil
	case t.state.IsDone():
		return fmt.Errorf("task %s: already %s", t.spec.Name, t.state)
	case t.state == STOPPING:
		return fmt.Errorf("task %s: already stopping", t.spec.Name)
	}

	t.stopTime = time.Now()
	t.state = STOPPING
	t.stopEscalated = false

	if err := signalGroup(t.pid, t.spec.StopSignal); err != nil {
		t.log.WithError(err).Warn("stop signal delivery failed")
	}

	if t.spec.StopWaitSecs == 0 {
		// No grace period: escalate immediately so the very next poll
		// that observes the exit lands on KILLED, not STOPPED.
		if err := signalGroup(t.pid, syscall.SIGKILL); err != nil {
			t.log.WithError(err).Warn("kill signal delivery failed")
		}
		t.stopEscalated = true
	}
	return nil
}

// Restart is the operator-facing restart: if the task is busy, it is
// stopped and marked rebooting so Tick respawns it once it reaches a
// DONE state; if idle or already DONE, it is started directly. Either
// way restart_count is reset: the retry budget belongs to one
// operator-initiated lifecycle, not to the task forever.
func (t *Task) Restart() error {
	t.restartCount = 0
	if t.state.IsBusy() {
		t.rebooting = true
		return t.stopNoReset()
	}
	return t.doSpawn()
}

// stopNoReset is Stop() except that a task already STOPPING or DONE is
// not an error: Stop would refuse those states, which Restart must still
// be able to act on if it raced.
func (t *Task) stopNoReset() error {
	switch {
	case t.state == CREATED:
		t.state = STOPPED
		return nil
	case t.state.IsDone():
		return nil
	case t.state == STOPPING:
		return nil
	}
	t.stopTime = time.Now()
	t.state = STOPPING
	t.stopEscalated = false
	if err := signalGroup(t.pid, t.spec.StopSignal); err != nil {
		t.log.WithError(err).Warn("stop signal delivery failed")
	}
	if t.spec.StopWaitSecs == 0 {
		if err := signalGroup(t.pid, syscall.SIGKILL); err != nil {
			t.log.WithError(err).Warn("kill signal delivery failed")
		}
		t.stopEscalated = true
	}
	return nil
}

// Tick advances the state machine by one poll. It is the only place
// that reaps a child, and every transition driven by a child's progress
// or exit (RUNNING, the DONE states, respawns, SIGKILL escalation)
// happens here. Start/Stop/Restart change state directly only to spawn
// a child (STARTING, or FAILED if the spawn fails), to mark a CREATED
// task STOPPED, or to deliver the stop signal (STOPPING).
func (t *Task) Tick(now time.Time) {
	switch t.state {
	case CREATED, SUCCEEDED, FAILED, STOPPED, KILLED:
		return
	case STARTING, RUNNING, STOPPING:
		t.tickBusy(now)
	}
}

func (t *Task) tickBusy(now time.Time) {
	exited, code, err := pollExit(t.pid)
	if err != nil {
		t.log.WithError(err).Warn("poll error")
	}

	if exited {
		t.finalizeExit(now, code)
		return
	}

	switch t.state {
	case STARTING:
		if now.Sub(t.startTime) >= t.spec.StartSecs {
			t.state = RUNNING
			t.log.Info("running")
		}
	case STOPPING:
		if !t.stopEscalated && now.Sub(t.stopTime) >= t.spec.StopWaitSecs {
			t.log.Warn("stopwaitsecs elapsed, escalating to SIGKILL")
			if err := signalGroup(t.pid, syscall.SIGKILL); err != nil {
				t.log.WithError(err).Warn("kill signal delivery failed")
			}
			t.stopEscalated = true
		}
	}
}

// finalizeExit reaps the bookkeeping for an observed child exit: close
// the task's own fds on the stdio files, destroy the cgroup, decide the
// terminal state, and then apply any pending reboot/autorestart policy.
func (t *Task) finalizeExit(now time.Time, code int) {
	t.lastExitCode = code
	t.hasExitCode = true
	t.closeStdio()
	t.destroyCgroup()
	t.pid = 0

	var next State
	switch t.state {
	case STOPPING:
		if t.stopEscalated {
			next = KILLED
		} else {
			next = STOPPED
		}
	case STARTING:
		if t.spec.ExitCodeOK(code) {
			next = SUCCEEDED
		} else if t.restartCount < t.spec.StartRetries {
			t.log.WithField("attempt", t.restartCount+1).Info("respawning after early exit")
			// A retry is only consumed by an attempt that actually ran:
			// a failed spawn lands on FAILED without the increment.
			if err := t.doSpawn(); err != nil {
				t.log.WithError(err).Error("respawn failed")
			} else {
				t.restartCount++
			}
			return
		} else {
			next = FAILED
		}
	case RUNNING:
		if t.spec.ExitCodeOK(code) {
			next = SUCCEEDED
		} else {
			next = FAILED
		}
	default:
		next = FAILED
	}

	t.state = next
	t.log.WithField("exit_code", code).Infof("exited -> %s", next)
	t.applyPostDonePolicy(now)
}

// applyPostDonePolicy decides whether a task that just reached a DONE
// state should be respawned. A pending manual restart
// always wins over the configured autorestart policy. STOPPED/KILLED
// are always reached via an explicit stop (the only predecessor of
// STOPPING), so autorestart never applies to them - only SUCCEEDED and
// FAILED, which are reached from STARTING/RUNNING, are eligible.
func (t *Task) applyPostDonePolicy(now time.Time) {
	if t.rebooting {
		t.rebooting = false
		if err := t.doSpawn(); err != nil {
			t.log.WithError(err).Error("reboot respawn failed")
		}
		return
	}

	switch t.state {
	case SUCCEEDED:
		if t.spec.AutoRestart == program.AutoRestartAlways && t.restartCount < t.spec.StartRetries {
			if err := t.doSpawn(); err != nil {
				t.log.WithError(err).Error("autorestart respawn failed")
			} else {
				t.restartCount++
			}
		}
	case FAILED:
		if (t.spec.AutoRestart == program.AutoRestartAlways || t.spec.AutoRestart == program.AutoRestartUnexpected) &&
			t.restartCount < t.spec.StartRetries {
			if err := t.doSpawn(); err != nil {
				t.log.WithError(err).Error("autorestart respawn failed")
			} else {
				t.restartCount++
			}
		}
	}
}

func (t *Task) closeStdio() {
	if t.stdout != nil {
		t.stdout.Close()
		t.stdout = nil
	}
	if t.stderr != nil {
		t.stderr.Close()
		t.stderr = nil
	}
}

func (t *Task) destroyCgroup() {
	if t.cgroup != nil {
		if err := t.cgroup.Destroy(); err != nil {
			t.log.WithError(err).Debug("cgroup cleanup failed")
		}
		t.cgroup = nil
	}
}
