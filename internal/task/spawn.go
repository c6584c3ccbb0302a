package task

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/youpaw/taskmaster/internal/cgroup"
	"github.com/youpaw/taskmaster/internal/program"
)

// spawn launches one child according to spec: new process group (so the
// whole group can be signalled together), stdio redirected to
// append-mode files when configured, a verbatim environment (no merge
// with the daemon's own), and a point-in-time umask override around the
// fork.
//
// File descriptors not explicitly wired to the child (anything but
// stdin/stdout/stderr) are closed in the child automatically: Go's
// os/exec never inherits extra fds unless ExtraFiles is set, which we
// never do here.
func spawn(spec *program.Spec, daemonUmask int) (cmd *exec.Cmd, stdout, stderr *os.File, err error) {
	cmd = exec.Command(spec.Args[0], spec.Args[1:]...)

	if spec.Cwd != "" {
		cmd.Dir = spec.Cwd
	}

	if spec.Env != nil {
		env := make([]string, 0, len(spec.Env))
		for k, v := range spec.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	if spec.Stdout != "" {
		stdout, err = os.OpenFile(spec.Stdout, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open stdout %q: %w", spec.Stdout, err)
		}
		cmd.Stdout = stdout
	} else {
		cmd.Stdout = nil
	}

	if spec.Stderr != "" {
		stderr, err = os.OpenFile(spec.Stderr, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			if stdout != nil {
				stdout.Close()
			}
			return nil, nil, nil, fmt.Errorf("open stderr %q: %w", spec.Stderr, err)
		}
		cmd.Stderr = stderr
	} else {
		cmd.Stderr = nil
	}

	// Setpgid with Pgid 0 puts the child in a new process group led by
	// its own pid, so stopsignal/SIGKILL can be delivered to the whole
	// group with a single kill(-pgid, sig).
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}

	umask := spec.EffectiveUmask(daemonUmask)
	startErr := withUmask(umask, daemonUmask, cmd.Start)
	if startErr != nil {
		if stdout != nil {
			stdout.Close()
		}
		if stderr != nil {
			stderr.Close()
		}
		return nil, nil, nil, startErr
	}

	return cmd, stdout, stderr, nil
}

// withUmask temporarily applies mask (a process-wide attribute on
// Linux, shared by every thread) for the duration of fn, restoring the
// daemon's own umask afterwards. When the program inherits, the
// daemon's umask is never touched at all.
func withUmask(mask, daemonUmask int, fn func() error) error {
	if mask == daemonUmask {
		return fn()
	}
	prev := unix.Umask(mask)
	defer unix.Umask(prev)
	return fn()
}

// signalGroup sends sig to the child's entire process group.
func signalGroup(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("no process group to signal")
	}
	return unix.Kill(-pid, sig)
}

// pollExit performs one non-blocking reap attempt. It returns
// (true, code) if the child had already exited and has now been reaped,
// (false, 0) if it's still alive. Reaping happens at most once per pid:
// once Wait4 succeeds, the kernel has released the process table entry,
// so subsequent polls on the same pid correctly report ECHILD/no-such-
// process rather than re-reporting the exit.
func pollExit(pid int) (exited bool, code int, err error) {
	if pid <= 0 {
		return false, 0, nil
	}
	var status unix.WaitStatus
	got, werr := unix.Wait4(pid, &status, unix.WNOHANG, nil)
	if werr != nil {
		// ECHILD means there's nothing left to wait for - the most
		// common cause is we already reaped it. Treat as not-exited
		// so the caller doesn't double-process; should not happen in
		// practice given the one-reap-per-pid discipline above.
		return false, 0, nil
	}
	if got == 0 {
		return false, 0, nil
	}
	if status.Exited() {
		return true, status.ExitStatus(), nil
	}
	if status.Signaled() {
		return true, 128 + int(status.Signal()), nil
	}
	return false, 0, nil
}

// applyCgroup wires the optional resource limits into the
// freshly spawned child. Failure is never fatal to the spawn: cgroups
// are a resource-isolation nicety here, not a state-machine correctness
// requirement.
func applyCgroup(spec *program.Spec, pid int) (*cgroup.Cgroup, error) {
	if spec.MemoryMB == 0 && spec.CPUPercent == 0 && spec.PidsMax == 0 {
		return nil, nil
	}
	cg, err := cgroup.New(spec.Name)
	if err != nil {
		return nil, err
	}
	if spec.MemoryMB > 0 {
		if err := cg.SetMemoryLimit(int64(spec.MemoryMB) * 1024 * 1024); err != nil {
			return cg, err
		}
	}
	if spec.CPUPercent > 0 {
		if err := cg.SetCPUQuota(spec.CPUPercent); err != nil {
			return cg, err
		}
	}
	if spec.PidsMax > 0 {
		if err := cg.SetPidsLimit(spec.PidsMax); err != nil {
			return cg, err
		}
	}
	if err := cg.AddProcess(pid); err != nil {
		return cg, err
	}
	return cg, nil
}
