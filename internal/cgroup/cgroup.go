// Package cgroup applies optional per-task resource limits (memory,
// CPU, process count) using the cgroup v2 unified hierarchy.
//
// cgroup v2 keeps a single tree, rooted at /sys/fs/cgroup. Writing a
// child process's pid to <cgroup>/cgroup.procs moves it (and every
// thread it owns) into that cgroup atomically; writing to memory.max,
// cpu.max, and pids.max sets the respective limits. A parent cgroup
// must enable controllers for its children via cgroup.subtree_control
// before those children's limit files do anything.
//
// There is no systemd delegation handshake here: a supervisor daemon is
// expected to already run with a writable slice (it IS the process
// manager for its children). Init finds that writable base and enables
// controllers; New/Destroy manage one leaf per task under it.
package cgroup

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const root = "/sys/fs/cgroup"

// basePath is where per-task cgroups are created. Set once by Init.
var basePath string

// Cgroup is one per-task leaf cgroup.
type Cgroup struct {
	name string
	path string
}

func selfCgroup() (string, error) {
	data, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return "", err
	}
	line := strings.TrimSpace(string(data))
	parts := strings.SplitN(line, "::", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("unexpected /proc/self/cgroup format: %s", line)
	}
	return parts[1], nil
}

// Init locates a writable cgroup base for the daemon's own process and
// enables the controllers tasks may need. It is best-effort: a failure
// is returned to the caller and means per-task resource limits are
// unavailable, not that the daemon can't run.
func Init() error {
	self, err := selfCgroup()
	if err != nil {
		return err
	}
	parent := filepath.Join(root, self)
	leaf := filepath.Join(parent, "taskmasterd")
	if err := os.MkdirAll(leaf, 0755); err != nil {
		return fmt.Errorf("create base cgroup: %w", err)
	}
	if err := os.WriteFile(filepath.Join(leaf, "cgroup.procs"), []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("move daemon into base cgroup: %w", err)
	}
	controlPath := filepath.Join(parent, "cgroup.subtree_control")
	_ = os.WriteFile(controlPath, []byte("+cpu +memory +pids"), 0644)
	basePath = leaf
	return nil
}

// Enabled reports whether Init succeeded.
func Enabled() bool { return basePath != "" }

// New creates a leaf cgroup for one task.
func New(name string) (*Cgroup, error) {
	if basePath == "" {
		return nil, fmt.Errorf("cgroups not initialized")
	}
	path := filepath.Join(basePath, name)
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("create cgroup for %s: %w", name, err)
	}
	return &Cgroup{name: name, path: path}, nil
}

// AddProcess moves pid (and its threads) into the cgroup.
func (c *Cgroup) AddProcess(pid int) error {
	return os.WriteFile(filepath.Join(c.path, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0644)
}

// SetMemoryLimit caps resident memory usage; the kernel OOM-kills the
// cgroup's processes if it's exceeded.
func (c *Cgroup) SetMemoryLimit(bytes int64) error {
	if bytes <= 0 {
		return nil
	}
	return os.WriteFile(filepath.Join(c.path, "memory.max"), []byte(strconv.FormatInt(bytes, 10)), 0644)
}

// SetCPUQuota sets CPU bandwidth as a percentage (100 = one full core)
// using a 100ms accounting period.
func (c *Cgroup) SetCPUQuota(percent int) error {
	if percent <= 0 {
		return nil
	}
	const period = 100000
	quota := (percent * period) / 100
	value := fmt.Sprintf("%d %d", quota, period)
	return os.WriteFile(filepath.Join(c.path, "cpu.max"), []byte(value), 0644)
}

// SetPidsLimit caps the number of tasks (processes + threads) in the
// cgroup tree, guarding against fork bombs.
func (c *Cgroup) SetPidsLimit(max int) error {
	if max <= 0 {
		return nil
	}
	return os.WriteFile(filepath.Join(c.path, "pids.max"), []byte(strconv.Itoa(max)), 0644)
}

// MemoryUsage returns current resident memory usage in bytes.
func (c *Cgroup) MemoryUsage() (int64, error) {
	data, err := os.ReadFile(filepath.Join(c.path, "memory.current"))
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

// Destroy removes the leaf cgroup. The kernel refuses to remove a
// cgroup that still has member processes, so this is only safe to call
// once the task has been reaped.
func (c *Cgroup) Destroy() error {
	return os.Remove(c.path)
}
