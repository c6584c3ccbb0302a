package cgroup

import (
	"os"
	"testing"
)

// requireCgroupV2 skips the test when the sandbox running it doesn't expose
// a writable cgroup v2 hierarchy (unprivileged containers, CI runners
// without delegated controllers, non-Linux hosts). These tests exercise a
// real kernel interface, not a fake, so skipping is the honest outcome
// rather than a false pass.
func requireCgroupV2(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/sys/fs/cgroup/cgroup.controllers"); err != nil {
		t.Skip("cgroup v2 not available in this environment")
	}
	if err := Init(); err != nil {
		t.Skipf("cgroup Init failed, skipping: %v", err)
	}
}

func TestInitEnablesUsage(t *testing.T) {
	requireCgroupV2(t)
	if !Enabled() {
		t.Fatal("Enabled() false after successful Init")
	}
}

func TestNewWithoutInitFails(t *testing.T) {
	basePath = ""
	if _, err := New("probe"); err == nil {
		t.Fatal("expected New to fail before Init sets basePath")
	}
}

func TestCreateLimitAndDestroy(t *testing.T) {
	requireCgroupV2(t)

	cg, err := New("taskmaster-cgroup-test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer cg.Destroy()

	if err := cg.SetMemoryLimit(64 * 1024 * 1024); err != nil {
		t.Fatalf("SetMemoryLimit: %v", err)
	}
	if err := cg.SetPidsLimit(10); err != nil {
		t.Fatalf("SetPidsLimit: %v", err)
	}
	if err := cg.SetCPUQuota(50); err != nil {
		t.Fatalf("SetCPUQuota: %v", err)
	}

	if err := cg.AddProcess(os.Getpid()); err != nil {
		t.Fatalf("AddProcess: %v", err)
	}

	if _, err := cg.MemoryUsage(); err != nil {
		t.Fatalf("MemoryUsage: %v", err)
	}
}

func TestZeroLimitsAreNoops(t *testing.T) {
	requireCgroupV2(t)

	cg, err := New("taskmaster-cgroup-test-zero")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer cg.Destroy()

	if err := cg.SetMemoryLimit(0); err != nil {
		t.Fatalf("SetMemoryLimit(0): %v", err)
	}
	if err := cg.SetCPUQuota(0); err != nil {
		t.Fatalf("SetCPUQuota(0): %v", err)
	}
	if err := cg.SetPidsLimit(0); err != nil {
		t.Fatalf("SetPidsLimit(0): %v", err)
	}
}
