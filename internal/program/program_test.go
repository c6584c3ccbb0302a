package program

import "testing"

func baseSpec() *Spec {
	return &Spec{
		Name:         "sleepy",
		Cmd:          "/bin/sleep 1",
		Args:         []string{"/bin/sleep", "1"},
		AutoRestart:  AutoRestartNever,
		ExitCodes:    map[int]struct{}{0: {}},
		StartRetries: 3,
		Umask:        UmaskInherit,
		Numprocs:     1,
	}
}

func TestValidateRejectsEmptyCmd(t *testing.T) {
	s := baseSpec()
	s.Cmd = "  "
	s.Args = nil
	if err := s.Validate(); err == nil {
		t.Fatal("expected an error for an empty cmd")
	}
}

func TestValidateRejectsBadAutoRestart(t *testing.T) {
	s := baseSpec()
	s.AutoRestart = "sometimes"
	if err := s.Validate(); err == nil {
		t.Fatal("expected an error for an invalid autorestart policy")
	}
}

func TestValidateRejectsOutOfRangeExitCode(t *testing.T) {
	s := baseSpec()
	s.ExitCodes = map[int]struct{}{300: {}}
	if err := s.Validate(); err == nil {
		t.Fatal("expected an error for an out-of-range exit code")
	}
}

func TestValidateRejectsBadUmask(t *testing.T) {
	s := baseSpec()
	s.Umask = 0o1000
	if err := s.Validate(); err == nil {
		t.Fatal("expected an error for an out-of-range umask")
	}
	s.Umask = UmaskInherit
	if err := s.Validate(); err != nil {
		t.Fatalf("UmaskInherit should validate cleanly: %v", err)
	}
}

func TestExpandSingleKeepsName(t *testing.T) {
	s := baseSpec()
	out := s.Expand()
	if len(out) != 1 || out[0].Name != "sleepy" {
		t.Fatalf("expected a single spec named sleepy, got %+v", out)
	}
}

func TestExpandMultipleNumbersNames(t *testing.T) {
	s := baseSpec()
	s.Numprocs = 3
	out := s.Expand()
	if len(out) != 3 {
		t.Fatalf("expected 3 expanded specs, got %d", len(out))
	}
	want := []string{"sleepy_1", "sleepy_2", "sleepy_3"}
	for i, spec := range out {
		if spec.Name != want[i] {
			t.Errorf("spec %d: got name %q, want %q", i, spec.Name, want[i])
		}
	}
}

func TestExitCodeOK(t *testing.T) {
	s := baseSpec()
	s.ExitCodes = map[int]struct{}{0: {}, 2: {}}
	if !s.ExitCodeOK(0) || !s.ExitCodeOK(2) {
		t.Error("expected 0 and 2 to be OK exit codes")
	}
	if s.ExitCodeOK(1) {
		t.Error("expected 1 to not be an OK exit code")
	}
}

func TestEqualDetectsFieldChanges(t *testing.T) {
	a := baseSpec()
	b := baseSpec()
	if !a.Equal(b) {
		t.Fatal("expected two identically built specs to be equal")
	}
	b.StartRetries = a.StartRetries + 1
	if a.Equal(b) {
		t.Fatal("expected a field change to break equality")
	}
}

func TestEffectiveUmask(t *testing.T) {
	s := baseSpec()
	if got := s.EffectiveUmask(0o022); got != 0o022 {
		t.Errorf("inherited umask: got %#o, want %#o", got, 0o022)
	}
	s.Umask = 0o077
	if got := s.EffectiveUmask(0o022); got != 0o077 {
		t.Errorf("explicit umask: got %#o, want %#o", got, 0o077)
	}
}
