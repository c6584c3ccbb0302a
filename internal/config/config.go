// Package config turns a taskmaster.yaml document into a validated set
// of program.Spec values the supervision engine can reconcile against.
// An invalid program is contained: it is skipped and logged, everything
// else still loads.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/youpaw/taskmaster/internal/program"
)

const (
	DefaultSocketPath  = "taskmaster.sock"
	DefaultPidFilePath = "taskmaster.pid"

	defaultStartRetries = 3
	defaultStopWaitSecs = 10
)

// Config is the fully loaded, validated document: the expanded program
// set plus the daemon-level socket and pid file paths.
type Config struct {
	Socket   string
	PidFile  string
	Programs map[string]*program.Spec
}

type topLevel struct {
	Socket   string               `yaml:"socket"`
	PidFile  string               `yaml:"pidfile"`
	Programs map[string]yaml.Node `yaml:"programs"`
}

type rawProgram struct {
	Cmd          string            `yaml:"cmd"`
	Numprocs     *int              `yaml:"numprocs"`
	AutoStart    bool              `yaml:"autostart"`
	AutoRestart  string            `yaml:"autorestart"`
	ExitCodes    []int             `yaml:"exitcodes"`
	StartSecs    int               `yaml:"startsecs"`
	StartRetries *int              `yaml:"startretries"`
	StopSignal   yaml.Node         `yaml:"stopsignal"`
	StopWaitSecs *int              `yaml:"stopwaitsecs"`
	Stdout       string            `yaml:"stdout"`
	Stderr       string            `yaml:"stderr"`
	Env          map[string]string `yaml:"env"`
	Cwd          string            `yaml:"cwd"`
	Umask        *int              `yaml:"umask"`
	MemoryMB     int               `yaml:"memory_mb"`
	CPUPercent   int               `yaml:"cpu_percent"`
	PidsMax      int               `yaml:"pids_max"`
}

// Load reads and validates path, returning every program that passed
// validation. Programs that fail validation or contain unknown keys are
// logged and skipped rather than aborting the whole load.
func Load(path string, log logrus.FieldLogger) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var top topLevel
	if err := yaml.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if len(top.Programs) == 0 {
		return nil, fmt.Errorf("no programs section in the configuration")
	}

	cfg := &Config{
		Socket:   top.Socket,
		PidFile:  top.PidFile,
		Programs: make(map[string]*program.Spec),
	}
	if cfg.Socket == "" {
		cfg.Socket = DefaultSocketPath
	}
	if cfg.PidFile == "" {
		cfg.PidFile = DefaultPidFilePath
	}

	for name, node := range top.Programs {
		spec, err := buildSpec(name, node)
		if err != nil {
			log.WithField("program", name).WithError(err).Error("invalid program config, skipping")
			continue
		}
		for _, expanded := range spec.Expand() {
			if _, dup := cfg.Programs[expanded.Name]; dup {
				log.WithField("program", expanded.Name).Error("duplicate task name, skipping")
				continue
			}
			cfg.Programs[expanded.Name] = expanded
		}
	}

	if len(cfg.Programs) == 0 {
		return nil, fmt.Errorf("no valid programs in the configuration")
	}
	return cfg, nil
}

// buildSpec decodes one program's YAML node strictly (unknown keys are
// an error) and turns it into a validated program.Spec.
func buildSpec(name string, node yaml.Node) (*program.Spec, error) {
	raw, err := decodeStrict(node)
	if err != nil {
		return nil, err
	}

	spec := &program.Spec{
		Name:         name,
		Cmd:          raw.Cmd,
		Args:         strings.Fields(raw.Cmd),
		AutoStart:    raw.AutoStart,
		AutoRestart:  program.AutoRestart(defaultString(raw.AutoRestart, string(program.AutoRestartNever))),
		StartSecs:    time.Duration(raw.StartSecs) * time.Second,
		StartRetries: defaultInt(raw.StartRetries, defaultStartRetries),
		StopWaitSecs: time.Duration(defaultInt(raw.StopWaitSecs, defaultStopWaitSecs)) * time.Second,
		Stdout:       raw.Stdout,
		Stderr:       raw.Stderr,
		Env:          raw.Env,
		Cwd:          raw.Cwd,
		Umask:        defaultInt(raw.Umask, program.UmaskInherit),
		Numprocs:     defaultInt(raw.Numprocs, 1),
		MemoryMB:     raw.MemoryMB,
		CPUPercent:   raw.CPUPercent,
		PidsMax:      raw.PidsMax,
	}

	spec.ExitCodes = map[int]struct{}{}
	if len(raw.ExitCodes) == 0 {
		spec.ExitCodes[0] = struct{}{}
	} else {
		for _, c := range raw.ExitCodes {
			spec.ExitCodes[c] = struct{}{}
		}
	}

	sig, err := parseStopSignal(raw.StopSignal)
	if err != nil {
		return nil, err
	}
	spec.StopSignal = sig

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// decodeStrict re-marshals a single program's node and decodes it with
// KnownFields(true), so an unknown key under one program fails only that
// program, not the whole document (a document-wide strict decode would
// reject the whole file on any stray key anywhere).
func decodeStrict(node yaml.Node) (rawProgram, error) {
	b, err := yaml.Marshal(&node)
	if err != nil {
		return rawProgram{}, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	var rp rawProgram
	if err := dec.Decode(&rp); err != nil {
		return rawProgram{}, fmt.Errorf("unknown or malformed key: %w", err)
	}
	return rp, nil
}

func defaultInt(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

var signalNames = map[string]unix.Signal{
	"SIGHUP":   unix.SIGHUP,
	"SIGINT":   unix.SIGINT,
	"SIGQUIT":  unix.SIGQUIT,
	"SIGKILL":  unix.SIGKILL,
	"SIGUSR1":  unix.SIGUSR1,
	"SIGUSR2":  unix.SIGUSR2,
	"SIGTERM":  unix.SIGTERM,
	"SIGCONT":  unix.SIGCONT,
	"SIGSTOP":  unix.SIGSTOP,
	"SIGWINCH": unix.SIGWINCH,
}

// parseStopSignal accepts either a bare signal number or a symbolic
// name ("SIGTERM"), matching real-world config files that write either.
// An empty node means "not configured", defaulting to SIGTERM.
func parseStopSignal(node yaml.Node) (unix.Signal, error) {
	if node.Kind == 0 || node.Value == "" {
		return unix.SIGTERM, nil
	}
	if n, err := strconv.Atoi(node.Value); err == nil {
		return unix.Signal(n), nil
	}
	name := strings.ToUpper(strings.TrimSpace(node.Value))
	if sig, ok := signalNames[name]; ok {
		return sig, nil
	}
	return 0, fmt.Errorf("unknown stopsignal %q", node.Value)
}
