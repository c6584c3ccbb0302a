// Command taskmasterd is the supervisor daemon: it loads a
// configuration file, takes the pid file lock, binds the control
// socket, and runs the combined tick/accept/signal loop until an
// operator asks it to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/youpaw/taskmaster/internal/cgroup"
	"github.com/youpaw/taskmaster/internal/config"
	"github.com/youpaw/taskmaster/internal/control"
	"github.com/youpaw/taskmaster/internal/logx"
	"github.com/youpaw/taskmaster/internal/pidfile"
	"github.com/youpaw/taskmaster/internal/signals"
	"github.com/youpaw/taskmaster/internal/supervisor"
)

// shutdownGrace bounds how long drainUntilDone will wait for every task
// to reach a DONE state during an orderly shutdown, counted from the
// start of the drain; the tasks' own stopwaitsecs are not added to it.
// It's a backstop against a
// task whose process group wedges past even SIGKILL (a kernel-blocked
// task), not something operators are expected to tune.
const shutdownGrace = 30 * time.Second

func main() {
	configPath := flag.String("config", "taskmaster.yaml", "path to the configuration file")
	logPath := flag.String("logfile", "", "path to the daemon log file (default: stderr)")
	logLevel := flag.String("loglevel", "info", "log level: debug, info, warn, error")
	noCgroups := flag.Bool("no-cgroups", false, "disable per-task cgroup resource limits")
	flag.Parse()

	log, err := logx.New(*logPath, *logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "taskmasterd:", err)
		os.Exit(1)
	}

	if err := run(*configPath, *noCgroups, log); err != nil {
		log.WithError(err).Fatal("taskmasterd exiting")
	}
}

func run(configPath string, noCgroups bool, log *logrus.Logger) error {
	// The daemon's umask is read once at startup and held fixed for its
	// entire lifetime. Umask both sets and returns the previous value,
	// so the probe is immediately undone.
	daemonUmask := unix.Umask(0)
	unix.Umask(daemonUmask)
	log.WithField("umask", fmt.Sprintf("%#o", daemonUmask)).Info("starting")

	cfg, err := config.Load(configPath, log)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pf, err := pidfile.Acquire(cfg.PidFile)
	if err != nil {
		return fmt.Errorf("acquire pidfile: %w", err)
	}
	defer pf.Release()

	if !noCgroups {
		if err := cgroup.Init(); err != nil {
			log.WithError(err).Warn("cgroup init failed, resource limits disabled")
		}
	}

	sup := supervisor.New(daemonUmask, log)
	sup.Reload(cfg.Programs)

	router := signals.New(log)
	defer router.Stop()

	reload := func() error {
		newCfg, err := config.Load(configPath, log)
		if err != nil {
			return err
		}
		sup.Reload(newCfg.Programs)
		return nil
	}

	srv, err := control.NewServer(sup, router, cfg.Socket, reload, log)
	if err != nil {
		return fmt.Errorf("start control server: %w", err)
	}
	defer srv.Close()

	log.WithField("socket", cfg.Socket).Info("control server listening")
	srv.Serve()

	log.Info("shutting down, stopping all tasks")
	sup.Stop(nil, true)
	drainUntilDone(sup, log)
	log.Info("shutdown complete")
	return nil
}

// drainUntilDone ticks the supervisor on a constant backoff until every
// task has reached a DONE state, so a SIGTERM-triggered shutdown doesn't
// leave orphaned children behind. The deadline is shutdownGrace alone: a
// task whose stopwaitsecs is longer than that can still be busy when the
// drain gives up, and is then left running with a warning logged.
func drainUntilDone(sup *supervisor.Supervisor, log logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	b := backoff.WithContext(backoff.NewConstantBackOff(200*time.Millisecond), ctx)
	op := func() error {
		sup.Update()
		for _, e := range sup.Status(nil) {
			if e.Err == nil && e.Info.State.IsBusy() {
				return fmt.Errorf("%s still shutting down", e.Name)
			}
		}
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		log.WithError(err).Warn("shutdown grace period elapsed with tasks still busy")
	}
}
