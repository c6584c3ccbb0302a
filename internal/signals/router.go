// Package signals routes process-directed signals to engine actions. It
// only ever sets flags from within the signal.Notify goroutine; nothing
// here touches Supervisor or Task state directly, since signals can
// arrive at any instant and the rest of the daemon assumes all mutation
// happens on the control server's single serial loop.
package signals

import (
	"os"
	"os/signal"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Router owns the three signal-triggered flags the daemon reacts to:
// SIGTERM/SIGINT request an orderly shutdown, SIGHUP requests a config
// reload, SIGUSR1 requests a verbose status dump to the daemon log.
type Router struct {
	terminate int32
	reload    int32
	dump      int32

	ch  chan os.Signal
	log logrus.FieldLogger
}

// New starts listening for the handled signals and returns a Router
// whose flags the daemon's main loop should poll once per iteration.
func New(log logrus.FieldLogger) *Router {
	r := &Router{
		ch:  make(chan os.Signal, 8),
		log: log,
	}
	signal.Notify(r.ch, unix.SIGTERM, unix.SIGINT, unix.SIGHUP, unix.SIGUSR1)
	go r.run()
	return r
}

func (r *Router) run() {
	for sig := range r.ch {
		switch sig {
		case unix.SIGTERM, unix.SIGINT:
			r.log.WithField("signal", sig).Info("termination signal received")
			atomic.StoreInt32(&r.terminate, 1)
		case unix.SIGHUP:
			r.log.Info("reload signal received")
			atomic.StoreInt32(&r.reload, 1)
		case unix.SIGUSR1:
			atomic.StoreInt32(&r.dump, 1)
		}
	}
}

// TerminateRequested reports and does not clear the termination flag:
// once requested, shutdown is not something the loop backs away from.
func (r *Router) TerminateRequested() bool {
	return atomic.LoadInt32(&r.terminate) != 0
}

// ReloadRequested reports and clears the reload flag (edge-triggered: a
// second SIGHUP while the first is still being processed is coalesced,
// not queued).
func (r *Router) ReloadRequested() bool {
	return atomic.CompareAndSwapInt32(&r.reload, 1, 0)
}

// DumpRequested reports and clears the status-dump flag.
func (r *Router) DumpRequested() bool {
	return atomic.CompareAndSwapInt32(&r.dump, 1, 0)
}

// Stop unregisters the signal channel. Used in tests and in the daemon's
// own shutdown path, where further signals should fall back to default
// handling.
func (r *Router) Stop() {
	signal.Stop(r.ch)
	close(r.ch)
}
