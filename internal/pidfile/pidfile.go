// Package pidfile implements the single-instance guard (C8): an
// exclusive lock on the configured pid file, held for the daemon's
// entire lifetime, with the pid itself written into the file for
// operator tooling (ps, monit, init scripts) to read.
package pidfile

import (
	"fmt"
	"os"
	"strconv"

	"github.com/gofrs/flock"
)

// PidFile holds the lock and the path, so Release can clean up both.
type PidFile struct {
	path string
	lock *flock.Flock
}

// Acquire takes an exclusive, non-blocking lock on path and writes the
// current process's pid into it. A failed lock means another taskmasterd
// already owns this pid file - the caller should treat this as fatal.
func Acquire(path string) (*PidFile, error) {
	lock := flock.New(path)

	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock pidfile %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("pidfile %s is already locked by another process", path)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("write pidfile %s: %w", path, err)
	}

	return &PidFile{path: path, lock: lock}, nil
}

// Release unlocks and removes the pid file. Called once, during orderly
// shutdown.
func (p *PidFile) Release() error {
	if err := p.lock.Unlock(); err != nil {
		return fmt.Errorf("unlock pidfile: %w", err)
	}
	return os.Remove(p.path)
}
