// Package supervisor implements the Supervisor (C3): the collection of
// Tasks keyed by name, the reload-time reconciliation against a new
// Program-spec set, and the by-name/bulk operator operations (start,
// stop, restart, status). Every exported method takes the Supervisor's
// single mutex for its whole duration: the control server's connection
// handler, the tick loop, and the signal-triggered reload all call into
// the same locked Supervisor, so exactly one of them is ever mutating
// Task state at a time.
package supervisor

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/youpaw/taskmaster/internal/program"
	"github.com/youpaw/taskmaster/internal/task"
)

// Entry is one task's outcome from a bulk operation.
type Entry struct {
	Name string
	Err  error
}

// Result aggregates a bulk operation's per-task outcomes. Status() is 0
// if every task succeeded, 2 if at least one failed (the caller
// distinguishes "some" vs "all" failed by looking at Entries).
type Result struct {
	Entries []Entry
}

func (r Result) Status() int {
	for _, e := range r.Entries {
		if e.Err != nil {
			return 2
		}
	}
	return 0
}

// FailCount returns how many entries carried an error.
func (r Result) FailCount() int {
	n := 0
	for _, e := range r.Entries {
		if e.Err != nil {
			n++
		}
	}
	return n
}

// StatusEntry is one task's report line for the `status` command.
type StatusEntry struct {
	Name string
	Err  error
	Info task.Status
}

// Supervisor owns every Task and the Program-spec set they were built
// from.
type Supervisor struct {
	mu sync.Mutex

	log         logrus.FieldLogger
	daemonUmask int

	tasks    map[string]*task.Task
	active   map[string]struct{}
	oldTasks []*task.Task
	config   map[string]*program.Spec
}

// New creates an empty Supervisor. Call Reload with the initial config
// to populate it: first load is just a reconciliation against an empty
// task set, so every configured program counts as new.
func New(daemonUmask int, log logrus.FieldLogger) *Supervisor {
	return &Supervisor{
		log:         log,
		daemonUmask: daemonUmask,
		tasks:       make(map[string]*task.Task),
		active:      make(map[string]struct{}),
		config:      make(map[string]*program.Spec),
	}
}

// TaskNames returns every currently known task name, sorted.
func (s *Supervisor) TaskNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.taskNamesLocked()
}

func (s *Supervisor) taskNamesLocked() []string {
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolveNames expands --all into the full task name list and enforces
// that it is mutually exclusive with positional names; without --all,
// at least one name is required.
func (s *Supervisor) resolveNames(names []string, all bool) ([]string, error) {
	if all {
		if len(names) != 0 {
			return nil, fmt.Errorf("--all takes no task name arguments")
		}
		return s.taskNamesLocked(), nil
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("at least one task name is required (or pass --all)")
	}
	return names, nil
}

// Start starts each named task. A task must exist and be neither busy
// nor already DONE (i.e. it must be CREATED) - a task that already ran
// to completion needs `restart`, not `start`.
func (s *Supervisor) Start(names []string, all bool) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	resolved, err := s.resolveNames(names, all)
	if err != nil {
		return Result{Entries: []Entry{{Err: err}}}
	}

	var res Result
	for _, name := range resolved {
		t, ok := s.tasks[name]
		if !ok {
			res.Entries = append(res.Entries, Entry{Name: name, Err: fmt.Errorf("no such task: %s", name)})
			continue
		}
		switch {
		case t.State().IsBusy():
			res.Entries = append(res.Entries, Entry{Name: name, Err: fmt.Errorf("%s is already %s", name, t.State())})
		case t.State().IsDone():
			res.Entries = append(res.Entries, Entry{Name: name, Err: fmt.Errorf("%s has already run (%s); use restart", name, t.State())})
		default:
			if err := t.Start(true); err != nil {
				res.Entries = append(res.Entries, Entry{Name: name, Err: err})
			} else {
				res.Entries = append(res.Entries, Entry{Name: name})
			}
		}
	}
	return res
}

// Stop requests termination of each named task.
func (s *Supervisor) Stop(names []string, all bool) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	resolved, err := s.resolveNames(names, all)
	if err != nil {
		return Result{Entries: []Entry{{Err: err}}}
	}

	var res Result
	for _, name := range resolved {
		t, ok := s.tasks[name]
		if !ok {
			res.Entries = append(res.Entries, Entry{Name: name, Err: fmt.Errorf("no such task: %s", name)})
			continue
		}
		if err := t.Stop(); err != nil {
			res.Entries = append(res.Entries, Entry{Name: name, Err: err})
		} else {
			res.Entries = append(res.Entries, Entry{Name: name})
		}
	}
	return res
}

// Restart restarts each named task: busy tasks are stopped and flagged
// to respawn once DONE; idle/DONE tasks are started directly.
func (s *Supervisor) Restart(names []string, all bool) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	resolved, err := s.resolveNames(names, all)
	if err != nil {
		return Result{Entries: []Entry{{Err: err}}}
	}

	var res Result
	for _, name := range resolved {
		t, ok := s.tasks[name]
		if !ok {
			res.Entries = append(res.Entries, Entry{Name: name, Err: fmt.Errorf("no such task: %s", name)})
			continue
		}
		if err := t.Restart(); err != nil {
			res.Entries = append(res.Entries, Entry{Name: name, Err: err})
		} else {
			res.Entries = append(res.Entries, Entry{Name: name})
		}
	}
	return res
}

// Status reports each named task's snapshot; an empty names list means
// every task.
func (s *Supervisor) Status(names []string) []StatusEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	resolved := names
	if len(resolved) == 0 {
		resolved = s.taskNamesLocked()
	}

	out := make([]StatusEntry, 0, len(resolved))
	for _, name := range resolved {
		t, ok := s.tasks[name]
		if !ok {
			out = append(out, StatusEntry{Name: name, Err: fmt.Errorf("no such task: %s", name)})
			continue
		}
		out = append(out, StatusEntry{Name: name, Info: t.Status()})
	}
	return out
}

// Update drives every Task's state machine forward by one tick, then
// drains retired tasks and prunes the active set of anything that
// landed DONE with no pending respawn.
func (s *Supervisor) Update() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, t := range s.tasks {
		t.Tick(now)
	}
	for name := range s.active {
		t, ok := s.tasks[name]
		if !ok || t.State().IsDone() {
			delete(s.active, name)
		}
	}

	remaining := s.oldTasks[:0]
	for _, t := range s.oldTasks {
		t.Tick(now)
		if !t.State().IsDone() {
			remaining = append(remaining, t)
		}
	}
	s.oldTasks = remaining
}

// Reload reconciles the live task set against newConfig: programs that
// disappeared are retired, changed programs are retired and recreated,
// unchanged programs keep their live Task untouched. It never blocks on
// a child's exit: retired tasks whose child is still alive are handed a
// stop and moved to old_tasks to drain across subsequent Update calls.
func (s *Supervisor) Reload(newConfig map[string]*program.Spec) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// old \ new: retire programs that disappeared.
	for name, t := range s.tasks {
		if _, stillWanted := newConfig[name]; !stillWanted {
			s.retireLocked(name, t)
		}
	}

	// old ∩ new: same name, compare specs structurally.
	for name, newSpec := range newConfig {
		oldSpec, existed := s.config[name]
		if !existed {
			continue
		}
		if oldSpec.Equal(newSpec) {
			continue // untouched: preserve the live child and counters
		}
		if t, ok := s.tasks[name]; ok {
			s.retireLocked(name, t)
		}
		s.createLocked(name, newSpec)
	}

	// new \ old (and the initialization special case, where every
	// program is "new" because s.config started empty).
	for name, newSpec := range newConfig {
		if _, existed := s.config[name]; !existed {
			s.createLocked(name, newSpec)
		}
	}

	s.config = newConfig
	s.log.WithField("task_count", len(s.tasks)).Info("reload complete")
}

func (s *Supervisor) createLocked(name string, spec *program.Spec) {
	t := task.New(spec, s.daemonUmask, s.log)
	if spec.AutoStart {
		if err := t.Start(false); err != nil {
			s.log.WithField("task", name).WithError(err).Error("autostart failed")
		}
	}
	s.tasks[name] = t
	s.active[name] = struct{}{}
}

// retireLocked removes name from the live task set. If its child is
// still running, the Task is moved to old_tasks to drain; otherwise it
// is simply dropped, since no live child needs accounting for.
func (s *Supervisor) retireLocked(name string, t *task.Task) {
	delete(s.tasks, name)
	delete(s.active, name)

	if t.State() == task.CREATED || t.State().IsDone() {
		return
	}
	if err := t.Stop(); err != nil {
		s.log.WithField("task", name).WithError(err).Warn("retire: stop failed")
	}
	s.oldTasks = append(s.oldTasks, t)
}
