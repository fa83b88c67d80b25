package proc

import (
	"fmt"
	"os"
	"sort"
	"sync"
)

// ProcessState is the liveness state of a Process. For a live process it
// also records what the client asked for: a process is Running from the
// moment it is continued until a stopping event is dispatched.
type ProcessState uint8

const (
	// ProcessCreated is a process that has not been bootstrapped yet.
	ProcessCreated ProcessState = iota
	ProcessStopped
	ProcessRunning
	// ProcessExited is terminal, the process exited or was killed.
	ProcessExited
	// ProcessDetached is terminal, the process is no longer traced.
	ProcessDetached
)

func (s ProcessState) String() string {
	switch s {
	case ProcessCreated:
		return "created"
	case ProcessStopped:
		return "stopped"
	case ProcessRunning:
		return "running"
	case ProcessExited:
		return "exited"
	case ProcessDetached:
		return "detached"
	}
	return fmt.Sprintf("ProcessState(%d)", uint8(s))
}

func (s ProcessState) ended() bool {
	return s == ProcessExited || s == ProcessDetached
}

// Process is one controlled OS process, owned by the Engine that created
// or attached it.
type Process struct {
	engine   *Engine
	pid      int
	parent   int
	path     string
	arch     *Arch
	pageSize int
	tty      *os.File
	launched bool

	mu           sync.RWMutex
	state        ProcessState
	startRunning bool
	bootstrapped bool
	exitStatus   int
	exitSignal   int
	// haltRequested is set by Stop until every thread reported its stop.
	haltRequested bool
	// eventThread is the thread of the last stopping event.
	eventThread *Thread
	threads     map[int]*Thread

	libs *LibrarySet
	mem  *memCache
}

func newProcess(e *Engine, info *ProcessInfo, parent int) *Process {
	return &Process{
		engine:   e,
		pid:      info.Pid,
		parent:   parent,
		path:     info.Path,
		arch:     info.Arch,
		pageSize: info.PageSize,
		tty:      info.TTY,
		state:    ProcessCreated,
		threads:  make(map[int]*Thread),
		libs:     NewLibrarySet(),
		mem:      newMemCache(e.cfg.MemoryCachePages, info.PageSize),
	}
}

// Pid returns the process identifier.
func (p *Process) Pid() int { return p.pid }

// Parent returns the pid of the traced parent for processes created by
// fork, zero otherwise.
func (p *Process) Parent() int { return p.parent }

// Path returns the path of the executable.
func (p *Process) Path() string { return p.path }

// Arch returns the architecture of the process.
func (p *Process) Arch() *Arch { return p.arch }

// PageSize returns the page size of the process.
func (p *Process) PageSize() int { return p.pageSize }

// TTY returns the controlling side of the pseudo terminal allocated for
// the process, nil if none was requested.
func (p *Process) TTY() *os.File { return p.tty }

// Launched reports whether the process was spawned by the engine.
func (p *Process) Launched() bool { return p.launched }

// Engine returns the engine owning the process.
func (p *Process) Engine() *Engine { return p.engine }

// Libraries returns the set of libraries loaded in the process.
func (p *Process) Libraries() *LibrarySet { return p.libs }

// State returns the liveness state of the process.
func (p *Process) State() ProcessState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	return p.State() == ProcessExited
}

// ExitStatus returns the exit status and the terminating signal of an
// exited process.
func (p *Process) ExitStatus() (status, signal int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitStatus, p.exitSignal
}

// Bootstrapped reports whether first contact setup has run.
func (p *Process) Bootstrapped() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.bootstrapped
}

// Valid returns a StaleHandleError once the process has exited, been
// detached or been terminated.
func (p *Process) Valid() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.state.ended() {
		return &StaleHandleError{Pid: p.pid}
	}
	return nil
}

// Threads returns the live threads of the process ordered by id.
func (p *Process) Threads() []*Thread {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r := make([]*Thread, 0, len(p.threads))
	for _, t := range p.threads {
		r = append(r, t)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].id < r[j].id })
	return r
}

// Thread returns the thread with the given id.
func (p *Process) Thread(id int) *Thread {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.threads[id]
}

// StoppedThread returns the thread that reported the last stopping event
// if it is still stopped, otherwise the stopped thread with the lowest id.
func (p *Process) StoppedThread() *Thread {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stoppedThreadLocked()
}

func (p *Process) stoppedThreadLocked() *Thread {
	if p.state.ended() {
		return nil
	}
	if t := p.eventThread; t != nil && t.state == ThreadStopped {
		return t
	}
	var r *Thread
	for _, t := range p.threads {
		if t.state == ThreadStopped && (r == nil || t.id < r.id) {
			r = t
		}
	}
	return r
}

// runningLocked returns the threads that are running or about to report a
// requested halt.
func (p *Process) runningLocked() []*Thread {
	var r []*Thread
	for _, t := range p.threads {
		if t.state == ThreadRunning || t.haltPending {
			r = append(r, t)
		}
	}
	sort.Slice(r, func(i, j int) bool { return r[i].id < r[j].id })
	return r
}

func (p *Process) String() string {
	return fmt.Sprintf("process %d (%s) %v", p.pid, p.path, p.State())
}

func (p *Process) addThreadLocked(id, lwp int, state ThreadState) *Thread {
	if t, ok := p.threads[id]; ok {
		return t
	}
	t := &Thread{proc: p, id: id, lwp: lwp, state: state}
	p.threads[id] = t
	return t
}

func (p *Process) removeThreadLocked(t *Thread) {
	t.exitLocked()
	if p.threads[t.id] == t {
		delete(p.threads, t.id)
	}
	if p.eventThread == t {
		p.eventThread = nil
	}
}

func (p *Process) setEndedLocked(state ProcessState) {
	p.state = state
	for _, t := range p.threads {
		t.exitLocked()
	}
	p.threads = make(map[int]*Thread)
	p.eventThread = nil
	p.haltRequested = false
	if p.mem != nil {
		p.mem.purge()
	}
}

func (p *Process) purgeMemCache() {
	if p.mem != nil {
		p.mem.purge()
	}
}
