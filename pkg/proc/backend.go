package proc

import (
	"fmt"
	"os"
	"sort"
	"sync"
)

// LaunchConfig describes a process to spawn.
type LaunchConfig struct {
	Path string
	Args []string // Args[0] is the program name, Path is used if empty.
	Env  []string // appended to the environment of the debugger
	Dir  string

	DisableASLR bool
	// TTY allocates a pseudo terminal for the standard streams of the
	// process.
	TTY bool
	// Foreground puts the process in the foreground process group of the
	// controlling terminal.
	Foreground bool
}

// ProcessInfo is what a backend reports about a process it started
// tracing.
type ProcessInfo struct {
	Pid      int
	Path     string
	Arch     *Arch
	PageSize int
	TTY      *os.File
}

// ThreadInfo describes one thread found by a backend.
type ThreadInfo struct {
	ID  int
	LWP int
	// Stopped is set if the thread is known to be in a ptrace-like stop.
	Stopped bool
}

// Backend is the capability contract a platform implementation fulfils.
//
// Create, Attach, Detach, Terminate, AllocateExecMemory and FreeExecMemory
// are only called
// while the generator is interrupted, so they may wait for OS events of
// the processes they operate on. Every other method is called with the
// pipeline held and must not wait for OS events.
type Backend interface {
	Name() string

	EventSource() EventSource
	Decoders() []Decoder
	Handlers() []Handler

	// Create spawns a process and returns once its initial thread is
	// stopped.
	Create(cfg LaunchConfig) (*ProcessInfo, error)
	// Attach starts tracing a running process and returns once all its
	// threads are stopped.
	Attach(pid int) (*ProcessInfo, error)
	// Adopt returns the description of a child the OS started tracing
	// automatically, for example after a fork.
	Adopt(parent *Process, pid int) (*ProcessInfo, error)
	Detach(p *Process) error
	// Terminate kills the process. needsSync is true if events of the
	// process may still be queued after it returns.
	Terminate(p *Process) (needsSync bool, err error)

	ThreadLWPs(p *Process) ([]ThreadInfo, error)
	Resume(t *Thread, sig int) error
	Step(t *Thread, sig int) error
	Halt(t *Thread) error

	GetRegisters(t *Thread) (*RegisterPool, error)
	SetRegisters(t *Thread, regs *RegisterPool) error
	ReadMemory(t *Thread, addr uint64, buf []byte) (int, error)
	WriteMemory(t *Thread, addr uint64, data []byte) (int, error)
	AllocateExecMemory(t *Thread, min uint64, size int) (uint64, error)
	// FreeExecMemory unmaps memory returned by AllocateExecMemory.
	FreeExecMemory(t *Thread, addr uint64, size int) error

	Libraries(p *Process) ([]Library, error)
	// Forget releases whatever the backend keeps about an ended process.
	Forget(p *Process)

	Close() error
}

// BootstrapHook is implemented by backends that need to run setup the
// first time the engine sees a process, for example setting trace options.
type BootstrapHook interface {
	Bootstrap(p *Process) error
}

// BackendConfig is passed to a BackendFactory.
type BackendConfig struct {
	FollowFork bool
}

// BackendFactory creates a backend instance.
type BackendFactory func(cfg BackendConfig) (Backend, error)

var (
	backendsMu sync.Mutex
	backends   = map[string]BackendFactory{}
)

// RegisterBackend makes a backend available by name. It panics if called
// twice with the same name.
func RegisterBackend(name string, factory BackendFactory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if _, dup := backends[name]; dup {
		panic(fmt.Sprintf("proc: backend %q registered twice", name))
	}
	backends[name] = factory
}

// Backends returns the names of the registered backends.
func Backends() []string {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	r := make([]string, 0, len(backends))
	for name := range backends {
		r = append(r, name)
	}
	sort.Strings(r)
	return r
}

func newBackend(name string, cfg BackendConfig) (Backend, error) {
	backendsMu.Lock()
	factory, ok := backends[name]
	backendsMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotFound, name)
	}
	return factory(cfg)
}
