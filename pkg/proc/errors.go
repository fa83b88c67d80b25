package proc

import (
	"errors"
	"fmt"
)

var (
	// ErrInterruptAlreadyPending is returned by Generator.Interrupt when a
	// previous request has not been released yet.
	ErrInterruptAlreadyPending = errors.New("interrupt already pending")

	// ErrGeneratorShutDown is returned when events are requested from a
	// generator that has been closed.
	ErrGeneratorShutDown = errors.New("event generator shut down")

	// ErrBackendNotFound is returned by New for an unregistered backend name.
	ErrBackendNotFound = errors.New("backend not found")

	// ErrNativeBackendDisabled is returned on platforms without a native
	// backend.
	ErrNativeBackendDisabled = errors.New("native backend not available on this platform")

	// ErrNoStoppedThread is returned by operations that need a stopped
	// thread to act through when none exists.
	ErrNoStoppedThread = errors.New("no stopped thread")

	// ErrSymbolNotFound is returned by SymbolResolver implementations.
	ErrSymbolNotFound = errors.New("symbol not found")

	// ErrEngineClosed is returned by every operation after Engine.Close.
	ErrEngineClosed = errors.New("engine closed")
)

// InitializationError is returned when a backend could not acquire the OS
// debug facility. It is fatal to the generator that returned it.
type InitializationError struct {
	Backend string
	Err     error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("could not initialize %s event generator: %v", e.Backend, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// SpawnError is returned when the OS refused to create a process.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("could not spawn %q: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// AttachError is returned when the OS refused to attach to a process.
type AttachError struct {
	Pid int
	Err error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("could not attach to pid %d: %v", e.Pid, e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }

// RegisterAccessError is returned when registers cannot be read or written,
// either because the thread is not stopped or because the register does not
// exist on the target architecture.
type RegisterAccessError struct {
	Tid    int
	Reg    string
	Reason string
	Err    error
}

func (e *RegisterAccessError) Error() string {
	s := fmt.Sprintf("register access on thread %d", e.Tid)
	if e.Reg != "" {
		s += fmt.Sprintf(" (%s)", e.Reg)
	}
	s += " failed: " + e.Reason
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *RegisterAccessError) Unwrap() error { return e.Err }

// MemoryAccessError is returned when target memory cannot be read or
// written.
type MemoryAccessError struct {
	Tid    int
	Addr   uint64
	Size   int
	Reason string
	Err    error
}

func (e *MemoryAccessError) Error() string {
	s := fmt.Sprintf("memory access of %d bytes at %#x on thread %d failed: %s", e.Size, e.Addr, e.Tid, e.Reason)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *MemoryAccessError) Unwrap() error { return e.Err }

// AllocationError is returned when executable memory could not be
// allocated in the target.
type AllocationError struct {
	Pid  int
	Min  uint64
	Size int
	Err  error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("could not allocate %d bytes of executable memory above %#x in pid %d: %v", e.Size, e.Min, e.Pid, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

// DeallocationError is returned when executable memory could not be
// released.
type DeallocationError struct {
	Pid  int
	Addr uint64
	Size int
	Err  error
}

func (e *DeallocationError) Error() string {
	return fmt.Sprintf("could not free %d bytes of executable memory at %#x in pid %d: %v", e.Size, e.Addr, e.Pid, e.Err)
}

func (e *DeallocationError) Unwrap() error { return e.Err }

// StaleHandleError is returned for operations on a thread or process that
// has exited, been detached or been terminated.
type StaleHandleError struct {
	Pid int
	Tid int // zero when the handle is a process
}

func (e *StaleHandleError) Error() string {
	if e.Tid != 0 {
		return fmt.Sprintf("thread %d of process %d is no longer valid", e.Tid, e.Pid)
	}
	return fmt.Sprintf("process %d is no longer valid", e.Pid)
}

// ErrProcessExited is returned by WaitStop when the process exits while
// being waited on.
type ErrProcessExited struct {
	Pid    int
	Status int
}

func (pe ErrProcessExited) Error() string {
	return fmt.Sprintf("process %d has exited with status %d", pe.Pid, pe.Status)
}
