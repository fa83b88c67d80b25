package proc

import "fmt"

// ThreadState is the run state of a Thread.
type ThreadState uint8

const (
	// ThreadCreated is a thread the OS announced but that has not reported
	// its first stop yet.
	ThreadCreated ThreadState = iota
	ThreadStopped
	ThreadRunning
	// ThreadExited is terminal.
	ThreadExited
)

func (s ThreadState) String() string {
	switch s {
	case ThreadCreated:
		return "created"
	case ThreadStopped:
		return "stopped"
	case ThreadRunning:
		return "running"
	case ThreadExited:
		return "exited"
	}
	return fmt.Sprintf("ThreadState(%d)", uint8(s))
}

var threadTransitions = map[ThreadState][]ThreadState{
	ThreadCreated: {ThreadStopped, ThreadRunning, ThreadExited},
	ThreadStopped: {ThreadStopped, ThreadRunning, ThreadExited},
	ThreadRunning: {ThreadStopped, ThreadRunning, ThreadExited},
}

// Thread is one schedulable unit of a Process. Its state is only changed
// by the handler chain or by a control call holding the pipeline.
type Thread struct {
	proc *Process
	id   int
	lwp  int

	state      ThreadState
	regs       *RegisterPool // cached while stopped
	stopSignal int

	// haltPending is set while a stop requested by the engine has not been
	// reported yet.
	haltPending bool
	// held is set by StopThread until the thread is resumed again, the
	// resume handler leaves it stopped.
	held bool
	// stepping is set while a single step issued by the engine is in
	// flight.
	stepping bool
	// stepOver is the breakpoint removed to step the thread off of it.
	stepOver *Breakpoint
	// resumeAfterStep continues the thread once the step over completes.
	resumeAfterStep bool
	resumeSignal    int
	// fresh is set on threads announced by EventThreadCreate until they are
	// resumed for the first time.
	fresh bool
}

// ID returns the logical thread identifier.
func (t *Thread) ID() int { return t.id }

// LWP returns the OS scheduling handle of the thread.
func (t *Thread) LWP() int { return t.lwp }

// Process returns the process owning the thread.
func (t *Thread) Process() *Process { return t.proc }

// State returns the run state of the thread.
func (t *Thread) State() ThreadState {
	t.proc.mu.RLock()
	defer t.proc.mu.RUnlock()
	return t.state
}

// Stopped reports whether the thread is stopped.
func (t *Thread) Stopped() bool {
	return t.State() == ThreadStopped
}

// StopSignal returns the signal that stopped the thread, zero if the stop
// was requested by the engine.
func (t *Thread) StopSignal() int {
	t.proc.mu.RLock()
	defer t.proc.mu.RUnlock()
	return t.stopSignal
}

// HaltPending reports whether the engine asked the OS to stop the thread
// and the stop has not been reported yet.
func (t *Thread) HaltPending() bool {
	t.proc.mu.RLock()
	defer t.proc.mu.RUnlock()
	return t.haltPending
}

// Stepping reports whether a single step is in flight.
func (t *Thread) Stepping() bool {
	t.proc.mu.RLock()
	defer t.proc.mu.RUnlock()
	return t.stepping
}

// Valid returns a StaleHandleError if the thread or its process is gone.
func (t *Thread) Valid() error {
	t.proc.mu.RLock()
	defer t.proc.mu.RUnlock()
	if t.state == ThreadExited || t.proc.state.ended() {
		return &StaleHandleError{Pid: t.proc.pid, Tid: t.id}
	}
	return nil
}

func (t *Thread) String() string {
	return fmt.Sprintf("thread %d (lwp %d) %v", t.id, t.lwp, t.State())
}

// exitLocked marks the thread exited, every state may end that way. The
// caller holds t.proc.mu.
func (t *Thread) exitLocked() {
	t.state = ThreadExited
	t.regs = nil
	t.haltPending = false
	t.stepping = false
}

// setStateLocked changes the state of the thread. The caller holds
// t.proc.mu.
func (t *Thread) setStateLocked(s ThreadState) error {
	if s == ThreadExited {
		t.exitLocked()
		return nil
	}
	if t.state == s && s != ThreadStopped && s != ThreadRunning {
		return nil
	}
	for _, to := range threadTransitions[t.state] {
		if to == s {
			t.state = s
			if s != ThreadStopped {
				t.regs = nil
			}
			return nil
		}
	}
	return fmt.Errorf("invalid state transition for thread %d: %v -> %v", t.id, t.state, s)
}

// stoppedLocked reports whether register and memory operations are legal
// on the thread.
func (t *Thread) stoppedLocked() bool {
	return t.state == ThreadStopped && !t.proc.state.ended()
}
