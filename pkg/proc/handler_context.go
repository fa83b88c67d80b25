package proc

// HandlerContext is given to handlers during dispatch. It exposes the
// backend and the operations that change the process model.
type HandlerContext struct {
	engine *Engine
	posted []*Event
}

// Backend returns the backend of the engine.
func (hc *HandlerContext) Backend() Backend { return hc.engine.backend }

// Engine returns the engine driving the dispatch.
func (hc *HandlerContext) Engine() *Engine { return hc.engine }

// Post queues a synthetic event. Posted events are dispatched after the
// current event, in the order they were posted, before the remaining
// events of the same batch.
func (hc *HandlerContext) Post(ev *Event) {
	ev.Synthetic = true
	hc.posted = append(hc.posted, ev)
}

func (hc *HandlerContext) takePosted() []*Event {
	r := hc.posted
	hc.posted = nil
	return r
}

// AddThread adds a thread to p. If the thread already exists it is
// returned unchanged.
func (hc *HandlerContext) AddThread(p *Process, id, lwp int, state ThreadState) *Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addThreadLocked(id, lwp, state)
}

// RemoveThread marks t exited and removes it from its process.
func (hc *HandlerContext) RemoveThread(t *Thread) {
	t.proc.mu.Lock()
	defer t.proc.mu.Unlock()
	t.proc.removeThreadLocked(t)
}

// SetThreadStopped records that t is stopped, by sig if non zero.
func (hc *HandlerContext) SetThreadStopped(t *Thread, sig int) error {
	t.proc.mu.Lock()
	defer t.proc.mu.Unlock()
	if t.state == ThreadExited {
		return &StaleHandleError{Pid: t.proc.pid, Tid: t.id}
	}
	if err := t.setStateLocked(ThreadStopped); err != nil {
		return err
	}
	t.stopSignal = sig
	return nil
}

// SetProcessState changes the state of a live process.
func (hc *HandlerContext) SetProcessState(p *Process, s ProcessState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.ended() {
		return
	}
	if s.ended() {
		p.setEndedLocked(s)
		return
	}
	p.state = s
}

// ProcessExited marks p exited with the given status or terminating
// signal, every thread becomes stale.
func (hc *HandlerContext) ProcessExited(p *Process, status, sig int) {
	p.mu.Lock()
	if p.state.ended() {
		p.mu.Unlock()
		return
	}
	p.exitStatus = status
	p.exitSignal = sig
	p.setEndedLocked(ProcessExited)
	p.mu.Unlock()
	hc.engine.forget(p)
}

// Resume continues t delivering sig.
func (hc *HandlerContext) Resume(t *Thread, sig int) error {
	return hc.engine.resumeThread(t, sig)
}

// Step single steps t delivering sig.
func (hc *HandlerContext) Step(t *Thread, sig int) error {
	return hc.engine.stepThread(t, sig)
}

// Halt asks the OS to stop t. The stop is reported later as an EventStop.
func (hc *HandlerContext) Halt(t *Thread) error {
	return hc.engine.haltThread(t)
}

// RefreshLibraries reconciles the libraries of p with the OS.
func (hc *HandlerContext) RefreshLibraries(p *Process) (added, removed []*Library, err error) {
	return hc.engine.refreshLibraries(p)
}

// AdoptProcess adds a process the OS started tracing on its own and posts
// its EventBootstrap.
func (hc *HandlerContext) AdoptProcess(parent *Process, pid int, running bool) (*Process, error) {
	info, err := hc.engine.backend.Adopt(parent, pid)
	if err != nil {
		return nil, err
	}
	child := hc.engine.addProcess(info, parent.pid)
	child.startRunning = running
	hc.Post(&Event{Type: EventBootstrap, Proc: child})
	return child, nil
}

// Breakpoint returns the breakpoint inserted at addr in p.
func (hc *HandlerContext) Breakpoint(p *Process, addr uint64) *Breakpoint {
	return hc.engine.bps.find(p.pid, addr)
}

// StopOnThreadCreate reports whether new threads stay stopped.
func (hc *HandlerContext) StopOnThreadCreate() bool {
	return hc.engine.cfg.StopOnThreadCreate
}
