package proc

// Built-in handlers. Together they implement all-stop semantics: when a
// thread reports a stopping event every other running thread is halted,
// and threads stopped by events the client does not care about are
// continued while the process is meant to be running.

func builtinHandlers() []Handler {
	return []Handler{
		bootstrapHandler{},
		threadHandler{},
		exitHandler{},
		stopHandler{},
		forkExecHandler{},
		libraryHandler{},
		resumeHandler{},
	}
}

// bootstrapHandler runs first for every event. It performs first contact
// setup of processes and adds the threads announced by EventThreadCreate.
type bootstrapHandler struct{}

func (bootstrapHandler) Priority() int           { return PriorityBootstrap }
func (bootstrapHandler) EventTypes() []EventType { return AllEventTypes() }

func (bootstrapHandler) HandleEvent(hc *HandlerContext, ev *Event) (HandlerResult, error) {
	p := ev.Proc
	if p == nil {
		return HandlerNotHandled, nil
	}
	if !p.Bootstrapped() {
		if err := hc.engine.bootstrap(hc, p); err != nil {
			return HandlerNotHandled, err
		}
	}
	if ev.Type == EventThreadCreate && ev.NewTid != 0 {
		state := ThreadCreated
		if ev.NewThreadStopped {
			state = ThreadStopped
		}
		p.mu.Lock()
		t := p.addThreadLocked(ev.NewTid, ev.NewTid, state)
		t.fresh = true
		p.mu.Unlock()
	}
	return HandlerNotHandled, nil
}

// threadHandler tracks the run state of the thread that reported an event.
type threadHandler struct{}

func (threadHandler) Priority() int { return PriorityThread }
func (threadHandler) EventTypes() []EventType {
	return []EventType{EventStop, EventSignal, EventBreakpoint, EventSingleStep, EventThreadCreate, EventThreadExit, EventFork, EventExec}
}

func (threadHandler) HandleEvent(hc *HandlerContext, ev *Event) (HandlerResult, error) {
	t := ev.Thread
	if t == nil || ev.Synthetic {
		return HandlerNotHandled, nil
	}
	if ev.Type == EventThreadExit {
		hc.RemoveThread(t)
		return HandlerNotHandled, nil
	}
	sig := 0
	if ev.Type == EventSignal {
		sig = ev.Signal
	}
	return HandlerNotHandled, hc.SetThreadStopped(t, sig)
}

// exitHandler ends processes.
type exitHandler struct{}

func (exitHandler) Priority() int           { return PriorityExit }
func (exitHandler) EventTypes() []EventType { return []EventType{EventExit, EventCrash} }

func (exitHandler) HandleEvent(hc *HandlerContext, ev *Event) (HandlerResult, error) {
	if ev.Proc != nil {
		hc.ProcessExited(ev.Proc, ev.ExitStatus, ev.Signal)
	}
	return HandlerNotHandled, nil
}

// stopHandler implements all-stop, breakpoint hits and step-over.
type stopHandler struct{}

func (stopHandler) Priority() int { return PriorityStop }
func (stopHandler) EventTypes() []EventType {
	return []EventType{EventStop, EventSignal, EventBreakpoint, EventSingleStep, EventThreadExit}
}

func (h stopHandler) HandleEvent(hc *HandlerContext, ev *Event) (HandlerResult, error) {
	p, t := ev.Proc, ev.Thread
	if p == nil {
		return HandlerNotHandled, nil
	}
	switch ev.Type {
	case EventThreadExit:
		h.haltComplete(hc, p, nil)
		return HandlerNotHandled, nil

	case EventStop:
		if t == nil {
			return HandlerNotHandled, nil
		}
		p.mu.Lock()
		t.haltPending = false
		p.mu.Unlock()
		h.haltComplete(hc, p, t)
		return HandlerNotHandled, nil

	case EventBreakpoint:
		if t != nil {
			if err := h.breakpointHit(hc, p, t, ev); err != nil {
				return HandlerNotHandled, err
			}
		}

	case EventSingleStep:
		if t == nil {
			break
		}
		p.mu.Lock()
		bp := t.stepOver
		resume, sig := t.resumeAfterStep, t.resumeSignal
		t.stepping = false
		t.stepOver = nil
		t.resumeAfterStep = false
		t.resumeSignal = 0
		p.mu.Unlock()
		if bp != nil && hc.Breakpoint(p, bp.Addr) == bp {
			if err := writeBreakpoint(hc.Backend(), t, bp); err != nil {
				return HandlerNotHandled, &MemoryAccessError{Tid: t.id, Addr: bp.Addr, Size: len(bp.OriginalData), Reason: "could not reinsert breakpoint", Err: err}
			}
			p.purgeMemCache()
		}
		if resume {
			// internal step over a breakpoint, not a client visible stop
			if p.State() == ProcessRunning {
				return HandlerHandled, hc.Resume(t, sig)
			}
			return HandlerHandled, nil
		}
	}

	if t != nil {
		h.allStop(hc, p, t)
	}
	return HandlerNotHandled, nil
}

func (stopHandler) breakpointHit(hc *HandlerContext, p *Process, t *Thread, ev *Event) error {
	regs, err := hc.engine.threadRegisters(t)
	if err != nil {
		return err
	}
	pc := regs.PC()
	addr := pc
	if p.arch.BreakInstrMovesPC() {
		addr = pc - uint64(p.arch.BreakpointSize())
	}
	bp := hc.Breakpoint(p, addr)
	if bp == nil {
		ev.Addr = pc
		return nil
	}
	if addr != pc {
		regs.Set(p.arch.PCRegister(), addr)
		if err := hc.engine.setThreadRegisters(t, regs); err != nil {
			return err
		}
	}
	bp.HitCount[t.id]++
	bp.TotalHitCount++
	ev.Addr = addr
	return nil
}

// allStop halts every other running thread of p after t reported a
// stopping event.
func (stopHandler) allStop(hc *HandlerContext, p *Process, t *Thread) {
	p.mu.Lock()
	if p.state.ended() {
		p.mu.Unlock()
		return
	}
	p.state = ProcessStopped
	p.eventThread = t
	p.haltRequested = false
	var halt []*Thread
	for _, t2 := range p.threads {
		if t2 != t && t2.state == ThreadRunning && !t2.haltPending {
			halt = append(halt, t2)
		}
	}
	p.mu.Unlock()
	for _, t2 := range halt {
		if err := hc.Halt(t2); err != nil {
			hc.engine.log.Warnf("could not halt thread %d: %v", t2.id, err)
		}
	}
}

// haltComplete reports EventInterrupt once every thread stopped after a
// client Stop.
func (stopHandler) haltComplete(hc *HandlerContext, p *Process, t *Thread) {
	p.mu.Lock()
	if !p.haltRequested || p.state.ended() || len(p.runningLocked()) > 0 {
		p.mu.Unlock()
		return
	}
	p.haltRequested = false
	p.state = ProcessStopped
	if t == nil || t.state != ThreadStopped {
		t = p.stoppedThreadLocked()
	}
	p.eventThread = t
	p.mu.Unlock()
	hc.Post(&Event{Type: EventInterrupt, Proc: p, Thread: t})
}

// forkExecHandler adopts forked children and resets a process after exec.
type forkExecHandler struct{}

func (forkExecHandler) Priority() int           { return PriorityForkExec }
func (forkExecHandler) EventTypes() []EventType { return []EventType{EventFork, EventExec} }

func (forkExecHandler) HandleEvent(hc *HandlerContext, ev *Event) (HandlerResult, error) {
	p := ev.Proc
	if p == nil {
		return HandlerNotHandled, nil
	}
	switch ev.Type {
	case EventFork:
		if ev.NewPid == 0 || hc.engine.FindProcess(ev.NewPid) != nil {
			return HandlerNotHandled, nil
		}
		if _, err := hc.AdoptProcess(p, ev.NewPid, p.State() == ProcessRunning); err != nil {
			return HandlerNotHandled, err
		}

	case EventExec:
		p.mu.Lock()
		for _, t := range p.threads {
			if t != ev.Thread {
				p.removeThreadLocked(t)
			}
		}
		p.mu.Unlock()
		p.purgeMemCache()
		hc.engine.bps.forget(p.pid)
		if removed := p.libs.clear(); len(removed) > 0 {
			hc.Post(&Event{Type: EventLibrary, Proc: p, Thread: ev.Thread, Removed: removed})
		}
		added, _, err := hc.RefreshLibraries(p)
		if err != nil {
			return HandlerNotHandled, err
		}
		if len(added) > 0 {
			hc.Post(&Event{Type: EventLibrary, Proc: p, Thread: ev.Thread, Added: added})
		}
	}
	return HandlerNotHandled, nil
}

// libraryHandler refreshes the library list whenever a process stops and
// reports function entry breakpoints.
type libraryHandler struct{}

func (libraryHandler) Priority() int { return PriorityLibrary }
func (libraryHandler) EventTypes() []EventType {
	return []EventType{EventSignal, EventBreakpoint, EventSingleStep, EventInterrupt}
}

func (libraryHandler) HandleEvent(hc *HandlerContext, ev *Event) (HandlerResult, error) {
	p := ev.Proc
	if p == nil || p.Valid() != nil {
		return HandlerNotHandled, nil
	}
	added, removed, err := hc.RefreshLibraries(p)
	if err != nil {
		hc.engine.log.Warnf("could not refresh libraries of %d: %v", p.pid, err)
	} else if len(added) > 0 || len(removed) > 0 {
		hc.Post(&Event{Type: EventLibrary, Proc: p, Thread: ev.Thread, Added: added, Removed: removed})
	}
	if ev.Type == EventBreakpoint {
		if bp := hc.Breakpoint(p, ev.Addr); bp != nil && bp.Kind&FunctionEntryBreakpoint != 0 {
			hc.Post(&Event{Type: EventFunctionEntry, Proc: p, Thread: ev.Thread, Addr: bp.Addr})
		}
	}
	return HandlerNotHandled, nil
}

// resumeHandler continues threads stopped by events that are not meant to
// stop the process.
type resumeHandler struct{}

func (resumeHandler) Priority() int { return PriorityResume }
func (resumeHandler) EventTypes() []EventType {
	return []EventType{EventBootstrap, EventStop, EventThreadCreate, EventFork, EventExec}
}

func (resumeHandler) HandleEvent(hc *HandlerContext, ev *Event) (HandlerResult, error) {
	p := ev.Proc
	if p == nil || p.State() != ProcessRunning {
		return HandlerNotHandled, nil
	}
	var resume []*Thread
	switch ev.Type {
	case EventBootstrap:
		for _, t := range p.Threads() {
			resume = append(resume, t)
		}
	case EventThreadCreate:
		resume = append(resume, ev.Thread)
		if nt := p.Thread(ev.NewTid); nt != nil {
			resume = append(resume, nt)
		}
	default:
		resume = append(resume, ev.Thread)
	}
	for _, t := range resume {
		if t == nil {
			continue
		}
		p.mu.RLock()
		ok := t.state == ThreadStopped && !t.stepping && !t.held && !(t.fresh && hc.StopOnThreadCreate())
		p.mu.RUnlock()
		if !ok {
			continue
		}
		if err := hc.Resume(t, 0); err != nil {
			return HandlerNotHandled, err
		}
	}
	return HandlerNotHandled, nil
}
