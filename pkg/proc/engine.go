package proc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/go-delve/pctl/pkg/logflags"
)

// EngineConfig configures an Engine.
type EngineConfig struct {
	// Backend is the name of a registered backend.
	Backend string
	// MemoryCachePages is the size, in pages, of the memory window cache
	// of each process. Zero disables the cache.
	MemoryCachePages int
	// StopOnThreadCreate leaves new threads stopped while their process
	// runs.
	StopOnThreadCreate bool
	// FollowFork asks the backend to trace forked children.
	FollowFork bool
	// Resolver maps addresses to symbols, may be nil.
	Resolver SymbolResolver
}

const recentEventsMax = 256

// Engine is the client API of the process control pipeline. It owns one
// Generator, the decoders and handlers of its backend and every process
// it creates or attaches.
//
// Every method may be called from any goroutine. Control calls and event
// dispatch are serialized by the pipeline lock, which HandleEvents does
// not hold while it waits for events.
type Engine struct {
	id      uuid.UUID
	cfg     EngineConfig
	backend Backend
	log     logflags.Logger

	gen      *Generator
	decoders *DecoderSet
	handlers *HandlerChain

	drainMu    sync.Mutex // one consumer of the generator queue at a time
	pipelineMu sync.Mutex

	procsMu sync.RWMutex
	procs   map[int]*Process
	ended   []*Process // oldest first, at most MaxEndedProcesses

	bps breakpointTable

	undelivered []*Event
	recent      []*Event
	closed      bool
}

// New creates an engine using the backend registered as cfg.Backend.
func New(cfg EngineConfig) (*Engine, error) {
	if cfg.Backend == "" {
		cfg.Backend = "native"
	}
	b, err := newBackend(cfg.Backend, BackendConfig{FollowFork: cfg.FollowFork})
	if err != nil {
		return nil, err
	}
	e, err := NewWithBackend(b, cfg)
	if err != nil {
		b.Close()
		return nil, err
	}
	return e, nil
}

// NewWithBackend creates an engine driving b and starts its generator.
func NewWithBackend(b Backend, cfg EngineConfig) (*Engine, error) {
	cfg.Backend = b.Name()
	e := &Engine{
		id:       uuid.New(),
		cfg:      cfg,
		backend:  b,
		procs:    make(map[int]*Process),
		bps:      newBreakpointTable(),
		decoders: NewDecoderSet(b.Decoders()...),
		handlers: NewHandlerChain(builtinHandlers()...),
	}
	e.log = logflags.EngineLogger().WithFields(logflags.Fields{"engine": e.id.String(), "backend": b.Name()})
	for _, h := range b.Handlers() {
		e.handlers.Add(h)
	}
	e.gen = NewGenerator(b.Name(), b.EventSource())
	if err := e.gen.Initialize(); err != nil {
		return nil, err
	}
	if err := e.gen.Start(); err != nil {
		e.gen.Close()
		return nil, err
	}
	if logflags.Engine() {
		e.log.Debugf("engine started")
	}
	return e, nil
}

// ID returns the unique identifier of the engine.
func (e *Engine) ID() uuid.UUID { return e.id }

// Backend returns the backend driven by the engine.
func (e *Engine) Backend() Backend { return e.backend }

// Config returns the configuration of the engine.
func (e *Engine) Config() EngineConfig { return e.cfg }

// Generator returns the event generator of the engine.
func (e *Engine) Generator() *Generator { return e.gen }

// AddHandler registers a client handler. Its priority should be
// PriorityClient or between PriorityLibrary and PriorityResume.
func (e *Engine) AddHandler(h Handler) {
	e.handlers.Add(h)
}

// RemoveHandler unregisters a handler added with AddHandler.
func (e *Engine) RemoveHandler(h Handler) {
	e.handlers.Remove(h)
}

// FindProcess returns the process with the given pid.
func (e *Engine) FindProcess(pid int) *Process {
	e.procsMu.RLock()
	defer e.procsMu.RUnlock()
	return e.procs[pid]
}

// FindThread returns the thread tid of process pid.
func (e *Engine) FindThread(pid, tid int) *Thread {
	p := e.FindProcess(pid)
	if p == nil {
		return nil
	}
	return p.Thread(tid)
}

// Processes returns the processes of the engine ordered by pid. The last
// MaxEndedProcesses processes that ended are included.
func (e *Engine) Processes() []*Process {
	e.procsMu.RLock()
	defer e.procsMu.RUnlock()
	r := make([]*Process, 0, len(e.procs))
	for _, p := range e.procs {
		r = append(r, p)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].pid < r[j].pid })
	return r
}

// RecentEvents returns the last events dispatched, oldest first.
func (e *Engine) RecentEvents() []*Event {
	e.pipelineMu.Lock()
	defer e.pipelineMu.Unlock()
	r := make([]*Event, len(e.recent))
	copy(r, e.recent)
	return r
}

func (e *Engine) addProcess(info *ProcessInfo, parent int) *Process {
	p := newProcess(e, info, parent)
	e.procsMu.Lock()
	e.procs[p.pid] = p
	e.procsMu.Unlock()
	return p
}

func (e *Engine) owns(p *Process) error {
	if p == nil || p.engine != e {
		return errors.New("process does not belong to this engine")
	}
	return nil
}

// lock acquires the pipeline for a control call.
func (e *Engine) lock() error {
	e.pipelineMu.Lock()
	if e.closed {
		e.pipelineMu.Unlock()
		return ErrEngineClosed
	}
	return nil
}

// quiesce interrupts the generator and waits until it stopped waiting
// for OS events. The returned function releases it.
func (e *Engine) quiesce(ctx context.Context) (func(), error) {
	req, err := e.gen.Interrupt()
	if err != nil {
		return nil, err
	}
	if err := req.Wait(ctx); err != nil {
		req.Release()
		return nil, err
	}
	return req.Release, nil
}

// Create spawns a new process and returns it stopped at its first
// instruction with first contact setup done.
func (e *Engine) Create(ctx context.Context, cfg LaunchConfig) (*Process, error) {
	if err := e.lock(); err != nil {
		return nil, err
	}
	defer e.pipelineMu.Unlock()

	release, err := e.quiesce(ctx)
	if err != nil {
		return nil, &SpawnError{Path: cfg.Path, Err: err}
	}
	info, err := e.backend.Create(cfg)
	release()
	if err != nil {
		var serr *SpawnError
		if errors.As(err, &serr) {
			return nil, err
		}
		return nil, &SpawnError{Path: cfg.Path, Err: err}
	}
	if logflags.Engine() {
		e.log.Debugf("created process %d (%s)", info.Pid, info.Path)
	}
	p := e.addProcess(info, 0)
	p.launched = true
	return p, e.bootstrapNow(p)
}

// Attach starts controlling a running process and returns it stopped.
func (e *Engine) Attach(ctx context.Context, pid int) (*Process, error) {
	if err := e.lock(); err != nil {
		return nil, err
	}
	defer e.pipelineMu.Unlock()

	if p := e.FindProcess(pid); p != nil && p.Valid() == nil {
		return nil, &AttachError{Pid: pid, Err: errors.New("already attached")}
	}
	release, err := e.quiesce(ctx)
	if err != nil {
		return nil, &AttachError{Pid: pid, Err: err}
	}
	info, err := e.backend.Attach(pid)
	release()
	if err != nil {
		var aerr *AttachError
		if errors.As(err, &aerr) {
			return nil, err
		}
		return nil, &AttachError{Pid: pid, Err: err}
	}
	if logflags.Engine() {
		e.log.Debugf("attached to process %d (%s)", info.Pid, info.Path)
	}
	p := e.addProcess(info, 0)
	return p, e.bootstrapNow(p)
}

func (e *Engine) bootstrapNow(p *Process) error {
	evs, err := e.dispatchBatch([]*Event{{Type: EventBootstrap, Proc: p, Synthetic: true}})
	e.undelivered = append(e.undelivered, evs...)
	return err
}

// bootstrap performs first contact setup of p: backend setup, thread
// enumeration and the initial library list.
func (e *Engine) bootstrap(hc *HandlerContext, p *Process) error {
	if hook, ok := e.backend.(BootstrapHook); ok {
		if err := hook.Bootstrap(p); err != nil {
			return err
		}
	}
	threads, err := e.backend.ThreadLWPs(p)
	if err != nil {
		return err
	}
	p.mu.Lock()
	for _, ti := range threads {
		state := ThreadCreated
		if ti.Stopped {
			state = ThreadStopped
		}
		p.addThreadLocked(ti.ID, ti.LWP, state)
	}
	p.bootstrapped = true
	if p.state == ProcessCreated {
		p.state = ProcessStopped
		if p.startRunning {
			p.state = ProcessRunning
		}
	}
	p.mu.Unlock()

	added, _, err := e.refreshLibraries(p)
	if err != nil {
		e.log.Warnf("could not read libraries of %d: %v", p.pid, err)
	} else if len(added) > 0 {
		hc.Post(&Event{Type: EventLibrary, Proc: p, Added: added})
	}
	if logflags.Engine() {
		e.log.Debugf("bootstrapped process %d, %d threads, %d libraries", p.pid, len(threads), p.libs.Len())
	}
	return nil
}

// HandleEvents runs the pipeline: it decodes the raw events queued by the
// generator and dispatches them to the handler chain. If block is true and
// nothing is queued it waits for at least one raw event or for ctx.
// Events are returned in dispatch order. Events that could not be handled
// carry their error in Err and the first such error is also returned.
func (e *Engine) HandleEvents(ctx context.Context, block bool) ([]*Event, error) {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()

	if err := e.lock(); err != nil {
		return nil, err
	}
	out := e.undelivered
	e.undelivered = nil
	e.pipelineMu.Unlock()
	if len(out) > 0 {
		block = false
	}

	raw, err := e.gen.Next(ctx, false)
	if raw == nil && err == nil && block {
		raw, err = e.gen.Next(ctx, true)
	}

	var firstErr error
	for raw != nil {
		e.pipelineMu.Lock()
		evs, derr := e.decoders.Decode(raw, e)
		if derr != nil {
			e.log.Errorf("decoding raw event pid=%d tid=%d: %v", raw.Pid(), raw.Tid(), derr)
			if firstErr == nil {
				firstErr = derr
			}
		} else if len(evs) > 0 {
			dispatched, herr := e.dispatchBatch(evs)
			out = append(out, dispatched...)
			if herr != nil && firstErr == nil {
				firstErr = herr
			}
		}
		e.pipelineMu.Unlock()
		raw, err = e.gen.Next(ctx, false)
	}

	e.pipelineMu.Lock()
	e.remember(out)
	e.pipelineMu.Unlock()

	if err != nil {
		return out, err
	}
	return out, firstErr
}

func (e *Engine) remember(evs []*Event) {
	e.recent = append(e.recent, evs...)
	if n := len(e.recent) - recentEventsMax; n > 0 {
		e.recent = append(e.recent[:0], e.recent[n:]...)
	}
}

// dispatchBatch dispatches the events decoded from one raw event. Events
// of a process that already ended, including ones that follow its exit in
// the same batch, are not dispatched: they are marked stale and returned.
func (e *Engine) dispatchBatch(evs []*Event) ([]*Event, error) {
	hc := &HandlerContext{engine: e}
	var out []*Event
	var firstErr error
	for _, ev := range evs {
		e.dispatchOne(hc, ev, &out, &firstErr)
	}
	return out, firstErr
}

func (e *Engine) dispatchOne(hc *HandlerContext, ev *Event, out *[]*Event, firstErr *error) {
	if ev.Proc != nil && ev.Proc.State().ended() {
		ev.Stale = true
		e.log.Debugf("process %d already ended, not dispatching %v", ev.Proc.pid, ev)
		*out = append(*out, ev)
		return
	}
	if logflags.Handler() {
		e.log.Debugf("dispatching %v", ev)
	}
	if err := e.handlers.Dispatch(hc, ev); err != nil {
		ev.Err = err
		if *firstErr == nil {
			*firstErr = err
		}
	}
	*out = append(*out, ev)
	for _, pev := range hc.takePosted() {
		e.dispatchOne(hc, pev, out, firstErr)
	}
}

// WaitStop handles events until p is stopped. It returns ErrProcessExited
// if the process exits first.
func (e *Engine) WaitStop(ctx context.Context, p *Process) error {
	if err := e.owns(p); err != nil {
		return err
	}
	for {
		p.mu.RLock()
		state := p.state
		stopped := p.stoppedThreadLocked() != nil
		status := p.exitStatus
		p.mu.RUnlock()
		switch {
		case state == ProcessExited:
			return ErrProcessExited{Pid: p.pid, Status: status}
		case state.ended():
			return &StaleHandleError{Pid: p.pid}
		case state == ProcessStopped && stopped:
			return nil
		}
		if _, err := e.HandleEvents(ctx, true); err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrGeneratorShutDown) || errors.Is(err, ErrEngineClosed) {
				return err
			}
			e.log.Warnf("while waiting for %d to stop: %v", p.pid, err)
		}
	}
}

// Continue resumes every stopped thread of p. The signal is delivered to
// the thread that reported the last stop. Threads stopped on a breakpoint
// step over it first.
func (e *Engine) Continue(ctx context.Context, p *Process, sig int) error {
	if err := e.lock(); err != nil {
		return err
	}
	defer e.pipelineMu.Unlock()
	if err := e.owns(p); err != nil {
		return err
	}
	if err := p.Valid(); err != nil {
		return err
	}

	p.mu.Lock()
	target := p.stoppedThreadLocked()
	p.haltRequested = false
	p.mu.Unlock()

	resumed := 0
	var err error
	for _, t := range p.Threads() {
		if !t.Stopped() {
			continue
		}
		s := 0
		if t == target {
			s = sig
		}
		if err = e.continueThread(t, s); err != nil {
			break
		}
		resumed++
	}
	if resumed > 0 {
		p.mu.Lock()
		p.state = ProcessRunning
		p.mu.Unlock()
	}
	if err != nil {
		return err
	}
	if logflags.Engine() {
		e.log.Debugf("continued process %d", p.pid)
	}
	return nil
}

// continueThread resumes t, stepping it over the breakpoint at its PC
// first.
func (e *Engine) continueThread(t *Thread, sig int) error {
	if len(e.bps.list(t.proc.pid)) > 0 {
		stepped, err := e.stepOverBreakpoint(t, sig, true)
		if err != nil || stepped {
			return err
		}
	}
	return e.resumeThread(t, sig)
}

// ContinueThread resumes t alone, the other threads of its process keep
// their state. A stopping event of t still halts the whole process.
func (e *Engine) ContinueThread(ctx context.Context, t *Thread, sig int) error {
	if err := e.lock(); err != nil {
		return err
	}
	defer e.pipelineMu.Unlock()
	if err := e.checkThread(t); err != nil {
		return err
	}
	if !t.Stopped() {
		return fmt.Errorf("thread %d is not stopped", t.id)
	}
	if err := e.continueThread(t, sig); err != nil {
		return err
	}
	p := t.proc
	p.mu.Lock()
	p.state = ProcessRunning
	p.mu.Unlock()
	if logflags.Engine() {
		e.log.Debugf("continued thread %d of process %d", t.id, p.pid)
	}
	return nil
}

// StopThread halts t alone. The stop is reported as an EventStop of t, and
// by an EventInterrupt as well if t was the last running thread of its
// process.
func (e *Engine) StopThread(ctx context.Context, t *Thread) error {
	if err := e.lock(); err != nil {
		return err
	}
	defer e.pipelineMu.Unlock()
	if err := e.checkThread(t); err != nil {
		return err
	}
	p := t.proc
	p.mu.Lock()
	if t.state != ThreadRunning {
		p.mu.Unlock()
		return fmt.Errorf("thread %d is not running", t.id)
	}
	if t.haltPending {
		p.mu.Unlock()
		return nil
	}
	last := len(p.runningLocked()) == 1
	t.held = true
	p.mu.Unlock()

	if err := e.haltThread(t); err != nil {
		p.mu.Lock()
		t.held = false
		p.mu.Unlock()
		return err
	}
	if last {
		p.mu.Lock()
		p.haltRequested = true
		p.mu.Unlock()
	}
	return nil
}

// stepOverBreakpoint single steps t off the breakpoint at its PC, if there
// is one. If resume is set the thread continues once the step completes.
func (e *Engine) stepOverBreakpoint(t *Thread, sig int, resume bool) (bool, error) {
	regs, err := e.threadRegisters(t)
	if err != nil {
		return false, err
	}
	bp := e.bps.find(t.proc.pid, regs.PC())
	if bp == nil {
		return false, nil
	}
	if err := restoreBreakpoint(e.backend, t, bp); err != nil {
		return false, &MemoryAccessError{Tid: t.id, Addr: bp.Addr, Size: len(bp.OriginalData), Reason: "could not remove breakpoint", Err: err}
	}
	t.proc.mu.Lock()
	t.stepOver = bp
	t.resumeAfterStep = resume
	t.resumeSignal = sig
	t.proc.mu.Unlock()
	return true, e.stepThread(t, sig)
}

// Stop halts every running thread of p. The stop is complete when an
// EventInterrupt is dispatched, see WaitStop.
func (e *Engine) Stop(ctx context.Context, p *Process) error {
	if err := e.lock(); err != nil {
		return err
	}
	defer e.pipelineMu.Unlock()
	if err := e.owns(p); err != nil {
		return err
	}
	if err := p.Valid(); err != nil {
		return err
	}

	p.mu.Lock()
	var halt []*Thread
	for _, t := range p.runningLocked() {
		if !t.haltPending {
			halt = append(halt, t)
		}
	}
	if len(p.runningLocked()) == 0 {
		p.state = ProcessStopped
		t := p.stoppedThreadLocked()
		p.mu.Unlock()
		evs, err := e.dispatchBatch([]*Event{{Type: EventInterrupt, Proc: p, Thread: t, Synthetic: true}})
		e.undelivered = append(e.undelivered, evs...)
		return err
	}
	p.haltRequested = true
	p.mu.Unlock()

	for _, t := range halt {
		if err := e.haltThread(t); err != nil {
			return err
		}
	}
	return nil
}

// StepInstruction executes one instruction of t. The step is reported as
// an EventSingleStep.
func (e *Engine) StepInstruction(ctx context.Context, t *Thread) error {
	if err := e.lock(); err != nil {
		return err
	}
	defer e.pipelineMu.Unlock()
	if err := e.owns(t.proc); err != nil {
		return err
	}
	if err := t.Valid(); err != nil {
		return err
	}
	if !t.Stopped() {
		return fmt.Errorf("thread %d is not stopped", t.id)
	}
	stepped := false
	var err error
	if len(e.bps.list(t.proc.pid)) > 0 {
		stepped, err = e.stepOverBreakpoint(t, 0, false)
	}
	if err == nil && !stepped {
		err = e.stepThread(t, 0)
	}
	if err != nil {
		return err
	}
	t.proc.mu.Lock()
	t.proc.state = ProcessRunning
	t.proc.mu.Unlock()
	return nil
}

// Detach stops controlling p, breakpoints are removed first.
func (e *Engine) Detach(ctx context.Context, p *Process) error {
	if err := e.lock(); err != nil {
		return err
	}
	defer e.pipelineMu.Unlock()
	if err := e.owns(p); err != nil {
		return err
	}
	return e.detach(ctx, p)
}

func (e *Engine) detach(ctx context.Context, p *Process) error {
	if err := p.Valid(); err != nil {
		return err
	}
	if bps := e.bps.list(p.pid); len(bps) > 0 {
		t := p.StoppedThread()
		if t == nil {
			return fmt.Errorf("process %d must be stopped to remove its breakpoints: %w", p.pid, ErrNoStoppedThread)
		}
		for _, bp := range bps {
			if err := restoreBreakpoint(e.backend, t, bp); err != nil {
				return &MemoryAccessError{Tid: t.id, Addr: bp.Addr, Size: len(bp.OriginalData), Reason: "could not remove breakpoint", Err: err}
			}
		}
		e.bps.forget(p.pid)
	}

	release, err := e.quiesce(ctx)
	if err != nil {
		return err
	}
	err = e.backend.Detach(p)
	release()
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.setEndedLocked(ProcessDetached)
	p.mu.Unlock()
	e.forget(p)
	if logflags.Engine() {
		e.log.Debugf("detached from process %d", p.pid)
	}
	return nil
}

// Terminate kills p. needsSync reports whether events of p may still be
// queued, they are returned as stale by HandleEvents.
func (e *Engine) Terminate(ctx context.Context, p *Process) (needsSync bool, err error) {
	if err := e.lock(); err != nil {
		return false, err
	}
	defer e.pipelineMu.Unlock()
	if err := e.owns(p); err != nil {
		return false, err
	}
	return e.terminate(ctx, p)
}

func (e *Engine) terminate(ctx context.Context, p *Process) (bool, error) {
	if err := p.Valid(); err != nil {
		return false, err
	}
	release, err := e.quiesce(ctx)
	if err != nil {
		return false, err
	}
	needsSync, err := e.backend.Terminate(p)
	release()
	if err != nil {
		return needsSync, err
	}
	needsSync = needsSync || e.gen.PendingFor(p.pid)
	p.mu.Lock()
	p.exitSignal = sigkill
	p.setEndedLocked(ProcessExited)
	p.mu.Unlock()
	e.forget(p)
	if logflags.Engine() {
		e.log.Debugf("terminated process %d, needs sync %v", p.pid, needsSync)
	}
	return needsSync, nil
}

const sigkill = 9

// MaxEndedProcesses is how many exited, detached or terminated processes
// an engine keeps track of.
const MaxEndedProcesses = 16

// forget drops what the engine and the backend keep about an ended
// process. The process itself stays in the history of ended processes.
func (e *Engine) forget(p *Process) {
	e.bps.forget(p.pid)
	e.backend.Forget(p)

	e.procsMu.Lock()
	defer e.procsMu.Unlock()
	e.ended = append(e.ended, p)
	for len(e.ended) > MaxEndedProcesses {
		old := e.ended[0]
		e.ended = e.ended[1:]
		// the pid may belong to a newer process by now
		if e.procs[old.pid] == old {
			delete(e.procs, old.pid)
		}
	}
}

func (e *Engine) resumeThread(t *Thread, sig int) error {
	if !t.Stopped() {
		return fmt.Errorf("thread %d is not stopped", t.id)
	}
	if err := e.backend.Resume(t, sig); err != nil {
		return err
	}
	return e.markRunning(t)
}

// markRunning records that the backend resumed or stepped t.
func (e *Engine) markRunning(t *Thread) error {
	t.proc.mu.Lock()
	err := t.setStateLocked(ThreadRunning)
	t.fresh = false
	t.held = false
	t.stopSignal = 0
	t.proc.mu.Unlock()
	t.proc.purgeMemCache()
	if err != nil {
		e.log.WithError(err).Errorf("thread %d of process %d resumed in an inconsistent state", t.id, t.proc.pid)
	}
	return err
}

func (e *Engine) stepThread(t *Thread, sig int) error {
	if !t.Stopped() {
		return fmt.Errorf("thread %d is not stopped", t.id)
	}
	t.proc.mu.Lock()
	t.stepping = true
	t.proc.mu.Unlock()
	if err := e.backend.Step(t, sig); err != nil {
		t.proc.mu.Lock()
		t.stepping = false
		t.proc.mu.Unlock()
		return err
	}
	return e.markRunning(t)
}

func (e *Engine) haltThread(t *Thread) error {
	if err := e.backend.Halt(t); err != nil {
		return err
	}
	t.proc.mu.Lock()
	t.haltPending = true
	t.proc.mu.Unlock()
	return nil
}

func (e *Engine) refreshLibraries(p *Process) (added, removed []*Library, err error) {
	live, err := e.backend.Libraries(p)
	if err != nil {
		return nil, nil, err
	}
	added, removed = p.libs.Reconcile(live)
	return added, removed, nil
}

// RefreshLibraries reconciles the library list of p with the OS.
func (e *Engine) RefreshLibraries(p *Process) (added, removed []*Library, err error) {
	if err := e.lock(); err != nil {
		return nil, nil, err
	}
	defer e.pipelineMu.Unlock()
	if err := e.owns(p); err != nil {
		return nil, nil, err
	}
	if err := p.Valid(); err != nil {
		return nil, nil, err
	}
	return e.refreshLibraries(p)
}

// Close detaches from attached processes, kills spawned ones and shuts
// down the generator and the backend.
func (e *Engine) Close() error {
	e.pipelineMu.Lock()
	if e.closed {
		e.pipelineMu.Unlock()
		return nil
	}
	var errs []error
	for _, p := range e.Processes() {
		if p.Valid() != nil {
			continue
		}
		if p.launched {
			if _, err := e.terminate(context.Background(), p); err != nil {
				errs = append(errs, fmt.Errorf("terminating %d: %w", p.pid, err))
			}
			continue
		}
		if err := e.detach(context.Background(), p); err != nil {
			errs = append(errs, fmt.Errorf("detaching %d: %w", p.pid, err))
		}
	}
	e.closed = true
	e.pipelineMu.Unlock()

	if err := e.gen.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.backend.Close(); err != nil {
		errs = append(errs, err)
	}
	if logflags.Engine() {
		e.log.Debugf("engine closed")
	}
	return errors.Join(errs...)
}
