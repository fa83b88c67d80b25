package proc_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-delve/pctl/pkg/proc"
	"github.com/go-delve/pctl/pkg/proc/scripted"
)

func newEngine(t *testing.T, b proc.Backend, cfg proc.EngineConfig) *proc.Engine {
	t.Helper()
	e, err := proc.NewWithBackend(b, cfg)
	if err != nil {
		t.Fatalf("NewWithBackend: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func withScripted(t *testing.T, cfg proc.EngineConfig) (*proc.Engine, *scripted.Backend) {
	t.Helper()
	b := scripted.New(scripted.Config{})
	if cfg.MemoryCachePages == 0 {
		cfg.MemoryCachePages = 4
	}
	return newEngine(t, b, cfg), b
}

func spawn(t *testing.T, e *proc.Engine, path string) (*proc.Process, *proc.Thread) {
	t.Helper()
	p, err := e.Create(testContext(t), proc.LaunchConfig{Path: path})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := e.HandleEvents(testContext(t), false); err != nil {
		t.Fatalf("HandleEvents: %v", err)
	}
	threads := p.Threads()
	if len(threads) == 0 {
		t.Fatal("process has no threads")
	}
	return p, threads[0]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// collect handles events until n events of type typ have been dispatched.
func collect(t *testing.T, e *proc.Engine, typ proc.EventType, n int) []*proc.Event {
	t.Helper()
	ctx := testContext(t)
	var all []*proc.Event
	count := 0
	for count < n {
		evs, err := e.HandleEvents(ctx, true)
		if err != nil {
			t.Fatalf("HandleEvents: %v", err)
		}
		for _, ev := range evs {
			all = append(all, ev)
			if ev.Type == typ {
				count++
			}
		}
	}
	return all
}

func hasEvent(evs []*proc.Event, typ proc.EventType) *proc.Event {
	for _, ev := range evs {
		if ev.Type == typ {
			return ev
		}
	}
	return nil
}

func TestCreateBootstrap(t *testing.T) {
	e, b := withScripted(t, proc.EngineConfig{})
	b.AddProcess(1000, "/bin/demo")
	b.SetLibraries(1000, []proc.Library{
		{Name: "/lib/libc.so.6", Base: 0x7f0000000000, End: 0x7f0000100000},
		{Name: "/lib/ld-linux.so.2", Base: 0x7f0000200000, End: 0x7f0000230000},
	})

	p, err := e.Create(testContext(t), proc.LaunchConfig{Path: "/bin/demo"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.Pid() != 1000 || !p.Launched() || !p.Bootstrapped() {
		t.Fatalf("unexpected process %v launched=%v bootstrapped=%v", p, p.Launched(), p.Bootstrapped())
	}
	if p.State() != proc.ProcessStopped {
		t.Fatalf("new process is %v", p.State())
	}
	threads := p.Threads()
	if len(threads) != 1 || threads[0].ID() != 1000 || !threads[0].Stopped() {
		t.Fatalf("unexpected threads %v", threads)
	}

	evs, err := e.HandleEvents(testContext(t), false)
	if err != nil {
		t.Fatalf("HandleEvents: %v", err)
	}
	if len(evs) != 2 || evs[0].Type != proc.EventBootstrap || evs[1].Type != proc.EventLibrary {
		t.Fatalf("unexpected events %v", evs)
	}
	if len(evs[1].Added) != 2 || !evs[1].Synthetic {
		t.Fatalf("unexpected library event %v", evs[1])
	}
	if p.Libraries().Len() != 2 {
		t.Fatalf("expected 2 libraries, got %d", p.Libraries().Len())
	}
	if l := p.Libraries().FindAddr(0x7f0000000100); l == nil || l.Name != "/lib/libc.so.6" {
		t.Fatalf("FindAddr: %v", l)
	}
}

func TestCreateSpawnError(t *testing.T) {
	e, _ := withScripted(t, proc.EngineConfig{})
	_, err := e.Create(testContext(t), proc.LaunchConfig{})
	var serr *proc.SpawnError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SpawnError, got %v", err)
	}
}

func TestEventOrdering(t *testing.T) {
	e, b := withScripted(t, proc.EngineConfig{})
	p, _ := spawn(t, e, "/bin/demo")
	ctx := testContext(t)
	if err := e.Continue(ctx, p, 0); err != nil {
		t.Fatalf("Continue: %v", err)
	}

	const n = 5
	for i := 1; i <= n; i++ {
		b.Inject(&scripted.RawEvent{Kind: scripted.KindClone, PID: p.Pid(), TID: p.Pid(), NewTID: p.Pid() + i})
	}
	evs := collect(t, e, proc.EventThreadCreate, n)
	want := p.Pid() + 1
	for _, ev := range evs {
		if ev.Type != proc.EventThreadCreate {
			continue
		}
		if ev.NewTid != want {
			t.Fatalf("events out of order: got new thread %d, expected %d", ev.NewTid, want)
		}
		want++
	}
	if got := len(p.Threads()); got != n+1 {
		t.Fatalf("expected %d threads, got %d", n+1, got)
	}
}

func TestStoppedOnlyAccess(t *testing.T) {
	e, _ := withScripted(t, proc.EngineConfig{})
	p, th := spawn(t, e, "/bin/demo")
	ctx := testContext(t)

	if _, err := e.GetAllRegisters(th); err != nil {
		t.Fatalf("GetAllRegisters on stopped thread: %v", err)
	}
	if err := e.Continue(ctx, p, 0); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if th.State() != proc.ThreadRunning {
		t.Fatalf("thread is %v after Continue", th.State())
	}

	_, err := e.GetAllRegisters(th)
	var rerr *proc.RegisterAccessError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected RegisterAccessError, got %v", err)
	}
	_, err = e.ReadMemory(th, 0x1000, 8)
	var merr *proc.MemoryAccessError
	if !errors.As(err, &merr) {
		t.Fatalf("expected MemoryAccessError, got %v", err)
	}
	if err := e.WriteMemory(th, 0x1000, []byte{1}); !errors.As(err, &merr) {
		t.Fatalf("expected MemoryAccessError, got %v", err)
	}

	if err := e.Stop(ctx, p); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := e.WaitStop(ctx, p); err != nil {
		t.Fatalf("WaitStop: %v", err)
	}
	if hasEvent(e.RecentEvents(), proc.EventInterrupt) == nil {
		t.Fatal("Stop did not produce an interrupt event")
	}
	if _, err := e.GetAllRegisters(th); err != nil {
		t.Fatalf("GetAllRegisters after Stop: %v", err)
	}
}

func TestStopAlreadyStopped(t *testing.T) {
	e, _ := withScripted(t, proc.EngineConfig{})
	p, th := spawn(t, e, "/bin/demo")
	if err := e.Stop(testContext(t), p); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	evs, err := e.HandleEvents(testContext(t), false)
	if err != nil {
		t.Fatalf("HandleEvents: %v", err)
	}
	ev := hasEvent(evs, proc.EventInterrupt)
	if ev == nil || ev.Thread != th {
		t.Fatalf("expected an interrupt on %v, got %v", th, evs)
	}
}

func TestRegisterRoundTrip(t *testing.T) {
	e, b := withScripted(t, proc.EngineConfig{})
	b.AddProcess(3000, "/usr/bin/server")
	for i, name := range proc.AMD64.RegisterNames() {
		if err := b.SetRegister(3000, 3000, name, uint64(i)*0x1111); err != nil {
			t.Fatal(err)
		}
	}
	p, err := e.Attach(testContext(t), 3000)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	th := p.Thread(3000)

	regs, err := e.GetAllRegisters(th)
	if err != nil {
		t.Fatalf("GetAllRegisters: %v", err)
	}
	if err := e.SetAllRegisters(th, regs); err != nil {
		t.Fatalf("SetAllRegisters: %v", err)
	}
	regs2, err := e.GetAllRegisters(th)
	if err != nil {
		t.Fatalf("GetAllRegisters: %v", err)
	}
	if !regs.Equal(regs2) || !bytes.Equal(regs.Bytes(), regs2.Bytes()) {
		t.Fatalf("registers changed by round trip:\n%v\n%v", regs, regs2)
	}

	if err := e.SetRegister(th, "RAX", 42); err != nil {
		t.Fatalf("SetRegister: %v", err)
	}
	if v, err := e.GetRegister(th, "rax"); err != nil || v != 42 {
		t.Fatalf("GetRegister: %#x, %v", v, err)
	}
	if v, _ := b.Register(3000, 3000, "rax"); v != 42 {
		t.Fatalf("register not written to the thread: %#x", v)
	}
	var rerr *proc.RegisterAccessError
	if err := e.SetRegister(th, "x0", 1); !errors.As(err, &rerr) {
		t.Fatalf("expected RegisterAccessError for foreign register, got %v", err)
	}
	if err := e.SetAllRegisters(th, proc.NewRegisterPool(proc.ARM64)); !errors.As(err, &rerr) {
		t.Fatalf("expected RegisterAccessError for foreign register set, got %v", err)
	}
}

func TestAttachTwiceAndDetach(t *testing.T) {
	e, b := withScripted(t, proc.EngineConfig{})
	b.AddProcess(3000, "/usr/bin/server", 3000, 3001)
	ctx := testContext(t)
	p, err := e.Attach(ctx, 3000)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if len(p.Threads()) != 2 || p.Launched() {
		t.Fatalf("unexpected process %v", p)
	}
	var aerr *proc.AttachError
	if _, err := e.Attach(ctx, 3000); !errors.As(err, &aerr) {
		t.Fatalf("expected AttachError, got %v", err)
	}
	if _, err := e.Attach(ctx, 4242); !errors.As(err, &aerr) {
		t.Fatalf("expected AttachError for missing pid, got %v", err)
	}

	th := p.Thread(3001)
	if err := e.Detach(ctx, p); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if p.State() != proc.ProcessDetached {
		t.Fatalf("process is %v", p.State())
	}
	var serr *proc.StaleHandleError
	if _, err := e.GetAllRegisters(th); !errors.As(err, &serr) {
		t.Fatalf("expected StaleHandleError, got %v", err)
	}
	if !b.Running(3000, 3001) {
		t.Fatal("detached thread was not resumed")
	}
}

func TestNewThreadStopped(t *testing.T) {
	e, b := withScripted(t, proc.EngineConfig{StopOnThreadCreate: true})
	p, th := spawn(t, e, "/bin/threads")
	ctx := testContext(t)
	if err := e.Continue(ctx, p, 0); err != nil {
		t.Fatalf("Continue: %v", err)
	}

	b.Inject(&scripted.RawEvent{Kind: scripted.KindClone, PID: p.Pid(), TID: th.ID(), NewTID: 1001})
	evs, err := e.HandleEvents(ctx, true)
	if err != nil {
		t.Fatalf("HandleEvents: %v", err)
	}
	if len(evs) != 1 || evs[0].Type != proc.EventThreadCreate || evs[0].NewTid != 1001 {
		t.Fatalf("expected exactly one thread create event, got %v", evs)
	}
	nt := p.Thread(1001)
	if nt == nil {
		t.Fatal("new thread not added to the process")
	}
	if nt.State() != proc.ThreadStopped {
		t.Fatalf("new thread is %v", nt.State())
	}
	if _, err := e.GetAllRegisters(nt); err != nil {
		t.Fatalf("GetAllRegisters on new thread: %v", err)
	}
	if th.State() != proc.ThreadRunning {
		t.Fatalf("creating thread is %v", th.State())
	}
}

func TestThreadContinueStop(t *testing.T) {
	e, b := withScripted(t, proc.EngineConfig{})
	p, th := spawn(t, e, "/bin/demo")
	ctx := testContext(t)
	if err := e.Continue(ctx, p, 0); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	b.Inject(&scripted.RawEvent{Kind: scripted.KindClone, PID: p.Pid(), TID: th.ID(), NewTID: 1001})
	collect(t, e, proc.EventThreadCreate, 1)
	if err := e.Stop(ctx, p); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := e.WaitStop(ctx, p); err != nil {
		t.Fatalf("WaitStop: %v", err)
	}
	nt := p.Thread(1001)

	if err := e.ContinueThread(ctx, th, 0); err != nil {
		t.Fatalf("ContinueThread: %v", err)
	}
	if th.State() != proc.ThreadRunning || nt.State() != proc.ThreadStopped {
		t.Fatalf("thread states after ContinueThread: %v, %v", th.State(), nt.State())
	}
	if p.State() != proc.ProcessRunning {
		t.Fatalf("process is %v", p.State())
	}
	if err := e.ContinueThread(ctx, th, 0); err == nil {
		t.Fatal("continuing a running thread succeeded")
	}
	if err := e.StopThread(ctx, nt); err == nil {
		t.Fatal("stopping a stopped thread succeeded")
	}

	// stopping one of two running threads leaves the other one running
	if err := e.ContinueThread(ctx, nt, 0); err != nil {
		t.Fatalf("ContinueThread: %v", err)
	}
	if err := e.StopThread(ctx, nt); err != nil {
		t.Fatalf("StopThread: %v", err)
	}
	collect(t, e, proc.EventStop, 1)
	if !nt.Stopped() || th.State() != proc.ThreadRunning || p.State() != proc.ProcessRunning {
		t.Fatalf("after stopping one thread: %v, %v, process %v", nt.State(), th.State(), p.State())
	}

	if err := e.StopThread(ctx, th); err != nil {
		t.Fatalf("StopThread: %v", err)
	}
	evs := collect(t, e, proc.EventInterrupt, 1)
	if ev := hasEvent(evs, proc.EventStop); ev == nil || ev.Thread != th {
		t.Fatalf("expected a stop of thread %d, got %v", th.ID(), evs)
	}
	if !th.Stopped() || p.State() != proc.ProcessStopped {
		t.Fatalf("after StopThread: thread %v, process %v", th.State(), p.State())
	}
}

func TestEndedProcessHistory(t *testing.T) {
	e, _ := withScripted(t, proc.EngineConfig{})
	ctx := testContext(t)
	var ended []*proc.Process
	for i := 0; i < proc.MaxEndedProcesses+3; i++ {
		p, _ := spawn(t, e, fmt.Sprintf("/bin/demo%d", i))
		if _, err := e.Terminate(ctx, p); err != nil {
			t.Fatalf("Terminate: %v", err)
		}
		ended = append(ended, p)
	}
	live, _ := spawn(t, e, "/bin/live")

	if got := len(e.Processes()); got != proc.MaxEndedProcesses+1 {
		t.Fatalf("expected %d processes, got %d", proc.MaxEndedProcesses+1, got)
	}
	for _, p := range ended[:3] {
		if e.FindProcess(p.Pid()) != nil {
			t.Fatalf("process %d not pruned", p.Pid())
		}
	}
	last := ended[len(ended)-1]
	if e.FindProcess(last.Pid()) != last || e.FindProcess(live.Pid()) != live {
		t.Fatal("recent processes pruned")
	}
}

func TestTerminateWhileBlocked(t *testing.T) {
	e, b := withScripted(t, proc.EngineConfig{})
	p, th := spawn(t, e, "/bin/demo")
	ctx := testContext(t)
	if err := e.Continue(ctx, p, 0); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	waitFor(t, "generator to block", b.Blocked)

	needsSync, err := e.Terminate(ctx, p)
	if err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if needsSync {
		t.Fatal("no events were queued but needsSync is set")
	}
	if e.Generator().State() != proc.GeneratorRunning {
		t.Fatalf("generator is %v after Terminate", e.Generator().State())
	}
	if _, sig := p.ExitStatus(); sig != 9 {
		t.Fatalf("unexpected exit signal %d", sig)
	}

	var serr *proc.StaleHandleError
	if _, err := e.GetAllRegisters(th); !errors.As(err, &serr) {
		t.Fatalf("GetAllRegisters: expected StaleHandleError, got %v", err)
	}
	if _, err := e.ReadMemory(th, 0x1000, 1); !errors.As(err, &serr) {
		t.Fatalf("ReadMemory: expected StaleHandleError, got %v", err)
	}
	if err := e.Continue(ctx, p, 0); !errors.As(err, &serr) {
		t.Fatalf("Continue: expected StaleHandleError, got %v", err)
	}
	if _, err := e.Terminate(ctx, p); !errors.As(err, &serr) {
		t.Fatalf("Terminate: expected StaleHandleError, got %v", err)
	}
}

func TestTerminateStaleEvents(t *testing.T) {
	e, b := withScripted(t, proc.EngineConfig{})
	p, _ := spawn(t, e, "/bin/demo")
	ctx := testContext(t)
	if err := e.Continue(ctx, p, 0); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	b.InjectRaw(&scripted.RawEvent{Kind: scripted.KindExit, PID: p.Pid(), TID: p.Pid(), Status: 7})
	waitFor(t, "event to be queued", func() bool { return e.Generator().Pending() > 0 })

	needsSync, err := e.Terminate(ctx, p)
	if err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if !needsSync {
		t.Fatal("expected needsSync with a queued event")
	}
	evs, err := e.HandleEvents(ctx, false)
	if err != nil {
		t.Fatalf("HandleEvents: %v", err)
	}
	if len(evs) != 1 || evs[0].Type != proc.EventExit || !evs[0].Stale {
		t.Fatalf("expected one stale exit event, got %v", evs)
	}
	if status, _ := p.ExitStatus(); status != 0 {
		t.Fatalf("stale event was dispatched, exit status %d", status)
	}
}

func TestUnknownRawEventDropped(t *testing.T) {
	e, b := withScripted(t, proc.EngineConfig{})
	p, th := spawn(t, e, "/bin/demo")

	b.InjectRaw(fakeRaw{pid: p.Pid(), tid: th.ID()})
	b.InjectRaw(&scripted.RawEvent{Kind: scripted.KindUnknown, PID: p.Pid(), TID: th.ID()})
	b.Inject(&scripted.RawEvent{Kind: scripted.KindSignal, PID: p.Pid(), TID: th.ID(), Signal: 10})

	evs := collect(t, e, proc.EventSignal, 1)
	for _, ev := range evs {
		if ev.Type != proc.EventSignal {
			t.Fatalf("unrecognized raw event produced %v", ev)
		}
	}
	if p.State() != proc.ProcessStopped || th.StopSignal() != 10 {
		t.Fatalf("unexpected state %v, signal %d", p.State(), th.StopSignal())
	}
}

func TestTaggedEventCorrelation(t *testing.T) {
	e, b := withScripted(t, proc.EngineConfig{})
	p, th := spawn(t, e, "/bin/demo")

	b.Inject(&scripted.RawEvent{Kind: scripted.KindSignal, PID: p.Pid(), TID: th.ID(), Signal: 10, Tag: "req-1"})
	ev := hasEvent(collect(t, e, proc.EventSignal, 1), proc.EventSignal)
	if ev.Correlation != "req-1" {
		t.Fatalf("signal event correlation %v", ev.Correlation)
	}
}

// batchBackend adds a decoder producing an exit followed by a signal for
// the same process out of a single raw event.
type batchBackend struct {
	*scripted.Backend
}

type batchRaw struct{ pid int }

func (r batchRaw) Pid() int { return r.pid }
func (r batchRaw) Tid() int { return r.pid }

type batchDecoder struct{}

func (batchDecoder) Priority() int { return -1 }

func (batchDecoder) Decode(raw proc.RawEvent, m proc.Model) ([]*proc.Event, error) {
	br, ok := raw.(batchRaw)
	if !ok {
		return nil, nil
	}
	p := m.FindProcess(br.pid)
	if p == nil {
		return nil, nil
	}
	t := m.FindThread(br.pid, br.pid)
	return []*proc.Event{
		{Type: proc.EventExit, Proc: p, ExitStatus: 3},
		{Type: proc.EventSignal, Proc: p, Thread: t, Signal: 10},
	}, nil
}

func (b batchBackend) Decoders() []proc.Decoder {
	return append(b.Backend.Decoders(), batchDecoder{})
}

func TestStaleEventsInBatch(t *testing.T) {
	b := batchBackend{scripted.New(scripted.Config{})}
	e := newEngine(t, b, proc.EngineConfig{})
	p, _ := spawn(t, e, "/bin/demo")

	b.InjectRaw(batchRaw{pid: p.Pid()})
	evs, err := e.HandleEvents(testContext(t), true)
	if err != nil {
		t.Fatalf("HandleEvents: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %v", evs)
	}
	if evs[0].Type != proc.EventExit || evs[0].Stale {
		t.Fatalf("unexpected first event %v", evs[0])
	}
	if evs[1].Type != proc.EventSignal || !evs[1].Stale {
		t.Fatalf("event following the exit should be stale: %v", evs[1])
	}
	if !p.Exited() {
		t.Fatal("process not exited")
	}
}

func TestHandlerErrorReported(t *testing.T) {
	e, b := withScripted(t, proc.EngineConfig{})
	p, th := spawn(t, e, "/bin/demo")
	errBad := errors.New("bad signal")
	var seen []int
	e.AddHandler(&proc.HandlerFunc{
		Prio:  proc.PriorityClient,
		Types: []proc.EventType{proc.EventSignal},
		Fn: func(hc *proc.HandlerContext, ev *proc.Event) (proc.HandlerResult, error) {
			seen = append(seen, ev.Signal)
			if ev.Signal == 11 {
				return proc.HandlerNotHandled, errBad
			}
			return proc.HandlerNotHandled, nil
		},
	})

	b.Inject(&scripted.RawEvent{Kind: scripted.KindSignal, PID: p.Pid(), TID: th.ID(), Signal: 11})
	b.Inject(&scripted.RawEvent{Kind: scripted.KindSignal, PID: p.Pid(), TID: th.ID(), Signal: 12})

	ctx := testContext(t)
	var evs []*proc.Event
	var firstErr error
	for len(evs) < 2 {
		r, err := e.HandleEvents(ctx, true)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		evs = append(evs, r...)
	}
	if !errors.Is(firstErr, errBad) {
		t.Fatalf("expected handler error, got %v", firstErr)
	}
	if !errors.Is(evs[0].Err, errBad) || evs[1].Err != nil {
		t.Fatalf("unexpected event errors %v, %v", evs[0].Err, evs[1].Err)
	}
	if len(seen) != 2 || seen[0] != 11 || seen[1] != 12 {
		t.Fatalf("dispatch did not continue after the failing event: %v", seen)
	}
}

func TestExit(t *testing.T) {
	e, b := withScripted(t, proc.EngineConfig{})
	p, th := spawn(t, e, "/bin/demo")
	ctx := testContext(t)
	if err := e.Continue(ctx, p, 0); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	b.Inject(&scripted.RawEvent{Kind: scripted.KindExit, PID: p.Pid(), TID: p.Pid(), Status: 3})

	err := e.WaitStop(ctx, p)
	var pe proc.ErrProcessExited
	if !errors.As(err, &pe) || pe.Status != 3 {
		t.Fatalf("expected exit with status 3, got %v", err)
	}
	var serr *proc.StaleHandleError
	if err := th.Valid(); !errors.As(err, &serr) {
		t.Fatalf("thread still valid after exit: %v", err)
	}
	if len(p.Threads()) != 0 {
		t.Fatal("exited process still has threads")
	}
}

func TestThreadExit(t *testing.T) {
	e, b := withScripted(t, proc.EngineConfig{})
	b.AddProcess(1000, "/bin/threads", 1000, 1001)
	p, _ := spawn(t, e, "/bin/threads")
	ctx := testContext(t)
	if err := e.Continue(ctx, p, 0); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	th := p.Thread(1001)
	b.Inject(&scripted.RawEvent{Kind: scripted.KindExit, PID: p.Pid(), TID: 1001})
	collect(t, e, proc.EventThreadExit, 1)
	if p.Thread(1001) != nil || th.State() != proc.ThreadExited {
		t.Fatalf("thread not removed: %v", th)
	}
	if p.State() != proc.ProcessRunning {
		t.Fatalf("process is %v", p.State())
	}
}

func TestBreakpointStepOver(t *testing.T) {
	e, b := withScripted(t, proc.EngineConfig{})
	b.AddProcess(1000, "/bin/bp")
	code := []byte{0x90, 0x90, 0x90, 0x90, 0xc3}
	if err := b.MapMemory(1000, 0x401000, code); err != nil {
		t.Fatal(err)
	}
	if err := b.SetRegister(1000, 1000, "rip", 0x401000); err != nil {
		t.Fatal(err)
	}
	p, th := spawn(t, e, "/bin/bp")
	ctx := testContext(t)

	bp, err := e.InsertBreakpoint(p, 0x401002)
	if err != nil {
		t.Fatalf("InsertBreakpoint: %v", err)
	}
	if _, err := e.InsertBreakpoint(p, 0x401002); !errors.As(err, new(proc.BreakpointExistsError)) {
		t.Fatalf("expected BreakpointExistsError, got %v", err)
	}
	if raw, _ := b.Peek(1000, 0x401002, 1); !bytes.Equal(raw, []byte{0xcc}) {
		t.Fatalf("breakpoint not written: %x", raw)
	}
	mem, err := e.ReadMemory(th, 0x401000, len(code))
	if err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}
	if !bytes.Equal(mem, code) {
		t.Fatalf("breakpoint visible through ReadMemory: %x", mem)
	}

	if err := e.Continue(ctx, p, 0); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	b.Inject(&scripted.RawEvent{Kind: scripted.KindBreakpoint, PID: 1000, TID: 1000, Addr: 0x401002})
	if err := e.WaitStop(ctx, p); err != nil {
		t.Fatalf("WaitStop: %v", err)
	}
	ev := hasEvent(e.RecentEvents(), proc.EventBreakpoint)
	if ev == nil || ev.Addr != 0x401002 {
		t.Fatalf("unexpected breakpoint event %v", ev)
	}
	if pc, err := e.GetRegister(th, "rip"); err != nil || pc != 0x401002 {
		t.Fatalf("PC not rewound: %#x, %v", pc, err)
	}
	if bp.TotalHitCount != 1 || bp.HitCount[1000] != 1 {
		t.Fatalf("unexpected hit counts %d %v", bp.TotalHitCount, bp.HitCount)
	}

	if err := e.Continue(ctx, p, 0); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	evs, err := e.HandleEvents(ctx, true)
	if err != nil {
		t.Fatalf("HandleEvents: %v", err)
	}
	if len(evs) != 1 || evs[0].Type != proc.EventSingleStep {
		t.Fatalf("expected the internal step, got %v", evs)
	}
	if raw, _ := b.Peek(1000, 0x401002, 1); !bytes.Equal(raw, []byte{0xcc}) {
		t.Fatalf("breakpoint not reinserted after step over: %x", raw)
	}
	if th.State() != proc.ThreadRunning || !b.Running(1000, 1000) {
		t.Fatal("thread not resumed after step over")
	}
	if p.State() != proc.ProcessRunning {
		t.Fatalf("process is %v", p.State())
	}
}

func TestRemoveBreakpoint(t *testing.T) {
	e, b := withScripted(t, proc.EngineConfig{})
	b.AddProcess(1000, "/bin/bp")
	if err := b.MapMemory(1000, 0x401000, []byte{0x55, 0x48, 0x89, 0xe5}); err != nil {
		t.Fatal(err)
	}
	p, th := spawn(t, e, "/bin/bp")

	if _, err := e.InsertBreakpoint(p, 0x401001); err != nil {
		t.Fatalf("InsertBreakpoint: %v", err)
	}
	// writes over a breakpoint change the restored instruction
	if err := e.WriteMemory(th, 0x401000, []byte{0x90, 0x90}); err != nil {
		t.Fatalf("WriteMemory: %v", err)
	}
	if raw, _ := b.Peek(1000, 0x401000, 2); !bytes.Equal(raw, []byte{0x90, 0xcc}) {
		t.Fatalf("unexpected memory %x", raw)
	}
	if err := e.RemoveBreakpoint(p, 0x401001); err != nil {
		t.Fatalf("RemoveBreakpoint: %v", err)
	}
	if raw, _ := b.Peek(1000, 0x401000, 4); !bytes.Equal(raw, []byte{0x90, 0x90, 0x89, 0xe5}) {
		t.Fatalf("unexpected memory after removal %x", raw)
	}
	if err := e.RemoveBreakpoint(p, 0x401001); !errors.As(err, new(proc.NoBreakpointError)) {
		t.Fatalf("expected NoBreakpointError, got %v", err)
	}
	if len(e.Breakpoints(p)) != 0 {
		t.Fatal("breakpoint still listed")
	}
}

func TestFailedWriteKeepsBreakpointData(t *testing.T) {
	e, b := withScripted(t, proc.EngineConfig{})
	b.AddProcess(1000, "/bin/bp")
	code := []byte{0x90, 0x90, 0x90, 0x90, 0x90, 0xc3}
	if err := b.MapMemory(1000, 0x401000, code); err != nil {
		t.Fatal(err)
	}
	p, th := spawn(t, e, "/bin/bp")
	if _, err := e.InsertBreakpoint(p, 0x401002); err != nil {
		t.Fatalf("InsertBreakpoint: %v", err)
	}

	// the range starts one byte before the mapping, nothing is written
	err := e.WriteMemory(th, 0x400fff, []byte{0xaa, 0xbb, 0xcc, 0xdd})
	var merr *proc.MemoryAccessError
	if !errors.As(err, &merr) {
		t.Fatalf("expected MemoryAccessError, got %v", err)
	}
	if mem, err := e.ReadMemory(th, 0x401000, len(code)); err != nil || !bytes.Equal(mem, code) {
		t.Fatalf("masked read after failed write: %x, %v", mem, err)
	}
	if err := e.RemoveBreakpoint(p, 0x401002); err != nil {
		t.Fatalf("RemoveBreakpoint: %v", err)
	}
	if raw, _ := b.Peek(1000, 0x401000, len(code)); !bytes.Equal(raw, code) {
		t.Fatalf("code corrupted after removal: %x", raw)
	}
}

func TestFunctionEntryBreakpoint(t *testing.T) {
	e, b := withScripted(t, proc.EngineConfig{})
	b.AddProcess(1000, "/bin/bp")
	if err := b.MapMemory(1000, 0x401000, make([]byte, 16)); err != nil {
		t.Fatal(err)
	}
	p, _ := spawn(t, e, "/bin/bp")
	ctx := testContext(t)
	if _, err := e.InsertFunctionEntryBreakpoint(p, 0x401004, "main.main"); err != nil {
		t.Fatalf("InsertFunctionEntryBreakpoint: %v", err)
	}
	if err := e.Continue(ctx, p, 0); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	b.Inject(&scripted.RawEvent{Kind: scripted.KindBreakpoint, PID: 1000, TID: 1000, Addr: 0x401004})
	evs := collect(t, e, proc.EventFunctionEntry, 1)
	var types []proc.EventType
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	if len(types) != 2 || types[0] != proc.EventBreakpoint || types[1] != proc.EventFunctionEntry {
		t.Fatalf("unexpected events %v", evs)
	}
}

func TestAllocateExecutableMemory(t *testing.T) {
	e, b := withScripted(t, proc.EngineConfig{})
	b.AddProcess(1000, "/bin/alloc")
	if err := b.MapMemory(1000, 0x400000, make([]byte, 0x1000)); err != nil {
		t.Fatal(err)
	}
	p, th := spawn(t, e, "/bin/alloc")
	ctx := testContext(t)

	addr, err := e.AllocateExecutableMemory(ctx, p, 0x400000, 10)
	if err != nil {
		t.Fatalf("AllocateExecutableMemory: %v", err)
	}
	if addr < 0x401000 || addr%4096 != 0 {
		t.Fatalf("unexpected address %#x", addr)
	}
	data := []byte("\x48\x31\xc0\xc3")
	if err := e.WriteMemory(th, addr, data); err != nil {
		t.Fatalf("WriteMemory: %v", err)
	}
	got, err := e.ReadMemory(th, addr, len(data))
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("ReadMemory: %x, %v", got, err)
	}

	var aerr *proc.AllocationError
	if _, err := e.AllocateExecutableMemory(ctx, p, 0, 0); !errors.As(err, &aerr) {
		t.Fatalf("expected AllocationError, got %v", err)
	}
}

func TestFreeExecutableMemory(t *testing.T) {
	e, _ := withScripted(t, proc.EngineConfig{})
	p, th := spawn(t, e, "/bin/alloc")
	ctx := testContext(t)

	addr, err := e.AllocateExecutableMemory(ctx, p, 0x10000, 100)
	if err != nil {
		t.Fatalf("AllocateExecutableMemory: %v", err)
	}
	if err := e.WriteMemory(th, addr, []byte{0x90, 0xc3}); err != nil {
		t.Fatalf("WriteMemory: %v", err)
	}
	if _, err := e.InsertBreakpoint(p, addr+1); err != nil {
		t.Fatalf("InsertBreakpoint: %v", err)
	}
	if _, err := e.ReadMemory(th, addr, 2); err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}

	if err := e.FreeExecutableMemory(ctx, p, addr, 100); err != nil {
		t.Fatalf("FreeExecutableMemory: %v", err)
	}
	if len(e.Breakpoints(p)) != 0 {
		t.Fatalf("breakpoints in freed memory kept: %v", e.Breakpoints(p))
	}
	var merr *proc.MemoryAccessError
	if _, err := e.ReadMemory(th, addr, 2); !errors.As(err, &merr) {
		t.Fatalf("expected MemoryAccessError reading freed memory, got %v", err)
	}

	var derr *proc.DeallocationError
	if err := e.FreeExecutableMemory(ctx, p, addr, 100); !errors.As(err, &derr) {
		t.Fatalf("expected DeallocationError freeing twice, got %v", err)
	}
	if err := e.FreeExecutableMemory(ctx, p, addr, 0); !errors.As(err, &derr) {
		t.Fatalf("expected DeallocationError for empty range, got %v", err)
	}
}

func TestForkAdopt(t *testing.T) {
	e, b := withScripted(t, proc.EngineConfig{FollowFork: true})
	p, th := spawn(t, e, "/bin/forker")
	ctx := testContext(t)
	if err := e.Continue(ctx, p, 0); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	b.Inject(&scripted.RawEvent{Kind: scripted.KindFork, PID: p.Pid(), TID: th.ID(), NewPID: 2000})
	evs := collect(t, e, proc.EventFork, 1)

	child := e.FindProcess(2000)
	if child == nil {
		t.Fatal("child not adopted")
	}
	boot := hasEvent(evs, proc.EventBootstrap)
	if boot == nil || boot.Proc != child {
		t.Fatalf("no bootstrap for the child in %v", evs)
	}
	if child.Parent() != p.Pid() || !child.Bootstrapped() || child.Launched() {
		t.Fatalf("unexpected child %v", child)
	}
	if child.State() != proc.ProcessRunning || !b.Running(2000, 2000) {
		t.Fatalf("child is %v", child.State())
	}
	if !b.Running(p.Pid(), th.ID()) {
		t.Fatal("parent not resumed after fork")
	}
	if len(e.Processes()) != 2 {
		t.Fatalf("expected 2 processes, got %v", e.Processes())
	}
}

func TestExecResetsProcess(t *testing.T) {
	e, b := withScripted(t, proc.EngineConfig{})
	b.AddProcess(1000, "/bin/sh", 1000, 1001)
	b.SetLibraries(1000, []proc.Library{{Name: "/lib/libc.so.6", Base: 0x7f0000000000, End: 0x7f0000100000}})
	p, _ := spawn(t, e, "/bin/sh")
	ctx := testContext(t)
	if err := e.Continue(ctx, p, 0); err != nil {
		t.Fatalf("Continue: %v", err)
	}

	b.SetLibraries(1000, []proc.Library{{Name: "/lib/libm.so.6", Base: 0x7f0000400000, End: 0x7f0000500000}})
	b.Inject(&scripted.RawEvent{Kind: scripted.KindExec, PID: 1000, TID: 1000})
	evs := collect(t, e, proc.EventExec, 1)

	if threads := p.Threads(); len(threads) != 1 || threads[0].ID() != 1000 {
		t.Fatalf("unexpected threads after exec %v", threads)
	}
	var removed, added int
	for _, ev := range evs {
		if ev.Type == proc.EventLibrary {
			removed += len(ev.Removed)
			added += len(ev.Added)
		}
	}
	if removed != 1 || added != 1 {
		t.Fatalf("expected one library removed and one added, got %d and %d", removed, added)
	}
	if p.Libraries().Find("/lib/libm.so.6") == nil {
		t.Fatal("new library missing")
	}
}

func TestLibraryEventsOnStop(t *testing.T) {
	e, b := withScripted(t, proc.EngineConfig{})
	p, th := spawn(t, e, "/bin/demo")
	ctx := testContext(t)
	if err := e.Continue(ctx, p, 0); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	b.SetLibraries(p.Pid(), []proc.Library{{Name: "/lib/libz.so.1", Base: 0x7f0000000000, End: 0x7f0000020000}})
	b.Inject(&scripted.RawEvent{Kind: scripted.KindSignal, PID: p.Pid(), TID: th.ID(), Signal: 5})
	evs := collect(t, e, proc.EventLibrary, 1)
	if ev := hasEvent(evs, proc.EventLibrary); len(ev.Added) != 1 || ev.Added[0].Name != "/lib/libz.so.1" {
		t.Fatalf("unexpected library event %v", ev)
	}

	b.SetLibraries(p.Pid(), nil)
	added, removed, err := e.RefreshLibraries(p)
	if err != nil || len(added) != 0 || len(removed) != 1 {
		t.Fatalf("RefreshLibraries: %v %v %v", added, removed, err)
	}
}

func TestEngineClosed(t *testing.T) {
	b := scripted.New(scripted.Config{})
	e, err := proc.NewWithBackend(b, proc.EngineConfig{})
	if err != nil {
		t.Fatal(err)
	}
	p, _ := spawn(t, e, "/bin/demo")
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !p.Exited() {
		t.Fatalf("spawned process not killed by Close: %v", p.State())
	}
	if _, err := e.Create(context.Background(), proc.LaunchConfig{Path: "/bin/demo"}); !errors.Is(err, proc.ErrEngineClosed) {
		t.Fatalf("expected ErrEngineClosed, got %v", err)
	}
	if _, err := e.HandleEvents(context.Background(), true); !errors.Is(err, proc.ErrEngineClosed) {
		t.Fatalf("expected ErrEngineClosed, got %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestGeneratorInitFailure(t *testing.T) {
	b := scripted.New(scripted.Config{})
	b.FailInit(errors.New("ptrace not permitted"))
	_, err := proc.NewWithBackend(b, proc.EngineConfig{})
	var ierr *proc.InitializationError
	if !errors.As(err, &ierr) {
		t.Fatalf("expected InitializationError, got %v", err)
	}
}

func TestUnknownBackend(t *testing.T) {
	if _, err := proc.New(proc.EngineConfig{Backend: "nosuchbackend"}); !errors.Is(err, proc.ErrBackendNotFound) {
		t.Fatalf("expected ErrBackendNotFound, got %v", err)
	}
}
