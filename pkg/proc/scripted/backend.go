// Package scripted implements a process control backend whose operating
// system is simulated in memory. The events the simulated OS reports are
// injected by the caller, either directly or from a replay script.
package scripted

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"syscall"

	"github.com/go-delve/pctl/pkg/logflags"
	"github.com/go-delve/pctl/pkg/proc"
)

// Config configures a Backend.
type Config struct {
	Arch     *proc.Arch
	PageSize int
	// FirstPid is the pid given to the first spawned process.
	FirstPid int
}

func (cfg *Config) setDefaults() {
	if cfg.Arch == nil {
		cfg.Arch = proc.AMD64
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = 4096
	}
	if cfg.FirstPid == 0 {
		cfg.FirstPid = 1000
	}
}

func init() {
	proc.RegisterBackend("scripted", func(cfg proc.BackendConfig) (proc.Backend, error) {
		return New(Config{}), nil
	})
}

type region struct {
	start uint64
	data  []byte
}

func (r *region) end() uint64 { return r.start + uint64(len(r.data)) }

type simThread struct {
	tid         int
	regs        *proc.RegisterPool
	running     bool
	pendingStop bool
}

type simProcess struct {
	pid      int
	path     string
	args     []string
	threads  map[int]*simThread
	regions  []*region
	libs     []proc.Library
	traced   bool
	started  bool
	exited   bool
	detached bool
	script   []*RawEvent
}

func (sp *simProcess) live() bool {
	return sp.traced && !sp.exited && !sp.detached
}

// Backend is a proc.Backend backed by a simulated OS.
type Backend struct {
	cfg Config
	log logflags.Logger
	src *eventSource

	mu      sync.Mutex
	procs   map[int]*simProcess
	nextPid int
	closed  bool
}

// New returns a backend with no processes.
func New(cfg Config) *Backend {
	cfg.setDefaults()
	return &Backend{
		cfg:     cfg,
		log:     logflags.ScriptedLogger(),
		src:     newEventSource(),
		procs:   make(map[int]*simProcess),
		nextPid: cfg.FirstPid,
	}
}

// FailInit makes the event source fail to initialize with err.
func (b *Backend) FailInit(err error) {
	b.src.mu.Lock()
	b.src.initErr = err
	b.src.mu.Unlock()
}

// Fail makes the event source return err from its next wait.
func (b *Backend) Fail(err error) {
	b.src.fail(err)
}

// Blocked reports whether the generator is blocked waiting for an event.
func (b *Backend) Blocked() bool {
	return b.src.blocked()
}

func (b *Backend) Name() string                   { return "scripted" }
func (b *Backend) EventSource() proc.EventSource { return b.src }
func (b *Backend) Decoders() []proc.Decoder      { return []proc.Decoder{decoder{}} }
func (b *Backend) Handlers() []proc.Handler      { return nil }

// AddProcess adds a process to the simulated OS, it can later be attached
// to, or spawned by path. A process with no threads gets one thread with
// the process id.
func (b *Backend) AddProcess(pid int, path string, tids ...int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addProcessLocked(pid, path, tids...)
}

func (b *Backend) addProcessLocked(pid int, path string, tids ...int) *simProcess {
	if len(tids) == 0 {
		tids = []int{pid}
	}
	sp := &simProcess{pid: pid, path: path, threads: make(map[int]*simThread)}
	for _, tid := range tids {
		sp.threads[tid] = &simThread{tid: tid, regs: proc.NewRegisterPool(b.cfg.Arch), running: true}
	}
	b.procs[pid] = sp
	if pid >= b.nextPid {
		b.nextPid = pid + 1
	}
	return sp
}

// MapMemory maps data at addr in the simulated process pid.
func (b *Backend) MapMemory(pid int, addr uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sp, ok := b.procs[pid]
	if !ok {
		return syscall.ESRCH
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	for _, r := range sp.regions {
		if addr < r.end() && addr+uint64(len(buf)) > r.start {
			return fmt.Errorf("region %#x-%#x overlaps %#x-%#x", addr, addr+uint64(len(buf)), r.start, r.end())
		}
	}
	sp.regions = append(sp.regions, &region{start: addr, data: buf})
	sort.Slice(sp.regions, func(i, j int) bool { return sp.regions[i].start < sp.regions[j].start })
	return nil
}

// SetLibraries replaces the libraries the OS reports for pid.
func (b *Backend) SetLibraries(pid int, libs []proc.Library) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sp, ok := b.procs[pid]; ok {
		sp.libs = append([]proc.Library(nil), libs...)
	}
}

// SetRegister changes a register of a simulated thread.
func (b *Backend) SetRegister(pid, tid int, name string, value uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, err := b.threadLocked(pid, tid)
	if err != nil {
		return err
	}
	if !st.regs.Set(name, value) {
		return fmt.Errorf("no register %q", name)
	}
	return nil
}

// Register returns a register of a simulated thread.
func (b *Backend) Register(pid, tid int, name string) (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, err := b.threadLocked(pid, tid)
	if err != nil {
		return 0, false
	}
	return st.regs.Get(name)
}

// Running reports whether the simulated thread is running.
func (b *Backend) Running(pid, tid int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, err := b.threadLocked(pid, tid)
	return err == nil && st.running
}

// Peek returns the simulated memory of pid, breakpoint instructions
// included.
func (b *Backend) Peek(pid int, addr uint64, size int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sp, ok := b.procs[pid]
	if !ok {
		return nil, syscall.ESRCH
	}
	buf := make([]byte, size)
	n, err := sp.access(addr, buf, false)
	return buf[:n], err
}

// Script queues events that are injected one at a time, each time every
// thread of their process has been resumed.
func (b *Backend) Script(pid int, evs ...*RawEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sp, ok := b.procs[pid]; ok {
		sp.script = append(sp.script, evs...)
	}
}

// Inject makes the simulated OS report ev. The state of the simulated
// process is updated the way the OS would before reporting it.
func (b *Backend) Inject(ev *RawEvent) {
	b.mu.Lock()
	b.applyLocked(ev)
	b.mu.Unlock()
	b.src.push(ev)
}

// InjectRaw queues a raw event of any type without touching the simulated
// OS.
func (b *Backend) InjectRaw(raw proc.RawEvent) {
	b.src.push(raw)
}

func (b *Backend) applyLocked(ev *RawEvent) {
	sp, ok := b.procs[ev.PID]
	if !ok {
		return
	}
	tid := ev.TID
	if tid == 0 {
		tid = ev.PID
		ev.TID = tid
	}
	st := sp.threads[tid]
	switch ev.Kind {
	case KindExit:
		if tid == sp.pid {
			sp.exited = true
			sp.threads = map[int]*simThread{}
		} else {
			delete(sp.threads, tid)
		}
		return
	case KindKilled:
		sp.exited = true
		sp.threads = map[int]*simThread{}
		return
	case KindClone:
		if ev.NewTID != 0 {
			sp.threads[ev.NewTID] = &simThread{tid: ev.NewTID, regs: proc.NewRegisterPool(b.cfg.Arch)}
		}
	case KindFork:
		if ev.NewPID != 0 {
			child := b.addProcessLocked(ev.NewPID, sp.path)
			child.traced = true
			child.started = true
			for _, r := range sp.regions {
				child.regions = append(child.regions, &region{start: r.start, data: append([]byte(nil), r.data...)})
			}
			child.libs = append([]proc.Library(nil), sp.libs...)
			for _, ct := range child.threads {
				ct.running = false
				if st != nil {
					ct.regs = st.regs.Clone()
				}
			}
		}
	case KindExec:
		for id := range sp.threads {
			if id != tid {
				delete(sp.threads, id)
			}
		}
	case KindBreakpoint:
		if st != nil && ev.Addr != 0 {
			pc := ev.Addr
			if b.cfg.Arch.BreakInstrMovesPC() {
				pc += uint64(b.cfg.Arch.BreakpointSize())
			}
			st.regs.Set(b.cfg.Arch.PCRegister(), pc)
		}
	}
	if st != nil {
		st.running = false
	}
}

func (b *Backend) procLocked(p *proc.Process) (*simProcess, error) {
	sp, ok := b.procs[p.Pid()]
	if !ok || !sp.live() {
		return nil, syscall.ESRCH
	}
	return sp, nil
}

func (b *Backend) threadLocked(pid, tid int) (*simThread, error) {
	sp, ok := b.procs[pid]
	if !ok || sp.exited {
		return nil, syscall.ESRCH
	}
	st, ok := sp.threads[tid]
	if !ok {
		return nil, syscall.ESRCH
	}
	return st, nil
}

func (b *Backend) tracedThreadLocked(t *proc.Thread) (*simThread, error) {
	sp, ok := b.procs[t.Process().Pid()]
	if !ok || !sp.live() {
		return nil, syscall.ESRCH
	}
	st, ok := sp.threads[t.LWP()]
	if !ok {
		return nil, syscall.ESRCH
	}
	return st, nil
}

func (b *Backend) info(sp *simProcess) *proc.ProcessInfo {
	return &proc.ProcessInfo{Pid: sp.pid, Path: sp.path, Arch: b.cfg.Arch, PageSize: b.cfg.PageSize}
}

// Create starts the process previously added with path, or a new process
// with a single thread.
func (b *Backend) Create(cfg proc.LaunchConfig) (*proc.ProcessInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cfg.Path == "" {
		return nil, &proc.SpawnError{Path: cfg.Path, Err: syscall.ENOENT}
	}
	var sp *simProcess
	for _, cand := range b.procs {
		if cand.path == cfg.Path && !cand.started && (sp == nil || cand.pid < sp.pid) {
			sp = cand
		}
	}
	if sp == nil {
		sp = b.addProcessLocked(b.nextPid, cfg.Path)
	}
	sp.started = true
	sp.traced = true
	sp.args = cfg.Args
	for _, st := range sp.threads {
		st.running = false
	}
	if logflags.Scripted() {
		b.log.Debugf("spawned %s as %d", cfg.Path, sp.pid)
	}
	return b.info(sp), nil
}

func (b *Backend) Attach(pid int) (*proc.ProcessInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sp, ok := b.procs[pid]
	if !ok || sp.exited {
		return nil, &proc.AttachError{Pid: pid, Err: syscall.ESRCH}
	}
	if sp.traced && !sp.detached {
		return nil, &proc.AttachError{Pid: pid, Err: syscall.EPERM}
	}
	sp.started = true
	sp.traced = true
	sp.detached = false
	for _, st := range sp.threads {
		st.running = false
	}
	return b.info(sp), nil
}

func (b *Backend) Adopt(parent *proc.Process, pid int) (*proc.ProcessInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sp, ok := b.procs[pid]
	if !ok || !sp.live() {
		return nil, syscall.ESRCH
	}
	return b.info(sp), nil
}

func (b *Backend) Detach(p *proc.Process) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sp, err := b.procLocked(p)
	if err != nil {
		return err
	}
	sp.detached = true
	for _, st := range sp.threads {
		st.running = true
		st.pendingStop = false
	}
	return nil
}

func (b *Backend) Terminate(p *proc.Process) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sp, err := b.procLocked(p)
	if err != nil {
		return false, err
	}
	sp.exited = true
	sp.threads = map[int]*simThread{}
	return b.src.pendingFor(sp.pid), nil
}

func (b *Backend) ThreadLWPs(p *proc.Process) ([]proc.ThreadInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sp, err := b.procLocked(p)
	if err != nil {
		return nil, err
	}
	r := make([]proc.ThreadInfo, 0, len(sp.threads))
	for _, st := range sp.threads {
		r = append(r, proc.ThreadInfo{ID: st.tid, LWP: st.tid, Stopped: !st.running})
	}
	sort.Slice(r, func(i, j int) bool { return r[i].ID < r[j].ID })
	return r, nil
}

func (b *Backend) Resume(t *proc.Thread, sig int) error {
	b.mu.Lock()
	var inject *RawEvent
	err := func() error {
		st, err := b.tracedThreadLocked(t)
		if err != nil {
			return err
		}
		st.running = true
		if st.pendingStop {
			st.pendingStop = false
			inject = &RawEvent{Kind: KindHalt, PID: t.Process().Pid(), TID: st.tid}
			return nil
		}
		inject = b.nextScriptedLocked(t.Process().Pid())
		return nil
	}()
	if inject != nil {
		b.applyLocked(inject)
	}
	b.mu.Unlock()
	if inject != nil {
		b.src.push(inject)
	}
	return err
}

// nextScriptedLocked pops the next scripted event of pid once every thread
// of pid runs.
func (b *Backend) nextScriptedLocked(pid int) *RawEvent {
	sp := b.procs[pid]
	if sp == nil || len(sp.script) == 0 {
		return nil
	}
	for _, st := range sp.threads {
		if !st.running {
			return nil
		}
	}
	ev := sp.script[0]
	sp.script = sp.script[1:]
	return ev
}

func (b *Backend) Step(t *proc.Thread, sig int) error {
	b.mu.Lock()
	st, err := b.tracedThreadLocked(t)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	size := uint64(1)
	if b.cfg.Arch == proc.ARM64 {
		size = 4
	}
	pc, _ := st.regs.Get(b.cfg.Arch.PCRegister())
	st.regs.Set(b.cfg.Arch.PCRegister(), pc+size)
	st.running = false
	b.mu.Unlock()
	b.src.push(&RawEvent{Kind: KindStep, PID: t.Process().Pid(), TID: st.tid})
	return nil
}

func (b *Backend) Halt(t *proc.Thread) error {
	b.mu.Lock()
	st, err := b.tracedThreadLocked(t)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	if !st.running {
		st.pendingStop = true
		b.mu.Unlock()
		return nil
	}
	st.running = false
	b.mu.Unlock()
	b.src.push(&RawEvent{Kind: KindHalt, PID: t.Process().Pid(), TID: st.tid})
	return nil
}

var errThreadRunning = errors.New("thread is running")

func (b *Backend) GetRegisters(t *proc.Thread) (*proc.RegisterPool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, err := b.tracedThreadLocked(t)
	if err != nil {
		return nil, err
	}
	if st.running {
		return nil, errThreadRunning
	}
	return st.regs.Clone(), nil
}

func (b *Backend) SetRegisters(t *proc.Thread, regs *proc.RegisterPool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, err := b.tracedThreadLocked(t)
	if err != nil {
		return err
	}
	if st.running {
		return errThreadRunning
	}
	st.regs = regs.Clone()
	return nil
}

func (b *Backend) ReadMemory(t *proc.Thread, addr uint64, buf []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sp, err := b.procLocked(t.Process())
	if err != nil {
		return 0, err
	}
	return sp.access(addr, buf, false)
}

func (b *Backend) WriteMemory(t *proc.Thread, addr uint64, data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sp, err := b.procLocked(t.Process())
	if err != nil {
		return 0, err
	}
	return sp.access(addr, data, true)
}

// access copies between buf and the contiguous mapped memory starting at
// addr.
func (sp *simProcess) access(addr uint64, buf []byte, write bool) (int, error) {
	n := 0
	for n < len(buf) {
		a := addr + uint64(n)
		var r *region
		for _, cand := range sp.regions {
			if a >= cand.start && a < cand.end() {
				r = cand
				break
			}
		}
		if r == nil {
			break
		}
		off := a - r.start
		if write {
			n += copy(r.data[off:], buf[n:])
		} else {
			n += copy(buf[n:], r.data[off:])
		}
	}
	if n == 0 && len(buf) > 0 {
		return 0, syscall.EFAULT
	}
	return n, nil
}

func (b *Backend) AllocateExecMemory(t *proc.Thread, min uint64, size int) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sp, err := b.procLocked(t.Process())
	if err != nil {
		return 0, err
	}
	ps := uint64(b.cfg.PageSize)
	length := (uint64(size) + ps - 1) &^ (ps - 1)
	addr := (min + ps - 1) &^ (ps - 1)
	if addr == 0 {
		addr = ps
	}
	for _, r := range sp.regions {
		if addr+length <= r.start {
			break
		}
		if r.end() > addr {
			addr = (r.end() + ps - 1) &^ (ps - 1)
		}
	}
	if addr+length < addr {
		return 0, &proc.AllocationError{Pid: sp.pid, Min: min, Size: size, Err: syscall.ENOMEM}
	}
	sp.regions = append(sp.regions, &region{start: addr, data: make([]byte, length)})
	sort.Slice(sp.regions, func(i, j int) bool { return sp.regions[i].start < sp.regions[j].start })
	return addr, nil
}

// FreeExecMemory removes the region starting at addr. Like munmap the size
// is rounded up to the page size, it must cover the whole region.
func (b *Backend) FreeExecMemory(t *proc.Thread, addr uint64, size int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sp, err := b.procLocked(t.Process())
	if err != nil {
		return err
	}
	ps := uint64(b.cfg.PageSize)
	length := (uint64(size) + ps - 1) &^ (ps - 1)
	for i, r := range sp.regions {
		if r.start == addr && uint64(len(r.data)) <= length {
			sp.regions = append(sp.regions[:i], sp.regions[i+1:]...)
			return nil
		}
	}
	return &proc.DeallocationError{Pid: sp.pid, Addr: addr, Size: size, Err: syscall.EINVAL}
}

func (b *Backend) Libraries(p *proc.Process) ([]proc.Library, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sp, err := b.procLocked(p)
	if err != nil {
		return nil, err
	}
	return append([]proc.Library(nil), sp.libs...), nil
}

func (b *Backend) Forget(p *proc.Process) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sp, ok := b.procs[p.Pid()]; ok {
		sp.script = nil
	}
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
