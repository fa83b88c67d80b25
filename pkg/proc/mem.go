package proc

import (
	"context"
	"errors"
	"strings"
)

// threadRegisters returns the registers of a stopped thread, reading them
// from the backend if they are not cached. The caller holds the pipeline.
func (e *Engine) threadRegisters(t *Thread) (*RegisterPool, error) {
	t.proc.mu.RLock()
	stopped := t.stoppedLocked()
	cached := t.regs
	t.proc.mu.RUnlock()
	if !stopped {
		return nil, &RegisterAccessError{Tid: t.id, Reason: "thread is not stopped"}
	}
	if cached != nil {
		return cached.Clone(), nil
	}
	regs, err := e.backend.GetRegisters(t)
	if err != nil {
		return nil, &RegisterAccessError{Tid: t.id, Reason: "could not read registers", Err: err}
	}
	t.proc.mu.Lock()
	if t.state == ThreadStopped {
		t.regs = regs.Clone()
	}
	t.proc.mu.Unlock()
	return regs, nil
}

func (e *Engine) setThreadRegisters(t *Thread, regs *RegisterPool) error {
	t.proc.mu.RLock()
	stopped := t.stoppedLocked()
	t.proc.mu.RUnlock()
	if !stopped {
		return &RegisterAccessError{Tid: t.id, Reason: "thread is not stopped"}
	}
	if regs.Arch() != t.proc.arch {
		return &RegisterAccessError{Tid: t.id, Reason: "register set of architecture " + regs.Arch().Name}
	}
	if err := e.backend.SetRegisters(t, regs); err != nil {
		t.proc.mu.Lock()
		t.regs = nil
		t.proc.mu.Unlock()
		return &RegisterAccessError{Tid: t.id, Reason: "could not write registers", Err: err}
	}
	t.proc.mu.Lock()
	t.regs = regs.Clone()
	t.proc.mu.Unlock()
	return nil
}

func (e *Engine) checkThread(t *Thread) error {
	if t == nil {
		return errors.New("nil thread")
	}
	if err := e.owns(t.proc); err != nil {
		return err
	}
	return t.Valid()
}

// GetAllRegisters returns the general purpose registers of a stopped
// thread.
func (e *Engine) GetAllRegisters(t *Thread) (*RegisterPool, error) {
	if err := e.lock(); err != nil {
		return nil, err
	}
	defer e.pipelineMu.Unlock()
	if err := e.checkThread(t); err != nil {
		return nil, err
	}
	return e.threadRegisters(t)
}

// GetRegister returns the value of one register of a stopped thread.
func (e *Engine) GetRegister(t *Thread, name string) (uint64, error) {
	regs, err := e.GetAllRegisters(t)
	if err != nil {
		return 0, err
	}
	v, ok := regs.Get(name)
	if !ok {
		return 0, &RegisterAccessError{Tid: t.id, Reg: name, Reason: "no such register on " + t.proc.arch.Name}
	}
	return v, nil
}

// SetRegister changes one register of a stopped thread.
func (e *Engine) SetRegister(t *Thread, name string, value uint64) error {
	if err := e.lock(); err != nil {
		return err
	}
	defer e.pipelineMu.Unlock()
	if err := e.checkThread(t); err != nil {
		return err
	}
	if !t.proc.arch.HasRegister(strings.ToLower(name)) {
		return &RegisterAccessError{Tid: t.id, Reg: name, Reason: "no such register on " + t.proc.arch.Name}
	}
	regs, err := e.threadRegisters(t)
	if err != nil {
		return err
	}
	regs.Set(name, value)
	return e.setThreadRegisters(t, regs)
}

// SetAllRegisters writes every general purpose register of a stopped
// thread.
func (e *Engine) SetAllRegisters(t *Thread, regs *RegisterPool) error {
	if err := e.lock(); err != nil {
		return err
	}
	defer e.pipelineMu.Unlock()
	if err := e.checkThread(t); err != nil {
		return err
	}
	return e.setThreadRegisters(t, regs)
}

// ReadMemory reads size bytes at addr through a stopped thread.
// Breakpoint instructions inserted by the engine are not visible.
func (e *Engine) ReadMemory(t *Thread, addr uint64, size int) ([]byte, error) {
	if err := e.lock(); err != nil {
		return nil, err
	}
	defer e.pipelineMu.Unlock()
	if err := e.checkThread(t); err != nil {
		return nil, err
	}
	return e.readMemory(t, addr, size)
}

func (e *Engine) readMemory(t *Thread, addr uint64, size int) ([]byte, error) {
	if size < 0 || addr+uint64(size) < addr {
		return nil, &MemoryAccessError{Tid: t.id, Addr: addr, Size: size, Reason: "invalid range"}
	}
	if !t.Stopped() {
		return nil, &MemoryAccessError{Tid: t.id, Addr: addr, Size: size, Reason: "thread is not stopped"}
	}
	buf := make([]byte, size)
	if size == 0 {
		return buf, nil
	}
	fetch := func(a uint64, b []byte) (int, error) { return e.backend.ReadMemory(t, a, b) }
	if mc := t.proc.mem; mc == nil || mc.read(addr, buf, fetch) != nil {
		n, err := fetch(addr, buf)
		if err != nil {
			return nil, &MemoryAccessError{Tid: t.id, Addr: addr, Size: size, Reason: "read failed", Err: err}
		}
		if n < size {
			return nil, &MemoryAccessError{Tid: t.id, Addr: addr, Size: size, Reason: "short read"}
		}
	}
	maskBreakpoints(e.bps.overlapping(t.proc.pid, addr, size), addr, buf)
	return buf, nil
}

// WriteMemory writes data at addr through a stopped thread. Writes over an
// inserted breakpoint change the data restored when it is removed.
func (e *Engine) WriteMemory(t *Thread, addr uint64, data []byte) error {
	if err := e.lock(); err != nil {
		return err
	}
	defer e.pipelineMu.Unlock()
	if err := e.checkThread(t); err != nil {
		return err
	}
	size := len(data)
	if addr+uint64(size) < addr {
		return &MemoryAccessError{Tid: t.id, Addr: addr, Size: size, Reason: "invalid range"}
	}
	if !t.Stopped() {
		return &MemoryAccessError{Tid: t.id, Addr: addr, Size: size, Reason: "thread is not stopped"}
	}
	out := make([]byte, size)
	copy(out, data)
	instr := t.proc.arch.BreakpointInstruction()
	// the bytes saved by overlapping breakpoints only change once the
	// whole write went through
	bps := e.bps.overlapping(t.proc.pid, addr, size)
	saved := make([][]byte, len(bps))
	for j, bp := range bps {
		saved[j] = append([]byte(nil), bp.OriginalData...)
		for i := range saved[j] {
			a := bp.Addr + uint64(i)
			if a >= addr && a < addr+uint64(size) {
				saved[j][i] = data[a-addr]
				out[a-addr] = instr[i]
			}
		}
	}
	if t.proc.mem != nil {
		defer t.proc.mem.invalidate(addr, size)
	}
	n, err := e.backend.WriteMemory(t, addr, out)
	if err != nil {
		return &MemoryAccessError{Tid: t.id, Addr: addr, Size: size, Reason: "write failed", Err: err}
	}
	if n < size {
		return &MemoryAccessError{Tid: t.id, Addr: addr, Size: size, Reason: "short write"}
	}
	for j, bp := range bps {
		copy(bp.OriginalData, saved[j])
	}
	return nil
}

// AllocateExecutableMemory maps size bytes of readable, writable and
// executable memory at or above min in p and returns its address.
func (e *Engine) AllocateExecutableMemory(ctx context.Context, p *Process, min uint64, size int) (uint64, error) {
	if err := e.lock(); err != nil {
		return 0, err
	}
	defer e.pipelineMu.Unlock()
	if err := e.owns(p); err != nil {
		return 0, err
	}
	if err := p.Valid(); err != nil {
		return 0, err
	}
	if size <= 0 {
		return 0, &AllocationError{Pid: p.pid, Min: min, Size: size, Err: errors.New("invalid size")}
	}
	t := p.StoppedThread()
	if t == nil {
		return 0, &AllocationError{Pid: p.pid, Min: min, Size: size, Err: ErrNoStoppedThread}
	}
	release, err := e.quiesce(ctx)
	if err != nil {
		return 0, &AllocationError{Pid: p.pid, Min: min, Size: size, Err: err}
	}
	addr, err := e.backend.AllocateExecMemory(t, min, size)
	release()

	p.mu.Lock()
	t.regs = nil
	p.mu.Unlock()
	p.purgeMemCache()
	if err != nil {
		var aerr *AllocationError
		if errors.As(err, &aerr) {
			return 0, err
		}
		return 0, &AllocationError{Pid: p.pid, Min: min, Size: size, Err: err}
	}
	return addr, nil
}

// FreeExecutableMemory unmaps memory returned by AllocateExecutableMemory.
// Breakpoints inside the range are dropped without restoring their
// original data.
func (e *Engine) FreeExecutableMemory(ctx context.Context, p *Process, addr uint64, size int) error {
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
	if size <= 0 || addr == 0 {
		return &DeallocationError{Pid: p.pid, Addr: addr, Size: size, Err: errors.New("invalid range")}
	}
	t := p.StoppedThread()
	if t == nil {
		return &DeallocationError{Pid: p.pid, Addr: addr, Size: size, Err: ErrNoStoppedThread}
	}
	release, err := e.quiesce(ctx)
	if err != nil {
		return &DeallocationError{Pid: p.pid, Addr: addr, Size: size, Err: err}
	}
	err = e.backend.FreeExecMemory(t, addr, size)
	release()
	if err == nil {
		for _, bp := range e.bps.overlapping(p.pid, addr, size) {
			p.mu.Lock()
			for _, t2 := range p.threads {
				if t2.stepOver == bp {
					t2.stepOver = nil
				}
			}
			p.mu.Unlock()
			e.bps.Delete(bpKey{p.pid, bp.Addr})
		}
	}

	p.mu.Lock()
	t.regs = nil
	p.mu.Unlock()
	p.purgeMemCache()
	if err != nil {
		var derr *DeallocationError
		if errors.As(err, &derr) {
			return err
		}
		return &DeallocationError{Pid: p.pid, Addr: addr, Size: size, Err: err}
	}
	return nil
}

// InsertBreakpoint writes a breakpoint instruction at addr.
func (e *Engine) InsertBreakpoint(p *Process, addr uint64) (*Breakpoint, error) {
	return e.insertBreakpoint(p, addr, UserBreakpoint, "")
}

// InsertFunctionEntryBreakpoint writes a breakpoint at the entry of the
// function name. Hitting it is reported as an EventFunctionEntry following
// the EventBreakpoint.
func (e *Engine) InsertFunctionEntryBreakpoint(p *Process, addr uint64, name string) (*Breakpoint, error) {
	return e.insertBreakpoint(p, addr, FunctionEntryBreakpoint, name)
}

func (e *Engine) insertBreakpoint(p *Process, addr uint64, kind BreakpointKind, name string) (*Breakpoint, error) {
	if err := e.lock(); err != nil {
		return nil, err
	}
	defer e.pipelineMu.Unlock()
	if err := e.owns(p); err != nil {
		return nil, err
	}
	if err := p.Valid(); err != nil {
		return nil, err
	}
	if bp := e.bps.find(p.pid, addr); bp != nil {
		return bp, BreakpointExistsError{addr}
	}
	t := p.StoppedThread()
	if t == nil {
		return nil, ErrNoStoppedThread
	}
	size := p.arch.BreakpointSize()
	orig := make([]byte, size)
	n, err := e.backend.ReadMemory(t, addr, orig)
	if err != nil || n != size {
		return nil, &MemoryAccessError{Tid: t.id, Addr: addr, Size: size, Reason: "could not read original instruction", Err: err}
	}
	bp := &Breakpoint{Addr: addr, OriginalData: orig, Name: name, Kind: kind, HitCount: map[int]uint64{}, pid: p.pid}
	if err := writeBreakpoint(e.backend, t, bp); err != nil {
		return nil, &MemoryAccessError{Tid: t.id, Addr: addr, Size: size, Reason: "could not write breakpoint", Err: err}
	}
	if p.mem != nil {
		p.mem.invalidate(addr, size)
	}
	e.bps.Set(bpKey{p.pid, addr}, bp)
	return bp, nil
}

// RemoveBreakpoint restores the original instruction at addr.
func (e *Engine) RemoveBreakpoint(p *Process, addr uint64) error {
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
	bp := e.bps.find(p.pid, addr)
	if bp == nil {
		return NoBreakpointError{addr}
	}
	t := p.StoppedThread()
	if t == nil {
		return ErrNoStoppedThread
	}
	// a thread stepping over bp has the original data in place already
	stepping := false
	p.mu.Lock()
	for _, t2 := range p.threads {
		if t2.stepOver == bp {
			t2.stepOver = nil
			stepping = true
		}
	}
	p.mu.Unlock()
	if !stepping {
		if err := restoreBreakpoint(e.backend, t, bp); err != nil {
			return &MemoryAccessError{Tid: t.id, Addr: addr, Size: len(bp.OriginalData), Reason: "could not restore original instruction", Err: err}
		}
	}
	if p.mem != nil {
		p.mem.invalidate(addr, len(bp.OriginalData))
	}
	e.bps.Delete(bpKey{p.pid, addr})
	return nil
}

// Breakpoints returns the breakpoints inserted in p ordered by address.
func (e *Engine) Breakpoints(p *Process) []*Breakpoint {
	return e.bps.list(p.pid)
}
