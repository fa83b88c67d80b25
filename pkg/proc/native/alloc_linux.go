//go:build linux && (amd64 || arm64)

package native

import (
	"fmt"
	"syscall"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/pctl/pkg/logflags"
	"github.com/go-delve/pctl/pkg/proc"
)

// maxInjectAttempts bounds how many signal stops an injected system call
// may be interrupted by.
const maxInjectAttempts = 8

// AllocateExecMemory maps anonymous executable memory in the process of t
// by making t execute mmap: a system call instruction is written at its
// PC, single stepped and removed again. min is passed as the address hint.
func (b *Backend) AllocateExecMemory(t *proc.Thread, min uint64, size int) (uint64, error) {
	var (
		addr uint64
		err  error
	)
	b.pt.exec(func() {
		addr, err = b.injectSyscall(t.LWP(), sysMmap, min, uint64(size),
			sys.PROT_READ|sys.PROT_WRITE|sys.PROT_EXEC, sys.MAP_PRIVATE|sys.MAP_ANONYMOUS, ^uint64(0), 0)
	})
	if err != nil {
		return 0, &proc.AllocationError{Pid: t.Process().Pid(), Min: min, Size: size, Err: err}
	}
	if addr < min {
		b.pt.exec(func() { _, err = b.injectSyscall(t.LWP(), sysMunmap, addr, uint64(size)) })
		return 0, &proc.AllocationError{Pid: t.Process().Pid(), Min: min, Size: size, Err: fmt.Errorf("mapped at %#x", addr)}
	}
	if logflags.Native() {
		b.log.Debugf("allocated %d bytes at %#x in %d", size, addr, t.Process().Pid())
	}
	return addr, nil
}

// FreeExecMemory unmaps memory returned by AllocateExecMemory by making t
// execute munmap.
func (b *Backend) FreeExecMemory(t *proc.Thread, addr uint64, size int) error {
	var err error
	b.pt.exec(func() { _, err = b.injectSyscall(t.LWP(), sysMunmap, addr, uint64(size)) })
	if err != nil {
		return &proc.DeallocationError{Pid: t.Process().Pid(), Addr: addr, Size: size, Err: err}
	}
	if logflags.Native() {
		b.log.Debugf("freed %d bytes at %#x in %d", size, addr, t.Process().Pid())
	}
	return nil
}

// injectSyscall executes system call no with args on the stopped thread tid
// and restores its registers and code afterwards. Must run on the ptrace
// thread while the generator is interrupted.
func (b *Backend) injectSyscall(tid int, no uint64, args ...uint64) (ret uint64, err error) {
	saved, err := ptraceGetRegisters(tid)
	if err != nil {
		return 0, err
	}
	pc := uintptr(saved.PC())
	orig := make([]byte, len(syscallInstruction))
	if _, err := sys.PtracePeekData(tid, pc, orig); err != nil {
		return 0, fmt.Errorf("could not read code at %#x: %w", pc, err)
	}
	if _, err := sys.PtracePokeData(tid, pc, syscallInstruction); err != nil {
		return 0, fmt.Errorf("could not write code at %#x: %w", pc, err)
	}
	defer func() {
		if _, rerr := sys.PtracePokeData(tid, pc, orig); rerr != nil && err == nil {
			err = rerr
		}
		if rerr := ptraceSetRegisters(tid, saved); rerr != nil && err == nil {
			err = rerr
		}
	}()

	regs := saved.Clone()
	regs.Set(regSyscallNo, no)
	for i, a := range args {
		regs.Set(regSyscallArgs[i], a)
	}
	// no syscall restart on resume
	regs.Set("orig_rax", ^uint64(0))
	if err := ptraceSetRegisters(tid, regs); err != nil {
		return 0, err
	}

	for attempt := 0; ; attempt++ {
		if attempt == maxInjectAttempts {
			return 0, fmt.Errorf("system call interrupted %d times", attempt)
		}
		if err := ptraceSingleStep(tid, 0); err != nil {
			return 0, err
		}
		ws, err := waitStopped(tid)
		if err != nil {
			return 0, err
		}
		if sig := ws.StopSignal(); sig != sys.SIGTRAP {
			b.pending.Set(tid, int(sig))
			continue
		}
		break
	}

	out, err := ptraceGetRegisters(tid)
	if err != nil {
		return 0, err
	}
	ret, _ = out.Get(regSyscallRet)
	if errno := -int64(ret); errno > 0 && errno < 4096 {
		return 0, syscall.Errno(errno)
	}
	return ret, nil
}
