package native

import (
	"debug/elf"
	"fmt"
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/pctl/pkg/proc"
)

var nativeArch = proc.ARM64

// syscallInstruction is the encoding of svc #0.
var syscallInstruction = []byte{0x01, 0x00, 0x00, 0xd4}

const (
	sysMmap   = 222
	sysMunmap = 215

	regSyscallNo  = "x8"
	regSyscallRet = "x0"

	_AARCH64_GREGS_SIZE = 34 * 8
)

var regSyscallArgs = [...]string{"x0", "x1", "x2", "x3", "x4", "x5"}

// arm64PtraceRegs is the layout of NT_PRSTATUS on arm64.
type arm64PtraceRegs struct {
	Regs   [31]uint64
	Sp     uint64
	Pc     uint64
	Pstate uint64
}

func ptraceGetGRegs(tid int, regs *arm64PtraceRegs) (err error) {
	iov := sys.Iovec{Base: (*byte)(unsafe.Pointer(regs)), Len: _AARCH64_GREGS_SIZE}
	_, _, err = syscall.Syscall6(syscall.SYS_PTRACE, sys.PTRACE_GETREGSET, uintptr(tid), uintptr(elf.NT_PRSTATUS), uintptr(unsafe.Pointer(&iov)), 0, 0)
	if err == syscall.Errno(0) {
		err = nil
	}
	return
}

func ptraceSetGRegs(tid int, regs *arm64PtraceRegs) (err error) {
	iov := sys.Iovec{Base: (*byte)(unsafe.Pointer(regs)), Len: _AARCH64_GREGS_SIZE}
	_, _, err = syscall.Syscall6(syscall.SYS_PTRACE, sys.PTRACE_SETREGSET, uintptr(tid), uintptr(elf.NT_PRSTATUS), uintptr(unsafe.Pointer(&iov)), 0, 0)
	if err == syscall.Errno(0) {
		err = nil
	}
	return
}

func ptraceGetRegisters(tid int) (*proc.RegisterPool, error) {
	var regs arm64PtraceRegs
	if err := ptraceGetGRegs(tid, &regs); err != nil {
		return nil, err
	}
	rp := proc.NewRegisterPool(proc.ARM64)
	for i, v := range regs.Regs {
		rp.Set(fmt.Sprintf("x%d", i), v)
	}
	rp.Set("sp", regs.Sp)
	rp.Set("pc", regs.Pc)
	rp.Set("pstate", regs.Pstate)
	return rp, nil
}

func ptraceSetRegisters(tid int, rp *proc.RegisterPool) error {
	var regs arm64PtraceRegs
	for i := range regs.Regs {
		regs.Regs[i], _ = rp.Get(fmt.Sprintf("x%d", i))
	}
	regs.Sp, _ = rp.Get("sp")
	regs.Pc, _ = rp.Get("pc")
	regs.Pstate, _ = rp.Get("pstate")
	return ptraceSetGRegs(tid, &regs)
}
