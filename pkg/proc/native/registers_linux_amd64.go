package native

import (
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/pctl/pkg/proc"
)

var nativeArch = proc.AMD64

// syscallInstruction is the encoding of the syscall instruction.
var syscallInstruction = []byte{0x0f, 0x05}

const (
	sysMmap   = 9
	sysMunmap = 11

	// registers used for injected system calls
	regSyscallNo  = "rax"
	regSyscallRet = "rax"
)

var regSyscallArgs = [...]string{"rdi", "rsi", "rdx", "r10", "r8", "r9"}

func ptraceGetRegisters(tid int) (*proc.RegisterPool, error) {
	var regs sys.PtraceRegs
	if err := sys.PtraceGetRegs(tid, &regs); err != nil {
		return nil, err
	}
	rp := proc.NewRegisterPool(proc.AMD64)
	for _, r := range []struct {
		name  string
		value uint64
	}{
		{"rax", regs.Rax}, {"rbx", regs.Rbx}, {"rcx", regs.Rcx}, {"rdx", regs.Rdx},
		{"rsi", regs.Rsi}, {"rdi", regs.Rdi}, {"rbp", regs.Rbp}, {"rsp", regs.Rsp},
		{"r8", regs.R8}, {"r9", regs.R9}, {"r10", regs.R10}, {"r11", regs.R11},
		{"r12", regs.R12}, {"r13", regs.R13}, {"r14", regs.R14}, {"r15", regs.R15},
		{"rip", regs.Rip}, {"eflags", regs.Eflags},
		{"cs", regs.Cs}, {"ss", regs.Ss}, {"ds", regs.Ds}, {"es", regs.Es}, {"fs", regs.Fs}, {"gs", regs.Gs},
		{"fs_base", regs.Fs_base}, {"gs_base", regs.Gs_base}, {"orig_rax", regs.Orig_rax},
	} {
		rp.Set(r.name, r.value)
	}
	return rp, nil
}

func ptraceSetRegisters(tid int, rp *proc.RegisterPool) error {
	var regs sys.PtraceRegs
	// segment selectors and bases the pool does not carry keep their value
	if err := sys.PtraceGetRegs(tid, &regs); err != nil {
		return err
	}
	for _, r := range []struct {
		name string
		dst  *uint64
	}{
		{"rax", &regs.Rax}, {"rbx", &regs.Rbx}, {"rcx", &regs.Rcx}, {"rdx", &regs.Rdx},
		{"rsi", &regs.Rsi}, {"rdi", &regs.Rdi}, {"rbp", &regs.Rbp}, {"rsp", &regs.Rsp},
		{"r8", &regs.R8}, {"r9", &regs.R9}, {"r10", &regs.R10}, {"r11", &regs.R11},
		{"r12", &regs.R12}, {"r13", &regs.R13}, {"r14", &regs.R14}, {"r15", &regs.R15},
		{"rip", &regs.Rip}, {"eflags", &regs.Eflags},
		{"cs", &regs.Cs}, {"ss", &regs.Ss}, {"ds", &regs.Ds}, {"es", &regs.Es}, {"fs", &regs.Fs}, {"gs", &regs.Gs},
		{"fs_base", &regs.Fs_base}, {"gs_base", &regs.Gs_base}, {"orig_rax", &regs.Orig_rax},
	} {
		if v, ok := rp.Get(r.name); ok {
			*r.dst = v
		}
	}
	return sys.PtraceSetRegs(tid, &regs)
}
