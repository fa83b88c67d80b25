package proc

import (
	"encoding/binary"
	"fmt"
)

// Arch describes a CPU architecture supported by a backend.
type Arch struct {
	Name string

	ptrSize               int
	breakpointInstruction []byte
	breakInstrMovesPC     bool
	pcRegister            string
	spRegister            string

	// registers lists the general purpose registers in the order a
	// RegisterPool stores them.
	registers []string
	index     map[string]int
}

func newArch(name string, ptrSize int, bp []byte, movesPC bool, pc, sp string, regs []string) *Arch {
	a := &Arch{
		Name:                  name,
		ptrSize:               ptrSize,
		breakpointInstruction: bp,
		breakInstrMovesPC:     movesPC,
		pcRegister:            pc,
		spRegister:            sp,
		registers:             regs,
		index:                 make(map[string]int, len(regs)),
	}
	for i, r := range regs {
		a.index[r] = i
	}
	return a
}

// AMD64 is the x86-64 architecture, register set as returned by
// PTRACE_GETREGS.
var AMD64 = newArch("amd64", 8, []byte{0xCC}, true, "rip", "rsp", []string{
	"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rbp", "rsp",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"rip", "eflags", "cs", "ss", "ds", "es", "fs", "gs",
	"fs_base", "gs_base", "orig_rax",
})

// ARM64 is the AArch64 architecture, register set as returned by
// PTRACE_GETREGSET(NT_PRSTATUS).
var ARM64 = newArch("arm64", 8, []byte{0x0, 0x0, 0x20, 0xd4}, false, "pc", "sp", []string{
	"x0", "x1", "x2", "x3", "x4", "x5", "x6", "x7",
	"x8", "x9", "x10", "x11", "x12", "x13", "x14", "x15",
	"x16", "x17", "x18", "x19", "x20", "x21", "x22", "x23",
	"x24", "x25", "x26", "x27", "x28", "x29", "x30",
	"sp", "pc", "pstate",
})

// ArchByName returns the architecture descriptor for a GOARCH name.
func ArchByName(name string) (*Arch, error) {
	switch name {
	case "amd64":
		return AMD64, nil
	case "arm64":
		return ARM64, nil
	}
	return nil, fmt.Errorf("unsupported architecture %q", name)
}

// PtrSize returns the size of a pointer on this architecture.
func (a *Arch) PtrSize() int {
	return a.ptrSize
}

// ByteOrder returns the byte order of the architecture.
func (a *Arch) ByteOrder() binary.ByteOrder {
	return binary.LittleEndian
}

// BreakpointInstruction returns the bytes of a software breakpoint.
func (a *Arch) BreakpointInstruction() []byte {
	return a.breakpointInstruction
}

// BreakpointSize returns the length of the breakpoint instruction.
func (a *Arch) BreakpointSize() int {
	return len(a.breakpointInstruction)
}

// BreakInstrMovesPC is true if hitting a breakpoint instruction leaves the
// PC after the instruction.
func (a *Arch) BreakInstrMovesPC() bool {
	return a.breakInstrMovesPC
}

// PCRegister returns the name of the program counter.
func (a *Arch) PCRegister() string { return a.pcRegister }

// SPRegister returns the name of the stack pointer.
func (a *Arch) SPRegister() string { return a.spRegister }

// RegisterNames returns the general purpose register names in pool order.
func (a *Arch) RegisterNames() []string {
	r := make([]string, len(a.registers))
	copy(r, a.registers)
	return r
}

// HasRegister reports whether name is an architectural register.
func (a *Arch) HasRegister(name string) bool {
	_, ok := a.index[name]
	return ok
}

func (a *Arch) String() string {
	return a.Name
}
