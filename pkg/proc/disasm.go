package proc

import (
	"errors"
	"fmt"
)

var errShortInstruction = errors.New("truncated instruction")

// AsmInstruction represents one assembly instruction.
type AsmInstruction struct {
	Addr       uint64
	Bytes      []byte
	Breakpoint bool
	AtPC       bool

	Size int
	Kind AsmInstructionKind

	Inst archInst
}

type AsmInstructionKind uint8

const (
	OtherInstruction AsmInstructionKind = iota
	CallInstruction
	RetInstruction
	JmpInstruction
	HardBreakInstruction
)

func (instr *AsmInstruction) IsCall() bool {
	return instr.Kind == CallInstruction
}

func (instr *AsmInstruction) IsRet() bool {
	return instr.Kind == RetInstruction
}

// Text returns the instruction in the given syntax.
func (instr *AsmInstruction) Text(flavour AssemblyFlavour, symLookup func(uint64) (string, uint64)) string {
	if instr.Inst == nil {
		return "?"
	}
	return instr.Inst.Text(flavour, instr.Addr, symLookup)
}

type archInst interface {
	Text(flavour AssemblyFlavour, pc uint64, symLookup func(uint64) (string, uint64)) string
}

// AssemblyFlavour is the assembly syntax to display.
type AssemblyFlavour int

const (
	// GNUFlavour will display GNU assembly syntax.
	GNUFlavour = AssemblyFlavour(iota)
	// IntelFlavour will display Intel assembly syntax.
	IntelFlavour
	// GoFlavour will display Go assembly syntax.
	GoFlavour
)

// maxInstructionLength is the longest instruction of any supported
// architecture.
const maxInstructionLength = 15

// Disassemble decodes count instructions starting at addr, reading memory
// through the stopped thread t. Breakpoints inserted by the engine are
// decoded as the original instructions and flagged.
func (e *Engine) Disassemble(t *Thread, addr uint64, count int) ([]AsmInstruction, error) {
	if err := e.lock(); err != nil {
		return nil, err
	}
	defer e.pipelineMu.Unlock()
	if err := e.checkThread(t); err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, nil
	}

	var pc uint64
	if regs, err := e.threadRegisters(t); err == nil {
		pc = regs.PC()
	}

	size := count * maxInstructionLength
	mem, err := e.readMemory(t, addr, size)
	if err != nil {
		// retry up to the end of the page, the range may cross into an
		// unmapped one
		pageSize := uint64(t.proc.pageSize)
		if pageSize == 0 {
			return nil, err
		}
		size = int(pageSize - addr%pageSize)
		mem, err = e.readMemory(t, addr, size)
		if err != nil {
			return nil, err
		}
	}
	return disassemble(t.proc.arch, mem, addr, pc, count, e.bps.list(t.proc.pid))
}

func disassemble(arch *Arch, mem []byte, addr, pc uint64, count int, bps []*Breakpoint) ([]AsmInstruction, error) {
	isBreakpoint := make(map[uint64]bool, len(bps))
	for _, bp := range bps {
		isBreakpoint[bp.Addr] = true
	}
	var decode func(*AsmInstruction, []byte) error
	switch arch {
	case AMD64:
		decode = decodeX86
	case ARM64:
		decode = decodeARM64
	default:
		return nil, fmt.Errorf("disassembly not supported on %s", arch.Name)
	}
	r := make([]AsmInstruction, 0, count)
	for len(mem) > 0 && len(r) < count {
		inst := AsmInstruction{Addr: addr, AtPC: addr == pc, Breakpoint: isBreakpoint[addr]}
		if err := decode(&inst, mem); err != nil && inst.Size == 0 {
			break
		}
		r = append(r, inst)
		mem = mem[inst.Size:]
		addr += uint64(inst.Size)
	}
	return r, nil
}
