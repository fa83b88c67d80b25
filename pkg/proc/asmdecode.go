package proc

import (
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

var x86Kinds = map[x86asm.Op]AsmInstructionKind{
	x86asm.CALL:  CallInstruction,
	x86asm.LCALL: CallInstruction,
	x86asm.RET:   RetInstruction,
	x86asm.LRET:  RetInstruction,
	x86asm.JMP:   JmpInstruction,
	x86asm.LJMP:  JmpInstruction,
	x86asm.INT:   HardBreakInstruction,
}

var arm64Kinds = map[arm64asm.Op]AsmInstructionKind{
	arm64asm.BL:   CallInstruction,
	arm64asm.BLR:  CallInstruction,
	arm64asm.RET:  RetInstruction,
	arm64asm.ERET: RetInstruction,
	arm64asm.B:    JmpInstruction,
	arm64asm.BR:   JmpInstruction,
	arm64asm.BRK:  HardBreakInstruction,
}

// decodeX86 fills in the instruction at the start of mem. An undecodable
// byte is reported as a one byte instruction with no text so that
// disassembly can resynchronize on the next byte.
func decodeX86(inst *AsmInstruction, mem []byte) error {
	x, err := x86asm.Decode(mem, 64)
	if err != nil {
		inst.Size = 1
		inst.Bytes = mem[:1]
		return err
	}
	// relative operands are shown as absolute targets
	for i, arg := range x.Args {
		if rel, ok := arg.(x86asm.Rel); ok {
			x.Args[i] = x86asm.Imm(int64(inst.Addr) + int64(x.Len) + int64(rel))
		}
	}
	inst.Size = x.Len
	inst.Bytes = mem[:x.Len]
	inst.Kind = x86Kinds[x.Op]
	inst.Inst = x86Inst(x)
	return nil
}

// decodeARM64 fills in the fixed size instruction at the start of mem.
func decodeARM64(inst *AsmInstruction, mem []byte) error {
	if len(mem) < 4 {
		return errShortInstruction
	}
	inst.Size = 4
	inst.Bytes = mem[:4]
	a, err := arm64asm.Decode(mem)
	if err != nil {
		return err
	}
	inst.Kind = arm64Kinds[a.Op]
	inst.Inst = arm64Inst(a)
	return nil
}

type x86Inst x86asm.Inst

func (x x86Inst) Text(flavour AssemblyFlavour, pc uint64, symLookup func(uint64) (string, uint64)) string {
	switch flavour {
	case GNUFlavour:
		return x86asm.GNUSyntax(x86asm.Inst(x), pc, symLookup)
	case GoFlavour:
		return x86asm.GoSyntax(x86asm.Inst(x), pc, symLookup)
	}
	return x86asm.IntelSyntax(x86asm.Inst(x), pc, symLookup)
}

type arm64Inst arm64asm.Inst

// arm64asm has no Intel syntax, Go syntax is used instead.
func (a arm64Inst) Text(flavour AssemblyFlavour, pc uint64, symLookup func(uint64) (string, uint64)) string {
	if flavour == GNUFlavour {
		return arm64asm.GNUSyntax(arm64asm.Inst(a))
	}
	return arm64asm.GoSyntax(arm64asm.Inst(a), pc, symLookup, nil)
}
