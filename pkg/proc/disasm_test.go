package proc_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/go-delve/pctl/pkg/proc"
)

func TestDisassemble(t *testing.T) {
	e, b := withScripted(t, proc.EngineConfig{})
	b.AddProcess(1000, "/bin/asm")
	page := make([]byte, 4096)
	// push %rbp; mov %rsp,%rbp; call .+0; ret
	copy(page, []byte{0x55, 0x48, 0x89, 0xe5, 0xe8, 0x00, 0x00, 0x00, 0x00, 0xc3})
	if err := b.MapMemory(1000, 0x401000, page); err != nil {
		t.Fatal(err)
	}
	if err := b.SetRegister(1000, 1000, "rip", 0x401001); err != nil {
		t.Fatal(err)
	}
	p, th := spawn(t, e, "/bin/asm")
	if _, err := e.InsertBreakpoint(p, 0x401001); err != nil {
		t.Fatalf("InsertBreakpoint: %v", err)
	}

	insts, err := e.Disassemble(th, 0x401000, 4)
	if err != nil {
		t.Fatalf("Disassemble: %v", err)
	}
	if len(insts) != 4 {
		t.Fatalf("expected 4 instructions, got %d", len(insts))
	}
	if insts[1].Addr != 0x401001 || insts[1].Size != 3 || !insts[1].Breakpoint || !insts[1].AtPC {
		t.Fatalf("breakpoint not decoded as the original instruction: %+v", insts[1])
	}
	if !insts[2].IsCall() || !insts[3].IsRet() {
		t.Fatalf("unexpected kinds %v %v", insts[2].Kind, insts[3].Kind)
	}
	if text := insts[0].Text(proc.IntelFlavour, nil); text != "push rbp" {
		t.Fatalf("unexpected text %q", text)
	}
	if text := insts[1].Text(proc.GNUFlavour, nil); !strings.Contains(text, "%rbp") {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestSymbolize(t *testing.T) {
	resolver := proc.SymbolResolverFunc(func(p *proc.Process, addr uint64) (*proc.SymbolInfo, error) {
		if addr >= 0x7f0000001000 && addr < 0x7f0000002000 {
			return &proc.SymbolInfo{Function: "malloc", Offset: addr - 0x7f0000001000}, nil
		}
		return nil, proc.ErrSymbolNotFound
	})
	e, b := withScripted(t, proc.EngineConfig{Resolver: resolver})
	b.AddProcess(1000, "/bin/sym")
	b.SetLibraries(1000, []proc.Library{{Name: "/lib/libc.so.6", Base: 0x7f0000000000, End: 0x7f0000100000}})
	p, _ := spawn(t, e, "/bin/sym")

	si, err := e.Symbolize(p, 0x7f0000001010)
	if err != nil {
		t.Fatalf("Symbolize: %v", err)
	}
	if si.Function != "malloc" || si.Offset != 0x10 || si.Module != "/lib/libc.so.6" {
		t.Fatalf("unexpected symbol %v", si)
	}
	si, err = e.Symbolize(p, 0x7f0000050000)
	if err != nil || si.Function != "" || si.Offset != 0x50000 {
		t.Fatalf("library fallback: %v, %v", si, err)
	}
	if _, err := e.Symbolize(p, 0x1000); !errors.Is(err, proc.ErrSymbolNotFound) {
		t.Fatalf("expected ErrSymbolNotFound, got %v", err)
	}
	if name, base := e.SymbolLookup(p)(0x7f0000001004); name != "malloc" || base != 0x7f0000001000 {
		t.Fatalf("SymbolLookup: %s %#x", name, base)
	}
}
