package proc

import (
	"errors"
	"fmt"
)

// SymbolInfo is what a SymbolResolver knows about an address. The engine
// does not interpret it.
type SymbolInfo struct {
	Module   string
	Function string
	File     string
	Line     int
	// Offset is the distance of the address from the start of Function,
	// or from the base of Module when Function is empty.
	Offset uint64
}

func (si *SymbolInfo) String() string {
	switch {
	case si.Function != "" && si.File != "":
		return fmt.Sprintf("%s+%#x %s:%d", si.Function, si.Offset, si.File, si.Line)
	case si.Function != "":
		return fmt.Sprintf("%s+%#x", si.Function, si.Offset)
	case si.Module != "":
		return fmt.Sprintf("%s+%#x", si.Module, si.Offset)
	}
	return "?"
}

// SymbolResolver maps addresses of a process to symbols. It returns
// ErrSymbolNotFound when it knows nothing about an address.
type SymbolResolver interface {
	Resolve(p *Process, addr uint64) (*SymbolInfo, error)
}

// SymbolResolverFunc adapts a function to SymbolResolver.
type SymbolResolverFunc func(p *Process, addr uint64) (*SymbolInfo, error)

func (f SymbolResolverFunc) Resolve(p *Process, addr uint64) (*SymbolInfo, error) {
	return f(p, addr)
}

// Symbolize describes addr using the configured SymbolResolver. Without a
// resolver, or when it does not know the address, the library containing
// addr is reported.
func (e *Engine) Symbolize(p *Process, addr uint64) (*SymbolInfo, error) {
	if err := e.owns(p); err != nil {
		return nil, err
	}
	lib := p.libs.FindAddr(addr)
	if r := e.cfg.Resolver; r != nil {
		si, err := r.Resolve(p, addr)
		if err == nil && si != nil {
			if si.Module == "" && lib != nil {
				si.Module = lib.Name
			}
			return si, nil
		}
		if err != nil && !errors.Is(err, ErrSymbolNotFound) {
			return nil, err
		}
	}
	if lib == nil {
		return nil, ErrSymbolNotFound
	}
	return &SymbolInfo{Module: lib.Name, Offset: addr - lib.Base}, nil
}

// SymbolLookup returns a function suitable for the symLookup argument of
// AsmInstruction.Text.
func (e *Engine) SymbolLookup(p *Process) func(uint64) (string, uint64) {
	return func(addr uint64) (string, uint64) {
		si, err := e.Symbolize(p, addr)
		if err != nil || si.Function == "" {
			return "", 0
		}
		return si.Function, addr - si.Offset
	}
}
