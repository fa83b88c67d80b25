package proc

import (
	"errors"
	"fmt"
	"sort"
)

// Breakpoint represents a software breakpoint. Stores information on the
// break point including the bytes of data that originally were stored at
// that address.
type Breakpoint struct {
	Addr         uint64 // Address breakpoint is set for.
	OriginalData []byte // The data we replace with the breakpoint instruction.
	Name         string // User defined name of the breakpoint

	// Kind describes whether this is a user breakpoint or a function entry
	// breakpoint, which makes the library handler report an
	// EventFunctionEntry when it is hit.
	Kind BreakpointKind

	HitCount      map[int]uint64 // Number of times a breakpoint has been reached by a certain thread
	TotalHitCount uint64         // Number of times a breakpoint has been reached

	pid int
}

// BreakpointKind determines what the engine reports when a breakpoint is
// hit.
type BreakpointKind uint16

const (
	// UserBreakpoint is a breakpoint set by the user.
	UserBreakpoint BreakpointKind = (1 << iota)
	// FunctionEntryBreakpoint marks the first instruction of a function
	// the client wants to be told about.
	FunctionEntryBreakpoint
)

func (bp *Breakpoint) String() string {
	s := fmt.Sprintf("Breakpoint %#x", bp.Addr)
	if bp.Name != "" {
		s += " " + bp.Name
	}
	return fmt.Sprintf("%s (hits total:%d)", s, bp.TotalHitCount)
}

// BreakpointExistsError is returned when trying to set a breakpoint at
// an address that already has a breakpoint.
type BreakpointExistsError struct {
	Addr uint64
}

func (bpe BreakpointExistsError) Error() string {
	return fmt.Sprintf("Breakpoint exists at %#x", bpe.Addr)
}

// NoBreakpointError is returned when trying to
// clear a breakpoint that does not exist.
type NoBreakpointError struct {
	Addr uint64
}

func (nbp NoBreakpointError) Error() string {
	return fmt.Sprintf("no breakpoint at %#x", nbp.Addr)
}

type bpKey struct {
	pid  int
	addr uint64
}

// breakpointTable is the side table of inserted breakpoints of all the
// processes of an engine.
type breakpointTable struct {
	*SideTable[bpKey, *Breakpoint]
}

func newBreakpointTable() breakpointTable {
	return breakpointTable{NewSideTable[bpKey, *Breakpoint]()}
}

func (bt breakpointTable) find(pid int, addr uint64) *Breakpoint {
	bp, _ := bt.Get(bpKey{pid, addr})
	return bp
}

func (bt breakpointTable) list(pid int) []*Breakpoint {
	var r []*Breakpoint
	bt.Range(func(k bpKey, bp *Breakpoint) bool {
		if k.pid == pid {
			r = append(r, bp)
		}
		return true
	})
	sort.Slice(r, func(i, j int) bool { return r[i].Addr < r[j].Addr })
	return r
}

func (bt breakpointTable) forget(pid int) {
	bt.DeleteFunc(func(k bpKey, _ *Breakpoint) bool { return k.pid == pid })
}

// overlapping returns the breakpoints of pid whose instruction overlaps
// [addr, addr+size).
func (bt breakpointTable) overlapping(pid int, addr uint64, size int) []*Breakpoint {
	var r []*Breakpoint
	end := addr + uint64(size)
	bt.Range(func(k bpKey, bp *Breakpoint) bool {
		if k.pid == pid && bp.Addr < end && bp.Addr+uint64(len(bp.OriginalData)) > addr {
			r = append(r, bp)
		}
		return true
	})
	return r
}

// maskBreakpoints replaces breakpoint instructions in buf, read from addr,
// with the original data.
func maskBreakpoints(bps []*Breakpoint, addr uint64, buf []byte) {
	for _, bp := range bps {
		for i, b := range bp.OriginalData {
			a := bp.Addr + uint64(i)
			if a >= addr && a < addr+uint64(len(buf)) {
				buf[a-addr] = b
			}
		}
	}
}

// writeBreakpoint writes the breakpoint instruction over the original data
// through t.
func writeBreakpoint(b Backend, t *Thread, bp *Breakpoint) error {
	instr := t.proc.arch.BreakpointInstruction()
	n, err := b.WriteMemory(t, bp.Addr, instr)
	if err == nil && n != len(instr) {
		err = errors.New("short write")
	}
	return err
}

// restoreBreakpoint writes back the original data.
func restoreBreakpoint(b Backend, t *Thread, bp *Breakpoint) error {
	n, err := b.WriteMemory(t, bp.Addr, bp.OriginalData)
	if err == nil && n != len(bp.OriginalData) {
		err = errors.New("short write")
	}
	return err
}
