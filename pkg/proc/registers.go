package proc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// Register is a single named register value.
type Register struct {
	Name  string
	Value uint64
}

// RegisterPool holds the general purpose registers of one thread.
type RegisterPool struct {
	arch   *Arch
	values []uint64
}

// NewRegisterPool returns a zeroed pool for arch.
func NewRegisterPool(arch *Arch) *RegisterPool {
	return &RegisterPool{arch: arch, values: make([]uint64, len(arch.registers))}
}

// Arch returns the architecture of the pool.
func (rp *RegisterPool) Arch() *Arch {
	return rp.arch
}

// Get returns the value of the named register.
func (rp *RegisterPool) Get(name string) (uint64, bool) {
	i, ok := rp.arch.index[strings.ToLower(name)]
	if !ok {
		return 0, false
	}
	return rp.values[i], true
}

// Set changes the value of the named register, it returns false if the
// register does not exist.
func (rp *RegisterPool) Set(name string, value uint64) bool {
	i, ok := rp.arch.index[strings.ToLower(name)]
	if !ok {
		return false
	}
	rp.values[i] = value
	return true
}

// PC returns the program counter.
func (rp *RegisterPool) PC() uint64 {
	v, _ := rp.Get(rp.arch.pcRegister)
	return v
}

// SP returns the stack pointer.
func (rp *RegisterPool) SP() uint64 {
	v, _ := rp.Get(rp.arch.spRegister)
	return v
}

// Slice returns the registers as a list of (name, value) pairs.
func (rp *RegisterPool) Slice() []Register {
	r := make([]Register, len(rp.values))
	for i, v := range rp.values {
		r[i] = Register{Name: rp.arch.registers[i], Value: v}
	}
	return r
}

// Clone returns a deep copy of the pool.
func (rp *RegisterPool) Clone() *RegisterPool {
	values := make([]uint64, len(rp.values))
	copy(values, rp.values)
	return &RegisterPool{arch: rp.arch, values: values}
}

// Bytes returns the register values concatenated in pool order, in the
// byte order of the architecture.
func (rp *RegisterPool) Bytes() []byte {
	var buf bytes.Buffer
	for _, v := range rp.values {
		binary.Write(&buf, rp.arch.ByteOrder(), v)
	}
	return buf.Bytes()
}

// Equal reports whether two pools hold identical values.
func (rp *RegisterPool) Equal(other *RegisterPool) bool {
	if other == nil || rp.arch != other.arch {
		return false
	}
	return bytes.Equal(rp.Bytes(), other.Bytes())
}

func (rp *RegisterPool) String() string {
	var buf strings.Builder
	for i, v := range rp.values {
		fmt.Fprintf(&buf, "%8s = %#016x\n", rp.arch.registers[i], v)
	}
	return buf.String()
}
