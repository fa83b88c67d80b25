package scripted

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/go-delve/pctl/pkg/proc"
)

// Script is the YAML description of a simulated OS and of the events its
// processes report.
//
//	arch: amd64
//	processes:
//	  - pid: 100
//	    path: /usr/bin/demo
//	    threads: [100]
//	    registers: {rip: 0x401000}
//	    memory:
//	      - {addr: 0x401000, data: "4889e5c3"}
//	    libraries:
//	      - {name: /usr/lib/libc.so.6, base: 0x7f0000000000, end: 0x7f00001c0000}
//	    events:
//	      - {kind: clone, tid: 100, new-tid: 101}
//	      - {kind: breakpoint, tid: 101, addr: 0x401000}
//	      - {kind: exit, status: 0}
type Script struct {
	Arch      string          `yaml:"arch"`
	PageSize  int             `yaml:"page-size"`
	Processes []ScriptProcess `yaml:"processes"`
}

// ScriptProcess is one process of a Script.
type ScriptProcess struct {
	Pid       int               `yaml:"pid"`
	Path      string            `yaml:"path"`
	Threads   []int             `yaml:"threads"`
	Registers map[string]uint64 `yaml:"registers"`
	Memory    []ScriptMemory    `yaml:"memory"`
	Libraries []ScriptLibrary   `yaml:"libraries"`
	Events    []ScriptEvent     `yaml:"events"`
}

// ScriptMemory is a mapped region, Data is hex encoded and may contain
// spaces.
type ScriptMemory struct {
	Addr uint64 `yaml:"addr"`
	Data string `yaml:"data"`
	Size int    `yaml:"size"`
}

type ScriptLibrary struct {
	Name string `yaml:"name"`
	Base uint64 `yaml:"base"`
	End  uint64 `yaml:"end"`
}

type ScriptEvent struct {
	Kind   string `yaml:"kind"`
	Tid    int    `yaml:"tid"`
	Status int    `yaml:"status"`
	Signal int    `yaml:"signal"`
	NewPid int    `yaml:"new-pid"`
	NewTid int    `yaml:"new-tid"`
	Addr   uint64 `yaml:"addr"`
	Tag    string `yaml:"tag"`
}

// ReadScript decodes a script.
func ReadScript(r io.Reader) (*Script, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var s Script
	if err := yaml.UnmarshalStrict(data, &s); err != nil {
		return nil, fmt.Errorf("unable to decode script: %v", err)
	}
	return &s, nil
}

// LoadScript reads the script at path and returns a backend simulating it.
func LoadScript(path string) (*Backend, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	s, err := ReadScript(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}
	return s.Backend()
}

// Backend returns a backend simulating the script.
func (s *Script) Backend() (*Backend, error) {
	cfg := Config{PageSize: s.PageSize}
	if s.Arch != "" {
		arch, err := proc.ArchByName(s.Arch)
		if err != nil {
			return nil, err
		}
		cfg.Arch = arch
	}
	b := New(cfg)
	for i := range s.Processes {
		sp := &s.Processes[i]
		if sp.Pid <= 0 {
			return nil, fmt.Errorf("process %d: invalid pid %d", i, sp.Pid)
		}
		b.AddProcess(sp.Pid, sp.Path, sp.Threads...)
		for _, tid := range threadsOrPid(sp) {
			for name, v := range sp.Registers {
				if err := b.SetRegister(sp.Pid, tid, name, v); err != nil {
					return nil, fmt.Errorf("process %d: %v", sp.Pid, err)
				}
			}
		}
		for _, m := range sp.Memory {
			data, err := hex.DecodeString(strings.Join(strings.Fields(m.Data), ""))
			if err != nil {
				return nil, fmt.Errorf("process %d: memory at %#x: %v", sp.Pid, m.Addr, err)
			}
			if len(data) < m.Size {
				data = append(data, make([]byte, m.Size-len(data))...)
			}
			if err := b.MapMemory(sp.Pid, m.Addr, data); err != nil {
				return nil, fmt.Errorf("process %d: %v", sp.Pid, err)
			}
		}
		libs := make([]proc.Library, 0, len(sp.Libraries))
		for _, l := range sp.Libraries {
			libs = append(libs, proc.Library{Name: l.Name, Base: l.Base, End: l.End})
		}
		b.SetLibraries(sp.Pid, libs)
		evs := make([]*RawEvent, 0, len(sp.Events))
		for j, se := range sp.Events {
			kind, err := ParseKind(se.Kind)
			if err != nil {
				return nil, fmt.Errorf("process %d: event %d: %v", sp.Pid, j, err)
			}
			evs = append(evs, &RawEvent{
				Kind:   kind,
				PID:    sp.Pid,
				TID:    se.Tid,
				Status: se.Status,
				Signal: se.Signal,
				NewPID: se.NewPid,
				NewTID: se.NewTid,
				Addr:   se.Addr,
				Tag:    se.Tag,
			})
		}
		b.Script(sp.Pid, evs...)
	}
	return b, nil
}

func threadsOrPid(sp *ScriptProcess) []int {
	if len(sp.Threads) == 0 {
		return []int{sp.Pid}
	}
	return sp.Threads
}
