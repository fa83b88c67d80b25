package scripted_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-delve/pctl/pkg/proc"
	"github.com/go-delve/pctl/pkg/proc/scripted"
)

const demoScript = `
arch: amd64
processes:
  - pid: 100
    path: /usr/bin/demo
    threads: [100]
    registers: {rip: 0x401000, rsp: 0x7ffc0000}
    memory:
      - {addr: 0x401000, data: "55 48 89 e5 c3", size: 4096}
    libraries:
      - {name: /usr/lib/libc.so.6, base: 0x7f0000000000, end: 0x7f00001c0000}
    events:
      - {kind: clone, tid: 100, new-tid: 101}
      - {kind: signal, tid: 101, signal: 10, tag: usr1}
      - {kind: exit, tid: 100, status: 4}
`

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestReplayScript(t *testing.T) {
	s, err := scripted.ReadScript(strings.NewReader(demoScript))
	if err != nil {
		t.Fatalf("ReadScript: %v", err)
	}
	b, err := s.Backend()
	if err != nil {
		t.Fatalf("Backend: %v", err)
	}
	e, err := proc.NewWithBackend(b, proc.EngineConfig{MemoryCachePages: 8})
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()
	ctx := testContext(t)

	p, err := e.Create(ctx, proc.LaunchConfig{Path: "/usr/bin/demo"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.Pid() != 100 || p.Libraries().Len() != 1 {
		t.Fatalf("unexpected process %v", p)
	}
	th := p.Thread(100)
	if pc, err := e.GetRegister(th, "rip"); err != nil || pc != 0x401000 {
		t.Fatalf("rip = %#x, %v", pc, err)
	}
	mem, err := e.ReadMemory(th, 0x401000, 5)
	if err != nil || mem[0] != 0x55 || mem[4] != 0xc3 {
		t.Fatalf("ReadMemory: %x, %v", mem, err)
	}

	// the clone is reported once thread 100 runs, the new thread is then
	// resumed and reports the signal
	if err := e.Continue(ctx, p, 0); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if err := e.WaitStop(ctx, p); err != nil {
		t.Fatalf("WaitStop: %v", err)
	}
	sigThread := p.Thread(101)
	if sigThread == nil || sigThread.StopSignal() != 10 {
		t.Fatalf("expected thread 101 stopped by signal 10, got %v", p.Threads())
	}
	if p.StoppedThread() != sigThread {
		t.Fatalf("event thread is %v", p.StoppedThread())
	}
	var tagged bool
	for _, ev := range e.RecentEvents() {
		if ev.Type == proc.EventSignal && ev.Correlation == "usr1" {
			tagged = true
		}
	}
	if !tagged {
		t.Fatalf("tag of the scripted signal not carried: %v", e.RecentEvents())
	}

	if err := e.Continue(ctx, p, 0); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	err = e.WaitStop(ctx, p)
	var pe proc.ErrProcessExited
	if !errors.As(err, &pe) || pe.Status != 4 {
		t.Fatalf("expected exit status 4, got %v", err)
	}
}

func TestLoadScriptErrors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		return path
	}

	if _, err := scripted.LoadScript(filepath.Join(dir, "missing.yml")); err == nil {
		t.Fatal("loaded a missing script")
	}
	if _, err := scripted.LoadScript(write("unknown.yml", "arch: amd64\nbogus: 1\n")); err == nil {
		t.Fatal("accepted an unknown field")
	}
	if _, err := scripted.LoadScript(write("arch.yml", "arch: sparc\n")); err == nil {
		t.Fatal("accepted an unknown architecture")
	}
	bad := "processes:\n  - pid: 5\n    events:\n      - {kind: teleport}\n"
	if _, err := scripted.LoadScript(write("kind.yml", bad)); err == nil {
		t.Fatal("accepted an unknown event kind")
	}
	hex := "processes:\n  - pid: 5\n    memory:\n      - {addr: 0x1000, data: \"zz\"}\n"
	if _, err := scripted.LoadScript(write("hex.yml", hex)); err == nil {
		t.Fatal("accepted invalid memory data")
	}
	b, err := scripted.LoadScript(write("ok.yml", demoScript))
	if err != nil || b == nil {
		t.Fatalf("LoadScript: %v", err)
	}
}

func TestParseKind(t *testing.T) {
	for _, k := range []scripted.Kind{scripted.KindExit, scripted.KindBreakpoint, scripted.KindFork} {
		got, err := scripted.ParseKind(k.String())
		if err != nil || got != k {
			t.Fatalf("ParseKind(%q) = %v, %v", k.String(), got, err)
		}
	}
	if _, err := scripted.ParseKind("teleport"); err == nil {
		t.Fatal("parsed an unknown kind")
	}
}
