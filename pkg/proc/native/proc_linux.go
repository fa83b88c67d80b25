//go:build linux && (amd64 || arm64)

package native

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/creack/pty"
	isatty "github.com/mattn/go-isatty"
	"github.com/shirou/gopsutil/v4/process"
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/pctl/pkg/logflags"
	"github.com/go-delve/pctl/pkg/proc"
)

// Process personality flags and constants from <linux/personality.h>.
const (
	_ADDR_NO_RANDOMIZE        = 0x0040000
	personalityGetPersonality = 0xffffffff
)

// terminateTimeout bounds the wait for the exit of a killed process.
const terminateTimeout = 2 * time.Second

func init() {
	proc.RegisterBackend("native", func(cfg proc.BackendConfig) (proc.Backend, error) {
		return New(cfg), nil
	})
}

// Backend controls processes through ptrace(2).
type Backend struct {
	cfg proc.BackendConfig
	log logflags.Logger
	pt  *ptracer
	src *eventSource

	// tids maps every traced thread to its process.
	tids *proc.SideTable[int, int]
	// stopped is set for threads in a ptrace stop.
	stopped *proc.SideTable[int, bool]
	// earlyStops holds the initial stops of threads reported before the
	// backend knew about them, keyed by thread with the process as value.
	earlyStops *proc.SideTable[int, int]
	// pending are signals received while running injected code, they are
	// delivered by the next resume of their thread.
	pending *proc.SideTable[int, int]
	ttys    *proc.SideTable[int, *os.File]
}

// New returns a native backend.
func New(cfg proc.BackendConfig) *Backend {
	b := &Backend{
		cfg:        cfg,
		log:        logflags.NativeLogger(),
		pt:         newPtracer(),
		tids:       proc.NewSideTable[int, int](),
		stopped:    proc.NewSideTable[int, bool](),
		earlyStops: proc.NewSideTable[int, int](),
		pending:    proc.NewSideTable[int, int](),
		ttys:       proc.NewSideTable[int, *os.File](),
	}
	b.src = &eventSource{b: b}
	return b
}

func (b *Backend) Name() string                  { return "native" }
func (b *Backend) EventSource() proc.EventSource { return b.src }
func (b *Backend) Decoders() []proc.Decoder      { return []proc.Decoder{decoder{b}} }
func (b *Backend) Handlers() []proc.Handler      { return []proc.Handler{tableHandler{b}} }

// pidOf returns the process tid belongs to.
func (b *Backend) pidOf(tid int) int {
	if pid, ok := b.tids.Get(tid); ok {
		return pid
	}
	if tgid, err := (&process.Process{Pid: int32(tid)}).Tgid(); err == nil && tgid > 0 {
		return int(tgid)
	}
	return tid
}

func (b *Backend) earlyStopped(tid int) bool {
	_, ok := b.earlyStops.Get(tid)
	return ok
}

// threadsOf returns the traced threads of pid in ascending order.
func (b *Backend) threadsOf(pid int) []int {
	var r []int
	b.tids.Range(func(tid, owner int) bool {
		if owner == pid {
			r = append(r, tid)
		}
		return true
	})
	sort.Ints(r)
	return r
}

func (b *Backend) forgetThread(tid int) {
	b.tids.Delete(tid)
	b.stopped.Delete(tid)
	b.earlyStops.Delete(tid)
	b.pending.Delete(tid)
}

func (b *Backend) forgetProcess(pid int) {
	for _, tid := range b.threadsOf(pid) {
		b.forgetThread(tid)
	}
	b.earlyStops.DeleteFunc(func(_, owner int) bool { return owner == pid })
	if tty, ok := b.ttys.Get(pid); ok {
		tty.Close()
		b.ttys.Delete(pid)
	}
}

// waitStopped waits for tid to enter a ptrace stop. Only called while the
// generator is interrupted.
func waitStopped(tid int) (sys.WaitStatus, error) {
	var ws sys.WaitStatus
	for {
		_, err := sys.Wait4(tid, &ws, sys.WALL, nil)
		if err == sys.EINTR {
			continue
		}
		if err != nil {
			return ws, err
		}
		switch {
		case ws.Exited():
			return ws, fmt.Errorf("thread %d exited with status %d", tid, ws.ExitStatus())
		case ws.Signaled():
			return ws, fmt.Errorf("thread %d killed by %v", tid, ws.Signal())
		case ws.Stopped():
			return ws, nil
		}
	}
}

// waitExited reaps tid, it returns false if tid did not exit before
// deadline.
func waitExited(tid int, deadline time.Time) bool {
	for {
		var ws sys.WaitStatus
		wpid, err := sys.Wait4(tid, &ws, sys.WALL|sys.WNOHANG, nil)
		switch {
		case err == sys.EINTR:
			continue
		case err != nil:
			// ECHILD: already reaped
			return true
		case wpid == tid && (ws.Exited() || ws.Signaled()):
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Create starts cfg.Path traced and waits for the stop that follows its
// execve.
func (b *Backend) Create(cfg proc.LaunchConfig) (*proc.ProcessInfo, error) {
	args := cfg.Args
	path := cfg.Path
	if path == "" && len(args) > 0 {
		path = args[0]
	}
	if len(args) == 0 {
		args = []string{path}
	}

	var ptmx, tty *os.File
	if cfg.TTY {
		var err error
		ptmx, tty, err = pty.Open()
		if err != nil {
			return nil, &proc.SpawnError{Path: path, Err: fmt.Errorf("could not allocate pty: %w", err)}
		}
	}

	// exec.(*Process).Start will fail if we try to send a process to
	// foreground but we are not attached to a terminal.
	foreground := cfg.Foreground && tty == nil && isatty.IsTerminal(os.Stdin.Fd())

	var (
		cmd *exec.Cmd
		err error
	)
	b.pt.exec(func() {
		if cfg.DisableASLR {
			oldPersonality, _, errno := syscall.Syscall(sys.SYS_PERSONALITY, personalityGetPersonality, 0, 0)
			if errno == syscall.Errno(0) {
				newPersonality := oldPersonality | _ADDR_NO_RANDOMIZE
				syscall.Syscall(sys.SYS_PERSONALITY, newPersonality, 0, 0)
				defer syscall.Syscall(sys.SYS_PERSONALITY, oldPersonality, 0, 0)
			}
		}

		cmd = exec.Command(path)
		cmd.Args = args
		cmd.Env = append(os.Environ(), cfg.Env...)
		cmd.Dir = cfg.Dir
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Ptrace:     true,
			Setpgid:    true,
			Foreground: foreground,
		}
		if foreground {
			signal.Ignore(syscall.SIGTTOU, syscall.SIGTTIN)
		}
		if tty != nil {
			attachProcessToTTY(cmd, tty)
		}
		err = cmd.Start()
	})
	if tty != nil {
		tty.Close()
	}
	if err != nil {
		if ptmx != nil {
			ptmx.Close()
		}
		return nil, &proc.SpawnError{Path: path, Err: err}
	}

	pid := cmd.Process.Pid
	if _, err := waitStopped(pid); err != nil {
		if ptmx != nil {
			ptmx.Close()
		}
		return nil, &proc.SpawnError{Path: path, Err: fmt.Errorf("waiting for target execve failed: %w", err)}
	}
	b.tids.Set(pid, pid)
	b.stopped.Set(pid, true)
	if ptmx != nil {
		b.ttys.Set(pid, ptmx)
	}
	if logflags.Native() {
		b.log.Debugf("launched %s as %d", cmd.Path, pid)
	}
	return &proc.ProcessInfo{Pid: pid, Path: cmd.Path, Arch: nativeArch, PageSize: os.Getpagesize(), TTY: ptmx}, nil
}

// attachProcessToTTY makes tty the controlling terminal and the standard
// streams of the process.
func attachProcessToTTY(cmd *exec.Cmd, tty *os.File) {
	cmd.Stdin = tty
	cmd.Stdout = tty
	cmd.Stderr = tty
	cmd.SysProcAttr.Setpgid = false
	cmd.SysProcAttr.Setsid = true
	cmd.SysProcAttr.Setctty = true
}

// Attach attaches to every thread of pid. Threads started while attaching
// are picked up by enumerating again until no new thread shows up.
func (b *Backend) Attach(pid int) (*proc.ProcessInfo, error) {
	gp, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, &proc.AttachError{Pid: pid, Err: err}
	}
	path, err := gp.Exe()
	if err != nil {
		path = ""
	}

	attached := map[int]bool{}
	for {
		threads, err := gp.Threads()
		if err != nil {
			b.detachThreads(pid, attached)
			return nil, &proc.AttachError{Pid: pid, Err: err}
		}
		tids := make([]int, 0, len(threads))
		for tid := range threads {
			if !attached[int(tid)] {
				tids = append(tids, int(tid))
			}
		}
		if len(tids) == 0 {
			break
		}
		sort.Ints(tids)
		for _, tid := range tids {
			b.pt.exec(func() { err = ptraceAttach(tid) })
			if err == sys.ESRCH {
				// exited in the meantime
				continue
			}
			if err != nil {
				b.detachThreads(pid, attached)
				return nil, &proc.AttachError{Pid: pid, Err: err}
			}
			attached[tid] = true
			ws, err := waitStopped(tid)
			if err != nil {
				delete(attached, tid)
				continue
			}
			if sig := ws.StopSignal(); sig != sys.SIGSTOP {
				b.pending.Set(tid, int(sig))
			}
			b.tids.Set(tid, pid)
			b.stopped.Set(tid, true)
		}
	}
	if !attached[pid] {
		b.detachThreads(pid, attached)
		return nil, &proc.AttachError{Pid: pid, Err: errors.New("process exited while attaching")}
	}
	if logflags.Native() {
		b.log.Debugf("attached to %d threads of %d", len(attached), pid)
	}
	return &proc.ProcessInfo{Pid: pid, Path: path, Arch: nativeArch, PageSize: os.Getpagesize()}, nil
}

func (b *Backend) detachThreads(pid int, attached map[int]bool) {
	for tid := range attached {
		b.pt.exec(func() { _ = ptraceDetach(tid, 0) })
	}
	b.forgetProcess(pid)
}

// Adopt registers a child the kernel attached to after a fork. Its initial
// stop is either already recorded as an early stop or still to come.
func (b *Backend) Adopt(parent *proc.Process, pid int) (*proc.ProcessInfo, error) {
	b.tids.Set(pid, pid)
	if _, early := b.earlyStops.Get(pid); early {
		b.stopped.Set(pid, true)
	}
	return &proc.ProcessInfo{Pid: pid, Path: parent.Path(), Arch: nativeArch, PageSize: parent.PageSize()}, nil
}

// Bootstrap sets the ptrace options of the stopped threads of p.
func (b *Backend) Bootstrap(p *proc.Process) error {
	opts := sys.PTRACE_O_TRACECLONE | sys.PTRACE_O_TRACEEXEC
	if b.cfg.FollowFork {
		opts |= sys.PTRACE_O_TRACEFORK | sys.PTRACE_O_TRACEVFORK
	}
	for _, tid := range b.threadsOf(p.Pid()) {
		if stopped, _ := b.stopped.Get(tid); !stopped {
			// options are inherited from the parent
			continue
		}
		var err error
		b.pt.exec(func() { err = sys.PtraceSetOptions(tid, opts) })
		if err != nil && err != sys.ESRCH {
			return fmt.Errorf("could not set ptrace options of %d: %w", tid, err)
		}
	}
	return nil
}

// Detach releases every thread of p. Running threads are stopped first,
// ptrace only detaches stopped tracees.
func (b *Backend) Detach(p *proc.Process) error {
	pid := p.Pid()
	var firstErr error
	for _, tid := range b.threadsOf(pid) {
		sig := 0
		if stopped, _ := b.stopped.Get(tid); !stopped {
			if err := sys.Tgkill(pid, tid, sys.SIGSTOP); err != nil {
				continue
			}
			ws, err := waitStopped(tid)
			if err != nil {
				continue
			}
			if s := ws.StopSignal(); s != sys.SIGSTOP {
				sig = int(s)
			}
		}
		if s, ok := b.pending.Get(tid); ok {
			sig = s
		}
		var err error
		b.pt.exec(func() { err = ptraceDetach(tid, sig) })
		if err != nil && err != sys.ESRCH && firstErr == nil {
			firstErr = fmt.Errorf("could not detach thread %d: %w", tid, err)
		}
	}
	b.forgetProcess(pid)
	if firstErr != nil {
		return firstErr
	}

	// The process sometimes enters stopped state after a detach, and not
	// immediately. Wait a bit and SIGCONT it if it is stopped.
	time.Sleep(50 * time.Millisecond)
	if st, err := (&process.Process{Pid: int32(pid)}).Status(); err == nil && len(st) > 0 && st[0] == process.Stop {
		_ = sys.Kill(pid, sys.SIGCONT)
	}
	return nil
}

// Terminate kills p and reaps its threads.
func (b *Backend) Terminate(p *proc.Process) (bool, error) {
	pid := p.Pid()
	if err := sys.Kill(pid, sys.SIGKILL); err != nil && err != sys.ESRCH {
		return false, fmt.Errorf("could not deliver signal: %w", err)
	}
	deadline := time.Now().Add(terminateTimeout)
	// wait for other threads first or the thread group leader will never
	// exit
	for _, tid := range b.threadsOf(pid) {
		if tid != pid {
			waitExited(tid, deadline)
		}
	}
	reaped := waitExited(pid, deadline)
	if !reaped {
		b.log.Warnf("process %d did not exit after SIGKILL", pid)
	}
	return !reaped, nil
}

func (b *Backend) ThreadLWPs(p *proc.Process) ([]proc.ThreadInfo, error) {
	tids := b.threadsOf(p.Pid())
	if len(tids) == 0 {
		return nil, fmt.Errorf("no traced threads in process %d", p.Pid())
	}
	r := make([]proc.ThreadInfo, 0, len(tids))
	for _, tid := range tids {
		stopped, _ := b.stopped.Get(tid)
		r = append(r, proc.ThreadInfo{ID: tid, LWP: tid, Stopped: stopped || b.earlyStopped(tid)})
	}
	return r, nil
}

func (b *Backend) resumed(tid int) {
	b.stopped.Set(tid, false)
	b.earlyStops.Delete(tid)
}

// takeSignal returns sig, or the signal swallowed while tid ran injected
// code if sig is zero.
func (b *Backend) takeSignal(tid, sig int) int {
	if s, ok := b.pending.Get(tid); ok {
		b.pending.Delete(tid)
		if sig == 0 {
			sig = s
		}
	}
	return sig
}

func (b *Backend) Resume(t *proc.Thread, sig int) error {
	tid := t.LWP()
	sig = b.takeSignal(tid, sig)
	var err error
	b.pt.exec(func() { err = ptraceCont(tid, sig) })
	if err != nil {
		return err
	}
	b.resumed(tid)
	return nil
}

func (b *Backend) Step(t *proc.Thread, sig int) error {
	tid := t.LWP()
	sig = b.takeSignal(tid, sig)
	var err error
	b.pt.exec(func() { err = ptraceSingleStep(tid, sig) })
	if err != nil {
		return err
	}
	b.resumed(tid)
	return nil
}

func (b *Backend) Halt(t *proc.Thread) error {
	return sys.Tgkill(t.Process().Pid(), t.LWP(), sys.SIGSTOP)
}

func (b *Backend) GetRegisters(t *proc.Thread) (*proc.RegisterPool, error) {
	var (
		rp  *proc.RegisterPool
		err error
	)
	b.pt.exec(func() { rp, err = ptraceGetRegisters(t.LWP()) })
	return rp, err
}

func (b *Backend) SetRegisters(t *proc.Thread, regs *proc.RegisterPool) error {
	var err error
	b.pt.exec(func() { err = ptraceSetRegisters(t.LWP(), regs) })
	return err
}

// ReadMemory reads with process_vm_readv and falls back to PTRACE_PEEKDATA
// for what it could not read, for example pages without read permission.
func (b *Backend) ReadMemory(t *proc.Thread, addr uint64, buf []byte) (int, error) {
	n, err := processVmRead(t.LWP(), uintptr(addr), buf)
	if err == nil && n == len(buf) {
		return n, nil
	}
	var m int
	var perr error
	b.pt.exec(func() { m, perr = sys.PtracePeekData(t.LWP(), uintptr(addr)+uintptr(n), buf[n:]) })
	if perr != nil && n+m == 0 {
		if err != nil {
			return 0, err
		}
		return 0, perr
	}
	return n + m, nil
}

// WriteMemory writes with process_vm_writev and falls back to
// PTRACE_POKEDATA for what it could not write. Only the latter can write to
// read-only text pages.
func (b *Backend) WriteMemory(t *proc.Thread, addr uint64, data []byte) (int, error) {
	n, err := processVmWrite(t.LWP(), uintptr(addr), data)
	if err == nil && n == len(data) {
		return n, nil
	}
	var m int
	var perr error
	b.pt.exec(func() { m, perr = sys.PtracePokeData(t.LWP(), uintptr(addr)+uintptr(n), data[n:]) })
	if perr != nil && n+m == 0 {
		if err != nil {
			return 0, err
		}
		return 0, perr
	}
	return n + m, nil
}

func (b *Backend) Libraries(p *proc.Process) ([]proc.Library, error) {
	return readMappedLibraries(p.Pid())
}

func (b *Backend) Forget(p *proc.Process) {
	b.forgetProcess(p.Pid())
}

func (b *Backend) Close() error {
	b.pt.close()
	return nil
}
