//go:build linux && (amd64 || arm64)

package native

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/pctl/pkg/logflags"
	"github.com/go-delve/pctl/pkg/proc"
)

// si_code values of SIGTRAP
const (
	siKernel  = 0x80
	trapBrkpt = 1
	trapTrace = 2
)

// sigchldPollInterval bounds the wait for SIGCHLD, which the OS may
// coalesce.
const sigchldPollInterval = 100 * time.Millisecond

// waitEvent is the raw event of the native backend: one status returned
// by wait4.
type waitEvent struct {
	pid, tid int
	status   sys.WaitStatus
	// msg is the PTRACE_GETEVENTMSG value of clone, fork and exec stops.
	msg uint
	// sigcode is the si_code of plain SIGTRAP stops.
	sigcode int32
}

func (ev *waitEvent) Pid() int { return ev.pid }
func (ev *waitEvent) Tid() int { return ev.tid }

func (ev *waitEvent) String() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "pid=%d tid=%d", ev.pid, ev.tid)
	ws := ev.status
	switch {
	case ws.Exited():
		fmt.Fprintf(&buf, " exited(%d)", ws.ExitStatus())
	case ws.Signaled():
		fmt.Fprintf(&buf, " killed(%v)", ws.Signal())
	case ws.Stopped():
		fmt.Fprintf(&buf, " stopped(%v)", ws.StopSignal())
		if cause := ws.TrapCause(); cause > 0 {
			fmt.Fprintf(&buf, " cause=%d msg=%d", cause, ev.msg)
		}
	}
	return buf.String()
}

// eventSource waits for ptrace stops of every tracee of the backend.
type eventSource struct {
	b       *Backend
	sigchld chan os.Signal
}

func (s *eventSource) Init() error {
	if scope, err := os.ReadFile("/proc/sys/kernel/yama/ptrace_scope"); err == nil && strings.TrimSpace(string(scope)) == "3" {
		return fmt.Errorf("ptrace disabled by /proc/sys/kernel/yama/ptrace_scope")
	}
	s.sigchld = make(chan os.Signal, 1)
	signal.Notify(s.sigchld, sys.SIGCHLD)
	return nil
}

func (s *eventSource) Close() error {
	if s.sigchld != nil {
		signal.Stop(s.sigchld)
	}
	return nil
}

func (s *eventSource) GetEvent(cancel <-chan struct{}, block bool) (proc.RawEvent, error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		ev, err := s.poll()
		if err != nil || ev != nil {
			return ev, err
		}
		if !block {
			return nil, nil
		}
		if timer == nil {
			timer = time.NewTimer(sigchldPollInterval)
		} else {
			timer.Reset(sigchldPollInterval)
		}
		select {
		case <-s.sigchld:
			if !timer.Stop() {
				<-timer.C
			}
		case <-timer.C:
		case <-cancel:
			return nil, nil
		}
	}
}

// poll reaps one wait status without blocking.
func (s *eventSource) poll() (*waitEvent, error) {
	var status sys.WaitStatus
	var wpid int
	var err error
	for {
		wpid, err = sys.Wait4(-1, &status, sys.WALL|sys.WNOHANG, nil)
		if err != sys.EINTR {
			break
		}
	}
	switch {
	case err == sys.ECHILD:
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("wait4: %w", err)
	case wpid <= 0:
		return nil, nil
	}

	b := s.b
	ev := &waitEvent{pid: b.pidOf(wpid), tid: wpid, status: status}
	switch {
	case status.Exited() || status.Signaled():
		b.stopped.Delete(wpid)
	case status.Stopped():
		b.stopped.Set(wpid, true)
		if status.StopSignal() != sys.SIGTRAP {
			break
		}
		switch cause := status.TrapCause(); cause {
		case sys.PTRACE_EVENT_CLONE, sys.PTRACE_EVENT_FORK, sys.PTRACE_EVENT_VFORK, sys.PTRACE_EVENT_EXEC:
			b.pt.exec(func() { ev.msg, err = sys.PtraceGetEventMsg(wpid) })
			if err != nil {
				b.log.Warnf("could not read event message of %d: %v", wpid, err)
			} else if cause == sys.PTRACE_EVENT_CLONE {
				b.tids.Set(int(ev.msg), ev.pid)
			} else if cause != sys.PTRACE_EVENT_EXEC {
				b.tids.Set(int(ev.msg), int(ev.msg))
			}
		case 0:
			b.pt.exec(func() { ev.sigcode, err = ptraceGetSigcode(wpid) })
			if err != nil {
				b.log.Warnf("could not read siginfo of %d: %v", wpid, err)
			}
		}
	}
	if logflags.Native() {
		b.log.Debugf("wait4: %v", ev)
	}
	return ev, nil
}

// CanFastHandle consumes the initial SIGSTOP of threads and processes the
// backend has not been told about yet: a new thread can report it before
// its parent reports the clone.
func (s *eventSource) CanFastHandle(raw proc.RawEvent) bool {
	ev, ok := raw.(*waitEvent)
	if !ok || !ev.status.Stopped() || ev.status.StopSignal() != sys.SIGSTOP {
		return false
	}
	if _, known := s.b.tids.Get(ev.tid); known {
		return false
	}
	s.b.earlyStops.Set(ev.tid, ev.pid)
	if logflags.Native() {
		s.b.log.Debugf("early stop of %d (pid %d)", ev.tid, ev.pid)
	}
	return true
}

// decoder translates wait statuses into portable events.
type decoder struct {
	b *Backend
}

func (decoder) Priority() int { return 0 }

func (d decoder) Decode(raw proc.RawEvent, m proc.Model) ([]*proc.Event, error) {
	ev, ok := raw.(*waitEvent)
	if !ok {
		return nil, nil
	}
	p := m.FindProcess(ev.pid)
	if p == nil {
		return nil, nil
	}
	t := m.FindThread(ev.pid, ev.tid)
	ws := ev.status

	switch {
	case ws.Exited():
		if ev.tid == ev.pid {
			return []*proc.Event{{Type: proc.EventExit, Proc: p, Thread: t, ExitStatus: ws.ExitStatus()}}, nil
		}
		if t == nil {
			return nil, nil
		}
		return []*proc.Event{{Type: proc.EventThreadExit, Proc: p, Thread: t, ExitStatus: ws.ExitStatus()}}, nil
	case ws.Signaled():
		if ev.tid == ev.pid {
			return []*proc.Event{{Type: proc.EventCrash, Proc: p, Thread: t, Signal: int(ws.Signal())}}, nil
		}
		if t == nil {
			return nil, nil
		}
		return []*proc.Event{{Type: proc.EventThreadExit, Proc: p, Thread: t}}, nil
	case !ws.Stopped() || t == nil:
		return nil, nil
	}

	sig := ws.StopSignal()
	if sig == sys.SIGTRAP {
		switch ws.TrapCause() {
		case sys.PTRACE_EVENT_CLONE:
			tid := int(ev.msg)
			return []*proc.Event{{Type: proc.EventThreadCreate, Proc: p, Thread: t, NewTid: tid, NewThreadStopped: d.b.earlyStopped(tid)}}, nil
		case sys.PTRACE_EVENT_FORK, sys.PTRACE_EVENT_VFORK:
			return []*proc.Event{{Type: proc.EventFork, Proc: p, Thread: t, NewPid: int(ev.msg)}}, nil
		case sys.PTRACE_EVENT_EXEC:
			return []*proc.Event{{Type: proc.EventExec, Proc: p, Thread: t}}, nil
		case 0:
			switch {
			case t.Stepping() || ev.sigcode == trapTrace:
				return []*proc.Event{{Type: proc.EventSingleStep, Proc: p, Thread: t}}, nil
			case ev.sigcode == siKernel || ev.sigcode == trapBrkpt:
				return []*proc.Event{{Type: proc.EventBreakpoint, Proc: p, Thread: t}}, nil
			}
		}
	}
	if sig == sys.SIGSTOP && (t.HaltPending() || t.State() == proc.ThreadCreated) {
		return []*proc.Event{{Type: proc.EventStop, Proc: p, Thread: t}}, nil
	}
	return []*proc.Event{{Type: proc.EventSignal, Proc: p, Thread: t, Signal: int(sig)}}, nil
}

// tableHandler keeps the thread tables of the backend in sync with the
// process model.
type tableHandler struct {
	b *Backend
}

func (tableHandler) Priority() int { return proc.PriorityThread + 1 }
func (tableHandler) EventTypes() []proc.EventType {
	return []proc.EventType{proc.EventThreadExit, proc.EventExec}
}

func (h tableHandler) HandleEvent(hc *proc.HandlerContext, ev *proc.Event) (proc.HandlerResult, error) {
	switch ev.Type {
	case proc.EventThreadExit:
		if ev.Thread != nil {
			h.b.forgetThread(ev.Thread.LWP())
		}
	case proc.EventExec:
		// every other thread is gone, the thread that called exec now has
		// the pid as id
		pid := ev.Proc.Pid()
		h.b.stopped.DeleteFunc(func(tid int, _ bool) bool {
			owner, _ := h.b.tids.Get(tid)
			return owner == pid && tid != pid
		})
		h.b.tids.DeleteFunc(func(tid, owner int) bool { return owner == pid && tid != pid })
	}
	return proc.HandlerNotHandled, nil
}
