package scripted

import (
	"fmt"

	"github.com/go-delve/pctl/pkg/proc"
)

// Kind is the kind of a simulated OS notification.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindExit is the exit of a thread, or of the process when TID is the
	// process id.
	KindExit
	// KindKilled is the termination of the process by Signal.
	KindKilled
	// KindSignal is a stop of TID by Signal.
	KindSignal
	// KindHalt is the stop requested by Backend.Halt.
	KindHalt
	KindBreakpoint
	KindStep
	// KindClone is the creation of thread NewTID by TID.
	KindClone
	// KindFork is the creation of process NewPID by TID.
	KindFork
	KindExec
)

var kindNames = map[Kind]string{
	KindUnknown:    "unknown",
	KindExit:       "exit",
	KindKilled:     "killed",
	KindSignal:     "signal",
	KindHalt:       "halt",
	KindBreakpoint: "breakpoint",
	KindStep:       "step",
	KindClone:      "clone",
	KindFork:       "fork",
	KindExec:       "exec",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ParseKind returns the Kind named s.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown event kind %q", s)
}

// RawEvent is the raw event produced by the scripted backend.
type RawEvent struct {
	Kind   Kind
	PID    int
	TID    int
	Status int
	Signal int
	NewPID int
	NewTID int
	// Addr is the address of the breakpoint instruction of KindBreakpoint.
	Addr uint64
	// Tag is copied to the Correlation of the decoded events.
	Tag string
}

func (ev *RawEvent) Pid() int { return ev.PID }
func (ev *RawEvent) Tid() int { return ev.TID }

// Correlation returns the tag of the event, nil if it has none.
func (ev *RawEvent) Correlation() interface{} {
	if ev.Tag == "" {
		return nil
	}
	return ev.Tag
}

func (ev *RawEvent) String() string {
	return fmt.Sprintf("%v pid=%d tid=%d", ev.Kind, ev.PID, ev.TID)
}

const sigstop = 19

// decoder translates RawEvent into portable events.
type decoder struct{}

func (decoder) Priority() int { return 0 }

func (decoder) Decode(raw proc.RawEvent, m proc.Model) ([]*proc.Event, error) {
	ev, ok := raw.(*RawEvent)
	if !ok {
		return nil, nil
	}
	p := m.FindProcess(ev.PID)
	if p == nil {
		return nil, nil
	}
	tid := ev.TID
	if tid == 0 {
		tid = ev.PID
	}
	t := m.FindThread(ev.PID, tid)

	switch ev.Kind {
	case KindExit:
		if tid == ev.PID {
			return []*proc.Event{{Type: proc.EventExit, Proc: p, Thread: t, ExitStatus: ev.Status}}, nil
		}
		if t == nil {
			return nil, nil
		}
		return []*proc.Event{{Type: proc.EventThreadExit, Proc: p, Thread: t, ExitStatus: ev.Status}}, nil
	case KindKilled:
		return []*proc.Event{{Type: proc.EventCrash, Proc: p, Thread: t, Signal: ev.Signal}}, nil
	}

	if t == nil {
		return nil, nil
	}
	switch ev.Kind {
	case KindSignal:
		if ev.Signal == sigstop && (t.HaltPending() || t.State() == proc.ThreadCreated) {
			return []*proc.Event{{Type: proc.EventStop, Proc: p, Thread: t}}, nil
		}
		return []*proc.Event{{Type: proc.EventSignal, Proc: p, Thread: t, Signal: ev.Signal}}, nil
	case KindHalt:
		return []*proc.Event{{Type: proc.EventStop, Proc: p, Thread: t}}, nil
	case KindBreakpoint:
		return []*proc.Event{{Type: proc.EventBreakpoint, Proc: p, Thread: t, Addr: ev.Addr}}, nil
	case KindStep:
		return []*proc.Event{{Type: proc.EventSingleStep, Proc: p, Thread: t}}, nil
	case KindClone:
		return []*proc.Event{{Type: proc.EventThreadCreate, Proc: p, Thread: t, NewTid: ev.NewTID, NewThreadStopped: true}}, nil
	case KindFork:
		return []*proc.Event{{Type: proc.EventFork, Proc: p, Thread: t, NewPid: ev.NewPID}}, nil
	case KindExec:
		return []*proc.Event{{Type: proc.EventExec, Proc: p, Thread: t}}, nil
	}
	return nil, nil
}
