package proc

import (
	"fmt"
	"strings"
)

// EventType identifies the kind of an Event.
type EventType uint8

const (
	EventUnknown EventType = iota
	// EventBootstrap is synthesized by the engine when a process is first
	// created or attached.
	EventBootstrap
	// EventStop reports a thread stop requested by the engine itself
	// (initial stop of a new thread, or a halt).
	EventStop
	// EventSignal reports a thread stopped by a signal meant for the target.
	EventSignal
	EventBreakpoint
	EventSingleStep
	EventThreadCreate
	EventThreadExit
	// EventExit reports the normal exit of a process.
	EventExit
	// EventCrash reports the termination of a process by a signal.
	EventCrash
	EventFork
	EventExec
	EventLibrary
	// EventInterrupt reports that a process stopped at the request of the
	// client.
	EventInterrupt
	// EventFunctionEntry is synthesized when a thread stops on a
	// breakpoint registered as a function entry.
	EventFunctionEntry

	numEventTypes
)

var eventTypeNames = [...]string{
	EventUnknown:       "unknown",
	EventBootstrap:     "bootstrap",
	EventStop:          "stop",
	EventSignal:        "signal",
	EventBreakpoint:    "breakpoint",
	EventSingleStep:    "single-step",
	EventThreadCreate:  "thread-create",
	EventThreadExit:    "thread-exit",
	EventExit:          "exit",
	EventCrash:         "crash",
	EventFork:          "fork",
	EventExec:          "exec",
	EventLibrary:       "library",
	EventInterrupt:     "interrupt",
	EventFunctionEntry: "function-entry",
}

func (t EventType) String() string {
	if int(t) < len(eventTypeNames) {
		return eventTypeNames[t]
	}
	return fmt.Sprintf("EventType(%d)", uint8(t))
}

// AllEventTypes returns every event type a handler can register for.
func AllEventTypes() []EventType {
	r := make([]EventType, 0, numEventTypes-1)
	for t := EventBootstrap; t < numEventTypes; t++ {
		r = append(r, t)
	}
	return r
}

// Stopping reports whether an event of this type leaves its thread stopped
// for the client.
func (t EventType) Stopping() bool {
	switch t {
	case EventSignal, EventBreakpoint, EventSingleStep, EventInterrupt, EventFunctionEntry:
		return true
	}
	return false
}

// Terminal reports whether an event of this type ends its process.
func (t EventType) Terminal() bool {
	return t == EventExit || t == EventCrash
}

// Event is the portable description of something that happened to a
// process or thread.
type Event struct {
	Type   EventType
	Proc   *Process
	Thread *Thread

	// Signal is the stop or termination signal for EventSignal and
	// EventCrash.
	Signal int
	// ExitStatus is the exit code for EventExit.
	ExitStatus int
	// NewPid is the child process of EventFork.
	NewPid int
	// NewTid is the new thread of EventThreadCreate.
	NewTid int
	// NewThreadStopped is set when the new thread of EventThreadCreate
	// was already observed stopped by the backend.
	NewThreadStopped bool
	// Addr is the breakpoint address of EventBreakpoint and
	// EventFunctionEntry.
	Addr uint64
	// Added and Removed are the library changes of EventLibrary.
	Added, Removed []*Library

	// Synthetic is set on events posted by handlers or the engine rather
	// than decoded from the OS.
	Synthetic bool
	// Stale is set on events that were not dispatched because their
	// process had already ended.
	Stale bool
	// Correlation is the out of band data of the raw event the event was
	// decoded from, see CorrelatedEvent.
	Correlation interface{}
	// Err is the error returned by the handler that aborted dispatch.
	Err error
}

func (ev *Event) String() string {
	var buf strings.Builder
	buf.WriteString(ev.Type.String())
	if ev.Proc != nil {
		fmt.Fprintf(&buf, " pid=%d", ev.Proc.Pid())
	}
	if ev.Thread != nil {
		fmt.Fprintf(&buf, " tid=%d", ev.Thread.ID())
	}
	switch ev.Type {
	case EventSignal, EventCrash:
		fmt.Fprintf(&buf, " signal=%d", ev.Signal)
	case EventExit:
		fmt.Fprintf(&buf, " status=%d", ev.ExitStatus)
	case EventFork:
		fmt.Fprintf(&buf, " child=%d", ev.NewPid)
	case EventThreadCreate:
		fmt.Fprintf(&buf, " new=%d", ev.NewTid)
	case EventBreakpoint, EventFunctionEntry:
		fmt.Fprintf(&buf, " addr=%#x", ev.Addr)
	case EventLibrary:
		fmt.Fprintf(&buf, " added=%d removed=%d", len(ev.Added), len(ev.Removed))
	}
	if ev.Synthetic {
		buf.WriteString(" synthetic")
	}
	if ev.Stale {
		buf.WriteString(" stale")
	}
	return buf.String()
}
