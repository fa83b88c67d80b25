package proc

// RawEvent is an immutable snapshot of one notification received from the
// OS debug facility. Its concrete type belongs to the backend that produced
// it and only that backend's decoders interpret it.
type RawEvent interface {
	// Pid is the process the notification came from, zero if unknown.
	Pid() int
	// Tid is the thread the notification came from, zero if unknown.
	Tid() int
}

// CorrelatedEvent is implemented by raw events that carry out of band data,
// for example the request of a pending asynchronous spawn. The decoder set
// copies it to the Correlation of every event decoded from the raw event.
type CorrelatedEvent interface {
	RawEvent
	Correlation() interface{}
}

// EventSource is the OS facing half of a Generator, implemented by each
// backend.
type EventSource interface {
	// Init acquires the OS resources needed to wait for debug events.
	Init() error

	// GetEvent waits for the next debug event. If block is false it polls
	// once. When block is true it returns when an event is available or
	// cancel is closed. A nil RawEvent with a nil error means nothing was
	// available.
	GetEvent(cancel <-chan struct{}, block bool) (RawEvent, error)

	// Close releases the resources acquired by Init.
	Close() error
}

// FastHandler is implemented by event sources that can consume some raw
// events without decoding and dispatch.
type FastHandler interface {
	CanFastHandle(raw RawEvent) bool
}
