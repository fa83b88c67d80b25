// Package proc is a low-level package that provides the portable process
// control pipeline shared by every backend.
//
// A backend's EventSource is driven by a Generator goroutine that queues
// raw OS notifications in the order they were reported. HandleEvents
// decodes them with the backend's decoders into Events and dispatches
// those to a HandlerChain, which is the only place the Process and Thread
// model changes in response to the OS.
//
// Control calls that must not race the Generator's blocking wait (spawn,
// attach, detach, terminate, memory allocation) interrupt it first with an
// InterruptRequest and release it when done.
//
// Backends are registered by name with RegisterBackend, see
// pkg/proc/native and pkg/proc/scripted.
package proc
