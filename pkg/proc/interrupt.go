package proc

import (
	"context"
	"sync"
)

// InterruptRequest cancels the blocking wait of a Generator so that a client
// can perform an operation that must not race with it (spawning, attaching,
// terminating). The generator stays parked between Wait returning and
// Release being called.
//
// Lifecycle: created by Generator.Interrupt, acknowledged by the generator
// goroutine, released by the client, serviced (flag cleared) by the
// generator goroutine.
type InterruptRequest struct {
	acked    chan struct{}
	released chan struct{}
	serviced chan struct{}

	ackOnce     sync.Once
	releaseOnce sync.Once
	serviceOnce sync.Once
}

func newInterruptRequest() *InterruptRequest {
	return &InterruptRequest{
		acked:    make(chan struct{}),
		released: make(chan struct{}),
		serviced: make(chan struct{}),
	}
}

// noopInterruptRequest is handed out when the generator has no wait to
// cancel.
func noopInterruptRequest() *InterruptRequest {
	r := newInterruptRequest()
	r.acknowledge()
	r.service()
	return r
}

func (r *InterruptRequest) acknowledge() {
	r.ackOnce.Do(func() { close(r.acked) })
}

func (r *InterruptRequest) service() {
	r.serviceOnce.Do(func() { close(r.serviced) })
}

// Wait blocks until the generator has acknowledged the request and stopped
// waiting for OS events.
func (r *InterruptRequest) Wait(ctx context.Context) error {
	select {
	case <-r.acked:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Acknowledged reports whether the generator has parked.
func (r *InterruptRequest) Acknowledged() bool {
	select {
	case <-r.acked:
		return true
	default:
		return false
	}
}

// Release lets the generator resume waiting and returns once the generator
// has cleared the pending flag, so that a new request can be issued as soon
// as Release returns.
func (r *InterruptRequest) Release() {
	r.releaseOnce.Do(func() { close(r.released) })
	<-r.serviced
}
