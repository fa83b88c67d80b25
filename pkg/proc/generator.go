package proc

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-delve/pctl/pkg/logflags"
)

// GeneratorState is the lifecycle state of a Generator.
type GeneratorState uint8

const (
	GeneratorUninitialized GeneratorState = iota
	GeneratorInitialized
	GeneratorRunning
	GeneratorInterrupted
	GeneratorShutDown
)

func (s GeneratorState) String() string {
	switch s {
	case GeneratorUninitialized:
		return "uninitialized"
	case GeneratorInitialized:
		return "initialized"
	case GeneratorRunning:
		return "running"
	case GeneratorInterrupted:
		return "interrupted"
	case GeneratorShutDown:
		return "shut down"
	}
	return fmt.Sprintf("GeneratorState(%d)", uint8(s))
}

var generatorTransitions = map[GeneratorState][]GeneratorState{
	GeneratorUninitialized: {GeneratorInitialized, GeneratorShutDown},
	GeneratorInitialized:   {GeneratorRunning, GeneratorShutDown},
	GeneratorRunning:       {GeneratorInterrupted, GeneratorShutDown},
	GeneratorInterrupted:   {GeneratorRunning, GeneratorShutDown},
}

// Generator owns the background goroutine that waits for OS debug events
// and queues them, in the order the OS reported them, for the pipeline.
type Generator struct {
	name string
	src  EventSource
	log  logflags.Logger

	mu        sync.Mutex
	state     GeneratorState
	pending   *InterruptRequest
	cancel    chan struct{} // closed to wake a blocked GetEvent
	cancelled bool
	closing   bool
	closed    bool
	started   bool
	srcOpen   bool
	quit      chan struct{}
	done      chan struct{}

	queue *rawQueue
}

// NewGenerator returns an uninitialized generator reading from src.
func NewGenerator(name string, src EventSource) *Generator {
	return &Generator{
		name:   name,
		src:    src,
		log:    logflags.GeneratorLogger().WithField("backend", name),
		state:  GeneratorUninitialized,
		cancel: make(chan struct{}),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		queue:  newRawQueue(),
	}
}

// State returns the current state of the generator.
func (g *Generator) State() GeneratorState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Generator) transitionLocked(to GeneratorState) error {
	for _, s := range generatorTransitions[g.state] {
		if s == to {
			if logflags.Generator() {
				g.log.Debugf("%v -> %v", g.state, to)
			}
			g.state = to
			return nil
		}
	}
	return fmt.Errorf("invalid generator transition %v -> %v", g.state, to)
}

// Initialize acquires the OS debug facility.
func (g *Generator) Initialize() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != GeneratorUninitialized {
		return fmt.Errorf("generator already %v", g.state)
	}
	if err := g.src.Init(); err != nil {
		g.state = GeneratorShutDown
		g.closing = true
		g.queue.close(ErrGeneratorShutDown, true)
		return &InitializationError{Backend: g.name, Err: err}
	}
	g.srcOpen = true
	return g.transitionLocked(GeneratorInitialized)
}

// Start launches the background goroutine.
func (g *Generator) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.transitionLocked(GeneratorRunning); err != nil {
		return err
	}
	g.started = true
	go g.run()
	return nil
}

func (g *Generator) run() {
	defer close(g.done)
	for {
		req, cancel, ok := g.nextWait()
		if !ok {
			return
		}
		if req != nil {
			g.handleInterrupt(req)
			continue
		}

		raw, err := g.src.GetEvent(cancel, true)
		if err != nil {
			g.log.Errorf("wait for debug event failed: %v", err)
			g.fail(err)
			return
		}
		if raw == nil {
			continue
		}
		if fh, ok := g.src.(FastHandler); ok && fh.CanFastHandle(raw) {
			if logflags.Generator() {
				g.log.Debugf("fast handled %#v", raw)
			}
			continue
		}
		if logflags.Generator() {
			g.log.Debugf("queued event pid=%d tid=%d", raw.Pid(), raw.Tid())
		}
		g.queue.push(raw)
	}
}

// nextWait returns the interrupt to service or the cancellation token to
// pass to the next blocking wait. The pending flag is always checked
// before re-entering the wait.
func (g *Generator) nextWait() (*InterruptRequest, <-chan struct{}, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return nil, nil, false
	}
	if g.pending != nil {
		return g.pending, nil, true
	}
	return nil, g.cancel, true
}

func (g *Generator) handleInterrupt(req *InterruptRequest) {
	g.mu.Lock()
	err := g.transitionLocked(GeneratorInterrupted)
	g.mu.Unlock()
	if err != nil {
		g.log.Errorf("%v", err)
	}

	req.acknowledge()
	if logflags.Generator() {
		g.log.Debugf("interrupt acknowledged")
	}
	select {
	case <-req.released:
	case <-g.quit:
	}

	g.mu.Lock()
	g.pending = nil
	g.cancel = make(chan struct{})
	g.cancelled = false
	if !g.closing {
		if err := g.transitionLocked(GeneratorRunning); err != nil {
			g.log.Errorf("%v", err)
		}
	}
	g.mu.Unlock()
	req.service()
}

func (g *Generator) cancelLocked() {
	if !g.cancelled {
		g.cancelled = true
		close(g.cancel)
	}
}

func (g *Generator) fail(err error) {
	g.mu.Lock()
	g.closing = true
	g.state = GeneratorShutDown
	if g.pending != nil {
		g.pending.acknowledge()
		g.pending.service()
		g.pending = nil
	}
	g.mu.Unlock()
	g.queue.close(fmt.Errorf("event generator failed: %w", err), false)
}

// Interrupt cancels the blocking wait of the background goroutine. The
// caller must call Wait on the returned request before touching OS wait
// state and Release when done. If the generator is not running the request
// is a no-op that is already acknowledged.
func (g *Generator) Interrupt() (*InterruptRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending != nil {
		return nil, ErrInterruptAlreadyPending
	}
	if g.state != GeneratorRunning || g.closing {
		return noopInterruptRequest(), nil
	}
	req := newInterruptRequest()
	g.pending = req
	g.cancelLocked()
	if logflags.Generator() {
		g.log.Debugf("interrupt requested")
	}
	return req, nil
}

// IsInterrupted reports whether an interrupt is pending.
func (g *Generator) IsInterrupted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending != nil
}

// Next returns the next queued raw event. If block is false it returns
// immediately with nil when the queue is empty.
func (g *Generator) Next(ctx context.Context, block bool) (RawEvent, error) {
	return g.queue.pop(ctx, block)
}

// PendingFor reports whether raw events of pid are queued.
func (g *Generator) PendingFor(pid int) bool {
	return g.queue.hasPid(pid)
}

// Pending returns the number of queued raw events.
func (g *Generator) Pending() int {
	return g.queue.len()
}

// Close stops the background goroutine, discards queued events and releases
// the event source. No further events can be produced.
func (g *Generator) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.closing = true
	started := g.started
	g.cancelLocked()
	close(g.quit)
	g.mu.Unlock()

	if started {
		<-g.done
	}
	g.queue.close(ErrGeneratorShutDown, true)

	g.mu.Lock()
	g.state = GeneratorShutDown
	if g.pending != nil {
		g.pending.acknowledge()
		g.pending.service()
		g.pending = nil
	}
	srcOpen := g.srcOpen
	g.srcOpen = false
	g.mu.Unlock()

	if logflags.Generator() {
		g.log.Debugf("shut down")
	}
	if srcOpen {
		return g.src.Close()
	}
	return nil
}
