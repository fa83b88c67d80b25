package proc_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-delve/pctl/pkg/proc"
)

type fakeRaw struct{ pid, tid int }

func (r fakeRaw) Pid() int { return r.pid }
func (r fakeRaw) Tid() int { return r.tid }

// fakeSource is an EventSource fed through channels.
type fakeSource struct {
	initErr error
	events  chan proc.RawEvent
	fatal   chan error
	entered chan struct{}
	closed  bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		events:  make(chan proc.RawEvent, 256),
		fatal:   make(chan error, 1),
		entered: make(chan struct{}, 64),
	}
}

func (s *fakeSource) Init() error { return s.initErr }

func (s *fakeSource) GetEvent(cancel <-chan struct{}, block bool) (proc.RawEvent, error) {
	if !block {
		select {
		case raw := <-s.events:
			return raw, nil
		default:
			return nil, nil
		}
	}
	select {
	case s.entered <- struct{}{}:
	default:
	}
	select {
	case raw := <-s.events:
		return raw, nil
	case err := <-s.fatal:
		return nil, err
	case <-cancel:
		return nil, nil
	}
}

func (s *fakeSource) Close() error {
	s.closed = true
	return nil
}

// waitEntered waits until the generator goroutine is blocked in GetEvent.
func (s *fakeSource) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-s.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("generator never waited for events")
	}
}

func startGenerator(t *testing.T, src *fakeSource) *proc.Generator {
	t.Helper()
	g := proc.NewGenerator("fake", src)
	if err := g.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := g.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { g.Close() })
	return g
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGeneratorOrdering(t *testing.T) {
	src := newFakeSource()
	g := startGenerator(t, src)
	ctx := testContext(t)

	const n = 100
	for i := 0; i < n; i++ {
		src.events <- fakeRaw{pid: 1, tid: i}
	}
	for i := 0; i < n; i++ {
		raw, err := g.Next(ctx, true)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if raw.Tid() != i {
			t.Fatalf("event %d: got tid %d", i, raw.Tid())
		}
	}
	raw, err := g.Next(ctx, false)
	if raw != nil || err != nil {
		t.Fatalf("non blocking Next on empty queue returned %v, %v", raw, err)
	}
}

func TestGeneratorNextContext(t *testing.T) {
	src := newFakeSource()
	g := startGenerator(t, src)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := g.Next(ctx, true); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestGeneratorInterruptNoop(t *testing.T) {
	src := newFakeSource()
	g := proc.NewGenerator("fake", src)
	if err := g.Initialize(); err != nil {
		t.Fatal(err)
	}
	defer g.Close()

	req, err := g.Interrupt()
	if err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	if !req.Acknowledged() {
		t.Fatal("interrupt of a generator that is not running should be acknowledged immediately")
	}
	req.Release()
	if g.IsInterrupted() {
		t.Fatal("no-op interrupt left the generator interrupted")
	}
	if g.State() != proc.GeneratorInitialized {
		t.Fatalf("state changed to %v", g.State())
	}
}

func TestGeneratorInterrupt(t *testing.T) {
	src := newFakeSource()
	g := startGenerator(t, src)
	ctx := testContext(t)
	src.waitEntered(t)

	req, err := g.Interrupt()
	if err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	if err := req.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if g.State() != proc.GeneratorInterrupted {
		t.Fatalf("expected interrupted, got %v", g.State())
	}
	if !g.IsInterrupted() {
		t.Fatal("IsInterrupted returned false while parked")
	}

	if _, err := g.Interrupt(); !errors.Is(err, proc.ErrInterruptAlreadyPending) {
		t.Fatalf("second interrupt: expected ErrInterruptAlreadyPending, got %v", err)
	}
	if !req.Acknowledged() {
		t.Fatal("second interrupt affected the first one")
	}

	// events sent while parked are delivered after release
	src.events <- fakeRaw{pid: 1, tid: 1}
	req.Release()
	if g.IsInterrupted() {
		t.Fatal("pending flag not cleared by Release")
	}
	if g.State() != proc.GeneratorRunning {
		t.Fatalf("expected running after release, got %v", g.State())
	}
	raw, err := g.Next(ctx, true)
	if err != nil || raw.Tid() != 1 {
		t.Fatalf("Next after release: %v, %v", raw, err)
	}

	src.waitEntered(t)
	req2, err := g.Interrupt()
	if err != nil {
		t.Fatalf("reissued interrupt: %v", err)
	}
	if err := req2.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	req2.Release()
}

func TestGeneratorFatalError(t *testing.T) {
	src := newFakeSource()
	g := startGenerator(t, src)
	ctx := testContext(t)

	boom := errors.New("boom")
	src.events <- fakeRaw{pid: 1, tid: 1}
	if raw, err := g.Next(ctx, true); err != nil || raw.Tid() != 1 {
		t.Fatalf("Next: %v, %v", raw, err)
	}
	src.fatal <- boom

	_, err := g.Next(ctx, true)
	if !errors.Is(err, boom) {
		t.Fatalf("expected the source error, got %v", err)
	}
	if g.State() != proc.GeneratorShutDown {
		t.Fatalf("expected shut down, got %v", g.State())
	}
	req, err := g.Interrupt()
	if err != nil || !req.Acknowledged() {
		t.Fatalf("interrupt after failure: %v", err)
	}
	if err := g.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !src.closed {
		t.Fatal("source not closed")
	}
}

func TestGeneratorInitializationError(t *testing.T) {
	src := newFakeSource()
	src.initErr = errors.New("no permission")
	g := proc.NewGenerator("fake", src)

	err := g.Initialize()
	var ierr *proc.InitializationError
	if !errors.As(err, &ierr) {
		t.Fatalf("expected InitializationError, got %v", err)
	}
	if g.State() != proc.GeneratorShutDown {
		t.Fatalf("expected shut down, got %v", g.State())
	}
	if err := g.Start(); err == nil {
		t.Fatal("Start succeeded after failed initialization")
	}
	if _, err := g.Next(context.Background(), true); !errors.Is(err, proc.ErrGeneratorShutDown) {
		t.Fatalf("expected ErrGeneratorShutDown, got %v", err)
	}
	if err := g.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if src.closed {
		t.Fatal("Close released a source that was never initialized")
	}
}

func TestGeneratorClose(t *testing.T) {
	src := newFakeSource()
	g := startGenerator(t, src)
	src.waitEntered(t)
	src.events <- fakeRaw{pid: 1, tid: 1}

	if err := g.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := g.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if g.State() != proc.GeneratorShutDown {
		t.Fatalf("expected shut down, got %v", g.State())
	}
	if _, err := g.Next(context.Background(), true); !errors.Is(err, proc.ErrGeneratorShutDown) {
		t.Fatalf("expected ErrGeneratorShutDown, got %v", err)
	}
	if !src.closed {
		t.Fatal("source not closed")
	}
}

func TestGeneratorStateString(t *testing.T) {
	if s := proc.GeneratorInterrupted.String(); s != "interrupted" {
		t.Fatalf("got %q", s)
	}
}
