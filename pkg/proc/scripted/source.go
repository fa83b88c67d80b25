package scripted

import (
	"errors"
	"sync"

	"github.com/go-delve/pctl/pkg/proc"
)

var errSourceClosed = errors.New("scripted event source closed")

// eventSource hands the raw events injected into the backend to the
// generator.
type eventSource struct {
	mu      sync.Mutex
	queue   []proc.RawEvent
	fatal   error
	notify  chan struct{}
	initErr error
	open    bool
	waiting int
}

func newEventSource() *eventSource {
	return &eventSource{notify: make(chan struct{}, 1)}
}

func (s *eventSource) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initErr != nil {
		return s.initErr
	}
	s.open = true
	return nil
}

func (s *eventSource) GetEvent(cancel <-chan struct{}, block bool) (proc.RawEvent, error) {
	for {
		s.mu.Lock()
		if !s.open {
			s.mu.Unlock()
			return nil, errSourceClosed
		}
		if len(s.queue) > 0 {
			raw := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return raw, nil
		}
		if s.fatal != nil {
			err := s.fatal
			s.mu.Unlock()
			return nil, err
		}
		if !block {
			s.mu.Unlock()
			return nil, nil
		}
		s.waiting++
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-cancel:
			s.mu.Lock()
			s.waiting--
			s.mu.Unlock()
			return nil, nil
		}
		s.mu.Lock()
		s.waiting--
		s.mu.Unlock()
	}
}

func (s *eventSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	s.queue = nil
	return nil
}

func (s *eventSource) push(raw proc.RawEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, raw)
	s.mu.Unlock()
	s.wake()
}

func (s *eventSource) fail(err error) {
	s.mu.Lock()
	s.fatal = err
	s.mu.Unlock()
	s.wake()
}

func (s *eventSource) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// blocked reports whether the generator is waiting for an event.
func (s *eventSource) blocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiting > 0
}

// pendingFor reports whether events of pid are queued.
func (s *eventSource) pendingFor(pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, raw := range s.queue {
		if raw.Pid() == pid {
			return true
		}
	}
	return false
}
