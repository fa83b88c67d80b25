package proc

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/go-delve/pctl/pkg/logflags"
)

// HandlerResult is returned by a Handler for each event it sees.
type HandlerResult uint8

const (
	// HandlerNotHandled lets the event continue to the next handler.
	HandlerNotHandled HandlerResult = iota
	// HandlerHandled stops dispatch of this event.
	HandlerHandled
)

func (r HandlerResult) String() string {
	if r == HandlerHandled {
		return "handled"
	}
	return "not handled"
}

// Priorities of the built-in handlers. Lower values run first.
const (
	PriorityBootstrap = math.MinInt32
	PriorityThread    = 100
	PriorityExit      = 200
	PriorityStop      = 300
	PriorityForkExec  = 400
	PriorityLibrary   = 500
	PriorityClient    = 1000
	PriorityResume    = 10000
)

// Handler reacts to events. Handlers are the only component that changes
// the state of processes and threads in response to OS events.
type Handler interface {
	Priority() int
	EventTypes() []EventType
	HandleEvent(hc *HandlerContext, ev *Event) (HandlerResult, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	Prio  int
	Types []EventType
	Fn    func(hc *HandlerContext, ev *Event) (HandlerResult, error)
}

func (h *HandlerFunc) Priority() int           { return h.Prio }
func (h *HandlerFunc) EventTypes() []EventType { return h.Types }
func (h *HandlerFunc) HandleEvent(hc *HandlerContext, ev *Event) (HandlerResult, error) {
	return h.Fn(hc, ev)
}

// HandlerChain dispatches events to the handlers registered for their type
// in ascending priority order.
type HandlerChain struct {
	mu     sync.RWMutex
	byType [numEventTypes][]Handler
	log    logflags.Logger
}

// NewHandlerChain returns a chain containing hs.
func NewHandlerChain(hs ...Handler) *HandlerChain {
	c := &HandlerChain{log: logflags.HandlerLogger()}
	for _, h := range hs {
		c.Add(h)
	}
	return c
}

// Add registers h for the event types it declares.
func (c *HandlerChain) Add(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, typ := range h.EventTypes() {
		if typ == EventUnknown || typ >= numEventTypes {
			continue
		}
		hs := append(c.byType[typ], h)
		sort.SliceStable(hs, func(i, j int) bool { return hs[i].Priority() < hs[j].Priority() })
		c.byType[typ] = hs
	}
}

// Remove unregisters h.
func (c *HandlerChain) Remove(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for typ := range c.byType {
		hs := c.byType[typ][:0]
		for _, h2 := range c.byType[typ] {
			if h2 != h {
				hs = append(hs, h2)
			}
		}
		c.byType[typ] = hs
	}
}

// Handlers returns the handlers registered for typ in dispatch order.
func (c *HandlerChain) Handlers(typ EventType) []Handler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if typ >= numEventTypes {
		return nil
	}
	r := make([]Handler, len(c.byType[typ]))
	copy(r, c.byType[typ])
	return r
}

// Dispatch runs the handlers for ev until one of them handles it or
// returns an error.
func (c *HandlerChain) Dispatch(hc *HandlerContext, ev *Event) error {
	for _, h := range c.Handlers(ev.Type) {
		res, err := h.HandleEvent(hc, ev)
		if err != nil {
			c.log.Errorf("handler %T failed on %v: %v", h, ev, err)
			return fmt.Errorf("handling %v: %w", ev.Type, err)
		}
		if res == HandlerHandled {
			if logflags.Handler() {
				c.log.Debugf("%v handled by %T", ev, h)
			}
			return nil
		}
	}
	return nil
}
