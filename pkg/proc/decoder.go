package proc

import (
	"sort"

	"github.com/go-delve/pctl/pkg/logflags"
)

// Model is the read-only view of the process model decoders are given.
type Model interface {
	FindProcess(pid int) *Process
	FindThread(pid, tid int) *Thread
}

// Decoder translates raw events of its backend into portable events.
// Decode must be a pure function of the raw event and the model, it must
// not change either of them. A raw event it does not recognize yields no
// events and no error.
type Decoder interface {
	// Priority orders decoders, lower values are tried first.
	Priority() int
	Decode(raw RawEvent, m Model) ([]*Event, error)
}

// NonExclusiveDecoder is implemented by decoders that run even after
// another decoder already produced events for the same raw event.
type NonExclusiveDecoder interface {
	Decoder
	NonExclusive() bool
}

func nonExclusive(d Decoder) bool {
	ne, ok := d.(NonExclusiveDecoder)
	return ok && ne.NonExclusive()
}

// DecoderSet runs decoders in priority order. The first exclusive decoder
// that returns at least one event wins, non-exclusive decoders always run.
type DecoderSet struct {
	decoders []Decoder
	log      logflags.Logger
}

// NewDecoderSet returns a set containing ds.
func NewDecoderSet(ds ...Decoder) *DecoderSet {
	set := &DecoderSet{log: logflags.DecoderLogger()}
	for _, d := range ds {
		set.Add(d)
	}
	return set
}

// Add registers a decoder. Decoders with equal priority keep their
// registration order.
func (set *DecoderSet) Add(d Decoder) {
	set.decoders = append(set.decoders, d)
	sort.SliceStable(set.decoders, func(i, j int) bool {
		return set.decoders[i].Priority() < set.decoders[j].Priority()
	})
}

// Len returns the number of registered decoders.
func (set *DecoderSet) Len() int {
	return len(set.decoders)
}

// Decode returns the events described by raw, in decode order.
func (set *DecoderSet) Decode(raw RawEvent, m Model) ([]*Event, error) {
	var evs []*Event
	won := false
	for _, d := range set.decoders {
		ne := nonExclusive(d)
		if won && !ne {
			continue
		}
		r, err := d.Decode(raw, m)
		if err != nil {
			return nil, err
		}
		evs = append(evs, r...)
		if len(r) > 0 && !ne {
			won = true
		}
	}
	if c, ok := raw.(CorrelatedEvent); ok {
		if corr := c.Correlation(); corr != nil {
			for _, ev := range evs {
				if ev.Correlation == nil {
					ev.Correlation = corr
				}
			}
		}
	}
	if len(evs) == 0 {
		set.log.Debugf("no decoder recognized raw event pid=%d tid=%d (%#v), dropped", raw.Pid(), raw.Tid(), raw)
	} else if logflags.Decoder() {
		for _, ev := range evs {
			set.log.Debugf("decoded %v", ev)
		}
	}
	return evs, nil
}
