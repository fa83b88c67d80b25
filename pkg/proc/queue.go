package proc

import (
	"context"
	"sync"
)

// rawQueue is the FIFO between the generator goroutine and the pipeline.
type rawQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []RawEvent
	err    error // set once the producer is gone
	closed bool
}

func newRawQueue() *rawQueue {
	q := &rawQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *rawQueue) push(raw RawEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, raw)
	q.cond.Broadcast()
}

// close stops the queue. Items already queued are still returned by pop
// unless discard is set, after that pop returns err.
func (q *rawQueue) close(err error, discard bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		if discard {
			q.items = nil
		}
		return
	}
	q.closed = true
	q.err = err
	if discard {
		q.items = nil
	}
	q.cond.Broadcast()
}

func (q *rawQueue) pop(ctx context.Context, block bool) (RawEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if block && ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			q.mu.Lock()
			defer q.mu.Unlock()
			q.cond.Broadcast()
		})
		defer stop()
	}

	for {
		if len(q.items) > 0 {
			raw := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			return raw, nil
		}
		if q.closed {
			return nil, q.err
		}
		if !block {
			return nil, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.cond.Wait()
	}
}

func (q *rawQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *rawQueue) hasPid(pid int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, raw := range q.items {
		if raw.Pid() == pid {
			return true
		}
	}
	return false
}
