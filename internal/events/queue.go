package events

import "sync"

// Queue is a Sink for a single consumer that must see every event.
// Emit blocks while the buffer is full, which holds back the emitting
// session's reader, until the consumer catches up or the queue is
// closed.  Events emitted after Close are dropped.
//
// A session closing waits for its reader, which may be parked in Emit,
// so close the queue before closing the session that feeds it.
type Queue struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
}

// NewQueue returns a queue buffering up to n events.
func NewQueue(n int) *Queue {
	if n < 0 {
		n = 0
	}
	return &Queue{ch: make(chan Event, n), done: make(chan struct{})}
}

// Emit delivers e or gives up once the queue is closed.
func (q *Queue) Emit(e Event) {
	select {
	case <-q.done:
		return
	default:
	}
	select {
	case q.ch <- e:
	case <-q.done:
	}
}

// C returns the receive side.  It is never closed.
func (q *Queue) C() <-chan Event { return q.ch }

// Close releases blocked and future emitters.
func (q *Queue) Close() { q.once.Do(func() { close(q.done) }) }
