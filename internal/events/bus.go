package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultSubscriberBuffer is the per-subscriber channel capacity.
const DefaultSubscriberBuffer = 256

type subscriber struct {
	ch chan Event
}

// Bus fans session events out to any number of subscribers (stdio
// relays, WebSocket clients, the reconnect supervisor).  It implements
// Sink.  Publishing never blocks: a subscriber whose buffer is full
// misses the event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	dropped atomic.Uint64
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a subscriber with the default buffer size.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	return b.SubscribeN(DefaultSubscriberBuffer)
}

// SubscribeN registers a subscriber with a buffer of n events.  The
// returned function unsubscribes and closes the channel; it is safe to
// call more than once.
func (b *Bus) SubscribeN(n int) (<-chan Event, func()) {
	if n <= 0 {
		n = DefaultSubscriberBuffer
	}
	s := &subscriber{ch: make(chan Event, n)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}

// Emit publishes e to all current subscribers.
func (b *Bus) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Len returns the current subscriber count.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber
// buffer was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }
