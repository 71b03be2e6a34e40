package events

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/moltbunker/bondoracle/internal/logging"
	"github.com/moltbunker/bondoracle/internal/util"
)

// DefaultBuffer is the per-subscriber channel size
const DefaultBuffer = 64

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	buffer  int
	dropped atomic.Uint64
	total   atomic.Uint64
}

// NewBus creates a bus with the given per-subscriber buffer
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
	}
}

// Subscription receives events from a Bus
type Subscription struct {
	id     uint64
	bus    *Bus
	ch     chan Event
	filter map[Type]bool
	once   sync.Once
}

// C returns the receive channel. It is closed by Unsubscribe.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Unsubscribe detaches the subscription and closes its channel
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

func (s *Subscription) wants(t Type) bool {
	return len(s.filter) == 0 || s.filter[t]
}

// Subscribe registers a subscriber for the given types, or all types if none given
func (b *Bus) Subscribe(types ...Type) *Subscription {
	filter := make(map[Type]bool, len(types))
	for _, t := range types {
		filter[t] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		bus:    b,
		ch:     make(chan Event, b.buffer),
		filter: filter,
	}
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers ev to every interested subscriber without blocking
func (b *Bus) Publish(ev Event) {
	b.total.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(ev.Type) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			logging.Warn("event bus: subscriber channel full, dropping",
				"event", string(ev.Type),
				"subscriber", sub.id)
		}
	}
}

// Subscribers returns the current subscriber count
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Stats returns the number of published and dropped deliveries
func (b *Bus) Stats() (published, dropped uint64) {
	return b.total.Load(), b.dropped.Load()
}

// Consume runs fn for every event on sub until ctx is done, then unsubscribes.
// The returned channel is closed when the consumer goroutine exits.
func Consume(ctx context.Context, name string, sub *Subscription, fn func(Event)) <-chan struct{} {
	return util.GoWithDone(name, func() {
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.C():
				if !ok {
					return
				}
				fn(ev)
			}
		}
	})
}
