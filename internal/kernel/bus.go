package kernel

import (
	"sync"
	"sync/atomic"
)

// subscription is a single subscriber's buffered channel plus its lag counter.
type subscription struct {
	ch     chan KernelEvent
	lagged atomic.Uint64
}

// Bus is a bounded, lossy-on-lag broadcast channel. Publish never blocks:
// a subscriber that falls behind has its oldest pending event dropped in
// the new event's favor rather than stalling the publisher, and every
// drop is counted so Lagged(n) is observable.
type Bus struct {
	mu       sync.RWMutex
	subs     map[int64]*subscription
	nextID   int64
	capacity int
}

// NewBus creates a bus whose per-subscriber channel holds at most capacity
// pending events before it starts dropping the oldest pending event.
// A capacity below 2 selects the default of 64 and one above 1<<20 is
// clamped to 1<<20; the capacity is fixed for the bus's lifetime —
// resizing means constructing a new bus and cutting over.
func NewBus(capacity int) *Bus {
	if capacity < 2 {
		capacity = 64
	}
	if capacity > 1<<20 {
		capacity = 1 << 20
	}
	return &Bus{
		subs:     make(map[int64]*subscription),
		capacity: capacity,
	}
}

// Subscription is a handle returned by Subscribe.
type Subscription struct {
	id     int64
	bus    *Bus
	Events <-chan KernelEvent
}

// Subscribe registers a new subscriber and returns its event channel.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscription{ch: make(chan KernelEvent, b.capacity)}
	b.subs[id] = sub

	return &Subscription{id: id, bus: b, Events: sub.ch}
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if sub, ok := s.bus.subs[s.id]; ok {
		delete(s.bus.subs, s.id)
		close(sub.ch)
	}
}

// Lagged reports how many events have been dropped for this subscriber
// because it was not draining its channel fast enough.
func (s *Subscription) Lagged() uint64 {
	s.bus.mu.RLock()
	defer s.bus.mu.RUnlock()
	if sub, ok := s.bus.subs[s.id]; ok {
		return sub.lagged.Load()
	}
	return 0
}

// Publish fans an event out to every current subscriber and returns how
// many subscribers it was delivered to. It never blocks: a full
// subscriber channel has its oldest pending event evicted to make room,
// and the eviction is counted against that subscriber's Lagged() total.
// Publishing with zero subscribers is not an error — it returns 0 and
// bumps the no-receivers counter.
func (b *Bus) Publish(evt KernelEvent) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.subs) == 0 {
		GlobalMetrics().BusNoReceivers.Inc()
		return 0
	}

	for _, sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			// Channel full: drop the oldest pending event, then retry once.
			select {
			case <-sub.ch:
				sub.lagged.Add(1)
				GlobalMetrics().BusDropped.WithLabelValues("kernel").Inc()
			default:
			}
			select {
			case sub.ch <- evt:
			default:
				sub.lagged.Add(1)
				GlobalMetrics().BusDropped.WithLabelValues("kernel").Inc()
			}
		}
	}
	return len(b.subs)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
