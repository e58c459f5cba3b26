package broadcast

import (
	"log"
	"sync"
)

const defaultBuffer = 64

// Bus is a best-effort, publish-only fan-out.
//
// Late subscribers receive only events published after they attach; there is
// no replay. A subscriber whose buffer is full loses events rather than
// blocking the publisher, so a slow observer can never stall tick production.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*Subscription
}

// Subscription is one observer's event feed.
type Subscription struct {
	id      uint64
	ch      chan Event
	dropped uint64
}

// Events is the subscriber's receive channel. It is closed on Unsubscribe.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Subscribe attaches a new observer with the default buffer.
func (b *Bus) Subscribe() *Subscription {
	return b.SubscribeBuffer(defaultBuffer)
}

// SubscribeBuffer attaches a new observer with an explicit buffer size.
func (b *Bus) SubscribeBuffer(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, ch: make(chan Event, buffer)}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe detaches the observer and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			sub.dropped++
			if sub.dropped == 1 || sub.dropped%100 == 0 {
				log.Printf("broadcast: subscriber %d dropped %d events", sub.id, sub.dropped)
			}
		}
	}
}

// SubscriberCount reports the number of attached observers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
