// Package events provides the invalidation bus: a payload-less signal that
// tells readers (UI views, the dashboard) to re-query the Local Store.
//
// Signals coalesce. A subscriber that has not yet consumed the previous
// signal does not receive a second one, and Notify never blocks.
package events

import "sync"

// Bus fans an invalidation signal out to every subscriber.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan struct{}
	next int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan struct{})}
}

// Subscribe returns a channel that receives a value after every Notify,
// coalesced, and a function that unsubscribes and closes the channel.
func (b *Bus) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Notify signals every subscriber without blocking.
func (b *Bus) Notify() {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
