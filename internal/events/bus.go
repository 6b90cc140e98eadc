// Package events fans control point notifications out to subscribers.
package events

import (
	"sync"

	"github.com/mikey-austin/mucp/pkg/cp"
)

// Bus delivers events to every subscriber. A subscriber whose buffer is full
// misses the event; callers treat events as hints to re-query.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan cp.Event
}

func NewBus() *Bus {
	return &Bus{subs: map[int]chan cp.Event{}}
}

// Subscribe returns a channel of events and a cancel func that closes it.
func (b *Bus) Subscribe(buffer int) (<-chan cp.Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan cp.Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
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

func (b *Bus) Publish(evt cp.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
