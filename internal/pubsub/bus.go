package pubsub

import "sync"

// Event is a broadcast notification. Key names the storage key or subject
// the event is about; subscribers re-read state themselves, events carry no
// payload.
type Event struct {
	Topic string
	Key   string
}

const subscriberBuffer = 16

// Bus is an in-process broadcast channel. It stands in for the browser's
// cross-tab storage events and in-page custom events: publishers never
// block, and a subscriber that stops draining loses events rather than
// stalling the rest of the process.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[int]chan Event
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int]chan Event)}
}

// Publish delivers the event to all current subscribers of the topic.
// Delivery is best-effort: a full subscriber buffer drops the event.
func (b *Bus) Publish(topic, key string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[topic] {
		select {
		case ch <- Event{Topic: topic, Key: key}:
		default:
		}
	}
}

// Subscribe registers for a topic. The returned cancel func unregisters and
// closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe(topic string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]chan Event)
	}
	id := b.next
	b.next++

	ch := make(chan Event, subscriberBuffer)
	b.subs[topic][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[topic], id)
			close(ch)
		})
	}
	return ch, cancel
}
