package events

import (
	"sync"
	"sync/atomic"
	"time"
)

type subscriber struct {
	ch     chan Message
	topics map[Event]struct{}
}

// Bus is a lightweight pub/sub broker using channels. Publish never blocks:
// a full subscriber loses the message and the drop is counted.
type Bus struct {
	mu      sync.RWMutex
	subs    []*subscriber
	dropped atomic.Uint64
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers one listener for the given events. The channel is
// closed by the returned unsubscribe function.
func (b *Bus) Subscribe(topics []Event, buffer int) (<-chan Message, func()) {
	s := &subscriber{
		ch:     make(chan Message, buffer),
		topics: make(map[Event]struct{}, len(topics)),
	}
	for _, t := range topics {
		s.topics[t] = struct{}{}
	}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, have := range b.subs {
				if have == s {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
			close(s.ch)
		})
	}
	return s.ch, unsub
}

// Publish fans the payload out to every subscriber of e.
func (b *Bus) Publish(e Event, payload any) {
	msg := Message{Event: e, Payload: payload, At: time.Now()}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if _, ok := s.topics[e]; !ok {
			continue
		}
		select {
		case s.ch <- msg:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped counts messages lost to slow subscribers.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }
