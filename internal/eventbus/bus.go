// Package eventbus is an in-memory, non-blocking fanout used to feed
// delivery outcomes to the spreadsheet log, metrics and notifications
// without coupling them to the senders.
//
// Publish never blocks: a subscriber whose buffer is full misses events.
package eventbus

import (
	"sync"
	"time"
)

type Event struct {
	Topic Topic
	Time  time.Time
	Data  any
}

type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  uint64
}

func New() *Bus {
	return &Bus{subs: map[uint64]chan Event{}}
}

// Publish is safe on a nil bus, which drops everything.
func (b *Bus) Publish(topic Topic, data any) {
	if b == nil {
		return
	}
	e := Event{Topic: topic, Time: time.Now(), Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a buffered channel and a function that closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Holding the write lock excludes in-flight Publish calls, so the
			// close can never race a send.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}
