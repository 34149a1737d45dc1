// Package events fans batched engine updates out to presentation subscribers.
package events

import (
	"sync"
	"time"
)

// Kind says what produced an Update.
type Kind string

const (
	KindCycle       Kind = "cycle"
	KindAdded       Kind = "added"
	KindCancelled   Kind = "cancelled"
	KindRetried     Kind = "retried"
	KindCleared     Kind = "cleared"
	KindPostProcess Kind = "post_process"
	KindMode        Kind = "mode"
)

// Update is one batched notification. Subscribers re-read the engine
// snapshot for item details; ItemIDs only names what changed.
type Update struct {
	Kind     Kind      `json:"kind"`
	Active   int       `json:"active"`
	Finished int       `json:"finished"`
	Mode     string    `json:"mode,omitempty"`
	ItemIDs  []string  `json:"item_ids,omitempty"`
	At       time.Time `json:"at"`
}

const defaultBuffer = 32

// Bus delivers updates to any number of subscribers. Publish never blocks;
// a subscriber that falls behind loses updates rather than stalling the
// engine.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Update
	nextID int
	buffer int
	closed bool
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Bus{subs: make(map[int]chan Update), buffer: buffer}
}

// Subscribe returns a channel of updates and a function that ends the
// subscription and closes the channel.
func (b *Bus) Subscribe() (<-chan Update, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Update, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish sends u to every subscriber whose buffer has room.
func (b *Bus) Publish(u Update) {
	if u.At.IsZero() {
		u.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
