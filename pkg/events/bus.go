// Package events is an in-memory fan-out of daemon activity: incoming
// mentions, dispatch results and errors. The HTTP API reads the recent ring.
package events

import (
	"sync"
	"time"
)

// Event types.
const (
	TypeMention  = "mention"  // a message addressed the bot
	TypeReply    = "reply"    // a reply was produced
	TypeFallback = "fallback" // the reply came from the fallback provider
	TypeStatus   = "status"   // lifecycle info
	TypeError    = "error"    // dispatch or send failure
)

// Event is a single published event.
type Event struct {
	Type     string `json:"type"`
	Source   string `json:"source,omitempty"`
	RoomID   string `json:"room_id,omitempty"`
	Provider string `json:"provider,omitempty"`
	Message  string `json:"message,omitempty"`
	TS       string `json:"ts"`
}

type subscriber struct {
	ch chan Event
}

// Bus fans out events to subscribers and keeps a ring of recent events.
// Subscribers that fall behind miss events rather than block publishers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}

	recentMu  sync.RWMutex
	recent    []Event
	maxRecent int
}

// NewBus creates a bus keeping the last maxRecent events (200 if <= 0).
func NewBus(maxRecent int) *Bus {
	if maxRecent <= 0 {
		maxRecent = 200
	}
	return &Bus{
		subscribers: make(map[*subscriber]struct{}),
		maxRecent:   maxRecent,
	}
}

// Publish records e and delivers it to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if e.TS == "" {
		e.TS = time.Now().UTC().Format(time.RFC3339)
	}

	b.recentMu.Lock()
	b.recent = append(b.recent, e)
	if len(b.recent) > b.maxRecent {
		b.recent = b.recent[len(b.recent)-b.maxRecent:]
	}
	b.recentMu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub.ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel of events and a func that unsubscribes and
// closes it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, 64)}

	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, sub)
			close(sub.ch)
			b.mu.Unlock()
		})
	}
}

// Recent returns up to n of the newest events, oldest first. n <= 0 returns all.
func (b *Bus) Recent(n int) []Event {
	b.recentMu.RLock()
	defer b.recentMu.RUnlock()

	if n <= 0 || n > len(b.recent) {
		n = len(b.recent)
	}
	result := make([]Event, n)
	copy(result, b.recent[len(b.recent)-n:])
	return result
}

// SubscriberCount returns the number of connected subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
