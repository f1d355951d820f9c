package reader

import (
	"log/slog"
	"sync"
)

// EventType discriminates Event.
type EventType uint8

const (
	// EventCard: a card was inserted and connected (and processed when
	// auto-processing is on). Event.Card holds a snapshot.
	EventCard EventType = iota

	// EventCardOff: the card left the field. Event.Card holds the last
	// snapshot taken before it was cleared.
	EventCardOff

	// EventError: a failure outside any caller operation (connect on insert,
	// tag processing, transport errors...). Event.Err is a *Error.
	EventError

	// EventEnd: the reader went away. No further events follow.
	EventEnd
)

func (t EventType) String() string {
	switch t {
	case EventCard:
		return "card"
	case EventCardOff:
		return "card.off"
	case EventError:
		return "error"
	case EventEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Event is one notification published by a Session.
type Event struct {
	Type EventType
	Card *Card
	Err  error
}

type subscriber struct {
	mask uint32
	ch   chan Event
}

// bus is a small publish/subscribe dispatcher. Delivery is ordered per
// subscriber and never blocks the publisher: a full subscriber misses the
// event.
type bus struct {
	mu     sync.RWMutex
	subs   []subscriber
	closed bool
	log    *slog.Logger
}

func newBus(log *slog.Logger) *bus {
	return &bus{log: log}
}

// subscribe registers a channel receiving events of the given types, or of
// every type when none is given.
func (b *bus) subscribe(buffer int, types ...EventType) <-chan Event {
	if buffer < 0 {
		buffer = 0
	}

	var mask uint32
	for _, t := range types {
		mask |= 1 << t
	}
	if len(types) == 0 {
		mask = ^uint32(0)
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, subscriber{mask: mask, ch: ch})
	return ch
}

func (b *bus) unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.ch == ch {
			close(s.ch)
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// publish holds the read lock while sending so that close cannot race a send
// on the same channel.
func (b *bus) publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, s := range b.subs {
		if s.mask&(1<<e.Type) == 0 {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.log.Warn("dropped event, subscriber full", "event", e.Type.String())
		}
	}
}

func (b *bus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
}
