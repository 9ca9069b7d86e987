package daemon

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sigreer/diskd/internal/device"
)

// EventKind says what happened to a device
type EventKind string

const (
	EventAdded   EventKind = "added"
	EventRemoved EventKind = "removed"
	EventChanged EventKind = "changed"
)

// Event is one change notification
type Event struct {
	Kind     EventKind
	Handle   string
	Identity string
	Time     time.Time
}

// Subscription receives events on C until it or the bus is closed
type Subscription struct {
	C <-chan Event

	ch      chan Event
	handle  string
	bus     *Bus
	dropped atomic.Uint64
}

// Close stops delivery and closes C
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// Dropped counts events not delivered because C was full
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Bus fans events out to subscribers. Delivery never blocks the publisher;
// a subscriber whose buffer is full misses the event.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe returns a subscription for one handle, or for all devices when
// handle is empty.
func (b *Bus) Subscribe(handle string, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	s := &Subscription{C: ch, ch: ch, handle: handle, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish delivers ev to the aggregate subscribers and to those of ev.Handle.
// It returns the number of subscribers that received it.
func (b *Bus) Publish(ev Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for s := range b.subs {
		if s.handle != "" && s.handle != ev.Handle {
			continue
		}
		select {
		case s.ch <- ev:
			n++
		default:
			s.dropped.Add(1)
		}
	}
	return n
}

// Close closes every subscription. Later subscriptions start closed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		close(s.ch)
	}
	clear(b.subs)
	b.closed = true
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	close(s.ch)
}

// emit publishes a notification for dev. Callers must have committed the
// mutation first.
func (d *Daemon) emit(kind EventKind, dev *device.Device) {
	ev := Event{Kind: kind, Handle: dev.Handle(), Identity: dev.Identity(), Time: time.Now()}
	d.metrics.events.WithLabelValues(string(kind)).Inc()
	n := d.bus.Publish(ev)
	d.log.V(2).Info("Event", "kind", kind, "handle", ev.Handle, "subscribers", n)
}
