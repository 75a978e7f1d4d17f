// Package eventbus carries lifecycle events (checks, sends, scheduler runs)
// to in-process observers such as metrics and the event log.
package eventbus

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBuffer = 16

// Event is one lifecycle signal. Type is dotted, e.g. "watch.check".
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Domain is the Type prefix before the first dot.
func (e Event) Domain() string {
	domain, _, _ := strings.Cut(e.Type, ".")
	return domain
}

// Bus delivers every published event to every current subscriber.
// Publish never waits: a subscriber with a full buffer misses the event
// and the miss is counted in Dropped.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

func New() Bus { return &bus{} }

type subscriber struct {
	ch chan Event
}

type bus struct {
	mu      sync.RWMutex
	subs    []*subscriber
	dropped atomic.Uint64
}

func (b *bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			// Closing under the write lock keeps Publish off the channel.
			b.mu.Lock()
			b.subs = slices.DeleteFunc(b.subs, func(x *subscriber) bool { return x == s })
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *bus) Dropped() uint64 { return b.dropped.Load() }
