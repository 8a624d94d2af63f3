// Package bus provides the in-process publish/subscribe fabric between the
// core services and the UI-facing transports. Every payload is a typed event
// from events.go; subscribers receive envelopes on buffered channels and are
// never allowed to block a publisher.
package bus

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Envelope wraps a published event with its routing metadata.
type Envelope struct {
	Topic string    `json:"topic"`
	Name  string    `json:"type"`
	At    time.Time `json:"timestamp"`
	Data  Event     `json:"data"`
}

// Subscription is a live attachment to the bus. Close detaches it; the
// channel is closed afterwards.
type Subscription struct {
	C     <-chan Envelope
	close func()
	once  sync.Once
}

// Close detaches the subscription from the bus and closes C.
func (s *Subscription) Close() {
	s.once.Do(s.close)
}

type subscriber struct {
	topics map[string]struct{} // empty means all topics
	ch     chan Envelope
}

// Stats captures bus counters for the stats surface.
type Stats struct {
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
	Subscribers int   `json:"subscribers"`
}

// Bus fans published events out to all matching subscribers. Publishing is
// non-blocking: a subscriber whose buffer is full loses the event and the
// drop is counted.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	logger *logrus.Entry

	published int64
	dropped   int64
}

// New creates an event bus.
func New(logger *logrus.Logger) *Bus {
	if logger == nil {
		logger = logrus.New()
	}
	return &Bus{
		subs:   make(map[uint64]*subscriber),
		logger: logger.WithField("component", "bus"),
	}
}

// Subscribe attaches a new subscriber. With no topics it receives every
// event; otherwise only envelopes published to one of the given topics.
// buffer bounds how far the subscriber may lag before events are dropped.
func (b *Bus) Subscribe(buffer int, topics ...string) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{
		topics: make(map[string]struct{}, len(topics)),
		ch:     make(chan Envelope, buffer),
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	return &Subscription{
		C: sub.ch,
		close: func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
			b.mu.Unlock()
		},
	}
}

// Publish delivers the event to every subscriber of the topic. It never
// blocks; slow subscribers lose events.
func (b *Bus) Publish(topic string, event Event) {
	env := Envelope{
		Topic: topic,
		Name:  event.EventName(),
		At:    time.Now(),
		Data:  event,
	}

	b.mu.Lock()
	b.published++
	for _, sub := range b.subs {
		if len(sub.topics) > 0 {
			if _, ok := sub.topics[topic]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- env:
		default:
			b.dropped++
		}
	}
	dropped := b.dropped
	b.mu.Unlock()

	if dropped > 0 && dropped%100 == 0 {
		b.logger.WithFields(logrus.Fields{
			"dropped": dropped,
			"event":   env.Name,
		}).Warn("Subscribers lagging, events dropped")
	}
}

// Stats returns current bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		Published:   b.published,
		Dropped:     b.dropped,
		Subscribers: len(b.subs),
	}
}
