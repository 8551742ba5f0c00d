package broadcast

import (
	"sync"

	"github.com/example/assist-dispatch/internal/models"
	"github.com/example/assist-dispatch/internal/observability"
)

// Topic names for the two topic families.
func RequestTopic(requestID string) string { return "request:" + requestID }
func WorkerTopic(workerID string) string   { return "worker:" + workerID }

// Broadcaster fans events out to every subscriber of a topic. Delivery
// is best-effort, at most once per subscriber: each subscriber owns a
// bounded queue and a publisher that finds it full evicts the oldest
// event rather than block.
type Broadcaster struct {
	mu        sync.RWMutex
	topics    map[string]map[*Subscription]struct{}
	queueSize int
}

type Subscription struct {
	ch    chan models.TrackingEvent
	topic string
	b     *Broadcaster

	mu     sync.Mutex
	closed bool
}

func New(queueSize int) *Broadcaster {
	if queueSize <= 0 {
		queueSize = 16
	}
	return &Broadcaster{
		topics:    make(map[string]map[*Subscription]struct{}),
		queueSize: queueSize,
	}
}

func (b *Broadcaster) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		ch:    make(chan models.TrackingEvent, b.queueSize),
		topic: topic,
		b:     b,
	}
	b.mu.Lock()
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*Subscription]struct{})
	}
	b.topics[topic][sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Events is the subscriber's receive stream. It is closed when the
// subscription is closed.
func (s *Subscription) Events() <-chan models.TrackingEvent { return s.ch }

// Close detaches the subscription; pending events are discarded.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	b := s.b
	b.mu.Lock()
	if subs, ok := b.topics[s.topic]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(b.topics, s.topic)
		}
	}
	b.mu.Unlock()
}

// deliver enqueues ev without blocking; on a full queue the oldest
// event is evicted.
func (s *Subscription) deliver(ev models.TrackingEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
		return
	default:
	}
	select {
	case <-s.ch:
		observability.BroadcastDrops.Inc()
	default:
	}
	select {
	case s.ch <- ev:
	default:
	}
}

// Publish delivers ev to every current subscriber of topic without ever
// blocking on a slow one.
func (b *Broadcaster) Publish(topic string, ev models.TrackingEvent) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.topics[topic]))
	for sub := range b.topics[topic] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.deliver(ev)
	}
}

// SubscriberCount reports how many subscribers a topic currently has.
func (b *Broadcaster) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}
