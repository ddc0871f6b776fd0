package bus

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Ingest topics. Published by internal/ingest as events and chain-of-thought
// entries are accepted, and consumed independently by internal/broadcast so a
// slow SSE subscriber never backpressures ingestion.
const (
	TopicObserverEvent = "observer.event"
	TopicObserverCoT   = "observer.cot"
)

// ObserverEventMessage wraps an ingested event for bus delivery. Payload is
// left as interface{} at the ingest.Event level to avoid an import cycle
// between bus and ingest; subscribers type-assert to *ingest.Event.
type ObserverEventMessage struct {
	TaskID string
	Seq    uint64
	Event  interface{}
}

// ObserverCoTMessage wraps an ingested chain-of-thought entry for bus delivery.
type ObserverCoTMessage struct {
	TaskID string
	Seq    uint64
	Entry  interface{}
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// DropObserver is notified whenever Publish drops a message because a
// subscriber's delivery channel is full. topicDropped/totalDropped are the
// post-increment counts for that topic and across all topics. Observer Core
// wires this to the observer.backpressure.drops instrument (cmd/observer's
// main) so a slow broadcaster fan-out shows up next to Ingest's own
// severity-based admission drops (internal/ingest.Store.RecordEvent) rather
// than only in the bus's own unexported counters — a drop here is a second,
// independent failure mode: the record already passed Ingest's admission
// control and is only failing in-process delivery to the SSE broadcaster.
type DropObserver func(topic string, topicDropped, totalDropped int64)

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
// Observer Core runs exactly one long-lived subscriber per process (the
// broadcast.Broadcaster, subscribed to TopicObserverEvent); prefix matching
// exists so tests and any future subscriber can scope to a topic family
// without the bus needing to know about them.
type Bus struct {
	mu              sync.RWMutex
	subs            map[int]*Subscription
	nextID          int
	logger          *slog.Logger
	onDrop          DropObserver
	droppedEvents   atomic.Int64
	lastDropWarning atomic.Int64 // last threshold at which a warning was logged

	topicMu        sync.Mutex
	droppedByTopic map[string]*atomic.Int64
}

// New creates a new Bus.
func New() *Bus {
	return NewWithLogger(nil)
}

// NewWithLogger creates a new Bus with an optional logger for observability.
func NewWithLogger(logger *slog.Logger) *Bus {
	return &Bus{
		subs:           make(map[int]*Subscription),
		logger:         logger,
		droppedByTopic: make(map[string]*atomic.Int64),
	}
}

// OnDrop registers fn to be called on every dropped publish. Only one
// observer is supported; a later call replaces the prior one.
func (b *Bus) OnDrop(fn DropObserver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrop = fn
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss events
// (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is dropped.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	onDrop := b.onDrop
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			// Non-blocking send.
			select {
			case sub.ch <- event:
			default:
				// Buffer full - increment counters instead of logging per-drop (avoid I/O spike).
				newCount := b.droppedEvents.Add(1)
				topicCount := b.incrementTopicDrop(topic)
				b.maybeLogDropWarning(newCount, topic)
				if onDrop != nil {
					onDrop(topic, topicCount, newCount)
				}
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// DroppedEventCount returns the total number of events dropped due to full buffers.
func (b *Bus) DroppedEventCount() int64 {
	return b.droppedEvents.Load()
}

// DroppedEventCountForTopic returns the number of events dropped for a
// single topic, so operators can tell an overloaded event stream apart from
// an overloaded CoT stream rather than reading one combined counter.
func (b *Bus) DroppedEventCountForTopic(topic string) int64 {
	b.topicMu.Lock()
	counter, ok := b.droppedByTopic[topic]
	b.topicMu.Unlock()
	if !ok {
		return 0
	}
	return counter.Load()
}

func (b *Bus) incrementTopicDrop(topic string) int64 {
	b.topicMu.Lock()
	counter, ok := b.droppedByTopic[topic]
	if !ok {
		counter = &atomic.Int64{}
		b.droppedByTopic[topic] = counter
	}
	b.topicMu.Unlock()
	return counter.Add(1)
}

// dropThreshold returns the next exponential threshold (1, 10, 100, 1000, ...) at or below count.
func dropThreshold(count int64) int64 {
	threshold := int64(1)
	for threshold*10 <= count {
		threshold *= 10
	}
	return threshold
}

// maybeLogDropWarning logs a warning when dropped event count crosses an exponential threshold.
// Uses CompareAndSwap to avoid duplicate logs from concurrent publishers.
func (b *Bus) maybeLogDropWarning(newCount int64, topic string) {
	if b.logger == nil {
		return
	}
	threshold := dropThreshold(newCount)
	if newCount < threshold {
		return
	}
	// Only log when we exactly hit a threshold boundary.
	if newCount != threshold {
		return
	}
	lastWarned := b.lastDropWarning.Load()
	if threshold <= lastWarned {
		return
	}
	if b.lastDropWarning.CompareAndSwap(lastWarned, threshold) {
		b.logger.Warn("bus_dropped_events_reached_threshold",
			slog.Int64("count", newCount),
			slog.String("topic", topic),
		)
	}
}
