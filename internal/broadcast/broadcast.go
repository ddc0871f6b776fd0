// Package broadcast implements the Broadcaster (SSE) component from
// spec.md §4.4: a bounded subscriber set with oldest-eviction, per-client
// filter predicates, periodic heartbeats, and non-blocking per-client writes
// with eviction on error. It generalizes the teacher's bus.Bus (non-blocking,
// buffered, drop-on-full) composed with the teacher's gateway SSE handler
// pattern (internal/gateway/stream.go) into a standalone component that owns
// its own bus subscription, so a slow subscriber never back-pressures
// internal/ingest.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/observer-core/internal/bus"
	"github.com/basket/observer-core/internal/ingest"
)

const subscriberQueueSize = 64

var pingFrame = []byte("event: ping\ndata: {}\n\n")
var closeFrame = []byte("event: close\ndata: {}\n\n")

// Filters is a subscriber's admission-time predicate, conjunctive across
// fields; an empty field matches everything (spec.md §4.4).
type Filters struct {
	TaskID   string
	Type     string
	Severity string
}

func (f Filters) matches(e ingest.Event) bool {
	if f.TaskID != "" && e.TaskID != f.TaskID {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Severity != "" && string(e.Severity) != f.Severity {
		return false
	}
	return true
}

// Subscriber is a connected streaming consumer (spec.md §3). Out delivers
// preformatted SSE frames; the HTTP handler owning the connection is
// responsible for writing them to the wire and flushing.
type Subscriber struct {
	id          string
	out         chan []byte
	filters     Filters
	verbose     bool
	connectedAt time.Time

	// ioMu serializes every send/close against this subscriber's channel.
	// The broadcaster's map mutex only protects subs/order membership; a
	// subscriber can be targeted by a stale snapshot (deliver/heartbeat)
	// at the same moment a concurrent admission evicts it, so closing the
	// channel must be independently idempotent per-subscriber to avoid a
	// close-of-closed-channel panic.
	ioMu   sync.Mutex
	closed bool
}

// ID returns the subscriber's UUID.
func (s *Subscriber) ID() string { return s.id }

// Out returns the channel of SSE frames to write to the client. The channel
// is closed when the subscriber is evicted, errors, or the broadcaster shuts
// down; callers should stop writing once it closes.
func (s *Subscriber) Out() <-chan []byte { return s.out }

// trySend attempts a non-blocking enqueue, reporting false if the
// subscriber is already closed or its queue is full.
func (s *Subscriber) trySend(frame []byte) bool {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.out <- frame:
		return true
	default:
		return false
	}
}

// closeWith best-effort enqueues a final frame (if non-nil) then closes the
// channel. Safe to call more than once for the same subscriber.
func (s *Subscriber) closeWith(frame []byte) {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	if s.closed {
		return
	}
	if frame != nil {
		select {
		case s.out <- frame:
		default:
		}
	}
	close(s.out)
	s.closed = true
}

// Broadcaster owns the subscriber set and the bus subscription feeding it.
type Broadcaster struct {
	mu         sync.Mutex
	maxClients int
	subs       map[string]*Subscriber
	order      []string

	logger *slog.Logger
	bus    *bus.Bus
	sub    *bus.Subscription

	heartbeatInterval time.Duration
	done              chan struct{}
	closeOnce         sync.Once
	wg                sync.WaitGroup
}

// New creates a Broadcaster subscribed to the event topic and starts its
// heartbeat/fan-out goroutine. Close must be called on shutdown.
func New(b *bus.Bus, maxClients int, heartbeatInterval time.Duration, logger *slog.Logger) *Broadcaster {
	if maxClients <= 0 {
		maxClients = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	br := &Broadcaster{
		maxClients:        maxClients,
		subs:              make(map[string]*Subscriber),
		logger:            logger,
		bus:               b,
		sub:               b.Subscribe(bus.TopicObserverEvent),
		heartbeatInterval: heartbeatInterval,
		done:              make(chan struct{}),
	}
	br.wg.Add(1)
	go br.run()
	return br
}

func (br *Broadcaster) run() {
	defer br.wg.Done()
	var ticker *time.Ticker
	var tickCh <-chan time.Time
	if br.heartbeatInterval > 0 {
		ticker = time.NewTicker(br.heartbeatInterval)
		tickCh = ticker.C
		defer ticker.Stop()
	}

	for {
		select {
		case <-br.done:
			return
		case ev, ok := <-br.sub.Ch():
			if !ok {
				return
			}
			msg, ok := ev.Payload.(bus.ObserverEventMessage)
			if !ok {
				continue
			}
			event, ok := msg.Event.(ingest.Event)
			if !ok {
				continue
			}
			br.deliver(event)
		case <-tickCh:
			br.heartbeat()
		}
	}
}

// Subscribe admits a new subscriber, evicting the oldest first if the
// subscriber set is already at capacity (spec.md §4.4 admission / invariant 5).
func (br *Broadcaster) Subscribe(filters Filters, verbose bool) *Subscriber {
	sub := &Subscriber{
		id:          uuid.NewString(),
		out:         make(chan []byte, subscriberQueueSize),
		filters:     filters,
		verbose:     verbose,
		connectedAt: time.Now().UTC(),
	}

	br.mu.Lock()
	if len(br.order) >= br.maxClients {
		br.evictOldestLocked()
	}
	br.subs[sub.id] = sub
	br.order = append(br.order, sub.id)
	br.mu.Unlock()

	return sub
}

// Unsubscribe removes a subscriber (client disconnect) without sending a
// close frame — the connection is already gone.
func (br *Broadcaster) Unsubscribe(id string) {
	br.mu.Lock()
	sub, ok := br.subs[id]
	br.removeLocked(id)
	br.mu.Unlock()
	if ok {
		sub.closeWith(nil)
	}
}

// SubscriberCount returns the current number of admitted subscribers.
func (br *Broadcaster) SubscriberCount() int {
	br.mu.Lock()
	defer br.mu.Unlock()
	return len(br.subs)
}

func (br *Broadcaster) evictOldestLocked() {
	if len(br.order) == 0 {
		return
	}
	oldest := br.order[0]
	if sub, ok := br.subs[oldest]; ok {
		sub.closeWith(closeFrame)
	}
	br.removeLocked(oldest)
}

func (br *Broadcaster) removeLocked(id string) {
	if _, ok := br.subs[id]; !ok {
		return
	}
	delete(br.subs, id)
	for i, sid := range br.order {
		if sid == id {
			br.order = append(br.order[:i], br.order[i+1:]...)
			break
		}
	}
}

func (br *Broadcaster) deliver(e ingest.Event) {
	br.mu.Lock()
	targets := make([]*Subscriber, 0, len(br.subs))
	for _, sub := range br.subs {
		if sub.filters.matches(e) {
			targets = append(targets, sub)
		}
	}
	br.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	var verboseFrame, minifiedFrame []byte
	for _, sub := range targets {
		var frame []byte
		if sub.verbose {
			if verboseFrame == nil {
				verboseFrame = buildEventFrame(e)
			}
			frame = verboseFrame
		} else {
			if minifiedFrame == nil {
				minifiedFrame = buildEventFrame(e.Minified())
			}
			frame = minifiedFrame
		}
		br.sendOrEvict(sub, frame)
	}
}

func (br *Broadcaster) heartbeat() {
	br.mu.Lock()
	targets := make([]*Subscriber, 0, len(br.subs))
	for _, sub := range br.subs {
		targets = append(targets, sub)
	}
	br.mu.Unlock()

	for _, sub := range targets {
		br.sendOrEvict(sub, pingFrame)
	}
}

// sendOrEvict writes frame to sub's outbound queue; a full queue is treated
// as write failure (spec.md §4.4: "any write error triggers immediate
// eviction of that subscriber") and the subscriber is dropped.
func (br *Broadcaster) sendOrEvict(sub *Subscriber, frame []byte) {
	if sub.trySend(frame) {
		return
	}
	sub.closeWith(nil)
	br.mu.Lock()
	br.removeLocked(sub.id)
	br.mu.Unlock()
	br.logger.Debug("broadcast evicted slow subscriber", "subscriberId", sub.id)
}

func buildEventFrame(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte("{}")
	}
	frame := append([]byte("event: event\ndata: "), data...)
	frame = append(frame, '\n', '\n')
	return frame
}

// Close stops the heartbeat loop, sends a close frame to every subscriber,
// and tears down all state (spec.md §4.4 shutdown).
func (br *Broadcaster) Close() {
	br.closeOnce.Do(func() {
		close(br.done)
		br.wg.Wait()
		br.bus.Unsubscribe(br.sub)

		br.mu.Lock()
		defer br.mu.Unlock()
		for _, sub := range br.subs {
			sub.closeWith(closeFrame)
		}
		br.subs = make(map[string]*Subscriber)
		br.order = nil
	})
}
