// ABOUTME: Topic-partitioned publish/subscribe bus for domain events
// ABOUTME: Publish delivers synchronously so one publish's effects land before the next begins

package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrBusClosed is returned when publishing on a closed bus.
var ErrBusClosed = errors.New("event bus closed")

// DefaultHistorySize is the number of events kept for diagnostics.
const DefaultHistorySize = 256

// Event is the immutable envelope delivered to subscribers.
type Event struct {
	ID        string
	Topic     Topic
	Kind      string
	Payload   Payload
	Timestamp time.Time
}

// Handler processes one event. Handlers run on the publisher's goroutine and
// must not block waiting for another publish.
type Handler func(ctx context.Context, ev Event)

// Subscription identifies a registered handler.
type Subscription struct {
	ID    string
	Topic Topic
	Name  string
}

type subscriber struct {
	sub     Subscription
	handler Handler
}

// dispatch marks a context as being inside a delivery on a particular bus.
type dispatch struct {
	bus    *Bus
	active bool // guarded by bus.pendingMu
}

type dispatchKey struct{}

// Config holds bus options.
type Config struct {
	HistorySize int
}

// Bus is a topic-partitioned event exchange. Publishes are serialised: every
// subscriber of one event finishes before the next event is delivered.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]*subscriber
	closed bool

	// publishMu serialises deliveries across publishers.
	publishMu sync.Mutex

	// pending holds events published re-entrantly from inside a handler.
	pendingMu sync.Mutex
	pending   []Event

	histMu  sync.Mutex
	history []Event
	histPos int
	histLen int

	logger *slog.Logger
}

// New creates a bus. Pass nil logger for default.
func New(cfg Config, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.HistorySize
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &Bus{
		subs:    make(map[Topic][]*subscriber),
		history: make([]Event, size),
		logger:  logger.With("component", "bus"),
	}
}

// Subscribe registers handler for topic. Handlers of a topic run in
// subscription order.
func (b *Bus) Subscribe(topic Topic, name string, handler Handler) Subscription {
	sub := Subscription{ID: uuid.NewString(), Topic: topic, Name: name}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], &subscriber{sub: sub, handler: handler})
	count := len(b.subs[topic])
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"topic", topic,
		"name", name,
		"sub_id", sub.ID,
		"topic_subscribers", count)
	return sub
}

// Unsubscribe removes a subscription. Unknown subscriptions are ignored.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[sub.Topic]
	for i, s := range subs {
		if s.sub.ID != sub.ID {
			continue
		}
		next := make([]*subscriber, 0, len(subs)-1)
		next = append(next, subs[:i]...)
		next = append(next, subs[i+1:]...)
		if len(next) == 0 {
			delete(b.subs, sub.Topic)
		} else {
			b.subs[sub.Topic] = next
		}
		b.logger.Debug("subscriber removed", "topic", sub.Topic, "name", sub.Name, "sub_id", sub.ID)
		return
	}
}

// Publish records the event in history and delivers it to every subscriber
// of its topic, returning once all of them have run. A publish made from
// inside a handler is delivered after the current event, before the
// outermost Publish returns.
func (b *Bus) Publish(ctx context.Context, payload Payload) (Event, error) {
	if payload == nil {
		return Event{}, fmt.Errorf("publish: nil payload")
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return Event{}, ErrBusClosed
	}

	ev := Event{
		ID:        uuid.NewString(),
		Topic:     payload.Topic(),
		Kind:      payload.Kind(),
		Payload:   payload,
		Timestamp: time.Now(),
	}

	if d, ok := ctx.Value(dispatchKey{}).(*dispatch); ok && d.bus == b {
		b.pendingMu.Lock()
		if d.active {
			b.pending = append(b.pending, ev)
			b.pendingMu.Unlock()
			return ev, nil
		}
		b.pendingMu.Unlock()
	}

	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	d := &dispatch{bus: b, active: true}
	dctx := context.WithValue(ctx, dispatchKey{}, d)

	next := ev
	for {
		b.deliver(dctx, next)

		b.pendingMu.Lock()
		if len(b.pending) == 0 {
			d.active = false
			b.pendingMu.Unlock()
			break
		}
		next = b.pending[0]
		b.pending = b.pending[1:]
		b.pendingMu.Unlock()
	}

	return ev, nil
}

// deliver records ev and runs every handler for its topic in order.
func (b *Bus) deliver(ctx context.Context, ev Event) {
	b.record(ev)

	b.mu.RLock()
	targets := make([]*subscriber, len(b.subs[ev.Topic]))
	copy(targets, b.subs[ev.Topic])
	b.mu.RUnlock()

	for _, s := range targets {
		b.invoke(ctx, s, ev)
	}
}

// invoke runs one handler, containing panics so other subscribers still run.
func (b *Bus) invoke(ctx context.Context, s *subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked",
				"topic", ev.Topic,
				"kind", ev.Kind,
				"subscriber", s.sub.Name,
				"panic", r)
		}
	}()
	s.handler(ctx, ev)
}

func (b *Bus) record(ev Event) {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	b.history[b.histPos] = ev
	b.histPos = (b.histPos + 1) % len(b.history)
	if b.histLen < len(b.history) {
		b.histLen++
	}
}

// History returns the retained events, oldest first.
func (b *Bus) History() []Event {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	out := make([]Event, 0, b.histLen)
	start := (b.histPos - b.histLen + len(b.history)) % len(b.history)
	for i := 0; i < b.histLen; i++ {
		out = append(out, b.history[(start+i)%len(b.history)])
	}
	return out
}

// SubscriberCount returns the number of handlers registered for topic.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close rejects further publishes and drops all subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.subs = make(map[Topic][]*subscriber)
	b.logger.Debug("bus closed")
}
