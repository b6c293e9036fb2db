// ABOUTME: In-memory fan-out of bus events to asynchronous session observers
// ABOUTME: Bridges the synchronous bus to buffered channels for WebSocket and SSE clients

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/intake-gateway/internal/events"
)

const (
	// subscriberBufferSize is the channel buffer for each observer.
	subscriberBufferSize = 256
)

// EventBroadcaster hands bus events to observers that consume them on their
// own goroutines. Bus handlers run inline with Publish, so observers that
// write to the network must not subscribe to the bus directly.
type EventBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan events.Event // sessionID -> subID -> ch
	attached    map[string][]attachment
	logger      *slog.Logger
}

type attachment struct {
	bus  *events.Bus
	subs []events.Subscription
}

// NewEventBroadcaster creates a broadcaster. Pass nil logger for default.
func NewEventBroadcaster(logger *slog.Logger) *EventBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBroadcaster{
		subscribers: make(map[string]map[string]chan events.Event),
		attached:    make(map[string][]attachment),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Attach forwards every event of bus to the observers of sessionID.
func (b *EventBroadcaster) Attach(sessionID string, bus *events.Bus) {
	a := attachment{bus: bus}
	for _, topic := range events.AllTopics() {
		a.subs = append(a.subs, bus.Subscribe(topic, "broadcaster", func(_ context.Context, ev events.Event) {
			b.Publish(sessionID, ev, "")
		}))
	}
	b.mu.Lock()
	b.attached[sessionID] = append(b.attached[sessionID], a)
	b.mu.Unlock()
}

// Detach stops forwarding the session's bus events.
func (b *EventBroadcaster) Detach(sessionID string) {
	b.mu.Lock()
	as := b.attached[sessionID]
	delete(b.attached, sessionID)
	b.mu.Unlock()

	for _, a := range as {
		for _, sub := range a.subs {
			a.bus.Unsubscribe(sub)
		}
	}
}

// Subscribe registers an observer of sessionID. The subscription is removed
// when ctx is cancelled.
func (b *EventBroadcaster) Subscribe(ctx context.Context, sessionID string) (<-chan events.Event, string) {
	subID := uuid.New().String()
	ch := make(chan events.Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[sessionID]; !ok {
		b.subscribers[sessionID] = make(map[string]chan events.Event)
	}
	b.subscribers[sessionID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "session_id", sessionID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(sessionID, subID)
	}()

	return ch, subID
}

// Publish sends ev to every observer of sessionID except excludeSubID.
// Observers whose buffers are full miss the event.
func (b *EventBroadcaster) Publish(sessionID string, ev events.Event, excludeSubID string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers[sessionID] {
		if excludeSubID != "" && id == excludeSubID {
			continue
		}
		select {
		case ch <- ev:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"session_id", sessionID,
				"sub_id", id,
				"event_id", ev.ID,
				"kind", ev.Kind)
		}
	}
}

// SubscriberCount returns the number of observers of sessionID.
func (b *EventBroadcaster) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[sessionID])
}

// Unsubscribe removes a subscription and closes its channel.
func (b *EventBroadcaster) Unsubscribe(sessionID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[sessionID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, sessionID)
	}

	b.logger.Debug("subscriber removed", "session_id", sessionID, "sub_id", subID)
}

// Close detaches every bus and closes all observer channels.
func (b *EventBroadcaster) Close() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.attached))
	for id := range b.attached {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.Detach(id)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for sessionID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, sessionID)
	}
	b.logger.Debug("broadcaster closed")
}
