// ABOUTME: Persists bus events to the store's journal for diagnostics and replay
// ABOUTME: A single writer goroutine drains a buffered channel so bus handlers never block on I/O

package conversation

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/intake-gateway/internal/events"
	"github.com/2389/intake-gateway/internal/store"
)

const journalBufferSize = 1024

// Journal records every bus event except streaming text deltas. The final
// assistant text is journaled through the transcript store's messages.
type Journal struct {
	sessionID string
	store     store.Journal
	bus       *events.Bus
	subs      []events.Subscription
	logger    *slog.Logger

	mu      sync.Mutex
	ch      chan events.Event
	closed  bool
	done    chan struct{}
	dropped int
}

// NewJournal subscribes to bus and starts the writer.
func NewJournal(bus *events.Bus, j store.Journal, sessionID string, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	jr := &Journal{
		sessionID: sessionID,
		store:     j,
		bus:       bus,
		ch:        make(chan events.Event, journalBufferSize),
		done:      make(chan struct{}),
		logger:    logger.With("component", "journal"),
	}
	for _, topic := range events.AllTopics() {
		jr.subs = append(jr.subs, bus.Subscribe(topic, "journal", jr.handle))
	}
	go jr.run()
	return jr
}

func (j *Journal) handle(_ context.Context, ev events.Event) {
	if _, ok := ev.Payload.(events.TextDelta); ok {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	select {
	case j.ch <- ev:
	default:
		j.dropped++
		j.logger.Warn("journal buffer full, event dropped", "kind", ev.Kind, "event_id", ev.ID)
	}
}

func (j *Journal) run() {
	defer close(j.done)
	for ev := range j.ch {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			j.logger.Error("encoding journal payload", "kind", ev.Kind, "error", err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = j.store.AppendJournal(ctx, &store.JournalEntry{
			ID:        ev.ID,
			SessionID: j.sessionID,
			Topic:     string(ev.Topic),
			Kind:      ev.Kind,
			Payload:   payload,
			Timestamp: ev.Timestamp,
		})
		cancel()
		if err != nil {
			j.logger.Error("appending journal entry", "kind", ev.Kind, "error", err)
		}
	}
}

// Dropped returns how many events were lost to a full buffer.
func (j *Journal) Dropped() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.dropped
}

// Close unsubscribes and waits for buffered events to be written.
func (j *Journal) Close() {
	for _, sub := range j.subs {
		j.bus.Unsubscribe(sub)
	}
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	close(j.ch)
	j.mu.Unlock()
	<-j.done
}
