// Package events is the domain event bus of the orchestration core.
//
// # Topics
//
// Events are partitioned by topic so that high-frequency producers (streamed
// text fragments on TopicStream) never reach subscribers that only care about
// control events (TopicPhase, TopicGating). Each topic owns a closed set of
// payload types declared in payloads.go.
//
// # Delivery
//
// Publish is synchronous. It appends the event to a bounded history buffer,
// runs every handler subscribed to the topic in subscription order, and
// returns only after all of them finish. Publishes are serialised across
// goroutines, so the effects of one publish are fully applied before the
// next one begins.
//
// A handler may publish using the context it was given. Such an event is
// queued and delivered after the current event completes, still before the
// outermost Publish returns:
//
//	bus.Subscribe(events.TopicPhase, "phase-store", func(ctx context.Context, ev events.Event) {
//	    bus.Publish(ctx, events.PhaseChanged{From: from, To: to})
//	})
//
// Handlers must not block on work that needs a different goroutine to publish.
//
// # Construction
//
// There is no global bus. Components receive the *Bus in their constructors.
package events
