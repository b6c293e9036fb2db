// Package conversation runs one intake interview end to end.
//
// # Overview
//
// A Session owns the event bus and every component subscribed to it: the
// state stores, the gatekeeper, the continuation tracker, the stream queue,
// the tool router and the checkpoint coordinator. It is the only code that
// talks to the transport.
//
//	s, err := conversation.New(conversation.Config{
//	    SessionID: "applicant-42",
//	    Transport: tr,
//	    Store:     st,
//	    Kickoff:   "Begin the interview.",
//	})
//	restored, err := s.Start(ctx)
//
// # Turn Flow
//
// The queue dispatches one turn at a time. The session sends it and pumps
// the response onto the bus as TextDelta events. On completion the draft is
// finalized, tool calls are announced and executed as one batch, and the
// queue records the response anchor. Tool results flow back through the
// queue, which answers the model once every call of the batch resolved.
//
// # Cancellation
//
// Cancel aborts the in-flight stream, keeps whatever text already arrived as
// a partial assistant message, resolves every outstanding continuation with
// a cancellation payload and clears the waiting state.
//
// # Observers
//
// Bus handlers run inline with Publish. EventBroadcaster hands events to
// WebSocket and SSE clients over buffered channels; Journal writes them to
// the store from its own goroutine.
package conversation
