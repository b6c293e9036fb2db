// ABOUTME: Wire frames exchanged with UI clients over the WebSocket
// ABOUTME: Inbound frames carry user input; outbound frames carry state, bus events, acks and errors

package uibridge

import (
	"encoding/json"
	"time"

	"github.com/2389/intake-gateway/internal/events"
)

// Inbound frame types.
const (
	TypeUserMessage = "user_message"
	TypeUserAction  = "user_action"
	TypeCancel      = "cancel"
)

// Outbound frame types.
const (
	TypeState = "state"
	TypeEvent = "event"
	TypeAck   = "ack"
	TypeError = "error"
)

// Error codes that are not domain error codes.
const (
	CodeInvalidFrame = "invalid_frame"
	CodeInternal     = "internal"
)

// UserMessageFrame is a free-text user reply.
type UserMessageFrame struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Text string `json:"text"`
}

// UserActionFrame resolves a card.
type UserActionFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	Token   string          `json:"token"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CancelFrame interrupts the active turn.
type CancelFrame struct {
	Type   string `json:"type"`
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// EventBody is a bus event as sent to clients.
type EventBody struct {
	ID        string         `json:"id"`
	Topic     events.Topic   `json:"topic"`
	Kind      string         `json:"kind"`
	Payload   events.Payload `json:"payload"`
	Timestamp time.Time      `json:"ts"`
}

// ErrorBody describes a rejected inbound frame.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// OutFrame is every server-to-client message.
type OutFrame struct {
	Type      string     `json:"type"`
	ID        string     `json:"id,omitempty"`
	Duplicate bool       `json:"duplicate,omitempty"`
	State     any        `json:"state,omitempty"`
	Event     *EventBody `json:"event,omitempty"`
	Error     *ErrorBody `json:"error,omitempty"`
}

func eventFrame(ev events.Event) OutFrame {
	return OutFrame{Type: TypeEvent, Event: &EventBody{
		ID:        ev.ID,
		Topic:     ev.Topic,
		Kind:      ev.Kind,
		Payload:   ev.Payload,
		Timestamp: ev.Timestamp,
	}}
}

func ackFrame(id string, duplicate bool) OutFrame {
	return OutFrame{Type: TypeAck, ID: id, Duplicate: duplicate}
}

func errorFrame(id, code, message string) OutFrame {
	return OutFrame{Type: TypeError, ID: id, Error: &ErrorBody{Code: code, Message: message}}
}
