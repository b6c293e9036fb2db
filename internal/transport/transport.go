// ABOUTME: Transport collaborator boundary: outbound turns and inbound stream events
// ABOUTME: Any model transport exposing this vocabulary can drive the orchestration core

package transport

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrClosed is returned by a transport that can no longer send turns.
var ErrClosed = errors.New("transport closed")

// TurnKind identifies the variant of a conversation turn.
type TurnKind string

const (
	TurnUser      TurnKind = "user_message"
	TurnDeveloper TurnKind = "developer_message"
	TurnToolBatch TurnKind = "tool_output_batch"
)

// Turn is the unit dispatched to the transport. It is one of UserMessage,
// DeveloperMessage or ToolOutputBatch.
type Turn interface {
	Kind() TurnKind
	isTurn()
}

// UserMessage is text authored by the human.
type UserMessage struct {
	ID   string
	Text string
}

// DeveloperMessage is an instruction injected by the orchestrator.
type DeveloperMessage struct {
	ID   string
	Text string
}

// ToolOutput answers a single tool call.
type ToolOutput struct {
	CallID  string          `json:"call_id"`
	Output  json.RawMessage `json:"output"`
	IsError bool            `json:"is_error,omitempty"`
}

// ToolOutputBatch answers every tool call issued by one model turn.
type ToolOutputBatch struct {
	ID      string
	Outputs []ToolOutput
}

func (UserMessage) Kind() TurnKind      { return TurnUser }
func (DeveloperMessage) Kind() TurnKind { return TurnDeveloper }
func (ToolOutputBatch) Kind() TurnKind  { return TurnToolBatch }

func (UserMessage) isTurn()      {}
func (DeveloperMessage) isTurn() {}
func (ToolOutputBatch) isTurn()  {}

// CallIDs returns the call ids answered by the batch in order.
func (b ToolOutputBatch) CallIDs() []string {
	ids := make([]string, len(b.Outputs))
	for i, o := range b.Outputs {
		ids[i] = o.CallID
	}
	return ids
}

// EventKind identifies an inbound stream event.
type EventKind int

const (
	EventTextDelta EventKind = iota
	EventToolCall
	EventCompleted
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventTextDelta:
		return "text_delta"
	case EventToolCall:
		return "tool_call"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Event is one item of the transport's response stream. Completed and Failed
// are terminal.
type Event struct {
	Kind       EventKind
	Text       string    // EventTextDelta
	ToolCall   *ToolCall // EventToolCall
	ResponseID string    // EventCompleted
	Err        error     // EventFailed
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Kind == EventCompleted || e.Kind == EventFailed
}

// Transport sends one turn and streams the model's response. The returned
// channel is closed after a terminal event or when ctx is cancelled.
type Transport interface {
	Send(ctx context.Context, turn Turn) (<-chan Event, error)
}

// ModelConfig is the active model selection, captured in snapshots.
type ModelConfig struct {
	Model           string `json:"model" yaml:"model"`
	ReasoningEffort string `json:"reasoning_effort,omitempty" yaml:"reasoning_effort"`
}

// Anchor is a resumable conversation position. Clean anchors have no
// outstanding tool obligations.
type Anchor struct {
	ResponseID    string `json:"response_id"`
	TranscriptLen int    `json:"transcript_len"`
	Clean         bool   `json:"clean"`
}

// IsZero reports whether the anchor has never been set.
func (a Anchor) IsZero() bool {
	return a.ResponseID == "" && a.TranscriptLen == 0
}

// ToolSpec advertises one callable tool to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// TurnOptions accompany the next turn: the model selection and the tools the
// model may call.
type TurnOptions struct {
	Model ModelConfig
	Tools []ToolSpec
}

// Configurable is implemented by transports that take per-turn options. The
// orchestrator calls Configure immediately before each Send.
type Configurable interface {
	Configure(opts TurnOptions)
}

// Rewinder is implemented by transports that chain responses on the server
// side and must be told when the conversation reverts to an earlier anchor.
type Rewinder interface {
	Rewind(anchor Anchor)
}
