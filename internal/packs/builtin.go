// ABOUTME: Tool definitions, handlers and outcomes for in-process tools
// ABOUTME: A handler returns either an immediate result or a wait for human input

package packs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/intake-gateway/internal/domain"
)

// Definition describes a tool to the model.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Call is one tool invocation requested by the model.
type Call struct {
	CallID    string
	TurnID    string
	Name      string
	Arguments json.RawMessage
}

// Decode unmarshals the call arguments into v.
func (c *Call) Decode(v any) error {
	args := c.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("invalid input: %w", err)
	}
	return nil
}

// ContinueFunc turns the user's resolution payload into the next outcome.
type ContinueFunc func(ctx context.Context, payload json.RawMessage) (Outcome, error)

// WaitRequest suspends a call until the user answers.
type WaitRequest struct {
	// Waiting is the UI waiting state held while suspended.
	Waiting domain.WaitingState
	// Card, when set, is shown for the duration of the wait and dismissed on
	// resolution. Its Token is filled in by the router.
	Card *domain.Card
	// Status is shown to the model immediately.
	Status any
	// Timeout overrides the tracker default. Negative disables it.
	Timeout time.Duration
	// Continue handles the payload. Nil passes the payload through as the result.
	Continue ContinueFunc
}

// Outcome is what a handler produced: exactly one of Result or Wait.
type Outcome struct {
	Result json.RawMessage
	Wait   *WaitRequest
}

// Result encodes v as an immediate outcome.
func Result(v any) (Outcome, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Outcome{}, fmt.Errorf("encoding result: %w", err)
	}
	return Outcome{Result: data}, nil
}

// Suspend returns a wait outcome.
func Suspend(w WaitRequest) (Outcome, error) {
	return Outcome{Wait: &w}, nil
}

// ToolHandler executes a tool.
type ToolHandler func(ctx context.Context, call *Call) (Outcome, error)

// BuiltinTool is a tool that executes in process.
type BuiltinTool struct {
	Definition Definition
	Handler    ToolHandler
}

// BuiltinPack is a collection of tools registered together.
type BuiltinPack struct {
	ID    string
	Tools []*BuiltinTool
}
