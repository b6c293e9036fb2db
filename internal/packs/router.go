// ABOUTME: Routes model tool calls through gating, validation and the tool handler
// ABOUTME: Suspends calls that need the user and delivers every result to the queue

package packs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/2389/intake-gateway/internal/continuation"
	"github.com/2389/intake-gateway/internal/domain"
	"github.com/2389/intake-gateway/internal/events"
	"github.com/2389/intake-gateway/internal/gating"
	"github.com/2389/intake-gateway/internal/orcherr"
	"github.com/2389/intake-gateway/internal/transport"
)

// Gate decides whether a tool may run right now.
type Gate interface {
	Check(tool string) error
}

// Waiter registers suspended calls.
type Waiter interface {
	RegisterWait(ctx context.Context, w continuation.Wait) (string, error)
}

// Sink receives finished tool outputs.
type Sink interface {
	EnqueueToolResponse(ctx context.Context, out transport.ToolOutput) error
}

// RouterConfig wires a Router to its collaborators.
type RouterConfig struct {
	Registry *Registry
	Gate     Gate
	Waiter   Waiter
	Sink     Sink
	Bus      *events.Bus
	Logger   *slog.Logger
}

// Router executes tool calls.
type Router struct {
	registry *Registry
	gate     Gate
	waiter   Waiter
	sink     Sink
	bus      *events.Bus
	calls    *CallTable
	logger   *slog.Logger
}

// NewRouter creates a router.
func NewRouter(cfg RouterConfig) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry: cfg.Registry,
		gate:     cfg.Gate,
		waiter:   cfg.Waiter,
		sink:     cfg.Sink,
		bus:      cfg.Bus,
		calls:    NewCallTable(),
		logger:   logger.With("component", "router"),
	}
}

// Calls exposes the live call table.
func (r *Router) Calls() *CallTable {
	return r.calls
}

// Execute runs call to either a result or a suspension. Tool failures become
// structured error results; the returned error is reserved for calls that
// could not be tracked or delivered at all.
func (r *Router) Execute(ctx context.Context, call Call) error {
	return r.execute(ctx, call, r.gate)
}

// Snapshotter is a Gate that can freeze its current decision.
type Snapshotter interface {
	Allowed() gating.Result
}

// ExecuteBatch runs every call of one model turn concurrently. The whole
// batch is judged against the tool set in force when it starts, so one
// call's side effects never reject a sibling. It returns the first
// infrastructure error; tool failures are delivered as results.
func (r *Router) ExecuteBatch(ctx context.Context, calls []Call) error {
	gate := r.gate
	if s, ok := gate.(Snapshotter); ok {
		gate = s.Allowed()
	}
	var g errgroup.Group
	for _, call := range calls {
		g.Go(func() error {
			return r.execute(ctx, call, gate)
		})
	}
	return g.Wait()
}

func (r *Router) execute(ctx context.Context, call Call, gate Gate) error {
	if _, err := r.calls.Create(&call); err != nil {
		return err
	}

	log := r.logger.With("call_id", call.CallID, "tool", call.Name, "turn_id", call.TurnID)
	log.Debug("routing tool call")

	if gate != nil {
		if err := gate.Check(call.Name); err != nil {
			log.Warn("tool call rejected", "error", err)
			r.publish(ctx, events.ToolRejected{
				CallID:   call.CallID,
				ToolName: call.Name,
				Code:     string(orcherr.CodeOf(err)),
				Reason:   err.Error(),
			})
			return r.fail(ctx, &call, err)
		}
	}

	tool, ok := r.registry.Lookup(call.Name)
	if !ok {
		err := &orcherr.ToolError{
			Code:    orcherr.CodeToolExecution,
			Message: fmt.Sprintf("unknown tool %q", call.Name),
			Err:     orcherr.ErrToolExecution,
		}
		return r.fail(ctx, &call, err)
	}

	if err := ValidateArguments(tool.Definition.InputSchema, call.Arguments); err != nil {
		log.Info("invalid tool arguments", "error", err)
		return r.fail(ctx, &call, err)
	}

	outcome, err := r.invoke(ctx, tool, &call)
	if err != nil {
		log.Error("tool handler failed", "error", err)
		return r.fail(ctx, &call, err)
	}
	return r.settle(ctx, &call, outcome)
}

func (r *Router) invoke(ctx context.Context, tool *BuiltinTool, call *Call) (out Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: handler panic: %v", orcherr.ErrToolExecution, p)
		}
	}()
	return tool.Handler(ctx, call)
}

// settle delivers a result or registers a wait for the outcome.
func (r *Router) settle(ctx context.Context, call *Call, outcome Outcome) error {
	if outcome.Wait == nil {
		result := outcome.Result
		if len(result) == 0 {
			result = json.RawMessage(`{"status":"ok"}`)
		}
		return r.finish(ctx, call, result, false)
	}
	if err := r.suspend(ctx, call, outcome.Wait); err != nil {
		r.logger.Error("failed to suspend tool call", "call_id", call.CallID, "error", err)
		return r.fail(ctx, call, err)
	}
	return nil
}

func (r *Router) suspend(ctx context.Context, call *Call, w *WaitRequest) error {
	if r.waiter == nil {
		return errors.New("no continuation tracker configured")
	}
	token := uuid.New().String()

	var status json.RawMessage
	if w.Status != nil {
		data, err := json.Marshal(w.Status)
		if err != nil {
			return fmt.Errorf("encoding status: %w", err)
		}
		status = data
	}

	if err := r.calls.Transition(call.CallID, CallWaitingForUser, token); err != nil {
		return err
	}

	cardID := ""
	var card *domain.Card
	if w.Card != nil {
		c := *w.Card
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		cardID = c.ID
		card = &c
	}

	cont := w.Continue
	_, err := r.waiter.RegisterWait(ctx, continuation.Wait{
		Token:    token,
		CallID:   call.CallID,
		ToolName: call.Name,
		TurnID:   call.TurnID,
		Waiting:  w.Waiting,
		Card:     card,
		Status:   status,
		Timeout:  w.Timeout,
		Resume: func(ctx context.Context, payload json.RawMessage) {
			r.resume(ctx, call, cardID, cont, payload)
		},
	})
	return err
}

func (r *Router) resume(ctx context.Context, call *Call, cardID string, cont ContinueFunc, payload json.RawMessage) {
	if cardID != "" {
		r.publish(ctx, events.CardDismissed{CardID: cardID})
	}

	var err error
	switch {
	case continuation.IsCancellation(payload), cont == nil:
		err = r.finish(ctx, call, payload, false)
	default:
		outcome, cerr := cont(ctx, payload)
		if cerr != nil {
			r.logger.Error("tool continuation failed", "call_id", call.CallID, "error", cerr)
			err = r.fail(ctx, call, cerr)
		} else {
			err = r.settle(ctx, call, outcome)
		}
	}
	if err != nil {
		r.logger.Error("failed to deliver resumed tool result", "call_id", call.CallID, "error", err)
	}
}

func (r *Router) fail(ctx context.Context, call *Call, err error) error {
	te := orcherr.AsToolError(err)
	return r.finish(ctx, call, te.Payload(), true)
}

func (r *Router) finish(ctx context.Context, call *Call, output json.RawMessage, isError bool) error {
	status := CallResolved
	if isError {
		status = CallErrored
	}
	if err := r.calls.Transition(call.CallID, status, ""); err != nil {
		return err
	}

	r.publish(ctx, events.ToolResultRecorded{
		CallID:   call.CallID,
		ToolName: call.Name,
		Output:   output,
		IsError:  isError,
	})

	if r.sink == nil {
		return nil
	}
	if err := r.sink.EnqueueToolResponse(ctx, transport.ToolOutput{
		CallID:  call.CallID,
		Output:  output,
		IsError: isError,
	}); err != nil {
		return fmt.Errorf("enqueue tool response %s: %w", call.CallID, err)
	}
	return nil
}

func (r *Router) publish(ctx context.Context, p events.Payload) {
	if r.bus == nil {
		return
	}
	if _, err := r.bus.Publish(ctx, p); err != nil {
		r.logger.Debug("publish failed", "kind", p.Kind(), "error", err)
	}
}
