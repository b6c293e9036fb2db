// ABOUTME: Tests for tool routing: gating, validation, handler failures and suspension
// ABOUTME: Uses a real bus and continuation tracker with a recording sink

package packs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/2389/intake-gateway/internal/continuation"
	"github.com/2389/intake-gateway/internal/domain"
	"github.com/2389/intake-gateway/internal/events"
	"github.com/2389/intake-gateway/internal/gating"
	"github.com/2389/intake-gateway/internal/orcherr"
	"github.com/2389/intake-gateway/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type gateFunc func(tool string) error

func (f gateFunc) Check(tool string) error { return f(tool) }

type recordingSink struct {
	mu   sync.Mutex
	outs []transport.ToolOutput
}

func (s *recordingSink) EnqueueToolResponse(_ context.Context, out transport.ToolOutput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outs = append(s.outs, out)
	return nil
}

func (s *recordingSink) got() []transport.ToolOutput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.ToolOutput(nil), s.outs...)
}

type routerFixture struct {
	bus     *events.Bus
	tracker *continuation.Tracker
	reg     *Registry
	sink    *recordingSink
	router  *Router
}

func newRouterFixture(t *testing.T, gate Gate) *routerFixture {
	t.Helper()
	bus := events.New(events.Config{}, nil)
	tracker := continuation.NewTracker(bus, continuation.Config{}, nil)
	t.Cleanup(func() {
		tracker.Close()
		bus.Close()
	})
	f := &routerFixture{
		bus:     bus,
		tracker: tracker,
		reg:     NewRegistry(nil),
		sink:    &recordingSink{},
	}
	f.router = NewRouter(RouterConfig{
		Registry: f.reg,
		Gate:     gate,
		Waiter:   tracker,
		Sink:     f.sink,
		Bus:      bus,
	})
	return f
}

func (f *routerFixture) kinds() []string {
	var out []string
	for _, ev := range f.bus.History() {
		out = append(out, ev.Kind)
	}
	return out
}

func errorCode(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(raw, &body))
	return body.Error.Code
}

func countingTool(name, schema string, calls *atomic.Int32, h ToolHandler) *BuiltinTool {
	return &BuiltinTool{
		Definition: Definition{Name: name, InputSchema: json.RawMessage(schema)},
		Handler: func(ctx context.Context, c *Call) (Outcome, error) {
			calls.Add(1)
			return h(ctx, c)
		},
	}
}

func TestRouter_GatingViolationNeverRunsHandler(t *testing.T) {
	gate := gateFunc(func(tool string) error {
		return fmt.Errorf("%w: %s not permitted", orcherr.ErrGatingViolation, tool)
	})
	f := newRouterFixture(t, gate)
	var calls atomic.Int32
	require.NoError(t, f.reg.RegisterPack(&BuiltinPack{ID: "test", Tools: []*BuiltinTool{
		countingTool("get_user_upload", `{"type":"object"}`, &calls, noopHandler),
	}}))

	require.NoError(t, f.router.Execute(t.Context(), Call{CallID: "c1", TurnID: "t1", Name: "get_user_upload"}))

	assert.Zero(t, calls.Load())
	outs := f.sink.got()
	require.Len(t, outs, 1)
	assert.True(t, outs[0].IsError)
	assert.Equal(t, "gating_violation", errorCode(t, outs[0].Output))
	assert.Equal(t, []string{"tool_rejected", "tool_result_recorded"}, f.kinds())
	assert.Zero(t, f.router.Calls().Len())
}

func TestRouter_StructuredFailures(t *testing.T) {
	schema := `{"type":"object","properties":{"id":{"type":"string"}},"required":["id"]}`
	tests := []struct {
		name     string
		tool     string
		args     string
		handler  ToolHandler
		wantCode string
		wantRuns int32
	}{
		{
			name:     "missing required field",
			tool:     "t",
			args:     `{}`,
			handler:  noopHandler,
			wantCode: "invalid_arguments",
		},
		{
			name:     "malformed json",
			tool:     "t",
			args:     `{"id":`,
			handler:  noopHandler,
			wantCode: "invalid_arguments",
		},
		{
			name: "handler error",
			tool: "t",
			args: `{"id":"x"}`,
			handler: func(context.Context, *Call) (Outcome, error) {
				return Outcome{}, errors.New("boom")
			},
			wantCode: "tool_execution_failed",
			wantRuns: 1,
		},
		{
			name: "handler panic",
			tool: "t",
			args: `{"id":"x"}`,
			handler: func(context.Context, *Call) (Outcome, error) {
				panic("kaboom")
			},
			wantCode: "tool_execution_failed",
			wantRuns: 1,
		},
		{
			name:     "unknown tool",
			tool:     "nope",
			args:     `{}`,
			handler:  noopHandler,
			wantCode: "tool_execution_failed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRouterFixture(t, nil)
			var runs atomic.Int32
			require.NoError(t, f.reg.RegisterPack(&BuiltinPack{ID: "test", Tools: []*BuiltinTool{
				countingTool("t", schema, &runs, tt.handler),
			}}))

			require.NoError(t, f.router.Execute(t.Context(), Call{CallID: "c1", Name: tt.tool, Arguments: json.RawMessage(tt.args)}))

			outs := f.sink.got()
			require.Len(t, outs, 1)
			assert.True(t, outs[0].IsError)
			assert.Equal(t, tt.wantCode, errorCode(t, outs[0].Output))
			assert.Equal(t, tt.wantRuns, runs.Load())
		})
	}
}

func TestRouter_ImmediateResult(t *testing.T) {
	f := newRouterFixture(t, gateFunc(func(string) error { return nil }))
	require.NoError(t, f.reg.RegisterPack(&BuiltinPack{ID: "test", Tools: []*BuiltinTool{{
		Definition: Definition{Name: "echo"},
		Handler: func(_ context.Context, c *Call) (Outcome, error) {
			var in struct {
				Text string `json:"text"`
			}
			if err := c.Decode(&in); err != nil {
				return Outcome{}, err
			}
			return Result(map[string]string{"echo": in.Text})
		},
	}}}))

	require.NoError(t, f.router.Execute(t.Context(), Call{CallID: "c1", Name: "echo", Arguments: json.RawMessage(`{"text":"hi"}`)}))

	outs := f.sink.got()
	require.Len(t, outs, 1)
	assert.False(t, outs[0].IsError)
	assert.JSONEq(t, `{"echo":"hi"}`, string(outs[0].Output))
}

func suspendingTool(continued *atomic.Int32) *BuiltinTool {
	return &BuiltinTool{
		Definition: Definition{Name: "get_user_option"},
		Handler: func(context.Context, *Call) (Outcome, error) {
			return Suspend(WaitRequest{
				Waiting: domain.WaitingSelection,
				Card:    &domain.Card{ID: "card-1", Kind: domain.CardChoice},
				Status:  map[string]string{"status": "awaiting_user"},
				Continue: func(_ context.Context, payload json.RawMessage) (Outcome, error) {
					continued.Add(1)
					var in struct {
						Choice string `json:"choice"`
					}
					if err := json.Unmarshal(payload, &in); err != nil {
						return Outcome{}, err
					}
					return Result(map[string]string{"picked": in.Choice})
				},
			})
		},
	}
}

func TestRouter_SuspendAndResume(t *testing.T) {
	f := newRouterFixture(t, nil)
	var continued atomic.Int32
	require.NoError(t, f.reg.RegisterPack(&BuiltinPack{ID: "test", Tools: []*BuiltinTool{suspendingTool(&continued)}}))

	var shown domain.Card
	f.bus.Subscribe(events.TopicUI, "test", func(_ context.Context, ev events.Event) {
		if p, ok := ev.Payload.(events.CardShown); ok {
			shown = p.Card
		}
	})

	require.NoError(t, f.router.Execute(t.Context(), Call{CallID: "c1", TurnID: "t1", Name: "get_user_option"}))
	assert.Empty(t, f.sink.got())

	rec, ok := f.router.Calls().Get("c1")
	require.True(t, ok)
	assert.Equal(t, CallWaitingForUser, rec.Status)
	require.NotEmpty(t, rec.Token)
	assert.Equal(t, rec.Token, shown.Token)

	require.NoError(t, f.tracker.Resume(t.Context(), rec.Token, json.RawMessage(`{"choice":"b"}`)))

	outs := f.sink.got()
	require.Len(t, outs, 1)
	assert.JSONEq(t, `{"picked":"b"}`, string(outs[0].Output))
	assert.Equal(t, int32(1), continued.Load())
	assert.Zero(t, f.router.Calls().Len())
	assert.Equal(t, []string{
		"card_shown",
		"waiting_state_set",
		"tool_status",
		"waiting_state_cleared",
		"card_dismissed",
		"tool_result_recorded",
	}, f.kinds())

	err := f.tracker.Resume(t.Context(), rec.Token, json.RawMessage(`{"choice":"c"}`))
	require.ErrorIs(t, err, orcherr.ErrContinuationMisuse)
	assert.Len(t, f.sink.got(), 1)
}

func TestRouter_CancelledWaitSkipsContinuation(t *testing.T) {
	f := newRouterFixture(t, nil)
	var continued atomic.Int32
	require.NoError(t, f.reg.RegisterPack(&BuiltinPack{ID: "test", Tools: []*BuiltinTool{suspendingTool(&continued)}}))

	require.NoError(t, f.router.Execute(t.Context(), Call{CallID: "c1", TurnID: "t1", Name: "get_user_option"}))
	assert.Equal(t, 1, f.tracker.CancelTurn(t.Context(), "t1", "user_cancelled"))

	outs := f.sink.got()
	require.Len(t, outs, 1)
	assert.False(t, outs[0].IsError)
	assert.True(t, continuation.IsCancellation(outs[0].Output))
	assert.Zero(t, continued.Load())
}

func TestRouter_DuplicateLiveCallID(t *testing.T) {
	f := newRouterFixture(t, nil)
	var continued atomic.Int32
	require.NoError(t, f.reg.RegisterPack(&BuiltinPack{ID: "test", Tools: []*BuiltinTool{suspendingTool(&continued)}}))

	require.NoError(t, f.router.Execute(t.Context(), Call{CallID: "c1", Name: "get_user_option"}))
	err := f.router.Execute(t.Context(), Call{CallID: "c1", Name: "get_user_option"})
	require.ErrorIs(t, err, ErrDuplicateCall)
}

func TestValidateArguments(t *testing.T) {
	schema := json.RawMessage(`{
		"type":"object",
		"properties":{
			"name":{"type":"string"},
			"count":{"type":"integer"},
			"ratio":{"type":"number"},
			"flag":{"type":"boolean"},
			"tags":{"type":"array"},
			"meta":{"type":"object"},
			"status":{"type":"string","enum":["pending","completed"]}
		},
		"required":["name"]
	}`)
	tests := []struct {
		name    string
		args    string
		wantErr bool
	}{
		{"minimal", `{"name":"a"}`, false},
		{"all fields", `{"name":"a","count":2,"ratio":0.5,"flag":true,"tags":[],"meta":{},"status":"completed"}`, false},
		{"empty args still need required", ``, true},
		{"not an object", `["a"]`, true},
		{"null required", `{"name":null}`, true},
		{"wrong type", `{"name":1}`, true},
		{"fractional integer", `{"name":"a","count":1.5}`, true},
		{"enum miss", `{"name":"a","status":"done"}`, true},
		{"unknown fields allowed", `{"name":"a","extra":1}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateArguments(schema, json.RawMessage(tt.args))
			if tt.wantErr {
				require.ErrorIs(t, err, orcherr.ErrInvalidArguments)
				assert.Equal(t, orcherr.CodeInvalidArguments, orcherr.CodeOf(err))
				return
			}
			require.NoError(t, err)
		})
	}

	require.NoError(t, ValidateArguments(nil, nil))
}

// revocableGate permits a mutable tool set and can freeze it.
type revocableGate struct {
	mu    sync.Mutex
	tools []string
}

func (g *revocableGate) revoke(tool string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.tools[:0]
	for _, t := range g.tools {
		if t != tool {
			out = append(out, t)
		}
	}
	g.tools = out
}

func (g *revocableGate) Allowed() gating.Result {
	g.mu.Lock()
	defer g.mu.Unlock()
	return gating.Result{Tools: append([]string(nil), g.tools...)}
}

func (g *revocableGate) Check(tool string) error { return g.Allowed().Check(tool) }

func TestRouter_ExecuteBatchFreezesGating(t *testing.T) {
	gate := &revocableGate{tools: []string{"first", "second"}}
	f := newRouterFixture(t, gate)

	var firstCalls, secondCalls atomic.Int32
	require.NoError(t, f.reg.RegisterPack(&BuiltinPack{ID: "test", Tools: []*BuiltinTool{
		countingTool("first", `{"type":"object"}`, &firstCalls, func(context.Context, *Call) (Outcome, error) {
			gate.revoke("second")
			return Result(map[string]string{"status": "ok"})
		}),
		countingTool("second", `{"type":"object"}`, &secondCalls, noopHandler),
	}}))

	err := f.router.ExecuteBatch(t.Context(), []Call{
		{CallID: "c1", TurnID: "t1", Name: "first", Arguments: json.RawMessage(`{}`)},
		{CallID: "c2", TurnID: "t1", Name: "second", Arguments: json.RawMessage(`{}`)},
	})
	require.NoError(t, err)

	assert.Equal(t, int32(1), firstCalls.Load())
	assert.Equal(t, int32(1), secondCalls.Load(), "siblings are judged against the batch's starting tool set")
	outs := f.sink.got()
	require.Len(t, outs, 2)
	for _, out := range outs {
		assert.False(t, out.IsError, "call %s", out.CallID)
	}

	// A later call sees the revocation.
	require.NoError(t, f.router.Execute(t.Context(), Call{CallID: "c3", TurnID: "t2", Name: "second", Arguments: json.RawMessage(`{}`)}))
	outs = f.sink.got()
	require.Len(t, outs, 3)
	assert.True(t, outs[2].IsError)
	assert.Equal(t, string(orcherr.CodeGatingViolation), errorCode(t, outs[2].Output))
	assert.Equal(t, int32(1), secondCalls.Load())
}

func TestRouter_ExecuteBatchReportsDuplicateCall(t *testing.T) {
	f := newRouterFixture(t, nil)
	var continued atomic.Int32
	require.NoError(t, f.reg.RegisterPack(&BuiltinPack{ID: "test", Tools: []*BuiltinTool{suspendingTool(&continued)}}))
	require.NoError(t, f.router.Execute(t.Context(), Call{CallID: "live", Name: "get_user_option"}))

	err := f.router.ExecuteBatch(t.Context(), []Call{{CallID: "live", Name: "get_user_option"}})
	assert.ErrorIs(t, err, ErrDuplicateCall)
}
