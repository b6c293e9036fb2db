// ABOUTME: Tests for the UI WebSocket bridge
// ABOUTME: Drives a real echo server with a gorilla client against a fake session

package uibridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/2389/intake-gateway/internal/conversation"
	"github.com/2389/intake-gateway/internal/events"
	"github.com/2389/intake-gateway/internal/orcherr"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSession struct {
	mu        sync.Mutex
	messages  []string
	actions   []conversation.Action
	cancels   []string
	actionErr error
}

func (f *fakeSession) ID() string { return "applicant-1" }

func (f *fakeSession) SendUserMessage(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, text)
	return nil
}

func (f *fakeSession) HandleUserAction(_ context.Context, a conversation.Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, a)
	return f.actionErr
}

func (f *fakeSession) Cancel(_ context.Context, reason string) (conversation.CancelResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, reason)
	return conversation.CancelResult{}, nil
}

func (f *fakeSession) counts() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages), len(f.actions), len(f.cancels)
}

func (f *fakeSession) recorded() ([]string, []conversation.Action, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...),
		append([]conversation.Action(nil), f.actions...),
		append([]string(nil), f.cancels...)
}

// clientFrame mirrors OutFrame with raw bodies so the test can decode it.
type clientFrame struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Duplicate bool            `json:"duplicate"`
	State     json.RawMessage `json:"state"`
	Event     *struct {
		Topic   string          `json:"topic"`
		Kind    string          `json:"kind"`
		Payload json.RawMessage `json:"payload"`
	} `json:"event"`
	Error *ErrorBody `json:"error"`
}

type harness struct {
	session *fakeSession
	bus     *events.Bus
	server  *Server
	ws      *websocket.Conn
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{session: &fakeSession{}}
	h.bus = events.New(events.Config{}, nil)
	broadcaster := conversation.NewEventBroadcaster(nil)
	broadcaster.Attach(h.session.ID(), h.bus)

	h.server = NewServer(Config{
		Session:      h.session,
		Events:       broadcaster,
		State:        func() any { return map[string]string{"phase": "phase1_core_facts"} },
		PingInterval: time.Second,
	})

	e := echo.New()
	e.GET("/ws", h.server.HandleWebSocket)
	srv := httptest.NewServer(e)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	h.ws = ws

	t.Cleanup(func() {
		_ = ws.Close()
		h.server.Close()
		srv.Close()
		broadcaster.Close()
		h.bus.Close()
	})

	state := h.read(t)
	require.Equal(t, TypeState, state.Type)
	assert.JSONEq(t, `{"phase":"phase1_core_facts"}`, string(state.State))
	return h
}

func (h *harness) write(t *testing.T, frame string) {
	t.Helper()
	require.NoError(t, h.ws.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (h *harness) read(t *testing.T) clientFrame {
	t.Helper()
	require.NoError(t, h.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := h.ws.ReadMessage()
	require.NoError(t, err)
	var f clientFrame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestServer_UserMessageIsAckedOnce(t *testing.T) {
	h := newHarness(t)

	h.write(t, `{"type":"user_message","id":"m1","text":"I studied physics"}`)
	ack := h.read(t)
	assert.Equal(t, TypeAck, ack.Type)
	assert.Equal(t, "m1", ack.ID)
	assert.False(t, ack.Duplicate)

	h.write(t, `{"type":"user_message","id":"m1","text":"I studied physics"}`)
	dup := h.read(t)
	assert.Equal(t, TypeAck, dup.Type)
	assert.True(t, dup.Duplicate)

	msgs, _, _ := h.session.recorded()
	assert.Equal(t, []string{"I studied physics"}, msgs)
}

func TestServer_ForwardsBusEvents(t *testing.T) {
	h := newHarness(t)

	_, err := h.bus.Publish(t.Context(), events.NoteRecorded{Text: "prefers email"})
	require.NoError(t, err)

	f := h.read(t)
	require.Equal(t, TypeEvent, f.Type)
	require.NotNil(t, f.Event)
	assert.Equal(t, "note_recorded", f.Event.Kind)
	assert.Contains(t, string(f.Event.Payload), "prefers email")
}

func TestServer_FailedFrameCanBeRetried(t *testing.T) {
	h := newHarness(t)
	h.session.mu.Lock()
	h.session.actionErr = fmt.Errorf("%w: unknown token", orcherr.ErrContinuationMisuse)
	h.session.mu.Unlock()

	frame := `{"type":"user_action","id":"a1","kind":"resolve","token":"tok-1","payload":{"choice":"b"}}`
	h.write(t, frame)
	f := h.read(t)
	require.Equal(t, TypeError, f.Type)
	assert.Equal(t, "a1", f.ID)
	assert.Equal(t, string(orcherr.CodeContinuation), f.Error.Code)

	h.session.mu.Lock()
	h.session.actionErr = nil
	h.session.mu.Unlock()

	h.write(t, frame)
	ack := h.read(t)
	assert.Equal(t, TypeAck, ack.Type)
	assert.False(t, ack.Duplicate)

	_, actions, _ := h.session.recorded()
	require.Len(t, actions, 2)
	last := actions[1]
	assert.Equal(t, conversation.ActionResolve, last.Kind)
	assert.Equal(t, "tok-1", last.Token)
	assert.JSONEq(t, `{"choice":"b"}`, string(last.Payload))
}

func TestServer_Cancel(t *testing.T) {
	h := newHarness(t)

	h.write(t, `{"type":"cancel","id":"c1","reason":"changed my mind"}`)
	assert.Equal(t, TypeAck, h.read(t).Type)
	_, _, cancels := h.session.recorded()
	assert.Equal(t, []string{"changed my mind"}, cancels)
}

func TestServer_RejectsInvalidFrames(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name  string
		frame string
	}{
		{"not json", `{"type":`},
		{"unknown type", `{"type":"teleport","id":"x1"}`},
		{"empty message", `{"type":"user_message","id":"x2","text":""}`},
		{"wrong field type", `{"type":"user_message","id":"x3","text":42}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.write(t, tt.frame)
			f := h.read(t)
			require.Equal(t, TypeError, f.Type)
			assert.Equal(t, CodeInvalidFrame, f.Error.Code)
		})
	}

	msgs, _, _ := h.session.counts()
	assert.Zero(t, msgs)
}

func TestServer_CloseDisconnectsClients(t *testing.T) {
	h := newHarness(t)
	require.Eventually(t, func() bool { return h.server.Hub().Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	h.server.Hub().CloseAll()

	require.NoError(t, h.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := h.ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
	require.Eventually(t, func() bool { return h.server.Hub().Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}
