// ABOUTME: Tests for the Session orchestrator over a scripted transport
// ABOUTME: Covers kickoff, tool batches, cancellation of streams and waits, actions and resume

package conversation

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/2389/intake-gateway/internal/continuation"
	"github.com/2389/intake-gateway/internal/domain"
	"github.com/2389/intake-gateway/internal/events"
	"github.com/2389/intake-gateway/internal/orcherr"
	"github.com/2389/intake-gateway/internal/queue"
	"github.com/2389/intake-gateway/internal/store"
	"github.com/2389/intake-gateway/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitFor = 2 * time.Second

func newSession(t *testing.T, tr *transport.Scripted, st store.Store, kickoff string) *Session {
	t.Helper()
	s, err := New(Config{
		SessionID: "applicant-1",
		Transport: tr,
		Store:     st,
		Kickoff:   kickoff,
		Model:     transport.ModelConfig{Model: "gpt-5"},
		Journal:   true,
	})
	require.NoError(t, err)
	return s
}

func eventsOf[T events.Payload](bus *events.Bus) []T {
	var out []T
	for _, ev := range bus.History() {
		if p, ok := ev.Payload.(T); ok {
			out = append(out, p)
		}
	}
	return out
}

// summarize drops timestamps, which lose their monotonic reading in a snapshot.
func summarize(msgs []domain.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID + "|" + string(m.Role) + "|" + m.Text
	}
	return out
}

func TestSession_FreshStartSendsKickoff(t *testing.T) {
	tr := transport.NewScripted(&transport.Script{Responses: []transport.ScriptResponse{
		{Text: "Welcome! Let's start with your contact details."},
	}})
	s := newSession(t, tr, nil, "Begin the interview.")
	defer s.Close(context.Background())

	restored, err := s.Start(t.Context())
	require.NoError(t, err)
	assert.False(t, restored)

	require.Eventually(t, func() bool { return s.QueueState().CleanAnchor.Clean }, waitFor, 5*time.Millisecond)

	msgs := s.State().Transcript.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleDeveloper, msgs[0].Role)
	assert.Equal(t, "Begin the interview.", msgs[0].Text)
	assert.Equal(t, domain.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Welcome! Let's start with your contact details.", msgs[1].Text)
	assert.False(t, msgs[1].Partial)

	sent := tr.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, transport.TurnDeveloper, sent[0].Kind())

	// The transport was configured with the model and the gated tool set.
	opts := tr.Options()
	require.Len(t, opts, 1)
	assert.Equal(t, "gpt-5", opts[0].Model.Model)
	var names []string
	for _, spec := range opts[0].Tools {
		names = append(names, spec.Name)
	}
	assert.ElementsMatch(t, s.Allowed().Tools, names)
	assert.Equal(t, 2, s.State().Transcript.Len())
}

func TestSession_SendBeforeStart(t *testing.T) {
	s := newSession(t, transport.NewScripted(nil), nil, "")
	defer s.Close(context.Background())

	err := s.SendUserMessage(t.Context(), "hello")
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestSession_ToolBatchIsAnsweredInOneTurn(t *testing.T) {
	tr := transport.NewScripted(&transport.Script{Responses: []transport.ScriptResponse{
		{Text: "Noting that.", ToolCalls: []transport.ScriptedToolCall{
			{CallID: "call-a", Name: "update_notes", Arguments: map[string]any{"text": "prefers email"}},
			{CallID: "call-b", Name: "update_notes", Arguments: map[string]any{"text": "based in Lisbon"}},
		}},
		{Text: "Thanks, noted."},
	}})
	s := newSession(t, tr, nil, "")
	defer s.Close(context.Background())

	_, err := s.Start(t.Context())
	require.NoError(t, err)
	require.NoError(t, s.SendUserMessage(t.Context(), "I prefer email and live in Lisbon"))

	require.Eventually(t, func() bool { return len(tr.Sent()) == 2 && s.QueueState().CleanAnchor.Clean }, waitFor, 5*time.Millisecond)

	batch, ok := tr.Sent()[1].(transport.ToolOutputBatch)
	require.True(t, ok, "second turn should be the tool output batch")
	assert.Equal(t, []string{"call-a", "call-b"}, batch.CallIDs())
	for _, out := range batch.Outputs {
		assert.False(t, out.IsError)
	}
	assert.ElementsMatch(t, []string{"prefers email", "based in Lisbon"}, s.State().Artifacts.Notes())

	last, ok := s.State().Transcript.Last()
	require.True(t, ok)
	assert.Equal(t, "Thanks, noted.", last.Text)
}

func TestSession_RejectedToolStillAnswersBatch(t *testing.T) {
	tr := transport.NewScripted(&transport.Script{Responses: []transport.ScriptResponse{
		{ToolCalls: []transport.ScriptedToolCall{
			{CallID: "call-x", Name: "reorder_timeline_cards", Arguments: map[string]any{"order": []string{}}},
		}},
	}})
	s := newSession(t, tr, nil, "")
	defer s.Close(context.Background())

	_, err := s.Start(t.Context())
	require.NoError(t, err)
	require.NoError(t, s.SendUserMessage(t.Context(), "hi"))

	require.Eventually(t, func() bool { return len(tr.Sent()) == 2 }, waitFor, 5*time.Millisecond)

	batch := tr.Sent()[1].(transport.ToolOutputBatch)
	require.Len(t, batch.Outputs, 1)
	assert.True(t, batch.Outputs[0].IsError)
	assert.Contains(t, string(batch.Outputs[0].Output), string(orcherr.CodeGatingViolation))
	require.Len(t, eventsOf[events.ToolRejected](s.Bus()), 1)
}

func TestSession_CancelMidStreamKeepsPartialText(t *testing.T) {
	text := strings.Repeat("abcdefghij", 12)
	tr := transport.NewScripted(&transport.Script{
		ChunkSize: 10,
		Responses: []transport.ScriptResponse{{Text: text, Hold: true}},
	})
	s := newSession(t, tr, nil, "")
	defer s.Close(context.Background())

	_, err := s.Start(t.Context())
	require.NoError(t, err)
	require.NoError(t, s.SendUserMessage(t.Context(), "Tell me about yourself"))

	require.Eventually(t, func() bool {
		return len([]rune(s.State().Transcript.Draft())) == 120
	}, waitFor, 5*time.Millisecond)

	res, err := s.Cancel(t.Context(), "")
	require.NoError(t, err)
	assert.Equal(t, 120, res.PartialLength)
	assert.Zero(t, res.Tokens)

	last, ok := s.State().Transcript.Last()
	require.True(t, ok)
	assert.Equal(t, domain.RoleAssistant, last.Role)
	assert.Equal(t, text, last.Text)
	assert.True(t, last.Partial)
	assert.Empty(t, s.State().Transcript.Draft())

	cancelled := eventsOf[events.TurnCancelled](s.Bus())
	require.Len(t, cancelled, 1)
	assert.Equal(t, 120, cancelled[0].PartialLength)
	assert.Equal(t, ReasonUser, cancelled[0].Reason)

	state := s.QueueState()
	assert.False(t, state.InFlight)
	assert.False(t, state.CleanAnchor.Clean, "an aborted stream never produces a clean anchor")
}

func TestSession_CancelResolvesPendingWaits(t *testing.T) {
	tr := transport.NewScripted(&transport.Script{Responses: []transport.ScriptResponse{
		{Text: "Which do you prefer?", ToolCalls: []transport.ScriptedToolCall{
			{CallID: "call-opt", Name: "get_user_option", Arguments: map[string]any{
				"prompt":  "How should we reach you?",
				"options": []map[string]any{{"id": "email", "label": "Email"}, {"id": "phone", "label": "Phone"}},
			}},
		}},
	}})
	s := newSession(t, tr, nil, "")
	defer s.Close(context.Background())

	_, err := s.Start(t.Context())
	require.NoError(t, err)
	require.NoError(t, s.SendUserMessage(t.Context(), "hi"))

	require.Eventually(t, func() bool { return len(s.PendingWaits()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, domain.WaitingSelection, s.State().WaitingState())
	require.NotNil(t, s.State().DisplayedCard())

	res, err := s.Cancel(t.Context(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Tokens)
	assert.Empty(t, s.PendingWaits())
	assert.Equal(t, domain.WaitingNone, s.State().WaitingState())
	assert.Nil(t, s.State().DisplayedCard())

	require.Eventually(t, func() bool { return len(tr.Sent()) == 2 }, waitFor, 5*time.Millisecond)
	batch := tr.Sent()[1].(transport.ToolOutputBatch)
	require.Len(t, batch.Outputs, 1)
	assert.Equal(t, "call-opt", batch.Outputs[0].CallID)
	assert.True(t, continuation.IsCancellation(batch.Outputs[0].Output))
}

func TestSession_UserActionResumesTool(t *testing.T) {
	tr := transport.NewScripted(&transport.Script{Responses: []transport.ScriptResponse{
		{ToolCalls: []transport.ScriptedToolCall{
			{CallID: "call-opt", Name: "get_user_option", Arguments: map[string]any{
				"prompt":  "How should we reach you?",
				"options": []map[string]any{{"id": "email", "label": "Email"}},
			}},
		}},
	}})
	s := newSession(t, tr, nil, "")
	defer s.Close(context.Background())

	_, err := s.Start(t.Context())
	require.NoError(t, err)
	require.NoError(t, s.SendUserMessage(t.Context(), "hi"))

	require.Eventually(t, func() bool { return s.State().DisplayedCard() != nil }, waitFor, 5*time.Millisecond)
	token := s.State().DisplayedCard().Token
	require.NotEmpty(t, token)

	action := Action{ID: "act-1", Kind: ActionResolve, Token: token, Payload: json.RawMessage(`{"selected":["email"]}`)}
	require.NoError(t, s.HandleUserAction(t.Context(), action))

	err = s.HandleUserAction(t.Context(), action)
	assert.ErrorIs(t, err, orcherr.ErrContinuationMisuse, "a token resolves once")

	require.Eventually(t, func() bool { return len(tr.Sent()) == 2 }, waitFor, 5*time.Millisecond)
	batch := tr.Sent()[1].(transport.ToolOutputBatch)
	assert.JSONEq(t, `{"status":"answered","selected":["email"],"custom_text":""}`, string(batch.Outputs[0].Output))
}

func TestSession_ParallelCardsAreShownInTurn(t *testing.T) {
	option := func(callID, prompt string) transport.ScriptedToolCall {
		return transport.ScriptedToolCall{CallID: callID, Name: "get_user_option", Arguments: map[string]any{
			"prompt":  prompt,
			"options": []map[string]any{{"id": "yes", "label": "Yes"}, {"id": "no", "label": "No"}},
		}}
	}
	tr := transport.NewScripted(&transport.Script{Responses: []transport.ScriptResponse{
		{ToolCalls: []transport.ScriptedToolCall{
			option("call-a", "Can we email you?"),
			option("call-b", "Can we call you?"),
		}},
		{Text: "Thanks."},
	}})
	s := newSession(t, tr, nil, "")
	defer s.Close(context.Background())

	_, err := s.Start(t.Context())
	require.NoError(t, err)
	require.NoError(t, s.SendUserMessage(t.Context(), "hi"))

	require.Eventually(t, func() bool {
		return len(s.PendingWaits()) == 2 && s.State().DisplayedCard() != nil
	}, waitFor, 5*time.Millisecond)
	first := s.State().DisplayedCard()
	require.NotNil(t, first)

	answer := json.RawMessage(`{"selected":["yes"]}`)
	require.NoError(t, s.HandleUserAction(t.Context(), Action{Kind: ActionResolve, Token: first.Token, Payload: answer}))

	pending := s.PendingWaits()
	require.Len(t, pending, 1)
	second := s.State().DisplayedCard()
	require.NotNil(t, second, "the other card comes back once the shown one is answered")
	assert.Equal(t, pending[0].Token, second.Token)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, domain.WaitingSelection, s.State().WaitingState())

	require.NoError(t, s.HandleUserAction(t.Context(), Action{Kind: ActionResolve, Token: second.Token, Payload: answer}))
	assert.Nil(t, s.State().DisplayedCard())
	assert.Equal(t, domain.WaitingNone, s.State().WaitingState())

	require.Eventually(t, func() bool { return len(tr.Sent()) == 2 }, waitFor, 5*time.Millisecond)
	batch := tr.Sent()[1].(transport.ToolOutputBatch)
	assert.Equal(t, []string{"call-a", "call-b"}, batch.CallIDs())
}

func TestSession_UnknownTokenIsMisuse(t *testing.T) {
	s := newSession(t, transport.NewScripted(nil), nil, "")
	defer s.Close(context.Background())
	_, err := s.Start(t.Context())
	require.NoError(t, err)

	err = s.HandleUserAction(t.Context(), Action{Token: "nope"})
	assert.ErrorIs(t, err, orcherr.ErrContinuationMisuse)
}

func queueConfig(retries int) queue.Config {
	return queue.Config{MaxRetries: retries, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestSession_ToolOutputFailureIsRetried(t *testing.T) {
	tr := transport.NewScripted(&transport.Script{Responses: []transport.ScriptResponse{
		{ToolCalls: []transport.ScriptedToolCall{
			{CallID: "call-a", Name: "update_notes", Arguments: map[string]any{"text": "prefers email"}},
		}},
		{Fail: "connection reset"},
		{Text: "Got it."},
	}})
	s, err := New(Config{SessionID: "applicant-1", Transport: tr, Queue: queueConfig(1)})
	require.NoError(t, err)
	defer s.Close(context.Background())

	_, err = s.Start(t.Context())
	require.NoError(t, err)
	require.NoError(t, s.SendUserMessage(t.Context(), "hi"))

	require.Eventually(t, func() bool { return len(tr.Sent()) == 3 && s.QueueState().CleanAnchor.Clean }, waitFor, 5*time.Millisecond)

	sent := tr.Sent()
	assert.Equal(t, sent[1], sent[2], "the failed tool output is replayed unchanged")

	recoveries := eventsOf[events.TransportRecovery](s.Bus())
	require.Len(t, recoveries, 1)
	assert.Equal(t, events.RecoveryRetry, recoveries[0].Action)

	last, _ := s.State().Transcript.Last()
	assert.Equal(t, "Got it.", last.Text)
}

func TestSession_MessageFailureRevertsToCleanAnchor(t *testing.T) {
	tr := transport.NewScripted(&transport.Script{Responses: []transport.ScriptResponse{
		{Text: "Hello!"},
		{Text: "Hel", Fail: "connection reset"},
	}})
	s := newSession(t, tr, nil, "")
	defer s.Close(context.Background())

	_, err := s.Start(t.Context())
	require.NoError(t, err)
	require.NoError(t, s.SendUserMessage(t.Context(), "hi"))
	require.Eventually(t, func() bool { return s.QueueState().CleanAnchor.Clean }, waitFor, 5*time.Millisecond)
	clean := s.QueueState().CleanAnchor
	require.Equal(t, 2, clean.TranscriptLen)

	require.NoError(t, s.SendUserMessage(t.Context(), "again"))
	require.Eventually(t, func() bool { return len(tr.Rewinds()) == 1 }, waitFor, 5*time.Millisecond)

	assert.Equal(t, clean, tr.Rewinds()[0])
	assert.Equal(t, 2, s.State().Transcript.Len(), "messages after the clean anchor are dropped")

	recoveries := eventsOf[events.TransportRecovery](s.Bus())
	require.Len(t, recoveries, 1)
	assert.Equal(t, events.RecoveryRevert, recoveries[0].Action)
}

func TestSession_RevertKeepsQueuedMessageInTranscript(t *testing.T) {
	tr := transport.NewScripted(&transport.Script{Responses: []transport.ScriptResponse{
		{Text: "Hello!"},
		{Text: "Hel", Fail: "connection reset"},
		{Text: "Sure."},
	}})
	s := newSession(t, tr, nil, "")
	defer s.Close(context.Background())

	// The next message arrives while "again" is still streaming.
	tr.OnSend(func(turn transport.Turn) {
		if msg, ok := turn.(transport.UserMessage); ok && msg.Text == "again" {
			assert.NoError(t, s.SendUserMessage(context.Background(), "queued message"))
		}
	})

	_, err := s.Start(t.Context())
	require.NoError(t, err)
	require.NoError(t, s.SendUserMessage(t.Context(), "hi"))
	require.Eventually(t, func() bool { return s.QueueState().CleanAnchor.Clean }, waitFor, 5*time.Millisecond)

	require.NoError(t, s.SendUserMessage(t.Context(), "again"))
	require.Eventually(t, func() bool {
		last, ok := s.State().Transcript.Last()
		return ok && last.Text == "Sure."
	}, waitFor, 5*time.Millisecond)

	sent := tr.Sent()
	require.Len(t, sent, 3)
	assert.Equal(t, "queued message", sent[2].(transport.UserMessage).Text)

	var got []string
	for _, m := range s.State().Transcript.Messages() {
		got = append(got, string(m.Role)+":"+m.Text)
	}
	assert.Equal(t, []string{"user:hi", "assistant:Hello!", "user:queued message", "assistant:Sure."}, got,
		"the failed turn is reverted but the queued message keeps its record")
}

func TestSession_ResumeRestoresFromStore(t *testing.T) {
	st := store.NewMemoryStore()

	first := transport.NewScripted(&transport.Script{Responses: []transport.ScriptResponse{
		{Text: "Welcome back soon."},
	}})
	a := newSession(t, first, st, "Begin the interview.")
	_, err := a.Start(t.Context())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.QueueState().CleanAnchor.Clean }, waitFor, 5*time.Millisecond)
	anchor := a.QueueState().CleanAnchor
	want := a.State().Transcript.Messages()
	require.NoError(t, a.Close(context.Background()))

	second := transport.NewScripted(nil)
	b := newSession(t, second, st, "Begin the interview.")
	defer b.Close(context.Background())

	restored, err := b.Start(t.Context())
	require.NoError(t, err)
	assert.True(t, restored)

	assert.Equal(t, summarize(want), summarize(b.State().Transcript.Messages()))
	assert.Empty(t, second.Sent(), "a resumed session does not replay the kickoff")
	assert.Equal(t, []transport.Anchor{anchor}, second.Rewinds())
	assert.True(t, b.QueueState().HasStreamedFirstResponse)

	page, err := st.ListJournal(t.Context(), store.JournalQuery{SessionID: "applicant-1", Limit: 500})
	require.NoError(t, err)
	assert.NotEmpty(t, page.Entries)
	for _, e := range page.Entries {
		assert.NotEqual(t, "text_delta", e.Kind)
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	s := newSession(t, transport.NewScripted(nil), nil, "")
	_, err := s.Start(t.Context())
	require.NoError(t, err)

	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))

	_, err = s.Start(t.Context())
	assert.ErrorIs(t, err, ErrSessionClosed)
}
