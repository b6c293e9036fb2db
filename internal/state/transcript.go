// ABOUTME: Single-writer conversation transcript with the in-progress assistant draft
// ABOUTME: Streams deltas into a draft, finalizes it (possibly partial) and truncates to anchors

package state

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/intake-gateway/internal/domain"
	"github.com/2389/intake-gateway/internal/events"
)

// TranscriptStore owns finalized messages and the streaming draft.
type TranscriptStore struct {
	mu        sync.RWMutex
	messages  []domain.Message
	draft     strings.Builder
	draftTurn string
	logger    *slog.Logger
}

// NewTranscriptStore creates the store and subscribes it to the stream,
// transcript and tool topics.
func NewTranscriptStore(bus *events.Bus, logger *slog.Logger) *TranscriptStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &TranscriptStore{logger: logger.With("component", "transcript_store")}
	bus.Subscribe(events.TopicStream, "transcript_store", s.handle)
	bus.Subscribe(events.TopicTranscript, "transcript_store", s.handle)
	bus.Subscribe(events.TopicTool, "transcript_store", s.handle)
	return s
}

func (s *TranscriptStore) handle(_ context.Context, ev events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch p := ev.Payload.(type) {
	case events.TextDelta:
		if s.draftTurn != p.TurnID && s.draft.Len() > 0 {
			// A new turn started without finalizing the last one.
			s.finalizeLocked("", true, ev.Timestamp)
		}
		s.draftTurn = p.TurnID
		s.draft.WriteString(p.Text)
	case events.StreamFinalized:
		s.finalizeLocked(p.MessageID, p.Partial, ev.Timestamp)
	case events.UserMessageRecorded:
		s.appendLocked(domain.Message{ID: p.MessageID, Role: domain.RoleUser, Text: p.Text, CreatedAt: ev.Timestamp})
	case events.DeveloperMessageRecorded:
		s.appendLocked(domain.Message{ID: p.MessageID, Role: domain.RoleDeveloper, Text: p.Text, CreatedAt: ev.Timestamp})
	case events.ToolCallRequested:
		s.appendLocked(domain.Message{
			Role:       domain.RoleToolCall,
			Text:       string(p.Arguments),
			ToolCallID: p.CallID,
			ToolName:   p.Name,
			CreatedAt:  ev.Timestamp,
		})
	case events.ToolStatus:
		s.appendLocked(domain.Message{
			Role:       domain.RoleToolStatus,
			Text:       string(p.Status),
			ToolCallID: p.CallID,
			ToolName:   p.ToolName,
			CreatedAt:  ev.Timestamp,
		})
	case events.ToolResultRecorded:
		s.appendLocked(domain.Message{
			Role:       domain.RoleToolResult,
			Text:       string(p.Output),
			ToolCallID: p.CallID,
			ToolName:   p.ToolName,
			CreatedAt:  ev.Timestamp,
		})
	case events.TranscriptTruncated:
		s.draft.Reset()
		s.draftTurn = ""
		if p.Length >= 0 && p.Length < len(s.messages) {
			s.truncateLocked(p.Length, p.Keep, p.Reason)
		}
	}
}

func (s *TranscriptStore) truncateLocked(length int, keep []string, reason string) {
	from := len(s.messages)
	tail := s.messages[length:]
	s.messages = s.messages[:length:length]
	for _, m := range tail {
		if m.ID != "" && slices.Contains(keep, m.ID) {
			s.messages = append(s.messages, m)
		}
	}
	s.logger.Info("transcript truncated", "from", from, "to", len(s.messages), "kept", len(s.messages)-length, "reason", reason)
}

// finalizeLocked turns the draft into an assistant message. An empty
// non-partial draft produces nothing (tool-call-only responses).
func (s *TranscriptStore) finalizeLocked(id string, partial bool, at time.Time) {
	text := s.draft.String()
	s.draft.Reset()
	s.draftTurn = ""
	if text == "" {
		return
	}
	s.appendLocked(domain.Message{ID: id, Role: domain.RoleAssistant, Text: text, Partial: partial, CreatedAt: at})
}

func (s *TranscriptStore) appendLocked(m domain.Message) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	s.messages = append(s.messages, m)
}

// Messages returns a copy of the finalized transcript.
func (s *TranscriptStore) Messages() []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of finalized messages.
func (s *TranscriptStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Last returns the most recent finalized message.
func (s *TranscriptStore) Last() (domain.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.messages) == 0 {
		return domain.Message{}, false
	}
	return s.messages[len(s.messages)-1], true
}

// Draft returns the text streamed so far for the current turn.
func (s *TranscriptStore) Draft() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.draft.String()
}

// Restore replaces the transcript and discards any draft.
func (s *TranscriptStore) Restore(msgs []domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append([]domain.Message(nil), msgs...)
	s.draft.Reset()
	s.draftTurn = ""
}
