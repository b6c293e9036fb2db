// ABOUTME: Single-writer store for the displayed card and the active waiting state
// ABOUTME: At most one waiting state is active; token-scoped clears never drop a newer wait

package state

import (
	"context"
	"log/slog"
	"maps"
	"sync"

	"github.com/2389/intake-gateway/internal/domain"
	"github.com/2389/intake-gateway/internal/events"
)

// UIStore owns the interactive card and waiting state.
type UIStore struct {
	mu           sync.RWMutex
	card         *domain.Card
	waiting      domain.WaitingState
	waitingToken string
	logger       *slog.Logger
}

// NewUIStore creates the store and subscribes it to TopicUI.
func NewUIStore(bus *events.Bus, logger *slog.Logger) *UIStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &UIStore{logger: logger.With("component", "ui_store")}
	bus.Subscribe(events.TopicUI, "ui_store", s.handle)
	return s
}

func (s *UIStore) handle(_ context.Context, ev events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch p := ev.Payload.(type) {
	case events.CardShown:
		c := p.Card
		c.Payload = maps.Clone(c.Payload)
		if s.card != nil && s.card.ID != c.ID {
			s.logger.Debug("card replaced", "old_card", s.card.ID, "new_card", c.ID)
		}
		s.card = &c
	case events.CardDismissed:
		if s.card == nil {
			return
		}
		if p.CardID != "" && p.CardID != s.card.ID {
			s.logger.Debug("stale card dismissal ignored", "card_id", p.CardID, "shown", s.card.ID)
			return
		}
		s.card = nil
	case events.WaitingStateSet:
		if !p.State.Valid() {
			s.logger.Warn("invalid waiting state ignored", "state", p.State)
			return
		}
		if s.waiting != domain.WaitingNone && s.waitingToken != p.Token {
			s.logger.Info("waiting state replaced",
				"old_state", s.waiting,
				"old_token", s.waitingToken,
				"new_state", p.State,
				"new_token", p.Token)
		}
		s.waiting = p.State
		s.waitingToken = p.Token
		if p.State == domain.WaitingNone {
			s.waitingToken = ""
		}
	case events.WaitingStateCleared:
		if p.Token != "" && p.Token != s.waitingToken {
			return
		}
		s.waiting = domain.WaitingNone
		s.waitingToken = ""
	}
}

// Card returns a copy of the displayed card, or nil.
func (s *UIStore) Card() *domain.Card {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.card == nil {
		return nil
	}
	c := *s.card
	c.Payload = maps.Clone(c.Payload)
	return &c
}

// Waiting returns the active waiting state and the token that owns it.
func (s *UIStore) Waiting() (domain.WaitingState, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.waiting, s.waitingToken
}

// Restore sets the displayed card. Waiting states are not restored: the
// continuations that owned them do not survive a restart.
func (s *UIStore) Restore(card *domain.Card) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if card == nil {
		s.card = nil
	} else {
		c := *card
		c.Payload = maps.Clone(c.Payload)
		s.card = &c
	}
	s.waiting = domain.WaitingNone
	s.waitingToken = ""
}
