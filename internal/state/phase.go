// ABOUTME: Single-writer store for the current interview phase
// ABOUTME: Applies forward-only transitions requested over the bus, with explicit override

package state

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/intake-gateway/internal/domain"
	"github.com/2389/intake-gateway/internal/events"
)

// PhaseStore owns the current phase.
type PhaseStore struct {
	mu     sync.RWMutex
	phase  domain.Phase
	bus    *events.Bus
	logger *slog.Logger
}

// NewPhaseStore creates the store and subscribes it to TopicPhase.
func NewPhaseStore(bus *events.Bus, initial domain.Phase, logger *slog.Logger) *PhaseStore {
	if logger == nil {
		logger = slog.Default()
	}
	if !initial.Valid() {
		initial = domain.PhaseProfile
	}
	s := &PhaseStore{
		phase:  initial,
		bus:    bus,
		logger: logger.With("component", "phase_store"),
	}
	bus.Subscribe(events.TopicPhase, "phase_store", s.handle)
	return s
}

// Current returns the current phase.
func (s *PhaseStore) Current() domain.Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Restore sets the phase from a snapshot without publishing.
func (s *PhaseStore) Restore(p domain.Phase) error {
	if !p.Valid() {
		return fmt.Errorf("restore phase: invalid phase %d", int(p))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = p
	return nil
}

func (s *PhaseStore) handle(ctx context.Context, ev events.Event) {
	req, ok := ev.Payload.(events.PhaseAdvanceRequested)
	if !ok {
		return
	}

	from, to, err := s.advance(req)
	if err != nil {
		s.logger.Warn("phase transition rejected",
			"from", from,
			"to", to,
			"override", req.Override,
			"reason", req.Reason,
			"error", err)
		if _, perr := s.bus.Publish(ctx, events.PhaseAdvanceRejected{From: from, To: to, Reason: err.Error()}); perr != nil {
			s.logger.Error("publishing phase rejection", "error", perr)
		}
		return
	}

	s.logger.Info("phase changed", "from", from, "to", to, "override", req.Override, "reason", req.Reason)
	if _, err := s.bus.Publish(ctx, events.PhaseChanged{From: from, To: to}); err != nil {
		s.logger.Error("publishing phase change", "error", err)
	}
}

// advance applies the transition and returns the old and new phase.
func (s *PhaseStore) advance(req events.PhaseAdvanceRequested) (domain.Phase, domain.Phase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.phase
	to := req.To
	if to == domain.PhaseUnknown {
		to = from.Successor()
	}

	switch {
	case !to.Valid():
		return from, to, fmt.Errorf("invalid target phase %d", int(to))
	case to == from:
		return from, to, fmt.Errorf("already in phase %s", from)
	case !req.Override && to < from:
		return from, to, fmt.Errorf("cannot move backward from %s to %s without override", from, to)
	case !req.Override && to != from.Successor():
		return from, to, fmt.Errorf("cannot skip from %s to %s without override", from, to)
	}

	s.phase = to
	return from, to, nil
}
