// ABOUTME: Single-writer objective ledger keyed by objective id
// ABOUTME: Applies ObjectiveUpdated events and republishes only effective status changes

package state

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/2389/intake-gateway/internal/domain"
	"github.com/2389/intake-gateway/internal/events"
)

// ObjectiveStore owns the objective ledger for every phase.
type ObjectiveStore struct {
	mu     sync.RWMutex
	ledger map[string]domain.Objective
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time
}

// NewObjectiveStore creates the ledger seeded with every known objective as
// pending and subscribes it to TopicObjective and TopicPhase.
func NewObjectiveStore(bus *events.Bus, logger *slog.Logger) *ObjectiveStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &ObjectiveStore{
		ledger: make(map[string]domain.Objective),
		bus:    bus,
		logger: logger.With("component", "objective_store"),
		now:    time.Now,
	}
	for _, p := range domain.AllPhases() {
		s.seedLocked(p)
	}
	bus.Subscribe(events.TopicObjective, "objective_store", s.handle)
	bus.Subscribe(events.TopicPhase, "objective_store", s.handlePhase)
	return s
}

// seedLocked adds missing objectives of phase p as pending.
func (s *ObjectiveStore) seedLocked(p domain.Phase) {
	for _, id := range p.Objectives() {
		if _, ok := s.ledger[id]; ok {
			continue
		}
		s.ledger[id] = domain.Objective{
			ID:        id,
			Phase:     p,
			Status:    domain.ObjectivePending,
			Source:    "seed",
			UpdatedAt: s.now(),
		}
	}
}

// Get returns one objective.
func (s *ObjectiveStore) Get(id string) (domain.Objective, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.ledger[id]
	if ok {
		o.Details = maps.Clone(o.Details)
	}
	return o, ok
}

// Statuses returns the status of every objective owned by phase p.
func (s *ObjectiveStore) Statuses(p domain.Phase) map[string]domain.ObjectiveStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]domain.ObjectiveStatus)
	for _, id := range p.Objectives() {
		if o, ok := s.ledger[id]; ok {
			out[id] = o.Status
		}
	}
	return out
}

// Export returns the full ledger sorted by phase then id.
func (s *ObjectiveStore) Export() []domain.Objective {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Objective, 0, len(s.ledger))
	for _, o := range s.ledger {
		o.Details = maps.Clone(o.Details)
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Phase != out[j].Phase {
			return out[i].Phase < out[j].Phase
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Restore replaces the ledger. Known objectives missing from objs are
// reseeded as pending.
func (s *ObjectiveStore) Restore(objs []domain.Objective) error {
	next := make(map[string]domain.Objective, len(objs))
	for _, o := range objs {
		if o.ID == "" {
			return fmt.Errorf("restore objectives: empty id")
		}
		if !o.Status.Valid() {
			return fmt.Errorf("restore objectives: %s has invalid status %q", o.ID, o.Status)
		}
		o.Details = maps.Clone(o.Details)
		next[o.ID] = o
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger = next
	for _, p := range domain.AllPhases() {
		s.seedLocked(p)
	}
	return nil
}

func (s *ObjectiveStore) handle(ctx context.Context, ev events.Event) {
	upd, ok := ev.Payload.(events.ObjectiveUpdated)
	if !ok {
		return
	}

	changed, err := s.apply(upd)
	if err != nil {
		s.logger.Warn("objective update ignored", "objective_id", upd.ID, "status", upd.Status, "error", err)
		return
	}
	if changed == nil {
		return
	}

	s.logger.Info("objective status changed",
		"objective_id", changed.ID,
		"from", changed.From,
		"to", changed.To,
		"source", changed.Source)
	if _, err := s.bus.Publish(ctx, *changed); err != nil {
		s.logger.Error("publishing objective change", "error", err)
	}
}

func (s *ObjectiveStore) handlePhase(_ context.Context, ev events.Event) {
	pc, ok := ev.Payload.(events.PhaseChanged)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seedLocked(pc.To)
}

// apply mutates the ledger and reports the status change, if any. Details
// are merged even when the status is unchanged.
func (s *ObjectiveStore) apply(upd events.ObjectiveUpdated) (*events.ObjectiveStatusChanged, error) {
	if !upd.Status.Valid() {
		return nil, fmt.Errorf("invalid status %q", upd.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.ledger[upd.ID]
	if !ok {
		p, known := domain.PhaseOfObjective(upd.ID)
		if !known {
			return nil, fmt.Errorf("unknown objective %q", upd.ID)
		}
		cur = domain.Objective{ID: upd.ID, Phase: p, Status: domain.ObjectivePending}
	}

	from := cur.Status
	if len(upd.Details) > 0 {
		if cur.Details == nil {
			cur.Details = make(map[string]any, len(upd.Details))
		}
		maps.Copy(cur.Details, upd.Details)
	}
	cur.Status = upd.Status
	cur.Source = upd.Source
	cur.UpdatedAt = s.now()
	s.ledger[upd.ID] = cur

	if from == upd.Status {
		return nil, nil
	}
	return &events.ObjectiveStatusChanged{
		ID:     upd.ID,
		Phase:  cur.Phase,
		From:   from,
		To:     upd.Status,
		Source: upd.Source,
	}, nil
}
