// ABOUTME: Single-writer store for collected artifacts and scratchpad notes
// ABOUTME: Mutated only by ArtifactUpserted, ArtifactRemoved and NoteRecorded events

package state

import (
	"context"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/2389/intake-gateway/internal/domain"
	"github.com/2389/intake-gateway/internal/events"
)

// ArtifactStore owns collected data.
type ArtifactStore struct {
	mu        sync.RWMutex
	artifacts map[string]domain.Artifact
	notes     []string
	logger    *slog.Logger
}

// NewArtifactStore creates the store and subscribes it to TopicArtifact.
func NewArtifactStore(bus *events.Bus, logger *slog.Logger) *ArtifactStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &ArtifactStore{
		artifacts: make(map[string]domain.Artifact),
		logger:    logger.With("component", "artifact_store"),
	}
	bus.Subscribe(events.TopicArtifact, "artifact_store", s.handle)
	return s
}

func (s *ArtifactStore) handle(_ context.Context, ev events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch p := ev.Payload.(type) {
	case events.ArtifactUpserted:
		a := p.Artifact
		if a.ID == "" {
			s.logger.Warn("artifact without id ignored", "kind", a.Kind)
			return
		}
		if a.UpdatedAt.IsZero() {
			a.UpdatedAt = time.Now()
		}
		a.Data = maps.Clone(a.Data)
		s.artifacts[a.ID] = a
		s.logger.Debug("artifact upserted", "artifact_id", a.ID, "kind", a.Kind)
	case events.ArtifactRemoved:
		delete(s.artifacts, p.ID)
		s.logger.Debug("artifact removed", "artifact_id", p.ID)
	case events.NoteRecorded:
		s.notes = append(s.notes, p.Text)
	}
}

// Get returns one artifact.
func (s *ArtifactStore) Get(id string) (domain.Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[id]
	a.Data = maps.Clone(a.Data)
	return a, ok
}

// List returns artifacts of the given kind, or all when kind is empty,
// sorted by id.
func (s *ArtifactStore) List(kind string) []domain.Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Artifact, 0, len(s.artifacts))
	for _, a := range s.artifacts {
		if kind != "" && a.Kind != kind {
			continue
		}
		a.Data = maps.Clone(a.Data)
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Notes returns the scratchpad notes in recording order.
func (s *ArtifactStore) Notes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.notes))
	copy(out, s.notes)
	return out
}

// Restore replaces the artifact set and notes.
func (s *ArtifactStore) Restore(artifacts []domain.Artifact, notes []string) {
	next := make(map[string]domain.Artifact, len(artifacts))
	for _, a := range artifacts {
		a.Data = maps.Clone(a.Data)
		next[a.ID] = a
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts = next
	s.notes = append([]string(nil), notes...)
}
