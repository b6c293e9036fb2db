// ABOUTME: Convenience constructor wiring every store to one bus
// ABOUTME: Subscription order here fixes the order stores observe shared topics

package state

import (
	"log/slog"

	"github.com/2389/intake-gateway/internal/domain"
	"github.com/2389/intake-gateway/internal/events"
)

// Set groups the stores of one session.
type Set struct {
	Phase      *PhaseStore
	Objectives *ObjectiveStore
	Artifacts  *ArtifactStore
	UI         *UIStore
	Transcript *TranscriptStore
}

// NewSet creates every store on bus. Stores subscribe before any other
// component so their state is current when later subscribers run.
func NewSet(bus *events.Bus, initial domain.Phase, logger *slog.Logger) *Set {
	return &Set{
		Phase:      NewPhaseStore(bus, initial, logger),
		Objectives: NewObjectiveStore(bus, logger),
		Artifacts:  NewArtifactStore(bus, logger),
		UI:         NewUIStore(bus, logger),
		Transcript: NewTranscriptStore(bus, logger),
	}
}

// CurrentPhase returns the phase store's value.
func (s *Set) CurrentPhase() domain.Phase { return s.Phase.Current() }

// DisplayedCard returns the UI store's card.
func (s *Set) DisplayedCard() *domain.Card { return s.UI.Card() }

// WaitingState returns the UI store's active waiting state.
func (s *Set) WaitingState() domain.WaitingState {
	w, _ := s.UI.Waiting()
	return w
}

// ObjectiveStatuses returns the objective statuses of phase p.
func (s *Set) ObjectiveStatuses(p domain.Phase) map[string]domain.ObjectiveStatus {
	return s.Objectives.Statuses(p)
}

// ArtifactCounts returns the number of artifacts per kind.
func (s *Set) ArtifactCounts() map[string]int {
	counts := make(map[string]int)
	for _, a := range s.Artifacts.List("") {
		counts[a.Kind]++
	}
	return counts
}
