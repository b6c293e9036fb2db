// ABOUTME: Subphase inference from phase, displayed card and objective status
// ABOUTME: A displayed card wins over objective-derived inference

package gating

import (
	"github.com/2389/intake-gateway/internal/domain"
)

// Subphase is a fine-grained state within a phase that selects a tool bundle.
type Subphase string

const (
	SubphaseWelcome            Subphase = "welcome"
	SubphaseContactIntake      Subphase = "contact_intake"
	SubphaseProfileValidation  Subphase = "profile_validation"
	SubphaseUpload             Subphase = "upload"
	SubphaseSelection          Subphase = "selection"
	SubphaseValidationReview   Subphase = "validation_review"
	SubphaseTimelineCollection Subphase = "timeline_collection"
	SubphaseTimelineEditing    Subphase = "timeline_editing"
	SubphaseTimelineEnrichment Subphase = "timeline_enrichment"
	SubphaseArtifactCollection Subphase = "artifact_collection"
	SubphaseKnowledgeCards     Subphase = "knowledge_cards"
	SubphaseDossier            Subphase = "dossier"
	SubphaseWrapUp             Subphase = "wrap_up"
	SubphaseComplete           Subphase = "complete"
)

// AllSubphases lists every subphase.
func AllSubphases() []Subphase {
	return []Subphase{
		SubphaseWelcome, SubphaseContactIntake, SubphaseProfileValidation,
		SubphaseUpload, SubphaseSelection, SubphaseValidationReview,
		SubphaseTimelineCollection, SubphaseTimelineEditing, SubphaseTimelineEnrichment,
		SubphaseArtifactCollection, SubphaseKnowledgeCards, SubphaseDossier,
		SubphaseWrapUp, SubphaseComplete,
	}
}

// Valid reports whether s is a known subphase.
func (s Subphase) Valid() bool {
	for _, k := range AllSubphases() {
		if s == k {
			return true
		}
	}
	return false
}

var cardSubphases = map[domain.CardKind]Subphase{
	domain.CardChoice:          SubphaseSelection,
	domain.CardUpload:          SubphaseUpload,
	domain.CardValidation:      SubphaseValidationReview,
	domain.CardProfileIntake:   SubphaseContactIntake,
	domain.CardTimelineEditor:  SubphaseTimelineEditing,
	domain.CardSectionToggle:   SubphaseTimelineEnrichment,
	domain.CardKnowledgeReview: SubphaseKnowledgeCards,
}

var objectiveSubphases = map[string]Subphase{
	domain.ObjectiveProfile:          SubphaseWelcome,
	domain.ObjectiveContactSource:    SubphaseContactIntake,
	domain.ObjectiveProfileValidated: SubphaseProfileValidation,
	domain.ObjectiveTimeline:         SubphaseTimelineCollection,
	domain.ObjectiveTimelineEnriched: SubphaseTimelineEnrichment,
	domain.ObjectiveArtifacts:        SubphaseArtifactCollection,
	domain.ObjectiveKnowledgeCards:   SubphaseKnowledgeCards,
	domain.ObjectiveWritingSamples:   SubphaseArtifactCollection,
	domain.ObjectiveDossier:          SubphaseDossier,
}

// InferSubphase derives the subphase. The displayed card, when its kind is
// known, is ground truth. Otherwise the phase's objectives are walked in
// priority order and the first unmet one decides; a missing status counts as
// unmet. With every objective met the phase is wrapping up.
func InferSubphase(phase domain.Phase, card *domain.Card, objectives map[string]domain.ObjectiveStatus) Subphase {
	if phase == domain.PhaseComplete {
		return SubphaseComplete
	}
	if card != nil {
		if s, ok := cardSubphases[card.Kind]; ok {
			return s
		}
	}
	for _, id := range phase.Objectives() {
		if objectives[id].Met() {
			continue
		}
		if s, ok := objectiveSubphases[id]; ok {
			return s
		}
	}
	return SubphaseWrapUp
}
