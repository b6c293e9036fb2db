// ABOUTME: Interview phases and their objectives
// ABOUTME: Phases are ordered with a deterministic successor and own a fixed objective list

package domain

import (
	"fmt"
	"strings"
)

// Phase is a coarse stage of the intake interview. Phases are ordered.
type Phase int

const (
	PhaseUnknown Phase = iota
	PhaseProfile
	PhaseHistory
	PhaseReview
	PhaseComplete
)

var phaseNames = map[Phase]string{
	PhaseProfile:  "phase1_core_facts",
	PhaseHistory:  "phase2_deep_dive",
	PhaseReview:   "phase3_writing_corpus",
	PhaseComplete: "complete",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	_, ok := phaseNames[p]
	return ok
}

// Successor returns the next phase. PhaseComplete is terminal and returns itself.
func (p Phase) Successor() Phase {
	switch p {
	case PhaseProfile:
		return PhaseHistory
	case PhaseHistory:
		return PhaseReview
	case PhaseReview, PhaseComplete:
		return PhaseComplete
	default:
		return PhaseProfile
	}
}

// ParsePhase accepts the canonical name, a short alias, or the ordinal.
func ParsePhase(s string) (Phase, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	for p, name := range phaseNames {
		if s == name {
			return p, nil
		}
	}
	switch s {
	case "1", "profile":
		return PhaseProfile, nil
	case "2", "history":
		return PhaseHistory, nil
	case "3", "review":
		return PhaseReview, nil
	case "4":
		return PhaseComplete, nil
	}
	return PhaseUnknown, fmt.Errorf("unknown phase %q", s)
}

// MarshalText encodes the phase by name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a phase name.
func (p *Phase) UnmarshalText(b []byte) error {
	parsed, err := ParsePhase(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Objective ids, grouped by phase.
const (
	ObjectiveProfile          = "applicant_profile"
	ObjectiveContactSource    = "contact_source_selected"
	ObjectiveProfileValidated = "contact_data_validated"
	ObjectiveTimeline         = "skeleton_timeline"
	ObjectiveTimelineEnriched = "enabled_sections"
	ObjectiveArtifacts        = "evidence_audit_completed"
	ObjectiveKnowledgeCards   = "knowledge_cards"
	ObjectiveWritingSamples   = "writing_samples"
	ObjectiveDossier          = "dossier_complete"
)

// phaseObjectives lists each phase's objectives in priority order; the gating
// engine walks this order to find the first unmet prerequisite.
var phaseObjectives = map[Phase][]string{
	PhaseProfile:  {ObjectiveProfile, ObjectiveContactSource, ObjectiveProfileValidated},
	PhaseHistory:  {ObjectiveTimeline, ObjectiveTimelineEnriched, ObjectiveArtifacts},
	PhaseReview:   {ObjectiveKnowledgeCards, ObjectiveWritingSamples, ObjectiveDossier},
	PhaseComplete: nil,
}

// Objectives returns the phase's objective ids in priority order.
func (p Phase) Objectives() []string {
	objs := phaseObjectives[p]
	out := make([]string, len(objs))
	copy(out, objs)
	return out
}

// AllPhases returns every valid phase in order.
func AllPhases() []Phase {
	return []Phase{PhaseProfile, PhaseHistory, PhaseReview, PhaseComplete}
}

// PhaseOfObjective returns the phase that owns an objective id.
func PhaseOfObjective(id string) (Phase, bool) {
	for p, objs := range phaseObjectives {
		for _, o := range objs {
			if o == id {
				return p, true
			}
		}
	}
	return PhaseUnknown, false
}
