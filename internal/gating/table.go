// ABOUTME: The authoritative card-driven tool policy table
// ABOUTME: Subphase bundles, phase policy, escape tools and waiting exemptions, overridable from TOML

package gating

import (
	"fmt"
	"slices"

	"github.com/BurntSushi/toml"

	"github.com/2389/intake-gateway/internal/domain"
)

// Tool names known to the policy table.
const (
	ToolUpdateNotes         = "update_notes"
	ToolNextPhase           = "next_phase"
	ToolSetObjectiveStatus  = "set_objective_status"
	ToolGetUserOption       = "get_user_option"
	ToolGetUserUpload       = "get_user_upload"
	ToolSubmitForValidation = "submit_for_validation"
	ToolUpdateArtifact      = "update_artifact"
	ToolCreateTimelineCard  = "create_timeline_card"
	ToolUpdateTimelineCard  = "update_timeline_card"
	ToolDeleteTimelineCard  = "delete_timeline_card"
	ToolReorderTimeline     = "reorder_timeline_cards"
)

var timelineTools = []string{ToolCreateTimelineCard, ToolUpdateTimelineCard, ToolDeleteTimelineCard, ToolReorderTimeline}

// Table is the tool policy. Keys are phase names, subphase names and waiting
// state names so the table round-trips through TOML.
type Table struct {
	// Escape tools are always permitted.
	Escape []string `toml:"escape"`
	// Phases lists the tools a phase may ever permit.
	Phases map[string][]string `toml:"phases"`
	// Subphases maps each subphase to its minimal bundle.
	Subphases map[string][]string `toml:"subphases"`
	// Exemptions lists the tools kept while a waiting state is active.
	Exemptions map[string][]string `toml:"exemptions"`
}

func with(base []string, extra ...string) []string {
	out := make([]string, 0, len(base)+len(extra))
	out = append(out, base...)
	return append(out, extra...)
}

// DefaultTable returns the built-in policy.
func DefaultTable() *Table {
	profileTools := []string{ToolGetUserOption, ToolGetUserUpload, ToolSubmitForValidation, ToolUpdateArtifact, ToolSetObjectiveStatus}
	return &Table{
		Escape: []string{ToolUpdateNotes, ToolNextPhase},
		Phases: map[string][]string{
			domain.PhaseProfile.String():  profileTools,
			domain.PhaseHistory.String():  with(profileTools, timelineTools...),
			domain.PhaseReview.String():   profileTools,
			domain.PhaseComplete.String(): {},
		},
		Subphases: map[string][]string{
			string(SubphaseWelcome):            {ToolGetUserOption, ToolSetObjectiveStatus},
			string(SubphaseContactIntake):      {ToolGetUserOption, ToolGetUserUpload, ToolUpdateArtifact, ToolSetObjectiveStatus},
			string(SubphaseProfileValidation):  {ToolSubmitForValidation, ToolUpdateArtifact, ToolSetObjectiveStatus},
			string(SubphaseUpload):             {ToolGetUserUpload, ToolUpdateArtifact, ToolSetObjectiveStatus},
			string(SubphaseSelection):          {ToolGetUserOption, ToolSetObjectiveStatus},
			string(SubphaseValidationReview):   with(timelineTools, ToolSubmitForValidation, ToolUpdateArtifact, ToolSetObjectiveStatus),
			string(SubphaseTimelineCollection): with(timelineTools, ToolGetUserUpload, ToolSetObjectiveStatus),
			string(SubphaseTimelineEditing):    with(timelineTools, ToolSubmitForValidation, ToolSetObjectiveStatus),
			string(SubphaseTimelineEnrichment): {ToolGetUserOption, ToolUpdateTimelineCard, ToolUpdateArtifact, ToolSetObjectiveStatus},
			string(SubphaseArtifactCollection): {ToolGetUserUpload, ToolGetUserOption, ToolUpdateArtifact, ToolSetObjectiveStatus},
			string(SubphaseKnowledgeCards):     {ToolUpdateArtifact, ToolSubmitForValidation, ToolSetObjectiveStatus},
			string(SubphaseDossier):            {ToolUpdateArtifact, ToolSubmitForValidation, ToolSetObjectiveStatus},
			string(SubphaseWrapUp):             {ToolSetObjectiveStatus},
			string(SubphaseComplete):           {},
		},
		Exemptions: map[string][]string{
			string(domain.WaitingValidation): timelineTools,
		},
	}
}

// LoadTable reads a TOML file and overlays it on DefaultTable. Sections
// present in the file replace the defaults key by key.
func LoadTable(path string) (*Table, error) {
	var override Table
	if _, err := toml.DecodeFile(path, &override); err != nil {
		return nil, fmt.Errorf("decoding policy table %s: %w", path, err)
	}

	t := DefaultTable()
	if override.Escape != nil {
		t.Escape = override.Escape
	}
	for k, v := range override.Phases {
		t.Phases[k] = v
	}
	for k, v := range override.Subphases {
		t.Subphases[k] = v
	}
	for k, v := range override.Exemptions {
		t.Exemptions[k] = v
	}

	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("policy table %s: %w", path, err)
	}
	return t, nil
}

// Validate checks that every key names a known phase, subphase or waiting
// state and that escape tools exist.
func (t *Table) Validate() error {
	if len(t.Escape) == 0 {
		return fmt.Errorf("at least one escape tool is required")
	}
	for k := range t.Phases {
		if _, err := domain.ParsePhase(k); err != nil {
			return fmt.Errorf("phases: %w", err)
		}
	}
	for k := range t.Subphases {
		if !Subphase(k).Valid() {
			return fmt.Errorf("subphases: unknown subphase %q", k)
		}
	}
	for k := range t.Exemptions {
		w, err := domain.ParseWaitingState(k)
		if err != nil || w == domain.WaitingNone {
			return fmt.Errorf("exemptions: unknown waiting state %q", k)
		}
	}
	return nil
}

// Tools returns every tool name the table mentions, sorted.
func (t *Table) Tools() []string {
	seen := make(map[string]bool)
	add := func(names []string) {
		for _, n := range names {
			seen[n] = true
		}
	}
	add(t.Escape)
	for _, v := range t.Phases {
		add(v)
	}
	for _, v := range t.Subphases {
		add(v)
	}
	for _, v := range t.Exemptions {
		add(v)
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}
