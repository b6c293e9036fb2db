// ABOUTME: Tests for subphase inference, tool computation and the gatekeeper
// ABOUTME: Includes card precedence, waiting exemptions, churn suppression and violations

package gating

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/2389/intake-gateway/internal/domain"
	"github.com/2389/intake-gateway/internal/events"
	"github.com/2389/intake-gateway/internal/orcherr"
	"github.com/2389/intake-gateway/internal/state"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func pending(p domain.Phase) map[string]domain.ObjectiveStatus {
	out := make(map[string]domain.ObjectiveStatus)
	for _, id := range p.Objectives() {
		out[id] = domain.ObjectivePending
	}
	return out
}

func TestInferSubphase(t *testing.T) {
	met := pending(domain.PhaseProfile)
	met[domain.ObjectiveProfile] = domain.ObjectiveCompleted
	met[domain.ObjectiveContactSource] = domain.ObjectiveSkipped

	allMet := map[string]domain.ObjectiveStatus{}
	for _, id := range domain.PhaseHistory.Objectives() {
		allMet[id] = domain.ObjectiveCompleted
	}

	tests := []struct {
		name  string
		phase domain.Phase
		card  *domain.Card
		objs  map[string]domain.ObjectiveStatus
		want  Subphase
	}{
		{"first unmet", domain.PhaseProfile, nil, pending(domain.PhaseProfile), SubphaseWelcome},
		{"skipped counts as met", domain.PhaseProfile, nil, met, SubphaseProfileValidation},
		{"missing status is unmet", domain.PhaseHistory, nil, nil, SubphaseTimelineCollection},
		{"all met", domain.PhaseHistory, nil, allMet, SubphaseWrapUp},
		{"card wins", domain.PhaseProfile, &domain.Card{Kind: domain.CardUpload}, pending(domain.PhaseProfile), SubphaseUpload},
		{"unknown card kind falls back", domain.PhaseProfile, &domain.Card{Kind: "mystery"}, pending(domain.PhaseProfile), SubphaseWelcome},
		{"complete", domain.PhaseComplete, &domain.Card{Kind: domain.CardUpload}, nil, SubphaseComplete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InferSubphase(tt.phase, tt.card, tt.objs))
		})
	}
}

func TestCompute_CardPrecedenceScenario(t *testing.T) {
	table := DefaultTable()
	objs := pending(domain.PhaseProfile)

	welcome := table.Compute(Input{Phase: domain.PhaseProfile, Objectives: objs})
	assert.Equal(t, SubphaseWelcome, welcome.Subphase)
	assert.Equal(t, []string{ToolGetUserOption, ToolNextPhase, ToolSetObjectiveStatus, ToolUpdateNotes}, welcome.Tools)

	upload := table.Compute(Input{
		Phase:      domain.PhaseProfile,
		Card:       &domain.Card{ID: "c1", Kind: domain.CardUpload},
		Objectives: objs,
	})
	assert.Equal(t, SubphaseUpload, upload.Subphase)
	assert.Equal(t, []string{ToolGetUserUpload, ToolNextPhase, ToolSetObjectiveStatus, ToolUpdateArtifact, ToolUpdateNotes}, upload.Tools)
	assert.False(t, welcome.Equal(upload))
}

func TestCompute_EscapeToolsSurviveEverything(t *testing.T) {
	table := DefaultTable()
	res := table.Compute(Input{
		Phase:    domain.PhaseComplete,
		Waiting:  domain.WaitingProcessing,
		Excluded: map[string]bool{ToolUpdateNotes: true, ToolNextPhase: true},
	})
	assert.Equal(t, []string{ToolNextPhase, ToolUpdateNotes}, res.Tools)
}

func TestCompute_WaitingExemptions(t *testing.T) {
	table := DefaultTable()
	card := &domain.Card{Kind: domain.CardValidation}

	res := table.Compute(Input{Phase: domain.PhaseHistory, Card: card, Waiting: domain.WaitingValidation})
	assert.Equal(t, SubphaseValidationReview, res.Subphase)
	assert.Contains(t, res.Tools, ToolCreateTimelineCard)
	assert.NotContains(t, res.Tools, ToolSubmitForValidation)

	// The same exemption does not leak tools the phase never permits.
	res = table.Compute(Input{Phase: domain.PhaseProfile, Card: card, Waiting: domain.WaitingValidation})
	assert.NotContains(t, res.Tools, ToolCreateTimelineCard)

	res = table.Compute(Input{Phase: domain.PhaseProfile, Waiting: domain.WaitingSelection})
	assert.Equal(t, []string{ToolNextPhase, ToolUpdateNotes}, res.Tools)
}

func TestCompute_RuntimeExclusions(t *testing.T) {
	res := DefaultTable().Compute(Input{
		Phase:      domain.PhaseProfile,
		Objectives: pending(domain.PhaseProfile),
		Excluded:   map[string]bool{ToolGetUserOption: true},
	})
	assert.NotContains(t, res.Tools, ToolGetUserOption)
	assert.Contains(t, res.Tools, ToolSetObjectiveStatus)
}

func TestLoadTable_OverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
escape = ["update_notes"]

[subphases]
welcome = ["get_user_upload"]
`), 0o644))

	table, err := LoadTable(path)
	require.NoError(t, err)
	assert.Equal(t, []string{ToolUpdateNotes}, table.Escape)
	assert.Equal(t, []string{ToolGetUserUpload}, table.Subphases["welcome"])
	assert.NotEmpty(t, table.Subphases["upload"])

	res := table.Compute(Input{Phase: domain.PhaseProfile, Objectives: pending(domain.PhaseProfile)})
	assert.Equal(t, []string{ToolGetUserUpload, ToolUpdateNotes}, res.Tools)
}

func TestLoadTable_RejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.toml")
	require.NoError(t, os.WriteFile(path, []byte("[subphases]\nlunch = [\"x\"]\n"), 0o644))

	_, err := LoadTable(path)
	assert.ErrorContains(t, err, "lunch")
}

func TestAdmissionPolicy_DefaultExcludesIdleTimelineTools(t *testing.T) {
	policy, err := NewAdmissionPolicy(t.Context(), DefaultAdmissionPolicy)
	require.NoError(t, err)

	ex, err := policy.Excluded(t.Context(), AdmissionInput{Phase: domain.PhaseHistory.String(), Artifacts: map[string]int{}})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{
		ToolReorderTimeline:    true,
		ToolUpdateTimelineCard: true,
		ToolDeleteTimelineCard: true,
	}, ex)

	ex, err = policy.Excluded(t.Context(), AdmissionInput{Artifacts: map[string]int{"timeline_card": 3}})
	require.NoError(t, err)
	assert.Empty(t, ex)
}

func TestAdmissionPolicy_CompileError(t *testing.T) {
	_, err := NewAdmissionPolicy(t.Context(), "package tool_admission\nexcluded contains {")
	assert.Error(t, err)
}

type gateFixture struct {
	bus    *events.Bus
	stores *state.Set
	gk     *Gatekeeper
	pubs   []events.AllowedToolsChanged
}

func newGate(t *testing.T, policy *AdmissionPolicy) *gateFixture {
	t.Helper()
	f := &gateFixture{bus: events.New(events.Config{}, nil)}
	t.Cleanup(f.bus.Close)
	f.stores = state.NewSet(f.bus, domain.PhaseProfile, nil)
	f.gk = NewGatekeeper(f.bus, DefaultTable(), f.stores, policy, nil)
	f.bus.Subscribe(events.TopicGating, "test", func(_ context.Context, ev events.Event) {
		f.pubs = append(f.pubs, ev.Payload.(events.AllowedToolsChanged))
	})
	return f
}

func TestGatekeeper_IdenticalRecomputePublishesOnce(t *testing.T) {
	f := newGate(t, nil)

	published, err := f.gk.Recompute(t.Context())
	require.NoError(t, err)
	assert.True(t, published)

	published, err = f.gk.Recompute(t.Context())
	require.NoError(t, err)
	assert.False(t, published)

	require.Len(t, f.pubs, 1)
	assert.Equal(t, string(SubphaseWelcome), f.pubs[0].Subphase)
}

func TestGatekeeper_RecomputesOnStateEvents(t *testing.T) {
	f := newGate(t, nil)
	_, err := f.gk.Recompute(t.Context())
	require.NoError(t, err)

	_, err = f.bus.Publish(t.Context(), events.CardShown{Card: domain.Card{ID: "c1", Kind: domain.CardUpload}})
	require.NoError(t, err)

	require.Len(t, f.pubs, 2)
	assert.Equal(t, string(SubphaseUpload), f.pubs[1].Subphase)
	assert.Equal(t, SubphaseUpload, f.gk.Allowed().Subphase)

	// An update that leaves the tool set unchanged publishes nothing.
	_, err = f.bus.Publish(t.Context(), events.ArtifactUpserted{Artifact: domain.Artifact{ID: "a1", Kind: "upload"}})
	require.NoError(t, err)
	assert.Len(t, f.pubs, 2)
}

func TestGatekeeper_ObjectiveChangeMovesSubphase(t *testing.T) {
	f := newGate(t, nil)
	_, err := f.gk.Recompute(t.Context())
	require.NoError(t, err)

	_, err = f.bus.Publish(t.Context(), events.ObjectiveUpdated{ID: domain.ObjectiveProfile, Status: domain.ObjectiveCompleted})
	require.NoError(t, err)

	assert.Equal(t, SubphaseContactIntake, f.gk.Allowed().Subphase)
}

func TestGatekeeper_CheckRejectsUnpublishedTool(t *testing.T) {
	f := newGate(t, nil)

	// Nothing is permitted before the first publish.
	require.ErrorIs(t, f.gk.Check(ToolUpdateNotes), orcherr.ErrGatingViolation)

	_, err := f.gk.Recompute(t.Context())
	require.NoError(t, err)

	assert.NoError(t, f.gk.Check(ToolGetUserOption))
	err = f.gk.Check(ToolCreateTimelineCard)
	require.ErrorIs(t, err, orcherr.ErrGatingViolation)
	assert.Equal(t, orcherr.CodeGatingViolation, orcherr.CodeOf(err))
}

func TestGatekeeper_AppliesAdmissionPolicy(t *testing.T) {
	policy, err := NewAdmissionPolicy(t.Context(), DefaultAdmissionPolicy)
	require.NoError(t, err)
	f := newGate(t, policy)

	_, err = f.bus.Publish(t.Context(), events.PhaseAdvanceRequested{Reason: "profile done"})
	require.NoError(t, err)

	allowed := f.gk.Allowed()
	assert.Equal(t, SubphaseTimelineCollection, allowed.Subphase)
	assert.Contains(t, allowed.Tools, ToolCreateTimelineCard)
	assert.NotContains(t, allowed.Tools, ToolReorderTimeline)

	for _, id := range []string{"t1", "t2"} {
		_, err = f.bus.Publish(t.Context(), events.ArtifactUpserted{Artifact: domain.Artifact{ID: id, Kind: "timeline_card"}})
		require.NoError(t, err)
	}
	assert.Contains(t, f.gk.Allowed().Tools, ToolReorderTimeline)
}

func TestPolicyWatcher_ReportsChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "admission.rego")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	got := make(chan string, 4)
	pw, err := NewPolicyWatcher(path, func(_ context.Context, data []byte) {
		got <- string(data)
	}, nil)
	require.NoError(t, err)
	pw.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- pw.Run(ctx) }()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))

	select {
	case data := <-got:
		assert.Equal(t, "v2", data)
	case <-time.After(5 * time.Second):
		t.Fatal("no change reported")
	}

	cancel()
	require.NoError(t, <-done)
}
