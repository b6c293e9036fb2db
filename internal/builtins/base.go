// ABOUTME: Base pack: phase advancement and objective status tools
// ABOUTME: next_phase is an escape tool and stays available in every subphase

package builtins

import (
	"context"

	"github.com/2389/intake-gateway/internal/domain"
	"github.com/2389/intake-gateway/internal/events"
	"github.com/2389/intake-gateway/internal/gating"
	"github.com/2389/intake-gateway/internal/packs"
)

// BasePack creates the base pack with next_phase and set_objective_status.
func BasePack(d Deps) *packs.BuiltinPack {
	b := &baseHandlers{deps: d}
	return &packs.BuiltinPack{
		ID: "builtin:base",
		Tools: []*packs.BuiltinTool{
			{
				Definition: packs.Definition{
					Name:        gating.ToolNextPhase,
					Description: "Advance the interview to the next phase. Pending objectives of the current phase are reported back.",
					InputSchema: []byte(`{"type":"object","properties":{"reason":{"type":"string"}}}`),
				},
				Handler: b.NextPhase,
			},
			{
				Definition: packs.Definition{
					Name:        gating.ToolSetObjectiveStatus,
					Description: "Record progress on an objective of the interview",
					InputSchema: []byte(`{"type":"object","properties":{"id":{"type":"string"},"status":{"type":"string","enum":["pending","in_progress","completed","skipped"]},"notes":{"type":"string"}},"required":["id","status"]}`),
				},
				Handler: b.SetObjectiveStatus,
			},
		},
	}
}

type baseHandlers struct {
	deps Deps
}

type nextPhaseOutput struct {
	Status  string   `json:"status"`
	From    string   `json:"from"`
	Phase   string   `json:"phase"`
	Pending []string `json:"pending_objectives,omitempty"`
}

func (b *baseHandlers) NextPhase(ctx context.Context, call *packs.Call) (packs.Outcome, error) {
	var in struct {
		Reason string `json:"reason"`
	}
	if err := call.Decode(&in); err != nil {
		return packs.Outcome{}, err
	}

	from := b.deps.Phase.Current()
	var pending []string
	statuses := b.deps.Objectives.Statuses(from)
	for _, id := range from.Objectives() {
		if !statuses[id].Met() {
			pending = append(pending, id)
		}
	}

	if err := publish(ctx, b.deps.Bus, events.PhaseAdvanceRequested{Reason: in.Reason}); err != nil {
		return packs.Outcome{}, err
	}

	to := b.deps.Phase.Current()
	out := nextPhaseOutput{Status: "advanced", From: from.String(), Phase: to.String(), Pending: pending}
	if to == from {
		out.Status = "unchanged"
	}
	return packs.Result(out)
}

func (b *baseHandlers) SetObjectiveStatus(ctx context.Context, call *packs.Call) (packs.Outcome, error) {
	var in struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Notes  string `json:"notes"`
	}
	if err := call.Decode(&in); err != nil {
		return packs.Outcome{}, err
	}

	status := domain.ObjectiveStatus(in.Status)
	if !status.Valid() {
		return packs.Outcome{}, invalidInput("unknown objective status %q", in.Status)
	}
	if _, ok := domain.PhaseOfObjective(in.ID); !ok {
		return packs.Outcome{}, invalidInput("unknown objective %q", in.ID)
	}

	upd := events.ObjectiveUpdated{ID: in.ID, Status: status, Source: "model"}
	if in.Notes != "" {
		upd.Details = map[string]any{"notes": in.Notes}
	}
	if err := publish(ctx, b.deps.Bus, upd); err != nil {
		return packs.Outcome{}, err
	}
	return packs.Result(map[string]string{"id": in.ID, "status": in.Status})
}
