// ABOUTME: Artifact pack: generic artifact updates and the timeline card editor
// ABOUTME: Timeline cards are artifacts of kind timeline_card ordered by data.order

package builtins

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/2389/intake-gateway/internal/domain"
	"github.com/2389/intake-gateway/internal/events"
	"github.com/2389/intake-gateway/internal/gating"
	"github.com/2389/intake-gateway/internal/packs"
)

const timelineCardSchema = `{
	"type": "object",
	"properties": {
		"title": {"type": "string"},
		"organization": {"type": "string"},
		"location": {"type": "string"},
		"start": {"type": "string"},
		"end": {"type": "string"},
		"summary": {"type": "string"}
	},
	"required": ["title"]
}`

// ArtifactPack creates the artifact pack.
func ArtifactPack(d Deps) *packs.BuiltinPack {
	a := &artifactHandlers{bus: d.Bus, artifacts: d.Artifacts}
	return &packs.BuiltinPack{
		ID: "builtin:artifacts",
		Tools: []*packs.BuiltinTool{
			{
				Definition: packs.Definition{
					Name:        gating.ToolUpdateArtifact,
					Description: "Create or replace a collected artifact",
					InputSchema: []byte(`{"type":"object","properties":{"id":{"type":"string"},"kind":{"type":"string"},"title":{"type":"string"},"data":{"type":"object"}},"required":["kind"]}`),
				},
				Handler: a.UpdateArtifact,
			},
			{
				Definition: packs.Definition{
					Name:        gating.ToolCreateTimelineCard,
					Description: "Add an entry to the applicant's career timeline",
					InputSchema: []byte(timelineCardSchema),
				},
				Handler: a.CreateTimelineCard,
			},
			{
				Definition: packs.Definition{
					Name:        gating.ToolUpdateTimelineCard,
					Description: "Change fields of an existing timeline entry",
					InputSchema: []byte(`{"type":"object","properties":{"id":{"type":"string"},"fields":{"type":"object"}},"required":["id","fields"]}`),
				},
				Handler: a.UpdateTimelineCard,
			},
			{
				Definition: packs.Definition{
					Name:        gating.ToolDeleteTimelineCard,
					Description: "Remove a timeline entry",
					InputSchema: []byte(`{"type":"object","properties":{"id":{"type":"string"}},"required":["id"]}`),
				},
				Handler: a.DeleteTimelineCard,
			},
			{
				Definition: packs.Definition{
					Name:        gating.ToolReorderTimeline,
					Description: "Set the order of the timeline entries",
					InputSchema: []byte(`{"type":"object","properties":{"order":{"type":"array","items":{"type":"string"}}},"required":["order"]}`),
				},
				Handler: a.ReorderTimelineCards,
			},
		},
	}
}

type artifactHandlers struct {
	bus       *events.Bus
	artifacts ArtifactReader
}

func (a *artifactHandlers) UpdateArtifact(ctx context.Context, call *packs.Call) (packs.Outcome, error) {
	var in struct {
		ID    string         `json:"id"`
		Kind  string         `json:"kind"`
		Title string         `json:"title"`
		Data  map[string]any `json:"data"`
	}
	if err := call.Decode(&in); err != nil {
		return packs.Outcome{}, err
	}
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	if err := publish(ctx, a.bus, events.ArtifactUpserted{Artifact: domain.Artifact{
		ID:    in.ID,
		Kind:  in.Kind,
		Title: in.Title,
		Data:  in.Data,
	}}); err != nil {
		return packs.Outcome{}, err
	}
	return packs.Result(map[string]string{"status": "saved", "id": in.ID})
}

// timeline returns the cards sorted by their order field, then id.
func (a *artifactHandlers) timeline() []domain.Artifact {
	cards := a.artifacts.List(KindTimelineCard)
	sort.SliceStable(cards, func(i, j int) bool {
		return orderOf(cards[i]) < orderOf(cards[j])
	})
	return cards
}

func orderOf(a domain.Artifact) float64 {
	switch v := a.Data["order"].(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	case json.Number:
		f, err := v.Float64()
		if err == nil {
			return f
		}
	}
	return 0
}

func (a *artifactHandlers) CreateTimelineCard(ctx context.Context, call *packs.Call) (packs.Outcome, error) {
	var fields map[string]any
	if err := call.Decode(&fields); err != nil {
		return packs.Outcome{}, err
	}
	title, _ := fields["title"].(string)
	order := len(a.artifacts.List(KindTimelineCard))
	fields["order"] = order

	id := uuid.New().String()
	if err := publish(ctx, a.bus, events.ArtifactUpserted{Artifact: domain.Artifact{
		ID:    id,
		Kind:  KindTimelineCard,
		Title: title,
		Data:  fields,
	}}); err != nil {
		return packs.Outcome{}, err
	}
	return packs.Result(map[string]any{"status": "created", "id": id, "order": order})
}

func (a *artifactHandlers) lookupCard(id string) (domain.Artifact, error) {
	card, ok := a.artifacts.Get(id)
	if !ok || card.Kind != KindTimelineCard {
		return domain.Artifact{}, invalidInput("no timeline card with id %q", id)
	}
	return card, nil
}

func (a *artifactHandlers) UpdateTimelineCard(ctx context.Context, call *packs.Call) (packs.Outcome, error) {
	var in struct {
		ID     string         `json:"id"`
		Fields map[string]any `json:"fields"`
	}
	if err := call.Decode(&in); err != nil {
		return packs.Outcome{}, err
	}
	card, err := a.lookupCard(in.ID)
	if err != nil {
		return packs.Outcome{}, err
	}

	if card.Data == nil {
		card.Data = map[string]any{}
	}
	order := card.Data["order"]
	maps.Copy(card.Data, in.Fields)
	card.Data["order"] = order
	if title, ok := in.Fields["title"].(string); ok {
		card.Title = title
	}
	card.UpdatedAt = time.Time{}

	if err := publish(ctx, a.bus, events.ArtifactUpserted{Artifact: card}); err != nil {
		return packs.Outcome{}, err
	}
	return packs.Result(map[string]string{"status": "updated", "id": in.ID})
}

func (a *artifactHandlers) DeleteTimelineCard(ctx context.Context, call *packs.Call) (packs.Outcome, error) {
	var in struct {
		ID string `json:"id"`
	}
	if err := call.Decode(&in); err != nil {
		return packs.Outcome{}, err
	}
	if _, err := a.lookupCard(in.ID); err != nil {
		return packs.Outcome{}, err
	}
	if err := publish(ctx, a.bus, events.ArtifactRemoved{ID: in.ID}); err != nil {
		return packs.Outcome{}, err
	}

	// Close the gap left in the ordering.
	remaining := a.timeline()
	ids := make([]string, len(remaining))
	for i, c := range remaining {
		ids[i] = c.ID
	}
	if err := a.applyOrder(ctx, remaining, ids); err != nil {
		return packs.Outcome{}, err
	}
	return packs.Result(map[string]any{"status": "deleted", "id": in.ID, "remaining": len(remaining)})
}

func (a *artifactHandlers) ReorderTimelineCards(ctx context.Context, call *packs.Call) (packs.Outcome, error) {
	var in struct {
		Order []string `json:"order"`
	}
	if err := call.Decode(&in); err != nil {
		return packs.Outcome{}, err
	}

	cards := a.timeline()
	if len(in.Order) != len(cards) {
		return packs.Outcome{}, invalidInput("order lists %d cards but the timeline has %d", len(in.Order), len(cards))
	}
	for i, id := range in.Order {
		if slices.Contains(in.Order[:i], id) {
			return packs.Outcome{}, invalidInput("card %q listed twice", id)
		}
		if !slices.ContainsFunc(cards, func(c domain.Artifact) bool { return c.ID == id }) {
			return packs.Outcome{}, invalidInput("no timeline card with id %q", id)
		}
	}

	if err := a.applyOrder(ctx, cards, in.Order); err != nil {
		return packs.Outcome{}, err
	}
	return packs.Result(map[string]any{"status": "reordered", "order": in.Order})
}

// applyOrder rewrites the order field of every card whose position changed.
func (a *artifactHandlers) applyOrder(ctx context.Context, cards []domain.Artifact, order []string) error {
	byID := make(map[string]domain.Artifact, len(cards))
	for _, c := range cards {
		byID[c.ID] = c
	}
	for i, id := range order {
		card := byID[id]
		if card.Data == nil {
			card.Data = map[string]any{}
		}
		if orderOf(card) == float64(i) {
			if _, set := card.Data["order"]; set {
				continue
			}
		}
		card.Data["order"] = i
		card.UpdatedAt = time.Time{}
		if err := publish(ctx, a.bus, events.ArtifactUpserted{Artifact: card}); err != nil {
			return err
		}
	}
	return nil
}
