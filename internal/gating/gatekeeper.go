// ABOUTME: Owns the allowed-tool set and republishes it only when it changes
// ABOUTME: Recomputes on every state-changing event and rejects calls outside the published set

package gating

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/2389/intake-gateway/internal/domain"
	"github.com/2389/intake-gateway/internal/events"
)

// View is the read side of the stores the gatekeeper depends on.
type View interface {
	CurrentPhase() domain.Phase
	DisplayedCard() *domain.Card
	WaitingState() domain.WaitingState
	ObjectiveStatuses(domain.Phase) map[string]domain.ObjectiveStatus
	ArtifactCounts() map[string]int
}

// Gatekeeper is the single writer of the allowed-tool set.
type Gatekeeper struct {
	table *Table
	view  View
	bus   *events.Bus

	mu        sync.RWMutex
	policy    *AdmissionPolicy
	last      Result
	published bool

	logger *slog.Logger
}

// NewGatekeeper creates the gatekeeper and subscribes it to every topic that
// can change the gating input. It must be created after the stores so their
// handlers run first. Nothing is permitted until the first Recompute.
func NewGatekeeper(bus *events.Bus, table *Table, view View, policy *AdmissionPolicy, logger *slog.Logger) *Gatekeeper {
	if logger == nil {
		logger = slog.Default()
	}
	if table == nil {
		table = DefaultTable()
	}
	g := &Gatekeeper{
		table:  table,
		view:   view,
		bus:    bus,
		policy: policy,
		logger: logger.With("component", "gatekeeper"),
	}
	for _, topic := range []events.Topic{events.TopicObjective, events.TopicPhase, events.TopicUI, events.TopicArtifact} {
		bus.Subscribe(topic, "gatekeeper", g.handle)
	}
	return g
}

func (g *Gatekeeper) handle(ctx context.Context, ev events.Event) {
	switch ev.Payload.(type) {
	case events.ObjectiveUpdated, events.PhaseAdvanceRequested, events.PhaseAdvanceRejected, events.NoteRecorded:
		// Requests and rejections change nothing on their own.
		return
	}
	if _, err := g.Recompute(ctx); err != nil {
		g.logger.Error("recomputing allowed tools", "trigger", ev.Kind, "error", err)
	}
}

// SetPolicy swaps the admission policy. Callers follow up with Recompute.
func (g *Gatekeeper) SetPolicy(p *AdmissionPolicy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.policy = p
}

// Recompute evaluates the current state and publishes AllowedToolsChanged
// when the tool set differs from the last published one. It reports whether
// a publish happened.
func (g *Gatekeeper) Recompute(ctx context.Context) (bool, error) {
	phase := g.view.CurrentPhase()
	objectives := g.view.ObjectiveStatuses(phase)
	card := g.view.DisplayedCard()
	waiting := g.view.WaitingState()

	g.mu.RLock()
	policy := g.policy
	g.mu.RUnlock()

	var excluded map[string]bool
	if policy != nil {
		in := AdmissionInput{
			Phase:      phase.String(),
			Subphase:   string(InferSubphase(phase, card, objectives)),
			Waiting:    string(waiting),
			Objectives: make(map[string]string, len(objectives)),
			Artifacts:  g.view.ArtifactCounts(),
		}
		for id, st := range objectives {
			in.Objectives[id] = string(st)
		}
		ex, err := policy.Excluded(ctx, in)
		if err != nil {
			// A broken policy must not wedge the conversation.
			g.logger.Warn("admission policy failed, no runtime exclusions applied", "error", err)
		} else {
			excluded = ex
		}
	}

	res := g.table.Compute(Input{
		Phase:      phase,
		Card:       card,
		Objectives: objectives,
		Waiting:    waiting,
		Excluded:   excluded,
	})

	g.mu.Lock()
	if g.published && g.last.Equal(res) {
		g.last.Subphase = res.Subphase
		g.mu.Unlock()
		return false, nil
	}
	g.last = res
	g.published = true
	g.mu.Unlock()

	g.logger.Info("allowed tools changed",
		"phase", phase,
		"subphase", res.Subphase,
		"waiting", waiting,
		"tools", res.Tools)

	_, err := g.bus.Publish(ctx, events.AllowedToolsChanged{
		Phase:    phase,
		Subphase: string(res.Subphase),
		Tools:    slices.Clone(res.Tools),
	})
	if err != nil {
		return true, fmt.Errorf("publishing allowed tools: %w", err)
	}
	return true, nil
}

// Allowed returns the last published result.
func (g *Gatekeeper) Allowed() Result {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Result{Subphase: g.last.Subphase, Tools: slices.Clone(g.last.Tools)}
}

// Check returns a gating violation when tool is outside the last published set.
func (g *Gatekeeper) Check(tool string) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.last.Check(tool)
}
