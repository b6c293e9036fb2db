// ABOUTME: Pure two-stage computation of the permitted tool set
// ABOUTME: Stage one infers the subphase, stage two applies bundle, waiting exemptions and exclusions

package gating

import (
	"fmt"
	"slices"

	"github.com/2389/intake-gateway/internal/domain"
	"github.com/2389/intake-gateway/internal/orcherr"
)

// Input is everything the engine looks at.
type Input struct {
	Phase      domain.Phase
	Card       *domain.Card
	Objectives map[string]domain.ObjectiveStatus
	Waiting    domain.WaitingState
	// Excluded tools are removed at runtime. Escape tools cannot be excluded.
	Excluded map[string]bool
}

// Result is the computed gating decision.
type Result struct {
	Subphase Subphase
	Tools    []string
}

// Equal reports whether two results permit the same tools.
func (r Result) Equal(o Result) bool {
	return slices.Equal(r.Tools, o.Tools)
}

// Check returns a gating violation when tool is not in the result.
func (r Result) Check(tool string) error {
	if slices.Contains(r.Tools, tool) {
		return nil
	}
	return fmt.Errorf("%w: %s is not permitted in subphase %s", orcherr.ErrGatingViolation, tool, r.Subphase)
}

// Compute derives the permitted tools. The subphase bundle is intersected with
// the phase policy. While a waiting state is active the bundle is replaced by
// that state's exemptions. Runtime exclusions are then removed and escape tools
// added back, so the result is never empty. Tools are sorted.
func (t *Table) Compute(in Input) Result {
	sub := InferSubphase(in.Phase, in.Card, in.Objectives)

	var candidates []string
	if in.Waiting != domain.WaitingNone {
		candidates = t.Exemptions[string(in.Waiting)]
	} else {
		candidates = t.Subphases[string(sub)]
	}

	policy := t.Phases[in.Phase.String()]
	set := make(map[string]bool, len(candidates)+len(t.Escape))
	for _, name := range candidates {
		if !slices.Contains(policy, name) || in.Excluded[name] {
			continue
		}
		set[name] = true
	}
	for _, name := range t.Escape {
		set[name] = true
	}

	tools := make([]string, 0, len(set))
	for name := range set {
		tools = append(tools, name)
	}
	slices.Sort(tools)
	return Result{Subphase: sub, Tools: tools}
}
