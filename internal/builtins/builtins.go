// ABOUTME: Wiring for the built-in tool packs and the state readers they need
// ABOUTME: Tools mutate state only by publishing events; reads go through narrow interfaces

package builtins

import (
	"context"
	"fmt"

	"github.com/2389/intake-gateway/internal/domain"
	"github.com/2389/intake-gateway/internal/events"
	"github.com/2389/intake-gateway/internal/orcherr"
	"github.com/2389/intake-gateway/internal/packs"
)

// Artifact kinds written by the built-in tools.
const (
	KindTimelineCard = "timeline_card"
	KindUpload       = "upload"
)

// PhaseReader reads the current phase.
type PhaseReader interface {
	Current() domain.Phase
}

// ObjectiveReader reads objective statuses.
type ObjectiveReader interface {
	Statuses(p domain.Phase) map[string]domain.ObjectiveStatus
}

// ArtifactReader reads collected artifacts.
type ArtifactReader interface {
	Get(id string) (domain.Artifact, bool)
	List(kind string) []domain.Artifact
}

// Deps are the collaborators shared by every pack.
type Deps struct {
	Bus        *events.Bus
	Phase      PhaseReader
	Objectives ObjectiveReader
	Artifacts  ArtifactReader
}

// Packs returns every built-in pack.
func Packs(d Deps) []*packs.BuiltinPack {
	return []*packs.BuiltinPack{
		BasePack(d),
		NotesPack(d),
		UIPack(d),
		ArtifactPack(d),
	}
}

// RegisterAll registers every built-in pack.
func RegisterAll(r *packs.Registry, d Deps) error {
	for _, p := range Packs(d) {
		if err := r.RegisterPack(p); err != nil {
			return fmt.Errorf("register %s: %w", p.ID, err)
		}
	}
	return nil
}

func publish(ctx context.Context, bus *events.Bus, p events.Payload) error {
	if _, err := bus.Publish(ctx, p); err != nil {
		return fmt.Errorf("publish %s: %w", p.Kind(), err)
	}
	return nil
}

func invalidInput(format string, args ...any) error {
	return &orcherr.ToolError{
		Code:    orcherr.CodeInvalidArguments,
		Message: fmt.Sprintf(format, args...),
		Err:     orcherr.ErrInvalidArguments,
	}
}
