// ABOUTME: Notes pack provides the model's scratchpad
// ABOUTME: update_notes is an escape tool and stays available in every subphase

package builtins

import (
	"context"
	"strings"

	"github.com/2389/intake-gateway/internal/events"
	"github.com/2389/intake-gateway/internal/gating"
	"github.com/2389/intake-gateway/internal/packs"
)

// NotesPack creates the notes pack.
func NotesPack(d Deps) *packs.BuiltinPack {
	n := &notesHandlers{bus: d.Bus}
	return &packs.BuiltinPack{
		ID: "builtin:notes",
		Tools: []*packs.BuiltinTool{
			{
				Definition: packs.Definition{
					Name:        gating.ToolUpdateNotes,
					Description: "Append a note to your private scratchpad",
					InputSchema: []byte(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
				},
				Handler: n.Update,
			},
		},
	}
}

type notesHandlers struct {
	bus *events.Bus
}

func (n *notesHandlers) Update(ctx context.Context, call *packs.Call) (packs.Outcome, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := call.Decode(&in); err != nil {
		return packs.Outcome{}, err
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return packs.Outcome{}, invalidInput("text must not be empty")
	}
	if err := publish(ctx, n.bus, events.NoteRecorded{Text: text}); err != nil {
		return packs.Outcome{}, err
	}
	return packs.Result(map[string]string{"status": "recorded"})
}
