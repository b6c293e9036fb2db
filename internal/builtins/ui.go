// ABOUTME: UI pack: tools that show an interactive card and wait for the user
// ABOUTME: get_user_option, get_user_upload and submit_for_validation suspend on a continuation

package builtins

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/2389/intake-gateway/internal/domain"
	"github.com/2389/intake-gateway/internal/events"
	"github.com/2389/intake-gateway/internal/gating"
	"github.com/2389/intake-gateway/internal/packs"
)

// UIPack creates the UI pack with user interaction tools.
func UIPack(d Deps) *packs.BuiltinPack {
	u := &uiHandlers{bus: d.Bus}
	return &packs.BuiltinPack{
		ID: "builtin:ui",
		Tools: []*packs.BuiltinTool{
			{
				Definition: packs.Definition{
					Name:        gating.ToolGetUserOption,
					Description: "Show the user a set of options and wait for their selection",
					InputSchema: []byte(`{
						"type": "object",
						"properties": {
							"prompt": {"type": "string", "description": "Question shown above the options"},
							"title": {"type": "string"},
							"options": {
								"type": "array",
								"items": {
									"type": "object",
									"properties": {
										"id": {"type": "string"},
										"label": {"type": "string"},
										"description": {"type": "string"}
									},
									"required": ["label"]
								}
							},
							"allow_multiple": {"type": "boolean"},
							"card_kind": {"type": "string", "enum": ["choice", "profile_intake", "section_toggle", "knowledge_review", "timeline_editor"]},
							"timeout_seconds": {"type": "integer"}
						},
						"required": ["prompt", "options"]
					}`),
				},
				Handler: u.GetUserOption,
			},
			{
				Definition: packs.Definition{
					Name:        gating.ToolGetUserUpload,
					Description: "Ask the user to upload one or more documents",
					InputSchema: []byte(`{
						"type": "object",
						"properties": {
							"prompt": {"type": "string"},
							"title": {"type": "string"},
							"accepted_types": {"type": "array", "items": {"type": "string"}},
							"allow_multiple": {"type": "boolean"},
							"target_objective": {"type": "string"},
							"timeout_seconds": {"type": "integer"}
						},
						"required": ["prompt"]
					}`),
				},
				Handler: u.GetUserUpload,
			},
			{
				Definition: packs.Definition{
					Name:        gating.ToolSubmitForValidation,
					Description: "Show collected data to the user for approval or correction",
					InputSchema: []byte(`{
						"type": "object",
						"properties": {
							"kind": {"type": "string", "description": "What is being validated, e.g. applicant_profile"},
							"title": {"type": "string"},
							"data": {"type": "object"},
							"artifact_id": {"type": "string"},
							"objective": {"type": "string", "description": "Objective completed when the user approves"},
							"timeout_seconds": {"type": "integer"}
						},
						"required": ["kind", "data"]
					}`),
				},
				Handler: u.SubmitForValidation,
			},
		},
	}
}

type uiHandlers struct {
	bus *events.Bus
}

func timeoutOf(seconds int) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func waitingStatus(w domain.WaitingState) map[string]string {
	return map[string]string{"status": "waiting_for_user", "waiting": string(w)}
}

// Option is one selectable entry of a choice card.
type Option struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// OptionInput is the input of get_user_option.
type OptionInput struct {
	Prompt         string   `json:"prompt"`
	Title          string   `json:"title,omitempty"`
	Options        []Option `json:"options"`
	AllowMultiple  bool     `json:"allow_multiple,omitempty"`
	CardKind       string   `json:"card_kind,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
}

// OptionAnswer is the resolution payload of a choice card.
type OptionAnswer struct {
	Selected   []string `json:"selected"`
	CustomText string   `json:"custom_text,omitempty"`
}

func (u *uiHandlers) GetUserOption(_ context.Context, call *packs.Call) (packs.Outcome, error) {
	var in OptionInput
	if err := call.Decode(&in); err != nil {
		return packs.Outcome{}, err
	}
	if len(in.Options) == 0 {
		return packs.Outcome{}, invalidInput("at least one option is required")
	}

	ids := make([]string, 0, len(in.Options))
	for i := range in.Options {
		if in.Options[i].ID == "" {
			in.Options[i].ID = in.Options[i].Label
		}
		if slices.Contains(ids, in.Options[i].ID) {
			return packs.Outcome{}, invalidInput("duplicate option id %q", in.Options[i].ID)
		}
		ids = append(ids, in.Options[i].ID)
	}

	kind := domain.CardChoice
	if in.CardKind != "" {
		kind = domain.CardKind(in.CardKind)
	}
	title := in.Title
	if title == "" {
		title = in.Prompt
	}

	return packs.Suspend(packs.WaitRequest{
		Waiting: domain.WaitingSelection,
		Card: &domain.Card{
			Kind:  kind,
			Title: title,
			Payload: map[string]any{
				"prompt":         in.Prompt,
				"options":        in.Options,
				"allow_multiple": in.AllowMultiple,
			},
		},
		Status:  waitingStatus(domain.WaitingSelection),
		Timeout: timeoutOf(in.TimeoutSeconds),
		Continue: func(_ context.Context, payload json.RawMessage) (packs.Outcome, error) {
			var ans OptionAnswer
			if err := json.Unmarshal(payload, &ans); err != nil {
				return packs.Outcome{}, fmt.Errorf("decoding selection: %w", err)
			}
			if len(ans.Selected) > 1 && !in.AllowMultiple {
				return packs.Outcome{}, fmt.Errorf("selection has %d options but only one is allowed", len(ans.Selected))
			}
			for _, id := range ans.Selected {
				if !slices.Contains(ids, id) {
					return packs.Outcome{}, fmt.Errorf("selection %q is not one of the offered options", id)
				}
			}
			return packs.Result(map[string]any{
				"status":      "answered",
				"selected":    ans.Selected,
				"custom_text": ans.CustomText,
			})
		},
	})
}

// UploadedFile is one file of an upload resolution.
type UploadedFile struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Text        string `json:"text,omitempty"`
}

// UploadAnswer is the resolution payload of an upload card.
type UploadAnswer struct {
	Files   []UploadedFile `json:"files"`
	Skipped bool           `json:"skipped,omitempty"`
}

func (u *uiHandlers) GetUserUpload(_ context.Context, call *packs.Call) (packs.Outcome, error) {
	var in struct {
		Prompt          string   `json:"prompt"`
		Title           string   `json:"title"`
		AcceptedTypes   []string `json:"accepted_types"`
		AllowMultiple   bool     `json:"allow_multiple"`
		TargetObjective string   `json:"target_objective"`
		TimeoutSeconds  int      `json:"timeout_seconds"`
	}
	if err := call.Decode(&in); err != nil {
		return packs.Outcome{}, err
	}
	if in.TargetObjective != "" {
		if _, ok := domain.PhaseOfObjective(in.TargetObjective); !ok {
			return packs.Outcome{}, invalidInput("unknown objective %q", in.TargetObjective)
		}
	}

	return packs.Suspend(packs.WaitRequest{
		Waiting: domain.WaitingUpload,
		Card: &domain.Card{
			Kind:  domain.CardUpload,
			Title: in.Title,
			Payload: map[string]any{
				"prompt":         in.Prompt,
				"accepted_types": in.AcceptedTypes,
				"allow_multiple": in.AllowMultiple,
			},
		},
		Status:  waitingStatus(domain.WaitingUpload),
		Timeout: timeoutOf(in.TimeoutSeconds),
		Continue: func(ctx context.Context, payload json.RawMessage) (packs.Outcome, error) {
			var ans UploadAnswer
			if err := json.Unmarshal(payload, &ans); err != nil {
				return packs.Outcome{}, fmt.Errorf("decoding upload: %w", err)
			}
			if ans.Skipped || len(ans.Files) == 0 {
				return packs.Result(map[string]string{"status": "skipped"})
			}
			if len(ans.Files) > 1 && !in.AllowMultiple {
				return packs.Outcome{}, fmt.Errorf("received %d files but only one is allowed", len(ans.Files))
			}

			ids := make([]string, 0, len(ans.Files))
			for _, f := range ans.Files {
				id := f.ID
				if id == "" {
					id = uuid.New().String()
				}
				if err := publish(ctx, u.bus, events.ArtifactUpserted{Artifact: domain.Artifact{
					ID:    id,
					Kind:  KindUpload,
					Title: f.Name,
					Data: map[string]any{
						"content_type": f.ContentType,
						"size":         f.Size,
						"text":         f.Text,
					},
				}}); err != nil {
					return packs.Outcome{}, err
				}
				ids = append(ids, id)
			}

			if in.TargetObjective != "" {
				if err := publish(ctx, u.bus, events.ObjectiveUpdated{
					ID:     in.TargetObjective,
					Status: domain.ObjectiveCompleted,
					Source: "upload",
				}); err != nil {
					return packs.Outcome{}, err
				}
			}
			return packs.Result(map[string]any{"status": "uploaded", "artifact_ids": ids})
		},
	})
}

// Validation decisions.
const (
	DecisionApproved = "approved"
	DecisionModified = "modified"
	DecisionRejected = "rejected"
)

// ValidationAnswer is the resolution payload of a validation card.
type ValidationAnswer struct {
	Decision string         `json:"decision"`
	Data     map[string]any `json:"data,omitempty"`
	Comment  string         `json:"comment,omitempty"`
}

func (u *uiHandlers) SubmitForValidation(_ context.Context, call *packs.Call) (packs.Outcome, error) {
	var in struct {
		Kind           string         `json:"kind"`
		Title          string         `json:"title"`
		Data           map[string]any `json:"data"`
		ArtifactID     string         `json:"artifact_id"`
		Objective      string         `json:"objective"`
		TimeoutSeconds int            `json:"timeout_seconds"`
	}
	if err := call.Decode(&in); err != nil {
		return packs.Outcome{}, err
	}
	if in.Objective != "" {
		if _, ok := domain.PhaseOfObjective(in.Objective); !ok {
			return packs.Outcome{}, invalidInput("unknown objective %q", in.Objective)
		}
	}
	artifactID := in.ArtifactID
	if artifactID == "" {
		artifactID = in.Kind
	}

	return packs.Suspend(packs.WaitRequest{
		Waiting: domain.WaitingValidation,
		Card: &domain.Card{
			Kind:    domain.CardValidation,
			Title:   in.Title,
			Payload: map[string]any{"kind": in.Kind, "data": in.Data},
		},
		Status:  waitingStatus(domain.WaitingValidation),
		Timeout: timeoutOf(in.TimeoutSeconds),
		Continue: func(ctx context.Context, payload json.RawMessage) (packs.Outcome, error) {
			var ans ValidationAnswer
			if err := json.Unmarshal(payload, &ans); err != nil {
				return packs.Outcome{}, fmt.Errorf("decoding validation: %w", err)
			}

			data := in.Data
			switch ans.Decision {
			case DecisionApproved:
			case DecisionModified:
				if ans.Data != nil {
					data = ans.Data
				}
			case DecisionRejected:
				return packs.Result(ans)
			default:
				return packs.Outcome{}, fmt.Errorf("unknown validation decision %q", ans.Decision)
			}

			if err := publish(ctx, u.bus, events.ArtifactUpserted{Artifact: domain.Artifact{
				ID:    artifactID,
				Kind:  in.Kind,
				Title: in.Title,
				Data:  data,
			}}); err != nil {
				return packs.Outcome{}, err
			}
			if in.Objective != "" {
				if err := publish(ctx, u.bus, events.ObjectiveUpdated{
					ID:     in.Objective,
					Status: domain.ObjectiveCompleted,
					Source: "validation",
				}); err != nil {
					return packs.Outcome{}, err
				}
			}
			return packs.Result(ValidationAnswer{Decision: ans.Decision, Data: data, Comment: ans.Comment})
		},
	})
}
