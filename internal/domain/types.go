// ABOUTME: Core value types shared by the stores, gating engine and checkpoints
// ABOUTME: Objective, interactive Card, WaitingState, Artifact and transcript Message

package domain

import (
	"fmt"
	"time"
)

// ObjectiveStatus is the progress state of a tracked objective.
type ObjectiveStatus string

const (
	ObjectivePending    ObjectiveStatus = "pending"
	ObjectiveInProgress ObjectiveStatus = "in_progress"
	ObjectiveCompleted  ObjectiveStatus = "completed"
	ObjectiveSkipped    ObjectiveStatus = "skipped"
)

// Valid reports whether s is a known status.
func (s ObjectiveStatus) Valid() bool {
	switch s {
	case ObjectivePending, ObjectiveInProgress, ObjectiveCompleted, ObjectiveSkipped:
		return true
	}
	return false
}

// Met reports whether the objective no longer blocks progress.
func (s ObjectiveStatus) Met() bool {
	return s == ObjectiveCompleted || s == ObjectiveSkipped
}

// Objective is a named unit of tracked progress with update provenance.
type Objective struct {
	ID        string          `json:"id"`
	Phase     Phase           `json:"phase"`
	Status    ObjectiveStatus `json:"status"`
	Source    string          `json:"source,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
	Details   map[string]any  `json:"details,omitempty"`
}

// CardKind identifies which interactive card the UI is displaying.
type CardKind string

const (
	CardChoice          CardKind = "choice"
	CardUpload          CardKind = "upload"
	CardValidation      CardKind = "validation"
	CardProfileIntake   CardKind = "profile_intake"
	CardTimelineEditor  CardKind = "timeline_editor"
	CardSectionToggle   CardKind = "section_toggle"
	CardKnowledgeReview CardKind = "knowledge_review"
)

// Card is the interactive card currently displayed to the user.
type Card struct {
	ID      string         `json:"id"`
	Kind    CardKind       `json:"kind"`
	Title   string         `json:"title,omitempty"`
	Token   string         `json:"token,omitempty"` // continuation the card resolves, if any
	Payload map[string]any `json:"payload,omitempty"`
}

// WaitingState tags what the conversation is blocked on. The zero value means
// nothing is pending.
type WaitingState string

const (
	WaitingNone       WaitingState = ""
	WaitingSelection  WaitingState = "selection"
	WaitingUpload     WaitingState = "upload"
	WaitingValidation WaitingState = "validation"
	WaitingExtraction WaitingState = "extraction"
	WaitingProcessing WaitingState = "processing"
)

// Valid reports whether w is a known waiting state (including none).
func (w WaitingState) Valid() bool {
	switch w {
	case WaitingNone, WaitingSelection, WaitingUpload, WaitingValidation, WaitingExtraction, WaitingProcessing:
		return true
	}
	return false
}

// ParseWaitingState validates a waiting state string.
func ParseWaitingState(s string) (WaitingState, error) {
	w := WaitingState(s)
	if !w.Valid() {
		return WaitingNone, fmt.Errorf("unknown waiting state %q", s)
	}
	return w, nil
}

// Artifact is a piece of collected data (uploaded document, timeline entry,
// scratchpad note).
type Artifact struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Title     string         `json:"title,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Role is the author of a transcript message.
type Role string

const (
	RoleUser       Role = "user"
	RoleDeveloper  Role = "developer"
	RoleAssistant  Role = "assistant"
	RoleToolCall   Role = "tool_call"
	RoleToolResult Role = "tool_result"
	// RoleToolStatus is the interim status of a call suspended on the user.
	RoleToolStatus Role = "tool_status"
)

// Message is one finalized transcript entry.
type Message struct {
	ID         string    `json:"id"`
	Role       Role      `json:"role"`
	Text       string    `json:"text,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	ToolName   string    `json:"tool_name,omitempty"`
	Partial    bool      `json:"partial,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
