// ABOUTME: Closed set of domain event payloads, grouped by topic
// ABOUTME: Every payload type is declared here so handlers can switch exhaustively

package events

import (
	"encoding/json"
	"time"

	"github.com/2389/intake-gateway/internal/domain"
	"github.com/2389/intake-gateway/internal/transport"
)

// Topic partitions the bus so high-frequency producers do not flood
// subscribers of low-frequency control events.
type Topic string

const (
	TopicStream     Topic = "stream"
	TopicTranscript Topic = "transcript"
	TopicTool       Topic = "tool"
	TopicObjective  Topic = "objective"
	TopicPhase      Topic = "phase"
	TopicArtifact   Topic = "artifact"
	TopicUI         Topic = "ui"
	TopicGating     Topic = "gating"
	TopicQueue      Topic = "queue"
	TopicStatus     Topic = "status"
	TopicCheckpoint Topic = "checkpoint"
)

// AllTopics lists every topic.
func AllTopics() []Topic {
	return []Topic{
		TopicStream, TopicTranscript, TopicTool, TopicObjective, TopicPhase,
		TopicArtifact, TopicUI, TopicGating, TopicQueue, TopicStatus, TopicCheckpoint,
	}
}

// Payload is implemented only by the types in this file.
type Payload interface {
	Topic() Topic
	Kind() string
	isPayload()
}

// --- stream ---

// TextDelta is a fragment of streamed assistant text.
type TextDelta struct {
	TurnID string `json:"turn_id"`
	Text   string `json:"text"`
}

// StreamFinalized closes the assistant message of a turn. Partial is set
// when the stream was cancelled or failed before completing.
type StreamFinalized struct {
	TurnID    string `json:"turn_id"`
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
	Partial   bool   `json:"partial"`
}

// --- transcript ---

// UserMessageRecorded is a human message accepted into the conversation.
type UserMessageRecorded struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

// DeveloperMessageRecorded is an orchestrator instruction accepted into the conversation.
type DeveloperMessageRecorded struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

// TranscriptTruncated reverts the transcript to an anchor position. Messages
// past Length whose ids are in Keep survive, in their original order.
type TranscriptTruncated struct {
	Length int      `json:"length"`
	Keep   []string `json:"keep,omitempty"`
	Reason string   `json:"reason"`
}

// --- tool ---

// ToolCallRequested is a tool invocation requested by the model.
type ToolCallRequested struct {
	TurnID    string          `json:"turn_id"`
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolStatus is an interim status for a call suspended on human input.
type ToolStatus struct {
	CallID   string          `json:"call_id"`
	ToolName string          `json:"tool_name"`
	Token    string          `json:"token"`
	Status   json.RawMessage `json:"status"`
}

// ToolResultRecorded is the final output of a tool call.
type ToolResultRecorded struct {
	CallID   string          `json:"call_id"`
	ToolName string          `json:"tool_name"`
	Output   json.RawMessage `json:"output"`
	IsError  bool            `json:"is_error"`
}

// ToolRejected is a call refused before its handler ran.
type ToolRejected struct {
	CallID   string `json:"call_id"`
	ToolName string `json:"tool_name"`
	Code     string `json:"code"`
	Reason   string `json:"reason"`
}

// --- objective ---

// ObjectiveUpdated requests an objective status change.
type ObjectiveUpdated struct {
	ID      string                 `json:"id"`
	Status  domain.ObjectiveStatus `json:"status"`
	Source  string                 `json:"source"`
	Details map[string]any         `json:"details,omitempty"`
}

// ObjectiveStatusChanged records an applied status change.
type ObjectiveStatusChanged struct {
	ID     string                 `json:"id"`
	Phase  domain.Phase           `json:"phase"`
	From   domain.ObjectiveStatus `json:"from"`
	To     domain.ObjectiveStatus `json:"to"`
	Source string                 `json:"source"`
}

// --- phase ---

// PhaseAdvanceRequested asks the phase store to move forward. A zero To means
// the successor of the current phase. Override permits any target.
type PhaseAdvanceRequested struct {
	To       domain.Phase `json:"to,omitempty"`
	Override bool         `json:"override,omitempty"`
	Reason   string       `json:"reason,omitempty"`
}

// PhaseChanged records an applied phase transition.
type PhaseChanged struct {
	From domain.Phase `json:"from"`
	To   domain.Phase `json:"to"`
}

// PhaseAdvanceRejected records a refused transition.
type PhaseAdvanceRejected struct {
	From   domain.Phase `json:"from"`
	To     domain.Phase `json:"to"`
	Reason string       `json:"reason"`
}

// --- artifact ---

// ArtifactUpserted creates or replaces an artifact.
type ArtifactUpserted struct {
	Artifact domain.Artifact `json:"artifact"`
}

// ArtifactRemoved deletes an artifact.
type ArtifactRemoved struct {
	ID string `json:"id"`
}

// NoteRecorded appends to the model's scratchpad.
type NoteRecorded struct {
	Text string `json:"text"`
}

// --- ui ---

// CardShown displays an interactive card.
type CardShown struct {
	Card domain.Card `json:"card"`
}

// CardDismissed removes the displayed card. An empty CardID dismisses whatever is shown.
type CardDismissed struct {
	CardID string `json:"card_id"`
}

// WaitingStateSet marks the conversation as blocked on the user.
type WaitingStateSet struct {
	State domain.WaitingState `json:"state"`
	Token string              `json:"token,omitempty"`
}

// WaitingStateCleared unblocks the conversation. A non-empty Token only
// clears the wait it owns.
type WaitingStateCleared struct {
	Token string `json:"token,omitempty"`
}

// --- gating ---

// AllowedToolsChanged publishes the tool set for the model's next turn.
type AllowedToolsChanged struct {
	Phase    domain.Phase `json:"phase"`
	Subphase string       `json:"subphase"`
	Tools    []string     `json:"tools"`
}

// --- queue ---

// TurnDispatched records a turn handed to the transport.
type TurnDispatched struct {
	TurnID   string             `json:"turn_id"`
	TurnKind transport.TurnKind `json:"kind"`
	CallIDs  []string           `json:"call_ids,omitempty"`
	Attempt  int                `json:"attempt,omitempty"`
}

// StreamCompleted records that the in-flight turn's stream has finished.
type StreamCompleted struct {
	TurnID string           `json:"turn_id"`
	Anchor transport.Anchor `json:"anchor"`
}

// --- status ---

// RecoveryAction is what the queue did after a transport failure.
type RecoveryAction string

const (
	RecoveryRetry  RecoveryAction = "retry"
	RecoveryRevert RecoveryAction = "revert"
)

// TransportRecovery reports the handling of a transport failure.
type TransportRecovery struct {
	Action  RecoveryAction   `json:"action"`
	Attempt int              `json:"attempt"`
	Delay   time.Duration    `json:"delay,omitempty"`
	Anchor  transport.Anchor `json:"anchor"`
	Error   string           `json:"error"`
}

// TurnCancelled reports a user-initiated cancellation.
type TurnCancelled struct {
	TurnID        string `json:"turn_id"`
	Reason        string `json:"reason"`
	PartialLength int    `json:"partial_length"`
	Tokens        int    `json:"tokens"`
}

// --- checkpoint ---

// CheckpointSaved records a persisted snapshot.
type CheckpointSaved struct {
	SnapshotID string       `json:"snapshot_id"`
	Phase      domain.Phase `json:"phase"`
}

// CheckpointRestored records a session resumed from a snapshot.
type CheckpointRestored struct {
	SnapshotID string       `json:"snapshot_id"`
	Phase      domain.Phase `json:"phase"`
	Messages   int          `json:"messages"`
}

func (TextDelta) Topic() Topic                { return TopicStream }
func (StreamFinalized) Topic() Topic          { return TopicStream }
func (UserMessageRecorded) Topic() Topic      { return TopicTranscript }
func (DeveloperMessageRecorded) Topic() Topic { return TopicTranscript }
func (TranscriptTruncated) Topic() Topic      { return TopicTranscript }
func (ToolCallRequested) Topic() Topic        { return TopicTool }
func (ToolStatus) Topic() Topic               { return TopicTool }
func (ToolResultRecorded) Topic() Topic       { return TopicTool }
func (ToolRejected) Topic() Topic             { return TopicTool }
func (ObjectiveUpdated) Topic() Topic         { return TopicObjective }
func (ObjectiveStatusChanged) Topic() Topic   { return TopicObjective }
func (PhaseAdvanceRequested) Topic() Topic    { return TopicPhase }
func (PhaseChanged) Topic() Topic             { return TopicPhase }
func (PhaseAdvanceRejected) Topic() Topic     { return TopicPhase }
func (ArtifactUpserted) Topic() Topic         { return TopicArtifact }
func (ArtifactRemoved) Topic() Topic          { return TopicArtifact }
func (NoteRecorded) Topic() Topic             { return TopicArtifact }
func (CardShown) Topic() Topic                { return TopicUI }
func (CardDismissed) Topic() Topic            { return TopicUI }
func (WaitingStateSet) Topic() Topic          { return TopicUI }
func (WaitingStateCleared) Topic() Topic      { return TopicUI }
func (AllowedToolsChanged) Topic() Topic      { return TopicGating }
func (TurnDispatched) Topic() Topic           { return TopicQueue }
func (StreamCompleted) Topic() Topic          { return TopicQueue }
func (TransportRecovery) Topic() Topic        { return TopicStatus }
func (TurnCancelled) Topic() Topic            { return TopicStatus }
func (CheckpointSaved) Topic() Topic          { return TopicCheckpoint }
func (CheckpointRestored) Topic() Topic       { return TopicCheckpoint }

func (TextDelta) Kind() string                { return "text_delta" }
func (StreamFinalized) Kind() string          { return "stream_finalized" }
func (UserMessageRecorded) Kind() string      { return "user_message_recorded" }
func (DeveloperMessageRecorded) Kind() string { return "developer_message_recorded" }
func (TranscriptTruncated) Kind() string      { return "transcript_truncated" }
func (ToolCallRequested) Kind() string        { return "tool_call_requested" }
func (ToolStatus) Kind() string               { return "tool_status" }
func (ToolResultRecorded) Kind() string       { return "tool_result_recorded" }
func (ToolRejected) Kind() string             { return "tool_rejected" }
func (ObjectiveUpdated) Kind() string         { return "objective_updated" }
func (ObjectiveStatusChanged) Kind() string   { return "objective_status_changed" }
func (PhaseAdvanceRequested) Kind() string    { return "phase_advance_requested" }
func (PhaseChanged) Kind() string             { return "phase_changed" }
func (PhaseAdvanceRejected) Kind() string     { return "phase_advance_rejected" }
func (ArtifactUpserted) Kind() string         { return "artifact_upserted" }
func (ArtifactRemoved) Kind() string          { return "artifact_removed" }
func (NoteRecorded) Kind() string             { return "note_recorded" }
func (CardShown) Kind() string                { return "card_shown" }
func (CardDismissed) Kind() string            { return "card_dismissed" }
func (WaitingStateSet) Kind() string          { return "waiting_state_set" }
func (WaitingStateCleared) Kind() string      { return "waiting_state_cleared" }
func (AllowedToolsChanged) Kind() string      { return "allowed_tools_changed" }
func (TurnDispatched) Kind() string           { return "turn_dispatched" }
func (StreamCompleted) Kind() string          { return "stream_completed" }
func (TransportRecovery) Kind() string        { return "transport_recovery" }
func (TurnCancelled) Kind() string            { return "turn_cancelled" }
func (CheckpointSaved) Kind() string          { return "checkpoint_saved" }
func (CheckpointRestored) Kind() string       { return "checkpoint_restored" }

func (TextDelta) isPayload()                {}
func (StreamFinalized) isPayload()          {}
func (UserMessageRecorded) isPayload()      {}
func (DeveloperMessageRecorded) isPayload() {}
func (TranscriptTruncated) isPayload()      {}
func (ToolCallRequested) isPayload()        {}
func (ToolStatus) isPayload()               {}
func (ToolResultRecorded) isPayload()       {}
func (ToolRejected) isPayload()             {}
func (ObjectiveUpdated) isPayload()         {}
func (ObjectiveStatusChanged) isPayload()   {}
func (PhaseAdvanceRequested) isPayload()    {}
func (PhaseChanged) isPayload()             {}
func (PhaseAdvanceRejected) isPayload()     {}
func (ArtifactUpserted) isPayload()         {}
func (ArtifactRemoved) isPayload()          {}
func (NoteRecorded) isPayload()             {}
func (CardShown) isPayload()                {}
func (CardDismissed) isPayload()            {}
func (WaitingStateSet) isPayload()          {}
func (WaitingStateCleared) isPayload()      {}
func (AllowedToolsChanged) isPayload()      {}
func (TurnDispatched) isPayload()           {}
func (StreamCompleted) isPayload()          {}
func (TransportRecovery) isPayload()        {}
func (TurnCancelled) isPayload()            {}
func (CheckpointSaved) isPayload()          {}
func (CheckpointRestored) isPayload()       {}
