// ABOUTME: JSON API handlers over the hosted session
// ABOUTME: Read views of state, tools, events and checkpoints plus message, action and cancel commands

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/2389/intake-gateway/internal/checkpoint"
	"github.com/2389/intake-gateway/internal/conversation"
	"github.com/2389/intake-gateway/internal/domain"
	"github.com/2389/intake-gateway/internal/events"
	"github.com/2389/intake-gateway/internal/orcherr"
	"github.com/2389/intake-gateway/internal/packs"
	"github.com/2389/intake-gateway/internal/queue"
	"github.com/2389/intake-gateway/internal/store"
)

// SessionView is the JSON response for GET /api/session and the state frame
// sent to UI clients when they connect.
type SessionView struct {
	ID           string              `json:"id"`
	Started      bool                `json:"started"`
	Restored     bool                `json:"restored"`
	Phase        domain.Phase        `json:"phase"`
	Subphase     string              `json:"subphase"`
	AllowedTools []string            `json:"allowed_tools"`
	Objectives   []domain.Objective  `json:"objectives"`
	Card         *domain.Card        `json:"card,omitempty"`
	Waiting      domain.WaitingState `json:"waiting,omitempty"`
	PendingWaits []PendingWait       `json:"pending_waits"`
	Artifacts    map[string]int      `json:"artifacts"`
	Notes        []string            `json:"notes"`
	Transcript   []domain.Message    `json:"transcript"`
	Draft        string              `json:"draft,omitempty"`
	Queue        queue.State         `json:"queue"`
}

// PendingWait is a suspended tool call awaiting the user.
type PendingWait struct {
	Token        string              `json:"token"`
	CallID       string              `json:"call_id"`
	ToolName     string              `json:"tool_name"`
	Waiting      domain.WaitingState `json:"waiting,omitempty"`
	RegisteredAt time.Time           `json:"registered_at"`
}

// ToolsResponse is the JSON response for GET /api/tools.
type ToolsResponse struct {
	Subphase string             `json:"subphase"`
	Allowed  []packs.Definition `json:"allowed"`
	Packs    []packs.PackInfo   `json:"packs"`
}

// EventResponse is one bus event in API responses.
type EventResponse struct {
	ID        string         `json:"id"`
	Topic     events.Topic   `json:"topic"`
	Kind      string         `json:"kind"`
	Payload   events.Payload `json:"payload"`
	Timestamp string         `json:"timestamp"`
}

// JournalEntryResponse is one recorded event in GET /api/journal.
type JournalEntryResponse struct {
	Seq       int64           `json:"seq"`
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

// JournalResponse is the JSON response for GET /api/journal.
type JournalResponse struct {
	Entries    []JournalEntryResponse `json:"entries"`
	NextCursor string                 `json:"next_cursor,omitempty"`
	HasMore    bool                   `json:"has_more"`
}

// SnapshotSummary describes a stored checkpoint without its body.
type SnapshotSummary struct {
	ID        string `json:"id"`
	Phase     string `json:"phase"`
	Checksum  string `json:"checksum"`
	CreatedAt string `json:"created_at"`
}

// SendMessageRequest is the JSON request body for POST /api/messages.
type SendMessageRequest struct {
	Text string `json:"text"`
}

// UserActionRequest is the JSON request body for POST /api/actions.
type UserActionRequest struct {
	ID      string          `json:"id,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	Token   string          `json:"token"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CancelRequest is the JSON request body for POST /api/cancel.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// CancelResponse is the JSON response for POST /api/cancel.
type CancelResponse struct {
	TurnID        string `json:"turn_id,omitempty"`
	PartialLength int    `json:"partial_length"`
	Tokens        int    `json:"tokens"`
}

func (g *Gateway) view() SessionView {
	s := g.session
	st := s.State()
	allowed := s.Allowed()

	g.startMu.Lock()
	started, restored := g.started, g.restored
	g.startMu.Unlock()

	waiting, _ := st.UI.Waiting()
	v := SessionView{
		ID:           s.ID(),
		Started:      started,
		Restored:     restored,
		Phase:        st.CurrentPhase(),
		Subphase:     string(allowed.Subphase),
		AllowedTools: allowed.Tools,
		Objectives:   st.Objectives.Export(),
		Card:         st.DisplayedCard(),
		Waiting:      waiting,
		PendingWaits: []PendingWait{},
		Artifacts:    st.ArtifactCounts(),
		Notes:        st.Artifacts.Notes(),
		Transcript:   st.Transcript.Messages(),
		Draft:        st.Transcript.Draft(),
		Queue:        s.QueueState(),
	}
	for _, w := range s.PendingWaits() {
		v.PendingWaits = append(v.PendingWaits, PendingWait{
			Token:        w.Token,
			CallID:       w.CallID,
			ToolName:     w.ToolName,
			Waiting:      w.Waiting,
			RegisteredAt: w.RegisteredAt,
		})
	}
	return v
}

// jsonError writes a JSON error response.
func jsonError(c echo.Context, status int, message string) error {
	return c.JSON(status, map[string]string{"error": message})
}

// commandError maps a session error to a status code.
func (g *Gateway) commandError(c echo.Context, op string, err error) error {
	switch {
	case errors.Is(err, conversation.ErrNotStarted):
		return jsonError(c, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, conversation.ErrSessionClosed):
		return jsonError(c, http.StatusGone, err.Error())
	case errors.Is(err, orcherr.ErrContinuationMisuse):
		return c.JSON(http.StatusConflict, map[string]string{
			"error": err.Error(),
			"code":  string(orcherr.CodeContinuation),
		})
	}
	g.logger.Error(op+" failed", "error", err)
	return jsonError(c, http.StatusInternalServerError, "internal server error")
}

// handleSession handles GET /api/session.
func (g *Gateway) handleSession(c echo.Context) error {
	return c.JSON(http.StatusOK, g.view())
}

// handleTools handles GET /api/tools: the definitions the model currently
// sees plus every registered pack.
func (g *Gateway) handleTools(c echo.Context) error {
	allowed := g.session.Allowed()
	reg := g.session.Registry()
	return c.JSON(http.StatusOK, ToolsResponse{
		Subphase: string(allowed.Subphase),
		Allowed:  reg.Definitions(allowed.Tools),
		Packs:    reg.ListPacks(),
	})
}

// handleEvents handles GET /api/events, the in-memory bus history.
// Optional query: topic.
func (g *Gateway) handleEvents(c echo.Context) error {
	topic := events.Topic(c.QueryParam("topic"))
	out := []EventResponse{}
	for _, ev := range g.session.Bus().History() {
		if topic != "" && ev.Topic != topic {
			continue
		}
		out = append(out, EventResponse{
			ID:        ev.ID,
			Topic:     ev.Topic,
			Kind:      ev.Kind,
			Payload:   ev.Payload,
			Timestamp: ev.Timestamp.Format(time.RFC3339Nano),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"events": out})
}

// handleJournal handles GET /api/journal.
// Optional query: topic, since (RFC3339), limit, cursor.
func (g *Gateway) handleJournal(c echo.Context) error {
	q := store.JournalQuery{
		SessionID: g.session.ID(),
		Topic:     c.QueryParam("topic"),
		Cursor:    c.QueryParam("cursor"),
	}
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return jsonError(c, http.StatusBadRequest, "limit must be a positive integer")
		}
		q.Limit = limit
	}
	if raw := c.QueryParam("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return jsonError(c, http.StatusBadRequest, "since must be an RFC3339 timestamp")
		}
		q.Since = &since
	}

	page, err := g.store.ListJournal(c.Request().Context(), q)
	if err != nil {
		g.logger.Error("failed to list journal", "error", err)
		return jsonError(c, http.StatusBadRequest, "invalid journal query")
	}

	resp := JournalResponse{
		Entries:    make([]JournalEntryResponse, len(page.Entries)),
		NextCursor: page.NextCursor,
		HasMore:    page.HasMore,
	}
	for i, e := range page.Entries {
		resp.Entries[i] = JournalEntryResponse{
			Seq:       e.Seq,
			ID:        e.ID,
			Topic:     e.Topic,
			Kind:      e.Kind,
			Payload:   json.RawMessage(e.Payload),
			Timestamp: e.Timestamp.Format(time.RFC3339Nano),
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// handleSendMessage handles POST /api/messages.
func (g *Gateway) handleSendMessage(c echo.Context) error {
	var req SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "invalid request body")
	}
	if req.Text == "" {
		return jsonError(c, http.StatusBadRequest, "text is required")
	}
	if err := g.session.SendUserMessage(c.Request().Context(), req.Text); err != nil {
		return g.commandError(c, "send message", err)
	}
	return c.JSON(http.StatusAccepted, map[string]bool{"ok": true})
}

// handleUserAction handles POST /api/actions.
func (g *Gateway) handleUserAction(c echo.Context) error {
	var req UserActionRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "invalid request body")
	}
	if req.Token == "" {
		return jsonError(c, http.StatusBadRequest, "token is required")
	}
	err := g.session.HandleUserAction(c.Request().Context(), conversation.Action{
		ID:      req.ID,
		Kind:    conversation.ActionKind(req.Kind),
		Token:   req.Token,
		Payload: req.Payload,
	})
	if err != nil {
		return g.commandError(c, "user action", err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// handleCancel handles POST /api/cancel.
func (g *Gateway) handleCancel(c echo.Context) error {
	var req CancelRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return jsonError(c, http.StatusBadRequest, "invalid request body")
		}
	}
	res, err := g.session.Cancel(c.Request().Context(), req.Reason)
	if err != nil {
		return g.commandError(c, "cancel", err)
	}
	return c.JSON(http.StatusOK, CancelResponse{
		TurnID:        res.TurnID,
		PartialLength: res.PartialLength,
		Tokens:        res.Tokens,
	})
}

// handleGetSnapshot handles GET /api/snapshot: the checkpoint the session
// would save right now.
func (g *Gateway) handleGetSnapshot(c echo.Context) error {
	return c.JSON(http.StatusOK, g.session.Checkpoint().Snapshot())
}

// handleSaveSnapshot handles POST /api/snapshot.
func (g *Gateway) handleSaveSnapshot(c echo.Context) error {
	snap, err := g.session.Checkpoint().Save(c.Request().Context())
	if err != nil {
		g.logger.Error("failed to save snapshot", "error", err)
		return jsonError(c, http.StatusInternalServerError, "failed to save snapshot")
	}
	return c.JSON(http.StatusCreated, summarize(snap))
}

// handleListSnapshots handles GET /api/snapshots. Optional query: limit.
func (g *Gateway) handleListSnapshots(c echo.Context) error {
	limit := 20
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return jsonError(c, http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = parsed
	}
	recs, err := g.store.ListSnapshots(c.Request().Context(), g.session.ID(), limit)
	if err != nil {
		g.logger.Error("failed to list snapshots", "error", err)
		return jsonError(c, http.StatusInternalServerError, "internal server error")
	}
	out := make([]SnapshotSummary, len(recs))
	for i, r := range recs {
		out[i] = SnapshotSummary{
			ID:        r.ID,
			Phase:     r.Phase,
			Checksum:  r.Checksum,
			CreatedAt: r.CreatedAt.Format(time.RFC3339Nano),
		}
	}
	return c.JSON(http.StatusOK, map[string]any{"snapshots": out})
}

func summarize(s *checkpoint.Snapshot) SnapshotSummary {
	return SnapshotSummary{
		ID:        s.ID,
		Phase:     s.Phase.String(),
		Checksum:  s.Checksum,
		CreatedAt: s.CreatedAt.Format(time.RFC3339Nano),
	}
}
