// ABOUTME: Serializes outbound turns to the transport and batches parallel tool responses
// ABOUTME: Tracks clean and last anchors; retries pending tool output before reverting to the clean anchor

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/intake-gateway/internal/events"
	"github.com/2389/intake-gateway/internal/transport"
)

var (
	// ErrBatchOpen is returned when opening a batch while another is open.
	ErrBatchOpen = errors.New("tool call batch already open")

	// ErrUnexpectedResponse is returned for a response whose call id is not
	// part of the open batch, or that was already received.
	ErrUnexpectedResponse = errors.New("unexpected tool response")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("queue manager closed")
)

// Dispatch is one turn handed to the transport.
type Dispatch struct {
	TurnID  string
	Turn    transport.Turn
	Attempt int
}

// Sender hands a turn to the transport. It must not block on the stream; the
// stream's outcome is reported back with MarkStreamCompleted or
// HandleTransportFailure.
type Sender func(ctx context.Context, d Dispatch) error

// Config tunes transport recovery.
type Config struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Defaults for recovery tuning.
const (
	DefaultMaxRetries  = 3
	DefaultBaseBackoff = 500 * time.Millisecond
	DefaultMaxBackoff  = 10 * time.Second
)

// State is the checkpointable part of the manager.
type State struct {
	HasStreamedFirstResponse bool             `json:"has_streamed_first_response"`
	CleanAnchor              transport.Anchor `json:"clean_anchor"`
	LastAnchor               transport.Anchor `json:"last_anchor"`
	Queued                   int              `json:"queued"`
	InFlight                 bool             `json:"in_flight"`
	BatchOpen                bool             `json:"batch_open"`
	RetryPending             bool             `json:"retry_pending"`
}

type batch struct {
	expected int
	callIDs  []string
	outputs  map[string]transport.ToolOutput
	arrival  []string
}

func (b *batch) complete() bool {
	return len(b.outputs) == b.expected
}

// turn assembles the combined output in call-id order, or arrival order when
// the batch was opened without ids.
func (b *batch) turn() transport.ToolOutputBatch {
	order := b.callIDs
	if len(order) == 0 {
		order = b.arrival
	}
	out := transport.ToolOutputBatch{ID: uuid.NewString(), Outputs: make([]transport.ToolOutput, 0, len(order))}
	for _, id := range order {
		out.Outputs = append(out.Outputs, b.outputs[id])
	}
	return out
}

// Manager is the single writer of the outbound stream.
type Manager struct {
	mu           sync.Mutex
	queue        []transport.Turn
	inFlight     *Dispatch
	batch        *batch
	hasStreamed  bool
	cleanAnchor  transport.Anchor
	lastAnchor   transport.Anchor
	attempts     int
	retryTimer   *time.Timer
	retryPending bool
	closed       bool

	send   Sender
	bus    *events.Bus
	cfg    Config
	logger *slog.Logger
}

// NewManager creates a manager that dispatches through send.
func NewManager(send Sender, bus *events.Bus, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultBaseBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = max(DefaultMaxBackoff, cfg.BaseBackoff)
	}
	return &Manager{
		send:   send,
		bus:    bus,
		cfg:    cfg,
		logger: logger.With("component", "queue"),
	}
}

// Enqueue appends a turn and dispatches the head if the stream is idle.
func (m *Manager) Enqueue(ctx context.Context, turn transport.Turn) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.queue = append(m.queue, turn)
	m.mu.Unlock()

	m.logger.Debug("turn enqueued", "kind", turn.Kind())
	m.tryDispatch(ctx)
	return nil
}

// StartToolCallBatch opens a barrier for expected responses. When callIDs is
// given, only those ids are accepted and the combined turn follows their order.
func (m *Manager) StartToolCallBatch(expected int, callIDs []string) error {
	if expected <= 0 {
		return fmt.Errorf("start batch: expected count %d must be positive", expected)
	}
	if len(callIDs) > 0 && len(callIDs) != expected {
		return fmt.Errorf("start batch: %d call ids for %d expected responses", len(callIDs), expected)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.batch != nil {
		return ErrBatchOpen
	}
	m.batch = &batch{
		expected: expected,
		callIDs:  append([]string(nil), callIDs...),
		outputs:  make(map[string]transport.ToolOutput, expected),
	}
	m.logger.Debug("tool batch opened", "expected", expected, "call_ids", callIDs)
	return nil
}

// EnqueueToolResponse adds one tool output. Inside an open batch it waits for
// the rest of the batch; otherwise it is queued as a single-output turn ahead
// of any queued messages.
func (m *Manager) EnqueueToolResponse(ctx context.Context, out transport.ToolOutput) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}

	b := m.batch
	if b == nil {
		m.queue = append([]transport.Turn{transport.ToolOutputBatch{ID: uuid.NewString(), Outputs: []transport.ToolOutput{out}}}, m.queue...)
		m.mu.Unlock()
		m.tryDispatch(ctx)
		return nil
	}

	if len(b.callIDs) > 0 && !contains(b.callIDs, out.CallID) {
		m.mu.Unlock()
		return fmt.Errorf("call %s is not in the open batch: %w", out.CallID, ErrUnexpectedResponse)
	}
	if _, dup := b.outputs[out.CallID]; dup {
		m.mu.Unlock()
		return fmt.Errorf("call %s already answered: %w", out.CallID, ErrUnexpectedResponse)
	}
	b.outputs[out.CallID] = out
	b.arrival = append(b.arrival, out.CallID)
	received, expected := len(b.outputs), b.expected

	if !b.complete() {
		m.mu.Unlock()
		m.logger.Debug("tool response held for batch", "call_id", out.CallID, "received", received, "expected", expected)
		return nil
	}

	m.batch = nil
	m.queue = append([]transport.Turn{b.turn()}, m.queue...)
	m.mu.Unlock()

	m.logger.Info("tool batch complete", "responses", expected)
	m.tryDispatch(ctx)
	return nil
}

// MarkStreamCompleted reports that the in-flight stream finished. The anchor
// becomes the last anchor; it also becomes the clean anchor when no tool
// obligation is open or queued.
func (m *Manager) MarkStreamCompleted(ctx context.Context, anchor transport.Anchor) {
	m.mu.Lock()
	var turnID string
	if m.inFlight != nil {
		turnID = m.inFlight.TurnID
	} else {
		m.logger.Warn("stream completed with nothing in flight", "response_id", anchor.ResponseID)
	}
	m.inFlight = nil
	m.attempts = 0
	m.hasStreamed = true

	anchor.Clean = m.batch == nil && !m.toolOutputQueuedLocked()
	m.lastAnchor = anchor
	if anchor.Clean {
		m.cleanAnchor = anchor
	}
	m.mu.Unlock()

	m.logger.Debug("stream completed", "turn_id", turnID, "response_id", anchor.ResponseID, "clean", anchor.Clean)
	if _, err := m.bus.Publish(ctx, events.StreamCompleted{TurnID: turnID, Anchor: anchor}); err != nil {
		m.logger.Error("publishing stream completion", "error", err)
	}
	m.tryDispatch(ctx)
}

// HandleTransportFailure recovers from a failed stream. A failed tool-output
// turn is replayed with exponential backoff up to MaxRetries; once retries are
// exhausted, or when no tool output was pending, the conversation reverts to
// the last clean anchor.
func (m *Manager) HandleTransportFailure(ctx context.Context, cause error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	failed := m.inFlight
	m.inFlight = nil

	var pendingTools bool
	if failed != nil {
		_, pendingTools = failed.Turn.(transport.ToolOutputBatch)
	}

	if pendingTools && m.attempts < m.cfg.MaxRetries {
		m.attempts++
		attempt := m.attempts
		delay := m.backoff(attempt)
		m.queue = append([]transport.Turn{failed.Turn}, m.queue...)
		m.retryPending = true
		rctx := context.WithoutCancel(ctx)
		m.retryTimer = time.AfterFunc(delay, func() { m.retry(rctx) })
		anchor := m.lastAnchor
		m.mu.Unlock()

		m.logger.Warn("transport failed, retrying tool output",
			"turn_id", failed.TurnID,
			"attempt", attempt,
			"delay", delay,
			"error", cause)
		m.publish(ctx, events.TransportRecovery{
			Action:  events.RecoveryRetry,
			Attempt: attempt,
			Delay:   delay,
			Anchor:  anchor,
			Error:   errString(cause),
		})
		return
	}

	attempt := m.attempts
	m.attempts = 0
	m.batch = nil
	kept := m.queue[:0]
	var keep []string
	for _, t := range m.queue {
		if _, isTools := t.(transport.ToolOutputBatch); isTools {
			continue
		}
		kept = append(kept, t)
		if id := messageID(t); id != "" {
			keep = append(keep, id)
		}
	}
	m.queue = kept
	clean := m.cleanAnchor
	m.lastAnchor = clean
	m.mu.Unlock()

	var turnID string
	if failed != nil {
		turnID = failed.TurnID
	}
	m.logger.Error("transport failed, reverting to clean anchor",
		"turn_id", turnID,
		"attempts", attempt,
		"response_id", clean.ResponseID,
		"transcript_len", clean.TranscriptLen,
		"error", cause)
	// Messages still queued keep their records even when they were recorded
	// after the clean anchor.
	m.publish(ctx, events.TranscriptTruncated{Length: clean.TranscriptLen, Keep: keep, Reason: "transport failure"})
	m.publish(ctx, events.TransportRecovery{
		Action:  events.RecoveryRevert,
		Attempt: attempt,
		Anchor:  clean,
		Error:   errString(cause),
	})
	m.tryDispatch(ctx)
}

func messageID(t transport.Turn) string {
	switch msg := t.(type) {
	case transport.UserMessage:
		return msg.ID
	case transport.DeveloperMessage:
		return msg.ID
	}
	return ""
}

func (m *Manager) retry(ctx context.Context) {
	m.mu.Lock()
	m.retryPending = false
	m.retryTimer = nil
	m.mu.Unlock()
	m.tryDispatch(ctx)
}

// backoff returns BaseBackoff * 2^(attempt-1), capped at MaxBackoff.
func (m *Manager) backoff(attempt int) time.Duration {
	d := m.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= m.cfg.MaxBackoff {
			return m.cfg.MaxBackoff
		}
	}
	return min(d, m.cfg.MaxBackoff)
}

// Abort drops the in-flight stream and any pending retry without recording
// an anchor. Queued turns and an open batch are kept so cancellation
// payloads can still answer the batch.
func (m *Manager) Abort(ctx context.Context) {
	m.mu.Lock()
	aborted := m.inFlight
	m.inFlight = nil
	m.attempts = 0
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.retryPending = false
	m.mu.Unlock()

	if aborted != nil {
		m.logger.Info("in-flight turn aborted", "turn_id", aborted.TurnID)
	}
	m.tryDispatch(ctx)
}

// tryDispatch sends the queue head when nothing is in flight, no batch is
// collecting responses and no retry is scheduled.
func (m *Manager) tryDispatch(ctx context.Context) {
	m.mu.Lock()
	if m.closed || m.inFlight != nil || m.batch != nil || m.retryPending || len(m.queue) == 0 {
		m.mu.Unlock()
		return
	}
	turn := m.queue[0]
	m.queue = m.queue[1:]
	d := Dispatch{TurnID: uuid.NewString(), Turn: turn, Attempt: m.attempts}
	m.inFlight = &d
	m.mu.Unlock()

	var callIDs []string
	if b, ok := turn.(transport.ToolOutputBatch); ok {
		callIDs = b.CallIDs()
	}
	m.logger.Info("turn dispatched", "turn_id", d.TurnID, "kind", turn.Kind(), "attempt", d.Attempt, "call_ids", callIDs)
	m.publish(ctx, events.TurnDispatched{TurnID: d.TurnID, TurnKind: turn.Kind(), CallIDs: callIDs, Attempt: d.Attempt})

	if err := m.send(ctx, d); err != nil {
		m.HandleTransportFailure(ctx, err)
	}
}

func (m *Manager) toolOutputQueuedLocked() bool {
	for _, t := range m.queue {
		if _, ok := t.(transport.ToolOutputBatch); ok {
			return true
		}
	}
	return false
}

func (m *Manager) publish(ctx context.Context, p events.Payload) {
	if _, err := m.bus.Publish(ctx, p); err != nil {
		m.logger.Error("publishing queue event", "kind", p.Kind(), "error", err)
	}
}

// InFlight returns the dispatched turn awaiting completion.
func (m *Manager) InFlight() (Dispatch, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight == nil {
		return Dispatch{}, false
	}
	return *m.inFlight, true
}

// Len returns the number of queued turns.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// CleanAnchor returns the last anchor with no outstanding tool obligations.
func (m *Manager) CleanAnchor() transport.Anchor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanAnchor
}

// State returns the checkpointable state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		HasStreamedFirstResponse: m.hasStreamed,
		CleanAnchor:              m.cleanAnchor,
		LastAnchor:               m.lastAnchor,
		Queued:                   len(m.queue),
		InFlight:                 m.inFlight != nil,
		BatchOpen:                m.batch != nil,
		RetryPending:             m.retryPending,
	}
}

// Restore resumes from a clean anchor. Both anchors are set to it.
func (m *Manager) Restore(anchor transport.Anchor, streamed bool) error {
	if !anchor.IsZero() && !anchor.Clean {
		return fmt.Errorf("restore queue: anchor %s is not clean", anchor.ResponseID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanAnchor = anchor
	m.lastAnchor = anchor
	m.hasStreamed = streamed
	return nil
}

// MarkStreamedOnce records that the conversation is past its first response.
func (m *Manager) MarkStreamedOnce() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hasStreamed = true
}

// Close stops any scheduled retry and rejects further work.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
