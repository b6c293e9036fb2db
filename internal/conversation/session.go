// ABOUTME: Session orchestrator wiring bus, stores, gating, tools, queue and checkpoints together
// ABOUTME: Pumps transport streams onto the bus and owns cancellation of the active turn

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/intake-gateway/internal/builtins"
	"github.com/2389/intake-gateway/internal/checkpoint"
	"github.com/2389/intake-gateway/internal/continuation"
	"github.com/2389/intake-gateway/internal/domain"
	"github.com/2389/intake-gateway/internal/events"
	"github.com/2389/intake-gateway/internal/gating"
	"github.com/2389/intake-gateway/internal/orcherr"
	"github.com/2389/intake-gateway/internal/packs"
	"github.com/2389/intake-gateway/internal/queue"
	"github.com/2389/intake-gateway/internal/state"
	"github.com/2389/intake-gateway/internal/store"
	"github.com/2389/intake-gateway/internal/transport"
)

var (
	// ErrSessionClosed is returned after Close.
	ErrSessionClosed = errors.New("session closed")

	// ErrNotStarted is returned when sending before Start.
	ErrNotStarted = errors.New("session not started")
)

// ReasonUser is the cancellation reason for user-initiated cancels.
const ReasonUser = "cancelled by user"

// Config wires a Session. Transport is required; everything else has a
// default.
type Config struct {
	SessionID string
	Transport transport.Transport
	Store     store.Store
	Bus       *events.Bus
	// BusHistory sizes the history of a session-owned bus.
	BusHistory int
	Table     *gating.Table
	Policy    *gating.AdmissionPolicy
	Model     transport.ModelConfig
	// Kickoff is sent as a developer message when the session starts fresh.
	Kickoff string

	Queue        queue.Config
	Continuation continuation.Config
	// AutosaveDebounce of zero disables autosave.
	AutosaveDebounce time.Duration
	KeepSnapshots    int
	// Journal records bus events to Store when set.
	Journal bool

	Logger *slog.Logger
}

// Session is one interview: the orchestration core plus the stream pump.
type Session struct {
	id        string
	transport transport.Transport
	store     store.Store
	ownsBus   bool
	kickoff   string
	logger    *slog.Logger

	bus        *events.Bus
	state      *state.Set
	gate       *gating.Gatekeeper
	tracker    *continuation.Tracker
	queue      *queue.Manager
	registry   *packs.Registry
	router     *packs.Router
	checkpoint *checkpoint.Coordinator
	journal    *Journal

	mu      sync.Mutex
	baseCtx context.Context
	stop    context.CancelFunc
	active  *stream
	started bool
	closed  bool
	pumps   sync.WaitGroup
}

// stream is one in-flight transport response.
type stream struct {
	turnID string
	cancel context.CancelFunc

	// mu orders event handling against cancellation: once cancelled is set,
	// no further event of this stream reaches the bus.
	mu        sync.Mutex
	cancelled bool
	finished  bool
}

// New builds a session. Component construction order matters: the stores
// subscribe first so that every later subscriber observes updated state.
func New(cfg Config) (*Session, error) {
	if cfg.Transport == nil {
		return nil, errors.New("transport is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	logger = logger.With("session_id", cfg.SessionID)

	s := &Session{
		id:        cfg.SessionID,
		transport: cfg.Transport,
		store:     cfg.Store,
		kickoff:   cfg.Kickoff,
		bus:       cfg.Bus,
		logger:    logger.With("component", "session"),
	}
	if s.store == nil {
		s.store = store.NewMemoryStore()
	}
	if s.bus == nil {
		s.bus = events.New(events.Config{HistorySize: cfg.BusHistory}, logger)
		s.ownsBus = true
	}

	s.state = state.NewSet(s.bus, domain.PhaseProfile, logger)
	s.gate = gating.NewGatekeeper(s.bus, cfg.Table, s.state, cfg.Policy, logger)
	s.tracker = continuation.NewTracker(s.bus, cfg.Continuation, logger)
	s.queue = queue.NewManager(s.send, s.bus, cfg.Queue, logger)

	s.registry = packs.NewRegistry(logger)
	if err := builtins.RegisterAll(s.registry, builtins.Deps{
		Bus:        s.bus,
		Phase:      s.state.Phase,
		Objectives: s.state.Objectives,
		Artifacts:  s.state.Artifacts,
	}); err != nil {
		return nil, fmt.Errorf("registering built-in tools: %w", err)
	}
	s.router = packs.NewRouter(packs.RouterConfig{
		Registry: s.registry,
		Gate:     s.gate,
		Waiter:   s.tracker,
		Sink:     s.queue,
		Bus:      s.bus,
		Logger:   logger,
	})

	s.checkpoint = checkpoint.New(checkpoint.Config{
		SessionID:   s.id,
		Bus:         s.bus,
		State:       s.state,
		Queue:       s.queue,
		Gate:        s.gate,
		Store:       s.store,
		ModelConfig: cfg.Model,
		Debounce:    cfg.AutosaveDebounce,
		Keep:        cfg.KeepSnapshots,
		Logger:      logger,
	})

	if cfg.Journal {
		s.journal = NewJournal(s.bus, s.store, s.id, logger)
	}

	s.bus.Subscribe(events.TopicStatus, "session", s.handleStatus)
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Bus returns the session's event bus.
func (s *Session) Bus() *events.Bus { return s.bus }

// State returns the session's stores.
func (s *Session) State() *state.Set { return s.state }

// Registry returns the tool registry.
func (s *Session) Registry() *packs.Registry { return s.registry }

// Allowed returns the last published gating result.
func (s *Session) Allowed() gating.Result { return s.gate.Allowed() }

// Gatekeeper returns the gating owner, for policy reloads.
func (s *Session) Gatekeeper() *gating.Gatekeeper { return s.gate }

// Checkpoint returns the checkpoint coordinator.
func (s *Session) Checkpoint() *checkpoint.Coordinator { return s.checkpoint }

// QueueState returns the stream queue state.
func (s *Session) QueueState() queue.State { return s.queue.State() }

// PendingWaits returns the calls suspended on the user.
func (s *Session) PendingWaits() []continuation.Wait { return s.tracker.Pending() }

// Start resumes the newest snapshot of the session or, failing that, starts
// fresh with the kickoff developer message. ctx bounds the session's
// lifetime.
func (s *Session) Start(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrSessionClosed
	}
	if s.started {
		s.mu.Unlock()
		return false, errors.New("session already started")
	}
	s.baseCtx, s.stop = context.WithCancel(context.WithoutCancel(ctx))
	s.started = true
	s.mu.Unlock()

	restored, err := s.checkpoint.Resume(ctx)
	if err != nil {
		return false, fmt.Errorf("resuming session: %w", err)
	}
	if restored {
		anchor := s.queue.CleanAnchor()
		if rw, ok := s.transport.(transport.Rewinder); ok && !anchor.IsZero() {
			rw.Rewind(anchor)
		}
		s.logger.Info("session resumed",
			"phase", s.state.Phase.Current(),
			"messages", s.state.Transcript.Len(),
			"anchor", anchor.ResponseID)
		return true, nil
	}

	if _, err := s.gate.Recompute(ctx); err != nil {
		return false, fmt.Errorf("initial gating: %w", err)
	}
	s.logger.Info("session started fresh", "phase", s.state.Phase.Current())
	if s.kickoff != "" {
		if err := s.SendDeveloperMessage(ctx, s.kickoff); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (s *Session) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if !s.started {
		return ErrNotStarted
	}
	return nil
}

// SendUserMessage records the user's text and queues it for the model.
func (s *Session) SendUserMessage(ctx context.Context, text string) error {
	if err := s.ready(); err != nil {
		return err
	}
	id := uuid.NewString()
	if _, err := s.bus.Publish(ctx, events.UserMessageRecorded{MessageID: id, Text: text}); err != nil {
		return fmt.Errorf("recording user message: %w", err)
	}
	return s.queue.Enqueue(ctx, transport.UserMessage{ID: id, Text: text})
}

// SendDeveloperMessage records an orchestrator instruction and queues it.
func (s *Session) SendDeveloperMessage(ctx context.Context, text string) error {
	if err := s.ready(); err != nil {
		return err
	}
	id := uuid.NewString()
	if _, err := s.bus.Publish(ctx, events.DeveloperMessageRecorded{MessageID: id, Text: text}); err != nil {
		return fmt.Errorf("recording developer message: %w", err)
	}
	return s.queue.Enqueue(ctx, transport.DeveloperMessage{ID: id, Text: text})
}

// ActionKind identifies a user action.
type ActionKind string

const (
	// ActionResolve answers a pending card.
	ActionResolve ActionKind = "resolve"
	// ActionDismiss declines a pending card; the tool sees a cancellation.
	ActionDismiss ActionKind = "dismiss"
)

// Action is a user interaction that resolves a continuation token.
type Action struct {
	ID      string          `json:"id"`
	Kind    ActionKind      `json:"kind"`
	Token   string          `json:"token"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HandleUserAction resolves the action's token. Resolving a token twice, or
// an unknown token, returns an error wrapping orcherr.ErrContinuationMisuse.
func (s *Session) HandleUserAction(ctx context.Context, a Action) error {
	if err := s.ready(); err != nil {
		return err
	}
	if a.Token == "" {
		return fmt.Errorf("%w: action without token", orcherr.ErrContinuationMisuse)
	}
	s.logger.Debug("user action", "action_id", a.ID, "kind", a.Kind, "token", a.Token)
	switch a.Kind {
	case ActionDismiss:
		return s.tracker.Cancel(ctx, a.Token, "dismissed by user")
	case ActionResolve, "":
		payload := a.Payload
		if len(payload) == 0 {
			payload = json.RawMessage(`{}`)
		}
		return s.tracker.Resume(ctx, a.Token, payload)
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
}

// CancelResult describes what a Cancel interrupted.
type CancelResult struct {
	TurnID        string
	PartialLength int
	Tokens        int
}

// Cancel interrupts the active turn: the in-flight stream is aborted and its
// partial text finalized, every outstanding continuation is resolved with a
// cancellation payload and the waiting state is cleared.
func (s *Session) Cancel(ctx context.Context, reason string) (CancelResult, error) {
	if err := s.ready(); err != nil {
		return CancelResult{}, err
	}
	if reason == "" {
		reason = ReasonUser
	}

	s.mu.Lock()
	st := s.active
	s.active = nil
	s.mu.Unlock()

	var res CancelResult
	inFlight := false
	if st != nil {
		st.mu.Lock()
		inFlight = !st.finished
		st.cancelled = true
		st.mu.Unlock()
		st.cancel()
		res.TurnID = st.turnID
	}
	if inFlight {
		res.PartialLength = len([]rune(s.state.Transcript.Draft()))
		s.publish(ctx, events.StreamFinalized{
			TurnID:    st.turnID,
			MessageID: uuid.NewString(),
			Partial:   true,
		})
	}

	turns := map[string]bool{}
	if res.TurnID != "" {
		turns[res.TurnID] = true
	}
	for _, w := range s.tracker.Pending() {
		turns[w.TurnID] = true
		if res.TurnID == "" {
			res.TurnID = w.TurnID
		}
	}
	for turnID := range turns {
		res.Tokens += s.tracker.CancelTurn(ctx, turnID, reason)
	}

	s.publish(ctx, events.WaitingStateCleared{})
	if inFlight {
		s.queue.Abort(ctx)
	}

	if res.TurnID == "" {
		s.logger.Debug("cancel with nothing active")
		return res, nil
	}
	s.logger.Info("turn cancelled",
		"turn_id", res.TurnID,
		"partial_length", res.PartialLength,
		"tokens", res.Tokens,
		"reason", reason)
	s.publish(ctx, events.TurnCancelled{
		TurnID:        res.TurnID,
		Reason:        reason,
		PartialLength: res.PartialLength,
		Tokens:        res.Tokens,
	})
	return res, nil
}

// send is the queue's Sender. It starts the stream and returns; the pump
// reports completion or failure back to the queue.
func (s *Session) send(_ context.Context, d queue.Dispatch) error {
	s.mu.Lock()
	if s.closed || s.baseCtx == nil {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	base := s.baseCtx
	s.mu.Unlock()
	if base.Err() != nil {
		return ErrSessionClosed
	}

	if c, ok := s.transport.(transport.Configurable); ok {
		c.Configure(s.turnOptions())
	}

	streamCtx, cancel := context.WithCancel(base)
	ch, err := s.transport.Send(streamCtx, d.Turn)
	if err != nil {
		cancel()
		return fmt.Errorf("%w: %v", orcherr.ErrTransport, err)
	}

	st := &stream{turnID: d.TurnID, cancel: cancel}
	s.mu.Lock()
	s.active = st
	s.mu.Unlock()

	s.pumps.Add(1)
	go s.pump(base, st, ch)
	return nil
}

func (s *Session) turnOptions() transport.TurnOptions {
	defs := s.registry.Definitions(s.gate.Allowed().Tools)
	specs := make([]transport.ToolSpec, len(defs))
	for i, d := range defs {
		specs[i] = transport.ToolSpec{Name: d.Name, Description: d.Description, Parameters: d.InputSchema}
	}
	return transport.TurnOptions{Model: s.checkpoint.ModelConfig(), Tools: specs}
}

// pump moves one stream's events onto the bus. ctx is the session context;
// the stream's own context only governs the transport.
func (s *Session) pump(ctx context.Context, st *stream, ch <-chan transport.Event) {
	defer s.pumps.Done()
	defer st.cancel()

	var calls []transport.ToolCall
	for ev := range ch {
		switch ev.Kind {
		case transport.EventTextDelta:
			if !s.deliver(ctx, st, events.TextDelta{TurnID: st.turnID, Text: ev.Text}) {
				return
			}
		case transport.EventToolCall:
			if ev.ToolCall != nil {
				calls = append(calls, *ev.ToolCall)
			}
		case transport.EventCompleted:
			if s.finish(st) {
				s.complete(ctx, st.turnID, ev.ResponseID, calls)
			}
			return
		case transport.EventFailed:
			if s.finish(st) {
				s.failed(ctx, st.turnID, ev.Err)
			}
			return
		}
	}
	// Closed without a terminal event: either we cancelled it, or the
	// transport gave up.
	if s.finish(st) {
		s.failed(ctx, st.turnID, errors.New("stream closed before completion"))
	}
}

// deliver publishes one stream event unless the stream was cancelled.
func (s *Session) deliver(ctx context.Context, st *stream, p events.Payload) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.cancelled {
		return false
	}
	s.publish(ctx, p)
	return true
}

// finish marks the stream done and reports whether this caller owns its
// terminal handling.
func (s *Session) finish(st *stream) bool {
	st.mu.Lock()
	if st.cancelled || st.finished {
		st.mu.Unlock()
		return false
	}
	st.finished = true
	st.mu.Unlock()

	s.mu.Lock()
	if s.active == st {
		s.active = nil
	}
	s.mu.Unlock()
	return true
}

func (s *Session) complete(ctx context.Context, turnID, responseID string, calls []transport.ToolCall) {
	s.publish(ctx, events.StreamFinalized{TurnID: turnID, MessageID: uuid.NewString()})

	seen := make(map[string]bool, len(calls))
	batch := make([]packs.Call, 0, len(calls))
	ids := make([]string, 0, len(calls))
	for _, c := range calls {
		if seen[c.CallID] {
			s.logger.Warn("duplicate tool call id in one response", "call_id", c.CallID, "tool", c.Name)
			continue
		}
		seen[c.CallID] = true
		s.publish(ctx, events.ToolCallRequested{TurnID: turnID, CallID: c.CallID, Name: c.Name, Arguments: c.Arguments})
		batch = append(batch, packs.Call{CallID: c.CallID, TurnID: turnID, Name: c.Name, Arguments: c.Arguments})
		ids = append(ids, c.CallID)
	}

	if len(batch) > 0 {
		// The barrier must be up before completion lets the queue dispatch.
		if err := s.queue.StartToolCallBatch(len(batch), ids); err != nil {
			s.logger.Error("opening tool batch", "turn_id", turnID, "error", err)
		}
	}
	s.queue.MarkStreamCompleted(ctx, transport.Anchor{
		ResponseID:    responseID,
		TranscriptLen: s.state.Transcript.Len(),
	})

	if len(batch) == 0 {
		return
	}
	if err := s.router.ExecuteBatch(ctx, batch); err != nil {
		s.logger.Error("executing tool batch", "turn_id", turnID, "error", err)
	}
}

func (s *Session) failed(ctx context.Context, turnID string, cause error) {
	if s.state.Transcript.Draft() != "" {
		s.publish(ctx, events.StreamFinalized{TurnID: turnID, MessageID: uuid.NewString(), Partial: true})
	}
	s.queue.HandleTransportFailure(ctx, fmt.Errorf("%w: %v", orcherr.ErrTransport, cause))
}

func (s *Session) handleStatus(_ context.Context, ev events.Event) {
	rec, ok := ev.Payload.(events.TransportRecovery)
	if !ok || rec.Action != events.RecoveryRevert {
		return
	}
	if rw, ok := s.transport.(transport.Rewinder); ok {
		rw.Rewind(rec.Anchor)
	}
}

func (s *Session) publish(ctx context.Context, p events.Payload) {
	if _, err := s.bus.Publish(ctx, p); err != nil {
		s.logger.Error("publishing session event", "kind", p.Kind(), "error", err)
	}
}

// Close stops the active stream, saves a final checkpoint and releases every
// component. The bus is closed only when the session created it.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	started := s.started
	stop := s.stop
	st := s.active
	s.active = nil
	s.mu.Unlock()

	if st != nil {
		st.mu.Lock()
		st.cancelled = true
		st.mu.Unlock()
		st.cancel()
	}
	if stop != nil {
		stop()
	}
	s.pumps.Wait()

	var saveErr error
	if started {
		if _, err := s.checkpoint.Save(ctx); err != nil {
			saveErr = fmt.Errorf("final checkpoint: %w", err)
		}
	}

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.checkpoint.Close()
	s.queue.Close()
	s.tracker.Close()
	if s.journal != nil {
		s.journal.Close()
	}
	if s.ownsBus {
		s.bus.Close()
	}
	s.logger.Info("session closed")
	return saveErr
}
