// ABOUTME: Tracks tool calls suspended on human input and resolves each exactly once
// ABOUTME: Resume, cancellation and timeout all funnel through one resolve path keyed by token

package continuation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/intake-gateway/internal/dedupe"
	"github.com/2389/intake-gateway/internal/domain"
	"github.com/2389/intake-gateway/internal/events"
	"github.com/2389/intake-gateway/internal/orcherr"
)

var (
	// ErrUnknownToken is returned when resuming a token that was never registered.
	ErrUnknownToken = fmt.Errorf("%w: unknown continuation token", orcherr.ErrContinuationMisuse)

	// ErrAlreadyResumed is returned when resuming a token a second time.
	ErrAlreadyResumed = fmt.Errorf("%w: continuation already resumed", orcherr.ErrContinuationMisuse)

	// ErrDuplicateToken is returned when registering a token that is pending or resolved.
	ErrDuplicateToken = fmt.Errorf("%w: continuation token already registered", orcherr.ErrContinuationMisuse)

	// ErrTrackerClosed is returned after Close.
	ErrTrackerClosed = errors.New("continuation tracker closed")
)

// Default tuning.
const (
	DefaultResolvedTTL  = 24 * time.Hour
	DefaultResolvedSize = 4096
)

// ReasonTimeout is the cancellation reason used when a wait expires.
const ReasonTimeout = "timeout"

// ResumeFunc re-enters a resolution payload through the tool-result path.
type ResumeFunc func(ctx context.Context, payload json.RawMessage)

// Wait describes one suspended tool call.
type Wait struct {
	Token    string
	CallID   string
	ToolName string
	TurnID   string
	// Waiting is the UI waiting state held while suspended. WaitingNone
	// suspends without blocking gating.
	Waiting domain.WaitingState
	// Card is the card shown for the wait. It is shown again, with the
	// waiting state, when a later wait that replaced it resolves first.
	Card *domain.Card
	// Status, when set, is recorded in the transcript as the call's interim
	// output and shown to observers until the wait resolves.
	Status json.RawMessage
	// Timeout overrides the tracker default. Zero uses the default; negative disables.
	Timeout time.Duration
	Resume  ResumeFunc

	RegisteredAt time.Time
}

// Resolution records how a token was resolved.
type Resolution struct {
	Token     string
	CallID    string
	Payload   json.RawMessage
	Cancelled bool
	Reason    string
	At        time.Time
}

// Config holds tracker options.
type Config struct {
	DefaultTimeout time.Duration
	ResolvedTTL    time.Duration
	ResolvedSize   int
}

type pendingWait struct {
	Wait
	timer *time.Timer
}

// Tracker is the correlation table of suspended tool calls.
type Tracker struct {
	mu       sync.Mutex
	waits    map[string]*pendingWait
	closed   bool
	resolved *dedupe.Cache[Resolution]
	// presentMu keeps card and waiting-state events in the order the
	// presented token changes.
	presentMu sync.Mutex
	// presented is the token whose card and waiting state are on screen.
	presented string

	cfg    Config
	bus    *events.Bus
	logger *slog.Logger
}

// NewTracker creates a tracker.
func NewTracker(bus *events.Bus, cfg Config, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ResolvedTTL <= 0 {
		cfg.ResolvedTTL = DefaultResolvedTTL
	}
	if cfg.ResolvedSize <= 0 {
		cfg.ResolvedSize = DefaultResolvedSize
	}
	return &Tracker{
		waits:    make(map[string]*pendingWait),
		resolved: dedupe.New[Resolution](cfg.ResolvedTTL, cfg.ResolvedSize),
		cfg:      cfg,
		bus:      bus,
		logger:   logger.With("component", "continuation"),
	}
}

// RegisterWait records a suspension and returns its token, generating one
// when w.Token is empty. It shows the wait's card and waiting state and,
// when w.Status is set, publishes an interim ToolStatus.
func (t *Tracker) RegisterWait(ctx context.Context, w Wait) (string, error) {
	if w.Token == "" {
		w.Token = uuid.NewString()
	}
	if !w.Waiting.Valid() {
		return "", fmt.Errorf("register wait: invalid waiting state %q", w.Waiting)
	}
	if w.Card != nil {
		card := *w.Card
		card.Token = w.Token
		w.Card = &card
	}
	w.RegisteredAt = time.Now()

	t.presentMu.Lock()
	defer t.presentMu.Unlock()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return "", ErrTrackerClosed
	}
	if _, ok := t.waits[w.Token]; ok {
		t.mu.Unlock()
		return "", ErrDuplicateToken
	}
	if _, ok := t.resolved.Get(w.Token); ok {
		t.mu.Unlock()
		return "", ErrDuplicateToken
	}

	pw := &pendingWait{Wait: w}
	timeout := w.Timeout
	if timeout == 0 {
		timeout = t.cfg.DefaultTimeout
	}
	if timeout > 0 {
		token := w.Token
		pw.timer = time.AfterFunc(timeout, func() { t.expire(token) })
	}
	t.waits[w.Token] = pw
	if presentable(w) {
		t.presented = w.Token
	}
	t.mu.Unlock()

	t.logger.Info("tool suspended",
		"token", w.Token,
		"tool_name", w.ToolName,
		"call_id", w.CallID,
		"turn_id", w.TurnID,
		"waiting", w.Waiting,
		"timeout", timeout)

	t.show(ctx, w)
	if len(w.Status) > 0 {
		if _, err := t.bus.Publish(ctx, events.ToolStatus{
			CallID:   w.CallID,
			ToolName: w.ToolName,
			Token:    w.Token,
			Status:   w.Status,
		}); err != nil {
			t.logger.Error("publishing tool status", "token", w.Token, "error", err)
		}
	}
	return w.Token, nil
}

// Resume resolves token with payload and re-enters it through the wait's
// ResumeFunc. A token can be resolved exactly once.
func (t *Tracker) Resume(ctx context.Context, token string, payload json.RawMessage) error {
	return t.resolve(ctx, Resolution{Token: token, Payload: payload})
}

// Cancel resolves token with a cancellation payload.
func (t *Tracker) Cancel(ctx context.Context, token, reason string) error {
	return t.resolve(ctx, Resolution{
		Token:     token,
		Payload:   CancellationPayload(reason),
		Cancelled: true,
		Reason:    reason,
	})
}

// CancelTurn cancels every outstanding token of turnID and returns how many
// were resolved.
func (t *Tracker) CancelTurn(ctx context.Context, turnID, reason string) int {
	t.mu.Lock()
	var tokens []string
	for tok, w := range t.waits {
		if w.TurnID == turnID {
			tokens = append(tokens, tok)
		}
	}
	t.mu.Unlock()
	sort.Strings(tokens)

	n := 0
	for _, tok := range tokens {
		if err := t.Cancel(ctx, tok, reason); err != nil {
			// Resolved concurrently by the user; the first resolution stands.
			t.logger.Debug("turn cancellation lost race", "token", tok, "error", err)
			continue
		}
		n++
	}
	return n
}

func (t *Tracker) expire(token string) {
	if err := t.Cancel(context.Background(), token, ReasonTimeout); err != nil && !errors.Is(err, ErrAlreadyResumed) && !errors.Is(err, ErrTrackerClosed) {
		t.logger.Warn("expiring continuation", "token", token, "error", err)
	}
}

func (t *Tracker) resolve(ctx context.Context, res Resolution) error {
	res.At = time.Now()

	t.presentMu.Lock()
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		t.presentMu.Unlock()
		return ErrTrackerClosed
	}
	w, ok := t.waits[res.Token]
	if !ok {
		t.mu.Unlock()
		t.presentMu.Unlock()
		if _, done := t.resolved.Get(res.Token); done {
			return fmt.Errorf("token %s: %w", res.Token, ErrAlreadyResumed)
		}
		return fmt.Errorf("token %s: %w", res.Token, ErrUnknownToken)
	}
	delete(t.waits, res.Token)
	if w.timer != nil {
		w.timer.Stop()
	}
	res.CallID = w.CallID
	t.resolved.LoadOrStore(res.Token, res)
	var next *Wait
	if t.presented == res.Token {
		t.presented = ""
		if nw, ok := t.oldestPresentableLocked(); ok {
			t.presented = nw.Token
			next = &nw
		}
	}
	t.mu.Unlock()

	t.logger.Info("continuation resolved",
		"token", res.Token,
		"tool_name", w.ToolName,
		"call_id", w.CallID,
		"cancelled", res.Cancelled,
		"reason", res.Reason,
		"waited", res.At.Sub(w.RegisteredAt))

	if w.Waiting != domain.WaitingNone {
		if _, err := t.bus.Publish(ctx, events.WaitingStateCleared{Token: res.Token}); err != nil {
			t.logger.Error("publishing waiting clear", "token", res.Token, "error", err)
		}
	}
	if next != nil {
		t.logger.Debug("showing pending wait", "token", next.Token, "tool_name", next.ToolName, "waiting", next.Waiting)
		t.show(ctx, *next)
	}
	t.presentMu.Unlock()

	if w.Resume != nil {
		w.Resume(ctx, res.Payload)
	}
	return nil
}

func presentable(w Wait) bool {
	return w.Waiting != domain.WaitingNone || w.Card != nil
}

func (t *Tracker) oldestPresentableLocked() (Wait, bool) {
	var oldest *Wait
	for _, pw := range t.waits {
		w := &pw.Wait
		if !presentable(*w) {
			continue
		}
		if oldest == nil || w.RegisteredAt.Before(oldest.RegisteredAt) ||
			(w.RegisteredAt.Equal(oldest.RegisteredAt) && w.Token < oldest.Token) {
			oldest = w
		}
	}
	if oldest == nil {
		return Wait{}, false
	}
	return *oldest, true
}

func (t *Tracker) show(ctx context.Context, w Wait) {
	if w.Card != nil {
		if _, err := t.bus.Publish(ctx, events.CardShown{Card: *w.Card}); err != nil {
			t.logger.Error("publishing card", "token", w.Token, "error", err)
		}
	}
	if w.Waiting != domain.WaitingNone {
		if _, err := t.bus.Publish(ctx, events.WaitingStateSet{State: w.Waiting, Token: w.Token}); err != nil {
			t.logger.Error("publishing waiting state", "token", w.Token, "error", err)
		}
	}
}

// Resolution returns how token was resolved.
func (t *Tracker) Resolution(token string) (Resolution, bool) {
	return t.resolved.Get(token)
}

// Pending returns outstanding waits ordered by registration time.
func (t *Tracker) Pending() []Wait {
	t.mu.Lock()
	out := make([]Wait, 0, len(t.waits))
	for _, w := range t.waits {
		out = append(out, w.Wait)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].Token < out[j].Token
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}

// Outstanding counts unresolved waits of turnID. An empty turnID counts all.
func (t *Tracker) Outstanding(turnID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if turnID == "" {
		return len(t.waits)
	}
	n := 0
	for _, w := range t.waits {
		if w.TurnID == turnID {
			n++
		}
	}
	return n
}

// Close stops every timer. Outstanding waits are abandoned without resolution.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	for _, w := range t.waits {
		if w.timer != nil {
			w.timer.Stop()
		}
	}
	t.mu.Unlock()
	t.resolved.Close()
}

// CancellationPayload is the payload delivered to a cancelled call.
func CancellationPayload(reason string) json.RawMessage {
	data, err := json.Marshal(map[string]string{"status": "cancelled", "reason": reason})
	if err != nil {
		return json.RawMessage(`{"status":"cancelled"}`)
	}
	return data
}

// IsCancellation reports whether payload is a cancellation payload.
func IsCancellation(payload json.RawMessage) bool {
	var body struct {
		Status string `json:"status"`
	}
	return json.Unmarshal(payload, &body) == nil && body.Status == "cancelled"
}
