// ABOUTME: Coordinator that captures, persists and restores session checkpoints
// ABOUTME: Restores are all-or-nothing and always land on a clean stream queue anchor

package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/intake-gateway/internal/events"
	"github.com/2389/intake-gateway/internal/orcherr"
	"github.com/2389/intake-gateway/internal/state"
	"github.com/2389/intake-gateway/internal/store"
	"github.com/2389/intake-gateway/internal/transport"
)

// Queue is the stream queue surface a checkpoint reads and restores.
type Queue interface {
	CleanAnchor() transport.Anchor
	Restore(anchor transport.Anchor, streamed bool) error
}

// Gate recomputes the allowed tool set after a restore.
type Gate interface {
	Recompute(ctx context.Context) (bool, error)
}

// Config wires a Coordinator.
type Config struct {
	SessionID   string
	Bus         *events.Bus
	State       *state.Set
	Queue       Queue
	Gate        Gate
	Store       store.SnapshotStore
	ModelConfig transport.ModelConfig
	Logger      *slog.Logger

	// Debounce delays an autosave after the last state change. Zero
	// disables autosave.
	Debounce time.Duration
	// Keep bounds the snapshots retained per session. Zero keeps all.
	Keep int
}

// Coordinator owns checkpointing for one session.
type Coordinator struct {
	sessionID string
	bus       *events.Bus
	state     *state.Set
	queue     Queue
	gate      Gate
	store     store.SnapshotStore
	debounce  time.Duration
	keep      int
	logger    *slog.Logger

	mu     sync.Mutex
	model  transport.ModelConfig
	timer  *time.Timer
	closed bool
	saves  sync.WaitGroup
	subs   []events.Subscription
}

// New creates a coordinator. With a non-zero Debounce it subscribes to the
// topics whose changes are worth persisting.
func New(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		sessionID: cfg.SessionID,
		bus:       cfg.Bus,
		state:     cfg.State,
		queue:     cfg.Queue,
		gate:      cfg.Gate,
		store:     cfg.Store,
		model:     cfg.ModelConfig,
		debounce:  cfg.Debounce,
		keep:      cfg.Keep,
		logger:    logger.With("component", "checkpoint", "session_id", cfg.SessionID),
	}
	if c.debounce > 0 {
		for _, topic := range []events.Topic{events.TopicObjective, events.TopicPhase, events.TopicArtifact, events.TopicQueue} {
			c.subs = append(c.subs, cfg.Bus.Subscribe(topic, "checkpoint", c.handle))
		}
	}
	return c
}

// ModelConfig returns the model configuration, as restored if a restore
// happened.
func (c *Coordinator) ModelConfig() transport.ModelConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// Snapshot captures the current session. The anchor is always the queue's
// last clean anchor; mid-batch positions are never captured.
func (c *Coordinator) Snapshot() *Snapshot {
	s := c.state
	snap := &Snapshot{
		Version:     Version,
		ID:          uuid.NewString(),
		SessionID:   c.sessionID,
		Phase:       s.Phase.Current(),
		Objectives:  s.Objectives.Export(),
		Anchor:      c.queue.CleanAnchor(),
		Transcript:  s.Transcript.Messages(),
		ModelConfig: c.ModelConfig(),
		Card:        s.UI.Card(),
		Artifacts:   s.Artifacts.List(""),
		Notes:       s.Artifacts.Notes(),
		CreatedAt:   time.Now().UTC(),
	}
	if snap.Card != nil {
		// The continuation behind a card token does not outlive the process.
		snap.Card.Token = ""
	}
	return snap
}

// Save captures and persists a snapshot.
func (c *Coordinator) Save(ctx context.Context) (*Snapshot, error) {
	snap := c.Snapshot()
	data, err := Encode(snap)
	if err != nil {
		return nil, err
	}
	err = c.store.SaveSnapshot(ctx, &store.SnapshotRecord{
		ID:        snap.ID,
		SessionID: snap.SessionID,
		Phase:     snap.Phase.String(),
		Checksum:  snap.Checksum,
		Data:      data,
		CreatedAt: snap.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("saving snapshot: %w", err)
	}

	if c.keep > 0 {
		if n, err := c.store.PruneSnapshots(ctx, c.sessionID, c.keep); err != nil {
			c.logger.Warn("pruning snapshots failed", "error", err)
		} else if n > 0 {
			c.logger.Debug("pruned snapshots", "deleted", n)
		}
	}

	c.logger.Info("checkpoint saved",
		"snapshot_id", snap.ID,
		"phase", snap.Phase,
		"messages", len(snap.Transcript),
		"anchor", snap.Anchor.ResponseID)
	if _, err := c.bus.Publish(ctx, events.CheckpointSaved{SnapshotID: snap.ID, Phase: snap.Phase}); err != nil {
		c.logger.Error("publishing checkpoint saved", "error", err)
	}
	return snap, nil
}

// Restore applies snap to every store and the stream queue. The snapshot is
// validated first; an invalid one changes nothing and returns an error
// wrapping orcherr.ErrSnapshotCorrupt.
func (c *Coordinator) Restore(ctx context.Context, snap *Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}

	s := c.state
	// Validate covers every condition the stores reject, so these cannot
	// fail part way through.
	if err := s.Phase.Restore(snap.Phase); err != nil {
		return fmt.Errorf("%w: %v", orcherr.ErrSnapshotCorrupt, err)
	}
	if err := s.Objectives.Restore(snap.Objectives); err != nil {
		return fmt.Errorf("%w: %v", orcherr.ErrSnapshotCorrupt, err)
	}
	s.Artifacts.Restore(snap.Artifacts, snap.Notes)
	card := snap.Card
	if card != nil {
		cp := *card
		cp.Token = ""
		card = &cp
	}
	s.UI.Restore(card)
	s.Transcript.Restore(snap.Transcript)
	if err := c.queue.Restore(snap.Anchor, len(snap.Transcript) > 0); err != nil {
		return fmt.Errorf("%w: %v", orcherr.ErrSnapshotCorrupt, err)
	}

	c.mu.Lock()
	if snap.ModelConfig.Model != "" {
		c.model = snap.ModelConfig
	}
	c.mu.Unlock()

	if _, err := c.gate.Recompute(ctx); err != nil {
		return fmt.Errorf("recomputing gating after restore: %w", err)
	}

	c.logger.Info("checkpoint restored",
		"snapshot_id", snap.ID,
		"phase", snap.Phase,
		"messages", len(snap.Transcript),
		"anchor", snap.Anchor.ResponseID)
	if _, err := c.bus.Publish(ctx, events.CheckpointRestored{
		SnapshotID: snap.ID,
		Phase:      snap.Phase,
		Messages:   len(snap.Transcript),
	}); err != nil {
		c.logger.Error("publishing checkpoint restored", "error", err)
	}
	return nil
}

// RestoreRecord decodes and restores a stored snapshot.
func (c *Coordinator) RestoreRecord(ctx context.Context, rec *store.SnapshotRecord) error {
	snap, err := Decode(rec.Data)
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", rec.ID, err)
	}
	return c.Restore(ctx, snap)
}

// Resume restores the session's newest snapshot. It reports false when the
// session starts fresh: either nothing was stored or the stored snapshot was
// unusable. Only store failures are returned as errors.
func (c *Coordinator) Resume(ctx context.Context) (bool, error) {
	rec, err := c.store.LatestSnapshot(ctx, c.sessionID)
	if errors.Is(err, store.ErrNotFound) {
		c.logger.Debug("no snapshot, starting fresh")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading latest snapshot: %w", err)
	}
	if err := c.RestoreRecord(ctx, rec); err != nil {
		if errors.Is(err, orcherr.ErrSnapshotCorrupt) {
			c.logger.Warn("snapshot unusable, starting fresh", "snapshot_id", rec.ID, "error", err)
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *Coordinator) handle(_ context.Context, ev events.Event) {
	switch ev.Payload.(type) {
	case events.ObjectiveStatusChanged, events.PhaseChanged,
		events.ArtifactUpserted, events.ArtifactRemoved, events.NoteRecorded,
		events.StreamCompleted:
		c.schedule()
	}
}

// schedule arms the debounce timer, pushing back any pending save.
func (c *Coordinator) schedule() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.timer != nil && c.timer.Stop() {
		c.saves.Done()
	}
	c.saves.Add(1)
	var t *time.Timer
	t = time.AfterFunc(c.debounce, func() {
		defer c.saves.Done()
		c.mu.Lock()
		current := c.timer == t && !c.closed
		if current {
			c.timer = nil
		}
		c.mu.Unlock()
		if !current {
			return
		}
		if _, err := c.Save(context.Background()); err != nil {
			c.logger.Error("autosave failed", "error", err)
		}
	})
	c.timer = t
}

// Close stops autosaving and waits for a save already running.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.timer
	c.timer = nil
	c.mu.Unlock()

	if pending != nil && pending.Stop() {
		c.saves.Done()
	}
	for _, sub := range c.subs {
		c.bus.Unsubscribe(sub)
	}
	c.saves.Wait()
}
