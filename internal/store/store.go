// ABOUTME: Store interface and record types for session persistence
// ABOUTME: Snapshots are opaque encoded checkpoints; journal entries are recorded bus events

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateSnapshot is returned when saving a snapshot id twice
var ErrDuplicateSnapshot = errors.New("snapshot already exists")

// SnapshotRecord is one persisted checkpoint. Data is the encoded snapshot;
// the store never interprets it.
type SnapshotRecord struct {
	ID        string
	SessionID string
	Phase     string
	Checksum  string
	Data      []byte
	CreatedAt time.Time
}

// JournalEntry is one bus event recorded for a session.
type JournalEntry struct {
	Seq       int64
	ID        string
	SessionID string
	Topic     string
	Kind      string
	Payload   []byte
	Timestamp time.Time
}

// JournalQuery selects journal entries of a session.
type JournalQuery struct {
	SessionID string     // Required
	Topic     string     // Optional: only entries of this topic
	Since     *time.Time // Optional: only entries at or after this timestamp
	Limit     int        // 1-500, defaults to 50
	Cursor    string     // Opaque cursor from a previous page
}

// JournalPage is one page of journal entries, oldest first.
type JournalPage struct {
	Entries    []JournalEntry
	NextCursor string
	HasMore    bool
}

// SnapshotStore persists checkpoints.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, rec *SnapshotRecord) error
	GetSnapshot(ctx context.Context, id string) (*SnapshotRecord, error)
	// LatestSnapshot returns the newest snapshot of the session, or of any
	// session when sessionID is empty.
	LatestSnapshot(ctx context.Context, sessionID string) (*SnapshotRecord, error)
	// ListSnapshots returns the session's snapshots newest first.
	ListSnapshots(ctx context.Context, sessionID string, limit int) ([]*SnapshotRecord, error)
	// PruneSnapshots keeps the newest keep snapshots of the session and
	// returns how many were deleted.
	PruneSnapshots(ctx context.Context, sessionID string, keep int) (int, error)
}

// Journal records bus events.
type Journal interface {
	AppendJournal(ctx context.Context, entry *JournalEntry) error
	ListJournal(ctx context.Context, q JournalQuery) (*JournalPage, error)
}

// Store is the full persistence surface.
type Store interface {
	SnapshotStore
	Journal
	Close() error
}

// tsFormat is fixed width so stored timestamps compare lexically.
const tsFormat = "2006-01-02T15:04:05.000000000Z07:00"

const (
	defaultLimit = 50
	maxLimit     = 500
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
