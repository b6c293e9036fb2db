// ABOUTME: In-memory Store implementation
// ABOUTME: Used by tests and by sessions started without a database

package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots []*SnapshotRecord // insertion order
	journal   []JournalEntry
	seq       int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func copySnapshot(rec *SnapshotRecord) *SnapshotRecord {
	c := *rec
	c.Data = append([]byte(nil), rec.Data...)
	return &c
}

// SaveSnapshot stores a snapshot record.
func (m *MemoryStore) SaveSnapshot(ctx context.Context, rec *SnapshotRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.snapshots {
		if existing.ID == rec.ID {
			return fmt.Errorf("%w: %s", ErrDuplicateSnapshot, rec.ID)
		}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.snapshots = append(m.snapshots, copySnapshot(rec))
	return nil
}

// GetSnapshot retrieves a snapshot by id.
func (m *MemoryStore) GetSnapshot(ctx context.Context, id string) (*SnapshotRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rec := range m.snapshots {
		if rec.ID == id {
			return copySnapshot(rec), nil
		}
	}
	return nil, ErrNotFound
}

// LatestSnapshot returns the most recently saved snapshot.
func (m *MemoryStore) LatestSnapshot(ctx context.Context, sessionID string) (*SnapshotRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.snapshots) - 1; i >= 0; i-- {
		if sessionID == "" || m.snapshots[i].SessionID == sessionID {
			return copySnapshot(m.snapshots[i]), nil
		}
	}
	return nil, ErrNotFound
}

// ListSnapshots returns snapshots of a session, newest first.
func (m *MemoryStore) ListSnapshots(ctx context.Context, sessionID string, limit int) ([]*SnapshotRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = normalizeLimit(limit)
	var out []*SnapshotRecord
	for i := len(m.snapshots) - 1; i >= 0 && len(out) < limit; i-- {
		if m.snapshots[i].SessionID == sessionID {
			out = append(out, copySnapshot(m.snapshots[i]))
		}
	}
	return out, nil
}

// PruneSnapshots keeps the newest keep snapshots of a session.
func (m *MemoryStore) PruneSnapshots(ctx context.Context, sessionID string, keep int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := 0
	deleted := 0
	next := make([]*SnapshotRecord, 0, len(m.snapshots))
	for i := len(m.snapshots) - 1; i >= 0; i-- {
		rec := m.snapshots[i]
		if rec.SessionID == sessionID {
			if kept >= keep {
				deleted++
				continue
			}
			kept++
		}
		next = append(next, rec)
	}
	// next is newest first; restore insertion order.
	for i, j := 0, len(next)-1; i < j; i, j = i+1, j-1 {
		next[i], next[j] = next[j], next[i]
	}
	m.snapshots = next
	return deleted, nil
}

// AppendJournal stores a journal entry and sets its Seq.
func (m *MemoryStore) AppendJournal(ctx context.Context, entry *JournalEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	entry.Seq = m.seq
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	e := *entry
	e.Payload = append([]byte(nil), entry.Payload...)
	m.journal = append(m.journal, e)
	return nil
}

// ListJournal returns a page of a session's journal, oldest first.
func (m *MemoryStore) ListJournal(ctx context.Context, q JournalQuery) (*JournalPage, error) {
	if q.SessionID == "" {
		return nil, errors.New("session_id required")
	}
	limit := normalizeLimit(q.Limit)

	var after int64
	if q.Cursor != "" {
		var err error
		after, err = decodeCursor(q.Cursor)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor: %w", err)
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var entries []JournalEntry
	for _, e := range m.journal {
		if e.SessionID != q.SessionID || e.Seq <= after {
			continue
		}
		if q.Topic != "" && e.Topic != q.Topic {
			continue
		}
		if q.Since != nil && e.Timestamp.Before(*q.Since) {
			continue
		}
		entries = append(entries, e)
		if len(entries) > limit {
			break
		}
	}
	return paginate(entries, limit), nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}
