// ABOUTME: Event journal for session history and diagnostics
// ABOUTME: Append-only bus event records with cursor pagination

package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// AppendJournal persists a journal entry and sets its Seq.
func (s *SQLiteStore) AppendJournal(ctx context.Context, entry *JournalEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO journal (id, session_id, topic, kind, payload, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.SessionID, entry.Topic, entry.Kind, entry.Payload, entry.Timestamp.UTC().Format(tsFormat))
	if err != nil {
		return fmt.Errorf("inserting journal entry: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading journal seq: %w", err)
	}
	entry.Seq = seq
	return nil
}

// encodeCursor creates an opaque cursor from the last returned sequence number.
func encodeCursor(seq int64) string {
	return base64.StdEncoding.EncodeToString([]byte(strconv.FormatInt(seq, 10)))
}

// decodeCursor parses an opaque cursor into a sequence number.
func decodeCursor(cursor string) (int64, error) {
	decoded, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor encoding: %w", err)
	}
	seq, err := strconv.ParseInt(string(decoded), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor format: %w", err)
	}
	return seq, nil
}

// ListJournal returns a page of a session's journal, oldest first.
func (s *SQLiteStore) ListJournal(ctx context.Context, q JournalQuery) (*JournalPage, error) {
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

	query := `
		SELECT seq, id, session_id, topic, kind, payload, timestamp
		FROM journal
		WHERE session_id = ? AND seq > ?
	`
	args := []any{q.SessionID, after}
	if q.Topic != "" {
		query += ` AND topic = ?`
		args = append(args, q.Topic)
	}
	if q.Since != nil {
		query += ` AND timestamp >= ?`
		args = append(args, q.Since.UTC().Format(tsFormat))
	}
	// Fetch limit+1 to detect if there are more results
	query += ` ORDER BY seq ASC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying journal: %w", err)
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var ts string
		if err := rows.Scan(&e.Seq, &e.ID, &e.SessionID, &e.Topic, &e.Kind, &e.Payload, &ts); err != nil {
			return nil, fmt.Errorf("scanning journal row: %w", err)
		}
		e.Timestamp, err = time.Parse(tsFormat, ts)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating journal rows: %w", err)
	}

	return paginate(entries, limit), nil
}

func paginate(entries []JournalEntry, limit int) *JournalPage {
	page := &JournalPage{Entries: entries}
	if len(entries) > limit {
		page.Entries = entries[:limit]
		page.HasMore = true
		page.NextCursor = encodeCursor(page.Entries[limit-1].Seq)
	}
	return page
}
