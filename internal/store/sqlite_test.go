// ABOUTME: Tests for the SQLite and in-memory stores
// ABOUTME: Runs one behavioural suite against both implementations

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func implementations(t *testing.T) map[string]Store {
	return map[string]Store{
		"sqlite": newTestStore(t),
		"memory": NewMemoryStore(),
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	require.NoError(t, err)
}

func TestNewSQLiteStore_ReopenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.SaveSnapshot(context.Background(), &SnapshotRecord{ID: "s1", SessionID: "sess", Data: []byte("{}")}))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()
	rec, err := s.GetSnapshot(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, []byte("{}"), rec.Data)
}

func TestSnapshots(t *testing.T) {
	for name, s := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.LatestSnapshot(ctx, "sess")
			require.ErrorIs(t, err, ErrNotFound)

			base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			for i := range 4 {
				require.NoError(t, s.SaveSnapshot(ctx, &SnapshotRecord{
					ID:        fmt.Sprintf("snap-%d", i),
					SessionID: "sess",
					Phase:     "phase1_core_facts",
					Checksum:  fmt.Sprintf("sum-%d", i),
					Data:      []byte(fmt.Sprintf(`{"n":%d}`, i)),
					CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
				}))
			}
			require.NoError(t, s.SaveSnapshot(ctx, &SnapshotRecord{ID: "other", SessionID: "sess-2", Data: []byte("{}")}))

			err = s.SaveSnapshot(ctx, &SnapshotRecord{ID: "snap-0", SessionID: "sess", Data: []byte("{}")})
			require.ErrorIs(t, err, ErrDuplicateSnapshot)

			latest, err := s.LatestSnapshot(ctx, "sess")
			require.NoError(t, err)
			assert.Equal(t, "snap-3", latest.ID)
			assert.Equal(t, "sum-3", latest.Checksum)
			assert.True(t, latest.CreatedAt.Equal(base.Add(3*time.Millisecond)))

			newest, err := s.LatestSnapshot(ctx, "")
			require.NoError(t, err)
			assert.Equal(t, "other", newest.ID)

			list, err := s.ListSnapshots(ctx, "sess", 2)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "snap-3", list[0].ID)
			assert.Equal(t, "snap-2", list[1].ID)

			deleted, err := s.PruneSnapshots(ctx, "sess", 1)
			require.NoError(t, err)
			assert.Equal(t, 3, deleted)

			_, err = s.GetSnapshot(ctx, "snap-0")
			require.ErrorIs(t, err, ErrNotFound)
			_, err = s.GetSnapshot(ctx, "other")
			require.NoError(t, err)
			latest, err = s.LatestSnapshot(ctx, "sess")
			require.NoError(t, err)
			assert.Equal(t, "snap-3", latest.ID)
		})
	}
}

func TestJournalPagination(t *testing.T) {
	for name, s := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := range 5 {
				topic := "phase"
				if i%2 == 1 {
					topic = "tool"
				}
				e := &JournalEntry{
					ID:        fmt.Sprintf("ev-%d", i),
					SessionID: "sess",
					Topic:     topic,
					Kind:      "k",
					Payload:   []byte(`{}`),
				}
				require.NoError(t, s.AppendJournal(ctx, e))
				assert.Positive(t, e.Seq)
			}
			require.NoError(t, s.AppendJournal(ctx, &JournalEntry{ID: "x", SessionID: "elsewhere", Topic: "phase", Kind: "k"}))

			var ids []string
			cursor := ""
			pages := 0
			for {
				page, err := s.ListJournal(ctx, JournalQuery{SessionID: "sess", Limit: 2, Cursor: cursor})
				require.NoError(t, err)
				pages++
				for _, e := range page.Entries {
					ids = append(ids, e.ID)
				}
				if !page.HasMore {
					assert.Empty(t, page.NextCursor)
					break
				}
				cursor = page.NextCursor
			}
			assert.Equal(t, 3, pages)
			assert.Equal(t, []string{"ev-0", "ev-1", "ev-2", "ev-3", "ev-4"}, ids)

			page, err := s.ListJournal(ctx, JournalQuery{SessionID: "sess", Topic: "tool"})
			require.NoError(t, err)
			require.Len(t, page.Entries, 2)
			assert.Equal(t, "ev-1", page.Entries[0].ID)

			_, err = s.ListJournal(ctx, JournalQuery{})
			require.Error(t, err)
			_, err = s.ListJournal(ctx, JournalQuery{SessionID: "sess", Cursor: "%%%"})
			require.Error(t, err)
		})
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rec := &SnapshotRecord{ID: "a", SessionID: "s", Data: []byte("abc")}
	require.NoError(t, s.SaveSnapshot(ctx, rec))
	rec.Data[0] = 'z'

	got, err := s.GetSnapshot(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got.Data)
}
