// ABOUTME: Snapshot document, its checksummed encoding and structural validation
// ABOUTME: A snapshot only ever carries a clean anchor so restore never replays a tool obligation

package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/intake-gateway/internal/domain"
	"github.com/2389/intake-gateway/internal/orcherr"
	"github.com/2389/intake-gateway/internal/transport"
)

// Version is the snapshot format written by this build.
const Version = 1

// Snapshot is a restorable session checkpoint.
type Snapshot struct {
	Version     int                   `json:"version"`
	ID          string                `json:"id"`
	SessionID   string                `json:"session_id"`
	Phase       domain.Phase          `json:"phase"`
	Objectives  []domain.Objective    `json:"objectives"`
	Anchor      transport.Anchor      `json:"anchor"`
	Transcript  []domain.Message      `json:"transcript"`
	ModelConfig transport.ModelConfig `json:"model_config"`
	Card        *domain.Card          `json:"card,omitempty"`
	Artifacts   []domain.Artifact     `json:"artifacts,omitempty"`
	Notes       []string              `json:"notes,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`

	// Checksum is the hex SHA-256 of the encoded body. It is set by Encode
	// and Decode and is not part of the body itself.
	Checksum string `json:"-"`
}

type envelope struct {
	Checksum string          `json:"checksum"`
	Snapshot json.RawMessage `json:"snapshot"`
}

func sum(body []byte) string {
	h := sha256.Sum256(body)
	return hex.EncodeToString(h[:])
}

// Encode serialises the snapshot and records its checksum on s.
func Encode(s *Snapshot) ([]byte, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	s.Checksum = sum(body)
	out, err := json.Marshal(envelope{Checksum: s.Checksum, Snapshot: body})
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot envelope: %w", err)
	}
	return out, nil
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", orcherr.ErrSnapshotCorrupt, fmt.Sprintf(format, args...))
}

// Decode parses and validates an encoded snapshot. Every failure wraps
// orcherr.ErrSnapshotCorrupt.
func Decode(data []byte) (*Snapshot, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, corrupt("unreadable envelope: %v", err)
	}
	if len(env.Snapshot) == 0 {
		return nil, corrupt("empty body")
	}
	if got := sum(env.Snapshot); got != env.Checksum {
		return nil, corrupt("checksum mismatch: stored %q, computed %q", env.Checksum, got)
	}
	var s Snapshot
	if err := json.Unmarshal(env.Snapshot, &s); err != nil {
		return nil, corrupt("unreadable body: %v", err)
	}
	s.Checksum = env.Checksum
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks that the snapshot can be applied as a whole.
func (s *Snapshot) Validate() error {
	if s.Version != Version {
		return corrupt("unsupported version %d", s.Version)
	}
	if !s.Phase.Valid() {
		return corrupt("invalid phase %d", int(s.Phase))
	}
	seen := make(map[string]bool, len(s.Objectives))
	for _, o := range s.Objectives {
		if o.ID == "" {
			return corrupt("objective with empty id")
		}
		if seen[o.ID] {
			return corrupt("objective %s listed twice", o.ID)
		}
		seen[o.ID] = true
		if !o.Status.Valid() {
			return corrupt("objective %s has invalid status %q", o.ID, o.Status)
		}
		if p, ok := domain.PhaseOfObjective(o.ID); ok && p != o.Phase {
			return corrupt("objective %s recorded under %s, belongs to %s", o.ID, o.Phase, p)
		}
	}
	if !s.Anchor.IsZero() && !s.Anchor.Clean {
		return corrupt("anchor %s has outstanding tool obligations", s.Anchor.ResponseID)
	}
	if s.Anchor.TranscriptLen < 0 || s.Anchor.TranscriptLen > len(s.Transcript) {
		return corrupt("anchor covers %d messages, transcript has %d", s.Anchor.TranscriptLen, len(s.Transcript))
	}
	for _, m := range s.Transcript {
		if m.ID == "" {
			return corrupt("transcript message with empty id")
		}
	}
	ids := make(map[string]bool, len(s.Artifacts))
	for _, a := range s.Artifacts {
		if a.ID == "" || ids[a.ID] {
			return corrupt("artifact id %q empty or repeated", a.ID)
		}
		ids[a.ID] = true
	}
	return nil
}
