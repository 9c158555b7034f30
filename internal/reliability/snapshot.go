package reliability

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ziadkadry99/turnkeeper/internal/db"
	"github.com/ziadkadry99/turnkeeper/internal/stage"
)

// HistoryEntry is one committed exchange kept in session state.
type HistoryEntry struct {
	TurnNumber  int         `json:"turn_number"`
	TurnID      string      `json:"turn_id"`
	UserMessage string      `json:"user_message"`
	Reply       string      `json:"reply"`
	Stage       stage.Stage `json:"stage"`
}

// Snapshot is the session state persisted on disconnect.
type Snapshot struct {
	SessionID     string         `json:"session_id"`
	UserID        string         `json:"user_id"`
	Stage         stage.Stage    `json:"stage"`
	TurnCounter   int            `json:"turn_counter"`
	BlackboardKey string         `json:"blackboard_key"`
	History       []HistoryEntry `json:"history"`
	CreatedAt     time.Time      `json:"created_at"`
}

// SnapshotStore keeps one snapshot per session in SQLite.
type SnapshotStore struct {
	db *db.DB
}

// NewSnapshotStore creates a snapshot store.
func NewSnapshotStore(database *db.DB) *SnapshotStore {
	return &SnapshotStore{db: database}
}

// Save replaces the snapshot of snap.SessionID.
func (s *SnapshotStore) Save(ctx context.Context, snap Snapshot) error {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}
	snap.CreatedAt = snap.CreatedAt.UTC()
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_snapshots (session_id, user_id, payload, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET user_id = excluded.user_id, payload = excluded.payload, created_at = excluded.created_at`,
		snap.SessionID, snap.UserID, string(payload), snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("saving snapshot for %s: %w", snap.SessionID, err)
	}
	return nil
}

// Load returns the snapshot of session, if any.
func (s *SnapshotStore) Load(ctx context.Context, session string) (*Snapshot, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM session_snapshots WHERE session_id = ?`, session,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot for %s: %w", session, err)
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot for %s: %w", session, err)
	}
	return &snap, nil
}

// Delete removes the snapshot of session.
func (s *SnapshotStore) Delete(ctx context.Context, session string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_snapshots WHERE session_id = ?`, session); err != nil {
		return fmt.Errorf("deleting snapshot for %s: %w", session, err)
	}
	return nil
}

// PurgeBefore removes snapshots created before cutoff.
func (s *SnapshotStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM session_snapshots WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purging snapshots: %w", err)
	}
	return res.RowsAffected()
}
