// Package turns persists the messages of each turn with their commit state,
// so that committed results can be replayed and conflicting resends detected.
package turns

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ziadkadry99/turnkeeper/internal/db"
)

// Store manages turn messages in SQLite.
type Store struct {
	db  *db.DB
	now func() time.Time
}

// NewStore creates a new turn store.
func NewStore(database *db.DB) *Store {
	return &Store{db: database, now: func() time.Time { return time.Now().UTC() }}
}

// Begin records the user message of a turn as pending. If the turn id is
// already known the outcome says how to treat the resend: a committed turn
// is replayed with its stored result, a pending one younger than window is
// in flight, and an older pending one with different content conflicts.
// An older pending one with the same content is taken over and restarted.
func (s *Store) Begin(ctx context.Context, m Message, window time.Duration) (Outcome, string, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	m.Role = RoleUser
	m.Status = StatusPending
	m.CreatedAt = s.now()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO turn_messages (id, session_id, turn_number, turn_id, role, content, stage, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, turn_id, role) DO NOTHING`,
		m.ID, m.SessionID, m.TurnNumber, m.TurnID, m.Role, m.Content, string(m.Stage), m.Status, m.CreatedAt,
	)
	if err != nil {
		return 0, "", fmt.Errorf("inserting pending message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return Started, "", nil
	}

	var (
		id        string
		status    Status
		content   string
		result    string
		createdAt time.Time
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT id, status, content, result, created_at FROM turn_messages
		 WHERE session_id = ? AND turn_id = ? AND role = 'user'`,
		m.SessionID, m.TurnID,
	).Scan(&id, &status, &content, &result, &createdAt)
	if err != nil {
		return 0, "", fmt.Errorf("loading existing message: %w", err)
	}

	if status == StatusCommitted {
		return Replay, result, nil
	}
	if m.CreatedAt.Sub(createdAt) < window {
		return InFlight, "", nil
	}
	if content != m.Content {
		return Conflict, "", nil
	}

	res, err = s.db.ExecContext(ctx,
		`UPDATE turn_messages SET created_at = ?, turn_number = ?, stage = ?
		 WHERE id = ? AND status = 'pending'`,
		m.CreatedAt, m.TurnNumber, string(m.Stage), id,
	)
	if err != nil {
		return 0, "", fmt.Errorf("restarting stale message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return Started, "", nil
	}
	return InFlight, "", nil
}

// Commit marks the user message committed with the serialized result and
// stores the reply message, atomically.
func (s *Store) Commit(ctx context.Context, reply Message, result string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning commit: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE turn_messages SET status = 'committed', result = ?, turn_number = ?
		 WHERE session_id = ? AND turn_id = ? AND role = 'user' AND status = 'pending'`,
		result, reply.TurnNumber, reply.SessionID, reply.TurnID,
	)
	if err != nil {
		return fmt.Errorf("committing user message: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("no pending message for turn %s", reply.TurnID)
	}

	if reply.ID == "" {
		reply.ID = uuid.New().String()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO turn_messages (id, session_id, turn_number, turn_id, role, content, stage, status, created_at)
		 VALUES (?, ?, ?, ?, 'npc', ?, ?, 'committed', ?)`,
		reply.ID, reply.SessionID, reply.TurnNumber, reply.TurnID, reply.Content, string(reply.Stage), s.now(),
	)
	if err != nil {
		return fmt.Errorf("inserting reply message: %w", err)
	}

	return tx.Commit()
}

// Abort removes the pending user message of a failed turn so that nothing of
// it is persisted and the client may retry.
func (s *Store) Abort(ctx context.Context, session, turnID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM turn_messages WHERE session_id = ? AND turn_id = ? AND status = 'pending'`,
		session, turnID,
	)
	if err != nil {
		return fmt.Errorf("aborting turn %s: %w", turnID, err)
	}
	return nil
}

// Result returns the stored result of a committed turn.
func (s *Store) Result(ctx context.Context, session, turnID string) (string, bool, error) {
	var result string
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM turn_messages
		 WHERE session_id = ? AND turn_id = ? AND role = 'user' AND status = 'committed'`,
		session, turnID,
	).Scan(&result)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("loading turn result: %w", err)
	}
	return result, true, nil
}

// History returns the committed messages of the last limit turns, oldest
// first. A non-positive limit returns every turn.
func (s *Store) History(ctx context.Context, session string, limit int) ([]Message, error) {
	query := `SELECT id, session_id, turn_number, turn_id, role, content, stage, status, created_at
		 FROM turn_messages WHERE session_id = ? AND status = 'committed'`
	args := []interface{}{session}
	if limit > 0 {
		query += ` AND turn_number > (SELECT COALESCE(MAX(turn_number), 0) FROM turn_messages
		 WHERE session_id = ? AND status = 'committed') - ?`
		args = append(args, session, limit)
	}
	query += " ORDER BY turn_number ASC, CASE role WHEN 'user' THEN 0 ELSE 1 END"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.TurnNumber, &m.TurnID, &m.Role, &m.Content, &m.Stage, &m.Status, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// LastTurnNumber returns the highest committed turn number, 0 if none.
func (s *Store) LastTurnNumber(ctx context.Context, session string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(turn_number), 0) FROM turn_messages WHERE session_id = ? AND status = 'committed'`,
		session,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("loading last turn number: %w", err)
	}
	return n, nil
}

// PurgeStalePending deletes pending messages older than cutoff, left behind
// by turns whose processing never finished.
func (s *Store) PurgeStalePending(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM turn_messages WHERE status = 'pending' AND created_at < ?`, cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("purging stale pending messages: %w", err)
	}
	return res.RowsAffected()
}
