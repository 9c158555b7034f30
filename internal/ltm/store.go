package ltm

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ziadkadry99/turnkeeper/internal/db"
)

// Store is the SQLite outbox of long-term events.
type Store struct {
	db *db.DB
}

// NewStore creates a new outbox store.
func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// Insert stores ev as pending. It reports false when an event for the same
// session and turn already exists.
func (s *Store) Insert(ctx context.Context, ev *Event) (bool, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	ev.CreatedAt = now
	ev.Status = StatusPending

	payload := string(ev.Payload)
	if payload == "" {
		payload = "{}"
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO ltm_events (id, session_id, user_id, tenant_id, turn_id, payload, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?)
		 ON CONFLICT(session_id, turn_id) DO NOTHING`,
		ev.ID, ev.SessionID, ev.UserID, ev.TenantID, ev.TurnID, payload, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("inserting ltm event: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkSynced records a successful delivery.
func (s *Store) MarkSynced(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE ltm_events SET status = 'synced', attempts = attempts + 1, last_error = '', updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("marking ltm event synced: %w", err)
	}
	return nil
}

// MarkAttemptFailed records a failed delivery. The event is parked as failed
// once it has used maxAttempts, otherwise it is queued for retry. The new
// status is returned.
func (s *Store) MarkAttemptFailed(ctx context.Context, id string, cause error, maxAttempts int) (Status, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE ltm_events SET
		   attempts = attempts + 1,
		   status = CASE WHEN attempts + 1 >= ? THEN 'failed' ELSE 'retry' END,
		   last_error = ?, updated_at = ?
		 WHERE id = ?`,
		maxAttempts, cause.Error(), time.Now().UTC(), id,
	)
	if err != nil {
		return "", fmt.Errorf("marking ltm event failed: %w", err)
	}

	var st Status
	if err := s.db.QueryRowContext(ctx, `SELECT status FROM ltm_events WHERE id = ?`, id).Scan(&st); err != nil {
		return "", fmt.Errorf("reading ltm event status: %w", err)
	}
	return st, nil
}

// MarkRetry queues an undelivered event for the next retry pass without
// counting an attempt.
func (s *Store) MarkRetry(ctx context.Context, id, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE ltm_events SET status = 'retry', last_error = ?, updated_at = ? WHERE id = ? AND status = 'pending'`,
		reason, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("marking ltm event for retry: %w", err)
	}
	return nil
}

// ListRetryable returns events waiting for a retry, and pending events not
// updated since staleBefore, oldest first.
func (s *Store) ListRetryable(ctx context.Context, staleBefore time.Time, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, user_id, tenant_id, turn_id, payload, status, attempts, last_error, created_at
		 FROM ltm_events
		 WHERE status = 'retry' OR (status = 'pending' AND updated_at < ?)
		 ORDER BY created_at ASC LIMIT ?`, staleBefore.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying retryable ltm events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var payload string
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.UserID, &ev.TenantID, &ev.TurnID, &payload, &ev.Status, &ev.Attempts, &ev.LastError, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning ltm event: %w", err)
		}
		ev.Payload = []byte(payload)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Get returns one event.
func (s *Store) Get(ctx context.Context, id string) (*Event, error) {
	var ev Event
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, user_id, tenant_id, turn_id, payload, status, attempts, last_error, created_at
		 FROM ltm_events WHERE id = ?`, id,
	).Scan(&ev.ID, &ev.SessionID, &ev.UserID, &ev.TenantID, &ev.TurnID, &payload, &ev.Status, &ev.Attempts, &ev.LastError, &ev.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("getting ltm event: %w", err)
	}
	ev.Payload = []byte(payload)
	return &ev, nil
}

// Counts returns the number of events per status.
func (s *Store) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM ltm_events GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting ltm events: %w", err)
	}
	defer rows.Close()

	out := map[Status]int{}
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scanning ltm count: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}

// PurgeSynced deletes delivered events older than cutoff.
func (s *Store) PurgeSynced(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM ltm_events WHERE status = 'synced' AND updated_at < ?`, cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("purging synced ltm events: %w", err)
	}
	return res.RowsAffected()
}
