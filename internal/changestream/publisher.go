// Package changestream publishes each processed turn's state to a shared
// append-only stream and keeps an O(1) pointer to the latest state.
package changestream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ziadkadry99/turnkeeper/internal/compression"
	"github.com/ziadkadry99/turnkeeper/internal/kv"
	"github.com/ziadkadry99/turnkeeper/internal/scoring"
	"github.com/ziadkadry99/turnkeeper/internal/stage"
)

// StreamKey is the stream every session publishes to.
const StreamKey = "stream:sales_state"

// dedupTTL bounds how long a published turn id is remembered.
const dedupTTL = 24 * time.Hour

// LatestKey returns the key of the latest-state pointer.
func LatestKey(session string) string { return "sales_state:" + session }

// cursorKey holds the stream id of the entry the latest pointer was set from.
func cursorKey(session string) string { return LatestKey(session) + ":stream_id" }

func dedupKey(session, turnID string) string {
	return "sales_state:" + session + ":published:" + turnID
}

// State is the published view of a session after one turn.
type State struct {
	SessionID         string                      `json:"session_id"`
	TurnNumber        int                         `json:"turn_number"`
	TurnID            string                      `json:"turn_id"`
	Stage             stage.Stage                 `json:"stage"`
	Narrative         string                      `json:"narrative"`
	Facts             compression.StructuredFacts `json:"facts"`
	Scores            scoring.Scores              `json:"scores"`
	DecisionID        string                      `json:"decision_id,omitempty"`
	BlackboardVersion int64                       `json:"blackboard_version"`
	PublishedAt       time.Time                   `json:"published_at"`
}

// Publisher writes states to the stream.
type Publisher struct {
	kv  kv.Store
	log *zap.Logger
}

// NewPublisher creates a publisher on kv.
func NewPublisher(store kv.Store, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{kv: store, log: log}
}

// Publish appends st to the stream and advances the latest pointer. A turn id
// already published for the session is a no-op reported as false.
func (p *Publisher) Publish(ctx context.Context, st State) (bool, error) {
	dk := dedupKey(st.SessionID, st.TurnID)
	n, err := p.kv.Incr(ctx, dk)
	if err != nil {
		return false, fmt.Errorf("checking published turn: %w", err)
	}
	if n > 1 {
		return false, nil
	}
	if err := p.kv.Expire(ctx, dk, dedupTTL); err != nil {
		p.log.Warn("setting publish dedup ttl failed", zap.String("session", st.SessionID), zap.Error(err))
	}

	if st.PublishedAt.IsZero() {
		st.PublishedAt = time.Now().UTC()
	}
	data, err := json.Marshal(st)
	if err != nil {
		p.forget(ctx, dk)
		return false, fmt.Errorf("encoding state: %w", err)
	}

	entryID, err := p.kv.StreamAdd(ctx, StreamKey, map[string]string{
		"session_id": st.SessionID,
		"turn_id":    st.TurnID,
		"turn":       strconv.Itoa(st.TurnNumber),
		"state":      string(data),
	})
	if err != nil {
		p.forget(ctx, dk)
		return false, fmt.Errorf("appending to %s: %w", StreamKey, err)
	}

	latest, ok, err := p.Latest(ctx, st.SessionID)
	if err != nil {
		p.log.Warn("reading latest state failed", zap.String("session", st.SessionID), zap.Error(err))
	}
	if !ok || latest.TurnNumber <= st.TurnNumber {
		if err := p.kv.Set(ctx, LatestKey(st.SessionID), string(data), 0); err != nil {
			return true, fmt.Errorf("updating latest state: %w", err)
		}
		if err := p.kv.Set(ctx, cursorKey(st.SessionID), entryID, 0); err != nil {
			p.log.Warn("updating replay cursor failed", zap.String("session", st.SessionID), zap.Error(err))
		}
	}
	return true, nil
}

// forget drops the dedup marker so that a failed publish can be retried.
func (p *Publisher) forget(ctx context.Context, key string) {
	if err := p.kv.Del(context.WithoutCancel(ctx), key); err != nil {
		p.log.Warn("clearing publish dedup marker failed", zap.String("key", key), zap.Error(err))
	}
}

// Latest returns the most recently published state without touching the
// stream.
func (p *Publisher) Latest(ctx context.Context, session string) (State, bool, error) {
	raw, err := p.kv.Get(ctx, LatestKey(session))
	if errors.Is(err, kv.ErrNotFound) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("reading latest state: %w", err)
	}
	var st State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		p.log.Warn("corrupt latest state", zap.String("session", session), zap.Error(err))
		return State{}, false, nil
	}
	return st, true, nil
}

// Replay reconstructs the session's latest state from the latest pointer and
// the stream entries from the pointer's own entry on, keeping the highest
// turn seen. Duplicate and out-of-order entries do not change the result.
func (p *Publisher) Replay(ctx context.Context, session string) (State, bool, error) {
	best, found, err := p.Latest(ctx, session)
	if err != nil {
		return State{}, false, err
	}

	start := "-"
	if found {
		cursor, err := p.kv.Get(ctx, cursorKey(session))
		switch {
		case err == nil && cursor != "":
			start = cursor
		case err != nil && !errors.Is(err, kv.ErrNotFound):
			return State{}, false, fmt.Errorf("reading replay cursor: %w", err)
		}
	}

	entries, err := p.kv.StreamRange(ctx, StreamKey, start, "+")
	if err != nil {
		return State{}, false, fmt.Errorf("reading %s: %w", StreamKey, err)
	}

	for _, e := range entries {
		if e.Values["session_id"] != session {
			continue
		}
		turn, err := strconv.Atoi(e.Values["turn"])
		if err != nil || (found && turn < best.TurnNumber) {
			continue
		}
		var st State
		if err := json.Unmarshal([]byte(e.Values["state"]), &st); err != nil {
			continue
		}
		if !found || st.TurnNumber > best.TurnNumber {
			best, found = st, true
		}
	}
	return best, found, nil
}
