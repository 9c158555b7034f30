// Package memory implements the tiered conversational memory:
//
//	S0  raw recent turns per session, a bounded newest-first buffer
//	S1  the latest session summary, replaced wholesale
//	S2  per-user profile facts, key-merged
//	S3  per-tenant knowledge, key-merged
//
// S1 to S3 are only written by the coordinator while it holds the session
// lock. Reads never fail a turn: missing or corrupt values come back empty.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ziadkadry99/turnkeeper/internal/kv"
)

// DefaultS0Capacity is the number of raw turns kept per session.
const DefaultS0Capacity = 8

// Store reads and writes the memory tiers on a kv.Store.
type Store struct {
	kv         kv.Store
	s0Capacity int
	log        *zap.Logger
}

// NewStore creates a tier store. A non-positive capacity uses
// DefaultS0Capacity.
func NewStore(store kv.Store, s0Capacity int, log *zap.Logger) *Store {
	if s0Capacity <= 0 {
		s0Capacity = DefaultS0Capacity
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{kv: store, s0Capacity: s0Capacity, log: log}
}

// S0Capacity returns the S0 bound.
func (s *Store) S0Capacity() int { return s.s0Capacity }

// AppendS0 prepends e to the session buffer, evicting the oldest entries
// beyond capacity. An entry whose turn id is already at the head is not
// appended again.
func (s *Store) AppendS0(ctx context.Context, session string, e Entry) error {
	if e.TurnID != "" {
		if head := s.GetS0Head(ctx, session); head != nil && head.TurnID == e.TurnID {
			return nil
		}
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding s0 entry: %w", err)
	}
	if err := s.kv.PushTrim(ctx, S0Key(session), string(data), s.s0Capacity); err != nil {
		return fmt.Errorf("appending s0 for %s: %w", session, err)
	}
	return nil
}

// GetS0 returns the buffered turns, newest first. Undecodable entries are
// skipped.
func (s *Store) GetS0(ctx context.Context, session string) []Entry {
	raw, err := s.kv.Range(ctx, S0Key(session), 0, int64(s.s0Capacity-1))
	if err != nil {
		s.log.Warn("reading s0 failed", zap.String("session", session), zap.Error(err))
		return nil
	}

	entries := make([]Entry, 0, len(raw))
	for _, r := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			s.log.Warn("skipping corrupt s0 entry", zap.String("session", session), zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	return entries
}

// GetS0Head returns the newest buffered turn, nil when the buffer is empty
// or its head is unreadable.
func (s *Store) GetS0Head(ctx context.Context, session string) *Entry {
	raw, err := s.kv.Range(ctx, S0Key(session), 0, 0)
	if err != nil || len(raw) == 0 {
		return nil
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw[0]), &e); err != nil {
		return nil
	}
	return &e
}

// WriteS1 replaces the session summary.
func (s *Store) WriteS1(ctx context.Context, session string, sum Summary) error {
	return s.writeJSON(ctx, S1Key(session), sum)
}

// ReadS1 returns the session summary and whether one was stored.
func (s *Store) ReadS1(ctx context.Context, session string) (Summary, bool) {
	var sum Summary
	ok := s.readJSON(ctx, S1Key(session), &sum)
	if !ok {
		return Summary{}, false
	}
	return sum, true
}

// ReadS2 returns the user profile. The map is never nil.
func (s *Store) ReadS2(ctx context.Context, user string) map[string]string {
	return s.readMap(ctx, S2Key(user))
}

// ReadS3 returns the tenant knowledge. The map is never nil.
func (s *Store) ReadS3(ctx context.Context, tenant string) map[string]string {
	return s.readMap(ctx, S3Key(tenant))
}

// MergeS2 merges updates into the user profile.
func (s *Store) MergeS2(ctx context.Context, user string, updates map[string]string) error {
	return s.merge(ctx, S2Key(user), updates)
}

// MergeS3 merges updates into the tenant knowledge.
func (s *Store) MergeS3(ctx context.Context, tenant string, updates map[string]string) error {
	return s.merge(ctx, S3Key(tenant), updates)
}

func (s *Store) merge(ctx context.Context, key string, updates map[string]string) error {
	if len(updates) == 0 {
		return nil
	}
	current := s.readMap(ctx, key)
	for k, v := range updates {
		current[k] = v
	}
	return s.writeJSON(ctx, key, current)
}

func (s *Store) readMap(ctx context.Context, key string) map[string]string {
	m := map[string]string{}
	if !s.readJSON(ctx, key, &m) || m == nil {
		return map[string]string{}
	}
	return m
}

func (s *Store) writeJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	if err := s.kv.Set(ctx, key, string(data), 0); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

func (s *Store) readJSON(ctx context.Context, key string, out any) bool {
	raw, err := s.kv.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			s.log.Warn("reading tier failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		s.log.Warn("ignoring corrupt tier value", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}
