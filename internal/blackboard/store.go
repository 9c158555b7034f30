package blackboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ziadkadry99/turnkeeper/internal/kv"
)

const (
	lockTTL  = 5 * time.Second
	lockWait = 3 * time.Second
)

// Key returns the storage key of a session's blackboard.
func Key(session string) string { return "blackboard:" + session }

func lockKey(session string) string { return Key(session) + ":lock" }

// Store persists blackboards as whole documents.
type Store struct {
	kv  kv.Store
	log *zap.Logger
	now func() time.Time
}

// NewStore creates a blackboard store on kv.
func NewStore(store kv.Store, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{kv: store, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Get returns the session's blackboard, or a fresh one when none is stored
// or the stored document is unreadable.
func (s *Store) Get(ctx context.Context, session string) (*Blackboard, error) {
	raw, err := s.kv.Get(ctx, Key(session))
	if errors.Is(err, kv.ErrNotFound) {
		return New(session), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading blackboard %s: %w", session, err)
	}

	var b Blackboard
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		s.log.Warn("corrupt blackboard, starting fresh", zap.String("session", session), zap.Error(err))
		return New(session), nil
	}
	return &b, nil
}

// Put replaces the stored document under the blackboard lock.
func (s *Store) Put(ctx context.Context, b *Blackboard) error {
	release, err := s.kv.Acquire(ctx, lockKey(b.SessionID), lockTTL, lockWait)
	if err != nil {
		return fmt.Errorf("locking blackboard %s: %w", b.SessionID, err)
	}
	defer release(context.WithoutCancel(ctx))
	return s.write(ctx, b)
}

// Update reads, modifies and replaces the blackboard under its lock. fn may
// abort the update by returning an error.
func (s *Store) Update(ctx context.Context, session string, fn func(*Blackboard) error) (*Blackboard, error) {
	release, err := s.kv.Acquire(ctx, lockKey(session), lockTTL, lockWait)
	if err != nil {
		return nil, fmt.Errorf("locking blackboard %s: %w", session, err)
	}
	defer release(context.WithoutCancel(ctx))

	b, err := s.Get(ctx, session)
	if err != nil {
		return nil, err
	}
	if err := fn(b); err != nil {
		return nil, err
	}
	if err := s.write(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Store) write(ctx context.Context, b *Blackboard) error {
	b.Version++
	b.UpdatedAt = s.now()

	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encoding blackboard: %w", err)
	}
	if err := s.kv.Set(ctx, Key(b.SessionID), string(data), 0); err != nil {
		return fmt.Errorf("writing blackboard %s: %w", b.SessionID, err)
	}
	return nil
}
