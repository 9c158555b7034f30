// Package kv is the shared key-value, lock and append-log capability used by
// memory tiers, the blackboard and the change stream.
//
// Two variants implement Store: RedisStore talks to a shared Redis server and
// LocalStore keeps everything in process. FallbackStore combines them so that
// callers keep working when the shared server is unreachable.
package kv

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get for a missing or expired key.
	ErrNotFound = errors.New("kv: key not found")
	// ErrLockTimeout is returned by Acquire when the lock could not be taken
	// within the wait budget.
	ErrLockTimeout = errors.New("kv: lock acquisition timed out")
)

// Release gives up a lock taken with Acquire. Releasing a lock that already
// expired or was taken over is a no-op.
type Release func(ctx context.Context) error

// StreamEntry is one record of an append-only stream.
type StreamEntry struct {
	ID     string
	Values map[string]string
}

// Store is the capability contract shared by every backing store.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// PushTrim prepends value to the list at key and truncates the list to
	// its newest max entries, atomically.
	PushTrim(ctx context.Context, key, value string, max int) error
	// Range returns list entries start..stop inclusive (negative indexes
	// count from the tail), newest first.
	Range(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Acquire takes the named mutual-exclusion lock, held for at most ttl,
	// waiting up to wait for it to become free.
	Acquire(ctx context.Context, key string, ttl, wait time.Duration) (Release, error)

	// StreamAdd appends an entry to stream and returns its id.
	StreamAdd(ctx context.Context, stream string, values map[string]string) (string, error)
	// StreamRange returns entries with ids in [start, end]; "-" and "+" are
	// the open bounds.
	StreamRange(ctx context.Context, stream, start, end string) ([]StreamEntry, error)

	Ping(ctx context.Context) error
	Close() error
}

// lockPollInterval is how often a blocked Acquire retries.
const lockPollInterval = 20 * time.Millisecond

// streamMaxLen bounds streams; older entries are trimmed approximately.
const streamMaxLen = 10000
