package kv

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultRetryAfter is how long FallbackStore serves from the local store
// before re-attempting the primary after a transport failure.
const DefaultRetryAfter = time.Second

// FallbackStore routes every call to a primary (shared) store and, when the
// primary fails with a transport error, to an in-process LocalStore. Writes
// made while degraded are replayed onto the primary once it answers again,
// so locally buffered data is not lost.
type FallbackStore struct {
	primary    Store
	local      *LocalStore
	log        *zap.Logger
	retryAfter time.Duration

	mu          sync.Mutex
	degraded    bool
	failedAt    time.Time
	dirtyValues map[string]struct{}
	dirtyLists  map[string]int
	dirtyStream []pendingStreamAdd
}

type pendingStreamAdd struct {
	stream string
	values map[string]string
}

// NewFallbackStore wraps primary with an in-process fallback.
func NewFallbackStore(primary Store, log *zap.Logger) *FallbackStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &FallbackStore{
		primary:     primary,
		local:       NewLocalStore(),
		log:         log,
		retryAfter:  DefaultRetryAfter,
		dirtyValues: make(map[string]struct{}),
		dirtyLists:  make(map[string]int),
	}
}

// Degraded reports whether calls are currently served by the local store.
func (f *FallbackStore) Degraded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degraded
}

func (f *FallbackStore) shouldTryPrimary() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.degraded || time.Since(f.failedAt) >= f.retryAfter
}

func (f *FallbackStore) markFailed(op string, err error) {
	f.mu.Lock()
	wasDegraded := f.degraded
	f.degraded = true
	f.failedAt = time.Now()
	f.mu.Unlock()
	if !wasDegraded {
		f.log.Warn("shared store unavailable, using local fallback", zap.String("op", op), zap.Error(err))
	}
}

func (f *FallbackStore) markHealthy(ctx context.Context) {
	f.mu.Lock()
	if !f.degraded {
		f.mu.Unlock()
		return
	}
	f.degraded = false
	values := f.dirtyValues
	lists := f.dirtyLists
	streams := f.dirtyStream
	f.dirtyValues = make(map[string]struct{})
	f.dirtyLists = make(map[string]int)
	f.dirtyStream = nil
	f.mu.Unlock()

	f.log.Info("shared store reachable again, replaying local writes",
		zap.Int("values", len(values)), zap.Int("lists", len(lists)), zap.Int("stream_entries", len(streams)))
	f.replay(ctx, values, lists, streams)
}

// replay pushes writes buffered locally onto the primary. Entries that fail
// again stay in the local store and are re-marked dirty.
func (f *FallbackStore) replay(ctx context.Context, values map[string]struct{}, lists map[string]int, streams []pendingStreamAdd) {
	for key := range values {
		v, err := f.local.Get(ctx, key)
		if err != nil {
			continue
		}
		if err := f.primary.Set(ctx, key, v, 0); err != nil {
			f.markDirtyValue(key)
			continue
		}
		f.local.Del(ctx, key)
	}

	for key, max := range lists {
		buffered, _ := f.local.Range(ctx, key, 0, -1)
		replayed := 0
		// Oldest first so the newest ends up at the head.
		for i := len(buffered) - 1; i >= 0; i-- {
			if err := f.primary.PushTrim(ctx, key, buffered[i], max); err != nil {
				break
			}
			replayed++
		}
		if replayed < len(buffered) {
			f.markDirtyList(key, max)
			continue
		}
		f.local.Del(ctx, key)
	}

	for i, p := range streams {
		if _, err := f.primary.StreamAdd(ctx, p.stream, p.values); err != nil {
			f.mu.Lock()
			f.dirtyStream = append(f.dirtyStream, streams[i:]...)
			f.mu.Unlock()
			break
		}
	}
}

func (f *FallbackStore) markDirtyValue(key string) {
	f.mu.Lock()
	f.dirtyValues[key] = struct{}{}
	f.mu.Unlock()
}

func (f *FallbackStore) markDirtyList(key string, max int) {
	f.mu.Lock()
	f.dirtyLists[key] = max
	f.mu.Unlock()
}

func isLogical(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrLockTimeout)
}

// route runs call against the primary when it is believed healthy and falls
// back to the local store on transport errors. A degraded store probes the
// primary and replays buffered writes before routing to it again, so replayed
// entries keep their original order. The returned bool reports whether the
// local store served the call.
func route[T any](ctx context.Context, f *FallbackStore, op string, call func(Store) (T, error)) (T, bool, error) {
	if f.shouldTryPrimary() && f.probe(ctx, op) {
		v, err := call(f.primary)
		if err == nil || isLogical(err) {
			return v, false, err
		}
		if ctx.Err() != nil {
			return v, false, err
		}
		f.markFailed(op, err)
	}
	v, err := call(f.local)
	return v, true, err
}

// probe returns true when the primary may be used. Healthy stores are not
// pinged.
func (f *FallbackStore) probe(ctx context.Context, op string) bool {
	if !f.Degraded() {
		return true
	}
	if err := f.primary.Ping(ctx); err != nil {
		f.markFailed(op, err)
		return false
	}
	f.markHealthy(ctx)
	return true
}

func (f *FallbackStore) Get(ctx context.Context, key string) (string, error) {
	v, _, err := route(ctx, f, "get", func(s Store) (string, error) { return s.Get(ctx, key) })
	if errors.Is(err, ErrNotFound) && !f.Degraded() {
		// A value written while degraded may not have been replayed yet.
		if lv, lerr := f.local.Get(ctx, key); lerr == nil {
			return lv, nil
		}
	}
	return v, err
}

func (f *FallbackStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, local, err := route(ctx, f, "set", func(s Store) (struct{}, error) { return struct{}{}, s.Set(ctx, key, value, ttl) })
	if local && err == nil {
		f.markDirtyValue(key)
	}
	return err
}

func (f *FallbackStore) Del(ctx context.Context, keys ...string) error {
	_, _, err := route(ctx, f, "del", func(s Store) (struct{}, error) { return struct{}{}, s.Del(ctx, keys...) })
	f.local.Del(ctx, keys...)
	return err
}

func (f *FallbackStore) Incr(ctx context.Context, key string) (int64, error) {
	n, local, err := route(ctx, f, "incr", func(s Store) (int64, error) { return s.Incr(ctx, key) })
	if local && err == nil {
		f.markDirtyValue(key)
	}
	return n, err
}

func (f *FallbackStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, _, err := route(ctx, f, "expire", func(s Store) (struct{}, error) { return struct{}{}, s.Expire(ctx, key, ttl) })
	return err
}

func (f *FallbackStore) PushTrim(ctx context.Context, key, value string, max int) error {
	_, local, err := route(ctx, f, "push_trim", func(s Store) (struct{}, error) {
		return struct{}{}, s.PushTrim(ctx, key, value, max)
	})
	if local && err == nil {
		f.markDirtyList(key, max)
	}
	return err
}

func (f *FallbackStore) Range(ctx context.Context, key string, start, stop int64) ([]string, error) {
	v, _, err := route(ctx, f, "range", func(s Store) ([]string, error) { return s.Range(ctx, key, start, stop) })
	return v, err
}

func (f *FallbackStore) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (Release, error) {
	v, _, err := route(ctx, f, "acquire", func(s Store) (Release, error) { return s.Acquire(ctx, key, ttl, wait) })
	return v, err
}

func (f *FallbackStore) StreamAdd(ctx context.Context, stream string, values map[string]string) (string, error) {
	id, local, err := route(ctx, f, "stream_add", func(s Store) (string, error) { return s.StreamAdd(ctx, stream, values) })
	if local && err == nil {
		f.mu.Lock()
		f.dirtyStream = append(f.dirtyStream, pendingStreamAdd{stream: stream, values: values})
		f.mu.Unlock()
	}
	return id, err
}

func (f *FallbackStore) StreamRange(ctx context.Context, stream, start, end string) ([]StreamEntry, error) {
	v, _, err := route(ctx, f, "stream_range", func(s Store) ([]StreamEntry, error) {
		return s.StreamRange(ctx, stream, start, end)
	})
	return v, err
}

func (f *FallbackStore) Ping(ctx context.Context) error {
	if err := f.primary.Ping(ctx); err != nil {
		f.markFailed("ping", err)
		return nil
	}
	f.markHealthy(ctx)
	return nil
}

func (f *FallbackStore) Close() error {
	return f.primary.Close()
}
