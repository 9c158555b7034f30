package kv

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := NewRedisStore(RedisOptions{Addr: mr.Addr()})
	t.Cleanup(func() { s.Close() })
	return s, mr
}

// storeVariants runs fn against every Store implementation.
func storeVariants(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("local", func(t *testing.T) { fn(t, NewLocalStore()) })
	t.Run("redis", func(t *testing.T) {
		s, _ := newRedisTestStore(t)
		fn(t, s)
	})
}

func TestGetSetDel(t *testing.T) {
	storeVariants(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.Set(ctx, "k", "v", 0))
		got, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "v", got)

		require.NoError(t, s.Del(ctx, "k"))
		_, err = s.Get(ctx, "k")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestIncr(t *testing.T) {
	storeVariants(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for want := int64(1); want <= 3; want++ {
			n, err := s.Incr(ctx, "counter")
			require.NoError(t, err)
			assert.Equal(t, want, n)
		}
	})
}

func TestPushTrimKeepsNewest(t *testing.T) {
	storeVariants(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, v := range []string{"a", "b", "c", "d", "e"} {
			require.NoError(t, s.PushTrim(ctx, "list", v, 3))
		}
		got, err := s.Range(ctx, "list", 0, -1)
		require.NoError(t, err)
		assert.Equal(t, []string{"e", "d", "c"}, got)

		head, err := s.Range(ctx, "list", 0, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"e"}, head)
	})
}

func TestRangeEmpty(t *testing.T) {
	storeVariants(t, func(t *testing.T, s Store) {
		got, err := s.Range(context.Background(), "nothing", 0, -1)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestAcquireExclusive(t *testing.T) {
	storeVariants(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		release, err := s.Acquire(ctx, "lock:a", time.Second, 10*time.Millisecond)
		require.NoError(t, err)

		_, err = s.Acquire(ctx, "lock:a", time.Second, 50*time.Millisecond)
		assert.ErrorIs(t, err, ErrLockTimeout)

		// Different keys never contend.
		releaseB, err := s.Acquire(ctx, "lock:b", time.Second, 10*time.Millisecond)
		require.NoError(t, err)
		require.NoError(t, releaseB(ctx))

		require.NoError(t, release(ctx))
		release2, err := s.Acquire(ctx, "lock:a", time.Second, 10*time.Millisecond)
		require.NoError(t, err)
		require.NoError(t, release2(ctx))
	})
}

func TestAcquireWaitsForRelease(t *testing.T) {
	storeVariants(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		release, err := s.Acquire(ctx, "lock:w", time.Second, 0)
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(1)
		var acquiredErr error
		go func() {
			defer wg.Done()
			r, err := s.Acquire(ctx, "lock:w", time.Second, time.Second)
			acquiredErr = err
			if err == nil {
				r(ctx)
			}
		}()

		time.Sleep(50 * time.Millisecond)
		require.NoError(t, release(ctx))
		wg.Wait()
		assert.NoError(t, acquiredErr)
	})
}

func TestStreamAddRange(t *testing.T) {
	storeVariants(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id1, err := s.StreamAdd(ctx, "stream:x", map[string]string{"turn": "1"})
		require.NoError(t, err)
		id2, err := s.StreamAdd(ctx, "stream:x", map[string]string{"turn": "2"})
		require.NoError(t, err)
		assert.NotEqual(t, id1, id2)

		all, err := s.StreamRange(ctx, "stream:x", "-", "+")
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "1", all[0].Values["turn"])
		assert.Equal(t, "2", all[1].Values["turn"])

		tail, err := s.StreamRange(ctx, "stream:x", id2, "+")
		require.NoError(t, err)
		require.Len(t, tail, 1)
		assert.Equal(t, id2, tail[0].ID)
	})
}

func TestLocalStoreExpiry(t *testing.T) {
	s := NewLocalStore()
	now := time.Now()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "v", time.Minute))
	now = now.Add(2 * time.Minute)
	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

// flakyStore fails every call while down is set.
type flakyStore struct {
	*LocalStore
	mu   sync.Mutex
	down bool
}

var errDown = errors.New("connection refused")

func (f *flakyStore) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *flakyStore) check() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errDown
	}
	return nil
}

func (f *flakyStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := f.check(); err != nil {
		return err
	}
	return f.LocalStore.Set(ctx, key, value, ttl)
}

func (f *flakyStore) Get(ctx context.Context, key string) (string, error) {
	if err := f.check(); err != nil {
		return "", err
	}
	return f.LocalStore.Get(ctx, key)
}

func (f *flakyStore) PushTrim(ctx context.Context, key, value string, max int) error {
	if err := f.check(); err != nil {
		return err
	}
	return f.LocalStore.PushTrim(ctx, key, value, max)
}

func (f *flakyStore) Range(ctx context.Context, key string, start, stop int64) ([]string, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.LocalStore.Range(ctx, key, start, stop)
}

func (f *flakyStore) Ping(ctx context.Context) error { return f.check() }

func TestFallbackServesLocallyWhilePrimaryDown(t *testing.T) {
	primary := &flakyStore{LocalStore: NewLocalStore()}
	f := NewFallbackStore(primary, nil)
	ctx := context.Background()

	primary.setDown(true)
	require.NoError(t, f.Set(ctx, "k", "v", 0))
	assert.True(t, f.Degraded())

	got, err := f.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestFallbackReplaysBufferedListOnRecovery(t *testing.T) {
	primary := &flakyStore{LocalStore: NewLocalStore()}
	f := NewFallbackStore(primary, nil)
	f.retryAfter = 0
	ctx := context.Background()

	require.NoError(t, f.PushTrim(ctx, "ctx:s0:a", "one", 3))

	primary.setDown(true)
	require.NoError(t, f.PushTrim(ctx, "ctx:s0:a", "two", 3))
	require.NoError(t, f.PushTrim(ctx, "ctx:s0:a", "three", 3))
	assert.True(t, f.Degraded())

	primary.setDown(false)
	require.NoError(t, f.PushTrim(ctx, "ctx:s0:a", "four", 3))
	assert.False(t, f.Degraded())

	got, err := primary.LocalStore.Range(ctx, "ctx:s0:a", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"four", "three", "two"}, got)
}

func TestFallbackReplaysValuesOnRecovery(t *testing.T) {
	primary := &flakyStore{LocalStore: NewLocalStore()}
	f := NewFallbackStore(primary, nil)
	f.retryAfter = 0
	ctx := context.Background()

	primary.setDown(true)
	require.NoError(t, f.Set(ctx, "ctx:s1:a", "summary", 0))

	primary.setDown(false)
	require.NoError(t, f.Ping(ctx))

	got, err := primary.LocalStore.Get(ctx, "ctx:s1:a")
	require.NoError(t, err)
	assert.Equal(t, "summary", got)
}
