package kv

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type localValue struct {
	value     string
	expiresAt time.Time
}

func (v localValue) expired(now time.Time) bool {
	return !v.expiresAt.IsZero() && now.After(v.expiresAt)
}

type streamID struct {
	ms  uint64
	seq uint64
}

func (id streamID) String() string { return fmt.Sprintf("%d-%d", id.ms, id.seq) }

func (id streamID) less(o streamID) bool {
	return id.ms < o.ms || (id.ms == o.ms && id.seq < o.seq)
}

type localStreamEntry struct {
	id     streamID
	values map[string]string
}

// LocalStore implements Store in process memory. It is the stand-in used
// when no shared server is configured or reachable.
type LocalStore struct {
	mu      sync.Mutex
	values  map[string]localValue
	lists   map[string][]string
	streams map[string][]localStreamEntry
	now     func() time.Time
}

// NewLocalStore creates an empty in-process store.
func NewLocalStore() *LocalStore {
	return &LocalStore{
		values:  make(map[string]localValue),
		lists:   make(map[string][]string),
		streams: make(map[string][]localStreamEntry),
		now:     time.Now,
	}
}

func (s *LocalStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok || v.expired(s.now()) {
		delete(s.values, key)
		return "", ErrNotFound
	}
	return v.value, nil
}

func (s *LocalStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = s.newValue(value, ttl)
	return nil
}

func (s *LocalStore) newValue(value string, ttl time.Duration) localValue {
	v := localValue{value: value}
	if ttl > 0 {
		v.expiresAt = s.now().Add(ttl)
	}
	return v
}

func (s *LocalStore) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.values, k)
		delete(s.lists, k)
		delete(s.streams, k)
	}
	return nil
}

func (s *LocalStore) Incr(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	var n int64
	if ok && !v.expired(s.now()) {
		parsed, err := strconv.ParseInt(v.value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("local incr %s: value is not an integer", key)
		}
		n = parsed
	} else {
		v = localValue{}
	}
	n++
	v.value = strconv.FormatInt(n, 10)
	s.values[key] = v
	return n, nil
}

func (s *LocalStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.values[key]; ok {
		v.expiresAt = s.now().Add(ttl)
		s.values[key] = v
	}
	return nil
}

func (s *LocalStore) PushTrim(ctx context.Context, key, value string, max int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append([]string{value}, s.lists[key]...)
	if max > 0 && len(list) > max {
		list = list[:max]
	}
	s.lists[key] = list
	return nil
}

func (s *LocalStore) Range(ctx context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.lists[key]
	n := int64(len(list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop {
		return []string{}, nil
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

func (s *LocalStore) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (Release, error) {
	token := uuid.New().String()
	deadline := time.Now().Add(wait)

	for {
		if s.trySetNX(key, token, ttl) {
			return func(context.Context) error {
				s.mu.Lock()
				defer s.mu.Unlock()
				if v, ok := s.values[key]; ok && v.value == token {
					delete(s.values, key)
				}
				return nil
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

func (s *LocalStore) trySetNX(key, value string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.values[key]; ok && !v.expired(s.now()) {
		return false
	}
	s.values[key] = s.newValue(value, ttl)
	return true
}

func (s *LocalStore) StreamAdd(ctx context.Context, stream string, values map[string]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := streamID{ms: uint64(s.now().UnixMilli())}
	entries := s.streams[stream]
	if len(entries) > 0 {
		last := entries[len(entries)-1].id
		if !last.less(id) {
			id = streamID{ms: last.ms, seq: last.seq + 1}
		}
	}

	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	entries = append(entries, localStreamEntry{id: id, values: copied})
	if len(entries) > streamMaxLen {
		entries = entries[len(entries)-streamMaxLen:]
	}
	s.streams[stream] = entries
	return id.String(), nil
}

func (s *LocalStore) StreamRange(ctx context.Context, stream, start, end string) ([]StreamEntry, error) {
	lo, err := parseStreamID(start, false)
	if err != nil {
		return nil, err
	}
	hi, err := parseStreamID(end, true)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []StreamEntry
	for _, e := range s.streams[stream] {
		if e.id.less(lo) || hi.less(e.id) {
			continue
		}
		vals := make(map[string]string, len(e.values))
		for k, v := range e.values {
			vals[k] = v
		}
		out = append(out, StreamEntry{ID: e.id.String(), Values: vals})
	}
	return out, nil
}

func parseStreamID(s string, isEnd bool) (streamID, error) {
	switch s {
	case "-":
		return streamID{}, nil
	case "+":
		return streamID{ms: math.MaxUint64, seq: math.MaxUint64}, nil
	}
	msPart, seqPart, hasSeq := strings.Cut(s, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return streamID{}, fmt.Errorf("invalid stream id %q", s)
	}
	id := streamID{ms: ms}
	if !hasSeq {
		if isEnd {
			id.seq = math.MaxUint64
		}
		return id, nil
	}
	if id.seq, err = strconv.ParseUint(seqPart, 10, 64); err != nil {
		return streamID{}, fmt.Errorf("invalid stream id %q", s)
	}
	return id, nil
}

func (s *LocalStore) Ping(ctx context.Context) error { return nil }

func (s *LocalStore) Close() error { return nil }
