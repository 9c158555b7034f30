package llm

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when no request slot frees up before the
// caller's deadline. Scoring and compression treat it like any other
// collaborator failure and fall back to heuristics.
var ErrRateLimited = errors.New("llm: rate limit exceeded")

// RateLimitedProvider wraps a Provider with a token bucket that refills
// continuously at rpm tokens per minute.
type RateLimitedProvider struct {
	provider Provider
	rpm      int
	interval time.Duration

	mu     sync.Mutex
	tokens float64
	last   time.Time
	now    func() time.Time
}

// NewRateLimitedProvider wraps the given provider with a rate limiter
// that allows at most rpm requests per minute.
func NewRateLimitedProvider(provider Provider, rpm int) Provider {
	return &RateLimitedProvider{
		provider: provider,
		rpm:      rpm,
		interval: time.Minute / time.Duration(rpm),
		tokens:   float64(rpm),
		last:     time.Now(),
		now:      time.Now,
	}
}

func (r *RateLimitedProvider) Name() string {
	return r.provider.Name()
}

func (r *RateLimitedProvider) Chat(ctx context.Context, messages []Message, cfg ChatConfig) (string, error) {
	if err := r.wait(ctx); err != nil {
		return "", err
	}
	return r.provider.Chat(ctx, messages, cfg)
}

// reserve takes a token if one is available, otherwise it reports how long
// until the next one.
func (r *RateLimitedProvider) reserve() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.tokens += now.Sub(r.last).Minutes() * float64(r.rpm)
	if limit := float64(r.rpm); r.tokens > limit {
		r.tokens = limit
	}
	r.last = now

	if r.tokens >= 1 {
		r.tokens--
		return 0
	}
	return time.Duration((1 - r.tokens) * float64(r.interval))
}

func (r *RateLimitedProvider) wait(ctx context.Context) error {
	for {
		delay := r.reserve()
		if delay == 0 {
			return nil
		}
		if deadline, ok := ctx.Deadline(); ok && r.now().Add(delay).After(deadline) {
			return ErrRateLimited
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
