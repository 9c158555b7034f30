package maintenance

import (
	"context"
	"time"

	"github.com/ziadkadry99/turnkeeper/internal/audit"
	"github.com/ziadkadry99/turnkeeper/internal/ltm"
	"github.com/ziadkadry99/turnkeeper/internal/reliability"
	"github.com/ziadkadry99/turnkeeper/internal/turns"
)

const (
	retryBatch       = 100
	stalePendingAge  = 10 * time.Minute
	syncedRetention  = 7 * 24 * time.Hour
	auditRetention   = 30 * 24 * time.Hour
	defaultRetrySpec = "@every 1m"
)

// Targets are the stores the standard jobs clean up. Nil targets are
// skipped.
type Targets struct {
	LongTerm      *ltm.Supervisor
	LongTermStore *ltm.Store
	Guard         *reliability.Guard
	Snapshots     *reliability.SnapshotStore
	Turns         *turns.Store
	Audit         *audit.Store
	SnapshotTTL   time.Duration
	AuditTTL      time.Duration
	RetrySchedule string
}

// RegisterStandard adds the long-term retry and the purge jobs.
func RegisterStandard(s *Scheduler, t Targets) error {
	now := func() time.Time { return time.Now().UTC() }

	if t.LongTerm != nil {
		spec := t.RetrySchedule
		if spec == "" {
			spec = defaultRetrySpec
		}
		if err := s.Add("ltm-retry", spec, func(ctx context.Context) (int64, error) {
			n, err := t.LongTerm.RetryFailed(ctx, retryBatch)
			return int64(n), err
		}); err != nil {
			return err
		}
	}
	if t.LongTermStore != nil {
		if err := s.Add("ltm-purge", "@daily", func(ctx context.Context) (int64, error) {
			return t.LongTermStore.PurgeSynced(ctx, now().Add(-syncedRetention))
		}); err != nil {
			return err
		}
	}
	if t.Guard != nil {
		if err := s.Add("turn-guard-purge", "@every 1m", func(ctx context.Context) (int64, error) {
			return int64(t.Guard.PurgeExpired()), nil
		}); err != nil {
			return err
		}
	}
	if t.Snapshots != nil {
		ttl := t.SnapshotTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		if err := s.Add("snapshot-purge", "@every 1h", func(ctx context.Context) (int64, error) {
			return t.Snapshots.PurgeBefore(ctx, now().Add(-ttl))
		}); err != nil {
			return err
		}
	}
	if t.Turns != nil {
		if err := s.Add("stale-turn-purge", "@every 5m", func(ctx context.Context) (int64, error) {
			return t.Turns.PurgeStalePending(ctx, now().Add(-stalePendingAge))
		}); err != nil {
			return err
		}
	}
	if t.Audit != nil {
		ttl := t.AuditTTL
		if ttl <= 0 {
			ttl = auditRetention
		}
		if err := s.Add("audit-purge", "@daily", func(ctx context.Context) (int64, error) {
			return t.Audit.DeleteBefore(ctx, now().Add(-ttl))
		}); err != nil {
			return err
		}
	}
	return nil
}
