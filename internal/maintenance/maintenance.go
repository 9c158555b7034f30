// Package maintenance runs the periodic cleanup and retry jobs.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// JobFunc does one pass of a job and returns how many items it touched.
type JobFunc func(ctx context.Context) (int64, error)

type job struct {
	name     string
	schedule string
	run      JobFunc
}

// Scheduler runs named jobs on cron schedules.
type Scheduler struct {
	mu     sync.Mutex
	cron   *rcron.Cron
	jobs   []job
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler. Overlapping runs of the same job are skipped.
func New(log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	cl := cronLogger{log.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   rcron.New(rcron.WithChain(rcron.Recover(cl), rcron.SkipIfStillRunning(cl))),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers run under name on schedule, a cron spec or descriptor
// such as "@every 1m".
func (s *Scheduler) Add(name, schedule string, run JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := job{name: name, schedule: schedule, run: run}
	if _, err := s.cron.AddFunc(schedule, func() { s.execute(j) }); err != nil {
		return fmt.Errorf("registering job %s (%s): %w", name, schedule, err)
	}
	s.jobs = append(s.jobs, j)
	return nil
}

// Start begins running the jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("maintenance started", zap.Int("jobs", len(s.jobs)))
}

// Stop cancels running jobs and waits for them to return or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	s.cancel()
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// RunNow runs every job once, in registration order.
func (s *Scheduler) RunNow() {
	s.mu.Lock()
	jobs := append([]job(nil), s.jobs...)
	s.mu.Unlock()
	for _, j := range jobs {
		s.execute(j)
	}
}

// Jobs returns the registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for _, j := range s.jobs {
		names = append(names, j.name)
	}
	return names
}

func (s *Scheduler) execute(j job) {
	start := time.Now()
	n, err := j.run(s.ctx)
	if err != nil {
		s.log.Warn("maintenance job failed", zap.String("job", j.name), zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Info("maintenance job done", zap.String("job", j.name), zap.Int64("items", n), zap.Duration("elapsed", time.Since(start)))
	}
}

// cronLogger adapts zap to the cron logger interface.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
