package ltm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("ltm: supervisor stopped")

// Options sizes the supervisor.
type Options struct {
	QueueSize   int
	Workers     int
	MaxAttempts int
	// Timeout bounds one delivery attempt.
	Timeout time.Duration
}

// Supervisor delivers events to a Sink with a bounded queue and a fixed
// worker pool. Every event is recorded in the outbox before it is queued.
type Supervisor struct {
	store *Store
	sink  Sink
	opts  Options
	log   *zap.Logger

	queue       chan Event
	outstanding atomic.Int64

	mu      sync.RWMutex
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSupervisor creates a supervisor. Call Start before Submit.
func NewSupervisor(store *Store, sink Sink, opts Options, log *zap.Logger) *Supervisor {
	if opts.QueueSize < 1 {
		opts.QueueSize = 256
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 5
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{
		store: store,
		sink:  sink,
		opts:  opts,
		log:   log,
		queue: make(chan Event, opts.QueueSize),
	}
}

// Start launches the workers.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for i := 0; i < s.opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
}

// Stop stops accepting events and waits for the workers to finish the
// queued ones. Events still queued when ctx expires stay pending in the
// outbox.
func (s *Supervisor) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.queue)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if s.cancel != nil {
			s.cancel()
		}
		<-done
	}
	if s.cancel != nil {
		s.cancel()
	}
}

// Outstanding returns the number of events accepted but not yet settled.
func (s *Supervisor) Outstanding() int64 { return s.outstanding.Load() }

// Submit records ev and queues it for delivery. It never blocks on the sink:
// when the queue is full the event is left for the retry pass. After Stop the
// event is still recorded but ErrStopped is returned.
func (s *Supervisor) Submit(ctx context.Context, ev Event) error {
	inserted, err := s.store.Insert(ctx, &ev)
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}
	switch s.enqueue(ev) {
	case enqueueOK:
		return nil
	case enqueueStopped:
		return ErrStopped
	}
	s.log.Warn("ltm queue full, deferring event", zap.String("session", ev.SessionID), zap.String("turn_id", ev.TurnID))
	return s.store.MarkRetry(ctx, ev.ID, "queue full")
}

// stalePending is how long a pending event may sit in the outbox before the
// retry pass assumes its delivery was lost.
const stalePending = 5 * time.Minute

// RetryFailed re-queues up to limit events waiting for retry and returns how
// many were queued.
func (s *Supervisor) RetryFailed(ctx context.Context, limit int) (int, error) {
	events, err := s.store.ListRetryable(ctx, time.Now().Add(-stalePending), limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ev := range events {
		if s.enqueue(ev) != enqueueOK {
			break
		}
		n++
	}
	return n, nil
}

// Progress receives per-event updates from Flush.
type Progress interface {
	Start(total int)
	Update(current int, message string)
	Finish()
}

// FlushResult counts the outcome of a Flush.
type FlushResult struct {
	Delivered int
	Failed    int
}

// Flush delivers up to limit undelivered events synchronously, bypassing
// the queue, and reports each one to p. It is meant for operators draining
// the outbox while no server is running.
func (s *Supervisor) Flush(ctx context.Context, limit int, p Progress) (FlushResult, error) {
	var res FlushResult
	events, err := s.store.ListRetryable(ctx, time.Now(), limit)
	if err != nil {
		return res, err
	}

	p.Start(len(events))
	defer p.Finish()
	for i, ev := range events {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := s.deliver(ctx, ev); err != nil {
			res.Failed++
		} else {
			res.Delivered++
		}
		p.Update(i+1, ev.SessionID+"/"+ev.TurnID)
	}
	return res, nil
}

type enqueueResult int

const (
	enqueueOK enqueueResult = iota
	enqueueFull
	enqueueStopped
)

func (s *Supervisor) enqueue(ev Event) enqueueResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return enqueueStopped
	}
	select {
	case s.queue <- ev:
		s.outstanding.Add(1)
		return enqueueOK
	default:
		return enqueueFull
	}
}

func (s *Supervisor) worker(ctx context.Context) {
	defer s.wg.Done()
	for ev := range s.queue {
		_ = s.deliver(ctx, ev)
		s.outstanding.Add(-1)
	}
}

func (s *Supervisor) deliver(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	attemptCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	err := s.sink.Store(attemptCtx, ev)
	cancel()

	// Bookkeeping must land even when the supervisor is being cancelled.
	bg := context.WithoutCancel(ctx)
	if err == nil {
		if err := s.store.MarkSynced(bg, ev.ID); err != nil {
			s.log.Error("recording ltm delivery failed", zap.String("event", ev.ID), zap.Error(err))
		}
		return nil
	}

	status, merr := s.store.MarkAttemptFailed(bg, ev.ID, err, s.opts.MaxAttempts)
	if merr != nil {
		s.log.Error("recording ltm failure failed", zap.String("event", ev.ID), zap.Error(merr))
		return err
	}
	s.log.Warn("ltm delivery failed",
		zap.String("event", ev.ID),
		zap.String("session", ev.SessionID),
		zap.String("status", string(status)),
		zap.Error(err))
	return err
}
