package webhook

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/oakline/posbridge/internal/lock"
	"github.com/oakline/posbridge/internal/obs"
)

// Scheduler runs the periodic retry and retention jobs. Each job tick takes a
// Redis lock so only one instance across the fleet runs it; overlapping ticks
// skip instead of queueing up.
type Scheduler struct {
	Store      Store
	Dispatcher Dispatcher
	Locker     lock.Locker
	LockTTL    time.Duration

	RetryInterval    time.Duration
	RetryBatchSize   int
	StaleAfter       time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
	Retention        time.Duration

	Logger zerolog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	trigger  chan struct{}
	done     sync.WaitGroup
	lastTick atomic.Int64
}

func (s *Scheduler) retryInterval() time.Duration {
	if s.RetryInterval <= 0 {
		return time.Minute
	}
	return s.RetryInterval
}

func (s *Scheduler) cleanupInterval() time.Duration {
	if s.CleanupInterval <= 0 {
		return 6 * time.Hour
	}
	return s.CleanupInterval
}

func (s *Scheduler) retention() time.Duration {
	if s.Retention <= 0 {
		return 30 * 24 * time.Hour
	}
	return s.Retention
}

func (s *Scheduler) staleAfter() time.Duration {
	if s.StaleAfter <= 0 {
		return 15 * time.Minute
	}
	return s.StaleAfter
}

func (s *Scheduler) lockTTL() time.Duration {
	if s.LockTTL <= 0 {
		return 5 * time.Minute
	}
	return s.LockTTL
}

// Start launches the background loops. Calling Start on a running scheduler
// is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.trigger = make(chan struct{}, 1)

	s.done.Add(2)
	go s.retryLoop(ctx)
	go s.cleanupLoop(ctx)
	s.Logger.Info().Dur("retry_interval", s.retryInterval()).
		Dur("cleanup_interval", s.cleanupInterval()).Msg("webhook scheduler started")
}

// Stop halts the loops and waits for in-flight passes to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.done.Wait()
	s.Logger.Info().Msg("webhook scheduler stopped")
}

// TriggerImmediate requests a retry pass outside the regular cadence. It is
// non-blocking; a pass already pending absorbs the request.
func (s *Scheduler) TriggerImmediate() {
	s.mu.Lock()
	trigger := s.trigger
	s.mu.Unlock()
	if trigger == nil {
		return
	}
	select {
	case trigger <- struct{}{}:
	default:
	}
}

// LastRetryTick reports when the retry loop last woke up, zero before the
// first tick. The monitoring health check uses it as a liveness signal.
func (s *Scheduler) LastRetryTick() time.Time {
	v := s.lastTick.Load()
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v)
}

func (s *Scheduler) retryLoop(ctx context.Context) {
	defer s.done.Done()
	ticker := time.NewTicker(s.retryInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.trigger:
		}
		s.lastTick.Store(time.Now().UnixNano())
		s.runLocked(ctx, "sched:webhook-retry", s.retryPass)
	}
}

func (s *Scheduler) cleanupLoop(ctx context.Context) {
	defer s.done.Done()
	ticker := time.NewTicker(s.cleanupInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.runLocked(ctx, "sched:webhook-cleanup", s.cleanupPass)
	}
}

func (s *Scheduler) runLocked(ctx context.Context, key string, pass func(context.Context) error) {
	ran, err := s.Locker.TryRun(ctx, key, s.lockTTL(), pass)
	if err != nil && ctx.Err() == nil {
		s.Logger.Error().Err(err).Str("job", key).Msg("scheduled job failed")
	}
	if !ran && err == nil {
		s.Logger.Debug().Str("job", key).Msg("scheduled job held elsewhere, skipped")
	}
}

// retryPass redispatches retry events whose backoff elapsed and recovers
// events stranded in pending or processing by a crashed worker. Stranded
// processing rows are reset to retry first since only pending and retry
// events are claimable.
func (s *Scheduler) retryPass(ctx context.Context) error {
	due, err := s.Store.ListRetryDue(ctx, s.RetryBatchSize)
	if err != nil {
		return err
	}
	stale, err := s.Store.ListStale(ctx, time.Now().Add(-s.staleAfter()), s.RetryBatchSize)
	if err != nil {
		return err
	}

	dispatched := 0
	for _, ev := range append(due, stale...) {
		if ev.Status == StatusProcessing {
			if err := s.Store.SetStatus(ctx, ev.ID, StatusRetry, nil); err != nil {
				s.Logger.Error().Err(err).Stringer("event_id", ev.ID).Msg("stale event reset failed")
				continue
			}
		}
		if err := s.Dispatcher.Dispatch(ctx, ev.ID); err != nil {
			s.Logger.Error().Err(err).Stringer("event_id", ev.ID).Msg("retry dispatch failed")
			continue
		}
		dispatched++
		if obs.WebhookRetryTotal != nil {
			obs.WebhookRetryTotal.Inc()
		}
	}
	if dispatched > 0 {
		s.Logger.Info().Int("due", len(due)).Int("stale", len(stale)).
			Int("dispatched", dispatched).Msg("retry pass complete")
	}
	return nil
}

// cleanupPass deletes terminal events past retention, one bounded batch at a
// time until the backlog for this tick is drained.
func (s *Scheduler) cleanupPass(ctx context.Context) error {
	cutoff := time.Now().Add(-s.retention())
	var total int64
	for {
		deleted, err := s.Store.DeleteTerminalBefore(ctx, cutoff, s.CleanupBatchSize)
		if err != nil {
			return err
		}
		total += deleted
		if obs.WebhookCleanupDeleted != nil {
			obs.WebhookCleanupDeleted.Add(float64(deleted))
		}
		if deleted < int64(s.CleanupBatchSize) || s.CleanupBatchSize <= 0 {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	if total > 0 {
		s.Logger.Info().Int64("deleted", total).Time("cutoff", cutoff).Msg("retention cleanup complete")
	}
	return nil
}
