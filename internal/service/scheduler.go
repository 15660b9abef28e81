package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mnemora/mnemora/internal/domain"
)

// SchedulerConfig drives the periodic decay pass and TTL expiry sweep.
// TimeOfDay is "HH:MM" wall clock for the first run; empty means the first
// run happens after one full interval.
type SchedulerConfig struct {
	DecayEnabled bool
	Interval     time.Duration
	TimeOfDay    string
}

// Scheduler is the process-wide periodic driver. Single owner; start it
// once from main.
type Scheduler struct {
	cfg       SchedulerConfig
	lifecycle *LifecycleService
	memories  domain.MemoryStore
	logger    *zap.Logger

	stopCh   chan struct{}
	wg       sync.WaitGroup
	runCount int
	errCount int
	mu       sync.Mutex
}

func NewScheduler(cfg SchedulerConfig, ls *LifecycleService, ms domain.MemoryStore, logger *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	return &Scheduler{
		cfg:       cfg,
		lifecycle: ls,
		memories:  ms,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

func (s *Scheduler) Start() {
	if !s.cfg.DecayEnabled {
		s.logger.Info("decay scheduler disabled")
		return
	}

	firstDelay := s.cfg.Interval
	if s.cfg.TimeOfDay != "" {
		if d, err := delayUntil(s.cfg.TimeOfDay, time.Now()); err != nil {
			s.logger.Warn("invalid decay time of day, using interval", zap.String("value", s.cfg.TimeOfDay), zap.Error(err))
		} else {
			firstDelay = d
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("decay scheduler started",
			zap.Duration("first_delay", firstDelay),
			zap.Duration("interval", s.cfg.Interval))

		timer := time.NewTimer(firstDelay)
		defer timer.Stop()

		for {
			select {
			case <-s.stopCh:
				return
			case <-timer.C:
				s.runOnce()
				timer.Reset(s.cfg.Interval)
			}
		}
	}()
}

// Stop cancels the pending timer. An in-flight run completes naturally.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("decay scheduler stopped")
}

func (s *Scheduler) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	s.mu.Lock()
	s.runCount++
	s.mu.Unlock()

	stats, err := s.lifecycle.DecayAll(ctx)
	if err != nil {
		s.mu.Lock()
		s.errCount++
		s.mu.Unlock()
		s.logger.Error("scheduled decay run failed", zap.Error(err))
	} else {
		s.logger.Info("scheduled decay run finished",
			zap.Int("total", stats.TotalMemories),
			zap.Int("decayed", stats.Decayed),
			zap.Int("archival_candidates", stats.ArchivalCandidates),
			zap.Int("expiration_candidates", stats.ExpirationCandidates),
			zap.Int("errors", stats.Errors),
			zap.Int64("duration_ms", stats.DurationMs))
	}

	deleted, err := s.memories.DeleteExpired(ctx)
	if err != nil {
		s.mu.Lock()
		s.errCount++
		s.mu.Unlock()
		s.logger.Error("expiry sweep failed", zap.Error(err))
	} else if deleted > 0 {
		s.logger.Info("expired memories removed", zap.Int64("deleted", deleted))
	}
}

// Counters returns lifetime run and error counts.
func (s *Scheduler) Counters() (runs, errors int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCount, s.errCount
}

// delayUntil computes the wait until the next wall-clock occurrence of
// "HH:MM": today if still ahead, otherwise tomorrow.
func delayUntil(timeOfDay string, now time.Time) (time.Duration, error) {
	parsed, err := time.Parse("15:04", timeOfDay)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", timeOfDay, err)
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), parsed.Hour(), parsed.Minute(), 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now), nil
}
