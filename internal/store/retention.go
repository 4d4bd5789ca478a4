package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler prunes messages older than the retention period on a cron
// schedule.
type Scheduler struct {
	pruner    Pruner
	schedule  string
	retention time.Duration
	now       func() time.Time

	cron    *cron.Cron
	mu      sync.Mutex
	running bool
	log     zerolog.Logger
}

// NewScheduler creates a retention scheduler. Common schedules:
//   - "0 3 * * *"    daily at 3 AM
//   - "0 */6 * * *"  every 6 hours
//   - "@hourly"
func NewScheduler(pruner Pruner, schedule string, retention time.Duration, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		pruner:    pruner,
		schedule:  schedule,
		retention: retention,
		now:       time.Now,
		cron:      cron.New(),
		log:       logger.With().Str("module", "store.retention").Logger(),
	}
}

// Start schedules pruning until ctx is done or Stop is called. With an empty
// schedule or no retention period the scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" || s.retention <= 0 {
		s.log.Info().Msg("retention not configured, skipping scheduler")
		return nil
	}
	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.schedule, err)
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.run(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule pruning: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.log.Info().Str("schedule", s.schedule).Dur("retention", s.retention).Msg("retention scheduler started")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// RunOnce deletes every message older than the retention period.
func (s *Scheduler) RunOnce(ctx context.Context) (int64, error) {
	return s.pruner.Prune(ctx, s.now().Add(-s.retention))
}

func (s *Scheduler) run(ctx context.Context) {
	deleted, err := s.RunOnce(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("scheduled pruning failed")
		return
	}
	if deleted > 0 {
		s.log.Info().Int64("deleted", deleted).Msg("scheduled pruning completed")
	} else {
		s.log.Debug().Msg("scheduled pruning completed, nothing to delete")
	}
}

// Stop stops the scheduler and waits for a running prune to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
		s.log.Info().Msg("retention scheduler stopped")
	}
}

// IsRunning reports whether pruning is scheduled.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled prune, or nil if none is scheduled.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
