// Package scheduler decides which sources are due for collection and drives
// the periodic tick that runs them.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/parcelworks/harvester/internal/collector"
)

// Runner executes collections; the manager satisfies this interface.
type Runner interface {
	ExecuteBatch(ctx context.Context, sourceIDs []string) []collector.CollectionRun
}

// IsDue reports whether a source with the given schedule and last collection
// time is due at now. Manual sources are never due; a source never collected
// is always due.
func IsDue(schedule collector.Schedule, last *time.Time, now time.Time) bool {
	if schedule.Frequency == collector.FrequencyManual {
		return false
	}
	if last == nil {
		return true
	}
	prev := last.UTC()
	now = now.UTC()
	if !now.After(prev) {
		return false
	}

	switch schedule.Frequency {
	case collector.FrequencyHourly:
		return now.Sub(prev) >= time.Hour
	case collector.FrequencyDaily:
		return calendarDay(now) != calendarDay(prev)
	case collector.FrequencyWeekly:
		day := time.Monday
		if schedule.DayOfWeek != nil {
			day = *schedule.DayOfWeek
		}
		return now.Weekday() == day && now.Sub(prev) >= 7*24*time.Hour
	case collector.FrequencyMonthly:
		day := 1
		if schedule.DayOfMonth != nil {
			day = *schedule.DayOfMonth
		}
		if now.Day() != day {
			return false
		}
		return now.Year() > prev.Year() || now.Month() != prev.Month()
	default:
		return false
	}
}

func calendarDay(t time.Time) string {
	return t.Format("2006-01-02")
}

// Scheduler periodically finds due sources and hands them to the runner.
type Scheduler struct {
	cron   *cron.Cron
	store  collector.Store
	runner Runner
	clock  collector.Clock
	logger *zap.Logger
	spec   string
}

// New creates a Scheduler that checks for due sources every interval.
func New(store collector.Store, runner Runner, clock collector.Clock, logger *zap.Logger, interval time.Duration) (*Scheduler, error) {
	if store == nil || runner == nil || clock == nil {
		return nil, fmt.Errorf("store, runner and clock are required")
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cron:   cron.New(),
		store:  store,
		runner: runner,
		clock:  clock,
		logger: logger,
		spec:   fmt.Sprintf("@every %s", interval),
	}, nil
}

// Start registers the tick and starts the scheduler. One pass runs
// immediately so due sources are not left waiting for the first tick.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.spec, func() {
		s.RunDue(ctx)
	})
	if err != nil {
		return fmt.Errorf("cron.AddFunc: %w", err)
	}

	s.cron.Start()
	s.logger.Info("scheduler started", zap.String("spec", s.spec))

	go s.RunDue(ctx)
	return nil
}

// Stop shuts the scheduler down, waiting for a running pass to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// FindDueSources returns the active sources whose schedule makes them due
// now. Sources in error state stay eligible so transient failures recover on
// the next pass; inactive sources are skipped.
func (s *Scheduler) FindDueSources(ctx context.Context) ([]collector.DataSource, error) {
	sources, err := s.store.ListSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	now := s.clock.Now()
	var due []collector.DataSource
	for _, src := range sources {
		if src.Status == collector.SourceStatusInactive {
			continue
		}
		if IsDue(src.Schedule, src.LastCollected, now) {
			due = append(due, src)
		}
	}
	return due, nil
}

// RunDue executes one scheduling pass: collect every due source and advance
// its next-run marker.
func (s *Scheduler) RunDue(ctx context.Context) []collector.CollectionRun {
	due, err := s.FindDueSources(ctx)
	if err != nil {
		s.logger.Error("scheduling pass failed", zap.Error(err))
		return nil
	}
	if len(due) == 0 {
		return nil
	}

	ids := make([]string, 0, len(due))
	for _, src := range due {
		ids = append(ids, src.ID)
	}
	s.logger.Info("scheduling pass", zap.Int("due", len(ids)))

	runs := s.runner.ExecuteBatch(ctx, ids)
	for _, src := range due {
		s.advanceNextRun(ctx, src)
	}
	return runs
}

// Force runs one source immediately, bypassing the due check. The run goes
// through the same recording path as scheduled runs.
func (s *Scheduler) Force(ctx context.Context, sourceID string) ([]collector.CollectionRun, error) {
	src, err := s.store.GetSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	runs := s.runner.ExecuteBatch(ctx, []string{src.ID})
	s.advanceNextRun(ctx, src)
	return runs, nil
}

// NextRun computes when the schedule next fires after now. Manual schedules
// have no next run.
func NextRun(schedule collector.Schedule, now time.Time) *time.Time {
	now = now.UTC()
	var next time.Time
	switch schedule.Frequency {
	case collector.FrequencyHourly:
		next = now.Add(time.Hour)
	case collector.FrequencyDaily:
		next = now.AddDate(0, 0, 1).Truncate(24 * time.Hour)
	case collector.FrequencyWeekly:
		day := time.Monday
		if schedule.DayOfWeek != nil {
			day = *schedule.DayOfWeek
		}
		next = now.AddDate(0, 0, 1).Truncate(24 * time.Hour)
		for next.Weekday() != day {
			next = next.AddDate(0, 0, 1)
		}
	case collector.FrequencyMonthly:
		day := 1
		if schedule.DayOfMonth != nil {
			day = *schedule.DayOfMonth
		}
		next = time.Date(now.Year(), now.Month(), day, 0, 0, 0, 0, time.UTC)
		if !next.After(now) {
			next = next.AddDate(0, 1, 0)
		}
	default:
		return nil
	}
	return &next
}

func (s *Scheduler) advanceNextRun(ctx context.Context, src collector.DataSource) {
	next := NextRun(src.Schedule, s.clock.Now())
	if next == nil {
		return
	}
	if err := s.store.UpdateSourceNextRun(ctx, src.ID, *next); err != nil {
		s.logger.Warn("next run update failed",
			zap.String("source_id", src.ID), zap.Error(err))
	}
}
