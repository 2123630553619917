// Package cron runs the history retention sweep on a cron schedule.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/histsync/internal/audit"
	"github.com/basket/histsync/internal/persistence"
)

// nextRunKey persists the next due time so a restart neither skips nor
// repeats a sweep.
const nextRunKey = "retention.next_run"

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the retention scheduler.
type Config struct {
	Store    *persistence.Store
	Policy   persistence.RetentionPolicy
	Schedule string // cron expression
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	Now      func() time.Time
}

// Scheduler checks once per tick whether the retention sweep is due.
type Scheduler struct {
	store    *persistence.Store
	policy   persistence.RetentionPolicy
	schedule cronlib.Schedule
	expr     string
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates the cron expression and returns a stopped scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	sched, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", cfg.Schedule, err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		store:    cfg.Store,
		policy:   cfg.Policy,
		schedule: sched,
		expr:     cfg.Schedule,
		logger:   logger,
		interval: interval,
		now:      now,
	}, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention scheduler started", "schedule", s.expr, "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs the sweep when the persisted next-run time has passed. A missing
// next-run time is seeded from the schedule without sweeping.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	next, err := s.NextRun(ctx)
	if err != nil {
		s.logger.Error("retention: failed to read next run", "error", err)
		return
	}
	if next.IsZero() {
		s.setNext(ctx, now)
		return
	}
	if now.Before(next) {
		return
	}
	if _, err := s.RunNow(ctx); err != nil {
		return
	}
	s.setNext(ctx, now)
}

func (s *Scheduler) setNext(ctx context.Context, after time.Time) {
	next := s.schedule.Next(after)
	if err := s.store.KVSet(ctx, nextRunKey, next.UTC().Format(time.RFC3339)); err != nil {
		s.logger.Error("retention: failed to store next run", "error", err)
		return
	}
	s.logger.Debug("retention: next run scheduled", "next_run_at", next)
}

// NextRun reports when the next sweep is due; zero if never scheduled.
func (s *Scheduler) NextRun(ctx context.Context) (time.Time, error) {
	raw, err := s.store.KVGet(ctx, nextRunKey)
	if err != nil || raw == "" {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, raw)
}

// RunNow sweeps immediately and records the result in the audit trail.
func (s *Scheduler) RunNow(ctx context.Context) (persistence.RetentionResult, error) {
	res, err := s.store.RunRetention(ctx, s.policy)
	if err != nil {
		s.logger.Error("retention: sweep failed", "error", err)
		return res, err
	}
	audit.Record(ctx, audit.DecisionAllow, audit.ActionRetention,
		fmt.Sprintf("purged machine=%d user=%d global=%d lost_mutations=%d",
			res.PurgedMachine, res.PurgedUser, res.PurgedGlobal, res.PurgedLostMutations),
		"history")
	s.logger.Info("retention: sweep complete",
		"purged_machine", res.PurgedMachine,
		"purged_user", res.PurgedUser,
		"purged_global", res.PurgedGlobal,
		"purged_lost_mutations", res.PurgedLostMutations,
	)
	return res, nil
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
