// Package retention runs the local store's purge on a cron schedule.
package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/agentui/internal/persistence"
)

// cronParser accepts standard 5-field expressions and descriptors such as @daily.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Purger is the store operation the scheduler drives.
type Purger interface {
	RunRetention(ctx context.Context, p persistence.RetentionPolicy) (persistence.RetentionResult, error)
}

type Config struct {
	Store    Purger
	Policy   persistence.RetentionPolicy
	Schedule string
	Logger   *slog.Logger
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// Scheduler fires the purge at each activation of its schedule.
type Scheduler struct {
	store    Purger
	policy   persistence.RetentionPolicy
	schedule cronlib.Schedule
	expr     string
	logger   *slog.Logger
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates the schedule expression.
func NewScheduler(cfg Config) (*Scheduler, error) {
	sched, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, err
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
		now:      now,
	}, nil
}

// Start runs one purge immediately, then one per activation, until Stop or
// ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention scheduler started", "schedule", s.expr, "next_run_at", s.NextRun())
}

// Stop cancels the loop and waits for an in-flight purge to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention scheduler stopped")
}

// NextRun returns the next activation after now.
func (s *Scheduler) NextRun() time.Time {
	return s.schedule.Next(s.now())
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	s.RunOnce(ctx)
	for {
		wait := time.Until(s.NextRun())
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single purge and logs the outcome.
func (s *Scheduler) RunOnce(ctx context.Context) (persistence.RetentionResult, error) {
	res, err := s.store.RunRetention(ctx, s.policy)
	if err != nil {
		s.logger.Error("retention: purge failed", "error", err)
		return res, err
	}
	if res.Total() > 0 {
		s.logger.Info("retention: purge complete",
			"messages", res.PurgedMessages,
			"sessions", res.PurgedSessions,
			"audit_logs", res.PurgedAuditLogs,
		)
	}
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
