/*
scheduler.go - Automated overdue sweep

PURPOSE:
  Periodically flips open obligations whose due date has passed to
  OVERDUE. The same sweep is available on demand via
  POST /api/admin/overdue-sweep.

DESIGN:
  - robfig/cron drives the schedule (standard 5-field expression)
  - SkipIfStillRunning: a slow sweep never overlaps the next one
  - Each run has its own timeout and records metrics
  - Disabled when the schedule is empty

CONFIGURATION:
  - Schedule: cron spec, e.g. "0 1 * * *" (01:00 daily)
  - Timeout:  per-run deadline (default: 5 minutes)

USAGE:
  scheduler := NewOverdueScheduler(handler, cfg.OverdueSweepSchedule)
  if err := scheduler.Start(); err != nil { ... }
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerOverdueSweep endpoint (manual sweep)
  - fees/admin.go: Engine.MarkOverdue
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const overdueSweepUser = "overdue-scheduler"

// OverdueScheduler runs the overdue sweep on a cron schedule.
type OverdueScheduler struct {
	Handler  *Handler
	Schedule string
	Timeout  time.Duration

	// now is the sweep's as-of clock.
	now func() time.Time

	cron *cron.Cron
	mu   sync.Mutex
}

// NewOverdueScheduler creates a new scheduler.
func NewOverdueScheduler(handler *Handler, schedule string) *OverdueScheduler {
	return &OverdueScheduler{
		Handler:  handler,
		Schedule: schedule,
		Timeout:  5 * time.Minute,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start registers the sweep and starts the cron loop. An empty schedule
// leaves the scheduler disabled.
func (s *OverdueScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := s.Handler.Logger
	if s.Schedule == "" {
		logger.Info("overdue scheduler disabled")
		return nil
	}
	if s.cron != nil {
		return nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := c.AddFunc(s.Schedule, s.runScheduled); err != nil {
		return err
	}
	c.Start()
	s.cron = c

	logger.Info("overdue scheduler started", "schedule", s.Schedule)
	return nil
}

// Stop stops the cron loop and waits for a running sweep to finish.
func (s *OverdueScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
	s.Handler.Logger.Info("overdue scheduler stopped")
}

// RunOnce performs a single sweep as of the scheduler clock.
func (s *OverdueScheduler) RunOnce(ctx context.Context) (int, error) {
	asOf := s.now()
	marked, err := s.Handler.sweepOverdue(ctx, asOf, overdueSweepUser)
	if err != nil {
		s.Handler.Logger.Error("overdue sweep failed", "as_of", asOf.Format(dateLayout), "error", err)
		return marked, err
	}
	if marked > 0 {
		s.Handler.Logger.Info("overdue sweep completed", "as_of", asOf.Format(dateLayout), "marked", marked)
	}
	return marked, nil
}

func (s *OverdueScheduler) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
	defer cancel()
	_, _ = s.RunOnce(ctx)
}
