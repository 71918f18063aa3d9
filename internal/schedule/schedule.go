package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"student_insights/internal/logger"
)

// Trigger is the cron trigger name passed to the fire callback.
const Trigger = "schedule"

// Scheduler fires batch runs on a standard five-field cron expression.
type Scheduler struct {
	expr string
	fire func(ctx context.Context, trigger string)
	log  *logger.Logger

	mu     sync.Mutex
	cron   *rcron.Cron
	cancel context.CancelFunc
}

// Validate reports whether expr is a usable schedule.
func Validate(expr string) error {
	if _, err := rcron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

func New(expr string, fire func(ctx context.Context, trigger string), log *logger.Logger) (*Scheduler, error) {
	if err := Validate(expr); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Scheduler{expr: expr, fire: fire, log: log}, nil
}

// Start registers the schedule and stops it when ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	c := rcron.New()
	if _, err := c.AddFunc(s.expr, func() {
		s.log.Info("scheduled run firing", "cron", s.expr)
		s.fire(runCtx, Trigger)
	}); err != nil {
		cancel()
		return fmt.Errorf("register schedule: %w", err)
	}
	s.cron = c
	s.cancel = cancel
	c.Start()
	s.log.Info("scheduler started", "cron", s.expr, "next", s.next())

	go func() {
		<-runCtx.Done()
		s.Stop()
	}()
	return nil
}

// Next returns the next activation time, or zero when not started.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next()
}

func (s *Scheduler) next() time.Time {
	if s.cron == nil {
		return time.Time{}
	}
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Stop halts the scheduler and waits briefly for an executing run callback.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	cancel := s.cancel
	s.cron = nil
	s.cancel = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		s.log.Warn("scheduler stop timed out waiting for running job")
	}
	s.log.Info("scheduler stopped")
}
