// Package cron drives the time-based triggers: a daily wall-clock instant for
// scheduled summaries and a periodic liveness tick.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

const (
	// DefaultInterval is the liveness tick period.
	DefaultInterval = 30 * time.Second
	// DefaultGrace is how late a daily instant may still fire.
	DefaultGrace = 120 * time.Second
)

// Dispatcher receives the scheduler's events. Both calls run on the
// scheduler goroutine and may block; the next tick waits for them.
type Dispatcher interface {
	// RunScheduled evaluates the daily trigger for every conversation.
	RunScheduled(ctx context.Context, now time.Time)
	// Tick is the periodic liveness hook.
	Tick(ctx context.Context, now time.Time)
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Dispatcher Dispatcher
	Logger     *slog.Logger
	// Daily is the daily schedule; nil disables scheduled summaries.
	Daily    cronlib.Schedule
	Interval time.Duration // tick interval; defaults to DefaultInterval if zero
	Grace    time.Duration // misfire grace; defaults to DefaultGrace if zero
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Scheduler ticks at a fixed interval, calls Dispatcher.Tick every time and
// Dispatcher.RunScheduled whenever the daily instant has passed.
type Scheduler struct {
	dispatcher Dispatcher
	logger     *slog.Logger
	daily      cronlib.Schedule
	interval   time.Duration
	grace      time.Duration
	now        func() time.Time

	mu     sync.Mutex
	next   time.Time
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	grace := cfg.Grace
	if grace <= 0 {
		grace = DefaultGrace
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
		dispatcher: cfg.Dispatcher,
		logger:     logger,
		daily:      cfg.Daily,
		interval:   interval,
		grace:      grace,
		now:        now,
	}
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	// Seed from now-grace so an instant missed during a short restart still fires.
	s.mu.Lock()
	if s.daily != nil {
		s.next = s.daily.Next(s.now().Add(-s.grace))
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval, "next_daily_at", s.Next())
}

// Stop cancels the scheduler loop and waits for it to exit. Nothing fires
// after Stop returns.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Next returns the next daily instant, or the zero time when the daily
// trigger is disabled.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// SetDaily replaces the daily schedule. The next instant is computed from now
// without grace, so a change never fires retroactively. nil disables the daily
// trigger.
func (s *Scheduler) SetDaily(daily cronlib.Schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.daily = daily
	s.next = time.Time{}
	if daily != nil {
		s.next = daily.Next(s.now())
	}
	s.logger.Info("scheduler: daily schedule updated", "next_daily_at", s.next)
}

// due reports whether the daily instant has passed at now and, if so, advances
// it. late is how far past the instant now is.
func (s *Scheduler) due(now time.Time) (at time.Time, late time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.daily == nil || now.Before(s.next) {
		return time.Time{}, 0, false
	}
	at = s.next
	s.next = s.daily.Next(now)
	return at, now.Sub(at), true
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
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

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	now := s.now()

	if due, late, ok := s.due(now); ok {
		if late <= s.grace {
			s.logger.Info("scheduler: daily trigger fired", "due_at", due, "late", late)
			s.dispatcher.RunScheduled(ctx, now)
		} else {
			s.logger.Warn("scheduler: daily trigger missed, skipping",
				"due_at", due,
				"late", late,
				"grace", s.grace,
				"next_daily_at", s.Next(),
			)
		}
	}

	if ctx.Err() != nil {
		return
	}
	s.dispatcher.Tick(ctx, now)
}

// ParseDaily turns an "HH:MM" wall-clock time into a daily schedule in loc.
// A nil loc means local time.
func ParseDaily(hhmm string, loc *time.Location) (cronlib.Schedule, error) {
	expr, err := DailyExpr(hhmm)
	if err != nil {
		return nil, err
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse daily schedule %q: %w", expr, err)
	}
	if spec, ok := sched.(*cronlib.SpecSchedule); ok && loc != nil {
		spec.Location = loc
	}
	return sched, nil
}

// DailyExpr converts "HH:MM" into the equivalent 5-field cron expression.
func DailyExpr(hhmm string) (string, error) {
	hs, ms, ok := strings.Cut(strings.TrimSpace(hhmm), ":")
	if !ok {
		return "", fmt.Errorf("daily time %q: want HH:MM", hhmm)
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h < 0 || h > 23 || len(hs) > 2 {
		return "", fmt.Errorf("daily time %q: hour out of range", hhmm)
	}
	m, err := strconv.Atoi(ms)
	if err != nil || m < 0 || m > 59 || len(ms) != 2 {
		return "", fmt.Errorf("daily time %q: minute out of range", hhmm)
	}
	return fmt.Sprintf("%d %d * * *", m, h), nil
}
