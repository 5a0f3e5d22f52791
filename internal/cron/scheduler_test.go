package cron_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/basket/chatdigest/internal/cron"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type recorder struct {
	mu        sync.Mutex
	scheduled []time.Time
	ticks     int
}

func (r *recorder) RunScheduled(_ context.Context, now time.Time) {
	r.mu.Lock()
	r.scheduled = append(r.scheduled, now)
	r.mu.Unlock()
}

func (r *recorder) Tick(context.Context, time.Time) {
	r.mu.Lock()
	r.ticks++
	r.mu.Unlock()
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.scheduled), r.ticks
}

func newTestScheduler(t *testing.T, clock *fakeClock, rec *recorder, hhmm string) *cron.Scheduler {
	t.Helper()
	cfg := cron.Config{
		Dispatcher: rec,
		Logger:     slog.Default(),
		Interval:   10 * time.Millisecond,
		Grace:      2 * time.Minute,
		Now:        clock.Now,
	}
	if hhmm != "" {
		daily, err := cron.ParseDaily(hhmm, time.UTC)
		if err != nil {
			t.Fatalf("parse daily: %v", err)
		}
		cfg.Daily = daily
	}
	return cron.NewScheduler(cfg)
}

func day(h, m, s int) time.Time {
	return time.Date(2026, 3, 1, h, m, s, 0, time.UTC)
}

func TestScheduler_FiresOnTime(t *testing.T) {
	clock := &fakeClock{now: day(19, 59, 50)}
	rec := &recorder{}
	sched := newTestScheduler(t, clock, rec, "20:00")
	sched.Start(context.Background())
	defer sched.Stop()

	waitFor(t, time.Second, func() bool { _, ticks := rec.counts(); return ticks >= 3 })
	if n, _ := rec.counts(); n != 0 {
		t.Fatalf("fired before the daily instant: %d", n)
	}

	clock.Set(day(20, 0, 20))
	waitFor(t, time.Second, func() bool { n, _ := rec.counts(); return n == 1 })

	// Further ticks on the same instant must not fire again.
	_, before := rec.counts()
	waitFor(t, time.Second, func() bool { _, ticks := rec.counts(); return ticks >= before+5 })
	if n, _ := rec.counts(); n != 1 {
		t.Fatalf("daily trigger fired %d times, want 1", n)
	}
	if want := time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC); !sched.Next().Equal(want) {
		t.Fatalf("next = %v, want %v", sched.Next(), want)
	}
}

func TestScheduler_MissedBeyondGraceSkipped(t *testing.T) {
	clock := &fakeClock{now: day(19, 59, 0)}
	rec := &recorder{}
	sched := newTestScheduler(t, clock, rec, "20:00")
	sched.Start(context.Background())
	defer sched.Stop()

	waitFor(t, time.Second, func() bool { _, ticks := rec.counts(); return ticks >= 1 })
	clock.Set(day(20, 5, 0))
	waitFor(t, time.Second, func() bool {
		return sched.Next().Equal(time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC))
	})
	if n, _ := rec.counts(); n != 0 {
		t.Fatalf("fired %d times after missing the grace window", n)
	}
}

func TestScheduler_RestartWithinGraceFires(t *testing.T) {
	clock := &fakeClock{now: day(20, 1, 0)}
	rec := &recorder{}
	sched := newTestScheduler(t, clock, rec, "20:00")
	sched.Start(context.Background())
	defer sched.Stop()

	waitFor(t, time.Second, func() bool { n, _ := rec.counts(); return n == 1 })
}

func TestScheduler_DailyDisabledStillTicks(t *testing.T) {
	clock := &fakeClock{now: day(20, 0, 0)}
	rec := &recorder{}
	sched := newTestScheduler(t, clock, rec, "")
	sched.Start(context.Background())
	defer sched.Stop()

	waitFor(t, time.Second, func() bool { _, ticks := rec.counts(); return ticks >= 3 })
	if n, _ := rec.counts(); n != 0 {
		t.Fatalf("daily trigger fired while disabled: %d", n)
	}
	if !sched.Next().IsZero() {
		t.Fatalf("next = %v, want zero", sched.Next())
	}
}

func TestScheduler_SetDaily(t *testing.T) {
	clock := &fakeClock{now: day(19, 0, 0)}
	rec := &recorder{}
	sched := newTestScheduler(t, clock, rec, "")
	sched.Start(context.Background())
	defer sched.Stop()

	daily, err := cron.ParseDaily("18:30", time.UTC)
	if err != nil {
		t.Fatalf("parse daily: %v", err)
	}
	// 18:30 already passed today and must not fire retroactively.
	sched.SetDaily(daily)
	if want := time.Date(2026, 3, 2, 18, 30, 0, 0, time.UTC); !sched.Next().Equal(want) {
		t.Fatalf("next = %v, want %v", sched.Next(), want)
	}
	_, before := rec.counts()
	waitFor(t, time.Second, func() bool { _, ticks := rec.counts(); return ticks >= before+3 })
	if n, _ := rec.counts(); n != 0 {
		t.Fatalf("fired %d times after SetDaily", n)
	}

	sched.SetDaily(nil)
	if !sched.Next().IsZero() {
		t.Fatalf("next = %v, want zero after disabling", sched.Next())
	}
}

func TestScheduler_NothingFiresAfterStop(t *testing.T) {
	clock := &fakeClock{now: day(19, 0, 0)}
	rec := &recorder{}
	sched := newTestScheduler(t, clock, rec, "20:00")
	sched.Start(context.Background())
	waitFor(t, time.Second, func() bool { _, ticks := rec.counts(); return ticks >= 1 })
	sched.Stop()

	_, ticks := rec.counts()
	clock.Set(day(20, 0, 0))
	time.Sleep(50 * time.Millisecond)
	n, after := rec.counts()
	if n != 0 || after != ticks {
		t.Fatalf("activity after stop: scheduled=%d ticks %d -> %d", n, ticks, after)
	}
}

func TestParseDaily(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
		expr    string
	}{
		{"20:00", false, "0 20 * * *"},
		{"07:05", false, "5 7 * * *"},
		{"7:05", false, "5 7 * * *"},
		{" 23:59 ", false, "59 23 * * *"},
		{"24:00", true, ""},
		{"12:60", true, ""},
		{"12:5", true, ""},
		{"noon", true, ""},
		{"", true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			expr, err := cron.DailyExpr(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DailyExpr(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if expr != tt.expr {
				t.Fatalf("DailyExpr(%q) = %q, want %q", tt.in, expr, tt.expr)
			}
		})
	}
}

func TestParseDaily_Location(t *testing.T) {
	jst := time.FixedZone("JST", 9*3600)
	sched, err := cron.ParseDaily("20:00", jst)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	// 10:00 UTC is 19:00 JST, so the next instant is 11:00 UTC the same day.
	next := sched.Next(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	if want := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}
