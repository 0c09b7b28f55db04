// Package scheduler implements the cascaded-advance cron algorithm of §4.1
// on top of github.com/robfig/cron/v3: CronSpec computes the next matching
// Instant by cascaded advance (second → minute → hour → monthday, with
// weekday filter → month → year), and implements cron.Schedule so the
// library owns the dispatch goroutine and entry bookkeeping while CronSpec
// supplies only Next(). No job wrapper is installed, so a run that outlasts
// the interval to its entry's next fire overlaps with that next run.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sealane/buoyctl/internal/clock"
)

// ConstraintSet is one of the six admission sets named in §4.1: nil means
// unconstrained (matches all values in range), otherwise an ordered finite
// set of admitted integer values.
type ConstraintSet []int

// allows reports whether v is admitted by the set (nil admits everything).
func (c ConstraintSet) allows(v int) bool {
	if c == nil {
		return true
	}
	for _, x := range c {
		if x == v {
			return true
		}
	}
	return false
}

// min returns the smallest admitted value, or fallback when unconstrained.
func (c ConstraintSet) min(fallback int) int {
	if c == nil {
		return fallback
	}
	m := c[0]
	for _, x := range c[1:] {
		if x < m {
			m = x
		}
	}
	return m
}

// next returns the smallest admitted value >= cur, and whether one exists
// within the set without carrying to the next larger unit.
func (c ConstraintSet) next(cur, max int) (int, bool) {
	if c == nil {
		if cur > max {
			return 0, false
		}
		return cur, true
	}
	best, found := 0, false
	for _, x := range c {
		if x >= cur && (!found || x < best) {
			best, found = x, true
		}
	}
	return best, found
}

// maxAdvanceIterations bounds the cascaded-advance search so a constraint
// combination with no solution (e.g. month=February, monthday=30) reports
// "never fires" instead of looping forever.
const maxAdvanceIterations = 4000

// CronSpec is a job trigger: six constraint sets plus a bounded fire
// count (§3). It implements cron.Schedule, so a *CronSpec can be handed
// directly to cron.Cron.Schedule.
type CronSpec struct {
	Weekday  ConstraintSet // 0=Monday .. 6=Sunday
	Month    ConstraintSet // 1-12
	Monthday ConstraintSet // 1-31
	Hour     ConstraintSet // 0-23
	Minute   ConstraintSet // 0-59
	Second   ConstraintSet // 0-59

	times int // remaining fire count; <0 means unbounded
}

// NewCronSpec builds a CronSpec. times<=0 means unbounded.
func NewCronSpec(weekday, month, monthday, hour, minute, second ConstraintSet, times int) *CronSpec {
	if times <= 0 {
		times = -1
	}
	return &CronSpec{
		Weekday: weekday, Month: month, Monthday: monthday,
		Hour: hour, Minute: minute, Second: second,
		times: times,
	}
}

// Exhausted reports whether this spec's fire budget (§3 times) has run out.
func (c *CronSpec) Exhausted() bool {
	return c.times == 0
}

// consume decrements the remaining fire count. Called once per actual
// dispatch, from the Scheduler wrapper — never from Next, since
// cron.Cron calls Next speculatively ahead of firing.
func (c *CronSpec) consume() {
	if c.times > 0 {
		c.times--
	}
}

// Next implements cron.Schedule. It returns the zero time.Time when the
// constraint set has no solution or the fire budget is exhausted — the
// library interprets that entry as never firing again.
func (c *CronSpec) Next(after time.Time) time.Time {
	if c.Exhausted() {
		return time.Time{}
	}

	t := after.UTC().Add(time.Second).Truncate(time.Second)

	for i := 0; i < maxAdvanceIterations; i++ {
		b := clock.Break(t)

		if sec, ok := c.Second.next(b.Second, 59); ok {
			if sec != b.Second {
				t = t.Add(time.Duration(sec-b.Second) * time.Second)
				continue
			}
		} else {
			t = t.Add(time.Duration(60-b.Second) * time.Second)
			continue
		}

		if min, ok := c.Minute.next(b.Minute, 59); ok {
			if min != b.Minute {
				t = resetSmaller(t, fieldMinute, c)
				t = t.Add(time.Duration(min-b.Minute) * time.Minute)
				continue
			}
		} else {
			t = resetSmaller(t, fieldMinute, c)
			t = t.Add(time.Duration(60-b.Minute) * time.Minute)
			continue
		}

		if hr, ok := c.Hour.next(b.Hour, 23); ok {
			if hr != b.Hour {
				t = resetSmaller(t, fieldHour, c)
				t = t.Add(time.Duration(hr-b.Hour) * time.Hour)
				continue
			}
		} else {
			t = resetSmaller(t, fieldDay, c)
			t = t.AddDate(0, 0, 1)
			continue
		}

		if !c.Monthday.allows(b.Day) || !c.Weekday.allows(b.Weekday) || !c.Month.allows(b.Month) {
			t = resetSmaller(t, fieldDay, c)
			t = t.AddDate(0, 0, 1)
			continue
		}

		return t
	}
	return time.Time{}
}

type field int

const (
	fieldMinute field = iota
	fieldHour
	fieldDay
)

// resetSmaller zeroes every field smaller than which to its constraint
// minimum, implementing the "advancing a larger field resets every smaller
// field" rule of §4.1.
func resetSmaller(t time.Time, which field, c *CronSpec) time.Time {
	y, mo, d := t.Date()
	h, mi, s := t.Hour(), t.Minute(), t.Second()
	switch which {
	case fieldMinute:
		s = c.Second.min(0)
	case fieldHour:
		mi = c.Minute.min(0)
		s = c.Second.min(0)
	case fieldDay:
		h = c.Hour.min(0)
		mi = c.Minute.min(0)
		s = c.Second.min(0)
	}
	return time.Date(y, mo, d, h, mi, s, 0, time.UTC)
}

// ─────────────────────────────────────────────────────────────────────────────
// Scheduler
// ─────────────────────────────────────────────────────────────────────────────

// Job is the activation callback the scheduler invokes on a fire; tasks
// carries the role tags configured alongside the CronSpec (§4.1 schedule()
// signature's *args).
type Job func(ctx context.Context, tasks []string)

// Scheduler wraps cron.Cron, translating each registered CronSpec into a
// cron.Schedule/cron.Job pair. The library's dispatch goroutine launches
// jobs without awaiting completion and never lets one job's duration delay
// another spec's next fire (§4.1 Firing semantics).
type Scheduler struct {
	cr     *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// New builds a Scheduler bound to ctx; cancelling ctx stops every
// in-flight job's context but does not block waiting for them (§4.1:
// jobs are launched as independent cooperative tasks).
func New(ctx context.Context, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	runCtx, cancel := context.WithCancel(ctx)
	return &Scheduler{
		cr:     cron.New(cron.WithSeconds()),
		ctx:    runCtx,
		cancel: cancel,
		logger: logger,
	}
}

// Schedule registers spec/job as an independent periodic fire source
// (§4.1 schedule contract). Returns the cron.EntryID for diagnostics.
func (s *Scheduler) Schedule(spec *CronSpec, tasks []string, job Job) cron.EntryID {
	return s.cr.Schedule(spec, cron.FuncJob(func() {
		spec.consume()
		s.logger.Debug("scheduler: fire", "tasks", tasks)
		job(s.ctx, tasks)
	}))
}

// Start begins dispatching. Non-blocking; returns immediately.
func (s *Scheduler) Start() { s.cr.Start() }

// Stop halts dispatch. It does not wait for in-flight jobs launched before
// the call — matching §4.1's "scheduler cannot fail, jobs own their own
// lifetime" contract.
func (s *Scheduler) Stop() {
	s.cr.Stop()
	s.cancel()
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
