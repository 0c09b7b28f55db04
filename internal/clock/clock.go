// Package clock provides wall-clock time and its local broken-down form
// (§3 Instant), plus the sink the GNSS driver uses to publish a time sync
// back to the platform RTC.
package clock

import (
	"log/slog"
	"time"
)

// Breakdown is the local broken-down form of an Instant.
type Breakdown struct {
	Year, Month, Day    int
	Hour, Minute, Second int
	Weekday             int // 0=Monday .. 6=Sunday, matching CronSpec's weekday domain
}

// Break derives a Breakdown from a wall-clock Instant.
func Break(t time.Time) Breakdown {
	t = t.UTC()
	return Breakdown{
		Year:    t.Year(),
		Month:   int(t.Month()),
		Day:     t.Day(),
		Hour:    t.Hour(),
		Minute:  t.Minute(),
		Second:  t.Second(),
		Weekday: MondayFirst(t.Weekday()),
	}
}

// MondayFirst converts Go's Sunday=0 weekday numbering to the Monday=0
// numbering the scheduler's CronSpec uses.
func MondayFirst(w time.Weekday) int {
	return (int(w) + 6) % 7
}

// RTCSink is the platform RTC write path. It is a no-op on hosts without a
// real RTC, but still exercised so the calibration/sync path is testable.
type RTCSink interface {
	SetRTC(t time.Time) error
}

// NoopRTC is the RTCSink used when no platform RTC is present.
type NoopRTC struct{}

func (NoopRTC) SetRTC(time.Time) error { return nil }

// Clock is the process-wide time source. Now() always returns UTC, matching
// the Instant's wall-clock-with-second-precision definition.
type Clock struct {
	sink       RTCSink
	logger     *slog.Logger
	calibration float64
}

// New builds a Clock. calibration is the RTC_CALIBRATION trim value; it is
// stored and reported in the log line of every SyncFrom, not applied to the
// RTC.
func New(sink RTCSink, calibration float64, logger *slog.Logger) *Clock {
	if sink == nil {
		sink = NoopRTC{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	return &Clock{sink: sink, calibration: calibration, logger: logger}
}

// Now returns the current Instant, truncated to second precision.
func (c *Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// SyncFrom writes t to the platform RTC. This is the sink a GNSS fix calls
// on first lock (§4.8, §8 scenario 1).
func (c *Clock) SyncFrom(t time.Time) error {
	c.logger.Info("clock: rtc sync", "instant", t.UTC().Format(time.RFC3339), "calibration", c.calibration)
	return c.sink.SetRTC(t)
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
