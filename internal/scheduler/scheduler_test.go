package scheduler

import (
	"testing"
	"time"
)

func utc(y int, mo time.Month, d, h, mi, s int) time.Time {
	return time.Date(y, mo, d, h, mi, s, 0, time.UTC)
}

func TestCronSpecEverySecond(t *testing.T) {
	c := NewCronSpec(nil, nil, nil, nil, nil, nil, 0)
	after := utc(2026, time.July, 31, 12, 0, 0)
	got := c.Next(after)
	want := utc(2026, time.July, 31, 12, 0, 1)
	if !got.Equal(want) {
		t.Fatalf("Next(%v) = %v, want %v", after, got, want)
	}
}

func TestCronSpecOncePerDay(t *testing.T) {
	// Hour/minute/second pinned, weekday/month/monthday unconstrained:
	// fires at 06:00:00 every day regardless of calendar date.
	c := NewCronSpec(nil, nil, nil, ConstraintSet{6}, ConstraintSet{0}, ConstraintSet{0}, 0)

	after := utc(2026, time.July, 31, 12, 0, 0)
	got := c.Next(after)
	want := utc(2026, time.August, 1, 6, 0, 0)
	if !got.Equal(want) {
		t.Fatalf("Next(%v) = %v, want %v", after, got, want)
	}

	// Before the fire time same day: lands on 06:00:00 that day.
	after2 := utc(2026, time.August, 1, 0, 0, 0)
	got2 := c.Next(after2)
	want2 := utc(2026, time.August, 1, 6, 0, 0)
	if !got2.Equal(want2) {
		t.Fatalf("Next(%v) = %v, want %v", after2, got2, want2)
	}
}

func TestCronSpecTimesExactlyOnce(t *testing.T) {
	c := NewCronSpec(nil, nil, nil, nil, nil, nil, 1)
	if c.Exhausted() {
		t.Fatal("fresh spec with times=1 must not be exhausted")
	}
	after := utc(2026, time.July, 31, 12, 0, 0)
	if got := c.Next(after); got.IsZero() {
		t.Fatal("Next() must return a real time before consume()")
	}

	c.consume()
	if !c.Exhausted() {
		t.Fatal("spec must be exhausted after one consume() with times=1")
	}
	if got := c.Next(after); !got.IsZero() {
		t.Fatalf("Next() after exhaustion = %v, want zero time", got)
	}
}

func TestCronSpecNeverSatisfiable(t *testing.T) {
	// Feb 30th never exists.
	c := NewCronSpec(nil, ConstraintSet{2}, ConstraintSet{30}, nil, nil, nil, 0)
	after := utc(2026, time.January, 1, 0, 0, 0)
	got := c.Next(after)
	if !got.IsZero() {
		t.Fatalf("Next() for an impossible constraint set = %v, want zero time", got)
	}
}

func TestConstraintSetAllowsNilMeansEverything(t *testing.T) {
	var c ConstraintSet
	for v := 0; v <= 59; v++ {
		if !c.allows(v) {
			t.Fatalf("nil ConstraintSet must allow %d", v)
		}
	}
}

func TestConstraintSetNext(t *testing.T) {
	c := ConstraintSet{5, 15, 45}
	if v, ok := c.next(10, 59); !ok || v != 15 {
		t.Fatalf("next(10) = %d,%v, want 15,true", v, ok)
	}
	if _, ok := c.next(50, 59); ok {
		t.Fatal("next(50) should find nothing in {5,15,45}")
	}
}
