// Package arbitrator implements the fixed set of process-wide coordination
// primitives named in §4.2: a fixed-permit semaphore for mutual exclusion
// (covers both plain locks and N-permit semaphores) and a settable event
// for the gate/time-sync signals. Every acquirer releases on every exit
// path, including cancellation — callers are expected to defer Release.
package arbitrator

import (
	"context"
	"log/slog"
)

// ─────────────────────────────────────────────────────────────────────────────
// Semaphore
// ─────────────────────────────────────────────────────────────────────────────

// Semaphore is a named, fixed-capacity mutual-exclusion primitive. A
// 1-permit Semaphore is used as an exclusive lock (file_lock, modem_sema);
// larger capacities model shared buses with more than one concurrent user.
type Semaphore struct {
	name   string
	permit chan struct{}
	logger *slog.Logger
}

// NewSemaphore creates a Semaphore with the given number of permits.
func NewSemaphore(name string, permits int, logger *slog.Logger) *Semaphore {
	if permits <= 0 {
		permits = 1
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	return &Semaphore{name: name, permit: make(chan struct{}, permits), logger: logger}
}

// Acquire blocks until a permit is free or ctx is cancelled.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.permit <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire acquires a permit without blocking.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.permit <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a permit. Releasing an unheld Semaphore does not panic: it
// logs a warning and changes nothing, since it is always a caller bug (a
// resource released on a path that never acquired).
func (s *Semaphore) Release() {
	select {
	case <-s.permit:
	default:
		s.logger.Warn("arbitrator: release without matching acquire", "resource", s.name)
	}
}

// Name returns the resource name, used in diagnostic log lines.
func (s *Semaphore) Name() string { return s.name }

// ─────────────────────────────────────────────────────────────────────────────
// Event
// ─────────────────────────────────────────────────────────────────────────────

// Event is a named boolean signal. Set-once events (time_synced) only ever
// transition false→true; gate events (scheduler_running, modem_disconnected)
// may also be Cleared to re-block waiters.
type Event struct {
	name string
	ch   chan struct{}
}

// NewEvent creates an unset Event.
func NewEvent(name string) *Event {
	return &Event{name: name, ch: make(chan struct{})}
}

// Set marks the event as signalled. Idempotent.
func (e *Event) Set() {
	select {
	case <-e.ch:
		// already set
	default:
		close(e.ch)
	}
}

// Clear re-arms the event so future waiters block again. Only meaningful
// for gate events; calling it on a set-once event defeats its contract and
// should not be done by drivers.
func (e *Event) Clear() {
	select {
	case <-e.ch:
		e.ch = make(chan struct{})
	default:
	}
}

// IsSet reports the current state without blocking.
func (e *Event) IsSet() bool {
	select {
	case <-e.ch:
		return true
	default:
		return false
	}
}

// Wait blocks until the event is set or ctx is cancelled.
func (e *Event) Wait(ctx context.Context) error {
	select {
	case <-e.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done exposes the underlying channel for use in select statements.
func (e *Event) Done() <-chan struct{} { return e.ch }

// ─────────────────────────────────────────────────────────────────────────────
// Arbitrator — the fixed set from §4.2
// ─────────────────────────────────────────────────────────────────────────────

// Arbitrator bundles every named coordination primitive the supervisor
// constructs at boot and passes by reference to every task (§9: no hidden
// statics).
type Arbitrator struct {
	FileLock          *Semaphore // exclusive: DailyFile append, spool sidecar writes
	Bus2Sema          *Semaphore // 1-permit: shared UART used by GNSS and weather station
	ModemSema         *Semaphore // 1-permit: modem data-call vs SMS mutual exclusion
	TimeSynced        *Event     // set-once: first GNSS fix
	SchedulerRunning  *Event     // gate: console pauses, re-enables on exit
	ModemDisconnected *Event     // gate: console polling stops while modem owns the line
}

// New constructs the fixed primitive set, wired to logger for diagnostics.
func New(logger *slog.Logger) *Arbitrator {
	a := &Arbitrator{
		FileLock:          NewSemaphore("file_lock", 1, logger),
		Bus2Sema:          NewSemaphore("bus2_sema", 1, logger),
		ModemSema:         NewSemaphore("modem_sema", 1, logger),
		TimeSynced:        NewEvent("time_synced"),
		SchedulerRunning:  NewEvent("scheduler_running"),
		ModemDisconnected: NewEvent("modem_disconnected"),
	}
	// scheduler_running starts set: the scheduler runs by default and only
	// the (out-of-scope) console menu clears it while interactive.
	a.SchedulerRunning.Set()
	return a
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
