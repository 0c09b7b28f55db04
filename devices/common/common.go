// Package common provides SerialInstrument, the shared base every serial
// device driver embeds: power-on/open/warmup/read/power-off sequencing
// around the device.Device lifecycle (§4.3), so each concrete driver only
// supplies its own handshake and record formatting.
package common

import (
	"context"
	"fmt"
	"time"

	"github.com/sealane/buoyctl/internal/arbitrator"
	"github.com/sealane/buoyctl/internal/device"
	"github.com/sealane/buoyctl/internal/gpio"
	"github.com/sealane/buoyctl/internal/serialbus"
)

// SerialInstrument implements the power/bus/warmup choreography common to
// every simple polled instrument (§4.3 run(): "acquires needed
// semaphores/locks, powers on, waits warmup, reads, formats, appends via
// logger, powers off").
type SerialInstrument struct {
	Desc   device.Descriptor
	Deps   device.Deps
	Sema   *arbitrator.Semaphore // bus-sharing semaphore, nil if exclusive
}

// NewSerialInstrument builds the shared base. sema is the arbitrator
// semaphore guarding the instrument's bus, or nil when the bus is not
// shared with another device.
func NewSerialInstrument(d device.Descriptor, deps device.Deps, sema *arbitrator.Semaphore) SerialInstrument {
	return SerialInstrument{Desc: d, Deps: deps, Sema: sema}
}

// Name implements device.Device.
func (s *SerialInstrument) Name() string { return s.Desc.Name }

// Session opens the power pin and bus for the duration of fn, then
// guarantees power-off and bus release on every exit path (§4.3).
func (s *SerialInstrument) Session(ctx context.Context, fn func(ctx context.Context, ch serialbus.Channel) error) error {
	if s.Sema != nil {
		if err := s.Sema.Acquire(ctx); err != nil {
			return err
		}
		defer s.Sema.Release()
	}

	pin, err := s.Deps.Power.Pin(s.Desc.PowerPin)
	if err != nil {
		return err
	}
	if err := pin.On(); err != nil {
		return err
	}
	defer func() {
		if err := pin.Off(); err != nil {
			s.Deps.Logger.Warn(s.Desc.Name, "power-off failed", "error", err.Error())
		}
	}()

	framing, err := serialbus.ParseFraming(s.Desc.Framing)
	if err != nil {
		return err
	}
	ch, err := s.Deps.Bus.Open(s.Desc.BusID, s.Desc.Baud, framing)
	if err != nil {
		return err
	}
	defer ch.Close()

	if s.Desc.Warmup > 0 {
		select {
		case <-time.After(s.Desc.Warmup):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fn(ctx, ch)
}

// FormatRecord composes the common DataRecord prefix (§3): label,
// seconds-since-epoch, ISO-8601 timestamp, followed by fields.
func FormatRecord(label string, t time.Time, fields ...string) string {
	parts := make([]string, 0, 3+len(fields))
	parts = append(parts,
		label,
		fmt.Sprintf("%d", t.Unix()),
		t.UTC().Format(time.RFC3339),
	)
	parts = append(parts, fields...)
	out := parts[0]
	for _, p := range parts[1:] {
		out += "," + p
	}
	return out
}

// LogData appends a formatted record through the shared Logger.
func (s *SerialInstrument) LogData(ctx context.Context, record string) {
	if err := s.Deps.Logger.LogData(ctx, record); err != nil {
		s.Deps.Logger.Warn(s.Desc.Name, "log_data failed", "error", err.Error())
	}
}
