// Package sysmon is a thin system-health driver: read one diagnostic
// line (battery voltage, enclosure temperature) off its own UART and
// append a DataRecord (§1: secondary drivers need no bespoke protocol).
package sysmon

import (
	"context"
	"strings"
	"time"

	"github.com/sealane/buoyctl/internal/buoyerr"
	"github.com/sealane/buoyctl/internal/device"
	"github.com/sealane/buoyctl/internal/serialbus"
	"github.com/sealane/buoyctl/devices/common"
)

const moduleName = "sysmon"

func init() {
	device.Register(moduleName, New)
}

// Driver implements device.Device for the onboard health monitor.
type Driver struct {
	common.SerialInstrument
}

// New constructs a sysmon Driver with an exclusive bus.
func New(d device.Descriptor, deps device.Deps) (device.Device, error) {
	return &Driver{SerialInstrument: common.NewSerialInstrument(d, deps, nil)}, nil
}

// Startup is a no-op.
func (s *Driver) Startup(ctx context.Context) error { return nil }

// Run reads one health line and logs it.
func (s *Driver) Run(ctx context.Context, tasks []string) {
	err := s.Session(ctx, func(ctx context.Context, ch serialbus.Channel) error {
		line, err := readLine(ch, s.Desc.Timeout)
		if err != nil {
			return err
		}
		record := common.FormatRecord(s.Desc.Label, time.Now(), strings.TrimSpace(line))
		s.LogData(ctx, record)
		return nil
	})
	if err != nil {
		s.Deps.Logger.Warn(moduleName, "run failed", "error", err.Error())
	}
}

func readLine(ch serialbus.Channel, timeout time.Duration) (string, error) {
	_ = ch.SetReadTimeout(timeout)
	var sb strings.Builder
	buf := make([]byte, 1)
	for {
		n, err := ch.Read(buf)
		if n == 1 {
			sb.WriteByte(buf[0])
			if buf[0] == '\n' {
				return sb.String(), nil
			}
		}
		if err != nil {
			if sb.Len() > 0 {
				return sb.String(), nil
			}
			return "", buoyerr.New(buoyerr.KindComm, "sysmon.readLine", err)
		}
	}
}
