// Package adcp is a thin acoustic Doppler current profiler driver: read
// Desc.Samples velocity-bin lines and append each as a DataRecord (§1:
// secondary drivers need no bespoke protocol).
package adcp

import (
	"context"
	"strings"
	"time"

	"github.com/sealane/buoyctl/internal/buoyerr"
	"github.com/sealane/buoyctl/internal/device"
	"github.com/sealane/buoyctl/internal/serialbus"
	"github.com/sealane/buoyctl/devices/common"
)

const moduleName = "adcp"

func init() {
	device.Register(moduleName, New)
}

// Driver implements device.Device for an ADCP on its own UART.
type Driver struct {
	common.SerialInstrument
}

// New constructs an adcp Driver with an exclusive bus.
func New(d device.Descriptor, deps device.Deps) (device.Device, error) {
	return &Driver{SerialInstrument: common.NewSerialInstrument(d, deps, nil)}, nil
}

// Startup is a no-op.
func (a *Driver) Startup(ctx context.Context) error { return nil }

// Run reads Desc.Samples profile lines, logging each bin as its own
// DataRecord so a profile survives partial transmission loss.
func (a *Driver) Run(ctx context.Context, tasks []string) {
	err := a.Session(ctx, func(ctx context.Context, ch serialbus.Channel) error {
		n := a.Desc.Samples
		if n <= 0 {
			n = 1
		}
		now := time.Now()
		for i := 0; i < n; i++ {
			line, err := readLine(ch, a.Desc.Timeout)
			if err != nil {
				return err
			}
			record := common.FormatRecord(a.Desc.Label, now, strings.TrimSpace(line))
			a.LogData(ctx, record)
		}
		return nil
	})
	if err != nil {
		a.Deps.Logger.Warn(moduleName, "run failed", "error", err.Error())
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
			return "", buoyerr.New(buoyerr.KindComm, "adcp.readLine", err)
		}
	}
}
