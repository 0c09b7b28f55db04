// Package ctd is a thin conductivity/temperature/depth instrument
// driver: read one comma-separated sample line and append a DataRecord
// (§1: secondary drivers need no bespoke protocol).
package ctd

import (
	"context"
	"strings"
	"time"

	"github.com/sealane/buoyctl/internal/buoyerr"
	"github.com/sealane/buoyctl/internal/device"
	"github.com/sealane/buoyctl/internal/serialbus"
	"github.com/sealane/buoyctl/devices/common"
)

const moduleName = "ctd"

func init() {
	device.Register(moduleName, New)
}

// Driver implements device.Device for a CTD sonde on its own UART.
type Driver struct {
	common.SerialInstrument
}

// New constructs a ctd Driver. CTDs are not documented as sharing a bus
// with any other device, so sema is nil (exclusive bus).
func New(d device.Descriptor, deps device.Deps) (device.Device, error) {
	return &Driver{SerialInstrument: common.NewSerialInstrument(d, deps, nil)}, nil
}

// Startup is a no-op; CTD sondes stream on request with no handshake.
func (c *Driver) Startup(ctx context.Context) error { return nil }

// Run reads one line (conductivity,temperature,depth) and logs it
// verbatim alongside the common record prefix.
func (c *Driver) Run(ctx context.Context, tasks []string) {
	err := c.Session(ctx, func(ctx context.Context, ch serialbus.Channel) error {
		line, err := readLine(ch, c.Desc.Timeout)
		if err != nil {
			return err
		}
		record := common.FormatRecord(c.Desc.Label, time.Now(), strings.TrimSpace(line))
		c.LogData(ctx, record)
		return nil
	})
	if err != nil {
		c.Deps.Logger.Warn(moduleName, "run failed", "error", err.Error())
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
			return "", buoyerr.New(buoyerr.KindComm, "ctd.readLine", err)
		}
	}
}
