// Package meteo is a thin weather-station driver: read Desc.Samples
// "speed,gust" lines off the shared UART, average wind speed/gust over
// the readings that parse, and append a DataRecord (§1: secondary
// drivers are out-of-core and need no bespoke protocol).
package meteo

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/sealane/buoyctl/internal/buoyerr"
	"github.com/sealane/buoyctl/internal/device"
	"github.com/sealane/buoyctl/internal/serialbus"
	"github.com/sealane/buoyctl/devices/common"
)

const moduleName = "meteo"

func init() {
	device.Register(moduleName, New)
}

// Driver implements device.Device for a serial weather station sharing
// the GNSS UART (§4.2 bus2_sema).
type Driver struct {
	common.SerialInstrument
}

// New constructs a meteo Driver guarded by the shared bus semaphore.
func New(d device.Descriptor, deps device.Deps) (device.Device, error) {
	return &Driver{SerialInstrument: common.NewSerialInstrument(d, deps, deps.Arb.Bus2Sema)}, nil
}

// Startup is a no-op; the station requires no handshake beyond reading.
func (m *Driver) Startup(ctx context.Context) error { return nil }

// Run samples the station Desc.Samples times and logs the average.
func (m *Driver) Run(ctx context.Context, tasks []string) {
	err := m.Session(ctx, func(ctx context.Context, ch serialbus.Channel) error {
		n := m.Desc.Samples
		if n <= 0 {
			n = 1
		}
		var speedSum, gustSum float64
		var count int
		for i := 0; i < n; i++ {
			line, err := readLine(ch, m.Desc.Timeout)
			if err != nil {
				return err
			}
			speed, gust, ok := parseSample(line)
			if !ok {
				continue
			}
			speedSum += speed
			gustSum += gust
			count++
		}
		if count == 0 {
			return buoyerr.New(buoyerr.KindComm, "meteo.Run", errNoSamples)
		}
		record := common.FormatRecord(m.Desc.Label, time.Now(),
			strconv.FormatFloat(speedSum/float64(count), 'f', 2, 64),
			strconv.FormatFloat(gustSum/float64(count), 'f', 2, 64))
		m.LogData(ctx, record)
		return nil
	})
	if err != nil {
		m.Deps.Logger.Warn(moduleName, "run failed", "error", err.Error())
	}
}

var errNoSamples = &sampleError{}

type sampleError struct{}

func (*sampleError) Error() string { return "no valid samples parsed" }

// parseSample expects "speed,gust" per line, both in m/s.
func parseSample(line string) (speed, gust float64, ok bool) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) < 2 {
		return 0, 0, false
	}
	s, err1 := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
	g, err2 := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return s, g, true
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
			return "", buoyerr.New(buoyerr.KindComm, "meteo.readLine", err)
		}
	}
}
