// Package gnss implements the time-sync producer of §4.8: parse NMEA RMC
// sentences, verify the checksum by hand (the parser is trusted for
// field extraction only), set the RTC and time_synced event on first
// fix, and alert on geofence displacement for subsequent fixes.
package gnss

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	nmea "github.com/adrianmo/go-nmea"

	"github.com/sealane/buoyctl/internal/arbitrator"
	"github.com/sealane/buoyctl/internal/buoyerr"
	"github.com/sealane/buoyctl/internal/clock"
	"github.com/sealane/buoyctl/internal/device"
	"github.com/sealane/buoyctl/internal/serialbus"
	"github.com/sealane/buoyctl/internal/supervisor"
	"github.com/sealane/buoyctl/devices/common"
)

const moduleName = "gnss"

// earthRadiusNM is R = 6373.0 km / 1.852 km-per-nm (§4.8).
const earthRadiusNM = 6373.0 / 1.852

func init() {
	device.Register(moduleName, New)
}

// Fix is the last recorded position, used to compute displacement on the
// next valid sentence.
type Fix struct {
	Lat, Lon float64
	At       time.Time
}

// Driver implements device.Device for the GNSS receiver.
type Driver struct {
	common.SerialInstrument

	clock     *clock.Clock
	arb       *arbitrator.Arbitrator
	mailbox   *supervisor.AlertMailbox
	hostname  string
	threshold float64

	lastFix *Fix
}

// New constructs a GNSS Driver. deps.Arb.Bus2Sema guards the UART this
// device shares with the weather station (§4.2).
func New(d device.Descriptor, deps device.Deps) (device.Device, error) {
	threshold := deps.GeofenceRadius
	if threshold == 0 {
		threshold = 0.054
	}
	return &Driver{
		SerialInstrument: common.NewSerialInstrument(d, deps, deps.Arb.Bus2Sema),
		clock:            clock.New(clock.NoopRTC{}, deps.RTCCalibration, deps.Logger.Diag()),
		arb:              deps.Arb,
		threshold:        threshold,
	}, nil
}

// BindSupervisor wires the shared alert mailbox and hostname after
// construction, since the registry's Constructor signature carries only
// device.Deps.
func (g *Driver) BindSupervisor(mailbox *supervisor.AlertMailbox, hostname string) {
	g.mailbox = mailbox
	g.hostname = hostname
}

// Startup is a no-op for GNSS: there is no handshake beyond reading
// sentences, which Run does on every activation.
func (g *Driver) Startup(ctx context.Context) error {
	return nil
}

// Run powers the receiver, reads one RMC sentence, validates it, and on
// success updates time sync / geofence state (§4.8).
func (g *Driver) Run(ctx context.Context, tasks []string) {
	err := g.Session(ctx, func(ctx context.Context, ch serialbus.Channel) error {
		line, err := readLine(ch, g.Desc.Timeout)
		if err != nil {
			return err
		}
		return g.handleSentence(ctx, line, taskSet(tasks))
	})
	if err != nil {
		g.Deps.Logger.Warn(moduleName, "run failed", "error", err.Error())
	}
}

func taskSet(tasks []string) map[string]bool {
	m := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		m[t] = true
	}
	return m
}

func (g *Driver) handleSentence(ctx context.Context, line string, tasks map[string]bool) error {
	if !strings.HasPrefix(line, "$") || !strings.Contains(line, "*") {
		return buoyerr.New(buoyerr.KindChecksum, "gnss.handleSentence", fmt.Errorf("malformed sentence"))
	}
	if !verifyXORChecksum(line) {
		return buoyerr.New(buoyerr.KindChecksum, "gnss.handleSentence", fmt.Errorf("bad checksum"))
	}

	s, err := nmea.Parse(strings.TrimRight(line, "\r\n"))
	if err != nil {
		return buoyerr.New(buoyerr.KindComm, "gnss.handleSentence", err)
	}
	rmc, ok := s.(nmea.RMC)
	if !ok || rmc.Validity != "A" {
		return nil
	}

	lat := rmc.Latitude
	lon := rmc.Longitude
	fixTime := combineDateTime(rmc.Date, rmc.Time)

	first := !g.arb.TimeSynced.IsSet()
	if first {
		if err := g.clock.SyncFrom(fixTime); err != nil {
			g.Deps.Logger.Warn(moduleName, "rtc sync failed", "error", err.Error())
		}
		g.arb.TimeSynced.Set()
		g.lastFix = &Fix{Lat: lat, Lon: lon, At: fixTime}
		return nil
	}

	if tasks["log"] {
		g.LogData(ctx, common.FormatRecord(g.Desc.Label, fixTime, line))
	}

	if g.lastFix != nil && rmc.Speed > 0 {
		dist := haversineNM(g.lastFix.Lat, g.lastFix.Lon, lat, lon)
		if dist > g.threshold {
			g.publishAlert(dist, lat, lon)
		}
	}
	g.lastFix = &Fix{Lat: lat, Lon: lon, At: fixTime}
	return nil
}

func (g *Driver) publishAlert(distNM, lat, lon float64) {
	if g.mailbox == nil {
		return
	}
	msg := fmt.Sprintf("%s: geofence %.2fnm %.4f,%.4f", g.hostname, distNM, lat, lon)
	g.mailbox.Set(msg)
}

// verifyXORChecksum XORs every byte strictly between '$' and '*' and
// compares it to the two hex digits following '*' (§4.8).
func verifyXORChecksum(line string) bool {
	start := strings.IndexByte(line, '$')
	star := strings.IndexByte(line, '*')
	if start < 0 || star < 0 || star < start || star+3 > len(line) {
		return false
	}
	var sum byte
	for i := start + 1; i < star; i++ {
		sum ^= line[i]
	}
	var want byte
	if _, err := fmt.Sscanf(line[star+1:star+3], "%02X", &want); err != nil {
		return false
	}
	return sum == want
}

// haversineNM computes great-circle distance in nautical miles.
func haversineNM(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusNM * c
}

func combineDateTime(d nmea.Date, t nmea.Time) time.Time {
	// Two-digit years 70-99 are 19xx, 00-69 are 20xx.
	year := d.YY
	if year < 70 {
		year += 2000
	} else if year < 100 {
		year += 1900
	}
	return time.Date(year, time.Month(d.MM), d.DD, t.Hour, t.Minute, t.Second, 0, time.UTC)
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
			return "", buoyerr.New(buoyerr.KindComm, "gnss.readLine", err)
		}
	}
}
