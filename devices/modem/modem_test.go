package modem

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sealane/buoyctl/internal/arbitrator"
	"github.com/sealane/buoyctl/internal/buoylog"
	"github.com/sealane/buoyctl/internal/device"
	"github.com/sealane/buoyctl/internal/gpio"
	"github.com/sealane/buoyctl/internal/serialbus"
)

// scriptedChannel replays a fixed sequence of responses, one per atExpect
// call, and records every Write so callers can assert on the exact AT
// command strings sent.
type scriptedChannel struct {
	writes    []string
	responses [][]byte
	idx       int
	cur       []byte
}

func newScriptedChannel(responses ...string) *scriptedChannel {
	c := &scriptedChannel{}
	for _, r := range responses {
		c.responses = append(c.responses, []byte(r))
	}
	return c
}

func (c *scriptedChannel) Write(p []byte) (int, error) {
	c.writes = append(c.writes, string(p))
	return len(p), nil
}

func (c *scriptedChannel) SetReadTimeout(time.Duration) error { return nil }
func (c *scriptedChannel) Close() error                       { return nil }

func (c *scriptedChannel) Read(p []byte) (int, error) {
	if len(c.cur) == 0 {
		if c.idx >= len(c.responses) {
			return 0, io.EOF
		}
		c.cur = c.responses[c.idx]
		c.idx++
	}
	p[0] = c.cur[0]
	c.cur = c.cur[1:]
	return 1, nil
}

// errorChannel never yields a byte: every Read fails immediately, as if no
// modem answered.
type errorChannel struct{}

func (errorChannel) Write(p []byte) (int, error)      { return len(p), nil }
func (errorChannel) SetReadTimeout(time.Duration) error { return nil }
func (errorChannel) Close() error                     { return nil }
func (errorChannel) Read(p []byte) (int, error)        { return 0, errors.New("no carrier") }

// scriptedOpener hands out a single pre-built channel and counts how many
// times it was opened, so retry tests can assert the attempt count.
type scriptedOpener struct {
	ch    serialbus.Channel
	opens int
}

func (o *scriptedOpener) Open(busID string, baud int, framing serialbus.Framing) (serialbus.Channel, error) {
	o.opens++
	return o.ch, nil
}

func newTestDriver(t *testing.T, opener serialbus.Opener) *Driver {
	t.Helper()
	arb := arbitrator.New(nil)
	lock := arbitrator.NewSemaphore("file_lock", 1, nil)
	logger := buoylog.New(nil, t.TempDir(), lock)

	d, err := New(device.Descriptor{
		Name:     moduleName,
		PowerPin: "GPIO1",
		BusID:    "modembus",
		Timeout:  50 * time.Millisecond,
	}, device.Deps{
		Arb:    arb,
		Bus:    opener,
		Power:  gpio.NewNoopProvider(),
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d.(*Driver)
}

func TestRunSMSAddressesConfiguredRecipientNotHostname(t *testing.T) {
	ch := newScriptedChannel("OK", ">", "OK")
	drv := newTestDriver(t, &scriptedOpener{ch: ch})
	drv.hostname = "buoy1"
	drv.smsRecipient = "+19995551234"

	if err := drv.runSMS(context.Background(), "geofence alert"); err != nil {
		t.Fatalf("runSMS: %v", err)
	}

	if len(ch.writes) < 2 {
		t.Fatalf("expected at least 2 writes, got %d: %v", len(ch.writes), ch.writes)
	}
	cmgs := ch.writes[1]
	want := `AT+CMGS="+19995551234"` + "\r"
	if cmgs != want {
		t.Fatalf("AT+CMGS command = %q, want %q", cmgs, want)
	}
	for _, w := range ch.writes {
		if w == `AT+CMGS="buoy1"`+"\r" {
			t.Fatal("runSMS must not address the SMS to the buoy's own hostname")
		}
	}
}

func TestRunDataCallRetriesCallAttemptsTimesThenGivesUp(t *testing.T) {
	opener := &scriptedOpener{ch: errorChannel{}}
	drv := newTestDriver(t, opener)
	drv.callAttempts = 3
	drv.atDelay = time.Millisecond
	drv.keepAlive = time.Millisecond
	drv.dialNumber = "5551234"
	drv.hostname = "buoy1"

	err := drv.runDataCall(context.Background())
	if err == nil {
		t.Fatal("runDataCall must return the last dial error once attempts are exhausted")
	}
	if opener.opens != drv.callAttempts {
		t.Fatalf("bus opened %d times, want %d (one per call attempt)", opener.opens, drv.callAttempts)
	}
}

func TestRunDataCallSucceedsWithoutExhaustingRetries(t *testing.T) {
	// A channel that answers every AT command, then the YMODEM open
	// negotiation ('C') and terminator ACK (the spool has no files, so the
	// sender goes straight from open to the end-of-batch terminator), then
	// the hangup's OK.
	ch := newScriptedChannel("OK", "CONNECT", "ACK", "\x43", "\x06", "OK")
	opener := &scriptedOpener{ch: ch}
	drv := newTestDriver(t, opener)
	drv.callAttempts = 3
	drv.atDelay = time.Millisecond
	drv.keepAlive = time.Millisecond
	drv.dialNumber = "5551234"
	drv.hostname = "buoy1"
	drv.dataDir = t.TempDir()
	drv.sysLog = t.TempDir() + "/syslog-missing"

	if err := drv.runDataCall(context.Background()); err != nil {
		t.Fatalf("runDataCall: %v", err)
	}
	if opener.opens != 1 {
		t.Fatalf("bus opened %d times, want 1 (no retry needed)", opener.opens)
	}
}
