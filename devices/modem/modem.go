// Package modem implements the representative non-trivial device of
// §4.7: an AT-command dialog that prepares the radio, places a data call,
// hands its byte channel to the YMODEM sender, and a parallel SMS path
// for short alert messages. It composes a YMODEM engine rather than
// inheriting from it (§9: "modem = device + ymodem... replace with
// composition").
package modem

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sealane/buoyctl/internal/arbitrator"
	"github.com/sealane/buoyctl/internal/buoyerr"
	"github.com/sealane/buoyctl/internal/device"
	"github.com/sealane/buoyctl/internal/serialbus"
	"github.com/sealane/buoyctl/internal/spool"
	"github.com/sealane/buoyctl/internal/supervisor"
	"github.com/sealane/buoyctl/internal/ymodem"
	"github.com/sealane/buoyctl/devices/common"
)

const moduleName = "modem"

const (
	callAttempts = 3
	atDelay      = 5 * time.Second
	keepAlive    = 20 * time.Second
)

func init() {
	device.Register(moduleName, New)
}

// Driver implements device.Device for the cellular modem.
type Driver struct {
	common.SerialInstrument

	arb          *arbitrator.Arbitrator
	mailbox      *supervisor.AlertMailbox
	hostname     string
	dialNumber   string
	smsRecipient string
	dataDir      string
	sysLog       string
	bufDays      int

	// callAttempts/atDelay/keepAlive mirror the package constants of the
	// same name; tests shrink them to avoid real waits.
	callAttempts int
	atDelay      time.Duration
	keepAlive    time.Duration
}

// New constructs a modem Driver. deps.Arb.ModemSema serializes data-call
// and SMS use of the radio (§4.2).
func New(d device.Descriptor, deps device.Deps) (device.Device, error) {
	return &Driver{
		SerialInstrument: common.NewSerialInstrument(d, deps, deps.Arb.ModemSema),
		arb:              deps.Arb,
		callAttempts:     callAttempts,
		atDelay:          atDelay,
		keepAlive:        keepAlive,
	}, nil
}

// BindSupervisor wires the shared alert mailbox and hostname after
// construction; spool paths are bound by BindSpool.
func (m *Driver) BindSupervisor(mailbox *supervisor.AlertMailbox, hostname string) {
	m.mailbox = mailbox
	m.hostname = hostname
}

// BindSpool records the data/syslog paths and retention window the
// driver's spool.Iterator will walk when it places a data call.
func (m *Driver) BindSpool(dataDir, sysLog string, bufDays int) {
	m.dataDir = dataDir
	m.sysLog = sysLog
	m.bufDays = bufDays
}

// BindDialNumber records the dial string used for ATDT.
func (m *Driver) BindDialNumber(number string) {
	m.dialNumber = number
}

// BindSMSRecipient records the destination number for AT+CMGS, distinct
// from the buoy's own hostname used in the data-call handshake.
func (m *Driver) BindSMSRecipient(number string) {
	m.smsRecipient = number
}

// Startup is a no-op: the radio is only powered for an actual call.
func (m *Driver) Startup(ctx context.Context) error { return nil }

// Run dispatches on the fired task tag: "datacall" places a data call and
// uploads the spool; "sms" drains the alert mailbox over AT+CMGS.
func (m *Driver) Run(ctx context.Context, tasks []string) {
	for _, t := range tasks {
		switch t {
		case "datacall":
			if err := m.runDataCall(ctx); err != nil {
				m.Deps.Logger.Warn(moduleName, "data call failed", "error", err.Error())
			}
		case "sms":
			if msg, ok := m.mailbox.TakeIfSet(); ok {
				if err := m.runSMS(ctx, msg); err != nil {
					m.Deps.Logger.Warn(moduleName, "sms failed", "error", err.Error())
				}
			}
		}
	}
}

func (m *Driver) runDataCall(ctx context.Context) error {
	attempts, delay, keep := m.callAttempts, m.atDelay, m.keepAlive
	if attempts == 0 {
		attempts = callAttempts
		delay = atDelay
		keep = keepAlive
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := m.Session(ctx, func(ctx context.Context, ch serialbus.Channel) error {
			if err := m.dial(ctx, ch); err != nil {
				return err
			}
			if err := m.handshakeHostname(ctx, ch); err != nil {
				return err
			}

			it := spool.NewIterator(m.dataDir, m.sysLog, m.bufDays, m.arb.FileLock)
			src := &spoolSource{ctx: ctx, it: it}
			sender := ymodem.NewSender(&channelAdapter{ch: ch}, ymodem.Ymodem1k, m.Deps.Logger.Diag())
			if err := sender.Send(ctx, src, src.checkpoint); err != nil {
				return err
			}

			select {
			case <-time.After(keep):
			case <-ctx.Done():
				return ctx.Err()
			}
			return m.hangup(ctx, ch)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		m.Deps.Logger.Warn(moduleName, "call attempt failed", "attempt", attempt+1, "error", err.Error())
		if attempt == attempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func (m *Driver) runSMS(ctx context.Context, text string) error {
	return m.Session(ctx, func(ctx context.Context, ch serialbus.Channel) error {
		if err := atCommand(ctx, ch, "AT+CMGF=1", "OK", m.Desc.Timeout); err != nil {
			return err
		}
		if err := atSend(ctx, ch, fmt.Sprintf("AT+CMGS=\"%s\"", m.smsRecipient)); err != nil {
			return err
		}
		if err := atExpect(ctx, ch, ">", m.Desc.Timeout); err != nil {
			return err
		}
		if err := atSend(ctx, ch, text+"\x1a"); err != nil {
			return err
		}
		return atExpect(ctx, ch, "OK", m.Desc.Timeout)
	})
}

func (m *Driver) dial(ctx context.Context, ch serialbus.Channel) error {
	if err := atCommand(ctx, ch, "ATZ", "OK", m.Desc.Timeout); err != nil {
		return err
	}
	if err := atSend(ctx, ch, "ATDT"+m.dialNumber); err != nil {
		return err
	}
	return atExpect(ctx, ch, "CONNECT", m.Desc.Timeout)
}

func (m *Driver) handshakeHostname(ctx context.Context, ch serialbus.Channel) error {
	if _, err := ch.Write([]byte(strings.ToLower(m.hostname) + "\r")); err != nil {
		return buoyerr.New(buoyerr.KindComm, "modem.handshakeHostname", err)
	}
	return atExpect(ctx, ch, "ACK", m.Desc.Timeout)
}

func (m *Driver) hangup(ctx context.Context, ch serialbus.Channel) error {
	return atCommand(ctx, ch, "ATH", "OK", m.Desc.Timeout)
}

func atCommand(ctx context.Context, ch serialbus.Channel, cmd, expect string, timeout time.Duration) error {
	if err := atSend(ctx, ch, cmd); err != nil {
		return err
	}
	return atExpect(ctx, ch, expect, timeout)
}

func atSend(ctx context.Context, ch serialbus.Channel, line string) error {
	if _, err := ch.Write([]byte(line + "\r")); err != nil {
		return buoyerr.New(buoyerr.KindComm, "modem.atSend", err)
	}
	return nil
}

func atExpect(ctx context.Context, ch serialbus.Channel, expect string, timeout time.Duration) error {
	_ = ch.SetReadTimeout(timeout)
	var sb strings.Builder
	buf := make([]byte, 1)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		n, err := ch.Read(buf)
		if n == 1 {
			sb.WriteByte(buf[0])
			if strings.Contains(sb.String(), expect) {
				return nil
			}
		}
		if err != nil {
			break
		}
	}
	return buoyerr.New(buoyerr.KindComm, "modem.atExpect", fmt.Errorf("timed out waiting for %q", expect))
}
