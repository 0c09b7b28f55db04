// Package supervisor wires every component built at boot — arbitrator,
// scheduler, device registry, serial bus, GPIO power rails, and the
// alert mailbox — into one Supervisor value and passes it by reference to
// every task (§9: "Global mutable state... model these as explicit
// fields of a Supervisor value constructed at boot... No hidden statics").
package supervisor

import (
	"context"
	"sync"

	"github.com/sealane/buoyctl/internal/arbitrator"
	"github.com/sealane/buoyctl/internal/buoylog"
	"github.com/sealane/buoyctl/internal/config"
	"github.com/sealane/buoyctl/internal/device"
	"github.com/sealane/buoyctl/internal/gpio"
	"github.com/sealane/buoyctl/internal/scheduler"
	"github.com/sealane/buoyctl/internal/serialbus"
)

// AlertMailbox is the single-slot, latest-value mailbox carrying an SMS
// string (§3 AlertMessage). Overwriting an unread value is legal.
type AlertMailbox struct {
	mu  sync.Mutex
	msg string
	set bool
}

// Set overwrites the current alert, discarding any unread value.
func (m *AlertMailbox) Set(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msg = msg
	m.set = true
}

// TakeIfSet clears and returns the pending alert, if any.
func (m *AlertMailbox) TakeIfSet() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.set {
		return "", false
	}
	m.set = false
	return m.msg, true
}

// BootReason names the platform reset cause logged once at startup,
// carried from the original firmware's reset-cause diagnostic (§9
// supplemented feature).
type BootReason string

const (
	BootPowerOn BootReason = "power_on"
	BootWatchdog BootReason = "watchdog"
	BootSoft    BootReason = "soft"
	BootUnknown BootReason = "unknown"
)

// Supervisor owns every shared, process-wide resource and the devices
// constructed from configuration. Apart from the device constructor
// registry, the controller keeps no package-level state — everything
// reachable from Supervisor is reachable only through it.
type Supervisor struct {
	Arb       *arbitrator.Arbitrator
	Logger    *buoylog.Logger
	Scheduler *scheduler.Scheduler
	Bus       serialbus.Opener
	Power     gpio.Provider
	Mailbox   *AlertMailbox

	devices map[string]device.Device

	bootReason BootReason
}

// Boot constructs the Supervisor: the arbitrator, every configured device,
// and the scheduler bound to cfg.Cron, around the data-file logger and
// bus/GPIO providers the caller passes in. Devices are constructed but not
// started; call Start
// to run Startup on each and begin dispatch.
func Boot(ctx context.Context, cfg *config.LoadedConfig, bus serialbus.Opener, power gpio.Provider, logger *buoylog.Logger, reason BootReason) (*Supervisor, error) {
	arb := arbitrator.New(logger.Diag())

	s := &Supervisor{
		Arb:       arb,
		Logger:    logger,
		Scheduler: scheduler.New(ctx, logger.Diag()),
		Bus:       bus,
		Power:     power,
		Mailbox:   &AlertMailbox{},
		devices:   make(map[string]device.Device),
		bootReason: reason,
	}

	logger.Info("supervisor", "boot", "reason", string(reason))

	deps := device.Deps{
		Arb:            arb,
		Bus:            bus,
		Power:          power,
		Logger:         logger,
		RTCCalibration: cfg.Settings.RTCCalibration,
		GeofenceRadius: cfg.Settings.GeofenceRadius,
	}
	for name, entry := range cfg.Devices {
		desc := device.Descriptor{
			Name:        entry.Name,
			BusID:       entry.BusID,
			PowerPin:    entry.PowerPin,
			Baud:        entry.Baud,
			Framing:     entry.Framing,
			Samples:     entry.Samples,
			SampleRate:  entry.SampleRate,
			Warmup:      entry.Warmup,
			Timeout:     entry.Timeout,
			Label:       entry.Label,
			Calibration: entry.Calibration,
		}
		d, err := device.New(entry.Module, desc, deps)
		if err != nil {
			logger.Error("supervisor", "skip device", "device", name, "error", err.Error())
			continue
		}
		if binder, ok := d.(interface {
			BindSupervisor(mailbox *AlertMailbox, hostname string)
		}); ok {
			binder.BindSupervisor(s.Mailbox, cfg.Settings.Hostname)
		}
		if dialer, ok := d.(interface {
			BindDialNumber(number string)
		}); ok {
			dialer.BindDialNumber(cfg.Settings.ModemDialNumber)
		}
		if smser, ok := d.(interface {
			BindSMSRecipient(number string)
		}); ok {
			smser.BindSMSRecipient(cfg.Settings.SMSRecipient)
		}
		if spooler, ok := d.(interface {
			BindSpool(dataDir, sysLog string, bufDays int)
		}); ok {
			spooler.BindSpool(cfg.Settings.DataDir, cfg.Settings.SysLogPath, cfg.Settings.BufDays)
		}
		s.devices[name] = d
	}

	for _, ce := range cfg.Cron {
		d, ok := s.devices[ce.Device]
		if !ok {
			logger.Warn("supervisor", "cron entry references unknown device", "device", ce.Device)
			continue
		}
		spec := scheduler.NewCronSpec(ce.Weekday, ce.Month, ce.Monthday, ce.Hour, ce.Minute, ce.Second, ce.Times)
		tasks := ce.Tasks
		s.Scheduler.Schedule(spec, tasks, func(ctx context.Context, tasks []string) {
			if !s.Arb.SchedulerRunning.IsSet() {
				return
			}
			d.Run(ctx, tasks)
		})
	}

	return s, nil
}

// Start runs Startup on every device, then begins scheduler dispatch.
// A device whose Startup fails is logged and left registered — its cron
// entries still fire and call Run; Startup is not repeated.
func (s *Supervisor) Start(ctx context.Context) {
	for name, d := range s.devices {
		if err := d.Startup(ctx); err != nil {
			s.Logger.Warn("supervisor", "startup failed", "device", name, "error", err.Error())
		}
	}
	s.Scheduler.Start()
}

// Stop halts scheduler dispatch. It does not wait for in-flight device
// activations (§4.1: jobs are independent cooperative tasks).
func (s *Supervisor) Stop() {
	s.Scheduler.Stop()
	_ = s.Logger.Close()
}

// Device looks up a constructed device by its configuration name, for
// wiring driver-specific hooks after Boot (e.g. binding the GNSS driver's
// alert mailbox).
func (s *Supervisor) Device(name string) (device.Device, bool) {
	d, ok := s.devices[name]
	return d, ok
}

// BootReasonValue returns the reset cause recorded at Boot.
func (s *Supervisor) BootReasonValue() BootReason { return s.bootReason }
