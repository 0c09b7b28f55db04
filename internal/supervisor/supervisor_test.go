package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/sealane/buoyctl/internal/arbitrator"
	"github.com/sealane/buoyctl/internal/buoylog"
	"github.com/sealane/buoyctl/internal/config"
	"github.com/sealane/buoyctl/internal/device"
	"github.com/sealane/buoyctl/internal/gpio"
	"github.com/sealane/buoyctl/internal/serialbus"
)

type noopOpener struct{}

func (noopOpener) Open(busID string, baud int, framing serialbus.Framing) (serialbus.Channel, error) {
	return nil, nil
}

// boundDevice is a minimal device.Device that records every Boot-time
// binder call made against it, standing in for a concrete driver (modem,
// gnss) so Boot's structural-interface wiring can be exercised without
// pulling in a real transport.
type boundDevice struct {
	mailbox    *AlertMailbox
	hostname   string
	dialNumber string
	dataDir    string
	sysLog     string
	bufDays    int
	started    bool
}

func (d *boundDevice) Name() string { return "probe" }
func (d *boundDevice) Startup(ctx context.Context) error {
	d.started = true
	return nil
}
func (d *boundDevice) Run(ctx context.Context, tasks []string) {}

func (d *boundDevice) BindSupervisor(mailbox *AlertMailbox, hostname string) {
	d.mailbox = mailbox
	d.hostname = hostname
}

func (d *boundDevice) BindDialNumber(number string) {
	d.dialNumber = number
}

func (d *boundDevice) BindSpool(dataDir, sysLog string, bufDays int) {
	d.dataDir = dataDir
	d.sysLog = sysLog
	d.bufDays = bufDays
}

const testModule = "supervisor-test-probe"

var lastConstructed *boundDevice

func init() {
	device.Register(testModule, func(d device.Descriptor, deps device.Deps) (device.Device, error) {
		probe := &boundDevice{}
		lastConstructed = probe
		return probe, nil
	})
}

func testLogger(t *testing.T) *buoylog.Logger {
	t.Helper()
	lock := arbitrator.NewSemaphore("file_lock", 1, nil)
	return buoylog.New(nil, t.TempDir(), lock)
}

func TestBootWiresBindersFromSettings(t *testing.T) {
	cfg := &config.LoadedConfig{
		Devices: map[string]config.DeviceEntry{
			"probe": {Name: "probe", Module: testModule, Timeout: time.Second},
		},
		Settings: config.Settings{
			Hostname:        "buoy7",
			ModemDialNumber: "+15551234",
			DataDir:         "/data",
			SysLogPath:      "/syslog",
			BufDays:         5,
		},
	}

	sup, err := Boot(context.Background(), cfg, noopOpener{}, gpio.NewNoopProvider(), testLogger(t), BootPowerOn)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}

	d, ok := sup.Device("probe")
	if !ok {
		t.Fatal("probe device not registered after Boot")
	}
	probe := d.(*boundDevice)

	if probe.hostname != "buoy7" {
		t.Fatalf("hostname = %q, want buoy7", probe.hostname)
	}
	if probe.mailbox != sup.Mailbox {
		t.Fatal("BindSupervisor must receive the supervisor's own mailbox")
	}
	if probe.dialNumber != "+15551234" {
		t.Fatalf("dialNumber = %q, want +15551234", probe.dialNumber)
	}
	if probe.dataDir != "/data" || probe.sysLog != "/syslog" || probe.bufDays != 5 {
		t.Fatalf("spool binding = %q,%q,%d, want /data,/syslog,5", probe.dataDir, probe.sysLog, probe.bufDays)
	}
}

func TestBootSkipsUnknownCronDevice(t *testing.T) {
	cfg := &config.LoadedConfig{
		Devices: map[string]config.DeviceEntry{
			"probe": {Name: "probe", Module: testModule},
		},
		Cron: []config.CronEntry{
			{Device: "nonexistent", Tasks: []string{"log"}},
		},
	}

	// Boot must not fail just because a cron entry references a device
	// that was never configured — it logs and skips that entry.
	if _, err := Boot(context.Background(), cfg, noopOpener{}, gpio.NewNoopProvider(), testLogger(t), BootPowerOn); err != nil {
		t.Fatalf("Boot: %v", err)
	}
}

func TestStartRunsDeviceStartup(t *testing.T) {
	cfg := &config.LoadedConfig{
		Devices: map[string]config.DeviceEntry{
			"probe": {Name: "probe", Module: testModule},
		},
	}

	sup, err := Boot(context.Background(), cfg, noopOpener{}, gpio.NewNoopProvider(), testLogger(t), BootPowerOn)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	sup.Start(context.Background())
	defer sup.Stop()

	d, _ := sup.Device("probe")
	if !d.(*boundDevice).started {
		t.Fatal("Start must call Startup on every constructed device")
	}
}

func TestAlertMailboxSetAndTake(t *testing.T) {
	var m AlertMailbox
	if _, ok := m.TakeIfSet(); ok {
		t.Fatal("fresh mailbox must report nothing pending")
	}
	m.Set("first")
	m.Set("second")
	msg, ok := m.TakeIfSet()
	if !ok || msg != "second" {
		t.Fatalf("TakeIfSet = %q,%v, want second,true (overwrite keeps only latest)", msg, ok)
	}
	if _, ok := m.TakeIfSet(); ok {
		t.Fatal("TakeIfSet must clear the pending alert")
	}
}
