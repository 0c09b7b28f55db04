// Package device defines the uniform device trait (§4.3) every instrument
// driver implements, plus the string-keyed constructor registry that
// replaces the firmware's dynamic `eval(classname)` instantiation (§9:
// "Dynamic device instantiation").
package device

import (
	"context"
	"time"

	"github.com/sealane/buoyctl/internal/arbitrator"
	"github.com/sealane/buoyctl/internal/buoyerr"
	"github.com/sealane/buoyctl/internal/buoylog"
	"github.com/sealane/buoyctl/internal/gpio"
	"github.com/sealane/buoyctl/internal/serialbus"
)

// PowerState is a device's current power rail state.
type PowerState int

const (
	PowerOff PowerState = iota
	PowerOn
)

// Descriptor is the static, immutable declaration bound to a bay/port index
// (§3 DeviceDescriptor). It is created once at boot from configuration and
// never mutated.
type Descriptor struct {
	Name        string
	BusID       string
	PowerPin    string
	Baud        int
	Framing     string
	Samples     int
	SampleRate  time.Duration
	Warmup      time.Duration
	Timeout     time.Duration
	Label       string
	Calibration map[string]float64
}

// Deps bundles the shared resources every constructor needs: the resource
// arbitrator, the serial bus opener, the GPIO power-pin provider, and the
// logger. Passed explicitly (§9: no hidden globals).
type Deps struct {
	Arb            *arbitrator.Arbitrator
	Bus            serialbus.Opener
	Power          gpio.Provider
	Logger         *buoylog.Logger
	RTCCalibration float64
	GeofenceRadius float64
}

// Device is the uniform lifecycle every instrument driver implements.
// Constructed once from a Descriptor, Startup runs once after boot, and Run
// is invoked by the scheduler on every scheduled fire.
type Device interface {
	// Name returns the device's descriptor name, used for logging and as
	// the key under which the supervisor holds the device.
	Name() string

	// Startup performs the one-shot after-boot handshake: power on, open the
	// bus at configured framing, run the per-device handshake, then leave the
	// device powered off and the bus released. Idempotent. May await
	// arb.TimeSynced when configuration depends on correct wall clock.
	Startup(ctx context.Context) error

	// Run is the scheduler entry point. tasks is the small set of role tags
	// (log, last_fix, sync_rtc, datacall, ...) from the cron entry that fired
	// this activation. Run must never propagate a panic or error — all
	// failures are logged and swallowed (§4.3).
	Run(ctx context.Context, tasks []string)
}

// Constructor builds a Device from its descriptor and shared dependencies.
// May fail with a buoyerr.KindConfig error.
type Constructor func(Descriptor, Deps) (Device, error)

var registry = map[string]Constructor{}

// Register adds a constructor to the registry under name (e.g. "gnss",
// "modem"). Called from each driver package's init().
func Register(name string, ctor Constructor) {
	registry[name] = ctor
}

// New looks up name in the registry and constructs a Device. Returns a
// buoyerr.KindConfig error if name is not registered.
func New(name string, d Descriptor, deps Deps) (Device, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, unknownDevice(name)
	}
	return ctor(d, deps)
}

// Known reports the registered constructor names, primarily for
// diagnostics and tests.
func Known() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	return names
}

func unknownDevice(name string) error {
	return buoyerr.New(buoyerr.KindConfig, "device.New", &unknownDeviceError{name: name})
}

type unknownDeviceError struct{ name string }

func (e *unknownDeviceError) Error() string { return "device: unknown module " + e.name }
