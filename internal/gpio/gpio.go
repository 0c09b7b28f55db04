// Package gpio controls instrument power rails through periph.io, the
// device power_pin named in each DeviceDescriptor (§3).
package gpio

import (
	"fmt"
	"log/slog"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpioreg"
	"periph.io/x/host/v3"

	"github.com/sealane/buoyctl/internal/buoyerr"
)

// Pin is a single controllable power rail.
type Pin interface {
	On() error
	Off() error
}

// Provider resolves a pin name (e.g. "GPIO17") to a Pin. Implementations
// must be safe for concurrent use across devices on different pins.
type Provider interface {
	Pin(name string) (Pin, error)
}

// HostProvider is the real Provider, backed by periph.io/x/host's pin
// registry. Build it with NewHostProvider, which initializes the host
// drivers, before any Pin lookup.
type HostProvider struct {
	mu     sync.Mutex
	logger *slog.Logger
}

// NewHostProvider initializes the periph.io host drivers and returns a
// Provider backed by the real GPIO registry.
func NewHostProvider(logger *slog.Logger) (*HostProvider, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	if _, err := host.Init(); err != nil {
		return nil, buoyerr.New(buoyerr.KindConfig, "gpio.NewHostProvider", err)
	}
	return &HostProvider{logger: logger}, nil
}

// Pin resolves name against the periph.io pin registry.
func (p *HostProvider) Pin(name string) (Pin, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, buoyerr.New(buoyerr.KindConfig, "gpio.Pin", fmt.Errorf("unknown pin %q", name))
	}
	return &hostPin{pin: pin, logger: p.logger, name: name}, nil
}

type hostPin struct {
	pin    gpio.PinIO
	logger *slog.Logger
	name   string
}

func (p *hostPin) On() error {
	if err := p.pin.Out(gpio.High); err != nil {
		return buoyerr.New(buoyerr.KindComm, "gpio.On", err)
	}
	p.logger.Debug("gpio: power on", "pin", p.name)
	return nil
}

func (p *hostPin) Off() error {
	if err := p.pin.Out(gpio.Low); err != nil {
		return buoyerr.New(buoyerr.KindComm, "gpio.Off", err)
	}
	p.logger.Debug("gpio: power off", "pin", p.name)
	return nil
}

// NoopProvider is a Provider for hosts with no real GPIO (development,
// tests). Every pin is satisfied and every On/Off is a recorded no-op.
type NoopProvider struct {
	mu    sync.Mutex
	state map[string]bool
}

// NewNoopProvider builds a NoopProvider.
func NewNoopProvider() *NoopProvider {
	return &NoopProvider{state: make(map[string]bool)}
}

func (p *NoopProvider) Pin(name string) (Pin, error) {
	return &noopPin{provider: p, name: name}, nil
}

// State reports whether name was last switched on, for test assertions.
func (p *NoopProvider) State(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state[name]
}

type noopPin struct {
	provider *NoopProvider
	name     string
}

func (p *noopPin) On() error {
	p.provider.mu.Lock()
	defer p.provider.mu.Unlock()
	p.provider.state[p.name] = true
	return nil
}

func (p *noopPin) Off() error {
	p.provider.mu.Lock()
	defer p.provider.mu.Unlock()
	p.provider.state[p.name] = false
	return nil
}

type noopWriter struct{}

func (noopWriter) Write(b []byte) (int, error) { return len(b), nil }
