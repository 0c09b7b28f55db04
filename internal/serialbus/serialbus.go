// Package serialbus wraps go.bug.st/serial with the small timeout-based
// byte channel every device driver and the modem are built on (§4.2
// bus2_sema, §4.3 Device.Startup/Run).
package serialbus

import (
	"fmt"
	"log/slog"
	"time"

	"go.bug.st/serial"

	"github.com/sealane/buoyctl/internal/buoyerr"
)

// Framing names the UART parameter set a device requests. Parsed from
// config (e.g. "8N1", "7E1").
type Framing struct {
	DataBits int
	Parity   serial.Parity
	StopBits serial.StopBits
}

// ParseFraming decodes a "8N1"-style string into a Framing. Defaults to 8N1
// on an empty string.
func ParseFraming(s string) (Framing, error) {
	if s == "" {
		s = "8N1"
	}
	if len(s) != 3 {
		return Framing{}, buoyerr.New(buoyerr.KindConfig, "serialbus.ParseFraming", fmt.Errorf("malformed framing %q", s))
	}
	f := Framing{}
	switch s[0] {
	case '7':
		f.DataBits = 7
	case '8':
		f.DataBits = 8
	default:
		return Framing{}, buoyerr.New(buoyerr.KindConfig, "serialbus.ParseFraming", fmt.Errorf("unsupported data bits %q", s[0:1]))
	}
	switch s[1] {
	case 'N', 'n':
		f.Parity = serial.NoParity
	case 'E', 'e':
		f.Parity = serial.EvenParity
	case 'O', 'o':
		f.Parity = serial.OddParity
	default:
		return Framing{}, buoyerr.New(buoyerr.KindConfig, "serialbus.ParseFraming", fmt.Errorf("unsupported parity %q", s[1:2]))
	}
	switch s[2] {
	case '1':
		f.StopBits = serial.OneStopBit
	case '2':
		f.StopBits = serial.TwoStopBits
	default:
		return Framing{}, buoyerr.New(buoyerr.KindConfig, "serialbus.ParseFraming", fmt.Errorf("unsupported stop bits %q", s[2:3]))
	}
	return f, nil
}

// Channel is the minimal byte-oriented contract devices and the YMODEM
// engine need: reads block up to a deadline, writes are unbuffered.
type Channel interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadTimeout(d time.Duration) error
	Close() error
}

// Opener opens a named bus (a device's bus_id, e.g. "uart1") at the given
// baud/framing. BusManager does not serialize concurrent opens of the same
// physical port; each Open goes straight to the OS.
type Opener interface {
	Open(busID string, baud int, framing Framing) (Channel, error)
}

// BusManager is the real Opener, backed by go.bug.st/serial and keyed by
// bus ID → OS device path from configuration.
type BusManager struct {
	paths  map[string]string
	logger *slog.Logger
}

// NewBusManager builds a BusManager from a bus-id→device-path map (e.g.
// "uart1" → "/dev/ttyS1").
func NewBusManager(paths map[string]string, logger *slog.Logger) *BusManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	return &BusManager{paths: paths, logger: logger}
}

// Open opens busID at baud/framing. Returns a buoyerr.KindConfig error if
// busID is not mapped, or a buoyerr.KindComm error if the open itself fails.
func (m *BusManager) Open(busID string, baud int, framing Framing) (Channel, error) {
	path, ok := m.paths[busID]
	if !ok {
		return nil, buoyerr.New(buoyerr.KindConfig, "serialbus.Open", fmt.Errorf("unmapped bus %q", busID))
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: framing.DataBits,
		Parity:   framing.Parity,
		StopBits: framing.StopBits,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, buoyerr.New(buoyerr.KindComm, "serialbus.Open", err)
	}
	m.logger.Debug("serialbus: opened", "bus", busID, "path", path, "baud", baud)
	return &portChannel{port: port}, nil
}

type portChannel struct {
	port serial.Port
}

func (c *portChannel) Read(p []byte) (int, error)  { return c.port.Read(p) }
func (c *portChannel) Write(p []byte) (int, error) { return c.port.Write(p) }
func (c *portChannel) Close() error                { return c.port.Close() }

func (c *portChannel) SetReadTimeout(d time.Duration) error {
	return c.port.SetReadTimeout(d)
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
