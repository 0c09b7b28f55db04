// Command buoyctl is the main buoy controller binary.
//
// It loads YAML configuration from directories specified by environment
// variables (or command-line flags), boots the supervisor, and runs
// until interrupted (SIGINT / SIGTERM).
//
// Usage:
//
//	buoyctl [flags]
package main

import (
	"context"
	"fmt"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/sealane/buoyctl/internal/arbitrator"
	"github.com/sealane/buoyctl/internal/buoylog"
	"github.com/sealane/buoyctl/internal/config"
	"github.com/sealane/buoyctl/internal/gpio"
	"github.com/sealane/buoyctl/internal/serialbus"
	"github.com/sealane/buoyctl/internal/supervisor"

	_ "github.com/sealane/buoyctl/devices/adcp"
	_ "github.com/sealane/buoyctl/devices/ctd"
	_ "github.com/sealane/buoyctl/devices/gnss"
	_ "github.com/sealane/buoyctl/devices/meteo"
	_ "github.com/sealane/buoyctl/devices/modem"
	_ "github.com/sealane/buoyctl/devices/sysmon"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "buoyctl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ── Flags ────────────────────────────────────────────────────────────
	var (
		logLevel string
		logFmt   string
		noGPIO   bool

		cfgDevices  string
		cfgCron     string
		cfgSettings string
	)

	flag.StringVar(&logLevel, "log.level", "info", "Log level: debug, info, warn, error")
	flag.StringVar(&logFmt, "log.fmt", "json", "Log format: json, text")
	flag.BoolVar(&noGPIO, "gpio.noop", false, "Use a no-op GPIO provider instead of periph.io (development/test hosts)")

	flag.StringVar(&cfgDevices, "config.devices", "", "Override BUOYCTL_DEVICE_DEFINITIONS_DIRECTORY_PATH")
	flag.StringVar(&cfgCron, "config.cron", "", "Override BUOYCTL_CRON_DEFINITIONS_DIRECTORY_PATH")
	flag.StringVar(&cfgSettings, "config.settings", "", "Override BUOYCTL_SETTINGS_FILE_PATH")

	flag.Parse()

	// ── Logger ───────────────────────────────────────────────────────────
	logger, err := buildLogger(logLevel, logFmt)
	if err != nil {
		return err
	}

	// ── Config paths ─────────────────────────────────────────────────────
	paths := config.PathsFromEnv()
	applyPathOverrides(&paths, cfgDevices, cfgCron, cfgSettings)

	cfg, err := config.Load(paths, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// ── Bus / GPIO providers ─────────────────────────────────────────────
	busPaths := devicePortMap(cfg)
	bus := serialbus.NewBusManager(busPaths, logger)

	var power gpio.Provider
	if noGPIO {
		power = gpio.NewNoopProvider()
	} else {
		hp, err := gpio.NewHostProvider(logger)
		if err != nil {
			return fmt.Errorf("gpio init: %w", err)
		}
		power = hp
	}

	dataLock := arbitrator.NewSemaphore("file_lock", 1, logger)
	buoyLogger := buoylog.New(logger, cfg.Settings.DataDir, dataLock)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup, err := supervisor.Boot(ctx, cfg, bus, power, buoyLogger, bootReason())
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	// The data logger and the spool contend for one file_lock.
	sup.Arb.FileLock = dataLock

	sup.Start(ctx)
	logger.Info("buoyctl: running — press Ctrl-C to stop")

	<-ctx.Done()
	logger.Info("buoyctl: received shutdown signal")

	sup.Stop()
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func buildLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q (expected debug|info|warn|error)", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler

	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q (expected json|text)", format)
	}

	return slog.New(handler), nil
}

func applyPathOverrides(p *config.Paths, devices, cron, settings string) {
	if devices != "" {
		p.Devices = devices
	}
	if cron != "" {
		p.Cron = cron
	}
	if settings != "" {
		p.Settings = settings
	}
}

// devicePortMap builds the bus-id → OS device path table BusManager
// needs. Configuration only names a logical bus_id per device; the
// physical path for each is drawn from the modem's dedicated bus_id
// plus every distinct bus_id referenced by a configured device, mapped
// 1:1 onto /dev/ttyUSB<n> in device-name order — the fixed-hardware
// convention this platform's device tree follows. Device names are
// sorted before assignment since cfg.Devices is a map and Go gives no
// iteration-order guarantee; without the sort the same bus_id could
// land on a different port every restart.
func devicePortMap(cfg *config.LoadedConfig) map[string]string {
	names := make([]string, 0, len(cfg.Devices))
	for name := range cfg.Devices {
		names = append(names, name)
	}
	sort.Strings(names)

	paths := make(map[string]string)
	n := 0
	assign := func(busID string) {
		if busID == "" {
			return
		}
		if _, ok := paths[busID]; ok {
			return
		}
		paths[busID] = fmt.Sprintf("/dev/ttyUSB%d", n)
		n++
	}
	for _, name := range names {
		assign(cfg.Devices[name].BusID)
	}
	assign(cfg.Settings.ModemBusID)
	return paths
}

// bootReason reports the platform reset cause. No reset-cause register
// exists on a generic host build, so boot is always reported as a
// normal power-on (§9 supplemented feature).
func bootReason() supervisor.BootReason {
	return supervisor.BootPowerOn
}
