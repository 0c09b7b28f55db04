// Package config loads the controller's on-disk YAML configuration: one
// directory of device descriptors, one directory of cron entries, and a
// single settings file. Errors from the three trees (an unreadable
// directory, a bad settings file) are accumulated and reported together,
// the way the teacher's config.Load does for its six SNMP configuration
// trees; a malformed device or cron file is logged and skipped.
package config

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ─────────────────────────────────────────────────────────────────────────────
// Paths
// ─────────────────────────────────────────────────────────────────────────────

// Paths holds the directory/file locations for every configuration tree.
type Paths struct {
	Devices  string // BUOYCTL_DEVICE_DEFINITIONS_DIRECTORY_PATH
	Cron     string // BUOYCTL_CRON_DEFINITIONS_DIRECTORY_PATH
	Settings string // BUOYCTL_SETTINGS_FILE_PATH
}

// PathsFromEnv reads each path from its environment variable, falling back
// to the documented default when unset or empty.
func PathsFromEnv() Paths {
	return Paths{
		Devices:  envOr("BUOYCTL_DEVICE_DEFINITIONS_DIRECTORY_PATH", "/etc/buoyctl/devices"),
		Cron:     envOr("BUOYCTL_CRON_DEFINITIONS_DIRECTORY_PATH", "/etc/buoyctl/cron"),
		Settings: envOr("BUOYCTL_SETTINGS_FILE_PATH", "/etc/buoyctl/settings.yml"),
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// ─────────────────────────────────────────────────────────────────────────────
// DeviceEntry
// ─────────────────────────────────────────────────────────────────────────────

// DeviceEntry is the fully-resolved configuration for one instrument bay.
type DeviceEntry struct {
	Name        string
	Module      string // registry key passed to device.New
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

type rawDeviceEntry struct {
	Module      string             `yaml:"module"`
	BusID       string             `yaml:"bus_id"`
	PowerPin    string             `yaml:"power_pin"`
	Baud        int                `yaml:"baud"`
	Framing     string             `yaml:"framing"`
	Samples     int                `yaml:"samples"`
	SampleRate  int                `yaml:"sample_rate_seconds"`
	Warmup      int                `yaml:"warmup_seconds"`
	Timeout     int                `yaml:"timeout_seconds"`
	Label       string             `yaml:"label"`
	Calibration map[string]float64 `yaml:"calibration"`
}

func resolveDevice(name string, e rawDeviceEntry) DeviceEntry {
	baud := e.Baud
	if baud == 0 {
		baud = 9600
	}
	timeout := e.Timeout
	if timeout == 0 {
		timeout = 10
	}
	return DeviceEntry{
		Name:        name,
		Module:      e.Module,
		BusID:       e.BusID,
		PowerPin:    e.PowerPin,
		Baud:        baud,
		Framing:     e.Framing,
		Samples:     e.Samples,
		SampleRate:  time.Duration(e.SampleRate) * time.Second,
		Warmup:      time.Duration(e.Warmup) * time.Second,
		Timeout:     time.Duration(timeout) * time.Second,
		Label:       e.Label,
		Calibration: e.Calibration,
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// CronEntry
// ─────────────────────────────────────────────────────────────────────────────

// CronEntry is one scheduled activation: a constraint set (§4.1) bound to
// the device it fires and the task tags passed to Device.Run.
type CronEntry struct {
	Device   string
	Tasks    []string
	Weekday  []int
	Month    []int
	Monthday []int
	Hour     []int
	Minute   []int
	Second   []int
	Times    int // 0 means unbounded
}

type rawCronEntry struct {
	Device   string `yaml:"device"`
	Tasks    []string `yaml:"tasks"`
	Weekday  string `yaml:"weekday"`
	Month    string `yaml:"month"`
	Monthday string `yaml:"monthday"`
	Hour     string `yaml:"hour"`
	Minute   string `yaml:"minute"`
	Second   string `yaml:"second"`
	Times    int    `yaml:"times"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Settings
// ─────────────────────────────────────────────────────────────────────────────

// Settings is the single top-level settings.yml document.
type Settings struct {
	Hostname       string  `yaml:"hostname"`
	DataDir        string  `yaml:"data_dir"`
	SpoolDir       string  `yaml:"spool_dir"`
	BufDays        int     `yaml:"buf_days"`
	RTCCalibration float64 `yaml:"rtc_calibration"`
	GeofenceRadius float64 `yaml:"geofence_radius_nm"`
	ModemBusID     string  `yaml:"modem_bus_id"`
	ModemPowerPin  string  `yaml:"modem_power_pin"`
	ModemDialNumber string `yaml:"modem_dial_number"`
	SysLogPath     string  `yaml:"syslog_path"`
	SMSRecipient   string  `yaml:"sms_recipient"`
}

// ─────────────────────────────────────────────────────────────────────────────
// LoadedConfig
// ─────────────────────────────────────────────────────────────────────────────

// LoadedConfig is the fully parsed representation of every configuration
// tree, ready to be handed to the supervisor at boot.
type LoadedConfig struct {
	Devices  map[string]DeviceEntry
	Cron     []CronEntry
	Settings Settings
}

// Load reads all configuration from paths and returns a fully resolved
// LoadedConfig. Directory-listing and settings errors are accumulated and
// returned together; a device or cron file that fails to decode, and a
// cron entry with an invalid constraint, is logged and skipped without
// failing Load. A missing directory is not an error — it yields an empty
// section, allowing partial deployments (e.g. no cron/ yet).
func Load(paths Paths, logger *slog.Logger) (*LoadedConfig, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}

	var errs []string

	devices, err := loadDevices(paths.Devices, logger)
	if err != nil {
		errs = append(errs, err.Error())
	}

	cron, err := loadCron(paths.Cron, logger)
	if err != nil {
		errs = append(errs, err.Error())
	}

	settings, err := loadSettings(paths.Settings, logger)
	if err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %d error(s):\n  %s", len(errs), strings.Join(errs, "\n  "))
	}

	return &LoadedConfig{Devices: devices, Cron: cron, Settings: settings}, nil
}

func loadDevices(dir string, logger *slog.Logger) (map[string]DeviceEntry, error) {
	result := make(map[string]DeviceEntry)
	files, err := yamlFiles(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return result, fmt.Errorf("list devices dir %q: %w", dir, err)
	}
	for _, path := range files {
		var raw map[string]rawDeviceEntry
		if err := decodeFile(path, &raw); err != nil {
			logger.Warn("config: skip malformed device file", "file", path, "error", err.Error())
			continue
		}
		for name, entry := range raw {
			result[name] = resolveDevice(name, entry)
		}
		logger.Debug("config: loaded device file", "file", path, "count", len(raw))
	}
	return result, nil
}

func loadCron(dir string, logger *slog.Logger) ([]CronEntry, error) {
	var result []CronEntry
	files, err := yamlFiles(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return result, fmt.Errorf("list cron dir %q: %w", dir, err)
	}
	for _, path := range files {
		var raw []rawCronEntry
		if err := decodeFile(path, &raw); err != nil {
			logger.Warn("config: skip malformed cron file", "file", path, "error", err.Error())
			continue
		}
		for _, entry := range raw {
			ce, err := resolveCron(entry)
			if err != nil {
				logger.Warn("config: skip malformed cron entry", "file", path, "device", entry.Device, "error", err.Error())
				continue
			}
			result = append(result, ce)
		}
		logger.Debug("config: loaded cron file", "file", path, "count", len(raw))
	}
	return result, nil
}

func resolveCron(e rawCronEntry) (CronEntry, error) {
	var ce CronEntry
	ce.Device = e.Device
	ce.Tasks = e.Tasks
	ce.Times = e.Times

	var err error
	if ce.Weekday, err = parseConstraint(e.Weekday, 0, 6); err != nil {
		return ce, fmt.Errorf("weekday: %w", err)
	}
	if ce.Month, err = parseConstraint(e.Month, 1, 12); err != nil {
		return ce, fmt.Errorf("month: %w", err)
	}
	if ce.Monthday, err = parseConstraint(e.Monthday, 1, 31); err != nil {
		return ce, fmt.Errorf("monthday: %w", err)
	}
	if ce.Hour, err = parseConstraint(e.Hour, 0, 23); err != nil {
		return ce, fmt.Errorf("hour: %w", err)
	}
	if ce.Minute, err = parseConstraint(e.Minute, 0, 59); err != nil {
		return ce, fmt.Errorf("minute: %w", err)
	}
	if ce.Second, err = parseConstraint(e.Second, 0, 59); err != nil {
		return ce, fmt.Errorf("second: %w", err)
	}
	return ce, nil
}

// parseConstraint decodes a constraint field: "*" or "" means all (nil
// slice), "1,2,3" means an explicit admitted set. Out-of-range values are
// rejected.
func parseConstraint(s string, min, max int) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		var v int
		if _, err := fmt.Sscanf(strings.TrimSpace(p), "%d", &v); err != nil {
			return nil, fmt.Errorf("invalid value %q", p)
		}
		if v < min || v > max {
			return nil, fmt.Errorf("value %d out of range [%d,%d]", v, min, max)
		}
		out = append(out, v)
	}
	return out, nil
}

func loadSettings(path string, logger *slog.Logger) (Settings, error) {
	s := Settings{
		DataDir:        "/var/buoyctl/data",
		SpoolDir:       "/var/buoyctl/spool",
		SysLogPath:     "/var/buoyctl/syslog",
		BufDays:        14,
		GeofenceRadius: 0.054,
	}
	if path == "" {
		return s, nil
	}
	if err := decodeFile(path, &s); err != nil {
		if os.IsNotExist(err) {
			logger.Debug("config: no settings file, using defaults", "path", path)
			return s, nil
		}
		return s, fmt.Errorf("settings %q: %w", path, err)
	}
	return s, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func yamlFiles(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(p))
		if ext == ".yml" || ext == ".yaml" {
			paths = append(paths, p)
		}
		return nil
	})
	return paths, err
}

func decodeFile(path string, out interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(false)
	return dec.Decode(out)
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
