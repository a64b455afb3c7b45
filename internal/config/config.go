// Package config provides configuration loading, validation, and hot-reload
// for the drivesentry kit firmware.
//
// Configuration file: /etc/drivesentry/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - Agent listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml.
//   - Apply non-destructive changes only (intervals, batch/queue sizes,
//     alcohol timings, temperature thresholds); logging settings are not
//     reloaded.
//   - Destructive changes (DB path, GPIO pins, serial ports) require restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The agent does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required identity fields must be present.
//   - Numeric ranges enforced (intervals positive, thresholds sane).
//   - File paths must be absolute.
//   - Invalid config on startup: agent refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
//
// Two independent value types are loaded from one file rather than one
// monolithic struct imported as a package global: FirmwareConfig governs the
// main loop and drivers, FatigueConfig governs the fatigue worker alone. A
// caller that only needs one never has to reach through the other.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure loaded from the YAML file. It
// groups FirmwareConfig and FatigueConfig, but every other package accepts
// one of the two value types directly — never the Config wrapper.
type Config struct {
	SchemaVersion string         `yaml:"schema_version"`
	Firmware      FirmwareConfig `yaml:"firmware"`
	Fatigue       FatigueConfig  `yaml:"fatigue"`
}

// FirmwareConfig holds identity, networking, storage, timing, and GPIO pin
// assignments for the main loop and the sensor drivers facade.
type FirmwareConfig struct {
	// Identity uniquely identifies this kit to the ingestion API.
	OrgID     string `yaml:"org_id"`
	VehicleID string `yaml:"vehicle_id"`
	KitID     string `yaml:"kit_id"`
	KitSerial string `yaml:"kit_serial"`
	KitKey    string `yaml:"kit_key"`

	// APIBaseURL is the base URL the Sync Worker POSTs events to.
	APIBaseURL string `yaml:"api_base_url"`

	// DBPath is the absolute path to the BoltDB outbox file.
	// Default: /var/lib/drivesentry/outbox.db.
	DBPath string `yaml:"db_path"`

	// TelemetryIntervalS is the period between telemetry point emissions
	// during TRIP_ACTIVE. Default: 2s.
	TelemetryIntervalS time.Duration `yaml:"telemetry_interval_s"`

	// SyncIntervalS is the period between Sync Worker drain attempts.
	// Default: 5s.
	SyncIntervalS time.Duration `yaml:"sync_interval_s"`

	// BatchSize is the max number of outbox rows drained per sync tick.
	// Default: 50.
	BatchSize int `yaml:"batch_size"`

	// MaxQueueItems caps the outbox size; overflow evicts the oldest
	// telemetry rows. Default: 50000.
	MaxQueueItems int `yaml:"max_queue_items"`

	// AlcoholWarmupS is the sensor warmup duration before a blow is
	// accepted. Default: 20s.
	AlcoholWarmupS time.Duration `yaml:"alcohol_warmup_s"`

	// AlcoholBlowS is the duration of the blow window. Default: 7s.
	AlcoholBlowS time.Duration `yaml:"alcohol_blow_s"`

	// TempWarnC / TempCriticalC are cabin temperature thresholds in Celsius.
	// Defaults: 38.0 / 45.0.
	TempWarnC     float64 `yaml:"temp_warn_c"`
	TempCriticalC float64 `yaml:"temp_critical_c"`

	// GPIO pin assignments.
	Pins PinConfig `yaml:"pins"`

	// GPS serial ports and baud rate.
	GPSNMEAPort string `yaml:"gps_nmea_port"`
	GPSATPort   string `yaml:"gps_at_port"`
	GPSBaud     int    `yaml:"gps_baud"`

	// CameraDevice is the V4L2-class device node the Fatigue Worker reads
	// from. Default: /dev/video0.
	CameraDevice string `yaml:"camera_device"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`
}

// PinConfig holds GPIO pin names (periph.io pin IDs, e.g. "GPIO17") for the
// non-serial drivers.
type PinConfig struct {
	DHT22Data   string `yaml:"dht22_data"`
	GasDigital  string `yaml:"gas_digital"`
	BuzzerPWM   string `yaml:"buzzer_pwm"`
	LEDRed      string `yaml:"led_red"`
	LEDGreen    string `yaml:"led_green"`
	LEDBlue     string `yaml:"led_blue"`
	ButtonStart string `yaml:"button_start"`
	ButtonStop  string `yaml:"button_stop"`
	ButtonMenu  string `yaml:"button_menu"`
	ButtonBack  string `yaml:"button_back"`
	NFCBus      string `yaml:"nfc_bus"`
}

// FatigueConfig holds the parameters driving the fatigue fusion worker.
type FatigueConfig struct {
	// CalibrationSec is the baseline-accumulation period before detection
	// starts. Default: 5s.
	CalibrationSec time.Duration `yaml:"calibration_sec"`

	// CalibrationMinSamples is the minimum number of frames required during
	// calibration before the worker is considered "ok". Default: 10.
	CalibrationMinSamples int `yaml:"calibration_min_samples"`

	// NodDownThreshold is the head-drop fraction of face height considered
	// a "nod". Default: 0.12.
	NodDownThreshold float64 `yaml:"nod_down_threshold"`

	// NodMicrosleepSec is the continuous nod duration treated as a
	// microsleep (always escalates to ALERT regardless of counters).
	// Default: 3s.
	NodMicrosleepSec time.Duration `yaml:"nod_microsleep_sec"`

	// NodWarnCount / NodAlertCount are nod counts within the sliding window
	// that trigger WARN / ALERT. Defaults: 2 / 4.
	NodWarnCount  int `yaml:"nod_warn_count"`
	NodAlertCount int `yaml:"nod_alert_count"`

	// WindowSec is the sliding window over which nods are counted. Yawns
	// are not windowed; they accumulate for the whole run.
	// Default: 300s (5 minutes).
	WindowSec time.Duration `yaml:"window_sec"`

	// YawnDurationSec is the minimum mouth-open duration counted as a yawn.
	// Default: 2.5s.
	YawnDurationSec time.Duration `yaml:"yawn_duration_sec"`

	// YawnWarnCount is the cumulative yawn count since calibration that
	// triggers WARN, or ALERT when combined with any windowed nod.
	// Default: 3.
	YawnWarnCount int `yaml:"yawn_warn_count"`

	// AssetDir is the filesystem path to the CV model assets.
	AssetDir string `yaml:"asset_dir"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// DefaultDBPath is the default BoltDB outbox path.
const DefaultDBPath = "/var/lib/drivesentry/outbox.db"

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	return Config{
		SchemaVersion: "1",
		Firmware: FirmwareConfig{
			APIBaseURL:          "https://api.drivesentry.example",
			DBPath:              DefaultDBPath,
			TelemetryIntervalS:  2 * time.Second,
			SyncIntervalS:       5 * time.Second,
			BatchSize:           50,
			MaxQueueItems:       50000,
			AlcoholWarmupS:      20 * time.Second,
			AlcoholBlowS:        7 * time.Second,
			TempWarnC:           38.0,
			TempCriticalC:       45.0,
			GPSNMEAPort:         "/dev/ttyUSB0",
			GPSATPort:           "/dev/ttyUSB1",
			GPSBaud:             115200,
			CameraDevice:        "/dev/video0",
			Pins: PinConfig{
				DHT22Data:  "GPIO4",
				GasDigital: "GPIO27",
				BuzzerPWM:  "GPIO18",
				LEDRed:     "GPIO22",
				LEDGreen:   "GPIO23",
				LEDBlue:    "GPIO24",
				ButtonStart: "GPIO5",
				ButtonStop:  "GPIO6",
				ButtonMenu:  "GPIO13",
				ButtonBack:  "GPIO19",
				NFCBus:      "I2C1",
			},
			Observability: ObservabilityConfig{
				MetricsAddr: "127.0.0.1:9091",
				LogLevel:    "info",
				LogFormat:   "json",
			},
		},
		Fatigue: FatigueConfig{
			CalibrationSec:        5 * time.Second,
			CalibrationMinSamples: 10,
			NodDownThreshold:      0.12,
			NodMicrosleepSec:      3 * time.Second,
			NodWarnCount:          2,
			NodAlertCount:         4,
			WindowSec:             5 * time.Minute,
			YawnDurationSec:       2500 * time.Millisecond,
			YawnWarnCount:         3,
			AssetDir:              "/opt/drivesentry/fatigue-assets",
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}

	fw := &cfg.Firmware
	if fw.OrgID == "" || fw.VehicleID == "" || fw.KitID == "" || fw.KitSerial == "" || fw.KitKey == "" {
		errs = append(errs, "firmware.org_id, vehicle_id, kit_id, kit_serial, and kit_key must all be set")
	}
	if fw.APIBaseURL == "" {
		errs = append(errs, "firmware.api_base_url must not be empty")
	}
	if fw.DBPath == "" {
		errs = append(errs, "firmware.db_path must not be empty")
	} else if !filepath.IsAbs(fw.DBPath) {
		errs = append(errs, fmt.Sprintf("firmware.db_path must be an absolute path, got %q", fw.DBPath))
	}
	if fw.TelemetryIntervalS <= 0 {
		errs = append(errs, fmt.Sprintf("firmware.telemetry_interval_s must be > 0, got %s", fw.TelemetryIntervalS))
	}
	if fw.SyncIntervalS <= 0 {
		errs = append(errs, fmt.Sprintf("firmware.sync_interval_s must be > 0, got %s", fw.SyncIntervalS))
	}
	if fw.BatchSize < 1 {
		errs = append(errs, fmt.Sprintf("firmware.batch_size must be >= 1, got %d", fw.BatchSize))
	}
	if fw.MaxQueueItems < fw.BatchSize {
		errs = append(errs, fmt.Sprintf("firmware.max_queue_items must be >= batch_size, got %d", fw.MaxQueueItems))
	}
	if fw.AlcoholWarmupS <= 0 || fw.AlcoholBlowS <= 0 {
		errs = append(errs, "firmware.alcohol_warmup_s and alcohol_blow_s must both be > 0")
	}
	if fw.TempCriticalC <= fw.TempWarnC {
		errs = append(errs, fmt.Sprintf(
			"firmware.temp_critical_c (%f) must be greater than temp_warn_c (%f)",
			fw.TempCriticalC, fw.TempWarnC))
	}
	if fw.GPSBaud < 1200 {
		errs = append(errs, fmt.Sprintf("firmware.gps_baud must be >= 1200, got %d", fw.GPSBaud))
	}

	fc := &cfg.Fatigue
	if fc.CalibrationSec <= 0 {
		errs = append(errs, "fatigue.calibration_sec must be > 0")
	}
	if fc.CalibrationMinSamples < 1 {
		errs = append(errs, "fatigue.calibration_min_samples must be >= 1")
	}
	if fc.NodDownThreshold <= 0 || fc.NodDownThreshold >= 1 {
		errs = append(errs, fmt.Sprintf("fatigue.nod_down_threshold must be in (0, 1), got %f", fc.NodDownThreshold))
	}
	if fc.NodWarnCount < 1 || fc.NodAlertCount <= fc.NodWarnCount {
		errs = append(errs, "fatigue.nod_alert_count must be greater than nod_warn_count, both >= 1")
	}
	if fc.YawnWarnCount < 1 {
		errs = append(errs, "fatigue.yawn_warn_count must be >= 1")
	}
	if fc.WindowSec <= 0 {
		errs = append(errs, "fatigue.window_sec must be > 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// ApplyReloadable copies the subset of FirmwareConfig fields that are safe to
// hot-swap at runtime (no open resource depends on them) from next into cur.
// Destructive fields — DBPath, Pins, GPS ports/baud, identity, APIBaseURL,
// Observability — are left untouched; the caller logs that they were
// ignored.
func ApplyReloadable(cur *FirmwareConfig, next FirmwareConfig) {
	cur.TelemetryIntervalS = next.TelemetryIntervalS
	cur.SyncIntervalS = next.SyncIntervalS
	cur.BatchSize = next.BatchSize
	cur.MaxQueueItems = next.MaxQueueItems
	cur.AlcoholWarmupS = next.AlcoholWarmupS
	cur.AlcoholBlowS = next.AlcoholBlowS
	cur.TempWarnC = next.TempWarnC
	cur.TempCriticalC = next.TempCriticalC
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
