// Package main — cmd/drivesentry/main.go
//
// drivesentry kit firmware entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/drivesentry/config.yaml.
//  2. Initialise structured logger (zap, JSON by default).
//  3. Open the BoltDB outbox (migrates any legacy telemetry_queue bucket).
//  4. Purge overflow telemetry rows accumulated before this boot.
//  5. Start the Prometheus metrics server (127.0.0.1:9091).
//  6. Init every sensor/actuator driver in the facade; a failure is logged
//     and recorded into the boot health event's driver_ok map, never
//     fatal — the kit must still come up with hardware missing.
//  7. Construct the Fatigue Worker (not started: only TRIP_ACTIVE starts
//     the camera thread).
//  8. Start the Sync Worker goroutine.
//  9. Construct the trip Engine and start its main loop in its own goroutine.
// 10. Register SIGHUP handler for config hot-reload (non-destructive
//     fields only).
// 11. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel the root context (propagates to GPS reader, Sync Worker,
//     Fatigue Worker, metrics server, and the main loop).
//  2. Join the Fatigue Worker (it has its own 5s internal join timeout).
//  3. Close every driver.
//  4. Close the outbox.
//  5. Flush the logger.
//  6. Exit 0.
//
// On config validation failure: exit 1 immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/drivesentry/drivesentry/internal/api"
	"github.com/drivesentry/drivesentry/internal/config"
	"github.com/drivesentry/drivesentry/internal/drivers"
	"github.com/drivesentry/drivesentry/internal/fatigue"
	"github.com/drivesentry/drivesentry/internal/observability"
	"github.com/drivesentry/drivesentry/internal/outbox"
	"github.com/drivesentry/drivesentry/internal/syncworker"
	"github.com/drivesentry/drivesentry/internal/trip"
)

func main() {
	configPath := flag.String("config", "/etc/drivesentry/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("drivesentry %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ──────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}
	fw := &cfg.Firmware

	// ── Step 2: Logger ───────────────────────────────────────────────────
	log, err := buildLogger(fw.Observability.LogLevel, fw.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("drivesentry starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("kit_id", fw.KitID),
		zap.String("vehicle_id", fw.VehicleID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Open outbox ──────────────────────────────────────────────
	store, err := outbox.Open(fw.DBPath)
	if err != nil {
		log.Fatal("outbox open failed", zap.Error(err), zap.String("path", fw.DBPath))
	}
	defer store.Close() //nolint:errcheck
	log.Info("outbox opened", zap.String("path", fw.DBPath))

	// ── Step 4: Startup purge ────────────────────────────────────────────
	if n, err := store.PurgeOld(fw.MaxQueueItems); err != nil {
		log.Warn("startup outbox purge failed", zap.Error(err))
	} else if n > 0 {
		log.Info("startup outbox purge", zap.Int("deleted", n))
	}

	// ── Step 5: Metrics server ───────────────────────────────────────────
	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, fw.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", fw.Observability.MetricsAddr))

	// ── Step 6: Sensor Drivers Facade ────────────────────────────────────
	gps := drivers.NewGPS(fw.GPSNMEAPort, fw.GPSATPort, fw.GPSBaud, log)
	temp := drivers.NewTemperature(fw.Pins.DHT22Data)
	gas := drivers.NewGas(fw.Pins.GasDigital)
	nfc := drivers.NewNFC(fw.Pins.NFCBus)
	buzzer := drivers.NewBuzzer(fw.Pins.BuzzerPWM)
	led := drivers.NewLED(fw.Pins.LEDRed, fw.Pins.LEDGreen, fw.Pins.LEDBlue)
	buttons := drivers.NewButtons(fw.Pins.ButtonStart, fw.Pins.ButtonStop, fw.Pins.ButtonMenu, fw.Pins.ButtonBack)
	camera := drivers.NewCamera(fw.CameraDevice)

	driverOK := initAll(ctx, log, map[string]initCloser{
		"gps":     gps,
		"temp":    temp,
		"gas":     gas,
		"nfc":     nfc,
		"buzzer":  buzzer,
		"led":     led,
		"buttons": buttons,
		"camera":  camera,
	})
	defer closeAll(log, []closer{gps, temp, gas, nfc, buzzer, led, buttons, camera})

	// ── Step 7: Fatigue Worker ───────────────────────────────────────────
	fatigueWorker := fatigue.New(cfg.Fatigue, camera, log)

	// ── Step 8: Sync Worker ──────────────────────────────────────────────
	apiClient := api.New(fw.APIBaseURL, fw.KitSerial, fw.KitKey)
	syncW := syncworker.New(store, apiClient, log, fw.SyncIntervalS, fw.BatchSize, fw.MaxQueueItems)
	syncW.SetMetrics(metrics)
	go syncW.Run(ctx)
	log.Info("sync worker started", zap.Duration("interval", fw.SyncIntervalS))

	// ── Step 9: Trip Engine ──────────────────────────────────────────────
	engine := trip.New(*fw, trip.Deps{
		GPS:     gps,
		Temp:    temp,
		Gas:     gas,
		NFC:     nfc,
		Buzzer:  buzzer,
		LED:     led,
		Buttons: buttons,
		Fatigue: fatigueWorker,
		Outbox:  store,
	}, log)
	engine.SetMetrics(metrics)

	// ── Step 10: SIGHUP hot-reload ───────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			probe := newCfg.Firmware
			config.ApplyReloadable(&probe, *fw)
			if probe != *fw {
				log.Warn("config hot-reload: restart-only fields changed and were ignored")
			}
			config.ApplyReloadable(fw, newCfg.Firmware)
			engine.Reload(*fw)
			syncW.Reload(fw.SyncIntervalS, fw.BatchSize, fw.MaxQueueItems)
			log.Info("config hot-reload applied",
				zap.Duration("telemetry_interval_s", fw.TelemetryIntervalS),
				zap.Duration("sync_interval_s", fw.SyncIntervalS))
		}
	}()

	// Main loop runs in its own goroutine; Run returns once ctx is cancelled.
	go engine.Run(ctx, driverOK)

	// ── Step 11: Wait for shutdown signal ────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	if fatigueWorker.Running() {
		fatigueWorker.Stop()
	}

	log.Info("drivesentry shutdown complete")
}

// initCloser is satisfied by every driver: Init(ctx) to bring it up,
// Close() to tear it down. Init failure is DriverAbsent, not fatal.
type initCloser interface {
	Init(ctx context.Context) error
	Close() error
}

type closer interface {
	Close() error
}

// initAll initialises every named driver, logging and recording failures
// rather than aborting boot. Returns the driver_ok map carried in the
// boot health event.
func initAll(ctx context.Context, log *zap.Logger, ds map[string]initCloser) map[string]bool {
	ok := make(map[string]bool, len(ds))
	for name, d := range ds {
		if err := d.Init(ctx); err != nil {
			log.Warn("driver init failed, continuing without it",
				zap.String("driver", name), zap.Error(err))
			ok[name] = false
			continue
		}
		ok[name] = true
	}
	return ok
}

func closeAll(log *zap.Logger, cs []closer) {
	for _, c := range cs {
		if err := c.Close(); err != nil {
			log.Warn("driver close failed", zap.Error(err))
		}
	}
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return zcfg.Build()
}
