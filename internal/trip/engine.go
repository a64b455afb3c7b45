package trip

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drivesentry/drivesentry/internal/config"
	"github.com/drivesentry/drivesentry/internal/drivers"
	"github.com/drivesentry/drivesentry/internal/fatigue"
	"github.com/drivesentry/drivesentry/internal/observability"
	"github.com/drivesentry/drivesentry/internal/outbox"
	"github.com/drivesentry/drivesentry/internal/telemetry"
)

// FirmwareVersion is reported in the boot health event.
const FirmwareVersion = "2.0.0"

const (
	authNFCTimeout = 60 * time.Second
	// nfcScanTimeout keeps the AUTH_NFC tick short enough that the loop
	// stays near its 10Hz target while still giving the reader one full
	// poll cycle per tick.
	nfcScanTimeout = 50 * time.Millisecond
	tickInterval   = 100 * time.Millisecond
	networkRefresh = 30 * time.Second
)

// GPSReader is the capability the Engine reads GPS/cellular state through.
type GPSReader interface {
	Read() drivers.GPSFix
	RefreshNetwork() error
}

// TempReader is the capability the Engine reads cabin temperature through.
type TempReader interface {
	Read() (tempC, humidPct float64, ok bool)
}

// GasReader is the capability the Engine reads the gas line through.
type GasReader interface {
	Detected() bool
	OK() bool
}

// NFCScanner is the capability the Engine scans badges through.
type NFCScanner interface {
	Scan(ctx context.Context, timeout time.Duration) (*drivers.Badge, error)
}

// BuzzerPlayer is the capability the Engine drives the buzzer through.
type BuzzerPlayer interface {
	Play(p drivers.Pattern)
}

// LEDDriver is the capability the Engine drives the status LED through.
type LEDDriver interface {
	SetNamed(name string)
	Blink(name string, onDur, offDur time.Duration)
	Off()
}

// ButtonSource is the capability the Engine polls button events through.
type ButtonSource interface {
	Poll() (drivers.ButtonEvent, bool)
}

// FatigueSource is the capability the Engine reads/controls the fatigue
// worker through.
type FatigueSource interface {
	Start(ctx context.Context)
	Stop()
	Running() bool
	Snapshot() fatigue.Snapshot
}

// Outbox is the capability the Engine enqueues domain events through.
type Outbox interface {
	Enqueue(endpoint outbox.Endpoint, payload []byte) (uint64, error)
	LookupBadge(uidHash string) (*outbox.BadgeCacheEntry, error)
	CacheBadge(uidHash string, entry outbox.BadgeCacheEntry) error
	QueueSize() (int, error)
}

// Engine owns the Session and runs the main loop: it is the sole mutator
// of Session, the sole caller of all actuator methods, and the sole source
// of outbox enqueues for domain events.
type Engine struct {
	Session *Session

	cfgMu   sync.RWMutex
	cfg     config.FirmwareConfig
	log     *zap.Logger
	metrics *observability.Metrics

	gps     GPSReader
	temp    TempReader
	gas     GasReader
	nfc     NFCScanner
	buzzer  BuzzerPlayer
	led     LEDDriver
	buttons ButtonSource
	fatigue FatigueSource
	out     Outbox

	orgID, vehicleID, kitID string

	lastTelemetry      time.Time
	lastNetworkRefresh time.Time

	// Per-episode alert latches: an alert condition enqueues one event at
	// the tick it is first observed, then stays silent until the condition
	// clears and re-occurs.
	fatigueEpisode  bool
	gasEpisode      bool
	tempCritEpisode bool
	tempWarnEpisode bool
}

// Deps bundles the Engine's collaborators; every worker is constructed
// from explicitly passed values rather than reaching through package
// globals.
type Deps struct {
	GPS     GPSReader
	Temp    TempReader
	Gas     GasReader
	NFC     NFCScanner
	Buzzer  BuzzerPlayer
	LED     LEDDriver
	Buttons ButtonSource
	Fatigue FatigueSource
	Outbox  Outbox
}

// New constructs an Engine in StateBoot.
func New(cfg config.FirmwareConfig, deps Deps, log *zap.Logger) *Engine {
	return &Engine{
		Session:   NewSession(),
		cfg:       cfg,
		log:       log,
		gps:       deps.GPS,
		temp:      deps.Temp,
		gas:       deps.Gas,
		nfc:       deps.NFC,
		buzzer:    deps.Buzzer,
		led:       deps.LED,
		buttons:   deps.Buttons,
		fatigue:   deps.Fatigue,
		out:       deps.Outbox,
		orgID:     cfg.OrgID,
		vehicleID: cfg.VehicleID,
		kitID:     cfg.KitID,
	}
}

// SetMetrics attaches a Metrics instance the Engine reports trip-state
// transitions, fatigue, and GPS gauges to. Optional.
func (e *Engine) SetMetrics(m *observability.Metrics) {
	e.metrics = m
}

// Reload swaps in a hot-reloaded FirmwareConfig. Safe to call from the
// SIGHUP goroutine while the main loop is running; the loop reads the
// tunables through conf() each tick.
func (e *Engine) Reload(fw config.FirmwareConfig) {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	config.ApplyReloadable(&e.cfg, fw)
}

func (e *Engine) conf() config.FirmwareConfig {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// Run blocks, ticking at tickInterval until ctx is cancelled. Between ticks
// the loop waits on the ticker. Within a tick, the AUTH_NFC badge scan (up
// to nfcScanTimeout), the periodic GPS network refresh (serial AT round
// trips) and the fatigue worker's Stop on trip close block the loop until
// they return.
func (e *Engine) Run(ctx context.Context, driverOK map[string]bool) {
	e.boot(driverOK)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// transitionTo moves the Session to a new state and reports the
// transition on the trip_state_transitions_total counter, if attached.
func (e *Engine) transitionTo(to State) {
	from := e.Session.Current
	e.Session.transition(to)
	if e.metrics != nil && to != from {
		e.metrics.TripStateTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
		if to == StateTripActive {
			e.metrics.TripActive.Set(1)
		} else if from == StateTripActive {
			e.metrics.TripActive.Set(0)
		}
	}
}

// boot runs the one-time BOOT handling: banner beep, health event,
// transition to READY.
func (e *Engine) boot(driverOK map[string]bool) {
	e.led.SetNamed("info")
	e.buzzer.Play(drivers.PatternInfo)

	health := telemetry.Health{
		TS:              time.Now().UTC(),
		OrgID:           e.orgID,
		KitID:           e.kitID,
		VehicleID:       e.vehicleID,
		FirmwareVersion: FirmwareVersion,
		DriverOK:        driverOK,
	}
	e.enqueue(outbox.EndpointHealth, health)

	e.transitionTo(StateReady)
	e.led.SetNamed("ok")
}

// tick runs one main-loop iteration: poll a button, dispatch the state
// handler, then run the timer-driven side effects (telemetry cadence,
// network refresh) that apply regardless of which state just ran.
func (e *Engine) tick(ctx context.Context) {
	btn, hasBtn := e.buttons.Poll()

	e.handleState(ctx, btn, hasBtn)

	now := time.Now()
	if now.Sub(e.lastTelemetry) >= e.conf().TelemetryIntervalS {
		if e.Session.Current == StateTripActive || e.Session.Current == StateReady {
			e.enqueueTelemetry()
		}
		e.lastTelemetry = now
	}
	if now.Sub(e.lastNetworkRefresh) >= networkRefresh {
		if err := e.gps.RefreshNetwork(); err != nil {
			e.log.Debug("gps network refresh failed", zap.Error(err))
		}
		e.lastNetworkRefresh = now
	}

	if e.metrics != nil {
		fix := e.gps.Read()
		e.metrics.GPSFixQuality.Set(float64(fix.FixQuality))
		e.metrics.GPSSatellites.Set(float64(fix.Satellites))
		e.metrics.CellularRSSI.Set(float64(fix.SignalDBm))
		if e.fatigue.Running() {
			snap := e.fatigue.Snapshot()
			e.metrics.FatigueLevel.Set(float64(snap.Level))
			e.metrics.FatigueNodCount.Set(float64(snap.NodCount))
			e.metrics.FatigueFPS.Set(snap.FPS)
		}
	}
}

func (e *Engine) handleState(ctx context.Context, btn drivers.ButtonEvent, hasBtn bool) {
	switch e.Session.Current {
	case StateReady:
		e.handleReady(btn, hasBtn)
	case StateAuthNFC:
		e.handleAuthNFC(ctx, btn, hasBtn)
	case StateAlcoholCheck:
		e.handleAlcoholCheck(btn, hasBtn)
	case StateTripActive:
		e.handleTripActive(ctx, btn, hasBtn)
	case StateTripStopConfirm:
		e.handleTripStopConfirm(btn, hasBtn)
	case StateMenu:
		e.handleMenu(btn, hasBtn)
	}
}

func (e *Engine) handleReady(btn drivers.ButtonEvent, hasBtn bool) {
	if !hasBtn {
		return
	}
	switch btn {
	case drivers.ButtonStart:
		e.transitionTo(StateAuthNFC)
		e.buzzer.Play(drivers.PatternInfo)
	case drivers.ButtonMenu:
		e.transitionTo(StateMenu)
	}
}

func (e *Engine) handleAuthNFC(ctx context.Context, btn drivers.ButtonEvent, hasBtn bool) {
	if hasBtn && btn == drivers.ButtonBack {
		e.Session.resetAuth()
		e.transitionTo(StateReady)
		return
	}

	badge, err := e.nfc.Scan(ctx, nfcScanTimeout)
	if err != nil {
		e.log.Debug("nfc scan error", zap.Error(err))
	}
	if badge != nil {
		e.authenticate(badge)
		return
	}

	if e.Session.TimeInState() > authNFCTimeout {
		e.transitionTo(StateReady)
	}
}

func (e *Engine) authenticate(badge *drivers.Badge) {
	authResult := "offline_allowed"
	driverID := badge.UIDHash[:8]
	driverName := fmt.Sprintf("Badge %s", lastN(badge.UIDHex, 8))

	if cached, err := e.out.LookupBadge(badge.UIDHash); err != nil {
		e.log.Warn("badge cache lookup failed", zap.Error(err))
	} else if cached != nil {
		driverID = cached.DriverID
		driverName = cached.DriverName
		authResult = "success"
	}

	e.Session.DriverID = driverID
	e.Session.DriverName = driverName
	e.Session.BadgeUIDHex = badge.UIDHex

	fix := e.gps.Read()
	e.enqueue(outbox.EndpointNFCAuth, telemetry.NFCAuth{
		TS:          time.Now().UTC(),
		OrgID:       e.orgID,
		KitID:       e.kitID,
		VehicleID:   e.vehicleID,
		DriverID:    driverID,
		BadgeUIDHex: badge.UIDHex,
		UIDHash:     badge.UIDHash,
		AuthResult:  authResult,
		Lat:         fix.Lat,
		Lon:         fix.Lon,
		GPSFix:      fix.OK,
	})

	e.buzzer.Play(drivers.PatternSuccess)
	e.led.SetNamed("ok")
	e.transitionTo(StateAlcoholCheck)
	e.Session.resetAlcohol()
	e.Session.enterAlcoholPhase(AlcoholWarmup)
}

func (e *Engine) handleAlcoholCheck(btn drivers.ButtonEvent, hasBtn bool) {
	elapsed := time.Since(e.Session.AlcoholPhaseStartedAt)
	cfg := e.conf()

	switch e.Session.AlcoholPhase {
	case AlcoholWarmup:
		if elapsed >= cfg.AlcoholWarmupS {
			e.Session.enterAlcoholPhase(AlcoholBlow)
			e.buzzer.Play(drivers.PatternInfo)
		}

	case AlcoholBlow:
		if elapsed >= cfg.AlcoholBlowS {
			e.finishBlow()
		}

	case AlcoholPass:
		if hasBtn && btn == drivers.ButtonStart {
			e.startTrip()
		}

	case AlcoholFail:
		if hasBtn {
			switch btn {
			case drivers.ButtonStart:
				e.Session.resetAlcohol()
				e.Session.enterAlcoholPhase(AlcoholWarmup)
			case drivers.ButtonBack:
				e.Session.resetAuth()
				e.Session.resetAlcohol()
				e.led.Off()
				e.led.SetNamed("ok")
				e.transitionTo(StateReady)
				return
			}
		}
	}

	if hasBtn && btn == drivers.ButtonBack && e.Session.AlcoholPhase != AlcoholFail {
		e.Session.resetAuth()
		e.Session.resetAlcohol()
		e.transitionTo(StateReady)
	}
}

func (e *Engine) finishBlow() {
	gasDetected := false
	gasOK := true
	if e.gas != nil {
		gasDetected = e.gas.Detected()
		gasOK = e.gas.OK()
	}
	failed := gasOK && gasDetected
	cfg := e.conf()
	startedAt := e.Session.AlcoholPhaseStartedAt.Add(-cfg.AlcoholWarmupS)
	endedAt := time.Now().UTC()

	result := "pass"
	if failed {
		result = "fail"
	}
	e.enqueue(outbox.EndpointAlcohol, telemetry.AlcoholTest{
		TS:        endedAt,
		OrgID:     e.orgID,
		KitID:     e.kitID,
		VehicleID: e.vehicleID,
		DriverID:  e.Session.DriverID,
		StartedAt: startedAt,
		EndedAt:   endedAt,
		WarmupS:   cfg.AlcoholWarmupS.Seconds(),
		BlowS:     cfg.AlcoholBlowS.Seconds(),
		Result:    result,
		OK:        gasOK,
	})

	if failed {
		e.Session.enterAlcoholPhase(AlcoholFail)
		e.buzzer.Play(drivers.PatternCritical)
		e.led.Blink("red", 300*time.Millisecond, 300*time.Millisecond)
		e.enqueue(outbox.EndpointAlert, telemetry.Alert{
			TS:        endedAt,
			OrgID:     e.orgID,
			KitID:     e.kitID,
			VehicleID: e.vehicleID,
			AlertType: telemetry.AlertAlcoholFail,
			Severity:  telemetry.SeverityCritical,
			Message:   "alcohol test failed, trip blocked",
			Meta:      map[string]any{"driver_id": e.Session.DriverID},
		})
		return
	}

	e.Session.enterAlcoholPhase(AlcoholPass)
	e.buzzer.Play(drivers.PatternSuccess)
	e.led.SetNamed("ok")
}

func (e *Engine) startTrip() {
	e.Session.TripID = uuid.NewString()
	e.Session.TripStartedAt = time.Now()

	fix := e.gps.Read()
	e.enqueue(outbox.EndpointTripOpen, telemetry.TripOpen{
		TS:        time.Now().UTC(),
		OrgID:     e.orgID,
		KitID:     e.kitID,
		VehicleID: e.vehicleID,
		TripID:    e.Session.TripID,
		DriverID:  e.Session.DriverID,
		StartedAt: e.Session.TripStartedAt.UTC(),
		Lat:       fix.Lat,
		Lon:       fix.Lon,
	})

	if !e.fatigue.Running() {
		e.fatigue.Start(context.Background())
	}

	e.fatigueEpisode = false
	e.gasEpisode = false
	e.tempCritEpisode = false
	e.tempWarnEpisode = false

	e.transitionTo(StateTripActive)
	e.buzzer.Play(drivers.PatternSuccess)
}

func (e *Engine) handleTripActive(ctx context.Context, btn drivers.ButtonEvent, hasBtn bool) {
	snap := e.fatigue.Snapshot()
	now := time.Now().UTC()

	// Each alert condition is latched per episode: one event at the tick
	// the condition is first observed, nothing more until it clears and
	// comes back. A pipeline that has not finished calibrating (snap.OK
	// false) never raises fatigue alerts.
	switch {
	case snap.OK && snap.Level == fatigue.LevelAlert:
		if !e.fatigueEpisode {
			e.fatigueEpisode = true
			e.led.Blink("red", 200*time.Millisecond, 200*time.Millisecond)
			e.buzzer.Play(drivers.PatternCritical)
			e.enqueue(outbox.EndpointAlert, telemetry.Alert{
				TS:        now,
				OrgID:     e.orgID,
				KitID:     e.kitID,
				VehicleID: e.vehicleID,
				TripID:    e.Session.TripID,
				AlertType: telemetry.AlertFatigue,
				Severity:  telemetry.SeverityCritical,
				Message:   fmt.Sprintf("fatigue alert level %d", snap.Level),
				Meta: map[string]any{
					"nod_count":     snap.NodCount,
					"yawn_count":    snap.YawnCount,
					"is_microsleep": snap.IsMicrosleep,
				},
			})
		}
	case snap.OK && snap.Level == fatigue.LevelWarning:
		e.fatigueEpisode = false
		e.led.SetNamed("warning")
	default:
		e.fatigueEpisode = false
		e.led.SetNamed("ok")
	}

	gasNow := e.gas != nil && e.gas.OK() && e.gas.Detected()
	if gasNow && !e.gasEpisode {
		e.buzzer.Play(drivers.PatternCritical)
		e.enqueue(outbox.EndpointAlert, telemetry.Alert{
			TS:        now,
			OrgID:     e.orgID,
			KitID:     e.kitID,
			VehicleID: e.vehicleID,
			TripID:    e.Session.TripID,
			AlertType: telemetry.AlertGasDetected,
			Severity:  telemetry.SeverityCritical,
			Message:   "gas detected in cabin",
		})
	}
	e.gasEpisode = gasNow

	if e.temp != nil {
		cfg := e.conf()
		tempC, _, ok := e.temp.Read()
		if ok {
			switch {
			case tempC >= cfg.TempCriticalC:
				if !e.tempCritEpisode {
					e.tempCritEpisode = true
					e.buzzer.Play(drivers.PatternCritical)
					e.enqueue(outbox.EndpointAlert, telemetry.Alert{
						TS:        now,
						OrgID:     e.orgID,
						KitID:     e.kitID,
						VehicleID: e.vehicleID,
						TripID:    e.Session.TripID,
						AlertType: telemetry.AlertTempCrit,
						Severity:  telemetry.SeverityCritical,
						Message:   fmt.Sprintf("cabin temperature critical: %.1fC", tempC),
					})
				}
			case tempC >= cfg.TempWarnC:
				e.tempCritEpisode = false
				if !e.tempWarnEpisode {
					e.tempWarnEpisode = true
					e.buzzer.Play(drivers.PatternWarning)
				}
			default:
				e.tempCritEpisode = false
				e.tempWarnEpisode = false
			}
		}
	}

	if hasBtn {
		switch btn {
		case drivers.ButtonStop:
			e.transitionTo(StateTripStopConfirm)
			e.buzzer.Play(drivers.PatternInfo)
		case drivers.ButtonMenu:
			e.transitionTo(StateMenu)
		}
	}
}

func (e *Engine) handleTripStopConfirm(btn drivers.ButtonEvent, hasBtn bool) {
	if !hasBtn {
		return
	}
	switch btn {
	case drivers.ButtonStart:
		fix := e.gps.Read()
		e.enqueue(outbox.EndpointTripClose, telemetry.TripClose{
			TS:        time.Now().UTC(),
			OrgID:     e.orgID,
			KitID:     e.kitID,
			VehicleID: e.vehicleID,
			TripID:    e.Session.TripID,
			DriverID:  e.Session.DriverID,
			EndedAt:   time.Now().UTC(),
			Lat:       fix.Lat,
			Lon:       fix.Lon,
			Status:    "stopped_by_button",
		})
		e.fatigue.Stop()
		e.Session.resetTrip()
		e.Session.resetAuth()
		e.led.Off()
		e.led.SetNamed("ok")
		e.buzzer.Play(drivers.PatternSuccess)
		e.transitionTo(StateReady)
	case drivers.ButtonBack:
		e.transitionTo(StateTripActive)
	}
}

func (e *Engine) handleMenu(btn drivers.ButtonEvent, hasBtn bool) {
	if !hasBtn {
		return
	}
	switch btn {
	case drivers.ButtonMenu:
		e.Session.cycleMenuPage()
	case drivers.ButtonBack:
		e.Session.MenuPage = 0
		e.transitionTo(e.Session.Previous)
	}
}

// enqueueTelemetry builds one telemetry point from all current sensor
// reads and enqueues it wrapped in the {"points": [...]} payload shape the
// ingestion API accepts.
func (e *Engine) enqueueTelemetry() {
	fix := e.gps.Read()

	var tempC, humidPct float64
	if e.temp != nil {
		tempC, humidPct, _ = e.temp.Read()
	}

	gasDetected := false
	if e.gas != nil && e.gas.OK() {
		gasDetected = e.gas.Detected()
	}

	snap := e.fatigue.Snapshot()

	point := telemetry.Point{
		Time:                time.Now().UTC(),
		OrgID:               e.orgID,
		VehicleID:           e.vehicleID,
		KitID:               e.kitID,
		TripID:              e.Session.TripID,
		Lat:                 fix.Lat,
		Lon:                 fix.Lon,
		SpeedGPSKmh:         fix.SpeedKmh,
		HeadingDeg:          fix.HeadingDeg,
		AltitudeM:           fix.AltitudeM,
		GPSFixQuality:       fix.FixQuality,
		GPSSatellites:       fix.Satellites,
		GPSHDOP:             fix.HDOP,
		CabinTempC:          tempC,
		CabinHumidityPct:    humidPct,
		GasDetected:         gasDetected,
		SignalStrengthRSSI:  fix.SignalDBm,
		NetworkType:         fix.NetworkType,
		FatigueLevel:        int(snap.Level),
		FatigueNodCount:     snap.NodCount,
		FatigueYawnCount:    snap.YawnCount,
		FatigueIsMicrosleep: snap.IsMicrosleep,
		FatigueHeadDownSec:  snap.HeadDownSec,
		FatigueFaceDetected: snap.FaceDetected,
	}

	e.enqueue(outbox.EndpointTelemetry, telemetry.PointBatch{Points: []telemetry.Point{point}})
}

// enqueue marshals v and enqueues it under endpoint. A marshal failure is
// logged, not retried: a value that cannot be marshaled by this process
// will never marshal on a later attempt either.
func (e *Engine) enqueue(endpoint outbox.Endpoint, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		e.log.Error("event marshal failed, dropping", zap.String("endpoint", string(endpoint)), zap.Error(err))
		return
	}
	if _, err := e.out.Enqueue(endpoint, payload); err != nil {
		e.log.Error("outbox enqueue failed", zap.String("endpoint", string(endpoint)), zap.Error(err))
		return
	}
	if e.metrics != nil {
		e.metrics.OutboxEnqueuedTotal.WithLabelValues(string(endpoint)).Inc()
	}
}

func lastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
