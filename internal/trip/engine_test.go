// Test coverage:
//   - boot emits one health event and lands in READY
//   - start in READY opens AUTH_NFC; a presented badge carries the
//     SHA-256 uid hash and falls back to offline_allowed identity
//   - a cached badge resolves locally with auth_result=success
//   - AUTH_NFC times out back to READY after 60s
//   - alcohol warmup -> blow -> pass gates trip start; trip_open carries a
//     fresh UUID and starts the fatigue worker
//   - a gas-positive blow emits alcohol{fail} + alert{alcohol_fail} and
//     never a trip_open; start retests, back abandons
//   - one fatigue alert per distinct level-2 episode, not per tick
//   - gas and temp-critical alerts are also per-episode; temp warn band
//     buzzes without an event
//   - stop confirm emits trip_close, stops the fatigue worker, clears
//     trip_id; back cancels the confirm
//   - menu cycles pages and returns to the previous state
//   - telemetry is wrapped in {"points": [...]} and carries trip_id only
//     during a trip

package trip

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drivesentry/drivesentry/internal/config"
	"github.com/drivesentry/drivesentry/internal/drivers"
	"github.com/drivesentry/drivesentry/internal/fatigue"
	"github.com/drivesentry/drivesentry/internal/outbox"
	"github.com/drivesentry/drivesentry/internal/telemetry"
)

type fakeGPS struct {
	fix       drivers.GPSFix
	refreshes int
}

func (f *fakeGPS) Read() drivers.GPSFix  { return f.fix }
func (f *fakeGPS) RefreshNetwork() error { f.refreshes++; return nil }

type fakeTemp struct {
	tempC, humid float64
	ok           bool
}

func (f *fakeTemp) Read() (float64, float64, bool) { return f.tempC, f.humid, f.ok }

type fakeGas struct {
	detected, ok bool
}

func (f *fakeGas) Detected() bool { return f.detected }
func (f *fakeGas) OK() bool       { return f.ok }

type fakeNFC struct {
	badge *drivers.Badge
}

func (f *fakeNFC) Scan(_ context.Context, _ time.Duration) (*drivers.Badge, error) {
	b := f.badge
	f.badge = nil
	return b, nil
}

type fakeBuzzer struct {
	patterns []drivers.Pattern
}

func (f *fakeBuzzer) Play(p drivers.Pattern) { f.patterns = append(f.patterns, p) }

func (f *fakeBuzzer) count(p drivers.Pattern) int {
	n := 0
	for _, got := range f.patterns {
		if got == p {
			n++
		}
	}
	return n
}

type fakeLED struct {
	lastNamed string
	blinking  bool
}

func (f *fakeLED) SetNamed(name string)                       { f.lastNamed = name; f.blinking = false }
func (f *fakeLED) Blink(string, time.Duration, time.Duration) { f.blinking = true }
func (f *fakeLED) Off()                                       { f.lastNamed = "off"; f.blinking = false }

type fakeButtons struct {
	events []drivers.ButtonEvent
}

func (f *fakeButtons) push(evt drivers.ButtonEvent) { f.events = append(f.events, evt) }

func (f *fakeButtons) Poll() (drivers.ButtonEvent, bool) {
	if len(f.events) == 0 {
		return "", false
	}
	evt := f.events[0]
	f.events = f.events[1:]
	return evt, true
}

type fakeFatigue struct {
	snap    fatigue.Snapshot
	running bool
	starts  int
	stops   int
}

func (f *fakeFatigue) Start(context.Context)      { f.running = true; f.starts++ }
func (f *fakeFatigue) Stop()                      { f.running = false; f.stops++ }
func (f *fakeFatigue) Running() bool              { return f.running }
func (f *fakeFatigue) Snapshot() fatigue.Snapshot { return f.snap }

type enqueued struct {
	endpoint outbox.Endpoint
	payload  []byte
}

type fakeOutbox struct {
	items  []enqueued
	badges map[string]outbox.BadgeCacheEntry
	nextID uint64
}

func newFakeOutbox() *fakeOutbox {
	return &fakeOutbox{badges: map[string]outbox.BadgeCacheEntry{}}
}

func (f *fakeOutbox) Enqueue(endpoint outbox.Endpoint, payload []byte) (uint64, error) {
	f.nextID++
	f.items = append(f.items, enqueued{endpoint, payload})
	return f.nextID, nil
}

func (f *fakeOutbox) LookupBadge(uidHash string) (*outbox.BadgeCacheEntry, error) {
	if entry, ok := f.badges[uidHash]; ok {
		return &entry, nil
	}
	return nil, nil
}

func (f *fakeOutbox) CacheBadge(uidHash string, entry outbox.BadgeCacheEntry) error {
	f.badges[uidHash] = entry
	return nil
}

func (f *fakeOutbox) QueueSize() (int, error) { return len(f.items), nil }

func (f *fakeOutbox) byEndpoint(endpoint outbox.Endpoint) [][]byte {
	var out [][]byte
	for _, it := range f.items {
		if it.endpoint == endpoint {
			out = append(out, it.payload)
		}
	}
	return out
}

type testRig struct {
	engine  *Engine
	gps     *fakeGPS
	temp    *fakeTemp
	gas     *fakeGas
	nfc     *fakeNFC
	buzzer  *fakeBuzzer
	led     *fakeLED
	buttons *fakeButtons
	fat     *fakeFatigue
	out     *fakeOutbox
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	r := &testRig{
		gps:     &fakeGPS{fix: drivers.GPSFix{Lat: 48.85, Lon: 2.35, FixQuality: 1, Satellites: 7, OK: true, NetworkType: "4G", SignalDBm: -71}},
		temp:    &fakeTemp{tempC: 22, humid: 40, ok: true},
		gas:     &fakeGas{ok: true},
		nfc:     &fakeNFC{},
		buzzer:  &fakeBuzzer{},
		led:     &fakeLED{},
		buttons: &fakeButtons{},
		fat:     &fakeFatigue{},
		out:     newFakeOutbox(),
	}
	cfg := config.FirmwareConfig{
		OrgID:              "org-1",
		VehicleID:          "veh-1",
		KitID:              "kit-1",
		TelemetryIntervalS: time.Hour,
		AlcoholWarmupS:     20 * time.Second,
		AlcoholBlowS:       7 * time.Second,
		TempWarnC:          38,
		TempCriticalC:      45,
	}
	r.engine = New(cfg, Deps{
		GPS:     r.gps,
		Temp:    r.temp,
		Gas:     r.gas,
		NFC:     r.nfc,
		Buzzer:  r.buzzer,
		LED:     r.led,
		Buttons: r.buttons,
		Fatigue: r.fat,
		Outbox:  r.out,
	}, zap.NewNop())
	// Keep the timer-driven side effects quiet unless a test asks for them.
	r.engine.lastTelemetry = time.Now()
	r.engine.lastNetworkRefresh = time.Now()
	return r
}

func (r *testRig) tick(t *testing.T) {
	t.Helper()
	r.engine.tick(context.Background())
}

// enterState force-positions the session for tests that don't need the full
// path from boot.
func (r *testRig) enterState(s State) {
	r.engine.Session.transition(s)
}

func TestBoot_EmitsHealthAndEntersReady(t *testing.T) {
	r := newRig(t)
	r.engine.boot(map[string]bool{"gps": true, "nfc": false})

	if r.engine.Session.Current != StateReady {
		t.Fatalf("expected READY after boot, got %s", r.engine.Session.Current)
	}
	payloads := r.out.byEndpoint(outbox.EndpointHealth)
	if len(payloads) != 1 {
		t.Fatalf("expected exactly one health event, got %d", len(payloads))
	}
	var h telemetry.Health
	if err := json.Unmarshal(payloads[0], &h); err != nil {
		t.Fatalf("health payload: %v", err)
	}
	if h.FirmwareVersion != FirmwareVersion || h.DriverOK["nfc"] {
		t.Fatalf("health event fields wrong: %+v", h)
	}
}

func TestAuth_OfflineAllowedWithUIDHash(t *testing.T) {
	r := newRig(t)
	r.engine.boot(nil)

	r.buttons.push(drivers.ButtonStart)
	r.tick(t)
	if r.engine.Session.Current != StateAuthNFC {
		t.Fatalf("expected AUTH_NFC, got %s", r.engine.Session.Current)
	}

	uid := []byte{0x04, 0xA1, 0xB2, 0xC3}
	sum := sha256.Sum256(uid)
	wantHash := hex.EncodeToString(sum[:])
	r.nfc.badge = &drivers.Badge{
		UIDBytes: uid,
		UIDHex:   hex.EncodeToString(uid),
		UIDHash:  wantHash,
	}
	r.tick(t)

	if r.engine.Session.Current != StateAlcoholCheck || r.engine.Session.AlcoholPhase != AlcoholWarmup {
		t.Fatalf("expected ALCOHOL_CHECK.warmup, got %s.%s", r.engine.Session.Current, r.engine.Session.AlcoholPhase)
	}
	payloads := r.out.byEndpoint(outbox.EndpointNFCAuth)
	if len(payloads) != 1 {
		t.Fatalf("expected one nfc_auth event, got %d", len(payloads))
	}
	var auth telemetry.NFCAuth
	if err := json.Unmarshal(payloads[0], &auth); err != nil {
		t.Fatal(err)
	}
	if auth.UIDHash != wantHash {
		t.Fatalf("uid_hash = %q, want %q", auth.UIDHash, wantHash)
	}
	if auth.AuthResult != "offline_allowed" {
		t.Fatalf("auth_result = %q, want offline_allowed", auth.AuthResult)
	}
	if auth.DriverID != wantHash[:8] {
		t.Fatalf("synthetic driver_id = %q, want first 8 chars of uid hash", auth.DriverID)
	}
	if auth.Lat != 48.85 || auth.Lon != 2.35 {
		t.Fatalf("auth event missing geolocation: %+v", auth)
	}
}

func TestAuth_CachedBadgeResolvesLocally(t *testing.T) {
	r := newRig(t)
	r.engine.boot(nil)
	r.enterState(StateAuthNFC)

	uid := []byte{0x11, 0x22}
	sum := sha256.Sum256(uid)
	hash := hex.EncodeToString(sum[:])
	r.out.badges[hash] = outbox.BadgeCacheEntry{DriverID: "D42", DriverName: "Alice"}

	r.nfc.badge = &drivers.Badge{UIDBytes: uid, UIDHex: hex.EncodeToString(uid), UIDHash: hash}
	r.tick(t)

	var auth telemetry.NFCAuth
	if err := json.Unmarshal(r.out.byEndpoint(outbox.EndpointNFCAuth)[0], &auth); err != nil {
		t.Fatal(err)
	}
	if auth.AuthResult != "success" || auth.DriverID != "D42" {
		t.Fatalf("expected locally-resolved driver, got %+v", auth)
	}
	if r.engine.Session.DriverName != "Alice" {
		t.Fatalf("session driver name = %q, want Alice", r.engine.Session.DriverName)
	}
}

func TestAuth_TimesOutBackToReady(t *testing.T) {
	r := newRig(t)
	r.engine.boot(nil)
	r.enterState(StateAuthNFC)
	r.engine.Session.StateEnteredAt = time.Now().Add(-61 * time.Second)

	r.tick(t)
	if r.engine.Session.Current != StateReady {
		t.Fatalf("expected READY after 60s AUTH_NFC timeout, got %s", r.engine.Session.Current)
	}
}

// driveToAlcoholPass walks the session through warmup and a clean blow.
func driveToAlcoholPass(t *testing.T, r *testRig) {
	t.Helper()
	r.engine.boot(nil)
	r.enterState(StateAlcoholCheck)
	r.engine.Session.DriverID = "D42"
	r.engine.Session.enterAlcoholPhase(AlcoholWarmup)

	r.engine.Session.AlcoholPhaseStartedAt = time.Now().Add(-21 * time.Second)
	r.tick(t)
	if r.engine.Session.AlcoholPhase != AlcoholBlow {
		t.Fatalf("expected blow phase after warmup elapsed, got %s", r.engine.Session.AlcoholPhase)
	}

	r.engine.Session.AlcoholPhaseStartedAt = time.Now().Add(-8 * time.Second)
	r.tick(t)
	if r.engine.Session.AlcoholPhase != AlcoholPass {
		t.Fatalf("expected pass phase after clean blow, got %s", r.engine.Session.AlcoholPhase)
	}
}

func TestAlcohol_PassGatesTripOpen(t *testing.T) {
	r := newRig(t)
	driveToAlcoholPass(t, r)

	var test telemetry.AlcoholTest
	if err := json.Unmarshal(r.out.byEndpoint(outbox.EndpointAlcohol)[0], &test); err != nil {
		t.Fatal(err)
	}
	if test.Result != "pass" || !test.OK {
		t.Fatalf("expected pass result, got %+v", test)
	}

	r.buttons.push(drivers.ButtonStart)
	r.tick(t)

	if r.engine.Session.Current != StateTripActive {
		t.Fatalf("expected TRIP_ACTIVE, got %s", r.engine.Session.Current)
	}
	if !r.fat.running || r.fat.starts != 1 {
		t.Fatal("expected fatigue worker started exactly once on trip open")
	}

	opens := r.out.byEndpoint(outbox.EndpointTripOpen)
	if len(opens) != 1 {
		t.Fatalf("expected one trip_open, got %d", len(opens))
	}
	var open telemetry.TripOpen
	if err := json.Unmarshal(opens[0], &open); err != nil {
		t.Fatal(err)
	}
	if _, err := uuid.Parse(open.TripID); err != nil {
		t.Fatalf("trip_id %q is not a valid UUID: %v", open.TripID, err)
	}
	if open.TripID != r.engine.Session.TripID {
		t.Fatal("trip_open trip_id must match the session")
	}
}

func TestAlcohol_FailBlocksTripAndAlerts(t *testing.T) {
	r := newRig(t)
	r.engine.boot(nil)
	r.enterState(StateAlcoholCheck)
	r.engine.Session.enterAlcoholPhase(AlcoholBlow)
	r.engine.Session.AlcoholPhaseStartedAt = time.Now().Add(-8 * time.Second)
	r.gas.detected = true

	r.tick(t)
	if r.engine.Session.AlcoholPhase != AlcoholFail {
		t.Fatalf("expected fail phase, got %s", r.engine.Session.AlcoholPhase)
	}

	var test telemetry.AlcoholTest
	if err := json.Unmarshal(r.out.byEndpoint(outbox.EndpointAlcohol)[0], &test); err != nil {
		t.Fatal(err)
	}
	if test.Result != "fail" {
		t.Fatalf("expected fail result, got %+v", test)
	}

	alerts := r.out.byEndpoint(outbox.EndpointAlert)
	if len(alerts) != 1 {
		t.Fatalf("expected one alcohol_fail alert, got %d", len(alerts))
	}
	var alert telemetry.Alert
	if err := json.Unmarshal(alerts[0], &alert); err != nil {
		t.Fatal(err)
	}
	if alert.AlertType != telemetry.AlertAlcoholFail || alert.Severity != telemetry.SeverityCritical {
		t.Fatalf("wrong alert: %+v", alert)
	}
	if !r.led.blinking {
		t.Fatal("expected red blink on alcohol fail")
	}
	if len(r.out.byEndpoint(outbox.EndpointTripOpen)) != 0 {
		t.Fatal("trip_open must never be emitted for a failed session")
	}

	// start retests from warmup
	r.buttons.push(drivers.ButtonStart)
	r.tick(t)
	if r.engine.Session.AlcoholPhase != AlcoholWarmup {
		t.Fatalf("expected retest back in warmup, got %s", r.engine.Session.AlcoholPhase)
	}

	// back abandons to READY
	r.engine.Session.enterAlcoholPhase(AlcoholFail)
	r.buttons.push(drivers.ButtonBack)
	r.tick(t)
	if r.engine.Session.Current != StateReady {
		t.Fatalf("expected READY after back on fail, got %s", r.engine.Session.Current)
	}
	if r.engine.Session.DriverID != "" {
		t.Fatal("expected driver identity cleared when abandoning")
	}
}

// driveToTripActive positions the session mid-trip with a known trip id.
func driveToTripActive(r *testRig) {
	r.engine.boot(nil)
	r.enterState(StateTripActive)
	r.engine.Session.TripID = uuid.NewString()
	r.engine.Session.DriverID = "D42"
	r.fat.running = true
}

func TestTripActive_OneFatigueAlertPerEpisode(t *testing.T) {
	r := newRig(t)
	driveToTripActive(r)

	r.fat.snap = fatigue.Snapshot{Level: fatigue.LevelAlert, OK: true, NodCount: 4}
	r.tick(t)
	r.tick(t)
	r.tick(t)

	alerts := r.out.byEndpoint(outbox.EndpointAlert)
	if len(alerts) != 1 {
		t.Fatalf("expected exactly one alert for a sustained episode, got %d", len(alerts))
	}
	var alert telemetry.Alert
	if err := json.Unmarshal(alerts[0], &alert); err != nil {
		t.Fatal(err)
	}
	if alert.AlertType != telemetry.AlertFatigue || alert.TripID != r.engine.Session.TripID {
		t.Fatalf("wrong fatigue alert: %+v", alert)
	}
	if !r.led.blinking {
		t.Fatal("expected red blink during fatigue alert")
	}

	// Episode clears, then a second one starts: exactly one more alert.
	r.fat.snap = fatigue.Snapshot{Level: fatigue.LevelNormal, OK: true}
	r.tick(t)
	r.fat.snap = fatigue.Snapshot{Level: fatigue.LevelAlert, OK: true, NodCount: 5}
	r.tick(t)
	r.tick(t)

	if got := len(r.out.byEndpoint(outbox.EndpointAlert)); got != 2 {
		t.Fatalf("expected a second alert for a distinct episode, got %d total", got)
	}
}

func TestTripActive_UncalibratedPipelineNeverAlerts(t *testing.T) {
	r := newRig(t)
	driveToTripActive(r)

	r.fat.snap = fatigue.Snapshot{Level: fatigue.LevelAlert, OK: false}
	r.tick(t)

	if len(r.out.byEndpoint(outbox.EndpointAlert)) != 0 {
		t.Fatal("an uncalibrated snapshot (ok=false) must not raise fatigue alerts")
	}
}

func TestTripActive_WarningLevelSetsLEDOnly(t *testing.T) {
	r := newRig(t)
	driveToTripActive(r)

	r.fat.snap = fatigue.Snapshot{Level: fatigue.LevelWarning, OK: true}
	r.tick(t)

	if r.led.lastNamed != "warning" {
		t.Fatalf("expected warning LED, got %q", r.led.lastNamed)
	}
	if len(r.out.byEndpoint(outbox.EndpointAlert)) != 0 {
		t.Fatal("warning level must not enqueue an alert")
	}
}

func TestTripActive_GasAndTempEpisodes(t *testing.T) {
	r := newRig(t)
	driveToTripActive(r)

	r.gas.detected = true
	r.tick(t)
	r.tick(t)

	alerts := r.out.byEndpoint(outbox.EndpointAlert)
	if len(alerts) != 1 {
		t.Fatalf("expected one gas alert per episode, got %d", len(alerts))
	}
	var alert telemetry.Alert
	if err := json.Unmarshal(alerts[0], &alert); err != nil {
		t.Fatal(err)
	}
	if alert.AlertType != telemetry.AlertGasDetected {
		t.Fatalf("wrong alert type: %+v", alert)
	}
	r.gas.detected = false

	r.temp.tempC = 46
	r.tick(t)
	r.tick(t)
	alerts = r.out.byEndpoint(outbox.EndpointAlert)
	if len(alerts) != 2 {
		t.Fatalf("expected one temp_critical alert per episode, got %d total", len(alerts))
	}
	if err := json.Unmarshal(alerts[1], &alert); err != nil {
		t.Fatal(err)
	}
	if alert.AlertType != telemetry.AlertTempCrit {
		t.Fatalf("wrong alert type: %+v", alert)
	}
}

func TestTripActive_TempWarnBuzzesWithoutEvent(t *testing.T) {
	r := newRig(t)
	driveToTripActive(r)

	r.temp.tempC = 40
	r.tick(t)

	if len(r.out.byEndpoint(outbox.EndpointAlert)) != 0 {
		t.Fatal("warn band must not enqueue an event")
	}
	if r.buzzer.count(drivers.PatternWarning) != 1 {
		t.Fatalf("expected one warning buzz, got %d", r.buzzer.count(drivers.PatternWarning))
	}
}

func TestTripStop_ConfirmClosesTrip(t *testing.T) {
	r := newRig(t)
	driveToTripActive(r)
	tripID := r.engine.Session.TripID

	r.buttons.push(drivers.ButtonStop)
	r.tick(t)
	if r.engine.Session.Current != StateTripStopConfirm {
		t.Fatalf("expected TRIP_STOP_CONFIRM, got %s", r.engine.Session.Current)
	}
	if r.engine.Session.TripID != tripID {
		t.Fatal("trip_id must survive into TRIP_STOP_CONFIRM")
	}

	// back cancels
	r.buttons.push(drivers.ButtonBack)
	r.tick(t)
	if r.engine.Session.Current != StateTripActive {
		t.Fatalf("expected back to TRIP_ACTIVE, got %s", r.engine.Session.Current)
	}

	// stop then confirm
	r.buttons.push(drivers.ButtonStop)
	r.tick(t)
	r.buttons.push(drivers.ButtonStart)
	r.tick(t)

	if r.engine.Session.Current != StateReady {
		t.Fatalf("expected READY after confirm, got %s", r.engine.Session.Current)
	}
	if r.engine.Session.TripID != "" {
		t.Fatal("trip_id must be cleared leaving TRIP_ACTIVE")
	}
	if r.fat.stops != 1 {
		t.Fatalf("expected fatigue worker stopped once, got %d", r.fat.stops)
	}

	closes := r.out.byEndpoint(outbox.EndpointTripClose)
	if len(closes) != 1 {
		t.Fatalf("expected one trip_close, got %d", len(closes))
	}
	var tc telemetry.TripClose
	if err := json.Unmarshal(closes[0], &tc); err != nil {
		t.Fatal(err)
	}
	if tc.TripID != tripID || tc.Status != "stopped_by_button" {
		t.Fatalf("wrong trip_close: %+v", tc)
	}
}

func TestMenu_CyclesPagesAndReturns(t *testing.T) {
	r := newRig(t)
	r.engine.boot(nil)

	r.buttons.push(drivers.ButtonMenu)
	r.tick(t)
	if r.engine.Session.Current != StateMenu {
		t.Fatalf("expected MENU, got %s", r.engine.Session.Current)
	}

	for i := 0; i < 5; i++ {
		r.buttons.push(drivers.ButtonMenu)
		r.tick(t)
	}
	if r.engine.Session.MenuPage != 5%4 {
		t.Fatalf("expected menu page wrap at 4, got %d", r.engine.Session.MenuPage)
	}

	r.buttons.push(drivers.ButtonBack)
	r.tick(t)
	if r.engine.Session.Current != StateReady {
		t.Fatalf("expected return to READY, got %s", r.engine.Session.Current)
	}
	if r.engine.Session.MenuPage != 0 {
		t.Fatal("menu page must reset on exit")
	}
}

func TestTelemetry_PointsWrapperAndTripID(t *testing.T) {
	r := newRig(t)
	driveToTripActive(r)
	r.engine.lastTelemetry = time.Time{} // due immediately

	r.tick(t)

	payloads := r.out.byEndpoint(outbox.EndpointTelemetry)
	if len(payloads) != 1 {
		t.Fatalf("expected one telemetry batch, got %d", len(payloads))
	}
	var batch telemetry.PointBatch
	if err := json.Unmarshal(payloads[0], &batch); err != nil {
		t.Fatal(err)
	}
	if len(batch.Points) != 1 {
		t.Fatalf("expected a single point in the batch, got %d", len(batch.Points))
	}
	p := batch.Points[0]
	if p.TripID != r.engine.Session.TripID {
		t.Fatalf("telemetry trip_id = %q, want %q", p.TripID, r.engine.Session.TripID)
	}
	if p.Lat != 48.85 || p.NetworkType != "4G" || p.SignalStrengthRSSI != -71 {
		t.Fatalf("telemetry missing sensor fields: %+v", p)
	}
}

func TestTelemetry_EmittedInReadyWithoutTripID(t *testing.T) {
	r := newRig(t)
	r.engine.boot(nil)
	r.engine.lastTelemetry = time.Time{}

	r.tick(t)

	payloads := r.out.byEndpoint(outbox.EndpointTelemetry)
	if len(payloads) != 1 {
		t.Fatalf("expected liveness telemetry in READY, got %d batches", len(payloads))
	}
	var batch telemetry.PointBatch
	if err := json.Unmarshal(payloads[0], &batch); err != nil {
		t.Fatal(err)
	}
	if batch.Points[0].TripID != "" {
		t.Fatalf("no trip is open, trip_id must be empty, got %q", batch.Points[0].TripID)
	}
}
