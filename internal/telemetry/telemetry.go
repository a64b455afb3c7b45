// Package telemetry defines the wire shapes posted to the cloud ingestion
// API, including the reserved-zero OBD-II/IMU placeholders that exist so a
// later hardware integration can start populating them without a schema
// migration on the server side.
package telemetry

import "time"

// AlertType is the closed set of discrete safety events that can be
// reported outside the periodic telemetry stream.
type AlertType string

const (
	AlertAlcoholFail AlertType = "alcohol_fail"
	AlertFatigue     AlertType = "fatigue_alert"
	AlertGasDetected AlertType = "gas_detected"
	AlertTempCrit    AlertType = "temp_critical"
)

// Severity is the urgency of an Alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Point is one periodic telemetry sample emitted during TRIP_ACTIVE (and,
// for liveness tracking, once per interval in READY). TripID is empty
// outside an active trip.
type Point struct {
	Time      time.Time `json:"time"`
	OrgID     string    `json:"org_id"`
	VehicleID string    `json:"vehicle_id"`
	KitID     string    `json:"kit_id"`
	TripID    string    `json:"trip_id,omitempty"`

	Lat           float64 `json:"lat"`
	Lon           float64 `json:"lon"`
	SpeedGPSKmh   float64 `json:"speed_gps_kmh"`
	HeadingDeg    float64 `json:"heading_deg"`
	AltitudeM     float64 `json:"altitude_m"`
	GPSFixQuality int     `json:"gps_fix_quality"`
	GPSSatellites int     `json:"gps_satellites"`
	GPSHDOP       float64 `json:"gps_hdop"`

	CabinTempC       float64 `json:"cabin_temp_c"`
	CabinHumidityPct float64 `json:"cabin_humidity_pct"`
	GasDetected      bool    `json:"gas_detected"`

	SignalStrengthRSSI int    `json:"signal_strength_rssi"`
	NetworkType        string `json:"network_type"`

	FatigueLevel        int     `json:"fatigue_level"`
	FatigueNodCount     int     `json:"fatigue_nod_count"`
	FatigueYawnCount    int     `json:"fatigue_yawn_count"`
	FatigueIsMicrosleep bool    `json:"fatigue_is_microsleep"`
	FatigueHeadDownSec  float64 `json:"fatigue_head_down_sec"`
	FatigueFaceDetected bool    `json:"fatigue_face_detected"`

	// Reserved — always present and zeroed until OBD-II / IMU hardware
	// integration ships; the ingestion schema already has the columns.
	EngineRPM          float64 `json:"engine_rpm"`
	VehicleSpeedOBDKmh float64 `json:"vehicle_speed_obd_kmh"`
	EngineLoadPct      float64 `json:"engine_load_pct"`
	FuelLevelPct       float64 `json:"fuel_level_pct"`
	BatteryVoltage     float64 `json:"battery_voltage"`
	AccelX             float64 `json:"accel_x"`
	AccelY             float64 `json:"accel_y"`
	AccelZ             float64 `json:"accel_z"`
	GyroX              float64 `json:"gyro_x"`
	GyroY              float64 `json:"gyro_y"`
	GyroZ              float64 `json:"gyro_z"`
}

// PointBatch is the outbox payload shape for the telemetry endpoint: a
// single point wrapped in a "points" array so the ingestion API can accept
// multi-point batches without a breaking schema change.
type PointBatch struct {
	Points []Point `json:"points"`
}

// Alert is a discrete, immediately-reported safety event: an alcohol test
// failure, a fatigue escalation, gas detection, or a cabin over-temperature
// condition.
type Alert struct {
	TS        time.Time      `json:"ts"`
	OrgID     string         `json:"org_id"`
	KitID     string         `json:"kit_id"`
	VehicleID string         `json:"vehicle_id"`
	TripID    string         `json:"trip_id,omitempty"`
	AlertType AlertType      `json:"alert_type"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// NFCAuth is posted on every AUTH_NFC -> ALCOHOL_CHECK transition.
type NFCAuth struct {
	TS          time.Time `json:"ts"`
	OrgID       string    `json:"org_id"`
	KitID       string    `json:"kit_id"`
	VehicleID   string    `json:"vehicle_id"`
	DriverID    string    `json:"driver_id"`
	BadgeUIDHex string    `json:"badge_uid_hex"`
	UIDHash     string    `json:"uid_hash"`
	AuthResult  string    `json:"auth_result"` // "success" | "offline_allowed"
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	GPSFix      bool      `json:"gps_fix"`
}

// AlcoholTest is posted once per completed ALCOHOL_CHECK blow window.
type AlcoholTest struct {
	TS          time.Time `json:"ts"`
	OrgID       string    `json:"org_id"`
	KitID       string    `json:"kit_id"`
	VehicleID   string    `json:"vehicle_id"`
	DriverID    string    `json:"driver_id"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	WarmupS     float64   `json:"warmup_s"`
	BlowS       float64   `json:"blow_s"`
	Result      string    `json:"result"` // "pass" | "fail"
	OK          bool      `json:"ok"`     // false if gas driver was DriverAbsent
}

// TripOpen is posted once at ALCOHOL_CHECK.pass -> TRIP_ACTIVE.
type TripOpen struct {
	TS        time.Time `json:"ts"`
	OrgID     string    `json:"org_id"`
	KitID     string    `json:"kit_id"`
	VehicleID string    `json:"vehicle_id"`
	TripID    string    `json:"trip_id"`
	DriverID  string    `json:"driver_id"`
	StartedAt time.Time `json:"started_at"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
}

// TripClose is posted once at trip end.
type TripClose struct {
	TS        time.Time `json:"ts"`
	OrgID     string    `json:"org_id"`
	KitID     string    `json:"kit_id"`
	VehicleID string    `json:"vehicle_id"`
	TripID    string    `json:"trip_id"`
	DriverID  string    `json:"driver_id"`
	EndedAt   time.Time `json:"ended_at"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Status    string    `json:"status"` // e.g. "stopped_by_button"
}

// Health is posted once at boot with firmware version and per-driver init
// status, so the server can alert on a kit that booted with missing
// hardware.
type Health struct {
	TS              time.Time       `json:"ts"`
	OrgID           string          `json:"org_id"`
	KitID           string          `json:"kit_id"`
	VehicleID       string          `json:"vehicle_id"`
	FirmwareVersion string          `json:"firmware_version"`
	DriverOK        map[string]bool `json:"driver_ok"`
}
