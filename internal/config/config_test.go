// Test coverage:
//   - Defaults() produces a config that fails validation (identity unset)
//   - Validate() accepts a fully-populated default-derived config
//   - Validate() rejects missing identity fields
//   - Validate() rejects temp_critical_c <= temp_warn_c
//   - Validate() rejects nod_alert_count <= nod_warn_count
//   - Load() surfaces read and parse errors
//   - ApplyReloadable() copies only the non-destructive fields

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/drivesentry/drivesentry/internal/config"
)

func validConfig() config.Config {
	cfg := config.Defaults()
	cfg.Firmware.OrgID = "org-1"
	cfg.Firmware.VehicleID = "veh-1"
	cfg.Firmware.KitID = "kit-1"
	cfg.Firmware.KitSerial = "SN-0001"
	cfg.Firmware.KitKey = "secret"
	return cfg
}

func TestValidate_DefaultsMissingIdentity(t *testing.T) {
	cfg := config.Defaults()
	if err := config.Validate(&cfg); err == nil {
		t.Fatal("expected defaults without identity to fail validation")
	}
}

func TestValidate_AcceptsPopulatedDefaults(t *testing.T) {
	cfg := validConfig()
	if err := config.Validate(&cfg); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestValidate_RejectsTempOrdering(t *testing.T) {
	cfg := validConfig()
	cfg.Firmware.TempCriticalC = cfg.Firmware.TempWarnC
	if err := config.Validate(&cfg); err == nil {
		t.Fatal("expected validation error for temp_critical_c <= temp_warn_c")
	}
}

func TestValidate_RejectsNodThresholdOrdering(t *testing.T) {
	cfg := validConfig()
	cfg.Fatigue.NodAlertCount = cfg.Fatigue.NodWarnCount
	if err := config.Validate(&cfg); err == nil {
		t.Fatal("expected validation error for nod_alert_count <= nod_warn_count")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error reading a missing config file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("not: [valid"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected parse error for malformed YAML")
	}
}

func TestApplyReloadable_OnlyNonDestructiveFields(t *testing.T) {
	cur := validConfig().Firmware
	next := cur
	next.DBPath = "/tmp/should-not-apply.db"
	next.BatchSize = 99
	next.TempWarnC = 40.0

	config.ApplyReloadable(&cur, next)

	if cur.DBPath == next.DBPath {
		t.Fatal("DBPath is destructive and must not be hot-swapped")
	}
	if cur.BatchSize != 99 {
		t.Fatalf("BatchSize should have been hot-swapped, got %d", cur.BatchSize)
	}
	if cur.TempWarnC != 40.0 {
		t.Fatalf("TempWarnC should have been hot-swapped, got %f", cur.TempWarnC)
	}
}
