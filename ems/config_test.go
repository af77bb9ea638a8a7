package ems

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.ChargerID = "charger-1"
	cfg.ChargerInterface = "can0"
	cfg.BatteryID = "battery-1"
	cfg.BatteryInterface = "can0"
	cfg.PcsID = "pcs-1"
	cfg.PcsHost = "10.0.0.1"
	cfg.PcsPort = 502
	cfg.PvDcdcID = "pv-1"
	cfg.PvDcdcHost = "10.0.0.2"
	cfg.PvDcdcPort = 502
	cfg.GensetID = "genset-1"
	cfg.GensetHost = "10.0.0.3"
	cfg.GensetPort = 502
	cfg.CanInterface = "can0"
	return cfg
}

func TestConfig_ValidateRequiresBusIdentityFields(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}

	cfg.ChargerID = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for empty charger_id")
	}
}

func TestConfig_ValidateRejectsBadPorts(t *testing.T) {
	cfg := validConfig()
	cfg.PcsPort = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for pcs_port=0")
	}

	cfg = validConfig()
	cfg.PcsPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for pcs_port=70000")
	}
}

func TestConfig_ValidateRejectsBadSocThreshold(t *testing.T) {
	cfg := validConfig()
	cfg.SocThresholdPct = -1
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for negative soc_threshold_pct")
	}

	cfg = validConfig()
	cfg.SocThresholdPct = 101
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for soc_threshold_pct > 100")
	}
}

func TestConfig_MarshalUnmarshalDurationRoundTrip(t *testing.T) {
	cfg := validConfig()
	cfg.ControlInterval = 7 * time.Second
	cfg.TelemetryTick = 250 * time.Millisecond

	data, err := cfg.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if !strings.Contains(string(data), `"control_interval":"7s"`) {
		t.Errorf("expected control_interval rendered as a duration string, got: %s", data)
	}

	loaded, err := LoadConfigFromReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.ControlInterval != 7*time.Second {
		t.Errorf("control_interval round-trip: got %v, want 7s", loaded.ControlInterval)
	}
	if loaded.TelemetryTick != 250*time.Millisecond {
		t.Errorf("telemetry_tick round-trip: got %v, want 250ms", loaded.TelemetryTick)
	}
}

func TestConfig_LoadConfigFromReaderRejectsInvalid(t *testing.T) {
	_, err := LoadConfigFromReader(strings.NewReader(`{"charger_id": ""}`))
	if err == nil {
		t.Fatalf("expected error for config missing required fields")
	}
}

func TestDefaultConfig_HasSensibleDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.SocThresholdPct != 20.0 {
		t.Errorf("soc_threshold_pct default: got %v, want 20.0", cfg.SocThresholdPct)
	}
	if cfg.ChargerCapKW != 22.0 {
		t.Errorf("charger_cap_kw default: got %v, want 22.0", cfg.ChargerCapKW)
	}
	if cfg.TelemetryWorkerPool <= 0 {
		t.Errorf("telemetry_worker_pool default must be positive, got %d", cfg.TelemetryWorkerPool)
	}
}
