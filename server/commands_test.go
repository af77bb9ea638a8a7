package server

import (
	"context"
	"io"
	"log"
	"testing"

	"github.com/gridkeeper/ems-core/ems"
	"github.com/gridkeeper/ems-core/runtime"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	cfg := ems.DefaultConfig()
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

	controller := ems.NewController(cfg, log.New(io.Discard, "", 0))
	shared := runtime.NewSharedState()
	s := New(controller, shared, 18080)
	if s == nil {
		t.Fatalf("expected a non-nil server for a positive port")
	}
	return s
}

func TestExecuteCommand_UnknownAction(t *testing.T) {
	s := testServer(t)
	got := s.ExecuteCommand(context.Background(), "launch_missiles", nil)
	if got != "Unknown action" {
		t.Errorf("got %q, want %q", got, "Unknown action")
	}
}

func TestExecuteCommand_StartStopSystem(t *testing.T) {
	s := testServer(t)
	if got := s.ExecuteCommand(context.Background(), "start_system", nil); got != "System started" {
		t.Errorf("got %q", got)
	}
	if !s.controller.IsRunning() {
		t.Errorf("expected controller running after start_system")
	}
	if got := s.ExecuteCommand(context.Background(), "stop_system", nil); got != "System stopped" {
		t.Errorf("got %q", got)
	}
	if s.controller.IsRunning() {
		t.Errorf("expected controller stopped after stop_system")
	}
}

func TestExecuteCommand_PcsModeWithoutPcsConfigured(t *testing.T) {
	s := testServer(t)
	got := s.ExecuteCommand(context.Background(), "set_pcs_mode", map[string]string{"mode": "Charging"})
	if got != "PCS not configured" {
		t.Errorf("got %q, want %q", got, "PCS not configured")
	}
}

func TestExecuteCommand_PvModeWithoutDevicesConfigured(t *testing.T) {
	s := testServer(t)
	got := s.ExecuteCommand(context.Background(), "set_pv_mode", map[string]string{"mode": "MPPT"})
	if got != "No PV devices configured" {
		t.Errorf("got %q, want %q", got, "No PV devices configured")
	}
}

func TestExecuteCommand_GensetCommandsWithoutGeneratorConfigured(t *testing.T) {
	s := testServer(t)
	if got := s.ExecuteCommand(context.Background(), "start_genset", nil); got != "Generator not configured" {
		t.Errorf("got %q, want %q", got, "Generator not configured")
	}
	if got := s.ExecuteCommand(context.Background(), "stop_genset", nil); got != "Generator not configured" {
		t.Errorf("got %q, want %q", got, "Generator not configured")
	}
}

func TestExecuteCommand_SetChargerPowerUnknownCharger(t *testing.T) {
	s := testServer(t)
	got := s.ExecuteCommand(context.Background(), "set_charger_power", map[string]string{"id": "ghost", "power_kw": "7"})
	if got != `Charger "ghost" not found` {
		t.Errorf("got %q", got)
	}
}

func TestExecuteCommand_SetChargerPowerInvalidValue(t *testing.T) {
	s := testServer(t)
	got := s.ExecuteCommand(context.Background(), "set_charger_power", map[string]string{"id": "ghost", "power_kw": "not-a-number"})
	if got == "" || got == `Charger "ghost" not found` {
		t.Errorf("expected an invalid power_kw error, got %q", got)
	}
}

func TestExecuteCommand_SetThresholdValidAndInvalid(t *testing.T) {
	s := testServer(t)
	got := s.ExecuteCommand(context.Background(), "set_threshold", map[string]string{"soc_threshold_pct": "35"})
	if got != "SOC threshold set to 35.0%" {
		t.Errorf("got %q", got)
	}

	got = s.ExecuteCommand(context.Background(), "set_threshold", map[string]string{"soc_threshold_pct": "150"})
	if got == "SOC threshold set to 150.0%" {
		t.Errorf("expected out-of-range threshold to be rejected, got %q", got)
	}

	got = s.ExecuteCommand(context.Background(), "set_threshold", map[string]string{"soc_threshold_pct": "nope"})
	if got == "" {
		t.Errorf("expected an invalid soc_threshold_pct error")
	}
}
