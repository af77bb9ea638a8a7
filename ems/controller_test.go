package ems

import (
	"context"
	"log"
	"testing"

	"github.com/gridkeeper/ems-core/devices"
)

func testLogger() *log.Logger {
	return log.New(testWriter{}, "", 0)
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestController_StartStopLifecycle(t *testing.T) {
	c := NewController(validConfig(), testLogger())

	if c.IsRunning() {
		t.Fatalf("new controller should not be running")
	}
	if c.GetMode() != ModeFault {
		t.Fatalf("new controller should start in ModeFault, got %v", c.GetMode())
	}

	c.Start()
	if !c.IsRunning() {
		t.Fatalf("expected running after Start")
	}
	if c.GetMode() != ModeNormal {
		t.Fatalf("expected ModeNormal after Start, got %v", c.GetMode())
	}

	c.Stop()
	if c.IsRunning() {
		t.Fatalf("expected not running after Stop")
	}
	if c.GetMode() != ModeFault {
		t.Fatalf("expected ModeFault after Stop, got %v", c.GetMode())
	}
}

func TestController_RunControlCycleNoOpWhenStopped(t *testing.T) {
	c := NewController(validConfig(), testLogger())
	c.RunControlCycle(context.Background())

	status := c.GetStatus()
	if status.SystemMode != "" || status.TotalGenerationKW != 0 {
		t.Fatalf("expected no status published while stopped, got %+v", status)
	}
}

// TestController_RunControlCycleWithoutPCS exercises the scenario where
// no devices at all are registered: the cycle must not panic and must
// publish a zeroed-out, healthy snapshot.
func TestController_RunControlCycleWithoutPCS(t *testing.T) {
	c := NewController(validConfig(), testLogger())
	c.Start()

	c.RunControlCycle(context.Background())

	status := c.GetStatus()
	if status.SystemMode != "Normal" {
		t.Fatalf("expected Normal mode in status, got %q", status.SystemMode)
	}
	if status.TotalGenerationKW != 0 || status.TotalConsumptionKW != 0 {
		t.Fatalf("expected zero generation/consumption with no devices registered, got %+v", status)
	}
}

// The arbitrate tests below call the unexported method directly with nil
// device pointers standing in for "not configured" — arbitrate only
// nil-checks pcs/battery/generator before touching them, so this exercises
// the priority logic without a live Modbus/CAN transport.

func TestArbitrate_DeficitPathSkipsDischargeWhenBatteryAbsent(t *testing.T) {
	c := NewController(validConfig(), testLogger())
	var faults []string

	c.arbitrate(context.Background(), nil, nil, nil, nil, 10, 10, 100, &faults)

	if len(faults) != 0 {
		t.Errorf("expected no faults when neither battery nor PCS nor generator are configured, got %v", faults)
	}
}

func TestArbitrate_SurplusPathSkipsChargeWhenBatteryAbsent(t *testing.T) {
	c := NewController(validConfig(), testLogger())
	var faults []string

	c.arbitrate(context.Background(), nil, nil, nil, nil, -5, 0, 100, &faults)

	if len(faults) != 0 {
		t.Errorf("expected no faults in the surplus path when battery is absent, got %v", faults)
	}
}

func TestArbitrate_DeficitPathReportsPcsAbsentOnlyWhenBatteryWouldDischarge(t *testing.T) {
	c := NewController(validConfig(), testLogger())
	battery := &devices.Battery{}
	var faults []string

	// batterySoc well above threshold+margin: the battery would
	// discharge if a PCS were present.
	c.arbitrate(context.Background(), nil, battery, nil, nil, 10, 10, 80, &faults)

	if len(faults) != 1 || faults[0] != "PCS absent — battery command skipped" {
		t.Errorf("expected a single PCS-absent fault, got %v", faults)
	}
}

func TestArbitrate_SurplusPathReportsPcsAbsentOnlyWhenBatteryWouldCharge(t *testing.T) {
	c := NewController(validConfig(), testLogger())
	battery := &devices.Battery{}
	var faults []string

	c.arbitrate(context.Background(), nil, battery, nil, nil, -5, 0, 50, &faults)

	if len(faults) != 1 || faults[0] != "PCS absent — battery command skipped" {
		t.Errorf("expected a single PCS-absent fault, got %v", faults)
	}
}

func TestController_AddChargerDeviceRejectsDuplicateID(t *testing.T) {
	c := NewController(validConfig(), testLogger())
	ch := &devices.Charger{}

	if err := c.AddChargerDevice(ch); err != nil {
		t.Fatalf("first registration should succeed: %v", err)
	}
	if err := c.AddChargerDevice(ch); err == nil {
		t.Fatalf("expected error registering a duplicate charger id")
	}
}

func TestController_RemoveChargerDeviceUnknownIsNoOp(t *testing.T) {
	c := NewController(validConfig(), testLogger())
	c.RemoveChargerDevice("does-not-exist")
}

func TestController_SetSocThresholdPctValidatesRange(t *testing.T) {
	c := NewController(validConfig(), testLogger())

	if err := c.SetSocThresholdPct(30); err != nil {
		t.Fatalf("expected valid threshold to be accepted: %v", err)
	}
	if err := c.SetSocThresholdPct(-1); err == nil {
		t.Fatalf("expected error for negative threshold")
	}
	if err := c.SetSocThresholdPct(150); err == nil {
		t.Fatalf("expected error for threshold > 100")
	}
}

func TestController_DevicesReturnsRegisteredHandles(t *testing.T) {
	c := NewController(validConfig(), testLogger())
	pv, battery, generator, pcs, chargers := c.Devices()
	if len(pv) != 0 || battery != nil || generator != nil || pcs != nil || len(chargers) != 0 {
		t.Fatalf("expected all-empty device set on a fresh controller")
	}
}
