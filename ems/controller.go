package ems

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/gridkeeper/ems-core/devices"
	"github.com/gridkeeper/ems-core/sunforecast"
)

const (
	surplusChargeCapKW     = 50.0
	deficitDischargeCapKW  = 50.0
	socThresholdMarginPct  = 5.0
	maxRepresentableKW     = 1e9
)

// Controller holds device handles, runs the balancing cycle, and
// publishes the shared EmsStatus. It never type-switches on a concrete
// device variant to decide policy; it only calls through devices.Device.
type Controller struct {
	cfg    *Config
	logger *log.Logger

	mu      sync.RWMutex
	running bool
	mode    Mode

	pvDevices []devices.Device
	battery   *devices.Battery
	generator *devices.Generator
	pcs       *devices.Pcs

	chargersMu sync.RWMutex
	chargers   map[string]*devices.Charger

	statusMu sync.RWMutex
	status   devices.EmsStatus

	forecaster *sunforecast.Forecaster
}

// NewController creates a controller with the given configuration. Device
// handles are attached afterward via the Add* methods, mirroring the
// teacher's pattern of constructing a bare scheduler and wiring
// dependencies into it before Start.
func NewController(cfg *Config, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.Default()
	}
	c := &Controller{
		cfg:      cfg,
		logger:   logger,
		mode:     ModeFault, // not Normal until Start is called
		chargers: make(map[string]*devices.Charger),
	}
	if cfg.Latitude != 0 || cfg.Longitude != 0 {
		c.forecaster = sunforecast.NewForecaster(cfg.Latitude, cfg.Longitude)
	}
	return c
}

// AddPvDevice registers a PV device. PV is a slice because a site may
// have more than one DC-DC stage; spec.md sums over "every PV device".
func (c *Controller) AddPvDevice(d devices.Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pvDevices = append(c.pvDevices, d)
}

// AddBatteryDevice registers the single battery handle.
func (c *Controller) AddBatteryDevice(d *devices.Battery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.battery = d
}

// AddGeneratorDevice registers the single generator handle.
func (c *Controller) AddGeneratorDevice(d *devices.Generator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generator = d
}

// AddPcsDevice registers the single PCS handle.
func (c *Controller) AddPcsDevice(d *devices.Pcs) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pcs = d
}

// AddChargerDevice registers a charger by id. Duplicate ids are rejected,
// matching the idempotent-by-id contract in spec.md §4.3.
func (c *Controller) AddChargerDevice(d *devices.Charger) error {
	c.chargersMu.Lock()
	defer c.chargersMu.Unlock()
	if _, exists := c.chargers[d.ID()]; exists {
		return fmt.Errorf("charger %q already registered", d.ID())
	}
	c.chargers[d.ID()] = d
	return nil
}

// RemoveChargerDevice unregisters a charger by id. Removing an unknown id
// is a no-op.
func (c *Controller) RemoveChargerDevice(id string) {
	c.chargersMu.Lock()
	defer c.chargersMu.Unlock()
	delete(c.chargers, id)
}

// Devices returns the registered device handles, for tasks (telemetry)
// that need to poll them directly rather than through a balancing cycle.
func (c *Controller) Devices() (pv []devices.Device, battery *devices.Battery, generator *devices.Generator, pcs *devices.Pcs, chargers []*devices.Charger) {
	c.mu.RLock()
	pv = append([]devices.Device(nil), c.pvDevices...)
	battery = c.battery
	generator = c.generator
	pcs = c.pcs
	c.mu.RUnlock()

	c.chargersMu.RLock()
	chargers = make([]*devices.Charger, 0, len(c.chargers))
	for _, ch := range c.chargers {
		chargers = append(chargers, ch)
	}
	c.chargersMu.RUnlock()
	return
}

// Start transitions the controller to Normal and marks it running.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = ModeNormal
	c.running = true
}

// Stop transitions the controller to Fault and marks it not running.
// RunControlCycle is a no-op once stopped.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = ModeFault
	c.running = false
}

// IsRunning reports whether the controller is between Start and Stop.
func (c *Controller) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// GetMode returns the controller's current mode.
func (c *Controller) GetMode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// SetSocThresholdPct overrides the balancing policy's SOC threshold at
// runtime, e.g. from an operator command.
func (c *Controller) SetSocThresholdPct(pct float64) error {
	if pct < 0 || pct > 100 {
		return fmt.Errorf("soc_threshold_pct must be between 0 and 100, got: %f", pct)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.SocThresholdPct = pct
	return nil
}

// PvDevices returns the registered PV device handles.
func (c *Controller) PvDevices() []devices.Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]devices.Device(nil), c.pvDevices...)
}

// Generator returns the registered generator handle, or nil.
func (c *Controller) Generator() *devices.Generator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generator
}

// Pcs returns the registered PCS handle, or nil.
func (c *Controller) Pcs() *devices.Pcs {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pcs
}

// ChargerDevice looks up a registered charger by id.
func (c *Controller) ChargerDevice(id string) (*devices.Charger, bool) {
	c.chargersMu.RLock()
	defer c.chargersMu.RUnlock()
	ch, ok := c.chargers[id]
	return ch, ok
}

// GetStatus returns the most recently published EmsStatus.
func (c *Controller) GetStatus() devices.EmsStatus {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// RunControlCycle executes one balancing cycle: read inputs, estimate
// demand, compute the deficit, arbitrate by source priority, and publish
// a fresh EmsStatus. It is a no-op if the controller is not running.
func (c *Controller) RunControlCycle(ctx context.Context) {
	c.mu.RLock()
	running := c.running
	mode := c.mode
	pvDevices := append([]devices.Device(nil), c.pvDevices...)
	battery := c.battery
	generator := c.generator
	pcs := c.pcs
	c.mu.RUnlock()

	if !running {
		return
	}

	var faults []string

	// Step 1: read inputs.
	pvPowerKW := 0.0
	for _, pv := range pvDevices {
		status, err := pv.ReadStatus(ctx)
		if err != nil {
			c.logger.Printf("[control] pv read failed: %v", err)
			faults = append(faults, fmt.Sprintf("pv read failed: %v", err))
			continue
		}
		pvPowerKW += status.(devices.PvStatus).PowerW / 1000
	}
	if c.forecaster != nil && c.cfg.PvPeakCapacityKW > 0 {
		estimate := c.forecaster.At(time.Now())
		if estimate.LikelyObstructed(c.cfg.PvPeakCapacityKW, pvPowerKW) {
			faults = append(faults, "pv output far below sun-position estimate, panels may be snow covered or faulted")
		}
	}

	batterySoc := 100.0 // "never start the generator because of battery need" when absent
	batteryPowerKW := 0.0
	if battery != nil {
		status, err := battery.ReadStatus(ctx)
		if err != nil {
			c.logger.Printf("[control] battery read failed: %v", err)
			faults = append(faults, fmt.Sprintf("battery read failed: %v", err))
		} else {
			bs := status.(devices.BatteryStatus)
			batterySoc = bs.SocPct
			batteryPowerKW = bs.CurrentA * bs.VoltageV / 1000
		}
	}

	generatorPowerKW := 0.0
	if generator != nil {
		status, err := generator.ReadStatus(ctx)
		if err != nil {
			c.logger.Printf("[control] generator read failed: %v", err)
			faults = append(faults, fmt.Sprintf("generator read failed: %v", err))
		} else {
			gs := status.(devices.GensetStatus)
			if gs.Running {
				generatorPowerKW = gs.PowerOutputKW
			}
		}
	}

	// Step 2: estimate demand from cached charger status (charger polling
	// runs on the telemetry cadence, not this one).
	c.chargersMu.RLock()
	chargerList := make([]*devices.Charger, 0, len(c.chargers))
	for _, ch := range c.chargers {
		chargerList = append(chargerList, ch)
	}
	c.chargersMu.RUnlock()

	demandKW := 0.0
	activeChargers := 0
	for _, ch := range chargerList {
		cs := ch.CachedStatus().(devices.ChargerStatus)
		if cs.Charging {
			demandKW += cs.PowerKW
			activeChargers++
		}
	}
	if demandKW > maxRepresentableKW || math.IsInf(demandKW, 1) {
		demandKW = maxRepresentableKW
		faults = append(faults, "demand summation overflow, clamped to max representable kW")
	}

	// Step 3: compute deficit.
	deficitKW := demandKW - (pvPowerKW + generatorPowerKW)

	// Step 4: arbitrate by priority, suppressed outside Normal mode. The
	// generator-start and curtailment sub-steps don't need a PCS; only
	// the battery charge/discharge sub-step does.
	if !mode.suppressesCharging() {
		c.arbitrate(ctx, pcs, battery, generator, chargerList, deficitKW, demandKW, batterySoc, &faults)
	}

	// Step 5: publish snapshot.
	totalGenerationKW := pvPowerKW + generatorPowerKW
	snapshot := devices.EmsStatus{
		TotalGenerationKW:  totalGenerationKW,
		TotalConsumptionKW: demandKW,
		PowerBalanceKW:     totalGenerationKW - demandKW,
		BatteryPowerKW:     batteryPowerKW,
		GeneratorPowerKW:   generatorPowerKW,
		PvPowerKW:          pvPowerKW,
		ChargerPowerKW:     demandKW,
		ActiveChargers:     activeChargers,
		SystemMode:         mode.String(),
		SystemHealthy:      len(faults) == 0,
		Faults:             faults,
	}

	c.statusMu.Lock()
	c.status = snapshot
	c.statusMu.Unlock()
}

// arbitrate applies the surplus/deficit priority policy. Battery
// charge/discharge requires a PCS to issue the command through; the
// generator-start and charger-curtailment sub-steps do not, and still run
// when pcs is nil. faults is appended to in place.
func (c *Controller) arbitrate(ctx context.Context, pcs *devices.Pcs, battery *devices.Battery, generator *devices.Generator, chargerList []*devices.Charger, deficitKW, demandKW, batterySoc float64, faults *[]string) {
	if deficitKW <= 0 {
		// Surplus path: no battery means nothing to charge.
		if battery != nil && batterySoc < 90 {
			if pcs == nil {
				*faults = append(*faults, "PCS absent — battery command skipped")
				return
			}
			chargeKW := math.Min(math.Abs(deficitKW), surplusChargeCapKW)
			if err := pcs.SetMode(ctx, devices.PcsCharging.String()); err != nil {
				c.logger.Printf("[control] pcs set_mode(Charging) failed: %v", err)
				*faults = append(*faults, fmt.Sprintf("pcs set_mode failed: %v", err))
			}
			if err := pcs.SetPowerSetpoint(ctx, -chargeKW); err != nil {
				c.logger.Printf("[control] pcs set_power_setpoint failed: %v", err)
				*faults = append(*faults, fmt.Sprintf("pcs set_power_setpoint failed: %v", err))
			}
		}
		return
	}

	// Deficit path: no battery means the discharge sub-step is skipped
	// entirely, not routed through the PCS-absent fault.
	remaining := deficitKW
	if battery != nil && batterySoc > c.cfg.SocThresholdPct+socThresholdMarginPct {
		if pcs == nil {
			*faults = append(*faults, "PCS absent — battery command skipped")
		} else {
			dischargeKW := math.Min(remaining, deficitDischargeCapKW)
			if err := pcs.SetMode(ctx, devices.PcsDischarging.String()); err != nil {
				c.logger.Printf("[control] pcs set_mode(Discharging) failed: %v", err)
				*faults = append(*faults, fmt.Sprintf("pcs set_mode failed: %v", err))
			}
			if err := pcs.SetPowerSetpoint(ctx, dischargeKW); err != nil {
				c.logger.Printf("[control] pcs set_power_setpoint failed: %v", err)
				*faults = append(*faults, fmt.Sprintf("pcs set_power_setpoint failed: %v", err))
			}
			remaining -= dischargeKW
		}
	} else if batterySoc <= c.cfg.SocThresholdPct && remaining > 0 {
		if generator != nil {
			if err := generator.StartEngine(ctx); err != nil {
				c.logger.Printf("[control] generator start_engine failed: %v", err)
				*faults = append(*faults, fmt.Sprintf("generator start_engine failed: %v", err))
			}
		}
	}

	if remaining > 0 {
		maxTotalKW := demandKW - remaining
		activeChargers := 0
		for _, ch := range chargerList {
			if ch.CachedStatus().(devices.ChargerStatus).Charging {
				activeChargers++
			}
		}
		if activeChargers > 0 {
			perChargerKW := maxTotalKW / float64(activeChargers)
			if perChargerKW > c.cfg.ChargerCapKW {
				perChargerKW = c.cfg.ChargerCapKW
			}
			if perChargerKW < 0 {
				perChargerKW = 0
			}
			for _, ch := range chargerList {
				if !ch.CachedStatus().(devices.ChargerStatus).Charging {
					continue
				}
				if err := ch.SetPowerSetpoint(ctx, perChargerKW); err != nil {
					c.logger.Printf("[control] charger %s set_power_setpoint failed: %v", ch.ID(), err)
					*faults = append(*faults, fmt.Sprintf("charger %s curtailment failed: %v", ch.ID(), err))
				}
			}
		}
	}
}
