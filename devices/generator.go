package devices

import (
	"context"
	"fmt"
	"sync"

	"github.com/gridkeeper/ems-core/transport"
)

// Generator is a diesel genset reached over Modbus/TCP.
type Generator struct {
	id     string
	client *transport.ModbusTCPClient

	mu     sync.RWMutex
	status GensetStatus
}

// NewGenerator creates the device and attempts an immediate connect.
func NewGenerator(id string, client *transport.ModbusTCPClient) *Generator {
	g := &Generator{id: id, client: client}
	_ = client.Connect()
	return g
}

func (g *Generator) ID() string { return g.id }

// ReadStatus reads coil 0 (running) and 8 holding registers from address 1:
// power, fuel, voltage, current, frequency, engine_hours (two registers,
// high<<16|low), temperature.
func (g *Generator) ReadStatus(ctx context.Context) (any, error) {
	coils, err := g.client.ReadCoils(0, 1)
	if err != nil {
		return nil, err
	}
	regs, err := g.client.ReadHoldingRegisters(1, 8)
	if err != nil {
		return nil, err
	}
	if len(regs) != 8 {
		return nil, fmt.Errorf("%w: expected 8 genset registers, got %d", transport.ErrInvalidData, len(regs))
	}

	status := GensetStatus{
		Running:       coils[0],
		PowerOutputKW: float64(regs[0]) / 10,
		FuelLevelPct:  float64(regs[1]) / 100,
		VoltageV:      float64(regs[2]) / 10,
		CurrentA:      float64(regs[3]) / 10,
		FrequencyHz:   float64(regs[4]) / 10,
		EngineHoursH:  uint32(regs[5])<<16 | uint32(regs[6]),
		TemperatureC:  float64(regs[7]) / 10,
	}

	g.mu.Lock()
	g.status = status
	g.mu.Unlock()

	return status, nil
}

// CachedStatus returns the last successful read without touching the bus.
func (g *Generator) CachedStatus() any {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.status
}

// SetMode is not meaningful for a generator; the device only knows
// started/stopped, driven through StartEngine/StopEngine.
func (g *Generator) SetMode(ctx context.Context, mode string) error {
	return fmt.Errorf("%w: generator has no selectable mode", transport.ErrInvalidData)
}

// StartEngine writes coil 1 true.
func (g *Generator) StartEngine(ctx context.Context) error {
	return g.client.WriteSingleCoil(1, true)
}

// StopEngine writes coil 1 false.
func (g *Generator) StopEngine(ctx context.Context) error {
	return g.client.WriteSingleCoil(1, false)
}

// SetPowerSetpoint clamps to [0, 1000] kW, scales by 10, and writes
// register 9.
func (g *Generator) SetPowerSetpoint(ctx context.Context, kw float64) error {
	kw = clamp(kw, 0, 1000)
	return g.client.WriteSingleRegister(9, uint16(kw*10))
}

// IsConnected reports whether the Modbus transport is currently open.
func (g *Generator) IsConnected() bool {
	return g.client.IsConnected()
}
