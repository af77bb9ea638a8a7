package devices

import (
	"context"
	"fmt"
	"sync"

	"github.com/gridkeeper/ems-core/transport"
)

var pvModeNames = [...]string{"Standby", "MPPT", "ConstantVoltage", "ConstantCurrent", "Fault"}

func pvModeName(raw uint16) string {
	if int(raw) < len(pvModeNames) {
		return pvModeNames[raw]
	}
	return "Unknown"
}

func pvModeValue(name string) (uint16, bool) {
	for i, n := range pvModeNames {
		if n == name {
			return uint16(i), true
		}
	}
	return 0, false
}

// Pv is a PV DC-DC stage reached over Modbus/TCP.
type Pv struct {
	id     string
	client *transport.ModbusTCPClient

	mu     sync.RWMutex
	status PvStatus
}

// NewPv creates the device and attempts an immediate connect, per the
// lifecycle contract: construction always tries to connect, leaving the
// device usable (if disconnected) for later reconnection attempts.
func NewPv(id string, client *transport.ModbusTCPClient) *Pv {
	p := &Pv{id: id, client: client}
	_ = client.Connect()
	return p
}

func (p *Pv) ID() string { return p.id }

// ReadStatus reads 7 contiguous holding registers starting at address 1.
func (p *Pv) ReadStatus(ctx context.Context) (any, error) {
	regs, err := p.client.ReadHoldingRegisters(1, 7)
	if err != nil {
		return nil, err
	}
	if len(regs) != 7 {
		return nil, fmt.Errorf("%w: expected 7 pv registers, got %d", transport.ErrInvalidData, len(regs))
	}

	status := PvStatus{
		VoltageV:      float64(regs[0]) / 10,
		CurrentA:      float64(regs[1]) / 10,
		PowerW:        float64(regs[2]) / 10,
		TemperatureC:  (float64(regs[3]) - 500) / 10,
		EfficiencyPct: float64(regs[4]) / 100,
		Mode:          pvModeName(regs[5]),
		Fault:         regs[6] != 0,
	}

	p.mu.Lock()
	p.status = status
	p.mu.Unlock()

	return status, nil
}

// CachedStatus returns the last successful read without touching the bus.
func (p *Pv) CachedStatus() any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// SetMode writes the mode register. Valid names are Standby, MPPT,
// ConstantVoltage, ConstantCurrent, Fault.
func (p *Pv) SetMode(ctx context.Context, mode string) error {
	v, ok := pvModeValue(mode)
	if !ok {
		return fmt.Errorf("%w: unknown pv mode %q", transport.ErrInvalidData, mode)
	}
	return p.client.WriteSingleRegister(6, v)
}

// SetVoltageSetpoint clamps to [0, 1000] V, scales by 10, and writes
// register 10.
func (p *Pv) SetVoltageSetpoint(ctx context.Context, volts float64) error {
	volts = clamp(volts, 0, 1000)
	return p.client.WriteSingleRegister(10, uint16(volts*10))
}

// SetPowerSetpoint clamps to [0, 10000] W, scales by 10, and writes
// register 11.
func (p *Pv) SetPowerSetpoint(ctx context.Context, watts float64) error {
	watts = clamp(watts, 0, 10000)
	return p.client.WriteSingleRegister(11, uint16(watts*10))
}

// IsConnected reports whether the Modbus transport is currently open.
func (p *Pv) IsConnected() bool {
	return p.client.IsConnected()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
