package devices

import (
	"context"
	"fmt"
	"sync"

	"github.com/gridkeeper/ems-core/transport"
)

// Pcs is a bidirectional power-conversion system reached over Modbus/TCP.
type Pcs struct {
	id     string
	client *transport.ModbusTCPClient

	mu     sync.RWMutex
	status PcsStatus
}

// NewPcs creates the device and attempts an immediate connect.
func NewPcs(id string, client *transport.ModbusTCPClient) *Pcs {
	p := &Pcs{id: id, client: client}
	_ = client.Connect()
	return p
}

func (p *Pcs) ID() string { return p.id }

// ReadStatus reads holding registers 1..2: mode and active power (signed,
// two's-complement reinterpretation of the 16-bit register).
func (p *Pcs) ReadStatus(ctx context.Context) (any, error) {
	regs, err := p.client.ReadHoldingRegisters(1, 2)
	if err != nil {
		return nil, err
	}
	if len(regs) != 2 {
		return nil, fmt.Errorf("%w: expected 2 pcs registers, got %d", transport.ErrInvalidData, len(regs))
	}
	if regs[0] > uint16(PcsFault) {
		return nil, fmt.Errorf("%w: pcs mode %d out of range", transport.ErrInvalidData, regs[0])
	}

	status := PcsStatus{
		Mode:          PcsMode(regs[0]),
		ActivePowerKW: float64(int16(regs[1])) / 10,
	}

	p.mu.Lock()
	p.status = status
	p.mu.Unlock()

	return status, nil
}

// CachedStatus returns the last successful read without touching the bus.
func (p *Pcs) CachedStatus() any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// SetMode writes register 1.
func (p *Pcs) SetMode(ctx context.Context, mode string) error {
	m, ok := ParsePcsMode(mode)
	if !ok {
		return fmt.Errorf("%w: unknown pcs mode %q", transport.ErrInvalidData, mode)
	}
	return p.client.WriteSingleRegister(1, uint16(m))
}

// SetPowerSetpoint clamps to [-100, 100] kW, scales by 10, bit-casts
// signed to unsigned, and writes register 2.
func (p *Pcs) SetPowerSetpoint(ctx context.Context, kw float64) error {
	kw = clamp(kw, -100, 100)
	return p.client.WriteSingleRegister(2, uint16(int16(kw*10)))
}

// IsConnected reports whether the Modbus transport is currently open.
func (p *Pcs) IsConnected() bool {
	return p.client.IsConnected()
}
