package devices

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gridkeeper/ems-core/transport"
)

const (
	canIDChargerStatusRequest = 0x200
	canIDChargerStatusReply   = 0x201
	canIDChargerWrite         = 0x203
	canIDChargerSetMode       = 0x202
	canIDChargerSetPower      = 0x204
	canIDChargerVehicleReq    = 0x205
	canIDChargerVehicleReply  = 0x206

	chargerModeStandby   byte = 0
	chargerModeCharging  byte = 1
	chargerModeFault     byte = 2 // reserved: no firmware command defined

	maxChargerFaultCodes = 2
)

// Charger is an EV charging station reached over CAN.
type Charger struct {
	id  string
	bus *transport.CANBus

	mu     sync.RWMutex
	status ChargerStatus
}

// NewCharger creates the device and attempts an immediate connect.
func NewCharger(id string, bus *transport.CANBus) *Charger {
	c := &Charger{id: id, bus: bus}
	_ = bus.Connect()
	return c
}

func (c *Charger) ID() string { return c.id }

// ReadStatus requests status on 0x200 and decodes the compact analog
// reply on 0x201. Fault codes are not carried by this exchange (see
// EncodeChargerFaultFrame) so FaultCodes is always empty on a live read.
func (c *Charger) ReadStatus(ctx context.Context) (any, error) {
	payload := [8]byte{0x01}
	reply, err := requestResponse(c.bus, canIDChargerStatusRequest, payload, canIDChargerStatusReply, 7)
	if err != nil {
		return nil, err
	}

	status := decodeChargerAnalogFrame(reply)

	c.mu.Lock()
	c.status = status
	c.mu.Unlock()

	return status, nil
}

// CachedStatus returns the last successful read without touching the bus.
func (c *Charger) CachedStatus() any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// SetMode sends a single mode byte on 0x202. Fault (2) is defined on the
// wire but has no corresponding firmware command, so it is rejected here
// rather than silently treated as a no-op.
func (c *Charger) SetMode(ctx context.Context, mode string) error {
	var v byte
	switch mode {
	case "Standby":
		v = chargerModeStandby
	case "Charging":
		v = chargerModeCharging
	case "Fault":
		return fmt.Errorf("%w: charger mode Fault is reserved, no firmware command defined", transport.ErrInvalidData)
	default:
		return fmt.Errorf("%w: unknown charger mode %q", transport.ErrInvalidData, mode)
	}
	return c.bus.SendFrame(transport.CANFrame{ID: canIDChargerSetMode, Length: 1, Data: [8]byte{v}})
}

// SetPowerSetpoint clamps to [0, 50] kW, scales by 10, and sends a 2-byte
// big-endian value on 0x204.
func (c *Charger) SetPowerSetpoint(ctx context.Context, kw float64) error {
	kw = clamp(kw, 0, 50)
	var payload [8]byte
	binary.BigEndian.PutUint16(payload[0:2], uint16(kw*10))
	return c.bus.SendFrame(transport.CANFrame{ID: canIDChargerSetPower, Length: 2, Data: payload})
}

// WriteStatus sends the same compact encoding ReadStatus decodes, on
// 0x203.
func (c *Charger) WriteStatus(ctx context.Context, s ChargerStatus) error {
	frame, err := encodeChargerAnalogFrame(s)
	if err != nil {
		return err
	}
	return c.bus.SendFrame(transport.CANFrame{ID: canIDChargerWrite, Length: 7, Data: frame})
}

// ReadVehicleBattery requests the connected EV's pack state on 0x205 and
// decodes the 14-byte reply on 0x206.
func (c *Charger) ReadVehicleBattery(ctx context.Context) (VehicleBatteryStatus, error) {
	payload := [8]byte{0x01}
	reply, err := requestResponse(c.bus, canIDChargerVehicleReq, payload, canIDChargerVehicleReply, 14)
	if err != nil {
		return VehicleBatteryStatus{}, err
	}

	return VehicleBatteryStatus{
		SocPct:          float64(reply[0]),
		VoltageV:        float64(binary.BigEndian.Uint16(reply[1:3])) / 100,
		CurrentA:        float64(int16(binary.BigEndian.Uint16(reply[3:5])))/100 - 1000,
		MaxCellVoltage:  float64(binary.BigEndian.Uint16(reply[5:7])) / 10000,
		MinCellVoltage:  float64(binary.BigEndian.Uint16(reply[7:9])) / 10000,
		CellTempC:       float64(reply[9]) - 50,
		BoardTempC:      float64(reply[10]) - 50,
		MaxChargePowerW: float64(binary.BigEndian.Uint16(reply[11:13])),
		HealthPct:       float64(reply[13]),
	}, nil
}

// IsConnected reports whether the CAN transport is currently open.
func (c *Charger) IsConnected() bool {
	return c.bus.IsConnected()
}

// decodeChargerAnalogFrame decodes the compact 7-byte status layout:
// byte0 flags (bit0 charging, bit1 fault), byte1-2 power u16 BE x10 kW,
// byte3 voltage u8 x2 V, byte4 current u8 x2 A, byte5 temperature i8
// direct °C, byte6 efficiency u8 direct %.
func decodeChargerAnalogFrame(data []byte) ChargerStatus {
	flags := data[0]
	return ChargerStatus{
		Charging:      flags&0x01 != 0,
		Fault:         flags&0x02 != 0,
		PowerKW:       float64(binary.BigEndian.Uint16(data[1:3])) / 10,
		VoltageV:      float64(data[3]) * 2,
		CurrentA:      float64(data[4]) * 2,
		TemperatureC:  float64(int8(data[5])),
		EfficiencyPct: float64(data[6]),
	}
}

// encodeChargerAnalogFrame is the inverse of decodeChargerAnalogFrame.
func encodeChargerAnalogFrame(s ChargerStatus) ([8]byte, error) {
	var out [8]byte
	if s.PowerKW < 0 || s.PowerKW > 6553.5/10 {
		return out, fmt.Errorf("%w: charger power %.2f kW out of range", transport.ErrInvalidData, s.PowerKW)
	}
	if s.VoltageV < 0 || s.VoltageV > 510 {
		return out, fmt.Errorf("%w: charger voltage %.2f V out of range", transport.ErrInvalidData, s.VoltageV)
	}
	if s.CurrentA < 0 || s.CurrentA > 510 {
		return out, fmt.Errorf("%w: charger current %.2f A out of range", transport.ErrInvalidData, s.CurrentA)
	}
	if s.TemperatureC < -128 || s.TemperatureC > 127 {
		return out, fmt.Errorf("%w: charger temperature %.2f C out of range", transport.ErrInvalidData, s.TemperatureC)
	}
	if s.EfficiencyPct < 0 || s.EfficiencyPct > 255 {
		return out, fmt.Errorf("%w: charger efficiency %.2f out of range", transport.ErrInvalidData, s.EfficiencyPct)
	}

	var flags byte
	if s.Charging {
		flags |= 0x01
	}
	if s.Fault {
		flags |= 0x02
	}
	out[0] = flags
	binary.BigEndian.PutUint16(out[1:3], uint16(s.PowerKW*10))
	out[3] = byte(s.VoltageV / 2)
	out[4] = byte(s.CurrentA / 2)
	out[5] = byte(int8(s.TemperatureC))
	out[6] = byte(s.EfficiencyPct)
	return out, nil
}

// EncodeChargerFaultFrame packs up to two fault codes into an 8-byte
// frame: byte0 fault_count (capped at 2, never reporting
// more than were actually sent), bytes 1-4 the codes themselves BE,
// bytes 5-7 reserved/zero. Inputs longer than maxChargerFaultCodes are
// truncated to the first two rather than rejected.
func EncodeChargerFaultFrame(codes []uint16) [8]byte {
	var out [8]byte
	n := len(codes)
	if n > maxChargerFaultCodes {
		n = maxChargerFaultCodes
	}
	out[0] = byte(n)
	for i := 0; i < n; i++ {
		binary.BigEndian.PutUint16(out[1+i*2:3+i*2], codes[i])
	}
	return out
}

// DecodeChargerFaultFrame is the inverse of EncodeChargerFaultFrame.
func DecodeChargerFaultFrame(data []byte) ([]uint16, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty fault frame", transport.ErrInvalidData)
	}
	n := int(data[0])
	if n > maxChargerFaultCodes {
		return nil, fmt.Errorf("%w: fault_count %d exceeds max %d", transport.ErrInvalidData, n, maxChargerFaultCodes)
	}
	if len(data) < 1+n*2 {
		return nil, fmt.Errorf("%w: fault frame too short for %d codes", transport.ErrInvalidData, n)
	}
	codes := make([]uint16, n)
	for i := 0; i < n; i++ {
		codes[i] = binary.BigEndian.Uint16(data[1+i*2 : 3+i*2])
	}
	return codes, nil
}
