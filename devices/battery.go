package devices

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gridkeeper/ems-core/transport"
)

const (
	canIDBatteryPackRequest  = 0x100
	canIDBatteryPackReply    = 0x101
	canIDBatteryWrite        = 0x102
	canIDBatteryCellRequest  = 0x103
	canIDBatteryCellReply    = 0x104
	maxBatteryFrameReadTries = 4
)

// Battery is a BMS reached over CAN with a request/response protocol.
type Battery struct {
	id  string
	bus *transport.CANBus

	mu         sync.RWMutex
	status     BatteryStatus
	cellStatus BatteryCellStatus
}

// NewBattery creates the device and attempts an immediate connect.
func NewBattery(id string, bus *transport.CANBus) *Battery {
	b := &Battery{id: id, bus: bus}
	_ = bus.Connect()
	return b
}

func (b *Battery) ID() string { return b.id }

// ReadStatus requests pack status on 0x100 and decodes the 11-byte reply
// on 0x101.
func (b *Battery) ReadStatus(ctx context.Context) (any, error) {
	payload := [8]byte{0x01}
	reply, err := requestResponse(b.bus, canIDBatteryPackRequest, payload, canIDBatteryPackReply, 11)
	if err != nil {
		return nil, err
	}

	status := decodeBatteryPackReply(reply)

	b.mu.Lock()
	b.status = status
	b.mu.Unlock()

	return status, nil
}

// ReadCellStatus requests cell status on 0x103 and decodes the 18-byte
// reply on 0x104.
func (b *Battery) ReadCellStatus(ctx context.Context) (BatteryCellStatus, error) {
	payload := [8]byte{0x01}
	reply, err := requestResponse(b.bus, canIDBatteryCellRequest, payload, canIDBatteryCellReply, 18)
	if err != nil {
		return BatteryCellStatus{}, err
	}

	status := decodeBatteryCellReply(reply)

	b.mu.Lock()
	b.cellStatus = status
	b.mu.Unlock()

	return status, nil
}

// CachedStatus returns the last successful pack status read.
func (b *Battery) CachedStatus() any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// CachedCellStatus returns the last successful cell status read.
func (b *Battery) CachedCellStatus() BatteryCellStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cellStatus
}

// SetMode is not meaningful for a battery pack; mode is driven indirectly
// through the PCS that charges or discharges it.
func (b *Battery) SetMode(ctx context.Context, mode string) error {
	return fmt.Errorf("%w: battery has no selectable mode", transport.ErrInvalidData)
}

// SetPowerSetpoint is not meaningful for a battery pack on its own; power
// is commanded through the PCS.
func (b *Battery) SetPowerSetpoint(ctx context.Context, kw float64) error {
	return fmt.Errorf("%w: battery power is commanded via pcs, not directly", transport.ErrInvalidData)
}

// WriteStatus packs status down to an 8-byte on-wire layout and sends it
// as ID 0x102: soc u8, voltage u16 BE x100, current i16 BE x100,
// temperature i16 BE x100, a combined sop byte whose high nibble holds
// sop_charge/10 and low nibble holds sop_discharge/10. Anything that would
// not fit is rejected with ErrInvalidData rather than truncated.
func (b *Battery) WriteStatus(ctx context.Context, s BatteryStatus) error {
	payload, err := encodeBatteryWritePayload(s)
	if err != nil {
		return err
	}
	return b.bus.SendFrame(transport.CANFrame{ID: canIDBatteryWrite, Length: 8, Data: payload})
}

// decodeBatteryPackReply decodes the 11-byte 0x101 reply body.
func decodeBatteryPackReply(reply []byte) BatteryStatus {
	return BatteryStatus{
		SocPct:          float64(reply[0]),
		VoltageV:        float64(binary.BigEndian.Uint16(reply[1:3])) / 100,
		CurrentA:        float64(int16(binary.BigEndian.Uint16(reply[3:5]))) / 100,
		TemperatureC:    float64(int16(binary.BigEndian.Uint16(reply[5:7]))) / 100,
		SopChargePct:    float64(binary.BigEndian.Uint16(reply[7:9])) / 100,
		SopDischargePct: float64(binary.BigEndian.Uint16(reply[9:11])) / 100,
	}
}

// encodeBatteryPackReply is the inverse of decodeBatteryPackReply, packing
// a status back into the 11-byte 0x101 reply layout: soc as a whole-percent
// byte, every other field at x100 precision.
// Nothing in the device driver calls this directly (the BMS, not this
// process, produces pack replies); it exists so the pack/unpack round trip
// can be verified against the wire format actually used for reads, since
// the write path's 8-byte layout is intentionally lossy on sop.
func encodeBatteryPackReply(s BatteryStatus) [11]byte {
	var reply [11]byte
	reply[0] = byte(s.SocPct)
	binary.BigEndian.PutUint16(reply[1:3], uint16(int16(s.VoltageV*100)))
	binary.BigEndian.PutUint16(reply[3:5], uint16(int16(s.CurrentA*100)))
	binary.BigEndian.PutUint16(reply[5:7], uint16(int16(s.TemperatureC*100)))
	binary.BigEndian.PutUint16(reply[7:9], uint16(int16(s.SopChargePct*100)))
	binary.BigEndian.PutUint16(reply[9:11], uint16(int16(s.SopDischargePct*100)))
	return reply
}

// decodeBatteryCellReply decodes the 18-byte 0x104 reply body.
func decodeBatteryCellReply(reply []byte) BatteryCellStatus {
	return BatteryCellStatus{
		CellCount:      binary.BigEndian.Uint16(reply[0:2]),
		MaxCellVoltage: float64(binary.BigEndian.Uint16(reply[2:4])) / 10000,
		MinCellVoltage: float64(binary.BigEndian.Uint16(reply[4:6])) / 10000,
		MaxCellTempC:   float64(binary.BigEndian.Uint16(reply[6:8]))/100 - 50,
		MinCellTempC:   float64(binary.BigEndian.Uint16(reply[8:10]))/100 - 50,
		WorkingTimeS:   binary.BigEndian.Uint32(reply[10:14]),
		CycleCount:     binary.BigEndian.Uint16(reply[14:16]),
		HealthPct:      float64(binary.BigEndian.Uint16(reply[16:18])) / 100,
	}
}

// encodeBatteryWritePayload packs status down to an 8-byte on-wire
// layout: soc u8, voltage u16 BE x100, current i16 BE x100, temperature
// i16 BE x100, a combined sop byte whose high nibble holds sop_charge/10
// and low nibble holds sop_discharge/10. Anything that would not fit is
// rejected with ErrInvalidData rather than truncated.
func encodeBatteryWritePayload(s BatteryStatus) ([8]byte, error) {
	var payload [8]byte
	if s.SocPct < 0 || s.SocPct > 255 {
		return payload, fmt.Errorf("%w: soc %.2f does not fit a single byte", transport.ErrInvalidData, s.SocPct)
	}
	if s.SopChargePct < 0 || s.SopChargePct > 150 || s.SopDischargePct < 0 || s.SopDischargePct > 150 {
		return payload, fmt.Errorf("%w: sop values %.2f/%.2f do not fit the combined byte", transport.ErrInvalidData, s.SopChargePct, s.SopDischargePct)
	}

	payload[0] = byte(s.SocPct)
	binary.BigEndian.PutUint16(payload[1:3], uint16(s.VoltageV*100))
	binary.BigEndian.PutUint16(payload[3:5], uint16(int16(s.CurrentA*100)))
	binary.BigEndian.PutUint16(payload[5:7], uint16(int16(s.TemperatureC*100)))
	chargeNibble := byte(s.SopChargePct/10) & 0x0F
	dischargeNibble := byte(s.SopDischargePct/10) & 0x0F
	payload[7] = chargeNibble<<4 | dischargeNibble

	return payload, nil
}

// IsConnected reports whether the CAN transport is currently open.
func (b *Battery) IsConnected() bool {
	return b.bus.IsConnected()
}

// requestResponse sends a request frame and waits for a reply on a
// specific ID, discarding any unrelated frames received in between, up to
// a bounded number of tries. Shared by battery and charger, both of which
// speak the same request-on-one-id/reply-on-another-id protocol shape.
func requestResponse(bus *transport.CANBus, reqID uint32, reqPayload [8]byte, respID uint32, wantLen int) ([]byte, error) {
	if err := bus.SendFrame(transport.CANFrame{ID: reqID, Length: 8, Data: reqPayload}); err != nil {
		return nil, err
	}

	for i := 0; i < maxBatteryFrameReadTries; i++ {
		frm, err := bus.RecvFrame()
		if err != nil {
			return nil, err
		}
		if frm.ID != respID {
			continue
		}
		if int(frm.Length) < wantLen {
			return nil, fmt.Errorf("%w: reply on 0x%x too short: got %d bytes, want %d", transport.ErrInvalidData, respID, frm.Length, wantLen)
		}
		return frm.Data[:wantLen], nil
	}
	return nil, fmt.Errorf("%w: no reply on 0x%x", transport.ErrTimeout, respID)
}
