package devices

import (
	"errors"
	"testing"

	"github.com/gridkeeper/ems-core/transport"
)

func TestEncodeDecodeChargerAnalogFrameRoundTrip(t *testing.T) {
	// Voltage and current travel in 2 V / 2 A steps, so only even values
	// round trip exactly.
	cases := []ChargerStatus{
		{Charging: true, Fault: false, PowerKW: 11.0, VoltageV: 230, CurrentA: 32, TemperatureC: 45, EfficiencyPct: 96},
		{Charging: false, Fault: true, PowerKW: 0, VoltageV: 0, CurrentA: 0, TemperatureC: -20, EfficiencyPct: 0},
		{Charging: true, Fault: true, PowerKW: 50, VoltageV: 400, CurrentA: 126, TemperatureC: 80, EfficiencyPct: 100},
	}

	for _, want := range cases {
		frame, err := encodeChargerAnalogFrame(want)
		if err != nil {
			t.Fatalf("encode(%+v) failed: %v", want, err)
		}
		got := decodeChargerAnalogFrame(frame[:7])

		if got.Charging != want.Charging || got.Fault != want.Fault {
			t.Errorf("flags round-trip: got %+v, want %+v", got, want)
		}
		if got.PowerKW != want.PowerKW {
			t.Errorf("power round-trip: got %v, want %v", got.PowerKW, want.PowerKW)
		}
		if got.VoltageV != want.VoltageV {
			t.Errorf("voltage round-trip: got %v, want %v", got.VoltageV, want.VoltageV)
		}
		if got.CurrentA != want.CurrentA {
			t.Errorf("current round-trip: got %v, want %v", got.CurrentA, want.CurrentA)
		}
		if got.TemperatureC != want.TemperatureC {
			t.Errorf("temperature round-trip: got %v, want %v", got.TemperatureC, want.TemperatureC)
		}
		if got.EfficiencyPct != want.EfficiencyPct {
			t.Errorf("efficiency round-trip: got %v, want %v", got.EfficiencyPct, want.EfficiencyPct)
		}
	}
}

func TestEncodeChargerAnalogFrameRejectsOutOfRange(t *testing.T) {
	_, err := encodeChargerAnalogFrame(ChargerStatus{PowerKW: -1})
	if !errors.Is(err, transport.ErrInvalidData) {
		t.Fatalf("expected ErrInvalidData for negative power, got %v", err)
	}
	_, err = encodeChargerAnalogFrame(ChargerStatus{VoltageV: 1000})
	if !errors.Is(err, transport.ErrInvalidData) {
		t.Fatalf("expected ErrInvalidData for out-of-range voltage, got %v", err)
	}
}

// TestChargerFaultFrameTruncation exercises the resolved spec conflict:
// the live status frame has no room for fault codes, so overflowing
// fault lists are truncated to the first two and reported honestly via
// fault_count rather than silently dropped or overflowing the frame.
func TestChargerFaultFrameTruncation(t *testing.T) {
	codes := []uint16{101, 202, 303, 404}
	frame := EncodeChargerFaultFrame(codes)

	if frame[0] != 2 {
		t.Fatalf("fault_count: got %d, want 2", frame[0])
	}

	decoded, err := DecodeChargerFaultFrame(frame[:])
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("decoded len: got %d, want 2", len(decoded))
	}
	if decoded[0] != 101 || decoded[1] != 202 {
		t.Errorf("decoded codes: got %v, want [101 202]", decoded)
	}
}

func TestChargerFaultFrameRoundTripUnderCap(t *testing.T) {
	codes := []uint16{42}
	frame := EncodeChargerFaultFrame(codes)
	decoded, err := DecodeChargerFaultFrame(frame[:])
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(decoded) != 1 || decoded[0] != 42 {
		t.Errorf("decoded: got %v, want [42]", decoded)
	}
}

func TestChargerFaultFrameEmpty(t *testing.T) {
	frame := EncodeChargerFaultFrame(nil)
	if frame[0] != 0 {
		t.Fatalf("fault_count: got %d, want 0", frame[0])
	}
	decoded, err := DecodeChargerFaultFrame(frame[:])
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(decoded) != 0 {
		t.Errorf("decoded: got %v, want empty", decoded)
	}
}

func TestDecodeChargerFaultFrameRejectsMalformed(t *testing.T) {
	_, err := DecodeChargerFaultFrame([]byte{})
	if !errors.Is(err, transport.ErrInvalidData) {
		t.Fatalf("expected ErrInvalidData for empty frame, got %v", err)
	}

	_, err = DecodeChargerFaultFrame([]byte{5, 0, 0})
	if !errors.Is(err, transport.ErrInvalidData) {
		t.Fatalf("expected ErrInvalidData for fault_count over cap, got %v", err)
	}

	_, err = DecodeChargerFaultFrame([]byte{1})
	if !errors.Is(err, transport.ErrInvalidData) {
		t.Fatalf("expected ErrInvalidData for truncated payload, got %v", err)
	}
}

func TestChargerSetModeRejectsFault(t *testing.T) {
	c := &Charger{id: "test"}
	err := c.SetMode(nil, "Fault")
	if !errors.Is(err, transport.ErrInvalidData) {
		t.Fatalf("expected ErrInvalidData for Fault mode, got %v", err)
	}
}
