package transport

import (
	"errors"
	"testing"
	"time"
)

func validCANConfig() CANConfig {
	return CANConfig{
		Interface:      "can0",
		BitrateBps:     500000,
		SamplePoint:    0.875,
		ReceiveTimeout: time.Second,
	}
}

func TestCANConfigValidate(t *testing.T) {
	if err := validCANConfig().Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestCANConfigValidateRejectsEmptyInterface(t *testing.T) {
	cfg := validCANConfig()
	cfg.Interface = ""
	if err := cfg.Validate(); !errors.Is(err, ErrConfigError) {
		t.Errorf("expected ErrConfigError, got %v", err)
	}
}

func TestCANConfigValidateRejectsNonPositiveBitrate(t *testing.T) {
	cfg := validCANConfig()
	cfg.BitrateBps = 0
	if err := cfg.Validate(); !errors.Is(err, ErrConfigError) {
		t.Errorf("expected ErrConfigError, got %v", err)
	}
}

func TestCANConfigValidateRejectsOutOfRangeSamplePoint(t *testing.T) {
	cfg := validCANConfig()
	cfg.SamplePoint = 1.5
	if err := cfg.Validate(); !errors.Is(err, ErrConfigError) {
		t.Errorf("expected ErrConfigError, got %v", err)
	}

	cfg = validCANConfig()
	cfg.SamplePoint = -0.1
	if err := cfg.Validate(); !errors.Is(err, ErrConfigError) {
		t.Errorf("expected ErrConfigError, got %v", err)
	}
}

func TestNewCANBusRejectsInvalidConfig(t *testing.T) {
	cfg := validCANConfig()
	cfg.Interface = ""
	if _, err := NewCANBus(cfg); err == nil {
		t.Fatalf("expected error constructing bus with invalid config")
	}
}

func TestNewCANBusAppliesDefaultReceiveTimeout(t *testing.T) {
	cfg := validCANConfig()
	cfg.ReceiveTimeout = 0
	bus, err := NewCANBus(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bus.cfg.ReceiveTimeout != defaultCANReceiveTimeout {
		t.Errorf("expected default receive timeout %v, got %v", defaultCANReceiveTimeout, bus.cfg.ReceiveTimeout)
	}
}

func TestCANBusTryRecvFrameNotConnected(t *testing.T) {
	bus, err := NewCANBus(validCANConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok, err := bus.TryRecvFrame(); ok || !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("expected (false, ErrConnectionFailed) before Connect, got (%v, %v)", ok, err)
	}
}
