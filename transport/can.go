package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/brutella/can"
)

// CANFrame is one classic CAN data frame as seen by the device layer. It is
// deliberately smaller than brutella/can's Frame: only what the battery and
// charger drivers need to build and parse their messages.
type CANFrame struct {
	ID     uint32
	Length uint8
	Data   [8]byte
}

// CANConfig configures a CAN bus interface. BitrateBps, SamplePoint,
// Loopback and ListenOnly describe the interface as it must already be
// configured at the OS/SocketCAN level (e.g. via `ip link set can0 type can
// bitrate 500000`); this driver does not program the controller itself, it
// only validates the values it was told to expect.
type CANConfig struct {
	Interface      string
	BitrateBps     int
	SamplePoint    float64
	Loopback       bool
	ListenOnly     bool
	RestartDelay   time.Duration
	ReceiveTimeout time.Duration
}

// Validate checks the configuration for obviously invalid values.
func (c CANConfig) Validate() error {
	if c.Interface == "" {
		return fmt.Errorf("%w: can interface name is empty", ErrConfigError)
	}
	if c.BitrateBps <= 0 {
		return fmt.Errorf("%w: can bitrate must be positive, got %d", ErrConfigError, c.BitrateBps)
	}
	if c.SamplePoint < 0 || c.SamplePoint > 1 {
		return fmt.Errorf("%w: can sample point must be in [0,1], got %f", ErrConfigError, c.SamplePoint)
	}
	return nil
}

const defaultCANReceiveTimeout = 2 * time.Second

// CANBus drives a CAN interface through github.com/brutella/can. That
// library is push-subscribe (a Handler is invoked for every received
// frame); this wraps it with a buffered channel so callers can block on
// RecvFrame or poll with TryRecvFrame the way the rest of the fieldbus
// layer expects.
type CANBus struct {
	mu      sync.Mutex
	cfg     CANConfig
	bus     *can.Bus
	frames  chan CANFrame
	done    chan struct{}
	runErr  chan error
	running bool
}

// NewCANBus creates a driver for the given configuration without opening
// the interface.
func NewCANBus(cfg CANConfig) (*CANBus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = defaultCANReceiveTimeout
	}
	return &CANBus{cfg: cfg}, nil
}

// Connect opens the configured interface and starts the receive loop.
func (b *CANBus) Connect() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return nil
	}

	bus, err := can.NewBusForInterfaceWithName(b.cfg.Interface)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	frames := make(chan CANFrame, 64)
	bus.SubscribeFunc(func(frm can.Frame) {
		cf := CANFrame{ID: frm.ID, Length: frm.Length}
		copy(cf.Data[:], frm.Data[:])
		select {
		case frames <- cf:
		default:
			// receiver too slow, drop the oldest rather than block the bus
			select {
			case <-frames:
			default:
			}
			select {
			case frames <- cf:
			default:
			}
		}
	})

	runErr := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		err := bus.ConnectAndPublish()
		runErr <- err
		close(done)
	}()

	b.bus = bus
	b.frames = frames
	b.done = done
	b.runErr = runErr
	b.running = true
	return nil
}

// Disconnect stops the receive loop and closes the interface.
func (b *CANBus) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disconnectLocked()
}

func (b *CANBus) disconnectLocked() error {
	if !b.running {
		return nil
	}
	err := b.bus.Disconnect()
	b.running = false
	b.bus = nil
	b.frames = nil
	return err
}

// IsConnected reports whether the receive loop is active.
func (b *CANBus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// SendFrame publishes a frame onto the bus.
func (b *CANBus) SendFrame(frm CANFrame) error {
	b.mu.Lock()
	bus := b.bus
	running := b.running
	b.mu.Unlock()

	if !running {
		return ErrConnectionFailed
	}

	out := can.Frame{ID: frm.ID, Length: frm.Length}
	copy(out.Data[:], frm.Data[:])
	if err := bus.Publish(out); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolError, err)
	}
	return nil
}

// RecvFrame blocks until a frame arrives or the configured receive timeout
// elapses, whichever comes first.
func (b *CANBus) RecvFrame() (CANFrame, error) {
	b.mu.Lock()
	frames := b.frames
	running := b.running
	timeout := b.cfg.ReceiveTimeout
	b.mu.Unlock()

	if !running {
		return CANFrame{}, ErrConnectionFailed
	}

	select {
	case frm := <-frames:
		return frm, nil
	case <-time.After(timeout):
		return CANFrame{}, ErrTimeout
	}
}

// TryRecvFrame returns immediately: (frame, true, nil) if one was queued,
// or (zero, false, nil) if none was available. It only returns a non-nil
// error when the bus is not connected.
func (b *CANBus) TryRecvFrame() (CANFrame, bool, error) {
	b.mu.Lock()
	frames := b.frames
	running := b.running
	b.mu.Unlock()

	if !running {
		return CANFrame{}, false, ErrConnectionFailed
	}

	select {
	case frm := <-frames:
		return frm, true, nil
	default:
		return CANFrame{}, false, nil
	}
}
