package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"
)

// ModbusTCPConfig configures a synchronous Modbus/TCP client.
type ModbusTCPConfig struct {
	Host    string
	Port    int
	UnitID  byte
	Timeout time.Duration
}

// DefaultModbusTimeout matches the 5 s bus timeout used throughout the
// fieldbus layer.
const DefaultModbusTimeout = 5 * time.Second

// ModbusTCPClient is a synchronous Modbus/TCP client, modeled on the
// teacher's SigenModbusClient: one handler, one goburrow/modbus.Client, and
// a thin layer of error translation over it.
type ModbusTCPClient struct {
	mu      sync.Mutex
	cfg     ModbusTCPConfig
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

// NewModbusTCPClient creates a client with the given configuration. It does
// not connect; call Connect explicitly, mirroring the device layer's
// connect-on-construction contract at a higher level.
func NewModbusTCPClient(cfg ModbusTCPConfig) *ModbusTCPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultModbusTimeout
	}
	if cfg.UnitID == 0 {
		cfg.UnitID = 1
	}
	return &ModbusTCPClient{cfg: cfg}
}

// Connect dials the Modbus/TCP server.
func (c *ModbusTCPClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	handler := modbus.NewTCPClientHandler(fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port))
	handler.SlaveId = c.cfg.UnitID
	handler.Timeout = c.cfg.Timeout

	if err := handler.Connect(); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	c.handler = handler
	c.client = modbus.NewClient(handler)
	return nil
}

// Disconnect closes the underlying TCP connection. Safe to call on an
// already-disconnected client. The device wrappers never call it, so the
// connection is not closed automatically when the owning device stops.
func (c *ModbusTCPClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnectLocked()
}

func (c *ModbusTCPClient) disconnectLocked() error {
	if c.handler == nil {
		return nil
	}
	err := c.handler.Close()
	c.handler = nil
	c.client = nil
	return err
}

// IsConnected reports whether the client currently holds an open handle.
func (c *ModbusTCPClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil
}

func (c *ModbusTCPClient) translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionFailed) {
		return err
	}
	msg := err.Error()
	if isTimeoutError(err) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %s", ErrProtocolError, msg)
}

func isTimeoutError(err error) bool {
	type timeouter interface{ Timeout() bool }
	var t timeouter
	if errors.As(err, &t) {
		return t.Timeout()
	}
	return false
}

// ReadHoldingRegisters reads count contiguous holding registers starting at
// address and returns them as big-endian uint16 values.
func (c *ModbusTCPClient) ReadHoldingRegisters(address, count uint16) ([]uint16, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return nil, ErrConnectionFailed
	}

	raw, err := client.ReadHoldingRegisters(address, count)
	if err != nil {
		return nil, c.translate(err)
	}
	return bytesToRegisters(raw)
}

// ReadInputRegisters reads count contiguous input registers starting at
// address.
func (c *ModbusTCPClient) ReadInputRegisters(address, count uint16) ([]uint16, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return nil, ErrConnectionFailed
	}

	raw, err := client.ReadInputRegisters(address, count)
	if err != nil {
		return nil, c.translate(err)
	}
	return bytesToRegisters(raw)
}

// WriteSingleRegister writes value to the holding register at address.
func (c *ModbusTCPClient) WriteSingleRegister(address, value uint16) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return ErrConnectionFailed
	}
	_, err := client.WriteSingleRegister(address, value)
	return c.translate(err)
}

// WriteMultipleRegisters writes values to count contiguous holding
// registers starting at address.
func (c *ModbusTCPClient) WriteMultipleRegisters(address uint16, values []uint16) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return ErrConnectionFailed
	}
	payload := registersToBytes(values)
	_, err := client.WriteMultipleRegisters(address, uint16(len(values)), payload)
	return c.translate(err)
}

// ReadCoils reads count contiguous coils starting at address.
func (c *ModbusTCPClient) ReadCoils(address, count uint16) ([]bool, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return nil, ErrConnectionFailed
	}
	raw, err := client.ReadCoils(address, count)
	if err != nil {
		return nil, c.translate(err)
	}
	return unpackBits(raw, int(count)), nil
}

// ReadDiscreteInputs reads count contiguous discrete inputs starting at
// address.
func (c *ModbusTCPClient) ReadDiscreteInputs(address, count uint16) ([]bool, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return nil, ErrConnectionFailed
	}
	raw, err := client.ReadDiscreteInputs(address, count)
	if err != nil {
		return nil, c.translate(err)
	}
	return unpackBits(raw, int(count)), nil
}

// WriteSingleCoil writes value to the coil at address.
func (c *ModbusTCPClient) WriteSingleCoil(address uint16, value bool) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return ErrConnectionFailed
	}
	v := uint16(0x0000)
	if value {
		v = 0xFF00
	}
	_, err := client.WriteSingleCoil(address, v)
	return c.translate(err)
}

// WriteMultipleCoils writes values to count contiguous coils starting at
// address.
func (c *ModbusTCPClient) WriteMultipleCoils(address uint16, values []bool) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return ErrConnectionFailed
	}
	packed := packBits(values)
	_, err := client.WriteMultipleCoils(address, uint16(len(values)), packed)
	return c.translate(err)
}

func bytesToRegisters(raw []byte) ([]uint16, error) {
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("%w: odd register byte count %d", ErrInvalidData, len(raw))
	}
	out := make([]uint16, len(raw)/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(raw[i*2 : i*2+2])
	}
	return out, nil
}

func registersToBytes(values []uint16) []byte {
	out := make([]byte, len(values)*2)
	for i, v := range values {
		binary.BigEndian.PutUint16(out[i*2:i*2+2], v)
	}
	return out
}

func unpackBits(raw []byte, count int) []bool {
	out := make([]bool, count)
	for i := 0; i < count; i++ {
		byteIdx := i / 8
		bitIdx := uint(i % 8)
		if byteIdx >= len(raw) {
			break
		}
		out[i] = raw[byteIdx]&(1<<bitIdx) != 0
	}
	return out
}

func packBits(values []bool) []byte {
	out := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}
