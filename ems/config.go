// Package ems implements the balancing control loop, the operational
// mode state machine, and the device registry the rest of the runtime
// drives.
package ems

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// Config is the EMS's JSON-loaded configuration. All the bus-identity
// keys named in the external interface are required; the rest carry
// sensible defaults from DefaultConfig.
type Config struct {
	ChargerID        string `json:"charger_id"`
	ChargerInterface string `json:"charger_interface"`
	BatteryID        string `json:"battery_id"`
	BatteryInterface string `json:"battery_interface"`
	PcsID            string `json:"pcs_id"`
	PcsHost          string `json:"pcs_host"`
	PcsPort          int    `json:"pcs_port"`
	PvDcdcID         string `json:"pv_dcdc_id"`
	PvDcdcHost       string `json:"pv_dcdc_host"`
	PvDcdcPort       int    `json:"pv_dcdc_port"`
	GensetID         string `json:"genset_id"`
	GensetHost       string `json:"genset_host"`
	GensetPort       int    `json:"genset_port"`
	CanInterface     string `json:"can_interface"`

	// Balancing policy, overridable at construction per spec.md §4.3.
	SocThresholdPct   float64 `json:"soc_threshold_pct"`
	ChargerCapKW      float64 `json:"charger_cap_kw"`
	NumChargeStations int     `json:"num_charge_stations"`
	PvPeakCapacityKW  float64 `json:"pv_peak_capacity_kw"`

	ControlInterval     time.Duration `json:"control_interval"`
	PowerControlTick    time.Duration `json:"power_control_tick"`
	TelemetryTick       time.Duration `json:"telemetry_tick"`
	TimeSyncTick        time.Duration `json:"time_sync_tick"`
	ModbusTimeout       time.Duration `json:"modbus_timeout"`
	CanReceiveTimeout   time.Duration `json:"can_receive_timeout"`
	TelemetryWorkerPool int           `json:"telemetry_worker_pool"`

	DryRun bool `json:"dry_run"`

	PostgresConnString string `json:"postgres_conn_string"`

	MqttBrokerURL   string `json:"mqtt_broker_url"`
	MqttClientID    string `json:"mqtt_client_id"`
	MqttTopic       string `json:"mqtt_topic"`
	SpillBufferSize int    `json:"spill_buffer_size"`
	DataCacheDir    string `json:"data_cache_dir"`

	GpsSerialPort string `json:"gps_serial_port"`
	GpsBaudRate   int    `json:"gps_baud_rate"`

	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	HealthCheckPort int    `json:"health_check_port"`
}

// DefaultConfig returns a configuration with the defaults spec.md §4.3
// names plus the ambient concerns it leaves to us.
func DefaultConfig() *Config {
	return &Config{
		SocThresholdPct:     20.0,
		ChargerCapKW:        22.0,
		NumChargeStations:   15,
		ControlInterval:     5 * time.Second,
		PowerControlTick:    100 * time.Millisecond,
		TelemetryTick:       100 * time.Millisecond,
		TimeSyncTick:        1 * time.Second,
		ModbusTimeout:       5 * time.Second,
		CanReceiveTimeout:   5 * time.Second,
		TelemetryWorkerPool: 5,
		DryRun:              false,
		PostgresConnString:  "",
		MqttBrokerURL:       "tcp://localhost:1883",
		MqttClientID:        "ems-core",
		MqttTopic:           "ems/data",
		SpillBufferSize:     50,
		DataCacheDir:        "data_cache",
		GpsBaudRate:         9600,
		HealthCheckPort:     0,
	}
}

// LoadConfig loads configuration from a JSON file.
func LoadConfig(filename string) (*Config, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	return LoadConfigFromReader(file)
}

// LoadConfigFromReader loads configuration from an io.Reader.
func LoadConfigFromReader(reader io.Reader) (*Config, error) {
	config := DefaultConfig()

	decoder := json.NewDecoder(reader)
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("failed to decode config JSON: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// SaveConfig saves the configuration to a JSON file.
func (c *Config) SaveConfig(filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(c)
}

// Validate checks the required bus-identity keys and ranges on the rest.
func (c *Config) Validate() error {
	required := map[string]string{
		"charger_id":        c.ChargerID,
		"charger_interface": c.ChargerInterface,
		"battery_id":        c.BatteryID,
		"battery_interface": c.BatteryInterface,
		"pcs_id":            c.PcsID,
		"pcs_host":          c.PcsHost,
		"pv_dcdc_id":        c.PvDcdcID,
		"pv_dcdc_host":      c.PvDcdcHost,
		"genset_id":         c.GensetID,
		"genset_host":       c.GensetHost,
		"can_interface":     c.CanInterface,
	}
	for key, val := range required {
		if val == "" {
			return fmt.Errorf("%s cannot be empty", key)
		}
	}

	if c.PcsPort <= 0 || c.PcsPort > 65535 {
		return fmt.Errorf("pcs_port must be between 1 and 65535, got: %d", c.PcsPort)
	}
	if c.PvDcdcPort <= 0 || c.PvDcdcPort > 65535 {
		return fmt.Errorf("pv_dcdc_port must be between 1 and 65535, got: %d", c.PvDcdcPort)
	}
	if c.GensetPort <= 0 || c.GensetPort > 65535 {
		return fmt.Errorf("genset_port must be between 1 and 65535, got: %d", c.GensetPort)
	}
	if c.SocThresholdPct < 0 || c.SocThresholdPct > 100 {
		return fmt.Errorf("soc_threshold_pct must be between 0 and 100, got: %f", c.SocThresholdPct)
	}
	if c.ChargerCapKW <= 0 {
		return fmt.Errorf("charger_cap_kw must be positive, got: %f", c.ChargerCapKW)
	}
	if c.NumChargeStations < 0 {
		return fmt.Errorf("num_charge_stations must be non-negative, got: %d", c.NumChargeStations)
	}
	if c.ControlInterval <= 0 {
		return fmt.Errorf("control_interval must be greater than 0, got: %s", c.ControlInterval)
	}
	if c.PowerControlTick <= 0 {
		return fmt.Errorf("power_control_tick must be greater than 0, got: %s", c.PowerControlTick)
	}
	if c.TelemetryTick <= 0 {
		return fmt.Errorf("telemetry_tick must be greater than 0, got: %s", c.TelemetryTick)
	}
	if c.TimeSyncTick <= 0 {
		return fmt.Errorf("time_sync_tick must be greater than 0, got: %s", c.TimeSyncTick)
	}
	if c.TelemetryWorkerPool <= 0 {
		return fmt.Errorf("telemetry_worker_pool must be greater than 0, got: %d", c.TelemetryWorkerPool)
	}
	if c.SpillBufferSize <= 0 {
		return fmt.Errorf("spill_buffer_size must be greater than 0, got: %d", c.SpillBufferSize)
	}
	if c.HealthCheckPort < 0 || c.HealthCheckPort > 65535 {
		return fmt.Errorf("health_check_port must be between 0 and 65535, got: %d", c.HealthCheckPort)
	}

	return nil
}

// MarshalJSON implements custom JSON marshaling to render durations as
// strings instead of nanosecond integers.
func (c *Config) MarshalJSON() ([]byte, error) {
	type Alias Config
	return json.Marshal(&struct {
		*Alias
		ControlInterval   string `json:"control_interval"`
		PowerControlTick  string `json:"power_control_tick"`
		TelemetryTick     string `json:"telemetry_tick"`
		TimeSyncTick      string `json:"time_sync_tick"`
		ModbusTimeout     string `json:"modbus_timeout"`
		CanReceiveTimeout string `json:"can_receive_timeout"`
	}{
		Alias:             (*Alias)(c),
		ControlInterval:   c.ControlInterval.String(),
		PowerControlTick:  c.PowerControlTick.String(),
		TelemetryTick:     c.TelemetryTick.String(),
		TimeSyncTick:      c.TimeSyncTick.String(),
		ModbusTimeout:     c.ModbusTimeout.String(),
		CanReceiveTimeout: c.CanReceiveTimeout.String(),
	})
}

// UnmarshalJSON implements custom JSON unmarshaling to parse duration
// strings back into time.Duration.
func (c *Config) UnmarshalJSON(data []byte) error {
	type Alias Config
	aux := &struct {
		*Alias
		ControlInterval   string `json:"control_interval"`
		PowerControlTick  string `json:"power_control_tick"`
		TelemetryTick     string `json:"telemetry_tick"`
		TimeSyncTick      string `json:"time_sync_tick"`
		ModbusTimeout     string `json:"modbus_timeout"`
		CanReceiveTimeout string `json:"can_receive_timeout"`
	}{
		Alias: (*Alias)(c),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	var err error
	if aux.ControlInterval != "" {
		if c.ControlInterval, err = time.ParseDuration(aux.ControlInterval); err != nil {
			return fmt.Errorf("invalid control_interval: %w", err)
		}
	}
	if aux.PowerControlTick != "" {
		if c.PowerControlTick, err = time.ParseDuration(aux.PowerControlTick); err != nil {
			return fmt.Errorf("invalid power_control_tick: %w", err)
		}
	}
	if aux.TelemetryTick != "" {
		if c.TelemetryTick, err = time.ParseDuration(aux.TelemetryTick); err != nil {
			return fmt.Errorf("invalid telemetry_tick: %w", err)
		}
	}
	if aux.TimeSyncTick != "" {
		if c.TimeSyncTick, err = time.ParseDuration(aux.TimeSyncTick); err != nil {
			return fmt.Errorf("invalid time_sync_tick: %w", err)
		}
	}
	if aux.ModbusTimeout != "" {
		if c.ModbusTimeout, err = time.ParseDuration(aux.ModbusTimeout); err != nil {
			return fmt.Errorf("invalid modbus_timeout: %w", err)
		}
	}
	if aux.CanReceiveTimeout != "" {
		if c.CanReceiveTimeout, err = time.ParseDuration(aux.CanReceiveTimeout); err != nil {
			return fmt.Errorf("invalid can_receive_timeout: %w", err)
		}
	}

	return nil
}

// String returns a JSON rendering of the config, for startup logging.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
