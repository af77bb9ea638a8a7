// Package main provides the Energy Management System control core's
// entry point and CLI interface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gridkeeper/ems-core/devices"
	"github.com/gridkeeper/ems-core/ems"
	"github.com/gridkeeper/ems-core/gpsclock"
	"github.com/gridkeeper/ems-core/runtime"
	"github.com/gridkeeper/ems-core/server"
	"github.com/gridkeeper/ems-core/transport"
	"github.com/gridkeeper/ems-core/uplink"
)

func main() {
	var (
		configFile = flag.String("config", "config.json", "Configuration file path")
		info       = flag.Bool("info", false, "Show configured device endpoints and exit")
		help       = flag.Bool("help", false, "Show help message")
		serverOnly = flag.Bool("serverOnly", false, "Run only the HTTP/WebSocket server without the balancing loop")
		dryRun     = flag.Bool("dryRun", false, "Disable upstream MQTT publishing (device writes still happen)")
	)
	flag.Parse()

	if *help {
		showHelp()
		return
	}

	config, err := ems.LoadConfig(*configFile)
	if err != nil {
		fmt.Println("Error loading configuration:", err)
		os.Exit(1)
	}
	if *dryRun {
		config.DryRun = true
	}

	if *info {
		showInfo(config)
		return
	}

	fmt.Printf("Starting Energy Management System control core with the following configuration:\n")
	fmt.Printf("  Charger:   %s @ %s\n", config.ChargerID, config.ChargerInterface)
	fmt.Printf("  Battery:   %s @ %s\n", config.BatteryID, config.BatteryInterface)
	fmt.Printf("  PCS:       %s @ %s:%d\n", config.PcsID, config.PcsHost, config.PcsPort)
	fmt.Printf("  PV DC-DC:  %s @ %s:%d\n", config.PvDcdcID, config.PvDcdcHost, config.PvDcdcPort)
	fmt.Printf("  Genset:    %s @ %s:%d\n", config.GensetID, config.GensetHost, config.GensetPort)
	fmt.Printf("  SOC threshold: %.1f%%\n", config.SocThresholdPct)
	if config.DryRun {
		fmt.Printf("  Mode: DRY-RUN (upstream publishing disabled; device writes are still issued)\n")
	}
	fmt.Println()

	logger := log.New(os.Stdout, "[EMS] ", log.LstdFlags)

	controller := ems.NewController(config, logger)
	shared := runtime.NewSharedState()

	if !*serverOnly {
		if err := wireDevices(controller, config, logger); err != nil {
			logger.Printf("Device initialization failed: %v", err)
			os.Exit(1)
		}
		if unhealthy := unhealthyDevices(controller); len(unhealthy) > 0 {
			logger.Printf("Post-init health check failed, not connected: %v", unhealthy)
			os.Exit(1)
		}
	}

	publisher, dispErr := newPublisher(config, logger)
	if dispErr != nil {
		logger.Printf("Uplink publisher initialization failed: %v", dispErr)
		os.Exit(1)
	}
	dispatcher, err := uplink.NewDispatcher(publisher, config.MqttTopic, config.DataCacheDir, config.SpillBufferSize, logger)
	if err != nil {
		logger.Printf("Uplink dispatcher initialization failed: %v", err)
		os.Exit(1)
	}

	archive, err := ems.NewArchive(config.PostgresConnString)
	if err != nil {
		logger.Printf("Archive initialization failed: %v", err)
		os.Exit(1)
	}
	defer archive.Close()

	srv := server.New(controller, shared, config.HealthCheckPort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fabric := runtime.NewFabric(logger)

	if !*serverOnly {
		controller.Start()
		fabric.Launch(ctx, runtime.NewPowerControlTask(controller, shared, config.PowerControlTick, logger))
		fabric.Launch(ctx, runtime.NewTelemetryTask(controller, dispatcher, shared, config.TelemetryWorkerPool, config.TelemetryTick, logger))
		if archive != nil {
			fabric.Launch(ctx, runtime.NewArchiveTask(archive, shared, config.ControlInterval, logger))
		}

		if config.GpsSerialPort != "" {
			gpsDriver, err := gpsclock.NewDriver(gpsclock.Config{Port: config.GpsSerialPort, Baud: config.GpsBaudRate})
			if err != nil {
				logger.Printf("GPS driver initialization failed, time-sync task disabled: %v", err)
			} else {
				defer gpsDriver.Close()
				fabric.Launch(ctx, runtime.NewTimeSyncTask(gpsDriver, shared, config.TimeSyncTick, logger))
			}
		}
	}
	runtime.LaunchUplinkDispatch(ctx, fabric, dispatcher)

	if err := srv.Start(); err != nil {
		logger.Printf("Server failed to start: %v", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Printf("EMS control core started. Press Ctrl+C to stop...")
	<-sigChan
	logger.Printf("Shutdown signal received, stopping...")

	cancel()
	fabric.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Printf("Server shutdown error: %v", err)
	}

	controller.Stop()
	logger.Printf("EMS control core stopped successfully")
}

// wireDevices constructs every transport client and device wrapper named
// in config and registers it with the controller.
func wireDevices(controller *ems.Controller, config *ems.Config, logger *log.Logger) error {
	pvClient := transport.NewModbusTCPClient(transport.ModbusTCPConfig{
		Host: config.PvDcdcHost, Port: config.PvDcdcPort, Timeout: config.ModbusTimeout,
	})
	if err := pvClient.Connect(); err != nil {
		return fmt.Errorf("pv dc-dc: %w", err)
	}
	controller.AddPvDevice(devices.NewPv(config.PvDcdcID, pvClient))

	gensetClient := transport.NewModbusTCPClient(transport.ModbusTCPConfig{
		Host: config.GensetHost, Port: config.GensetPort, Timeout: config.ModbusTimeout,
	})
	if err := gensetClient.Connect(); err != nil {
		return fmt.Errorf("genset: %w", err)
	}
	controller.AddGeneratorDevice(devices.NewGenerator(config.GensetID, gensetClient))

	pcsClient := transport.NewModbusTCPClient(transport.ModbusTCPConfig{
		Host: config.PcsHost, Port: config.PcsPort, Timeout: config.ModbusTimeout,
	})
	if err := pcsClient.Connect(); err != nil {
		return fmt.Errorf("pcs: %w", err)
	}
	controller.AddPcsDevice(devices.NewPcs(config.PcsID, pcsClient))

	batteryBus, err := transport.NewCANBus(transport.CANConfig{
		Interface: config.BatteryInterface, ReceiveTimeout: config.CanReceiveTimeout,
	})
	if err != nil {
		return fmt.Errorf("battery: %w", err)
	}
	if err := batteryBus.Connect(); err != nil {
		return fmt.Errorf("battery: %w", err)
	}
	controller.AddBatteryDevice(devices.NewBattery(config.BatteryID, batteryBus))

	chargerBus, err := transport.NewCANBus(transport.CANConfig{
		Interface: config.ChargerInterface, ReceiveTimeout: config.CanReceiveTimeout,
	})
	if err != nil {
		return fmt.Errorf("charger: %w", err)
	}
	if err := chargerBus.Connect(); err != nil {
		return fmt.Errorf("charger: %w", err)
	}
	if err := controller.AddChargerDevice(devices.NewCharger(config.ChargerID, chargerBus)); err != nil {
		return fmt.Errorf("charger: %w", err)
	}

	logger.Printf("All device transports connected")
	return nil
}

// unhealthyDevices returns the ids of every registered device that fails
// IsConnected, for the post-init health check spec.md §6 requires before
// the balancing loop is allowed to run.
func unhealthyDevices(controller *ems.Controller) []string {
	var unhealthy []string
	pv, battery, generator, pcs, chargers := controller.Devices()
	for _, d := range pv {
		if !d.IsConnected() {
			unhealthy = append(unhealthy, d.ID())
		}
	}
	if battery != nil && !battery.IsConnected() {
		unhealthy = append(unhealthy, battery.ID())
	}
	if generator != nil && !generator.IsConnected() {
		unhealthy = append(unhealthy, generator.ID())
	}
	if pcs != nil && !pcs.IsConnected() {
		unhealthy = append(unhealthy, pcs.ID())
	}
	for _, ch := range chargers {
		if !ch.IsConnected() {
			unhealthy = append(unhealthy, ch.ID())
		}
	}
	return unhealthy
}

// newPublisher builds the MQTT publisher, or a no-op stand-in when
// dry-run / no broker is configured, so the uplink dispatcher always has
// something to spill against.
func newPublisher(config *ems.Config, logger *log.Logger) (uplink.Publisher, error) {
	if config.DryRun || config.MqttBrokerURL == "" {
		logger.Printf("Uplink publishing disabled (dry-run or no broker configured), records will spill to disk")
		return noopPublisher{}, nil
	}
	return uplink.NewMQTTPublisher(uplink.MQTTConfig{
		BrokerURL: config.MqttBrokerURL,
		ClientID:  config.MqttClientID,
		QOS:       1,
	})
}

// noopPublisher reports unhealthy forever, so the dispatcher keeps every
// record spilled (in memory, then on disk) instead of silently discarding
// it in dry-run mode.
type noopPublisher struct{}

func (noopPublisher) Publish(topic, message string) error { return nil }
func (noopPublisher) Healthy() bool                        { return false }
func (noopPublisher) Close() error                          { return nil }

func showInfo(config *ems.Config) {
	fmt.Println("Configured device endpoints:")
	fmt.Printf("  Charger:  id=%s interface=%s\n", config.ChargerID, config.ChargerInterface)
	fmt.Printf("  Battery:  id=%s interface=%s\n", config.BatteryID, config.BatteryInterface)
	fmt.Printf("  PCS:      id=%s host=%s:%d\n", config.PcsID, config.PcsHost, config.PcsPort)
	fmt.Printf("  PV DC-DC: id=%s host=%s:%d\n", config.PvDcdcID, config.PvDcdcHost, config.PvDcdcPort)
	fmt.Printf("  Genset:   id=%s host=%s:%d\n", config.GensetID, config.GensetHost, config.GensetPort)
	fmt.Printf("  CAN interface: %s\n", config.CanInterface)
}

func showHelp() {
	fmt.Println("Energy Management System control core - balance PV, battery, generator, and EV chargers")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Reads PV, battery, generator, PCS, and EV charger status over Modbus/TCP")
	fmt.Println("  and CAN, runs a priority-ordered balancing loop (surplus charges the")
	fmt.Println("  battery, deficit discharges it or starts the generator, remaining deficit")
	fmt.Println("  curtails chargers), and publishes telemetry upstream over MQTT with a")
	fmt.Println("  disk-backed spill buffer for broker outages.")
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  ems-core [OPTIONS]")
	fmt.Println()
	fmt.Println("OPTIONS:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Basic usage with default settings")
	fmt.Println("  ems-core")
	fmt.Println()
	fmt.Println("  # Custom configuration")
	fmt.Println("  ems-core --config=config.json")
	fmt.Println()
	fmt.Println("  # Show configured device endpoints")
	fmt.Println("  ems-core -info")
	fmt.Println()
	fmt.Println("  # Run only the HTTP/WebSocket server, no balancing loop")
	fmt.Println("  ems-core -serverOnly")
	fmt.Println()
	fmt.Println("  # Run without publishing telemetry upstream (device writes still apply)")
	fmt.Println("  ems-core -dryRun")
	fmt.Println()
	fmt.Println("  # Show this help")
	fmt.Println("  ems-core -help")
}
