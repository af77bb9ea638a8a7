package runtime

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gridkeeper/ems-core/devices"
	"github.com/gridkeeper/ems-core/ems"
	"github.com/gridkeeper/ems-core/uplink"
)

// TelemetrySnapshot is the payload shape pushed onto the uplink queue
// every telemetry cycle.
type TelemetrySnapshot struct {
	Pv        []devices.PvStatus      `json:"pv"`
	Battery   *devices.BatteryStatus  `json:"battery,omitempty"`
	Generator *devices.GensetStatus   `json:"generator,omitempty"`
	Pcs       *devices.PcsStatus      `json:"pcs,omitempty"`
	Chargers  []devices.ChargerStatus `json:"chargers"`
}

// NewTelemetryTask fans the five blocking device reads out onto a bounded
// worker pool — so a slow bus never starves the others — joins the
// results, stamps them with the time-sync task's synchronized timestamp,
// and enqueues the snapshot on the uplink dispatcher.
func NewTelemetryTask(controller *ems.Controller, dispatcher *uplink.Dispatcher, shared *SharedState, poolSize int, interval time.Duration, logger *log.Logger) *PeriodicTask {
	if logger == nil {
		logger = log.Default()
	}
	if poolSize <= 0 {
		poolSize = 5
	}

	return NewPeriodicTask("telemetry-collection", 0, interval, func(ctx context.Context) {
		pvList, battery, generator, pcs, chargers := controller.Devices()

		var (
			mu       sync.Mutex
			wg       sync.WaitGroup
			snapshot TelemetrySnapshot
		)
		snapshot.Pv = make([]devices.PvStatus, 0, len(pvList))
		snapshot.Chargers = make([]devices.ChargerStatus, 0, len(chargers))

		// Buffered channel used as a semaphore, bounding concurrent bus
		// access to poolSize workers regardless of how many devices are
		// registered.
		slots := make(chan struct{}, poolSize)

		readPv := func(pv devices.Device) {
			defer wg.Done()
			slots <- struct{}{}
			defer func() { <-slots }()

			status, err := pv.ReadStatus(ctx)
			if err != nil {
				logger.Printf("[telemetry] pv %s read failed: %v", pv.ID(), err)
				return
			}
			mu.Lock()
			snapshot.Pv = append(snapshot.Pv, status.(devices.PvStatus))
			mu.Unlock()
		}

		readCharger := func(ch *devices.Charger) {
			defer wg.Done()
			slots <- struct{}{}
			defer func() { <-slots }()

			status, err := ch.ReadStatus(ctx)
			if err != nil {
				logger.Printf("[telemetry] charger %s read failed: %v", ch.ID(), err)
				return
			}
			mu.Lock()
			snapshot.Chargers = append(snapshot.Chargers, status.(devices.ChargerStatus))
			mu.Unlock()
		}

		for _, pv := range pvList {
			wg.Add(1)
			go readPv(pv)
		}
		for _, ch := range chargers {
			wg.Add(1)
			go readCharger(ch)
		}

		if battery != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				slots <- struct{}{}
				defer func() { <-slots }()
				status, err := battery.ReadStatus(ctx)
				if err != nil {
					logger.Printf("[telemetry] battery read failed: %v", err)
					return
				}
				bs := status.(devices.BatteryStatus)
				mu.Lock()
				snapshot.Battery = &bs
				mu.Unlock()
			}()
		}

		if generator != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				slots <- struct{}{}
				defer func() { <-slots }()
				status, err := generator.ReadStatus(ctx)
				if err != nil {
					logger.Printf("[telemetry] generator read failed: %v", err)
					return
				}
				gs := status.(devices.GensetStatus)
				mu.Lock()
				snapshot.Generator = &gs
				mu.Unlock()
			}()
		}

		if pcs != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				slots <- struct{}{}
				defer func() { <-slots }()
				status, err := pcs.ReadStatus(ctx)
				if err != nil {
					logger.Printf("[telemetry] pcs read failed: %v", err)
					return
				}
				ps := status.(devices.PcsStatus)
				mu.Lock()
				snapshot.Pcs = &ps
				mu.Unlock()
			}()
		}

		wg.Wait()

		dispatcher.Enqueue(uplink.Record{
			Timestamp: shared.Timestamp(),
			Payload:   snapshot,
		})
	})
}
