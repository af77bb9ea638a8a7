package runtime

import (
	"context"
	"log"
	"time"

	"github.com/gridkeeper/ems-core/ems"
)

// NewPowerControlTask runs the controller's balancing cycle roughly every
// 100 ms — tighter than the nominal control interval, which is safe
// because arbitration is idempotent over-running it — and copies the
// resulting status into shared after each cycle.
func NewPowerControlTask(controller *ems.Controller, shared *SharedState, interval time.Duration, logger *log.Logger) *PeriodicTask {
	return NewPeriodicTask("power-control", 0, interval, func(ctx context.Context) {
		controller.RunControlCycle(ctx)
		shared.SetStatus(controller.GetStatus())
	})
}

// NewArchiveTask periodically appends the latest published EmsStatus to
// the historical archive, on the slower control_interval cadence rather
// than every power-control tick, since the archive is a trend record, not
// a live feed. archive may be nil when no Postgres connection string was
// configured; the task is a no-op in that case.
func NewArchiveTask(archive *ems.Archive, shared *SharedState, interval time.Duration, logger *log.Logger) *PeriodicTask {
	return NewPeriodicTask("status-archive", interval, interval, func(ctx context.Context) {
		if archive == nil {
			return
		}
		ts, err := time.Parse(time.RFC3339, shared.Timestamp())
		if err != nil {
			ts = time.Now().UTC()
		}
		if err := archive.Append(ctx, ts, shared.Status()); err != nil {
			logger.Printf("[status-archive] append failed: %v", err)
		}
	})
}
