package runtime

import (
	"context"
	"log"
	"time"

	"github.com/gridkeeper/ems-core/gpsclock"
)

// NewTimeSyncTask polls the GPS driver once per tick, publishing its fix
// and the synchronized UTC timestamp into shared state. Every other task
// reads the timestamp from SharedState rather than calling time.Now
// directly, so a single GPS source of truth stamps telemetry and archive
// writes alike.
func NewTimeSyncTask(driver *gpsclock.Driver, shared *SharedState, interval time.Duration, logger *log.Logger) *PeriodicTask {
	if logger == nil {
		logger = log.Default()
	}

	return NewPeriodicTask("time-sync", 0, interval, func(ctx context.Context) {
		fix, err := driver.ReadFix()
		if err != nil {
			logger.Printf("[time-sync] gps read failed: %v", err)
			shared.SetGps(shared.Gps(), false)
			return
		}
		shared.SetGps(fix, true)
	})
}
