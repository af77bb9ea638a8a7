package runtime

import (
	"context"

	"github.com/gridkeeper/ems-core/uplink"
)

// LaunchUplinkDispatch runs the uplink dispatcher's consume loop under the
// fabric's shared stop signal, alongside the PeriodicTasks. It is
// not itself a PeriodicTask: the dispatcher blocks on its own queue rather
// than ticking, so it gets a direct goroutine instead of being funneled
// through PeriodicTask.run.
func LaunchUplinkDispatch(ctx context.Context, f *Fabric, dispatcher *uplink.Dispatcher) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		dispatcher.Run(ctx, f.stopChan)
	}()
}
