package dispatch

import (
	"context"
	"time"
)

// -----------------------------------------------------------------------------
// Periodic Sweep
// -----------------------------------------------------------------------------

const sweepInterval = time.Minute

// RunPeriodic drives the minute sweep: release cached series nobody
// subscribes to and probe streams that went silent. Blocks until ctx ends;
// the caller runs it in its own goroutine.
func (d *Dispatcher) RunPeriodic(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Sweep(time.Now().UTC())
		}
	}
}

// -----------------------------------------------------------------------------

// Sweep runs one sweep iteration at the given instant.
func (d *Dispatcher) Sweep(now time.Time) {
	active := d.Registry.ActiveKeys()

	released := d.Store.ReleaseIdle(active, now)
	if len(released) > 0 {
		d.Logger.Info("Released cache: %v", released)
	}
	d.bucketMu.Lock()
	for _, key := range released {
		delete(d.prevBucket, key)
	}
	d.bucketMu.Unlock()

	for _, g := range d.gateways {
		g.ProbeActivity()
	}
}
