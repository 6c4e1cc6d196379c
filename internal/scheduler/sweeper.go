package scheduler

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"gantry/internal/logging"
)

// Sweeper reaps stale leases on a period, independent of pick_next traffic.
// A crashed worker's tasks become reclaimable one sweep after TTL expiry
// even when no worker is polling.
type Sweeper struct {
	sched    *Scheduler
	interval time.Duration
	cancel   context.CancelFunc
	group    *errgroup.Group
}

// NewSweeper creates a sweeper; interval defaults to one minute if zero.
func NewSweeper(sch *Scheduler, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{sched: sch, interval: interval}
}

// Start launches the sweep loop.
func (sw *Sweeper) Start(ctx context.Context) {
	ctx, sw.cancel = context.WithCancel(ctx)
	sw.group, ctx = errgroup.WithContext(ctx)

	log := logging.Get(logging.CategoryScheduler)
	sw.group.Go(func() error {
		ticker := time.NewTicker(sw.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := sw.sched.Reap(ctx); err != nil {
					log.Error("sweep failed: %v", err)
				}
			}
		}
	})
}

// Stop halts the sweep loop and waits for it to exit.
func (sw *Sweeper) Stop() {
	if sw.cancel != nil {
		sw.cancel()
	}
	if sw.group != nil {
		sw.group.Wait()
	}
}
