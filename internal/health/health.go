// Package health samples this node's own load so the tracker can
// distinguish "slow" from "dead" (spec.md §6, the informational
// down_period option): a node under sustained load is tagged soft_down in
// its own presence metadata without being purged — purging is still
// purely heartbeat-timeout driven (R2/permdown).
package health

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// Sampler periodically samples host/container CPU usage and exposes a
// soft-down verdict once usage has stayed above threshold for downPeriod.
type Sampler struct {
	threshold  float64
	downPeriod time.Duration
	interval   time.Duration

	softDown int32 // atomic bool
	above    time.Duration
}

// NewSampler creates a Sampler that samples every interval, and considers
// the node soft-down once CPU percent has exceeded thresholdPct
// continuously for downPeriod.
func NewSampler(interval, downPeriod time.Duration, thresholdPct float64) *Sampler {
	return &Sampler{threshold: thresholdPct, downPeriod: downPeriod, interval: interval}
}

// Run samples until ctx is cancelled. Sampling errors (e.g. unsupported
// platform) are treated as "0% load" rather than aborting the loop — a
// soft-down signal is informational, never load-bearing for correctness.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pct, err := cpu.PercentWithContext(ctx, 0, false)
			usage := 0.0
			if err == nil && len(pct) > 0 {
				usage = pct[0]
			}
			if usage >= s.threshold {
				s.above += s.interval
			} else {
				s.above = 0
			}
			down := s.above >= s.downPeriod
			if down {
				atomic.StoreInt32(&s.softDown, 1)
			} else {
				atomic.StoreInt32(&s.softDown, 0)
			}
		}
	}
}

// SoftDown reports whether this node has been above threshold for at
// least downPeriod continuously.
func (s *Sampler) SoftDown() bool {
	return atomic.LoadInt32(&s.softDown) == 1
}
