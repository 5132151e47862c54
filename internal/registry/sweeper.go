// ABOUTME: Background sweeper that demotes agents with stale heartbeats to offline.
// ABOUTME: Runs on a fixed interval until its context is cancelled.

package registry

import (
	"context"
	"time"
)

// RunSweeper periodically calls SweepStale until ctx is cancelled. Agents
// that miss heartbeats for longer than timeout stop being scheduling
// candidates (FindForTask skips offline agents) but stay registered.
func (r *Registry) RunSweeper(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepStale(timeout)
		}
	}
}
