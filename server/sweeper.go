package server

import (
	"context"
	"time"

	"github.com/AdguardTeam/golibs/log"
)

// RunSweeper runs Pool.Sweep at the configured interval until ctx is
// canceled. The sweeper's own critical section is O(pool size) and
// never blocks on I/O, so it runs independently of request traffic as
// Leases are reclaimed even when the server is otherwise idle.
func (h *Handler) RunSweeper(ctx context.Context) {
	interval := h.conf.sweep
	if interval <= 0 {
		interval = time.Second
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("server: sweeper stopping")
			return
		case tick := <-t.C:
			n := h.pool.Sweep(tick)
			h.metrics.sweepRuns.Inc()
			if n > 0 {
				h.metrics.leasesExpired.Add(float64(n))
				h.metrics.leasesActive.Set(float64(len(h.pool.Leases())))
				log.Debug("server: sweep reclaimed %d lease(s)", n)
			}
		}
	}
}
