package router

import (
	"context"
	"log/slog"
	"time"
)

// ProbeFunc reports the current health of one endpoint. Probes run off the
// control loop; results land in a fresh table snapshot.
type ProbeFunc func(ctx context.Context, ep Endpoint) HealthStatus

// HealthChecker refreshes endpoint health on an interval by building a new
// table and swapping it in. Selection code never sees a half-updated table.
type HealthChecker struct {
	router   *Router
	probe    ProbeFunc
	interval time.Duration
	logger   *slog.Logger
}

func NewHealthChecker(r *Router, probe ProbeFunc, interval time.Duration, logger *slog.Logger) *HealthChecker {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthChecker{router: r, probe: probe, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled.
func (h *HealthChecker) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.refresh(ctx)
		}
	}
}

func (h *HealthChecker) refresh(ctx context.Context) {
	old := h.router.Snapshot()
	next := &Table{
		Endpoints: make([]Endpoint, len(old.Endpoints)),
		Rules:     old.Rules,
		Defaults:  old.Defaults,
	}
	copy(next.Endpoints, old.Endpoints)

	changed := false
	for i := range next.Endpoints {
		status := h.probe(ctx, next.Endpoints[i])
		if status != next.Endpoints[i].Health {
			h.logger.Info("endpoint health changed",
				"endpoint", next.Endpoints[i].ID,
				"from", string(next.Endpoints[i].Health),
				"to", string(status))
			next.Endpoints[i].Health = status
			changed = true
		}
	}
	if changed {
		if err := h.router.Swap(next); err != nil {
			h.logger.Error("health refresh produced invalid table", "error", err)
		}
	}
}
