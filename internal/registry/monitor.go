package registry

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// Monitor periodically evicts bridges that stopped heartbeating. Eviction
// goes through Unregister, so pending commands cascade to BridgeLost via the
// registry's hook.
type Monitor struct {
	logger   *slog.Logger
	registry *Registry
	interval time.Duration
}

func NewMonitor(r *Registry, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Monitor{
		logger:   logger,
		registry: r,
		interval: r.heartbeatInterval,
	}
}

// SweepOnce evicts all currently-stale bridges and returns their ids.
func (m *Monitor) SweepOnce() []string {
	stale := m.registry.staleBridges()
	for _, id := range stale {
		m.logger.Warn("bridge heartbeat timed out", "bridge_id", id)
		m.registry.Unregister(id, "heartbeat timeout")
	}
	return stale
}

// Run sweeps on the heartbeat interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.SweepOnce()
		}
	}
}
