package bridgeclient

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"coder1/bridge/internal/protocol"
)

// statsTracker feeds heartbeat payloads: commands executed since start,
// uptime, and resident memory of this process.
type statsTracker struct {
	startedAt time.Time
	executed  atomic.Int64
	proc      *process.Process
}

func newStatsTracker() *statsTracker {
	t := &statsTracker{startedAt: time.Now()}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		t.proc = p
	}
	return t
}

func (t *statsTracker) commandDone() {
	t.executed.Add(1)
}

func (t *statsTracker) snapshot() protocol.BridgeStats {
	stats := protocol.BridgeStats{
		CommandsExecuted: int(t.executed.Load()),
		UptimeSeconds:    int64(time.Since(t.startedAt).Seconds()),
	}
	if t.proc != nil {
		if mem, err := t.proc.MemoryInfo(); err == nil && mem != nil {
			stats.MemoryMB = float64(mem.RSS) / (1024 * 1024)
		}
	}
	return stats
}
