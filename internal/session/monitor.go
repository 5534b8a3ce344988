package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/protocol"
)

// Monitor runs the periodic liveness sweep. Best-effort cleanup only:
// broadcast and acceptance correctness never depend on timely eviction.
type Monitor struct {
	reg      *Registry
	interval time.Duration
	log      *slog.Logger
}

func NewMonitor(reg *Registry, interval time.Duration, log *slog.Logger) *Monitor {
	return &Monitor{reg: reg, interval: interval, log: log}
}

// Run sweeps on a fixed ticker until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			m.Sweep(now)
		}
	}
}

// Sweep evicts every idle session, notifying each exactly once before its
// connection is closed. Returns the evicted driver IDs.
func (m *Monitor) Sweep(now time.Time) []string {
	victims := m.reg.evictIdle(now)
	ids := make([]string, 0, len(victims))
	for _, v := range victims {
		ids = append(ids, v.driverID)
		observability.SessionsEvicted.Inc()
		if v.conn != nil {
			if err := v.conn.Push(protocol.EventSessionExpired, protocol.SessionExpired{Reason: protocol.ReasonInactivity}); err != nil {
				m.log.Debug("eviction notify failed", "driver_id", v.driverID, "error", err)
			}
			_ = v.conn.Close()
		}
	}
	st := m.reg.Stats()
	m.log.Info("liveness sweep", "evicted", len(ids), "sessions", st.Sessions, "reachable", st.Reachable, "busy", st.Busy)
	return ids
}
