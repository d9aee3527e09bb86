package server

import (
	"context"

	"go.uber.org/zap"
)

// scavengeOnce runs one scan: skip entirely if a previous pass is still
// in flight, otherwise snapshot every connection's status/last-seen
// under its own mutex and dispose the ones idle past the threshold,
// fire-and-forget (§4.E scavenger algorithm).
func (m *Manager) scavengeOnce() {
	if !m.scavengeMu.TryLock() {
		m.logger.Debug("scavenger pass skipped: previous pass still in flight")
		return
	}
	defer m.scavengeMu.Unlock()

	m.timer.Stop() // paused for the duration of this pass; scavengeLoop resumes it on return

	start := m.clock.Now()
	debuggerAttached := m.debuggerAttached()

	m.connections.Range(func(key, value interface{}) bool {
		r := value.(*Record)
		status, lastSeen := r.Snapshot()

		if status == StatusInactive && start.Sub(lastSeen) > m.idleTimeout && !debuggerAttached {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
				defer cancel()
				_ = m.DisposeAndRemoveAsync(ctx, r)
			}()
			return true
		}

		r.TickHeartbeat()
		return true
	})

	elapsed := m.clock.Now().Sub(start)
	m.logger.Debug("scavenger pass complete", zap.Duration("elapsed", elapsed))
}
