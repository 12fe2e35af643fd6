package txn

import (
	"context"
	"time"

	"github.com/docsyncd/docsyncd/internal/sync/metrics"
)

// Cleanup removes terminal contexts whose completion time is older than
// maxAge and returns the number removed. A context still holding a
// connection is rolled back first so the connection is released; that
// should only happen if a caller abandoned a transaction.
func (m *Manager) Cleanup(ctx context.Context, maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	m.mu.Lock()
	candidates := make([]*Context, 0)
	for _, tc := range m.active {
		candidates = append(candidates, tc)
	}
	m.mu.Unlock()

	removed := 0
	for _, tc := range candidates {
		root := tc.rootCtx()
		root.mu.Lock()
		expired := tc.Status.Terminal() && tc.CompletedAt != nil && tc.CompletedAt.Before(cutoff)
		abandoned := !tc.Status.Terminal() && tc.StartedAt.Before(cutoff)
		if abandoned && tc == root {
			m.log.Warn("cleaning up abandoned transaction", "txID", tc.ID, "startedAt", tc.StartedAt)
			if root.conn != nil {
				if err := root.conn.Rollback(ctx); err != nil {
					m.log.Warn("rollback of abandoned transaction failed", "txID", tc.ID, "error", err)
				}
				root.conn = nil
			}
			m.compensateVectors(ctx, root.Operations)
			tc.finish(StatusRolledBack)
			expired = true
		}
		root.mu.Unlock()

		if expired || (abandoned && tc != root) {
			m.mu.Lock()
			if _, ok := m.active[tc.ID]; ok {
				delete(m.active, tc.ID)
				removed++
			}
			m.mu.Unlock()
		}
	}

	if removed > 0 {
		m.log.Debug("transaction cleanup", "removed", removed)
	}
	m.syncGauge()
	return removed
}

// Run sweeps terminal contexts periodically until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	interval := m.retention / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Cleanup(ctx, m.retention)
		}
	}
}

func (m *Manager) syncGauge() {
	m.mu.RLock()
	n := len(m.active)
	m.mu.RUnlock()
	metrics.ActiveTransactions.Set(float64(n))
}
