package federation

import (
	"sort"

	"mcpfed/internal/domain"
)

// HealthSummary counts connections by state, for the heartbeat payload
// and the /healthz endpoint.
func (m *Manager) HealthSummary() domain.HealthSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var summary domain.HealthSummary
	for _, conn := range m.conns {
		switch conn.State() {
		case domain.StateConfigured:
			summary.Configured++
		case domain.StateStarting:
			summary.Starting++
		case domain.StateHealthy:
			summary.Healthy++
		case domain.StateRestarting:
			summary.Restarting++
		case domain.StateFailed:
			summary.Failed++
		}
	}
	return summary
}

// StatusSummary returns one diagnostic row per namespace, sorted.
func (m *Manager) StatusSummary() []domain.NamespaceStatus {
	m.mu.RLock()
	conns := make([]*domain.DownstreamConnection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	rows := make([]domain.NamespaceStatus, 0, len(conns))
	for _, conn := range conns {
		rows = append(rows, domain.NamespaceStatus{
			Namespace: conn.Namespace(),
			State:     conn.State(),
			Tools:     len(conn.Tools()),
			Attempts:  conn.Attempts(),
			LastSeen:  conn.LastSeen(),
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Namespace < rows[j].Namespace })
	return rows
}
