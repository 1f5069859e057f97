package federation

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"go.uber.org/zap"

	"mcpfed/internal/domain"
	"mcpfed/internal/infra/telemetry"
)

// Catalog returns the current aggregated snapshot.
func (m *Manager) Catalog() domain.Catalog {
	m.catalogMu.Lock()
	defer m.catalogMu.Unlock()
	return m.catalog
}

// rebuildCatalog merges every healthy downstream's tool cache, filters it
// through policy and swaps the snapshot if its ETag changed. Only tools
// the policy would actually route are published upstream.
func (m *Manager) rebuildCatalog() {
	m.mu.RLock()
	conns := make([]*domain.DownstreamConnection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	var merged []domain.Tool
	for _, conn := range conns {
		if !conn.IsHealthy() {
			continue
		}
		for _, tool := range conn.Tools() {
			if !m.policy.Allows(tool.Name, tool.LocalName) {
				continue
			}
			merged = append(merged, tool)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Name < merged[j].Name })

	etag := hashTools(merged)

	m.catalogMu.Lock()
	if etag == m.catalog.ETag {
		m.catalogMu.Unlock()
		return
	}
	next := domain.Catalog{ETag: etag, Tools: merged}
	m.catalog = next
	// Deliver under catalogMu so concurrent rebuilds cannot reorder
	// deliveries and leave a subscriber holding a stale snapshot. The
	// callback must not call back into the manager.
	if m.onCatalog != nil {
		m.onCatalog(next)
	}
	m.catalogMu.Unlock()

	m.metrics.SetCatalogSize(len(merged))
	m.logger.Info("catalog rebuilt",
		telemetry.EventField(telemetry.EventCatalogRebuild),
		zap.Int("tools", len(merged)),
	)
}

// RefreshCatalog re-applies policy filtering to the cached tool sets.
// Called after a policy hot reload; no downstream is contacted.
func (m *Manager) RefreshCatalog() {
	m.rebuildCatalog()
}

func hashTools(tools []domain.Tool) string {
	hasher := sha256.New()
	for _, tool := range tools {
		_, _ = hasher.Write([]byte(tool.Name))
		_, _ = hasher.Write([]byte{0})
		_, _ = hasher.Write(tool.ToolJSON)
		_, _ = hasher.Write([]byte{0})
	}
	return hex.EncodeToString(hasher.Sum(nil))
}
