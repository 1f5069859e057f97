package domain

import "encoding/json"

// Tool is one namespaced entry in the aggregated catalog. ToolJSON is the
// full MCP tool definition with the qualified name already applied; the
// catalog owns it and replaces it wholesale, never mutating in place.
type Tool struct {
	// Name is the fully-qualified name: namespace + separator + local name.
	Name string

	// Namespace is the owning downstream's namespace.
	Namespace string

	// LocalName is the tool's name as the downstream knows it.
	LocalName string

	ToolJSON json.RawMessage
}

// Catalog is an immutable snapshot of the aggregated, policy-filtered tool
// set. Rebuilt and swapped atomically on connection state or tool-set
// changes, never on a read.
type Catalog struct {
	ETag  string
	Tools []Tool
}

func (c Catalog) Names() []string {
	names := make([]string, 0, len(c.Tools))
	for _, tool := range c.Tools {
		names = append(names, tool.Name)
	}
	return names
}
