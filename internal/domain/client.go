package domain

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Client is the live handle to one downstream MCP server. Implementations
// must be safe for concurrent use: calls from multiple goroutines are
// multiplexed over the underlying connection by request-id correlation.
type Client interface {
	// ListTools discovers the downstream's advertised tool set, following
	// pagination cursors to completion.
	ListTools(ctx context.Context) ([]*mcp.Tool, error)

	// CallTool invokes a tool by its local (un-namespaced) name.
	CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error)

	// Ping issues the protocol's lightweight liveness probe.
	Ping(ctx context.Context) error

	Close() error
}

// StopFn tears down transport resources behind a Client: child processes
// are terminated and reaped, pooled connections released.
type StopFn func(ctx context.Context) error

// Transport connects to one downstream described by a validated spec.
type Transport interface {
	Connect(ctx context.Context, spec DownstreamSpec) (Client, StopFn, error)
}
