package domain

// NamespaceSeparator joins a namespace and a local tool name into the
// fully-qualified name exposed upstream. Namespaces themselves may never
// contain it.
const NamespaceSeparator = "."

// DefaultProtocolVersion is the MCP protocol revision negotiated with
// downstream servers.
const DefaultProtocolVersion = "2025-11-25"

const (
	DefaultCallTimeoutSeconds      = 30
	DefaultProbeIntervalSeconds    = 30
	DefaultMaxReconnectAttempts    = 5
	DefaultFailureThreshold        = 3
	DefaultHeartbeatIntervalSecs   = 30
	DefaultBindAddr                = "127.0.0.1"
	DefaultBindPort                = 8443
	DefaultUpstreamPath            = "/api/v1/mcp"
	DefaultReconnectBackoffSeconds = 1
	DefaultReconnectBackoffMaxSecs = 30

	DefaultStreamableHTTPMaxRetries = 3
)
