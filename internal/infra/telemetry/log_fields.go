// Package telemetry carries the proxy's observability surface: log field
// conventions, Prometheus metrics and the diagnostics HTTP server.
package telemetry

import (
	"time"

	"go.uber.org/zap"
)

const (
	FieldEvent      = "event"
	FieldNamespace  = "namespace"
	FieldTool       = "tool"
	FieldState      = "state"
	FieldAttempt    = "attempt"
	FieldDurationMs = "duration_ms"
	FieldLogSource  = "log_source"
	FieldLogStream  = "stream"
)

const (
	EventConnectAttempt  = "connect_attempt"
	EventConnectSuccess  = "connect_success"
	EventConnectFailure  = "connect_failure"
	EventProbeFailure    = "probe_failure"
	EventRestart         = "restart"
	EventGaveUp          = "gave_up"
	EventRouteError      = "route_error"
	EventCatalogRebuild  = "catalog_rebuild"
	EventPolicyReload    = "policy_reload"
	EventShutdown        = "shutdown"
	EventRegistration    = "registration"
	EventHeartbeatFailed = "heartbeat_failed"
)

const (
	LogSourceCore       = "core"
	LogSourceDownstream = "downstream"
)

func EventField(event string) zap.Field {
	return zap.String(FieldEvent, event)
}

func NamespaceField(namespace string) zap.Field {
	return zap.String(FieldNamespace, namespace)
}

func ToolField(tool string) zap.Field {
	return zap.String(FieldTool, tool)
}

func StateField(state string) zap.Field {
	return zap.String(FieldState, state)
}

func AttemptField(attempt int) zap.Field {
	return zap.Int(FieldAttempt, attempt)
}

func DurationField(duration time.Duration) zap.Field {
	return zap.Int64(FieldDurationMs, duration.Milliseconds())
}
