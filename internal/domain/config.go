package domain

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

type TransportKind string

const (
	TransportStdio          TransportKind = "stdio"
	TransportStreamableHTTP TransportKind = "streamable-http"
)

func NormalizeTransport(value string) TransportKind {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "stdio":
		return TransportStdio
	case "streamable-http", "streamablehttp", "http":
		return TransportStreamableHTTP
	default:
		return TransportKind(value)
	}
}

// DownstreamSpec is the validated configuration for one downstream server.
// Created once by the loader, immutable thereafter.
type DownstreamSpec struct {
	Namespace string
	Transport TransportKind

	// Endpoint is the streamable HTTP URL; set only for TransportStreamableHTTP.
	Endpoint string

	// Command is an absolute executable path; set only for TransportStdio.
	Command string
	Args    []string
	Env     map[string]string

	// Expose restricts which local tools are published upstream. Empty
	// means all.
	Expose []string

	ProbeIntervalSeconds int
}

type RegistrationSpec struct {
	OrchestratorURL          string
	NodeID                   string
	HeartbeatIntervalSeconds int
}

type TelemetrySpec struct {
	Addr          string
	EnableMetrics bool
	EnableStatus  bool
}

type Config struct {
	Bind string
	Port int

	CallTimeoutSeconds   int
	MaxReconnectAttempts int
	FailureThreshold     int

	PolicyPath string

	// AuditLogPath is an optional JSON-lines audit file kept alongside
	// the structured log. When the file becomes unwritable, calls are
	// refused until it recovers.
	AuditLogPath string

	Downstreams  []DownstreamSpec
	Registration *RegistrationSpec
	Telemetry    TelemetrySpec
}

// Validate re-checks invariants the loader already established. The
// federation core assumes a valid Config but fails fast if handed a broken
// one.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Downstreams))
	for i, spec := range c.Downstreams {
		if err := spec.Validate(); err != nil {
			return Wrap(CodeInvalidConfig, fmt.Sprintf("downstreams[%d]", i), err)
		}
		if _, dup := seen[spec.Namespace]; dup {
			return E(CodeInvalidConfig, fmt.Sprintf("downstreams[%d]", i), fmt.Sprintf("namespace %q", spec.Namespace), ErrDuplicateNamespace)
		}
		seen[spec.Namespace] = struct{}{}
	}
	return nil
}

func (s *DownstreamSpec) Validate() error {
	if strings.TrimSpace(s.Namespace) == "" {
		return E(CodeInvalidConfig, "", "namespace is required", nil)
	}
	if strings.Contains(s.Namespace, NamespaceSeparator) {
		return E(CodeInvalidConfig, "", fmt.Sprintf("namespace %q must not contain %q", s.Namespace, NamespaceSeparator), nil)
	}
	switch s.Transport {
	case TransportStreamableHTTP:
		parsed, err := url.Parse(s.Endpoint)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return E(CodeInvalidConfig, "", fmt.Sprintf("endpoint %q is not a well-formed URL", s.Endpoint), nil)
		}
	case TransportStdio:
		if !filepath.IsAbs(s.Command) {
			return E(CodeInvalidConfig, "", fmt.Sprintf("command %q must be an absolute path", s.Command), nil)
		}
	default:
		return E(CodeInvalidConfig, "", fmt.Sprintf("unknown transport %q", s.Transport), nil)
	}
	return nil
}
