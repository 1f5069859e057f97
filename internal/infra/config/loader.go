package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"mcpfed/internal/domain"
)

// Loader reads the node configuration file and produces a validated
// domain.Config. All environment expansion and defaulting happens here;
// the rest of the process treats the result as immutable.
type Loader struct {
	logger *zap.Logger
}

func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		return &Loader{logger: zap.NewNop()}
	}
	return &Loader{logger: logger.Named("config")}
}

func newConfigViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bind", domain.DefaultBindAddr)
	v.SetDefault("port", domain.DefaultBindPort)
	v.SetDefault("callTimeoutSeconds", domain.DefaultCallTimeoutSeconds)
	v.SetDefault("maxReconnectAttempts", domain.DefaultMaxReconnectAttempts)
	v.SetDefault("failureThreshold", domain.DefaultFailureThreshold)
}

type rawConfig struct {
	Bind                 string           `mapstructure:"bind"`
	Port                 int              `mapstructure:"port"`
	CallTimeoutSeconds   int              `mapstructure:"callTimeoutSeconds"`
	MaxReconnectAttempts int              `mapstructure:"maxReconnectAttempts"`
	FailureThreshold     int              `mapstructure:"failureThreshold"`
	PolicyPath           string           `mapstructure:"policyPath"`
	AuditLogPath         string           `mapstructure:"auditLogPath"`
	Downstreams          []rawDownstream  `mapstructure:"downstreams"`
	Registration         *rawRegistration `mapstructure:"registration"`
	Telemetry            rawTelemetry     `mapstructure:"telemetry"`
}

type rawDownstream struct {
	Namespace            string            `mapstructure:"namespace"`
	Transport            string            `mapstructure:"transport"`
	Endpoint             string            `mapstructure:"endpoint"`
	Command              string            `mapstructure:"command"`
	Args                 []string          `mapstructure:"args"`
	Env                  map[string]string `mapstructure:"env"`
	Expose               []string          `mapstructure:"expose"`
	ProbeIntervalSeconds int               `mapstructure:"probeIntervalSeconds"`
}

type rawRegistration struct {
	OrchestratorURL          string `mapstructure:"orchestratorUrl"`
	NodeID                   string `mapstructure:"nodeId"`
	HeartbeatIntervalSeconds int    `mapstructure:"heartbeatIntervalSeconds"`
}

type rawTelemetry struct {
	Addr          string `mapstructure:"addr"`
	EnableMetrics bool   `mapstructure:"enableMetrics"`
	EnableStatus  bool   `mapstructure:"enableStatus"`
}

func (l *Loader) Load(ctx context.Context, path string) (domain.Config, error) {
	if path == "" {
		return domain.Config{}, domain.E(domain.CodeInvalidConfig, "config.load", "config path is required", nil)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Config{}, domain.E(domain.CodeInvalidConfig, "config.load", fmt.Sprintf("read %s", path), err)
	}

	cfg, err := l.Parse(data)
	if err != nil {
		return domain.Config{}, err
	}
	return cfg, ctx.Err()
}

// Parse decodes and validates a raw YAML document. Split out from Load so
// tests and the validate subcommand can feed bytes directly.
func (l *Loader) Parse(data []byte) (domain.Config, error) {
	expanded, missing, err := expandEnv(data)
	if err != nil {
		return domain.Config{}, domain.E(domain.CodeInvalidConfig, "config.parse", err.Error(), err)
	}
	if len(missing) > 0 {
		l.logger.Warn("missing environment variables in config", zap.Strings("missing", missing))
	}

	v := newConfigViper()
	if err := v.ReadConfig(bytes.NewBufferString(expanded)); err != nil {
		return domain.Config{}, domain.E(domain.CodeInvalidConfig, "config.parse", "parse config", err)
	}

	var raw rawConfig
	if err := v.Unmarshal(&raw); err != nil {
		return domain.Config{}, domain.E(domain.CodeInvalidConfig, "config.parse", "decode config", err)
	}

	cfg, errs := normalize(raw)
	if len(errs) > 0 {
		return domain.Config{}, domain.E(domain.CodeInvalidConfig, "config.parse", strings.Join(errs, "; "), nil)
	}
	if err := cfg.Validate(); err != nil {
		return domain.Config{}, err
	}
	return cfg, nil
}

func normalize(raw rawConfig) (domain.Config, []string) {
	var errs []string

	if raw.Port < 1 || raw.Port > 65535 {
		errs = append(errs, fmt.Sprintf("port %d out of range", raw.Port))
	}
	if raw.CallTimeoutSeconds <= 0 {
		errs = append(errs, "callTimeoutSeconds must be > 0")
	}
	if raw.MaxReconnectAttempts < 0 {
		errs = append(errs, "maxReconnectAttempts must be >= 0")
	}
	if raw.FailureThreshold < 1 {
		errs = append(errs, "failureThreshold must be >= 1")
	}
	if strings.TrimSpace(raw.PolicyPath) == "" {
		errs = append(errs, "policyPath is required")
	}
	if len(raw.Downstreams) == 0 {
		errs = append(errs, "at least one downstream is required")
	}

	downstreams := make([]domain.DownstreamSpec, 0, len(raw.Downstreams))
	for i, d := range raw.Downstreams {
		spec := domain.DownstreamSpec{
			Namespace:            strings.TrimSpace(d.Namespace),
			Transport:            domain.NormalizeTransport(d.Transport),
			Endpoint:             strings.TrimSpace(d.Endpoint),
			Command:              d.Command,
			Args:                 d.Args,
			Env:                  d.Env,
			Expose:               d.Expose,
			ProbeIntervalSeconds: d.ProbeIntervalSeconds,
		}
		if strings.TrimSpace(d.Transport) == "" {
			if spec.Endpoint != "" {
				spec.Transport = domain.TransportStreamableHTTP
			} else {
				spec.Transport = domain.TransportStdio
			}
		}
		if spec.ProbeIntervalSeconds == 0 {
			spec.ProbeIntervalSeconds = domain.DefaultProbeIntervalSeconds
		}
		if spec.ProbeIntervalSeconds < 0 {
			errs = append(errs, fmt.Sprintf("downstreams[%d]: probeIntervalSeconds must be >= 0", i))
		}
		for j, tool := range spec.Expose {
			if strings.TrimSpace(tool) == "" {
				errs = append(errs, fmt.Sprintf("downstreams[%d]: expose[%d] must not be empty", i, j))
			}
		}
		downstreams = append(downstreams, spec)
	}

	var registration *domain.RegistrationSpec
	if raw.Registration != nil {
		reg := domain.RegistrationSpec{
			OrchestratorURL:          strings.TrimSpace(raw.Registration.OrchestratorURL),
			NodeID:                   strings.TrimSpace(raw.Registration.NodeID),
			HeartbeatIntervalSeconds: raw.Registration.HeartbeatIntervalSeconds,
		}
		if reg.OrchestratorURL == "" {
			errs = append(errs, "registration.orchestratorUrl is required")
		}
		if reg.NodeID == "" {
			errs = append(errs, "registration.nodeId is required")
		}
		if reg.HeartbeatIntervalSeconds == 0 {
			reg.HeartbeatIntervalSeconds = domain.DefaultHeartbeatIntervalSecs
		}
		if reg.HeartbeatIntervalSeconds < 0 {
			errs = append(errs, "registration.heartbeatIntervalSeconds must be >= 0")
		}
		registration = &reg
	}

	return domain.Config{
		Bind:                 raw.Bind,
		Port:                 raw.Port,
		CallTimeoutSeconds:   raw.CallTimeoutSeconds,
		MaxReconnectAttempts: raw.MaxReconnectAttempts,
		FailureThreshold:     raw.FailureThreshold,
		PolicyPath:           raw.PolicyPath,
		AuditLogPath:         strings.TrimSpace(raw.AuditLogPath),
		Downstreams:          downstreams,
		Registration:         registration,
		Telemetry: domain.TelemetrySpec{
			Addr:          strings.TrimSpace(raw.Telemetry.Addr),
			EnableMetrics: raw.Telemetry.EnableMetrics,
			EnableStatus:  raw.Telemetry.EnableStatus,
		},
	}, errs
}
