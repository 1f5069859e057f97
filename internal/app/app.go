package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"mcpfed/internal/domain"
	"mcpfed/internal/infra/audit"
	"mcpfed/internal/infra/config"
	"mcpfed/internal/infra/federation"
	"mcpfed/internal/infra/policy"
	"mcpfed/internal/infra/registration"
	"mcpfed/internal/infra/telemetry"
	"mcpfed/internal/infra/transport"
	"mcpfed/internal/infra/upstream"
)

const toolsRefreshTimeout = 10 * time.Second

type App struct {
	logger *zap.Logger
}

type ServeConfig struct {
	ConfigPath string
}

type ValidateConfig struct {
	ConfigPath string
}

func New(logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		logger: logger.With(zap.String(telemetry.FieldLogSource, telemetry.LogSourceCore)).Named("app"),
	}
}

// Serve wires the whole node together and blocks until ctx is cancelled
// or a fatal component error occurs.
func (a *App) Serve(ctx context.Context, cfg ServeConfig) error {
	conf, err := config.NewLoader(a.logger).Load(ctx, cfg.ConfigPath)
	if err != nil {
		return err
	}
	a.logger.Info("configuration loaded",
		zap.String("config", cfg.ConfigPath),
		zap.Int("downstreams", len(conf.Downstreams)),
	)

	rules, err := policy.Load(conf.PolicyPath)
	if err != nil {
		return err
	}
	engine, err := policy.NewEngine(rules)
	if err != nil {
		return err
	}

	var sink domain.AuditSink = audit.NewZapSink(a.logger)
	if conf.AuditLogPath != "" {
		fileSink, auditFile, err := audit.NewFileSink(conf.AuditLogPath)
		if err != nil {
			return err
		}
		defer auditFile.Close()
		sink = audit.NewTee(sink, fileSink)
	}

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewPrometheusMetrics(registry)

	// The manager and the transports reference each other through these:
	// list_changed notifications refresh the manager's tools, catalog
	// rebuilds republish through the upstream server. Both callbacks only
	// fire once mgr.Run is underway, after the assignments below.
	var (
		mgr *federation.Manager
		srv *upstream.Server
	)
	onToolsChanged := func(namespace string) {
		if mgr == nil {
			return
		}
		refreshCtx, cancel := context.WithTimeout(context.Background(), toolsRefreshTimeout)
		defer cancel()
		if err := mgr.RefreshTools(refreshCtx, namespace); err != nil {
			a.logger.Warn("tool refresh failed",
				zap.String(telemetry.FieldNamespace, namespace),
				zap.Error(err),
			)
		}
	}
	onCatalogChange := func(catalog domain.Catalog) {
		if srv != nil {
			srv.Apply(catalog)
		}
	}

	dialer := transport.NewComposite(transport.CompositeOptions{
		Stdio: transport.NewStdioTransport(transport.StdioTransportOptions{
			Logger:         a.logger,
			OnToolsChanged: onToolsChanged,
		}),
		StreamableHTTP: transport.NewStreamableHTTPTransport(transport.StreamableHTTPTransportOptions{
			Logger:         a.logger,
			OnToolsChanged: onToolsChanged,
		}),
	})

	mgr, err = federation.NewManager(federation.ManagerOptions{
		Logger:          a.logger,
		Transport:       dialer,
		Policy:          engine,
		Audit:           sink,
		Metrics:         metrics,
		Config:          &conf,
		OnCatalogChange: onCatalogChange,
	})
	if err != nil {
		return err
	}

	srv = upstream.NewServer(upstream.Options{
		Logger:  a.logger,
		Router:  mgr,
		Bind:    conf.Bind,
		Port:    conf.Port,
		Version: Version,
	})

	watcher := policy.NewWatcher(policy.WatcherOptions{
		Engine: engine,
		Path:   conf.PolicyPath,
		Logger: a.logger,
		OnReload: func() {
			mgr.RefreshCatalog()
		},
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 5)

	go func() { errCh <- mgr.Run(runCtx) }()
	go func() { errCh <- srv.Run(runCtx) }()
	go func() { errCh <- watcher.Run(runCtx) }()
	go func() {
		errCh <- telemetry.StartHTTPServer(runCtx, telemetry.HTTPServerOptions{
			Addr:          conf.Telemetry.Addr,
			EnableMetrics: conf.Telemetry.EnableMetrics,
			EnableStatus:  conf.Telemetry.EnableStatus,
			Status:        mgr,
			Registry:      registry,
			Reset:         mgr.Reset,
		}, a.logger)
	}()

	if conf.Registration != nil {
		reg := registration.NewClient(registration.Options{
			Logger:   a.logger,
			Spec:     *conf.Registration,
			Endpoint: fmt.Sprintf("http://%s:%d%s", conf.Bind, conf.Port, domain.DefaultUpstreamPath),
			Health:   mgr,
		})
		go func() { errCh <- reg.Run(runCtx) }()
	}

	err = <-errCh
	cancel()
	if ctx.Err() != nil {
		a.logger.Info("shutting down", zap.String(telemetry.FieldEvent, telemetry.EventShutdown))
		return nil
	}
	return err
}

// ValidateConfig checks the config and the policy file it references
// without connecting anything.
func (a *App) ValidateConfig(ctx context.Context, cfg ValidateConfig) error {
	conf, err := config.NewLoader(a.logger).Load(ctx, cfg.ConfigPath)
	if err != nil {
		return err
	}

	rules, err := policy.Load(conf.PolicyPath)
	if err != nil {
		return err
	}
	if _, err := policy.NewEngine(rules); err != nil {
		return err
	}

	a.logger.Info("configuration validated",
		zap.String("config", cfg.ConfigPath),
		zap.Int("downstreams", len(conf.Downstreams)),
		zap.Int("policyRules", len(rules.Rules)),
	)
	return nil
}
