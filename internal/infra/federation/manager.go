// Package federation owns the downstream connection registry, the
// aggregated tool catalog and the call routing path.
package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"mcpfed/internal/domain"
	"mcpfed/internal/infra/namespace"
	"mcpfed/internal/infra/policy"
	"mcpfed/internal/infra/probe"
	"mcpfed/internal/infra/telemetry"
)

const (
	connectTimeout  = 15 * time.Second
	teardownTimeout = 5 * time.Second
)

// Manager supervises one connection per configured downstream, rebuilds
// the aggregated catalog on every connection or tool-set change, and
// routes upstream tool calls through policy and audit.
type Manager struct {
	logger   *zap.Logger
	dialer   domain.Transport
	policy   *policy.Engine
	sink     domain.AuditSink
	metrics  domain.Metrics
	probe    *probe.PingProbe
	clock    func() time.Time
	backoff  func(attempt int) time.Duration
	interval time.Duration

	callTimeout      time.Duration
	maxAttempts      int
	failureThreshold int

	mu    sync.RWMutex
	specs map[string]domain.DownstreamSpec
	conns map[string]*domain.DownstreamConnection
	kicks map[string]chan struct{}

	catalogMu sync.Mutex
	catalog   domain.Catalog
	onCatalog func(domain.Catalog)

	wg sync.WaitGroup
}

type ManagerOptions struct {
	Logger    *zap.Logger
	Transport domain.Transport
	Policy    *policy.Engine
	Audit     domain.AuditSink
	Metrics   domain.Metrics
	Probe     *probe.PingProbe
	Config    *domain.Config

	// OnCatalogChange fires with the new snapshot for every rebuild that
	// changed the ETag. Deliveries are serialized in snapshot order under
	// the catalog lock; the callback must not call back into the manager.
	OnCatalogChange func(domain.Catalog)
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Transport == nil {
		panic("federation manager requires a transport")
	}
	if opts.Policy == nil {
		panic("federation manager requires a policy engine")
	}
	if opts.Audit == nil {
		panic("federation manager requires an audit sink")
	}
	if opts.Config == nil {
		panic("federation manager requires a config")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics{}
	}
	pingProbe := opts.Probe
	if pingProbe == nil {
		pingProbe = &probe.PingProbe{}
	}

	cfg := opts.Config
	callTimeout := time.Duration(cfg.CallTimeoutSeconds) * time.Second
	if callTimeout <= 0 {
		callTimeout = domain.DefaultCallTimeoutSeconds * time.Second
	}
	maxAttempts := cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = domain.DefaultMaxReconnectAttempts
	}
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = domain.DefaultFailureThreshold
	}

	m := &Manager{
		logger:           logger.Named("federation"),
		dialer:           opts.Transport,
		policy:           opts.Policy,
		sink:             opts.Audit,
		metrics:          metrics,
		probe:            pingProbe,
		clock:            time.Now,
		backoff:          defaultBackoff,
		interval:         domain.DefaultProbeIntervalSeconds * time.Second,
		callTimeout:      callTimeout,
		maxAttempts:      maxAttempts,
		failureThreshold: threshold,
		specs:            make(map[string]domain.DownstreamSpec, len(cfg.Downstreams)),
		conns:            make(map[string]*domain.DownstreamConnection, len(cfg.Downstreams)),
		kicks:            make(map[string]chan struct{}, len(cfg.Downstreams)),
		onCatalog:        opts.OnCatalogChange,
	}
	for _, spec := range cfg.Downstreams {
		m.specs[spec.Namespace] = spec
		m.conns[spec.Namespace] = domain.NewDownstreamConnection(spec.Namespace)
		m.kicks[spec.Namespace] = make(chan struct{}, 1)
	}
	return m, nil
}

func defaultBackoff(attempt int) time.Duration {
	backoff := domain.DefaultReconnectBackoffSeconds * time.Second
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= domain.DefaultReconnectBackoffMaxSecs*time.Second {
			return domain.DefaultReconnectBackoffMaxSecs * time.Second
		}
	}
	return backoff
}

// Run supervises all downstreams until ctx is cancelled, then tears every
// connection down. It returns only after all supervision loops exited.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.RLock()
	for ns := range m.conns {
		conn := m.conns[ns]
		spec := m.specs[ns]
		kick := m.kicks[ns]
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.supervise(ctx, conn, spec, kick)
		}()
	}
	m.mu.RUnlock()

	<-ctx.Done()
	m.wg.Wait()
	m.teardownAll()
	m.logger.Info("federation stopped", telemetry.EventField(telemetry.EventShutdown))
	return ctx.Err()
}

// supervise drives one downstream through its lifecycle: connect, probe
// while healthy, restart with backoff on trouble, park in Failed once the
// attempt budget is spent.
func (m *Manager) supervise(ctx context.Context, conn *domain.DownstreamConnection, spec domain.DownstreamSpec, kick chan struct{}) {
	interval := m.interval
	if spec.ProbeIntervalSeconds > 0 {
		interval = time.Duration(spec.ProbeIntervalSeconds) * time.Second
	}

	for {
		if ctx.Err() != nil {
			return
		}
		switch conn.State() {
		case domain.StateConfigured:
			if err := conn.MarkStarting(); err != nil {
				m.logger.Error("unexpected transition", telemetry.NamespaceField(spec.Namespace), zap.Error(err))
				return
			}
			m.setState(spec.Namespace, domain.StateStarting)
			m.connect(ctx, conn, spec)

		case domain.StateStarting, domain.StateRestarting:
			m.connect(ctx, conn, spec)

		case domain.StateHealthy:
			select {
			case <-ctx.Done():
				return
			case <-kick:
				m.evaluateHealth(ctx, conn, spec)
			case <-time.After(interval):
				m.evaluateHealth(ctx, conn, spec)
			}

		case domain.StateFailed:
			// Parked until Reset moves it back to Configured.
			select {
			case <-ctx.Done():
				return
			case <-kick:
			}
		}
	}
}

// connect dials the downstream, discovers its tools and either installs
// the handle or schedules the next attempt.
func (m *Manager) connect(ctx context.Context, conn *domain.DownstreamConnection, spec domain.DownstreamSpec) {
	started := m.clock()
	attempt := conn.Attempts()
	m.logger.Info("connecting downstream",
		telemetry.EventField(telemetry.EventConnectAttempt),
		telemetry.NamespaceField(spec.Namespace),
		telemetry.AttemptField(attempt),
	)

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	client, stop, err := m.dialer.Connect(dialCtx, spec)
	if err == nil {
		var tools []domain.Tool
		tools, err = m.discoverTools(dialCtx, client, spec)
		if err != nil {
			m.teardown(client, stop)
			client, stop = nil, nil
		}
		if err == nil {
			err = conn.MarkHealthy(client, stop, tools)
		}
	}
	cancel()

	if err != nil {
		m.metrics.ObserveReconnect(spec.Namespace, false)
		m.logger.Warn("downstream connect failed",
			telemetry.EventField(telemetry.EventConnectFailure),
			telemetry.NamespaceField(spec.Namespace),
			telemetry.AttemptField(attempt),
			telemetry.DurationField(m.clock().Sub(started)),
			zap.Error(err),
		)
		m.scheduleRetry(ctx, conn, spec)
		return
	}

	m.metrics.ObserveReconnect(spec.Namespace, true)
	m.setState(spec.Namespace, domain.StateHealthy)
	m.rebuildCatalog()
	m.logger.Info("downstream healthy",
		telemetry.EventField(telemetry.EventConnectSuccess),
		telemetry.NamespaceField(spec.Namespace),
		telemetry.DurationField(m.clock().Sub(started)),
		zap.Int("tools", len(conn.Tools())),
	)
}

// scheduleRetry moves the connection to Restarting (or Failed once the
// budget is spent) and sleeps the backoff.
func (m *Manager) scheduleRetry(ctx context.Context, conn *domain.DownstreamConnection, spec domain.DownstreamSpec) {
	client, stop, attempts, err := conn.MarkRestarting()
	if err != nil {
		// The connection left the retry loop underneath us (reset or
		// shutdown); nothing to tear down.
		m.logger.Debug("retry skipped", telemetry.NamespaceField(spec.Namespace), zap.Error(err))
		return
	}
	m.teardown(client, stop)
	m.setState(spec.Namespace, domain.StateRestarting)
	m.rebuildCatalog()

	if attempts > m.maxAttempts {
		client, stop, err = conn.MarkFailed()
		if err != nil {
			m.logger.Debug("give-up skipped", telemetry.NamespaceField(spec.Namespace), zap.Error(err))
			return
		}
		m.teardown(client, stop)
		m.setState(spec.Namespace, domain.StateFailed)
		m.rebuildCatalog()
		m.logger.Error("downstream failed, giving up",
			telemetry.EventField(telemetry.EventGaveUp),
			telemetry.NamespaceField(spec.Namespace),
			telemetry.AttemptField(attempts),
		)
		return
	}

	backoff := m.backoff(attempts)
	m.logger.Info("retrying downstream",
		telemetry.EventField(telemetry.EventRestart),
		telemetry.NamespaceField(spec.Namespace),
		telemetry.AttemptField(attempts),
		zap.Duration("backoff", backoff),
	)
	select {
	case <-ctx.Done():
	case <-time.After(backoff):
	}
}

// evaluateHealth probes a healthy connection and kicks off a restart once
// consecutive failures cross the threshold.
func (m *Manager) evaluateHealth(ctx context.Context, conn *domain.DownstreamConnection, spec domain.DownstreamSpec) {
	client, ok := conn.ClientHandle()
	if !ok {
		return
	}
	if err := m.probe.Check(ctx, client); err != nil {
		failures := conn.RecordFailure()
		m.logger.Warn("downstream probe failed",
			telemetry.EventField(telemetry.EventProbeFailure),
			telemetry.NamespaceField(spec.Namespace),
			zap.Int("consecutiveFailures", failures),
			zap.Error(err),
		)
		if failures >= m.failureThreshold {
			m.restart(conn, spec)
		}
		return
	}
	conn.RecordSuccess()
}

// restart tears the live handle down and re-enters the connect path.
func (m *Manager) restart(conn *domain.DownstreamConnection, spec domain.DownstreamSpec) {
	client, stop, attempts, err := conn.MarkRestarting()
	if err != nil {
		m.logger.Debug("restart skipped", telemetry.NamespaceField(spec.Namespace), zap.Error(err))
		return
	}
	m.teardown(client, stop)
	m.setState(spec.Namespace, domain.StateRestarting)
	m.rebuildCatalog()
	m.logger.Warn("restarting downstream",
		telemetry.EventField(telemetry.EventRestart),
		telemetry.NamespaceField(spec.Namespace),
		telemetry.AttemptField(attempts),
	)
}

// RouteCall resolves, authorizes, dispatches and audits one upstream tool
// call. Exactly one audit event is recorded per invocation, whether the
// call was routed or rejected.
func (m *Manager) RouteCall(ctx context.Context, qualifiedName string, args json.RawMessage) (*mcp.CallToolResult, error) {
	started := m.clock()

	ns, localName, err := namespace.Resolve(qualifiedName)
	if err != nil {
		m.reject(ctx, "", qualifiedName, started, err)
		return nil, err
	}

	m.mu.RLock()
	conn := m.conns[ns]
	m.mu.RUnlock()
	if conn == nil {
		err := domain.E(domain.CodeNotFound, "federation.route",
			fmt.Sprintf("namespace %q", ns), domain.ErrNamespaceNotFound)
		m.reject(ctx, ns, qualifiedName, started, err)
		return nil, err
	}

	if !conn.IsHealthy() {
		err := domain.E(domain.CodeUnavailable, "federation.route",
			fmt.Sprintf("downstream %q is %s", ns, conn.State()), domain.ErrDownstreamUnavailable)
		m.reject(ctx, ns, qualifiedName, started, err)
		return nil, err
	}

	if !conn.HasTool(localName) {
		err := domain.E(domain.CodeNotFound, "federation.route",
			fmt.Sprintf("tool %q", qualifiedName), domain.ErrToolNotFound)
		m.reject(ctx, ns, qualifiedName, started, err)
		return nil, err
	}

	if m.policy.Authorize(qualifiedName, localName) != domain.EffectAllow {
		err := domain.E(domain.CodePermissionDenied, "federation.route",
			fmt.Sprintf("tool %q", qualifiedName), domain.ErrPolicyDenied)
		m.record(ctx, domain.AuditEvent{
			Namespace: ns,
			Tool:      qualifiedName,
			Decision:  domain.DecisionDeny,
			Outcome:   domain.OutcomeRejected,
			Duration:  m.clock().Sub(started),
			Detail:    string(domain.CodePermissionDenied),
		})
		return nil, err
	}

	// A sink that cannot accept events blocks the call: an action without
	// a trail is worse than no action.
	if gate, ok := m.sink.(domain.AuditGate); ok {
		if gateErr := gate.Healthy(); gateErr != nil {
			err := domain.E(domain.CodeFailedPrecond, "federation.route",
				gateErr.Error(), domain.ErrAuditUnavailable)
			m.logger.Error("audit sink unavailable, refusing call",
				telemetry.EventField(telemetry.EventRouteError),
				telemetry.NamespaceField(ns),
				telemetry.ToolField(qualifiedName),
				zap.Error(gateErr),
			)
			return nil, err
		}
	}

	// Snapshot the handle, then call without holding any lock. The handle
	// stays valid for this in-flight call even if the connection restarts
	// underneath it.
	client, ok := conn.ClientHandle()
	if !ok {
		err := domain.E(domain.CodeUnavailable, "federation.route",
			fmt.Sprintf("downstream %q lost its connection", ns), domain.ErrDownstreamUnavailable)
		m.reject(ctx, ns, qualifiedName, started, err)
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	result, callErr := client.CallTool(callCtx, localName, args)
	cancel()
	duration := m.clock().Sub(started)

	outcome := domain.OutcomeSuccess
	detail := ""
	switch {
	case errors.Is(callErr, context.DeadlineExceeded):
		outcome = domain.OutcomeTimeout
		detail = string(domain.CodeDeadlineExceeded)
		callErr = domain.E(domain.CodeDeadlineExceeded, "federation.route",
			fmt.Sprintf("tool %q exceeded %s", qualifiedName, m.callTimeout), context.DeadlineExceeded)
		m.noteCallFailure(conn, ns)
	case callErr != nil:
		outcome = domain.OutcomeError
		if code, ok := domain.CodeFrom(callErr); ok {
			detail = string(code)
		} else {
			detail = string(domain.CodeInternal)
		}
	case result != nil && result.IsError:
		// The downstream executed the tool and reported a tool-level
		// failure. That is a routed call, but not a successful one.
		outcome = domain.OutcomeError
		detail = "tool_error"
		conn.RecordSuccess()
	default:
		conn.RecordSuccess()
	}

	m.record(ctx, domain.AuditEvent{
		Namespace: ns,
		Tool:      qualifiedName,
		Decision:  domain.DecisionAllow,
		Outcome:   outcome,
		Duration:  duration,
		Detail:    detail,
	})
	m.metrics.ObserveCall(ns, domain.DecisionAllow, outcome, duration)

	if callErr != nil {
		m.logger.Warn("tool call failed",
			telemetry.EventField(telemetry.EventRouteError),
			telemetry.NamespaceField(ns),
			telemetry.ToolField(qualifiedName),
			telemetry.DurationField(duration),
			zap.Error(callErr),
		)
		return nil, callErr
	}
	return result, nil
}

// noteCallFailure counts a call timeout against the same threshold the
// probe uses and kicks the supervision loop when it is crossed.
func (m *Manager) noteCallFailure(conn *domain.DownstreamConnection, ns string) {
	if conn.RecordFailure() < m.failureThreshold {
		return
	}
	m.kick(ns)
}

func (m *Manager) kick(ns string) {
	m.mu.RLock()
	kick := m.kicks[ns]
	m.mu.RUnlock()
	if kick == nil {
		return
	}
	select {
	case kick <- struct{}{}:
	default:
	}
}

// reject records the single audit event for a call refused before any
// downstream work happened.
func (m *Manager) reject(ctx context.Context, ns, tool string, started time.Time, cause error) {
	detail := string(domain.CodeInternal)
	if code, ok := domain.CodeFrom(cause); ok {
		detail = string(code)
	}
	duration := m.clock().Sub(started)
	m.record(ctx, domain.AuditEvent{
		Namespace: ns,
		Tool:      tool,
		Decision:  domain.DecisionDeny,
		Outcome:   domain.OutcomeRejected,
		Duration:  duration,
		Detail:    detail,
	})
	m.metrics.ObserveCall(ns, domain.DecisionDeny, domain.OutcomeRejected, duration)
}

func (m *Manager) record(ctx context.Context, event domain.AuditEvent) {
	event.ID = uuid.NewString()
	event.Timestamp = m.clock()
	if err := m.sink.Record(ctx, event); err != nil {
		m.logger.Error("audit record failed",
			telemetry.NamespaceField(event.Namespace),
			telemetry.ToolField(event.Tool),
			zap.Error(err),
		)
	}
}

// RefreshTools re-discovers one downstream's tool set after it announced
// a change, then rebuilds the catalog.
func (m *Manager) RefreshTools(ctx context.Context, ns string) error {
	m.mu.RLock()
	conn := m.conns[ns]
	spec, known := m.specs[ns]
	m.mu.RUnlock()
	if conn == nil || !known {
		return domain.E(domain.CodeNotFound, "federation.refresh",
			fmt.Sprintf("namespace %q", ns), domain.ErrNamespaceNotFound)
	}
	client, ok := conn.ClientHandle()
	if !ok {
		return domain.E(domain.CodeUnavailable, "federation.refresh",
			fmt.Sprintf("downstream %q", ns), domain.ErrDownstreamUnavailable)
	}

	tools, err := m.discoverTools(ctx, client, spec)
	if err != nil {
		return err
	}
	if conn.ReplaceTools(tools) {
		m.rebuildCatalog()
	}
	return nil
}

// Reset moves a Failed downstream back to Configured and wakes its
// supervision loop.
func (m *Manager) Reset(ns string) error {
	m.mu.RLock()
	conn := m.conns[ns]
	m.mu.RUnlock()
	if conn == nil {
		return domain.E(domain.CodeNotFound, "federation.reset",
			fmt.Sprintf("namespace %q", ns), domain.ErrNamespaceNotFound)
	}
	if err := conn.Reset(); err != nil {
		return err
	}
	m.setState(ns, domain.StateConfigured)
	m.kick(ns)
	return nil
}

// discoverTools lists the downstream's tools, applies the expose
// allowlist and qualifies every name with the namespace.
func (m *Manager) discoverTools(ctx context.Context, client domain.Client, spec domain.DownstreamSpec) ([]domain.Tool, error) {
	raw, err := client.ListTools(ctx)
	if err != nil {
		return nil, err
	}

	var exposed map[string]struct{}
	if len(spec.Expose) > 0 {
		exposed = make(map[string]struct{}, len(spec.Expose))
		for _, name := range spec.Expose {
			exposed[name] = struct{}{}
		}
	}

	tools := make([]domain.Tool, 0, len(raw))
	for _, tool := range raw {
		if tool == nil || tool.Name == "" {
			continue
		}
		if exposed != nil {
			if _, ok := exposed[tool.Name]; !ok {
				continue
			}
		}
		qualified := namespace.Qualify(spec.Namespace, tool.Name)
		renamed := *tool
		renamed.Name = qualified
		toolJSON, err := json.Marshal(&renamed)
		if err != nil {
			m.logger.Warn("skip tool that does not marshal",
				telemetry.NamespaceField(spec.Namespace),
				telemetry.ToolField(tool.Name),
				zap.Error(err),
			)
			continue
		}
		tools = append(tools, domain.Tool{
			Name:      qualified,
			Namespace: spec.Namespace,
			LocalName: tool.Name,
			ToolJSON:  toolJSON,
		})
	}
	return tools, nil
}

func (m *Manager) setState(ns string, state domain.ConnState) {
	m.metrics.SetDownstreamState(ns, state)
	m.logger.Debug("downstream state",
		telemetry.NamespaceField(ns),
		telemetry.StateField(string(state)),
	)
}

func (m *Manager) teardown(client domain.Client, stop domain.StopFn) {
	if client != nil {
		_ = client.Close()
	}
	if stop != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		if err := stop(stopCtx); err != nil {
			m.logger.Warn("downstream teardown failed", zap.Error(err))
		}
		cancel()
	}
}

func (m *Manager) teardownAll() {
	m.mu.RLock()
	conns := make([]*domain.DownstreamConnection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()
	for _, conn := range conns {
		client, stop := conn.Teardown()
		m.teardown(client, stop)
	}
}
