package registration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"mcpfed/internal/domain"
	"mcpfed/internal/infra/telemetry"
)

const (
	registerPath  = "/api/v1/nodes/register"
	heartbeatPath = "/api/v1/nodes/heartbeat"

	requestTimeout       = 10 * time.Second
	registerRetryBackoff = 5 * time.Second
)

// HealthSource supplies the health snapshot sent with each heartbeat.
type HealthSource interface {
	HealthSummary() domain.HealthSummary
}

// Client announces this node to an orchestrator and keeps sending
// heartbeats until its context is cancelled. Registration is best effort:
// the federation core keeps serving whether or not the orchestrator is
// reachable.
type Client struct {
	logger     *zap.Logger
	httpClient *http.Client
	spec       domain.RegistrationSpec
	endpoint   string
	health     HealthSource
	interval   time.Duration
	retryWait  time.Duration
}

type Options struct {
	Logger *zap.Logger

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client

	Spec domain.RegistrationSpec

	// Endpoint is the URL agents use to reach this node's MCP surface.
	Endpoint string

	Health HealthSource
}

func NewClient(opts Options) *Client {
	if opts.Health == nil {
		panic("registration: Health is required")
	}
	if strings.TrimSpace(opts.Spec.OrchestratorURL) == "" {
		panic("registration: OrchestratorURL is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}
	interval := time.Duration(opts.Spec.HeartbeatIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = domain.DefaultHeartbeatIntervalSecs * time.Second
	}
	return &Client{
		logger:     logger.Named("registration"),
		httpClient: httpClient,
		spec:       opts.Spec,
		endpoint:   opts.Endpoint,
		health:     opts.Health,
		interval:   interval,
		retryWait:  registerRetryBackoff,
	}
}

type registerPayload struct {
	NodeID   string `json:"nodeId"`
	Endpoint string `json:"endpoint"`
}

type heartbeatPayload struct {
	NodeID    string               `json:"nodeId"`
	Timestamp time.Time            `json:"timestamp"`
	Health    domain.HealthSummary `json:"health"`
}

// Run registers the node, retrying until it succeeds, then heartbeats on
// the configured interval. Returns when ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.Register(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("registration failed",
			zap.String(telemetry.FieldEvent, telemetry.EventRegistration),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryWait):
		}
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.Heartbeat(ctx); err != nil {
				c.logger.Warn("heartbeat failed",
					zap.String(telemetry.FieldEvent, telemetry.EventHeartbeatFailed),
					zap.Error(err),
				)
			}
		}
	}
}

func (c *Client) Register(ctx context.Context) error {
	payload := registerPayload{NodeID: c.spec.NodeID, Endpoint: c.endpoint}
	if err := c.post(ctx, registerPath, payload); err != nil {
		return err
	}
	c.logger.Info("registered with orchestrator",
		zap.String(telemetry.FieldEvent, telemetry.EventRegistration),
		zap.String("nodeId", c.spec.NodeID),
	)
	return nil
}

func (c *Client) Heartbeat(ctx context.Context) error {
	payload := heartbeatPayload{
		NodeID:    c.spec.NodeID,
		Timestamp: time.Now().UTC(),
		Health:    c.health.HealthSummary(),
	}
	return c.post(ctx, heartbeatPath, payload)
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.E(domain.CodeInternal, "registration.post", "encode payload", err)
	}

	url := strings.TrimRight(c.spec.OrchestratorURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return domain.E(domain.CodeInvalidConfig, "registration.post", fmt.Sprintf("build request for %s", url), err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.E(domain.CodeUnavailable, "registration.post", fmt.Sprintf("post %s", url), err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.E(domain.CodeUnavailable, "registration.post", fmt.Sprintf("orchestrator returned %d for %s", resp.StatusCode, path), nil)
	}
	return nil
}
