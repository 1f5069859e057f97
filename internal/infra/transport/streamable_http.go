package transport

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"mcpfed/internal/domain"
)

// StreamableHTTPTransport dials downstreams exposed over MCP streamable
// HTTP. One pooled http.Client is shared across all downstreams.
type StreamableHTTPTransport struct {
	logger         *zap.Logger
	httpClient     *http.Client
	onToolsChanged func(namespace string)
}

type StreamableHTTPTransportOptions struct {
	Logger         *zap.Logger
	HTTPClient     *http.Client
	OnToolsChanged func(namespace string)
}

func NewStreamableHTTPTransport(opts StreamableHTTPTransportOptions) *StreamableHTTPTransport {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &StreamableHTTPTransport{
		logger:         logger,
		httpClient:     httpClient,
		onToolsChanged: opts.OnToolsChanged,
	}
}

func (t *StreamableHTTPTransport) Connect(ctx context.Context, spec domain.DownstreamSpec) (domain.Client, domain.StopFn, error) {
	endpoint := strings.TrimSpace(spec.Endpoint)
	if endpoint == "" {
		return nil, nil, errors.New("endpoint is required for streamable http transport")
	}

	streamTransport := &mcp.StreamableClientTransport{
		Endpoint:   endpoint,
		HTTPClient: t.httpClient,
		MaxRetries: domain.DefaultStreamableHTTPMaxRetries,
	}
	mcpConn, err := streamTransport.Connect(ctx)
	if err != nil {
		return nil, nil, domain.E(domain.CodeUnavailable, "transport.streamable_http",
			"connect "+endpoint+": "+err.Error(), domain.ErrDownstreamUnavailable)
	}

	cl := newClient(mcpConn, clientOptions{
		Logger:         t.logger.Named("http_conn"),
		Namespace:      spec.Namespace,
		OnToolsChanged: t.onToolsChanged,
	})
	if err := cl.handshake(ctx); err != nil {
		_ = cl.Close()
		return nil, nil, err
	}
	stop := func(context.Context) error {
		return cl.Close()
	}
	return cl, stop, nil
}
