package upstream

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"mcpfed/internal/domain"
)

const shutdownTimeout = 5 * time.Second

// Router resolves a fully-qualified tool call against the federation core.
type Router interface {
	RouteCall(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error)
}

// Server is the single MCP surface agents connect to. It publishes the
// namespaced catalog over streamable HTTP and forwards every tools/call to
// the Router.
type Server struct {
	logger    *zap.Logger
	router    Router
	addr      string
	path      string
	mcpServer *mcp.Server
	registry  *toolRegistry
}

type Options struct {
	Logger *zap.Logger
	Router Router

	Bind string
	Port int

	// Path defaults to domain.DefaultUpstreamPath.
	Path string

	Version string
}

func NewServer(opts Options) *Server {
	if opts.Router == nil {
		panic("upstream: Router is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("upstream")

	bind := opts.Bind
	if bind == "" {
		bind = domain.DefaultBindAddr
	}
	port := opts.Port
	if port == 0 {
		port = domain.DefaultBindPort
	}
	path := opts.Path
	if path == "" {
		path = domain.DefaultUpstreamPath
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		logger: logger,
		router: opts.Router,
		addr:   net.JoinHostPort(bind, strconv.Itoa(port)),
		path:   path,
	}
	s.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    "mcpfed",
		Version: version,
	}, &mcp.ServerOptions{
		HasTools: true,
	})
	s.registry = newToolRegistry(s.mcpServer, s.toolHandler, logger)
	return s
}

// Apply republishes the catalog. Safe to call from the federation core's
// catalog-change callback.
func (s *Server) Apply(catalog domain.Catalog) {
	s.registry.Apply(catalog)
}

func (s *Server) toolHandler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return s.router.RouteCall(ctx, name, json.RawMessage(req.Params.Arguments))
	}
}

// Handler exposes the MCP endpoint without binding a listener, mainly for
// tests and embedding.
func (s *Server) Handler() http.Handler {
	streamable := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcpServer
	}, &mcp.StreamableHTTPOptions{JSONResponse: true})

	mux := http.NewServeMux()
	mux.Handle(s.path, streamable)
	return mux
}

// Run serves the MCP endpoint until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("upstream endpoint listening", zap.String("addr", s.addr), zap.String("path", s.path))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return domain.E(domain.CodeUnavailable, "upstream.run", "serve "+s.addr, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	}
}
