package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"mcpfed/internal/domain"
)

// client speaks MCP over a single mcp.Connection. Concurrent calls share
// the connection; a dedicated read loop correlates responses to callers by
// request id, so no caller ever blocks another.
type client struct {
	conn      mcp.Connection
	logger    *zap.Logger
	namespace string
	onTools   func(namespace string)
	seq       atomic.Uint64

	mu        sync.Mutex
	pending   map[string]chan callResult
	closeOnce sync.Once
	cancel    context.CancelFunc
	closed    chan struct{}
}

type clientOptions struct {
	Logger *zap.Logger

	// Namespace tags log lines and change notifications with the owning
	// downstream.
	Namespace string

	// OnToolsChanged fires when the downstream announces a tool-set change.
	OnToolsChanged func(namespace string)
}

type callResult struct {
	resp *jsonrpc.Response
	err  error
}

func newClient(conn mcp.Connection, opts clientOptions) *client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		conn:      conn,
		logger:    logger,
		namespace: opts.Namespace,
		onTools:   opts.OnToolsChanged,
		pending:   make(map[string]chan callResult),
		cancel:    cancel,
		closed:    make(chan struct{}),
	}
	go c.readLoop(ctx)
	return c
}

// handshake performs the MCP initialize exchange. It must complete before
// the client is handed out; a downstream that answers with a mismatched
// protocol version or a malformed result never becomes healthy.
func (c *client) handshake(ctx context.Context) error {
	params := &mcp.InitializeParams{
		ProtocolVersion: domain.DefaultProtocolVersion,
		ClientInfo: &mcp.Implementation{
			Name:    "mcpfed",
			Version: "0.1.0",
		},
		Capabilities: &mcp.ClientCapabilities{},
	}
	raw, err := c.call(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result mcp.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return domain.E(domain.CodeProtocol, "transport.handshake",
			fmt.Sprintf("decode initialize result: %v", err), domain.ErrProtocol)
	}
	if result.ProtocolVersion != domain.DefaultProtocolVersion {
		return domain.E(domain.CodeProtocol, "transport.handshake",
			fmt.Sprintf("protocolVersion mismatch: %s", result.ProtocolVersion), domain.ErrProtocol)
	}
	if result.ServerInfo == nil || result.ServerInfo.Name == "" {
		return domain.E(domain.CodeProtocol, "transport.handshake",
			"initialize result missing serverInfo", domain.ErrProtocol)
	}

	if err := c.notify(ctx, "notifications/initialized", struct{}{}); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	return nil
}

func (c *client) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	var tools []*mcp.Tool
	cursor := ""
	for {
		raw, err := c.call(ctx, "tools/list", &mcp.ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}
		var page mcp.ListToolsResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, domain.E(domain.CodeProtocol, "transport.list_tools",
				fmt.Sprintf("decode tools/list result: %v", err), domain.ErrProtocol)
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" {
			return tools, nil
		}
		if page.NextCursor == cursor {
			return nil, domain.E(domain.CodeProtocol, "transport.list_tools",
				"tools/list cursor did not advance", domain.ErrProtocol)
		}
		cursor = page.NextCursor
	}
}

func (c *client) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	raw, err := c.call(ctx, "tools/call", &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}
	var result mcp.CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, domain.E(domain.CodeProtocol, "transport.call_tool",
			fmt.Sprintf("decode tools/call result: %v", err), domain.ErrProtocol)
	}
	return &result, nil
}

func (c *client) Ping(ctx context.Context) error {
	if _, err := c.call(ctx, "ping", struct{}{}); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

func (c *client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.cancel()
		err = c.conn.Close()
		c.failPending(domain.ErrConnectionClosed)
	})
	return err
}

// call sends one request and blocks until its response arrives or ctx
// expires. The pending slot is registered before the write so a fast
// responder cannot race the registration.
func (c *client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.isClosed() {
		return nil, domain.ErrConnectionClosed
	}
	seq := c.seq.Add(1)
	id, err := jsonrpc.MakeID(fmt.Sprintf("mcpfed-%s-%d", method, seq))
	if err != nil {
		return nil, fmt.Errorf("build request id: %w", err)
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	req := &jsonrpc.Request{ID: id, Method: method, Params: rawParams}

	key, err := idKey(id)
	if err != nil {
		return nil, err
	}
	resultCh := make(chan callResult, 1)
	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return nil, domain.ErrConnectionClosed
	}
	c.pending[key] = resultCh
	c.mu.Unlock()

	if err := c.conn.Write(ctx, req); err != nil {
		c.removePending(key)
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case result := <-resultCh:
		if result.err != nil {
			return nil, result.err
		}
		if result.resp.Error != nil {
			return nil, domain.E(domain.CodeProtocol, "transport.call",
				fmt.Sprintf("%s: %v", method, result.resp.Error), domain.ErrProtocol)
		}
		return result.resp.Result, nil
	case <-ctx.Done():
		c.removePending(key)
		return nil, ctx.Err()
	}
}

func (c *client) notify(ctx context.Context, method string, params any) error {
	if c.isClosed() {
		return domain.ErrConnectionClosed
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}
	req := &jsonrpc.Request{Method: method, Params: rawParams}
	if err := c.conn.Write(ctx, req); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

func (c *client) readLoop(ctx context.Context) {
	for {
		msg, err := c.conn.Read(ctx)
		if err != nil {
			c.failPending(fmt.Errorf("%w: %v", domain.ErrConnectionClosed, err))
			return
		}
		switch typed := msg.(type) {
		case *jsonrpc.Response:
			c.dispatchResponse(typed)
		case *jsonrpc.Request:
			if typed.ID.IsValid() {
				c.rejectServerCall(ctx, typed)
				continue
			}
			c.handleNotification(typed)
		}
	}
}

func (c *client) dispatchResponse(resp *jsonrpc.Response) {
	key, err := idKey(resp.ID)
	if err != nil {
		c.logger.Debug("drop response with invalid id", zap.Error(err))
		return
	}
	c.mu.Lock()
	ch := c.pending[key]
	delete(c.pending, key)
	c.mu.Unlock()
	if ch == nil {
		c.logger.Debug("drop response with no pending call", zap.String("id", key))
		return
	}
	ch <- callResult{resp: resp}
}

// rejectServerCall answers server-initiated requests with method-not-found.
// Downstreams have no business calling back into the proxy.
func (c *client) rejectServerCall(ctx context.Context, req *jsonrpc.Request) {
	resp := newMethodNotFoundResponse(req.ID)
	if err := c.conn.Write(ctx, resp); err != nil {
		c.logger.Warn("reject server call failed",
			zap.String("method", req.Method),
			zap.Error(err),
		)
	}
}

func (c *client) handleNotification(req *jsonrpc.Request) {
	switch req.Method {
	case "notifications/tools/list_changed":
		if c.onTools != nil {
			c.onTools(c.namespace)
		}
	}
}

func (c *client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- callResult{err: err}
	}
}

func (c *client) removePending(key string) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, key)
	}
	c.mu.Unlock()
}

func (c *client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func idKey(id jsonrpc.ID) (string, error) {
	if !id.IsValid() {
		return "", errors.New("missing request id")
	}
	raw := id.Raw()
	switch typed := raw.(type) {
	case string:
		return "s:" + typed, nil
	case float64:
		return fmt.Sprintf("n:%v", typed), nil
	case int:
		return fmt.Sprintf("n:%v", typed), nil
	case int64:
		return fmt.Sprintf("n:%v", typed), nil
	case json.Number:
		return "n:" + typed.String(), nil
	default:
		return "", fmt.Errorf("unsupported id type %T", raw)
	}
}

func newMethodNotFoundResponse(id jsonrpc.ID) *jsonrpc.Response {
	payload := map[string]any{
		"jsonrpc": "2.0",
		"id":      id.Raw(),
		"error": map[string]any{
			"code":    -32601,
			"message": "method not found",
		},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return &jsonrpc.Response{ID: id, Error: errors.New("method not found")}
	}
	msg, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		return &jsonrpc.Response{ID: id, Error: errors.New("method not found")}
	}
	resp, ok := msg.(*jsonrpc.Response)
	if !ok {
		return &jsonrpc.Response{ID: id, Error: errors.New("method not found")}
	}
	return resp
}
