package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"mcpfed/internal/domain"
)

func newEchoServer() *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "remote",
		Version: "0.1.0",
	}, &mcp.ServerOptions{HasTools: true})
	server.AddTool(&mcp.Tool{
		Name:        "echo",
		Description: "echo input",
		InputSchema: map[string]any{"type": "object"},
	}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args map[string]any
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return nil, err
			}
		}
		text, _ := args["text"].(string)
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: text}},
		}, nil
	})
	return server
}

func TestStreamableHTTPTransport_ConnectListCall(t *testing.T) {
	server := newEchoServer()
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return server
	}, &mcp.StreamableHTTPOptions{JSONResponse: true})

	httpServer := httptest.NewServer(handler)
	t.Cleanup(httpServer.Close)

	transport := NewStreamableHTTPTransport(StreamableHTTPTransportOptions{})
	spec := domain.DownstreamSpec{
		Namespace: "remote",
		Transport: domain.TransportStreamableHTTP,
		Endpoint:  httpServer.URL,
	}

	ctx := context.Background()
	client, stop, err := transport.Connect(ctx, spec)
	require.NoError(t, err)
	t.Cleanup(func() { _ = stop(context.Background()) })

	require.NoError(t, client.Ping(ctx))

	tools, err := client.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.Equal(t, "echo", tools[0].Name)

	result, err := client.CallTool(ctx, "echo", json.RawMessage(`{"text":"hello"}`))
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	require.Equal(t, "hello", text.Text)
}

func TestStreamableHTTPTransport_EmptyEndpoint(t *testing.T) {
	transport := NewStreamableHTTPTransport(StreamableHTTPTransportOptions{})
	spec := domain.DownstreamSpec{
		Namespace: "remote",
		Transport: domain.TransportStreamableHTTP,
	}

	_, _, err := transport.Connect(context.Background(), spec)
	require.Error(t, err)
	require.Contains(t, err.Error(), "endpoint")
}

func TestStreamableHTTPTransport_ConnectionRefused(t *testing.T) {
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return newEchoServer()
	}, &mcp.StreamableHTTPOptions{JSONResponse: true})
	httpServer := httptest.NewServer(handler)
	httpServer.Close()

	transport := NewStreamableHTTPTransport(StreamableHTTPTransportOptions{})
	spec := domain.DownstreamSpec{
		Namespace: "remote",
		Transport: domain.TransportStreamableHTTP,
		Endpoint:  httpServer.URL,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, _, err := transport.Connect(ctx, spec)
	require.Error(t, err)
}
