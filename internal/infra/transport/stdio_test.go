package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"mcpfed/internal/domain"
	"mcpfed/internal/infra/telemetry"
)

func TestStdioTransport_StartAndRoundTrip(t *testing.T) {
	transport := NewStdioTransport(StdioTransportOptions{})
	spec := domain.DownstreamSpec{
		Namespace: "echo",
		Transport: domain.TransportStdio,
		Command:   "python3",
		Args:      []string{"-u", "-c", pythonMCPServerScript},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, stop, err := transport.Connect(ctx, spec)
	require.NoError(t, err)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		require.NoError(t, stop(stopCtx))
	}()

	require.NoError(t, client.Ping(ctx))

	tools, err := client.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.Equal(t, "echo", tools[0].Name)

	result, err := client.CallTool(ctx, "echo", json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	require.Equal(t, "hi", text.Text)
}

func TestStdioTransport_StderrMirrorFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	transport := NewStdioTransport(StdioTransportOptions{Logger: zap.New(core)})
	spec := domain.DownstreamSpec{
		Namespace: "echo",
		Transport: domain.TransportStdio,
		Command:   "python3",
		Args:      []string{"-u", "-c", "import sys\nprint('downstream booting', file=sys.stderr)\n" + pythonMCPServerScript},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, stop, err := transport.Connect(ctx, spec)
	require.NoError(t, err)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		require.NoError(t, stop(stopCtx))
	}()

	require.Eventually(t, func() bool {
		return logs.FilterMessage("downstream booting").Len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	fields := logs.FilterMessage("downstream booting").All()[0].ContextMap()
	require.Equal(t, telemetry.LogSourceDownstream, fields[telemetry.FieldLogSource])
	require.Equal(t, "echo", fields[telemetry.FieldNamespace])
	require.Equal(t, "stderr", fields[telemetry.FieldLogStream])
}

func TestStdioTransport_MissingCommand(t *testing.T) {
	transport := NewStdioTransport(StdioTransportOptions{})
	spec := domain.DownstreamSpec{
		Namespace: "bad",
		Transport: domain.TransportStdio,
	}

	_, _, err := transport.Connect(context.Background(), spec)
	require.Error(t, err)
	require.Contains(t, err.Error(), "command")
}

func TestStdioTransport_MissingExecutable(t *testing.T) {
	transport := NewStdioTransport(StdioTransportOptions{})
	spec := domain.DownstreamSpec{
		Namespace: "missing",
		Transport: domain.TransportStdio,
		Command:   "/no/such/binary",
	}

	_, _, err := transport.Connect(context.Background(), spec)
	require.Error(t, err)
	require.ErrorIs(t, err, domain.ErrDownstreamUnavailable)
}

func TestFormatEnvSortsKeys(t *testing.T) {
	env := map[string]string{"B": "2", "A": "1", "C": "3"}
	require.Equal(t, []string{"A=1", "B=2", "C=3"}, formatEnv(env))
	require.Nil(t, formatEnv(nil))
}

// A minimal MCP server: answers initialize, ping, tools/list and
// tools/call over stdio, enough to exercise the client end to end.
const pythonMCPServerScript = `import sys, json
def send(msg):
    sys.stdout.write(json.dumps(msg) + "\n")
    sys.stdout.flush()
for line in sys.stdin:
    msg = json.loads(line)
    if "id" not in msg:
        continue
    method = msg.get("method")
    if method == "initialize":
        send({"jsonrpc": "2.0", "id": msg["id"], "result": {
            "protocolVersion": msg["params"]["protocolVersion"],
            "serverInfo": {"name": "echo", "version": "0.1.0"},
            "capabilities": {"tools": {}}}})
    elif method == "ping":
        send({"jsonrpc": "2.0", "id": msg["id"], "result": {}})
    elif method == "tools/list":
        send({"jsonrpc": "2.0", "id": msg["id"], "result": {"tools": [
            {"name": "echo", "description": "echo input",
             "inputSchema": {"type": "object"}}]}})
    elif method == "tools/call":
        text = msg["params"].get("arguments", {}).get("text", "")
        send({"jsonrpc": "2.0", "id": msg["id"], "result": {
            "content": [{"type": "text", "text": text}]}})
    else:
        send({"jsonrpc": "2.0", "id": msg["id"],
              "error": {"code": -32601, "message": "method not found"}})
`
