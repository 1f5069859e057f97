package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcpfed/internal/domain"
)

type fakeConn struct {
	readCh  chan jsonrpc.Message
	writeCh chan jsonrpc.Message
	closed  chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		readCh:  make(chan jsonrpc.Message, 4),
		writeCh: make(chan jsonrpc.Message, 4),
		closed:  make(chan struct{}),
	}
}

func (f *fakeConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case msg := <-f.readCh:
		return msg, nil
	case <-f.closed:
		return nil, mcp.ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	select {
	case f.writeCh <- msg:
		return nil
	case <-f.closed:
		return mcp.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeConn) Close() error {
	select {
	case <-f.closed:
		return nil
	default:
		close(f.closed)
		return nil
	}
}

func (f *fakeConn) SessionID() string { return "" }

// respond answers the next request seen on the write channel using fn.
func (f *fakeConn) respond(t *testing.T, fn func(*jsonrpc.Request) any) {
	t.Helper()
	select {
	case msg := <-f.writeCh:
		req, ok := msg.(*jsonrpc.Request)
		require.True(t, ok)
		result := fn(req)
		raw, err := json.Marshal(result)
		require.NoError(t, err)
		f.readCh <- &jsonrpc.Response{ID: req.ID, Result: raw}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request")
	}
}

func TestClientMultiplexesOutOfOrderResponses(t *testing.T) {
	conn := newFakeConn()
	cl := newClient(conn, clientOptions{Logger: zap.NewNop()})
	t.Cleanup(func() { _ = cl.Close() })

	var wg sync.WaitGroup
	results := make([]string, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := cl.Ping(context.Background())
			if err != nil {
				results[i] = err.Error()
			} else {
				results[i] = "ok"
			}
		}(i)
	}

	// Collect both requests, then answer them in reverse order.
	var reqs []*jsonrpc.Request
	for len(reqs) < 2 {
		select {
		case msg := <-conn.writeCh:
			req, ok := msg.(*jsonrpc.Request)
			require.True(t, ok)
			reqs = append(reqs, req)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for ping requests")
		}
	}
	for i := len(reqs) - 1; i >= 0; i-- {
		conn.readCh <- &jsonrpc.Response{ID: reqs[i].ID, Result: json.RawMessage(`{}`)}
	}

	wg.Wait()
	require.Equal(t, []string{"ok", "ok"}, results)
}

func TestClientCloseFailsPendingCalls(t *testing.T) {
	conn := newFakeConn()
	cl := newClient(conn, clientOptions{Logger: zap.NewNop()})

	errCh := make(chan error, 1)
	go func() {
		errCh <- cl.Ping(context.Background())
	}()

	select {
	case <-conn.writeCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ping request")
	}
	require.NoError(t, cl.Close())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, domain.ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pending call to fail")
	}

	// Calls after close fail immediately.
	require.ErrorIs(t, cl.Ping(context.Background()), domain.ErrConnectionClosed)
}

func TestClientErrorResponseIsProtocolError(t *testing.T) {
	conn := newFakeConn()
	cl := newClient(conn, clientOptions{Logger: zap.NewNop()})
	t.Cleanup(func() { _ = cl.Close() })

	errCh := make(chan error, 1)
	go func() {
		errCh <- cl.Ping(context.Background())
	}()

	select {
	case msg := <-conn.writeCh:
		req, ok := msg.(*jsonrpc.Request)
		require.True(t, ok)
		conn.readCh <- &jsonrpc.Response{ID: req.ID, Error: fmt.Errorf("boom")}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ping request")
	}

	err := <-errCh
	require.Error(t, err)
	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	require.Equal(t, domain.CodeProtocol, code)
}

func TestClientRejectsServerInitiatedCalls(t *testing.T) {
	conn := newFakeConn()
	cl := newClient(conn, clientOptions{Logger: zap.NewNop()})
	t.Cleanup(func() { _ = cl.Close() })

	id, err := jsonrpc.MakeID("99")
	require.NoError(t, err)
	conn.readCh <- &jsonrpc.Request{
		ID:     id,
		Method: "sampling/createMessage",
		Params: json.RawMessage(`{}`),
	}

	select {
	case msg := <-conn.writeCh:
		resp, ok := msg.(*jsonrpc.Response)
		require.True(t, ok)
		require.Error(t, resp.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for rejection")
	}
}

func TestClientToolsListChangedNotification(t *testing.T) {
	conn := newFakeConn()
	changed := make(chan string, 1)
	cl := newClient(conn, clientOptions{
		Logger:    zap.NewNop(),
		Namespace: "linux",
		OnToolsChanged: func(ns string) {
			changed <- ns
		},
	})
	t.Cleanup(func() { _ = cl.Close() })

	conn.readCh <- &jsonrpc.Request{
		Method: "notifications/tools/list_changed",
		Params: json.RawMessage(`{}`),
	}

	select {
	case ns := <-changed:
		require.Equal(t, "linux", ns)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tools change notification")
	}
}

func TestClientListToolsFollowsPagination(t *testing.T) {
	conn := newFakeConn()
	cl := newClient(conn, clientOptions{Logger: zap.NewNop()})
	t.Cleanup(func() { _ = cl.Close() })

	done := make(chan struct{})
	var tools []*mcp.Tool
	var listErr error
	go func() {
		defer close(done)
		tools, listErr = cl.ListTools(context.Background())
	}()

	conn.respond(t, func(req *jsonrpc.Request) any {
		require.Equal(t, "tools/list", req.Method)
		return &mcp.ListToolsResult{
			Tools:      []*mcp.Tool{{Name: "first"}},
			NextCursor: "page-2",
		}
	})
	conn.respond(t, func(req *jsonrpc.Request) any {
		var params mcp.ListToolsParams
		require.NoError(t, json.Unmarshal(req.Params, &params))
		require.Equal(t, "page-2", params.Cursor)
		return &mcp.ListToolsResult{
			Tools: []*mcp.Tool{{Name: "second"}},
		}
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for list tools")
	}
	require.NoError(t, listErr)
	require.Len(t, tools, 2)
	require.Equal(t, "first", tools[0].Name)
	require.Equal(t, "second", tools[1].Name)
}

func TestClientCallRespectsContext(t *testing.T) {
	conn := newFakeConn()
	cl := newClient(conn, clientOptions{Logger: zap.NewNop()})
	t.Cleanup(func() { _ = cl.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := cl.Ping(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	cl.mu.Lock()
	pendingLen := len(cl.pending)
	cl.mu.Unlock()
	require.Zero(t, pendingLen)
}
