package domain

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

type stubClient struct{}

func (stubClient) ListTools(context.Context) ([]*mcp.Tool, error) { return nil, nil }
func (stubClient) CallTool(context.Context, string, json.RawMessage) (*mcp.CallToolResult, error) {
	return nil, nil
}
func (stubClient) Ping(context.Context) error { return nil }
func (stubClient) Close() error               { return nil }

func TestDownstreamConnection_StartupPath(t *testing.T) {
	conn := NewDownstreamConnection("linux")
	require.Equal(t, StateConfigured, conn.State())
	require.False(t, conn.IsHealthy())

	require.NoError(t, conn.MarkStarting())
	require.Equal(t, StateStarting, conn.State())
	require.False(t, conn.IsHealthy())

	tools := []Tool{{Name: "linux.system.info", Namespace: "linux", LocalName: "system.info"}}
	require.NoError(t, conn.MarkHealthy(stubClient{}, nil, tools))
	require.Equal(t, StateHealthy, conn.State())
	require.True(t, conn.IsHealthy())
	require.Len(t, conn.Tools(), 1)
	require.True(t, conn.HasTool("system.info"))
	require.False(t, conn.HasTool("system.reboot"))
}

func TestDownstreamConnection_MarkStartingRequiresConfigured(t *testing.T) {
	conn := NewDownstreamConnection("linux")
	require.NoError(t, conn.MarkStarting())
	require.ErrorIs(t, conn.MarkStarting(), ErrInvalidTransition)
}

func TestDownstreamConnection_MarkHealthyRequiresClient(t *testing.T) {
	conn := NewDownstreamConnection("linux")
	require.NoError(t, conn.MarkStarting())
	require.Error(t, conn.MarkHealthy(nil, nil, nil))
	require.False(t, conn.IsHealthy())
}

func TestDownstreamConnection_MarkRestartingClearsHandle(t *testing.T) {
	conn := NewDownstreamConnection("linux")
	require.NoError(t, conn.MarkStarting())
	require.NoError(t, conn.MarkHealthy(stubClient{}, nil, nil))

	old, _, attempt, err := conn.MarkRestarting()
	require.NoError(t, err)
	require.NotNil(t, old)
	require.Equal(t, 1, attempt)
	require.Equal(t, StateRestarting, conn.State())

	// The handle must be gone the instant the state says Restarting.
	_, ok := conn.ClientHandle()
	require.False(t, ok)
	require.False(t, conn.IsHealthy())

	_, _, attempt, err = conn.MarkRestarting()
	require.NoError(t, err)
	require.Equal(t, 2, attempt)
}

func TestDownstreamConnection_RestartingAndFailedValidateSource(t *testing.T) {
	conn := NewDownstreamConnection("linux")

	_, _, _, err := conn.MarkRestarting()
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Equal(t, StateConfigured, conn.State())
	require.Zero(t, conn.Attempts())

	_, _, err = conn.MarkFailed()
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Equal(t, StateConfigured, conn.State())

	require.NoError(t, conn.MarkStarting())
	_, _, err = conn.MarkFailed()
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, _, _, err = conn.MarkRestarting()
	require.NoError(t, err)
	_, _, err = conn.MarkFailed()
	require.NoError(t, err)

	// Failed is terminal for both.
	_, _, _, err = conn.MarkRestarting()
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, _, err = conn.MarkFailed()
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestDownstreamConnection_TeardownForcesFailed(t *testing.T) {
	conn := NewDownstreamConnection("linux")
	require.NoError(t, conn.MarkStarting())
	require.NoError(t, conn.MarkHealthy(stubClient{}, nil, []Tool{{Name: "linux.a"}}))

	client, _ := conn.Teardown()
	require.NotNil(t, client)
	require.Equal(t, StateFailed, conn.State())
	require.Empty(t, conn.Tools())

	// Unconditional: works again from Failed, with nothing left to hand back.
	client, _ = conn.Teardown()
	require.Nil(t, client)
	require.Equal(t, StateFailed, conn.State())
}

func TestDownstreamConnection_RecoveryResetsAttempts(t *testing.T) {
	conn := NewDownstreamConnection("linux")
	require.NoError(t, conn.MarkStarting())
	require.NoError(t, conn.MarkHealthy(stubClient{}, nil, nil))
	_, _, _, err := conn.MarkRestarting()
	require.NoError(t, err)
	_, _, _, err = conn.MarkRestarting()
	require.NoError(t, err)

	require.NoError(t, conn.MarkHealthy(stubClient{}, nil, nil))
	require.Zero(t, conn.Attempts())
	require.True(t, conn.IsHealthy())
}

func TestDownstreamConnection_FailedIsTerminalUntilReset(t *testing.T) {
	conn := NewDownstreamConnection("linux")
	require.NoError(t, conn.MarkStarting())
	require.NoError(t, conn.MarkHealthy(stubClient{}, nil, []Tool{{Name: "linux.a"}}))
	_, _, _, err := conn.MarkRestarting()
	require.NoError(t, err)
	_, _, err = conn.MarkFailed()
	require.NoError(t, err)

	require.Equal(t, StateFailed, conn.State())
	require.Empty(t, conn.Tools())
	require.ErrorIs(t, conn.MarkHealthy(stubClient{}, nil, nil), ErrInvalidTransition)

	require.NoError(t, conn.Reset())
	require.Equal(t, StateConfigured, conn.State())
	require.Zero(t, conn.Attempts())

	require.ErrorIs(t, conn.Reset(), ErrInvalidTransition)
}

func TestDownstreamConnection_FailureCounter(t *testing.T) {
	conn := NewDownstreamConnection("linux")
	require.Equal(t, 1, conn.RecordFailure())
	require.Equal(t, 2, conn.RecordFailure())
	conn.RecordSuccess()
	require.Equal(t, 1, conn.RecordFailure())
}

func TestDownstreamConnection_ReplaceToolsOnlyWhileHealthy(t *testing.T) {
	conn := NewDownstreamConnection("linux")
	require.False(t, conn.ReplaceTools([]Tool{{Name: "linux.x"}}))

	require.NoError(t, conn.MarkStarting())
	require.NoError(t, conn.MarkHealthy(stubClient{}, nil, nil))
	require.True(t, conn.ReplaceTools([]Tool{{Name: "linux.x", LocalName: "x"}}))
	require.Len(t, conn.Tools(), 1)
}
