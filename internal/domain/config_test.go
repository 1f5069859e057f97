package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validSpecs() []DownstreamSpec {
	return []DownstreamSpec{
		{Namespace: "linux", Transport: TransportStreamableHTTP, Endpoint: "http://127.0.0.1:9001/mcp"},
		{Namespace: "redis", Transport: TransportStdio, Command: "/usr/local/bin/redis-mcp"},
	}
}

func TestConfigValidate_OK(t *testing.T) {
	cfg := Config{Downstreams: validSpecs()}
	require.NoError(t, cfg.Validate())
}

func TestConfigValidate_DuplicateNamespace(t *testing.T) {
	specs := validSpecs()
	specs[1].Namespace = "linux"
	cfg := Config{Downstreams: specs}
	require.ErrorIs(t, cfg.Validate(), ErrDuplicateNamespace)
}

func TestConfigValidate_NamespaceWithSeparator(t *testing.T) {
	specs := validSpecs()
	specs[0].Namespace = "linux.docker"
	cfg := Config{Downstreams: specs}
	err := cfg.Validate()
	require.Error(t, err)
	code, ok := CodeFrom(err)
	require.True(t, ok)
	require.Equal(t, CodeInvalidConfig, code)
}

func TestDownstreamSpecValidate_BadEndpoint(t *testing.T) {
	spec := DownstreamSpec{Namespace: "web", Transport: TransportStreamableHTTP, Endpoint: "not a url"}
	require.Error(t, spec.Validate())
}

func TestDownstreamSpecValidate_RelativeCommand(t *testing.T) {
	spec := DownstreamSpec{Namespace: "local", Transport: TransportStdio, Command: "bin/server"}
	require.Error(t, spec.Validate())
}

func TestNormalizeTransport(t *testing.T) {
	require.Equal(t, TransportStreamableHTTP, NormalizeTransport("HTTP"))
	require.Equal(t, TransportStreamableHTTP, NormalizeTransport("streamable-http"))
	require.Equal(t, TransportStdio, NormalizeTransport(" stdio "))
}
