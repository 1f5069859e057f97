// Package transport dials downstream MCP servers and hands back live,
// multiplexing client handles.
package transport

import (
	"context"
	"errors"

	"mcpfed/internal/domain"
)

type Composite struct {
	stdio          domain.Transport
	streamableHTTP domain.Transport
}

type CompositeOptions struct {
	Stdio          domain.Transport
	StreamableHTTP domain.Transport
}

func NewComposite(opts CompositeOptions) *Composite {
	if opts.Stdio == nil {
		panic("composite transport requires stdio transport")
	}
	if opts.StreamableHTTP == nil {
		panic("composite transport requires streamable http transport")
	}
	return &Composite{
		stdio:          opts.Stdio,
		streamableHTTP: opts.StreamableHTTP,
	}
}

func (t *Composite) Connect(ctx context.Context, spec domain.DownstreamSpec) (domain.Client, domain.StopFn, error) {
	switch spec.Transport {
	case domain.TransportStreamableHTTP:
		return t.streamableHTTP.Connect(ctx, spec)
	case domain.TransportStdio:
		return t.stdio.Connect(ctx, spec)
	default:
		return nil, nil, errors.New("unknown transport")
	}
}
