// Package probe checks downstream liveness.
package probe

import (
	"context"
	"errors"
	"time"

	"mcpfed/internal/domain"
)

const defaultPingTimeout = 2 * time.Second

// PingProbe issues the MCP ping request with a bounded deadline. A slow
// downstream counts as a failed probe, not a hung one.
type PingProbe struct {
	Timeout time.Duration
}

func (p *PingProbe) Check(ctx context.Context, client domain.Client) error {
	if client == nil {
		return errors.New("client is nil")
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return client.Ping(pingCtx)
}
