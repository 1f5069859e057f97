package domain

import (
	"fmt"
	"sync"
	"time"
)

type ConnState string

const (
	StateConfigured ConnState = "configured"
	StateStarting   ConnState = "starting"
	StateHealthy    ConnState = "healthy"
	StateRestarting ConnState = "restarting"
	StateFailed     ConnState = "failed"
)

// DownstreamConnection is the lifecycle state machine for one downstream.
// All mutation goes through the Mark* transitions; the fields are private
// so no caller can set a client handle without also moving the state, or
// observe a handle after the state has left Healthy.
type DownstreamConnection struct {
	namespace string

	mu       sync.Mutex
	state    ConnState
	client   Client
	stop     StopFn
	tools    []Tool
	attempts int
	failures int
	lastSeen time.Time
}

func NewDownstreamConnection(namespace string) *DownstreamConnection {
	return &DownstreamConnection{
		namespace: namespace,
		state:     StateConfigured,
	}
}

func (c *DownstreamConnection) Namespace() string {
	return c.namespace
}

func (c *DownstreamConnection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsHealthy reports whether the connection is usable for calls: state is
// Healthy and the client handle is present. The two facts are checked
// under one lock, never separately.
func (c *DownstreamConnection) IsHealthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateHealthy && c.client != nil
}

// ClientHandle returns a snapshot of the live client iff the connection is
// currently usable. Callers use the returned handle after releasing any
// registry lock; the handle stays valid for in-flight calls even if the
// connection restarts underneath them.
func (c *DownstreamConnection) ClientHandle() (Client, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateHealthy || c.client == nil {
		return nil, false
	}
	return c.client, true
}

// Tools returns the last-discovered namespaced tool set.
func (c *DownstreamConnection) Tools() []Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

func (c *DownstreamConnection) HasTool(localName string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tool := range c.tools {
		if tool.LocalName == localName {
			return true
		}
	}
	return false
}

func (c *DownstreamConnection) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *DownstreamConnection) MarkStarting() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConfigured {
		return transitionError(c.namespace, c.state, StateStarting)
	}
	c.state = StateStarting
	return nil
}

// MarkHealthy installs the live client handle and the freshly discovered
// tool cache, and resets the attempt and failure counters. Valid from
// Starting and Restarting.
func (c *DownstreamConnection) MarkHealthy(client Client, stop StopFn, tools []Tool) error {
	if client == nil {
		return E(CodeInternal, "connection.MarkHealthy", "client handle is required", nil)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateStarting && c.state != StateRestarting {
		return transitionError(c.namespace, c.state, StateHealthy)
	}
	c.state = StateHealthy
	c.client = client
	c.stop = stop
	c.tools = tools
	c.attempts = 0
	c.failures = 0
	c.lastSeen = time.Now()
	return nil
}

// MarkRestarting increments the attempt counter and clears the client
// handle in the same critical section, so no caller can observe a stale
// handle while the state says Restarting. The previous handle and stop
// function are returned for teardown. Valid from Starting, Healthy and
// Restarting.
func (c *DownstreamConnection) MarkRestarting() (Client, StopFn, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateStarting && c.state != StateHealthy && c.state != StateRestarting {
		return nil, nil, c.attempts, transitionError(c.namespace, c.state, StateRestarting)
	}
	client, stop := c.client, c.stop
	c.client = nil
	c.stop = nil
	c.state = StateRestarting
	c.attempts++
	c.failures = 0
	return client, stop, c.attempts, nil
}

// MarkFailed is terminal for the automatic loop: handle and tool cache are
// cleared, and only Reset can bring the connection back. Valid only from
// Restarting; shutdown goes through Teardown instead.
func (c *DownstreamConnection) MarkFailed() (Client, StopFn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRestarting {
		return nil, nil, transitionError(c.namespace, c.state, StateFailed)
	}
	client, stop := c.client, c.stop
	c.client = nil
	c.stop = nil
	c.tools = nil
	c.state = StateFailed
	return client, stop, nil
}

// Teardown forces the connection to Failed from any state and surrenders
// whatever handle it still holds. It is for shutdown, where the order the
// connection loops stopped in does not matter.
func (c *DownstreamConnection) Teardown() (Client, StopFn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	client, stop := c.client, c.stop
	c.client = nil
	c.stop = nil
	c.tools = nil
	c.state = StateFailed
	return client, stop
}

// Reset is the administrative escape hatch from Failed back to Configured.
func (c *DownstreamConnection) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateFailed {
		return transitionError(c.namespace, c.state, StateConfigured)
	}
	c.state = StateConfigured
	c.attempts = 0
	c.failures = 0
	return nil
}

// ReplaceTools swaps the tool cache on a live connection (list_changed
// refresh). Returns false if the connection is not currently Healthy.
func (c *DownstreamConnection) ReplaceTools(tools []Tool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateHealthy {
		return false
	}
	c.tools = tools
	return true
}

// RecordFailure accumulates one soft failure (failed probe, call timeout,
// repeated protocol garbage) and returns the consecutive count. A single
// timeout is a signal, not a teardown; the caller compares the count
// against its threshold.
func (c *DownstreamConnection) RecordFailure() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	return c.failures
}

func (c *DownstreamConnection) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.lastSeen = time.Now()
}

func (c *DownstreamConnection) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

func transitionError(namespace string, from, to ConnState) error {
	return E(CodeFailedPrecond, "connection",
		fmt.Sprintf("%s: %s -> %s", namespace, from, to), ErrInvalidTransition)
}
