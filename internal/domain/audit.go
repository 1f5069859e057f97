package domain

import (
	"context"
	"time"
)

type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
	OutcomeTimeout Outcome = "timeout"

	// OutcomeRejected marks calls refused before any downstream was
	// contacted: policy denials, unknown namespaces, unknown tools.
	OutcomeRejected Outcome = "rejected"
)

// AuditEvent is one entry in the audit trail: exactly one is emitted per
// routed or rejected call.
type AuditEvent struct {
	ID        string
	Timestamp time.Time
	Namespace string
	Tool      string
	Decision  Decision
	Outcome   Outcome
	Duration  time.Duration

	// Detail carries the machine-readable error kind for non-success
	// outcomes.
	Detail string
}

// AuditSink receives audit events. A Record error means the event was not
// durably accepted.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent) error
}

// AuditGate is optionally implemented by sinks that can report acceptance
// trouble ahead of time. The federation manager consults it before
// dispatching a call so a broken sink blocks the action instead of
// silently losing its trail.
type AuditGate interface {
	Healthy() error
}
