package domain

import "time"

// Metrics abstracts the telemetry backend so the federation core can be
// tested without a Prometheus registry.
type Metrics interface {
	ObserveCall(namespace string, decision Decision, outcome Outcome, duration time.Duration)
	SetDownstreamState(namespace string, state ConnState)
	ObserveReconnect(namespace string, success bool)
	SetCatalogSize(size int)
}
