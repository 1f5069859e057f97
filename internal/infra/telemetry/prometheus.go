package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"mcpfed/internal/domain"
)

type PrometheusMetrics struct {
	callDuration    *prometheus.HistogramVec
	downstreamState *prometheus.GaugeVec
	reconnects      *prometheus.CounterVec
	catalogSize     prometheus.Gauge
}

func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &PrometheusMetrics{
		callDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcpfed_call_duration_seconds",
				Help:    "Duration of routed tool calls in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"namespace", "decision", "outcome"},
		),
		downstreamState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mcpfed_downstream_state",
				Help: "Downstream connection state (1 for the current state, 0 otherwise)",
			},
			[]string{"namespace", "state"},
		),
		reconnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpfed_reconnects_total",
				Help: "Total reconnect attempts per downstream",
			},
			[]string{"namespace", "result"},
		),
		catalogSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mcpfed_catalog_tools",
				Help: "Number of tools in the aggregated catalog",
			},
		),
	}
}

func (p *PrometheusMetrics) ObserveCall(namespace string, decision domain.Decision, outcome domain.Outcome, duration time.Duration) {
	p.callDuration.WithLabelValues(namespace, string(decision), string(outcome)).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) SetDownstreamState(namespace string, state domain.ConnState) {
	for _, s := range []domain.ConnState{
		domain.StateConfigured,
		domain.StateStarting,
		domain.StateHealthy,
		domain.StateRestarting,
		domain.StateFailed,
	} {
		value := 0.0
		if s == state {
			value = 1.0
		}
		p.downstreamState.WithLabelValues(namespace, string(s)).Set(value)
	}
}

func (p *PrometheusMetrics) ObserveReconnect(namespace string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	p.reconnects.WithLabelValues(namespace, result).Inc()
}

func (p *PrometheusMetrics) SetCatalogSize(size int) {
	p.catalogSize.Set(float64(size))
}

var _ domain.Metrics = (*PrometheusMetrics)(nil)

// NopMetrics is the metrics backend used when telemetry is disabled.
type NopMetrics struct{}

func (NopMetrics) ObserveCall(string, domain.Decision, domain.Outcome, time.Duration) {}
func (NopMetrics) SetDownstreamState(string, domain.ConnState)                        {}
func (NopMetrics) ObserveReconnect(string, bool)                                      {}
func (NopMetrics) SetCatalogSize(int)                                                 {}

var _ domain.Metrics = NopMetrics{}
