// Package metrics registers the Prometheus instruments for the connection
// service. Exposed over /metrics by the HTTP router.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsInitiated counts authorization flows started, by provider
	// and platform.
	SessionsInitiated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tuneway",
		Subsystem: "connect",
		Name:      "sessions_initiated_total",
		Help:      "Authorization sessions initiated.",
	}, []string{"provider", "platform"})

	// SessionsFinished counts terminal session transitions by outcome.
	SessionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tuneway",
		Subsystem: "connect",
		Name:      "sessions_finished_total",
		Help:      "Authorization sessions reaching a terminal status.",
	}, []string{"provider", "status"})

	// Exchanges counts code-for-token exchanges by result.
	Exchanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tuneway",
		Subsystem: "connect",
		Name:      "token_exchanges_total",
		Help:      "Authorization-code token exchanges.",
	}, []string{"provider", "result"})

	// RefreshAttempts counts refresh attempts against provider token
	// endpoints by result.
	RefreshAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tuneway",
		Subsystem: "connect",
		Name:      "token_refresh_attempts_total",
		Help:      "Token refresh attempts.",
	}, []string{"provider", "result"})

	// Revocations counts revoked connections.
	Revocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tuneway",
		Subsystem: "connect",
		Name:      "revocations_total",
		Help:      "Connections revoked.",
	}, []string{"provider"})

	// AuditEvents counts security audit events by type and risk.
	AuditEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tuneway",
		Subsystem: "connect",
		Name:      "audit_events_total",
		Help:      "Security audit events recorded.",
	}, []string{"event_type", "risk"})

	// AlertsRaised counts security alerts created.
	AlertsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tuneway",
		Subsystem: "connect",
		Name:      "alerts_raised_total",
		Help:      "Security alerts raised for high-risk events.",
	}, []string{"risk"})

	// ProviderRequestDuration observes outbound provider call latency.
	ProviderRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tuneway",
		Subsystem: "connect",
		Name:      "provider_request_seconds",
		Help:      "Latency of outbound provider OAuth requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider", "operation"})
)
