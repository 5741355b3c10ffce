// Package metrics collects the fabric's timers/stats glue. It exposes
// Prometheus collectors for both the Gateway and the Agent and a shared
// HTTP handler to mount on each process's control plane router. The
// counters themselves are core fabric state (per-Mapping failure counts
// feed the error taxonomy); only exposing them over HTTP is an
// external-collaborator concern.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

// Gateway holds the Gateway-side collectors.
type Gateway struct {
	Registry *prometheus.Registry

	ActiveSessions   *prometheus.GaugeVec // labeled by public_port, state
	PendingDepth     *prometheus.GaugeVec // labeled by public_port
	IdleDepth        *prometheus.GaugeVec // labeled by public_port
	PairLatency      prometheus.Histogram
	UDPDropsTotal    *prometheus.CounterVec // labeled by public_port, reason
	FramingErrors    prometheus.Counter
	AllocationErrors *prometheus.CounterVec // labeled by kind
}

// NewGateway registers and returns a fresh Gateway collector set.
func NewGateway() *Gateway {
	reg := prometheus.NewRegistry()
	g := &Gateway{
		Registry: reg,
		ActiveSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_sessions",
			Help: "Sessions currently tracked, by public port and state.",
		}, []string{"public_port", "state"}),
		PendingDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_pending_conns",
			Help: "Pending end-user connections waiting for pairing, by public port.",
		}, []string{"public_port"}),
		IdleDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_idle_sessions",
			Help: "Idle Agent-side sessions available for pairing, by public port.",
		}, []string{"public_port"}),
		PairLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_pair_latency_seconds",
			Help:    "Time from PendingConn enqueue to pairing.",
			Buckets: prometheus.DefBuckets,
		}),
		UDPDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_udp_drops_total",
			Help: "UDP datagrams dropped, by public port and reason.",
		}, []string{"public_port", "reason"}),
		FramingErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_framing_errors_total",
			Help: "Protocol framing violations observed on Sessions.",
		}),
		AllocationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_allocation_errors_total",
			Help: "Allocation failures, by error kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(g.ActiveSessions, g.PendingDepth, g.IdleDepth, g.PairLatency, g.UDPDropsTotal, g.FramingErrors, g.AllocationErrors)
	return g
}

// Handler returns the HTTP handler to mount at /metrics.
func (g *Gateway) Handler() http.Handler {
	return promhttp.HandlerFor(g.Registry, promhttp.HandlerOpts{})
}

// Agent holds the Agent-side collectors.
type Agent struct {
	Registry *prometheus.Registry

	IdlePoolSize    *prometheus.GaugeVec   // labeled by mapping
	DialFailures    *prometheus.CounterVec // labeled by mapping
	ReconnectsTotal *prometheus.CounterVec // labeled by mapping
	UDPFlowsActive  *prometheus.GaugeVec   // labeled by mapping
}

// NewAgent registers and returns a fresh Agent collector set.
func NewAgent() *Agent {
	reg := prometheus.NewRegistry()
	a := &Agent{
		Registry: reg,
		IdlePoolSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agent_idle_sessions",
			Help: "Idle sessions currently held open toward the Gateway, by mapping.",
		}, []string{"mapping"}),
		DialFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_local_dial_failures_total",
			Help: "Local-service dial failures, by mapping.",
		}, []string{"mapping"}),
		ReconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_gateway_reconnects_total",
			Help: "Failed Gateway allocation requests and Session dials, by mapping.",
		}, []string{"mapping"}),
		UDPFlowsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agent_udp_flows_active",
			Help: "Live per-client UDP socket cache entries, by mapping.",
		}, []string{"mapping"}),
	}
	reg.MustRegister(a.IdlePoolSize, a.DialFailures, a.ReconnectsTotal, a.UDPFlowsActive)
	return a
}

// Handler returns the HTTP handler to mount at /metrics.
func (a *Agent) Handler() http.Handler {
	return promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})
}
