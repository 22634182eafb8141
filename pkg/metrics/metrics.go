// Package metrics exposes control-plane counters and gauges in Prometheus
// format. Each Metrics value carries its own registry so tests stay
// isolated.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the control plane's instrumentation set.
type Metrics struct {
	registry *prometheus.Registry

	AgentsOnline     prometheus.Gauge
	AgentsTotal      prometheus.Gauge
	SessionsOpened   prometheus.Counter
	HeartbeatsTotal  prometheus.Counter
	ActionsTotal     *prometheus.CounterVec
	ErrorsTotal      prometheus.Counter
	SpendTotal       prometheus.Counter
	ApprovalsPending prometheus.Gauge
	ApprovalsTotal   *prometheus.CounterVec
	ProvisionsTotal  *prometheus.CounterVec
}

// New creates and registers the full metric set.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		AgentsOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "moltagent_agents_online",
			Help: "Number of agents with a live control-plane session.",
		}),
		AgentsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "moltagent_agents_total",
			Help: "Number of agents in the fleet.",
		}),
		SessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "moltagent_sessions_opened_total",
			Help: "WebSocket sessions admitted.",
		}),
		HeartbeatsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "moltagent_heartbeats_total",
			Help: "Worker heartbeats received.",
		}),
		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moltagent_actions_total",
			Help: "Worker actions recorded, by category.",
		}, []string{"category"}),
		ErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "moltagent_worker_errors_total",
			Help: "Worker-reported errors.",
		}),
		SpendTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "moltagent_spend_usd_total",
			Help: "Cumulative worker spend in USD.",
		}),
		ApprovalsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "moltagent_approvals_pending",
			Help: "Approvals currently awaiting a verdict.",
		}),
		ApprovalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moltagent_approvals_total",
			Help: "Approval resolutions, by terminal state.",
		}, []string{"state"}),
		ProvisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moltagent_provisions_total",
			Help: "Provisioning attempts, by provider and outcome.",
		}, []string{"provider", "outcome"}),
	}
	reg.MustRegister(
		m.AgentsOnline, m.AgentsTotal, m.SessionsOpened,
		m.HeartbeatsTotal, m.ActionsTotal, m.ErrorsTotal, m.SpendTotal,
		m.ApprovalsPending, m.ApprovalsTotal, m.ProvisionsTotal,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
