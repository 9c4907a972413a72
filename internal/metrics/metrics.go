// Package metrics exports engine counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry    *prometheus.Registry
	trades      *prometheus.CounterVec
	conflicts   *prometheus.CounterVec
	redemptions *prometheus.CounterVec
	settled     *prometheus.CounterVec
	settleTime  *prometheus.HistogramVec
	connections prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "commodex",
			Name:      "trades_total",
			Help:      "Trade lifecycle events by outcome.",
		}, []string{"outcome"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "commodex",
			Name:      "ledger_conflict_retries_total",
			Help:      "Atomic units retried after a concurrent modification.",
		}, []string{"op"}),
		redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "commodex",
			Name:      "redemptions_total",
			Help:      "Redemption attempts by outcome.",
		}, []string{"outcome"}),
		settled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "commodex",
			Name:      "settlement_users_total",
			Help:      "Users processed by settlement runs.",
		}, []string{"policy", "result"}),
		settleTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "commodex",
			Name:      "settlement_duration_seconds",
			Help:      "Wall time of one settlement run.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"policy"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "commodex",
			Name:      "websocket_connections",
			Help:      "Open real-time connections.",
		}),
	}
	m.registry.MustRegister(
		m.trades, m.conflicts, m.redemptions, m.settled, m.settleTime, m.connections,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObserveTrade(outcome string) {
	m.trades.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncConflictRetry(op string) {
	m.conflicts.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveRedemption(outcome string) {
	m.redemptions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveSettlement(policy string, settled, failed int, took time.Duration) {
	m.settled.WithLabelValues(policy, "settled").Add(float64(settled))
	m.settled.WithLabelValues(policy, "failed").Add(float64(failed))
	m.settleTime.WithLabelValues(policy).Observe(took.Seconds())
}

func (m *Metrics) ConnectionOpened() { m.connections.Inc() }
func (m *Metrics) ConnectionClosed() { m.connections.Dec() }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
