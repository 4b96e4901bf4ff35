// Package observability exposes cache, recovery and sync activity as
// Prometheus metrics.
package observability

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jkrumboe/wizard-tracker-sub006/internal/cache"
	"github.com/jkrumboe/wizard-tracker-sub006/internal/reconcile"
	"github.com/jkrumboe/wizard-tracker-sub006/internal/recovery"
)

const namespace = "wizard"

// Metrics implements cache.Observer, recovery.Observer and reconcile.Observer.
type Metrics struct {
	registry *prometheus.Registry

	tierOps       *prometheus.CounterVec
	lookups       *prometheus.CounterVec
	memoryEntries prometheus.Gauge
	sweeps        *prometheus.CounterVec
	providers     *prometheus.CounterVec
	syncGames     *prometheus.CounterVec
}

var (
	_ cache.Observer     = (*Metrics)(nil)
	_ recovery.Observer  = (*Metrics)(nil)
	_ reconcile.Observer = (*Metrics)(nil)
)

// New registers the metrics on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		tierOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "tier_operations_total",
			Help:      "Reads, writes and deletes against each cache tier by result.",
		}, []string{"tier", "op", "result"}),
		lookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache lookups by the tier that served them; tier=\"miss\" when none did.",
		}, []string{"tier"}),
		memoryEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "memory_entries",
			Help:      "Entries resident in the in-process tier.",
		}),
		sweeps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "sweeps_total",
			Help:      "Save, recover and restore sweeps over the registered state providers.",
		}, []string{"kind"}),
		providers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "provider_results_total",
			Help:      "Per-provider sweep results.",
		}, []string{"kind", "result"}),
		syncGames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "games_total",
			Help:      "Per-game push and pull outcomes.",
		}, []string{"op", "outcome"}),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) TierOperation(tier, op string, err error) {
	m.tierOps.WithLabelValues(tier, op, result(err)).Inc()
}

func (m *Metrics) LookupServed(tier string) {
	if tier == "" {
		tier = "miss"
	}
	m.lookups.WithLabelValues(tier).Inc()
}

func (m *Metrics) MemoryEntries(n int) {
	m.memoryEntries.Set(float64(n))
}

func (m *Metrics) SweepCompleted(kind string, r recovery.Report) {
	m.sweeps.WithLabelValues(kind).Inc()
	m.providers.WithLabelValues(kind, "succeeded").Add(float64(len(r.Succeeded)))
	m.providers.WithLabelValues(kind, "skipped").Add(float64(len(r.Skipped)))
	m.providers.WithLabelValues(kind, "failed").Add(float64(len(r.Failed)))
}

func (m *Metrics) GameSynced(op, outcome string) {
	m.syncGames.WithLabelValues(op, outcome).Inc()
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, cache.ErrQuotaExceeded):
		return "quota_exceeded"
	default:
		return "error"
	}
}
