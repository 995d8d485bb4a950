// Package prom exports coordinator hook events as Prometheus metrics.
package prom

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/unkn0wn-root/leasecache"
)

// Hooks counts events by region. Keys and lease UIDs are never used as labels.
type Hooks struct {
	lookups      *prometheus.CounterVec
	populates    *prometheus.CounterVec
	waitSeconds  *prometheus.HistogramVec
	leaseDenied  prometheus.Counter
	leaseLost    prometheus.Counter
	swept        *prometheus.CounterVec
	sweepSeconds prometheus.Histogram
	sweepErrors  prometheus.Counter
}

var _ leasecache.Hooks = (*Hooks)(nil)

// New registers the metrics on reg (nil => prometheus.DefaultRegisterer).
func New(reg prometheus.Registerer, namespace string) *Hooks {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "leasecache"
	}
	f := promauto.With(reg)
	return &Hooks{
		lookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookups_total",
			Help:      "GetOrPopulate fast-path lookups by result.",
		}, []string{"region", "result"}),
		populates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "populate_outcomes_total",
			Help:      "Populate outcomes for callers that did not produce the entry.",
		}, []string{"region", "outcome"}),
		waitSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "populate_wait_seconds",
			Help:      "Time a blocked caller waited for another owner's entry.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"region"}),
		leaseDenied: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_denied_total",
			Help:      "Lease acquisitions refused because another owner held a live lease.",
		}),
		leaseLost: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_lost_total",
			Help:      "Leases lost while a producer was running.",
		}),
		swept: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_total",
			Help:      "Expired records removed by the reaper.",
		}, []string{"table"}),
		sweepSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Reaper pass duration.",
			Buckets:   prometheus.DefBuckets,
		}),
		sweepErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_errors_total",
			Help:      "Reaper passes that hit at least one error.",
		}),
	}
}

func (h *Hooks) CacheHit(region, _ string) {
	h.lookups.WithLabelValues(label(region), "hit").Inc()
}

func (h *Hooks) CacheMiss(region, _ string) {
	h.lookups.WithLabelValues(label(region), "miss").Inc()
}

func (h *Hooks) LeaseDenied(string, string) { h.leaseDenied.Inc() }

func (h *Hooks) PopulateWaited(region, _ string, waited time.Duration) {
	h.populates.WithLabelValues(label(region), "waited").Inc()
	h.waitSeconds.WithLabelValues(label(region)).Observe(waited.Seconds())
}

func (h *Hooks) PopulateBusy(region, _, _ string) {
	h.populates.WithLabelValues(label(region), "busy").Inc()
}

func (h *Hooks) ProducerFailed(region, _ string, _ error) {
	h.populates.WithLabelValues(label(region), "producer_failed").Inc()
}

func (h *Hooks) LeaseLost(string, error) { h.leaseLost.Inc() }

func (h *Hooks) SweepCompleted(entries, leases int, took time.Duration) {
	h.swept.WithLabelValues("entries").Add(float64(entries))
	h.swept.WithLabelValues("leases").Add(float64(leases))
	h.sweepSeconds.Observe(took.Seconds())
}

func (h *Hooks) SweepFailed(error) { h.sweepErrors.Inc() }

func label(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "default"
	}
	return v
}
