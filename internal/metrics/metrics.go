// Package metrics publishes Prometheus counters and histograms for the cache
// tiers, the remote fetcher and the cache manager.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LookupOutcome captures the result of a tier lookup.
type LookupOutcome string

const (
	LookupHit   LookupOutcome = "hit"
	LookupMiss  LookupOutcome = "miss"
	LookupError LookupOutcome = "error"
)

// StoreOutcome captures the result of a tier population attempt.
type StoreOutcome string

const (
	StoreStored  StoreOutcome = "stored"
	StoreSkipped StoreOutcome = "skipped"
	StoreError   StoreOutcome = "error"
)

// LoadOutcome captures how a manager load ended.
type LoadOutcome string

const (
	// LoadServed indicates a usable response was produced.
	LoadServed LoadOutcome = "served"
	// LoadMiss indicates the pipeline produced nothing usable.
	LoadMiss LoadOutcome = "miss"
	// LoadBypass indicates the request never entered the pipeline.
	LoadBypass LoadOutcome = "bypass"
)

// Recorder publishes Prometheus metrics for pipeline activity. A nil Recorder
// is valid and records nothing.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	tierLookups   *prometheus.CounterVec
	tierStores    *prometheus.CounterVec
	loads         *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	tierLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tierfetch",
		Subsystem: "tier",
		Name:      "lookups_total",
		Help:      "Cache tier lookups by tier and result.",
	}, []string{"tier", "result"})

	tierStores := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tierfetch",
		Subsystem: "tier",
		Name:      "stores_total",
		Help:      "Cache tier population attempts by tier and result.",
	}, []string{"tier", "result"})

	loads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tierfetch",
		Name:      "loads_total",
		Help:      "Manager loads by pipeline mode and outcome.",
	}, []string{"mode", "result"})

	fetchDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tierfetch",
		Subsystem: "fetch",
		Name:      "duration_seconds",
		Help:      "Latency distribution for upstream fetches.",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
	}, []string{"result"})

	reg.MustRegister(tierLookups, tierStores, loads, fetchDuration)

	return &Recorder{
		gatherer:      reg,
		handler:       promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		tierLookups:   tierLookups,
		tierStores:    tierStores,
		loads:         loads,
		fetchDuration: fetchDuration,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying gatherer for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

func (r *Recorder) ObserveLookup(tier string, result LookupOutcome) {
	if r == nil {
		return
	}
	r.tierLookups.WithLabelValues(normalizeLabel(tier), normalizeLabel(string(result))).Inc()
}

func (r *Recorder) ObserveStore(tier string, result StoreOutcome) {
	if r == nil {
		return
	}
	r.tierStores.WithLabelValues(normalizeLabel(tier), normalizeLabel(string(result))).Inc()
}

func (r *Recorder) ObserveLoad(mode string, result LoadOutcome) {
	if r == nil {
		return
	}
	r.loads.WithLabelValues(normalizeLabel(mode), normalizeLabel(string(result))).Inc()
}

// ObserveFetch records one upstream fetch; result is "ok" or an error class.
func (r *Recorder) ObserveFetch(result string, duration time.Duration) {
	if r == nil {
		return
	}
	r.fetchDuration.WithLabelValues(normalizeLabel(result)).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
