// Package metrics exposes Prometheus instrumentation for batches, map
// units, partitions and validation lookups.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "skydiff"

// Recorder holds the engine's collectors. A nil *Recorder records nothing,
// so components can take one unconditionally.
type Recorder struct {
	registry *prometheus.Registry

	unitsTotal        *prometheus.CounterVec
	unitDuration      prometheus.Histogram
	unitFailures      *prometheus.CounterVec
	candidatesTotal   prometheus.Counter
	partitionsTotal   *prometheus.CounterVec
	tracksTotal       *prometheus.CounterVec
	validationsTotal  *prometheus.CounterVec
	batchesTotal      *prometheus.CounterVec
	batchDuration     prometheus.Histogram
	sinkErrors        prometheus.Counter
	lastBatchUnixTime prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	auto := promauto.With(reg)
	r := &Recorder{registry: reg}

	r.unitsTotal = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "map",
		Name:      "units_total",
		Help:      "Map units finished, by outcome",
	}, []string{"outcome"})
	r.unitDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "map",
		Name:      "unit_duration_seconds",
		Help:      "Wall time of one map unit including retries",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	})
	r.unitFailures = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "map",
		Name:      "unit_failures_total",
		Help:      "Skipped map units, by error kind",
	}, []string{"kind"})
	r.candidatesTotal = auto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "map",
		Name:      "candidates_total",
		Help:      "Candidates extracted",
	})
	r.partitionsTotal = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reduce",
		Name:      "partitions_total",
		Help:      "Reduce partitions, by outcome",
	}, []string{"outcome"})
	r.tracksTotal = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reduce",
		Name:      "tracks_total",
		Help:      "Finalised tracks, by state",
	}, []string{"state"})
	r.validationsTotal = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "validate",
		Name:      "lookups_total",
		Help:      "Catalog cross-matches, by outcome",
	}, []string{"outcome"})
	r.batchesTotal = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batches_total",
		Help:      "Batches run, by status",
	}, []string{"status"})
	r.batchDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "batch_duration_seconds",
		Help:      "Wall time of a batch",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
	})
	r.sinkErrors = auto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sink",
		Name:      "errors_total",
		Help:      "Track records that could not be emitted",
	})
	r.lastBatchUnixTime = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_batch_timestamp_seconds",
		Help:      "Completion time of the most recent batch",
	})
	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Unit records one finished map unit.
func (r *Recorder) Unit(outcome string, d time.Duration, candidates int) {
	if r == nil {
		return
	}
	r.unitsTotal.WithLabelValues(outcome).Inc()
	r.unitDuration.Observe(d.Seconds())
	r.candidatesTotal.Add(float64(candidates))
}

// UnitFailure counts a skipped unit by error kind.
func (r *Recorder) UnitFailure(kind string) {
	if r == nil {
		return
	}
	r.unitFailures.WithLabelValues(kind).Inc()
}

// Partition counts a merged or failed partition.
func (r *Recorder) Partition(outcome string) {
	if r == nil {
		return
	}
	r.partitionsTotal.WithLabelValues(outcome).Inc()
}

// Track counts a finalised track by state.
func (r *Recorder) Track(state string) {
	if r == nil {
		return
	}
	r.tracksTotal.WithLabelValues(state).Inc()
}

// Validation counts one lookup outcome.
func (r *Recorder) Validation(outcome string) {
	if r == nil {
		return
	}
	r.validationsTotal.WithLabelValues(outcome).Inc()
}

// SinkError counts a failed emit.
func (r *Recorder) SinkError() {
	if r == nil {
		return
	}
	r.sinkErrors.Inc()
}

// Batch records a finished batch.
func (r *Recorder) Batch(status string, d time.Duration) {
	if r == nil {
		return
	}
	r.batchesTotal.WithLabelValues(status).Inc()
	r.batchDuration.Observe(d.Seconds())
	r.lastBatchUnixTime.SetToCurrentTime()
}
