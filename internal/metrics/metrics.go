// Package metrics holds the Prometheus collectors for per-stage,
// per-breaker and per-queue instrumentation, plus a resource sampler and
// snapshot export.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingestd",
			Name:      "jobs_total",
			Help:      "Total jobs by priority and terminal status",
		},
		[]string{"priority", "status"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ingestd",
			Name:      "job_duration_seconds",
			Help:      "End-to-end job duration by terminal status",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"status"},
	)

	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ingestd",
			Name:      "stage_duration_seconds",
			Help:      "Duration of a single pipeline stage by stage name and result",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage", "result"},
	)

	stageResultTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingestd",
			Name:      "stage_result_total",
			Help:      "Stage completions by stage name and result (ok, skipped, failed)",
		},
		[]string{"stage", "result"},
	)

	adapterRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingestd",
			Name:      "adapter_requests_total",
			Help:      "Total adapter calls by adapter name and result",
		},
		[]string{"adapter", "result"},
	)

	adapterLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ingestd",
			Name:      "adapter_request_duration_seconds",
			Help:      "Duration of adapter requests by adapter name",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"adapter"},
	)

	breakerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingestd",
			Name:      "breaker_events_total",
			Help:      "Circuit breaker transitions by service and action",
		},
		[]string{"service", "action"},
	)

	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ingestd",
			Name:      "breaker_state",
			Help:      "Current breaker state by service (0=closed,1=half_open,2=open)",
		},
		[]string{"service"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ingestd",
			Name:      "queue_depth",
			Help:      "Queue depth by priority band",
		},
		[]string{"priority"},
	)

	activeJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ingestd",
			Name:      "active_jobs",
			Help:      "Number of jobs currently being worked by the pool",
		},
	)

	dedupHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingestd",
			Name:      "dedup_hits_total",
			Help:      "Duplicate detections by tier (l0..l3)",
		},
		[]string{"tier"},
	)

	resourceGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ingestd",
			Name:      "host_resource_percent",
			Help:      "Sampled host resource utilization percent by kind (cpu, mem, disk)",
		},
		[]string{"kind"},
	)
)

// Init registers all collectors. Safe to call once at startup.
func Init() {
	prometheus.MustRegister(
		jobsTotal, jobDuration, stageDuration, stageResultTotal,
		adapterRequests, adapterLatency, breakerEvents, breakerState,
		queueDepth, activeJobs, dedupHits, resourceGauge,
	)
}

// Handler exposes the /metrics scrape endpoint.
func Handler() http.Handler { return promhttp.Handler() }

func ObserveJob(priority, status string, dur time.Duration) {
	jobsTotal.WithLabelValues(priority, status).Inc()
	jobDuration.WithLabelValues(status).Observe(dur.Seconds())
}

func ObserveStage(stage, result string, dur time.Duration) {
	stageDuration.WithLabelValues(stage, result).Observe(dur.Seconds())
	stageResultTotal.WithLabelValues(stage, result).Inc()
}

func ObserveAdapter(adapter, result string, dur time.Duration) {
	adapterRequests.WithLabelValues(adapter, result).Inc()
	adapterLatency.WithLabelValues(adapter).Observe(dur.Seconds())
}

func BreakerOpened(service string) {
	breakerEvents.WithLabelValues(service, "opened").Inc()
	breakerState.WithLabelValues(service).Set(2)
}

func BreakerHalfOpened(service string) {
	breakerEvents.WithLabelValues(service, "half_opened").Inc()
	breakerState.WithLabelValues(service).Set(1)
}

func BreakerClosed(service string) {
	breakerEvents.WithLabelValues(service, "closed").Inc()
	breakerState.WithLabelValues(service).Set(0)
}

func SetQueueDepth(priority string, v int64) { queueDepth.WithLabelValues(priority).Set(float64(v)) }

func SetActiveJobs(v int) { activeJobs.Set(float64(v)) }

func IncDedupHit(tier string) { dedupHits.WithLabelValues(tier).Inc() }

func setResourcePercent(kind string, pct float64) { resourceGauge.WithLabelValues(kind).Set(pct) }
