package monitoring

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vestnet/internal/money"
)

// PrometheusMetrics owns a private registry so tests can build as many
// instances as they like. All record methods are safe on a nil receiver.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// HTTP
	requestDuration *prometheus.HistogramVec
	requestCount    *prometheus.CounterVec
	errorCount      *prometheus.CounterVec

	// Ledger
	postings      *prometheus.CounterVec
	postedAmount  *prometheus.CounterVec
	settlements   *prometheus.CounterVec
	commissions   *prometheus.CounterVec
	duplicateKeys *prometheus.CounterVec

	// Batch jobs
	jobRuns     *prometheus.CounterVec
	jobItems    *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec

	// Requests
	requestTransitions *prometheus.CounterVec

	goroutineCount prometheus.Gauge
	memoryUsage    prometheus.Gauge
}

func NewPrometheusMetrics() *PrometheusMetrics {
	pm := &PrometheusMetrics{registry: prometheus.NewRegistry()}
	pm.initializeMetrics()
	pm.registerMetrics()
	return pm
}

func (pm *PrometheusMetrics) initializeMetrics() {
	pm.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vestnet_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	pm.requestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vestnet_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	pm.errorCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vestnet_errors_total",
			Help: "Total number of API errors by code",
		},
		[]string{"code", "endpoint"},
	)

	pm.postings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vestnet_ledger_postings_total",
			Help: "Ledger entries written",
		},
		[]string{"source", "status"},
	)
	pm.postedAmount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vestnet_ledger_posted_amount_total",
			Help: "Sum of ledger entry amounts in major units",
		},
		[]string{"source"},
	)
	pm.settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vestnet_ledger_settlements_total",
			Help: "Pending entries moved to a terminal status",
		},
		[]string{"status"},
	)
	pm.commissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vestnet_commission_postings_total",
			Help: "Commission credits posted",
		},
		[]string{"kind"},
	)
	pm.duplicateKeys = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vestnet_ledger_duplicate_keys_total",
			Help: "Postings skipped because the idempotency key already existed",
		},
		[]string{"source"},
	)

	pm.jobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vestnet_job_runs_total",
			Help: "Batch job runs by outcome",
		},
		[]string{"job", "outcome"},
	)
	pm.jobItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vestnet_job_items_total",
			Help: "Items handled by batch jobs",
		},
		[]string{"job", "result"},
	)
	pm.jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vestnet_job_duration_seconds",
			Help:    "Batch job duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"job"},
	)

	pm.requestTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vestnet_request_transitions_total",
			Help: "Approval state machine transitions",
		},
		[]string{"kind", "state"},
	)

	pm.goroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vestnet_goroutines",
		Help: "Number of goroutines",
	})
	pm.memoryUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vestnet_memory_usage_bytes",
		Help: "Heap bytes allocated",
	})
}

func (pm *PrometheusMetrics) registerMetrics() {
	pm.registry.MustRegister(
		pm.requestDuration, pm.requestCount, pm.errorCount,
		pm.postings, pm.postedAmount, pm.settlements, pm.commissions, pm.duplicateKeys,
		pm.jobRuns, pm.jobItems, pm.jobDuration,
		pm.requestTransitions,
		pm.goroutineCount, pm.memoryUsage,
	)
	pm.registry.MustRegister(collectors.NewGoCollector())
	pm.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler serves the registry in the Prometheus text format.
func (pm *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
}

func (pm *PrometheusMetrics) Registry() *prometheus.Registry { return pm.registry }

func (pm *PrometheusMetrics) RecordRequest(method, endpoint, status string, duration time.Duration) {
	if pm == nil {
		return
	}
	pm.requestDuration.WithLabelValues(method, endpoint, status).Observe(duration.Seconds())
	pm.requestCount.WithLabelValues(method, endpoint, status).Inc()
}

func (pm *PrometheusMetrics) RecordError(code, endpoint string) {
	if pm == nil {
		return
	}
	pm.errorCount.WithLabelValues(code, endpoint).Inc()
}

func (pm *PrometheusMetrics) RecordPosting(source, status string, amount money.Amount) {
	if pm == nil {
		return
	}
	pm.postings.WithLabelValues(source, status).Inc()
	pm.postedAmount.WithLabelValues(source).Add(amount.Float64())
}

func (pm *PrometheusMetrics) RecordSettlement(status string) {
	if pm == nil {
		return
	}
	pm.settlements.WithLabelValues(status).Inc()
}

func (pm *PrometheusMetrics) RecordDuplicate(source string) {
	if pm == nil {
		return
	}
	pm.duplicateKeys.WithLabelValues(source).Inc()
}

func (pm *PrometheusMetrics) RecordCommission(kind string, n int) {
	if pm == nil || n <= 0 {
		return
	}
	pm.commissions.WithLabelValues(kind).Add(float64(n))
}

func (pm *PrometheusMetrics) RecordJob(job, outcome string, duration time.Duration, processed, failed int) {
	if pm == nil {
		return
	}
	pm.jobRuns.WithLabelValues(job, outcome).Inc()
	pm.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
	pm.jobItems.WithLabelValues(job, "processed").Add(float64(processed))
	pm.jobItems.WithLabelValues(job, "failed").Add(float64(failed))
}

func (pm *PrometheusMetrics) RecordTransition(kind, state string) {
	if pm == nil {
		return
	}
	pm.requestTransitions.WithLabelValues(kind, state).Inc()
}

func (pm *PrometheusMetrics) CollectSystemMetrics() {
	if pm == nil {
		return
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	pm.memoryUsage.Set(float64(m.Alloc))
	pm.goroutineCount.Set(float64(runtime.NumGoroutine()))
}

// GetMetricsSummary flattens the counters an admin dashboard shows.
func (pm *PrometheusMetrics) GetMetricsSummary() (map[string]interface{}, error) {
	metricFamilies, err := pm.registry.Gather()
	if err != nil {
		return nil, err
	}

	summary := make(map[string]interface{})
	sum := func(key string, v float64) {
		cur, _ := summary[key].(float64)
		summary[key] = cur + v
	}
	for _, mf := range metricFamilies {
		for _, m := range mf.Metric {
			switch mf.GetName() {
			case "vestnet_requests_total":
				sum("total_requests", m.GetCounter().GetValue())
			case "vestnet_ledger_postings_total":
				sum("ledger_postings", m.GetCounter().GetValue())
			case "vestnet_commission_postings_total":
				sum("commission_postings", m.GetCounter().GetValue())
			case "vestnet_job_runs_total":
				sum("job_runs", m.GetCounter().GetValue())
			case "vestnet_goroutines":
				summary["goroutines"] = m.GetGauge().GetValue()
			case "vestnet_memory_usage_bytes":
				summary["memory_usage_mb"] = m.GetGauge().GetValue() / 1024 / 1024
			}
		}
	}
	summary["last_updated"] = time.Now().UTC()
	return summary, nil
}

func (pm *PrometheusMetrics) ExportMetrics() (string, error) {
	summary, err := pm.GetMetricsSummary()
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(summary)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
