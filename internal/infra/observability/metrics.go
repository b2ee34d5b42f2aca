package observability

import (
	"time"

	"github.com/boddenberg/ledger-sync-go/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the sync engine.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	remoteRequests *prometheus.CounterVec
	remoteDuration *prometheus.HistogramVec
	rateLimitWaits prometheus.Counter
	tokenRefreshes *prometheus.CounterVec
	oracleResults  *prometheus.CounterVec
	syncRecords    *prometheus.CounterVec
	syncJobs       *prometheus.CounterVec
	jobDuration    prometheus.Histogram
	externalErrors *prometheus.CounterVec
	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		remoteRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgersync_remote_requests_total",
				Help: "Accounting platform calls by operation and outcome.",
			},
			[]string{"operation", "status"},
		),
		remoteDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledgersync_remote_request_duration_seconds",
				Help:    "Duration of accounting platform calls, including rate-limit waits.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		rateLimitWaits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ledgersync_rate_limit_waits_total",
				Help: "Times a caller had to wait for a rate-limit slot.",
			},
		),
		tokenRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgersync_token_refreshes_total",
				Help: "OAuth token refresh attempts by result.",
			},
			[]string{"result"},
		),
		oracleResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgersync_oracle_requests_total",
				Help: "Mapping oracle requests by kind and result.",
			},
			[]string{"kind", "result"},
		),
		syncRecords: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgersync_sync_transactions_total",
				Help: "Per-transaction sync outcomes.",
			},
			[]string{"status"},
		),
		syncJobs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgersync_sync_jobs_total",
				Help: "Finished sync job runs by final status.",
			},
			[]string{"status"},
		),
		jobDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ledgersync_sync_job_duration_seconds",
				Help:    "Wall time of a sync job run.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgersync_external_errors_total",
				Help: "Total errors from external services.",
			},
			[]string{"service"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgersync_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgersync_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
	}
}

// RecordRemoteCall records one accounting platform call.
func (m *Metrics) RecordRemoteCall(operation, status string, d time.Duration) {
	m.remoteRequests.WithLabelValues(operation, status).Inc()
	m.remoteDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrRateLimitWait counts one rate-limit wait cycle.
func (m *Metrics) IncrRateLimitWait() {
	m.rateLimitWaits.Inc()
}

// IncrTokenRefresh counts a refresh attempt ("success" or "failure").
func (m *Metrics) IncrTokenRefresh(result string) {
	m.tokenRefreshes.WithLabelValues(result).Inc()
}

// IncrOracle counts an oracle request ("ok", "empty", "error").
func (m *Metrics) IncrOracle(kind, result string) {
	m.oracleResults.WithLabelValues(kind, result).Inc()
}

// IncrSyncRecord counts one per-transaction outcome.
func (m *Metrics) IncrSyncRecord(status domain.TransactionSyncStatus) {
	m.syncRecords.WithLabelValues(string(status)).Inc()
}

// RecordJob records a finished job run.
func (m *Metrics) RecordJob(status domain.SyncJobStatus, d time.Duration) {
	m.syncJobs.WithLabelValues(string(status)).Inc()
	m.jobDuration.Observe(d.Seconds())
}

// IncrExternalError increments the external error counter.
func (m *Metrics) IncrExternalError(service string) {
	m.externalErrors.WithLabelValues(service).Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// Snapshot returns cumulative sync metrics for GET /v1/metrics/sync.
func (m *Metrics) Snapshot() *domain.SyncMetrics {
	remoteOK := sumCounters(m.remoteRequests, "status", "ok")
	remoteErr := sumCounters(m.remoteRequests, "status", "error")
	oracleEmpty := sumCounters(m.oracleResults, "result", "empty") + sumCounters(m.oracleResults, "result", "error")
	oracleAll := oracleEmpty + sumCounters(m.oracleResults, "result", "ok")
	hits := sumCounters(m.cacheHits, "", "")
	misses := sumCounters(m.cacheMisses, "", "")

	snap := &domain.SyncMetrics{
		RemoteRequests:      int64(remoteOK + remoteErr),
		RateLimitWaits:      int64(counterValue(m.rateLimitWaits)),
		TokenRefreshes:      int64(counterValue(m.tokenRefreshes.WithLabelValues("success"))),
		TokenRefreshFailed:  int64(counterValue(m.tokenRefreshes.WithLabelValues("failure"))),
		TransactionsSynced:  int64(counterValue(m.syncRecords.WithLabelValues(string(domain.SyncSynced)))),
		TransactionsFailed:  int64(counterValue(m.syncRecords.WithLabelValues(string(domain.SyncFailed)))),
		TransactionsSkipped: int64(counterValue(m.syncRecords.WithLabelValues(string(domain.SyncSkipped)))),
		JobsCompleted:       int64(counterValue(m.syncJobs.WithLabelValues(string(domain.JobCompleted)))),
		JobsPartial:         int64(counterValue(m.syncJobs.WithLabelValues(string(domain.JobPartial)))),
		JobsFailed:          int64(counterValue(m.syncJobs.WithLabelValues(string(domain.JobFailed)))),
		Period:              "all_time",
	}
	if total := remoteOK + remoteErr; total > 0 {
		snap.RemoteErrorRate = remoteErr / total
	}
	if oracleAll > 0 {
		snap.OracleEmptyRate = oracleEmpty / oracleAll
	}
	if hits+misses > 0 {
		snap.CacheHitRate = hits / (hits + misses)
	}
	return snap
}

// counterValue extracts the current value of a single counter.
func counterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}

// sumCounters adds up every child of cv whose label matches value.
// An empty label sums all children.
func sumCounters(cv *prometheus.CounterVec, label, value string) float64 {
	ch := make(chan prometheus.Metric, 64)
	go func() {
		cv.Collect(ch)
		close(ch)
	}()

	var total float64
	for metric := range ch {
		m := &dto.Metric{}
		if err := metric.Write(m); err != nil || m.Counter == nil {
			continue
		}
		if label != "" && !hasLabel(m, label, value) {
			continue
		}
		total += m.Counter.GetValue()
	}
	return total
}

func hasLabel(m *dto.Metric, name, value string) bool {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name && lp.GetValue() == value {
			return true
		}
	}
	return false
}
