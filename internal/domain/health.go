package domain

// ============================================================
// Health & Metrics API Responses
// ============================================================

// HealthStatus is returned by GET /healthz.
type HealthStatus struct {
	Status   string          `json:"status"` // healthy, degraded, unhealthy
	Services []ServiceHealth `json:"services"`
}

// ServiceHealth represents the health of an individual dependency.
type ServiceHealth struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	LatencyMs   int64  `json:"latencyMs"`
	LastChecked string `json:"lastChecked"`
}

// SyncMetrics is returned by GET /v1/metrics/sync.
type SyncMetrics struct {
	RemoteRequests      int64   `json:"remoteRequests"`
	RemoteErrorRate     float64 `json:"remoteErrorRate"`
	RateLimitWaits      int64   `json:"rateLimitWaits"`
	TokenRefreshes      int64   `json:"tokenRefreshes"`
	TokenRefreshFailed  int64   `json:"tokenRefreshFailures"`
	TransactionsSynced  int64   `json:"transactionsSynced"`
	TransactionsFailed  int64   `json:"transactionsFailed"`
	TransactionsSkipped int64   `json:"transactionsSkipped"`
	JobsCompleted       int64   `json:"jobsCompleted"`
	JobsPartial         int64   `json:"jobsPartial"`
	JobsFailed          int64   `json:"jobsFailed"`
	OracleEmptyRate     float64 `json:"oracleEmptyRate"`
	CacheHitRate        float64 `json:"cacheHitRate"`
	Period              string  `json:"period"`
}

// ============================================================
// Generic API Response wrappers
// ============================================================

// ListResponse wraps list results.
type ListResponse[T any] struct {
	Data  []T `json:"data"`
	Total int `json:"total"`
}
