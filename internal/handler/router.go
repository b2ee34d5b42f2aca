package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/boddenberg/ledger-sync-go/internal/domain"
	"github.com/boddenberg/ledger-sync-go/internal/infra/observability"
	"github.com/boddenberg/ledger-sync-go/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// Pinger is a dependency checked by /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services bundles what the routes call into. Nil members leave their routes
// unregistered.
type Services struct {
	Tokens   *service.TokenManager
	Gateway  *service.Gateway
	Mappings *service.MappingResolver
	Sync     *service.SyncOrchestrator
	Runner   *service.SyncRunner
	Database Pinger

	// DefaultMinConfidence applies to coverage reports that name no floor.
	DefaultMinConfidence int
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(svc Services, verifier *TokenVerifier, metrics *observability.Metrics, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(svc.Database))
	r.Get("/readyz", readyzHandler())
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {
		if verifier != nil {
			r.Use(JWTAuthMiddleware(verifier, logger))
		}

		r.Get("/metrics/sync", syncMetricsHandler(metrics))

		if svc.Tokens != nil {
			r.Route("/connections/quickbooks", func(r chi.Router) {
				r.Get("/", connectionStatusHandler(svc.Tokens, logger))
				r.Get("/authorize", authorizeHandler(svc.Tokens, logger))
				r.Post("/callback", callbackHandler(svc.Tokens, logger))
				r.Delete("/", disconnectHandler(svc.Tokens, logger))
			})
		}

		if svc.Gateway != nil {
			r.Get("/remote/accounts", remoteAccountsHandler(svc.Gateway, logger))
			r.Get("/remote/vendors", remoteVendorsHandler(svc.Gateway, logger))
			r.Get("/remote/customers", remoteCustomersHandler(svc.Gateway, logger))
		}

		if svc.Mappings != nil {
			r.Get("/mappings/categories", listCategoryMappingsHandler(svc.Mappings, logger))
			r.Put("/mappings/categories", setCategoryMappingHandler(svc.Mappings, logger))
			r.Post("/mappings/categories/generate", generateCategoryMappingsHandler(svc.Mappings, logger))
			r.Get("/mappings/merchants", listMerchantMappingsHandler(svc.Mappings, logger))
			r.Put("/mappings/merchants", setMerchantMappingHandler(svc.Mappings, logger))
			r.Post("/mappings/merchants/generate", generateMerchantMappingsHandler(svc.Mappings, logger))
			r.Get("/files/{fileId}/mapping-coverage", mappingCoverageHandler(svc.Mappings, svc.DefaultMinConfidence, logger))
		}

		if svc.Sync != nil {
			r.Post("/sync/jobs", createSyncJobHandler(svc.Sync, svc.Runner, logger))
			r.Get("/sync/jobs", syncHistoryHandler(svc.Sync, logger))
			r.Get("/sync/jobs/{jobId}", syncJobStatusHandler(svc.Sync, logger))
			r.Post("/sync/jobs/{jobId}/cancel", cancelSyncJobHandler(svc.Sync, logger))
			if svc.Runner != nil {
				r.Post("/sync/jobs/{jobId}/process", processSyncJobHandler(svc.Runner, logger))
				r.Post("/sync/jobs/{jobId}/retry", retrySyncJobHandler(svc.Runner, logger))
			}
		}
	})

	return r
}

// ============================================================
// Operational handlers
// ============================================================

func healthzHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().Format(time.RFC3339)
		services := []domain.ServiceHealth{
			{Name: "ledger-sync", Status: "healthy", LastChecked: now},
		}

		if db != nil {
			start := time.Now()
			status := "healthy"
			if err := db.Ping(r.Context()); err != nil {
				status = "unhealthy"
			}
			services = append(services, domain.ServiceHealth{
				Name: "sqlite", Status: status, LatencyMs: time.Since(start).Milliseconds(), LastChecked: now,
			})
		}

		overall := "healthy"
		for _, s := range services {
			if s.Status == "unhealthy" {
				overall = "unhealthy"
				break
			}
		}

		code := http.StatusOK
		if overall == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, domain.HealthStatus{Status: overall, Services: services})
	}
}

func readyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func syncMetricsHandler(metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, metrics.Snapshot())
	}
}
