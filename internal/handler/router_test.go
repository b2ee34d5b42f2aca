package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/boddenberg/ledger-sync-go/internal/domain"
	"github.com/boddenberg/ledger-sync-go/internal/handler"
	"github.com/boddenberg/ledger-sync-go/internal/infra/observability"
	"github.com/boddenberg/ledger-sync-go/internal/infra/sqlite"
	"github.com/boddenberg/ledger-sync-go/internal/service"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const testSecret = "router-test-secret"

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("database is locked") }

func signToken(t *testing.T, secret, subject string, expires time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(expires),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func newSyncRouter(t *testing.T) http.Handler {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "router.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := sqlite.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	sealer, err := sqlite.NewSealer("test-key")
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	store := sqlite.NewStore(db, sealer, zap.NewNop())
	metrics := observability.NewMetrics()
	orch := service.NewSyncOrchestrator(store, store, nil, nil, nil, service.SyncConfig{DefaultMinConfidence: 70}, metrics, zap.NewNop())

	return handler.NewRouter(handler.Services{Sync: orch, Database: store},
		handler.NewTokenVerifier(testSecret), metrics, zap.NewNop())
}

func serve(router http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	router := handler.NewRouter(handler.Services{}, nil, observability.NewMetrics(), zap.NewNop())

	rec := serve(router, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHealthz_DatabaseDown(t *testing.T) {
	router := handler.NewRouter(handler.Services{Database: failingPinger{}}, nil, observability.NewMetrics(), zap.NewNop())

	rec := serve(router, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var health domain.HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "unhealthy" || len(health.Services) != 2 {
		t.Fatalf("unexpected health: %+v", health)
	}
}

func TestReadyz(t *testing.T) {
	router := handler.NewRouter(handler.Services{}, nil, observability.NewMetrics(), zap.NewNop())

	rec := serve(router, http.MethodGet, "/readyz", "", "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestMetrics(t *testing.T) {
	metrics := observability.NewMetrics()
	metrics.IncrRateLimitWait()
	router := handler.NewRouter(handler.Services{}, nil, metrics, zap.NewNop())

	rec := serve(router, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ledgersync_rate_limit_waits_total") {
		t.Errorf("expected the application registry to be exposed, got:\n%s", rec.Body.String())
	}
}

func TestAuthMiddleware(t *testing.T) {
	router := handler.NewRouter(handler.Services{}, handler.NewTokenVerifier(testSecret), observability.NewMetrics(), zap.NewNop())

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"wrong secret", signToken(t, "other-secret", "user-1", time.Now().Add(time.Hour)), http.StatusUnauthorized},
		{"expired", signToken(t, testSecret, "user-1", time.Now().Add(-time.Minute)), http.StatusUnauthorized},
		{"no subject", signToken(t, testSecret, "", time.Now().Add(time.Hour)), http.StatusUnauthorized},
		{"valid", signToken(t, testSecret, "user-1", time.Now().Add(time.Hour)), http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := serve(router, http.MethodGet, "/v1/metrics/sync", tc.token, "")
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestSyncRoutes(t *testing.T) {
	router := newSyncRouter(t)
	token := signToken(t, testSecret, "user-1", time.Now().Add(time.Hour))

	rec := serve(router, http.MethodGet, "/v1/sync/jobs", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("history: expected 200, got %d", rec.Code)
	}
	var history domain.ListResponse[domain.SyncJob]
	if err := json.NewDecoder(rec.Body).Decode(&history); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if history.Total != 0 {
		t.Fatalf("expected no jobs, got %+v", history)
	}

	if rec := serve(router, http.MethodGet, "/v1/sync/jobs/does-not-exist", token, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("status: expected 404, got %d", rec.Code)
	}
	if rec := serve(router, http.MethodPost, "/v1/sync/jobs/does-not-exist/cancel", token, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("cancel: expected 404, got %d", rec.Code)
	}

	rec = serve(router, http.MethodPost, "/v1/sync/jobs", token, `{"file_id": ""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("create: expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"field":"file_id"`) {
		t.Errorf("expected the failing field in the body, got %s", rec.Body.String())
	}

	if rec := serve(router, http.MethodPost, "/v1/sync/jobs", token, `{"file_id":`); rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: expected 400, got %d", rec.Code)
	}
}
