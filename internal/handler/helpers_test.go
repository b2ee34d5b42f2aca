package handler

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/boddenberg/ledger-sync-go/internal/domain"

	"go.uber.org/zap"
)

func TestHandleServiceError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", &domain.ErrNotFound{Resource: "sync job", ID: "x"}, http.StatusNotFound},
		{"validation", &domain.ErrValidation{Field: "file_id", Message: "required"}, http.StatusBadRequest},
		{"mapping", &domain.ErrMapping{Category: "Food"}, http.StatusUnprocessableEntity},
		{"reconnect", &domain.ErrAuth{Reason: domain.AuthReasonExpired}, http.StatusUnauthorized},
		{"unauthorized", &domain.ErrUnauthorized{}, http.StatusUnauthorized},
		{"conflict", &domain.ErrConflict{Message: "running"}, http.StatusConflict},
		{"remote fault", &domain.ErrRemoteFault{Status: 400, Code: "6000"}, http.StatusBadGateway},
		{"throttled", &domain.ErrRateLimited{Operation: "query"}, http.StatusTooManyRequests},
		{"circuit open", &domain.ErrCircuitOpen{Service: "quickbooks"}, http.StatusServiceUnavailable},
		{"external", &domain.ErrExternalService{Service: "oracle", Err: errors.New("down")}, http.StatusBadGateway},
		{"wrapped", fmt.Errorf("load: %w", &domain.ErrNotFound{Resource: "file"}), http.StatusNotFound},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handleServiceError(rec, tc.err, zap.NewNop())
			if rec.Code != tc.want {
				t.Errorf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}
