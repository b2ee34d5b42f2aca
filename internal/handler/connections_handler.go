package handler

import (
	"net/http"

	"github.com/boddenberg/ledger-sync-go/internal/domain"
	"github.com/boddenberg/ledger-sync-go/internal/service"

	"go.uber.org/zap"
)

// ============================================================
// QuickBooks connection handlers
// ============================================================

func connectionStatusHandler(tokens *service.TokenManager, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /connections/quickbooks")
		defer span.End()
		status, err := tokens.ConnectionStatus(ctx, UserIDFromContext(ctx))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func authorizeHandler(tokens *service.TokenManager, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /connections/quickbooks/authorize")
		defer span.End()
		start, err := tokens.BeginAuthorization(ctx, UserIDFromContext(ctx))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, start)
	}
}

func callbackHandler(tokens *service.TokenManager, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /connections/quickbooks/callback")
		defer span.End()

		var cb domain.AuthorizationCallback
		if err := decodeJSON(r, &cb); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		// Intuit redirects with query parameters; the frontend may forward them as-is.
		q := r.URL.Query()
		if cb.Code == "" {
			cb.Code = q.Get("code")
		}
		if cb.State == "" {
			cb.State = q.Get("state")
		}
		if cb.RealmID == "" {
			cb.RealmID = q.Get("realmId")
		}

		conn, err := tokens.CompleteAuthorization(ctx, UserIDFromContext(ctx), &cb)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, conn)
	}
}

func disconnectHandler(tokens *service.TokenManager, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "DELETE /connections/quickbooks")
		defer span.End()
		if err := tokens.Disconnect(ctx, UserIDFromContext(ctx)); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
