package handler

import (
	"context"
	"net/http"

	"github.com/boddenberg/ledger-sync-go/internal/domain"
	"github.com/boddenberg/ledger-sync-go/internal/service"

	"go.uber.org/zap"
)

// ============================================================
// Remote chart of accounts and entities
// ============================================================

func remoteAccountsHandler(gw *service.Gateway, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /remote/accounts")
		defer span.End()
		accounts, err := gw.ListAccounts(ctx, UserIDFromContext(ctx))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, domain.ListResponse[domain.RemoteAccount]{Data: accounts, Total: len(accounts)})
	}
}

func remoteVendorsHandler(gw *service.Gateway, logger *zap.Logger) http.HandlerFunc {
	return remoteEntitiesHandler("GET /remote/vendors", gw.ListVendors, logger)
}

func remoteCustomersHandler(gw *service.Gateway, logger *zap.Logger) http.HandlerFunc {
	return remoteEntitiesHandler("GET /remote/customers", gw.ListCustomers, logger)
}

func remoteEntitiesHandler(
	name string,
	list func(ctx context.Context, userID string) ([]domain.RemoteEntity, error),
	logger *zap.Logger,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), name)
		defer span.End()
		entities, err := list(ctx, UserIDFromContext(ctx))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, domain.ListResponse[domain.RemoteEntity]{Data: entities, Total: len(entities)})
	}
}
